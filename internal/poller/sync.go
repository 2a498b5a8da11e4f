package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"moonwatch.org/internal/esi"
	"moonwatch.org/internal/obs"
	"moonwatch.org/internal/sso"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/stream"
	"moonwatch.org/internal/tracker"
)

// Source is the slice of the upstream client the syncer uses.
type Source interface {
	Healthy(ctx context.Context) (bool, error)
	CorporationStructures(ctx context.Context, token string, corporationID int64) ([]esi.RawStructure, error)
	CorporationExtractions(ctx context.Context, token string, corporationID int64) ([]esi.RawExtraction, error)
	Corporation(ctx context.Context, id int64) (esi.RawCorporation, error)
	Alliance(ctx context.Context, id int64) (esi.RawAlliance, error)
	System(ctx context.Context, id int64) (esi.RawSystem, error)
	Moon(ctx context.Context, id int64) (esi.RawMoon, error)
}

// Tokens is the slice of the credential manager the syncer uses.
type Tokens interface {
	EnsureValid(ctx context.Context, characterID int64) (sso.Credential, error)
	Sweep(ctx context.Context) error
}

// Syncer executes sync cycles: it reads from the upstream, derives
// domain records and writes them through the store with change
// detection. Reference entities are written before anything that points
// at them.
type Syncer struct {
	store  store.Store
	source Source
	tokens Tokens
	events *stream.Stream
	now    func() time.Time
}

// SyncerOption adjusts syncer construction.
type SyncerOption func(*Syncer)

// WithSyncClock injects a deterministic clock for tests.
func WithSyncClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) { s.now = now }
}

// NewSyncer wires a syncer.
func NewSyncer(st store.Store, src Source, tok Tokens, events *stream.Stream, opts ...SyncerOption) *Syncer {
	s := &Syncer{store: st, source: src, tokens: tok, events: events, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the syncer's recurring targets to the poller: the token
// sweep, the universe refresh, corporation discovery and one structure
// target per corporation that has a usable credential.
func (s *Syncer) Register(ctx context.Context, p *Poller, structureInterval, universeInterval, tokenInterval time.Duration) error {
	p.Add("tokens", 0, tokenInterval, s.SweepTokens)
	p.Add("universe", 0, universeInterval, s.SyncUniverse)
	p.Add("discover", 0, structureInterval, func(ctx context.Context) error {
		return s.DiscoverCorporations(ctx, p, structureInterval)
	})
	return s.DiscoverCorporations(ctx, p, structureInterval)
}

// DiscoverCorporations registers a structures target for every
// corporation with at least one live credential. Re-running picks up
// fresh contributions and re-arms quarantined targets.
func (s *Syncer) DiscoverCorporations(ctx context.Context, p *Poller, interval time.Duration) error {
	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, c := range creds {
		if c.Revoked || seen[c.CorporationID] {
			continue
		}
		seen[c.CorporationID] = true
		corpID := c.CorporationID
		p.Add("structures", corpID, interval, func(ctx context.Context) error {
			return s.SyncCorporation(ctx, corpID)
		})
	}
	return nil
}

// SweepTokens proactively refreshes credentials nearing expiry.
func (s *Syncer) SweepTokens(ctx context.Context) error {
	return s.tokens.Sweep(ctx)
}

// SyncUniverse refreshes the public sheets of every known corporation
// and the alliances they belong to.
func (s *Syncer) SyncUniverse(ctx context.Context) error {
	corps, err := s.store.ListCorporations(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	alliances := make(map[int64]bool)
	for _, c := range corps {
		raw, err := s.source.Corporation(ctx, c.ID)
		if err != nil {
			if errors.Is(err, esi.ErrNotFound) {
				continue
			}
			return err
		}
		if err := s.store.UpsertCorporation(ctx, tracker.Corporation{
			ID: c.ID, AllianceID: raw.AllianceID, Name: raw.Name, Ticker: raw.Ticker, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if raw.AllianceID != 0 {
			alliances[raw.AllianceID] = true
		}
	}
	for id := range alliances {
		raw, err := s.source.Alliance(ctx, id)
		if err != nil {
			if errors.Is(err, esi.ErrNotFound) {
				continue
			}
			return err
		}
		if err := s.store.UpsertAlliance(ctx, tracker.Alliance{
			ID: id, Name: raw.Name, Ticker: raw.Ticker, UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SyncCorporation runs one full structures-and-extractions cycle for a
// corporation. Writes are per-record upserts with change detection, so
// an error partway leaves earlier records valid rather than the whole
// cycle half-applied.
func (s *Syncer) SyncCorporation(ctx context.Context, corporationID int64) error {
	healthy, err := s.source.Healthy(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return fmt.Errorf("upstream not accepting traffic: %w", ErrSkipCycle)
	}

	cred, err := s.credentialFor(ctx, corporationID)
	if err != nil {
		return err
	}

	if err := s.ensureCorporation(ctx, corporationID); err != nil {
		return err
	}

	rawStructures, err := s.source.CorporationStructures(ctx, cred.AccessToken, corporationID)
	if err != nil {
		return err
	}
	now := s.now()
	keep := make([]int64, 0, len(rawStructures))
	for _, raw := range rawStructures {
		if err := s.ensureSystem(ctx, raw.SystemID); err != nil {
			return err
		}
		st := tracker.Structure{
			ID:              raw.StructureID,
			Name:            raw.Name,
			CorporationID:   raw.CorporationID,
			SystemID:        raw.SystemID,
			TypeID:          raw.TypeID,
			State:           tracker.MapStructureState(raw.State),
			StateTimerStart: raw.StateTimerStart,
			StateTimerEnd:   raw.StateTimerEnd,
			FuelExpires:     raw.FuelExpires,
			UnanchorsAt:     raw.UnanchorsAt,
			HasMoonDrill:    raw.HasMoonDrill(),
			Exists:          true,
			LastUpdate:      now,
		}
		changed, err := s.store.UpsertStructure(ctx, st)
		if err != nil {
			return err
		}
		if changed && s.events != nil {
			s.events.PublishStructure(stream.StructureStateChanged, st, now)
		}
		keep = append(keep, st.ID)
	}
	retired, err := s.store.RetireMissingStructures(ctx, corporationID, keep, now)
	if err != nil {
		return err
	}
	if retired > 0 {
		obs.LogEvent("structures_retired", map[string]any{
			"corporation_id": corporationID,
			"count":          retired,
		})
	}

	rawExtractions, err := s.source.CorporationExtractions(ctx, cred.AccessToken, corporationID)
	if err != nil {
		return err
	}
	for _, raw := range rawExtractions {
		if err := s.ensureMoon(ctx, raw.MoonID); err != nil {
			return err
		}
		x := tracker.Extraction{
			StructureID:         raw.StructureID,
			MoonID:              raw.MoonID,
			CorporationID:       corporationID,
			CharacterID:         cred.CharacterID,
			ExtractionStartTime: raw.ExtractionStartTime,
			ChunkArrivalTime:    nonZero(raw.ChunkArrivalTime),
			NaturalDecayTime:    nonZero(raw.NaturalDecayTime),
			LastUpdate:          now,
		}
		// Preserve an already-rolled belt decay across cycles.
		if prev, err := s.store.ExtractionsForStructure(ctx, raw.StructureID); err == nil {
			for _, p := range prev {
				if p.ExtractionStartTime.Equal(x.ExtractionStartTime) && p.BeltDecayTime != nil {
					x.BeltDecayTime = p.BeltDecayTime
				}
			}
		}
		x = tracker.RollBeltDecay(x, now)

		changed, err := s.store.UpsertExtraction(ctx, x)
		if err != nil {
			return err
		}
		if changed && s.events != nil {
			switch tracker.ClassifyExtraction(x, now) {
			case tracker.PhaseScheduled:
				s.events.PublishExtraction(stream.ExtractionScheduled, x, now)
			case tracker.PhaseCompleted:
				s.events.PublishExtraction(stream.ExtractionCompleted, x, now)
			}
		}
	}

	if err := s.store.SetCorporationSynced(ctx, corporationID, cred.CharacterID, now); err != nil {
		return err
	}
	obs.TrackedStructures.Set(float64(len(keep)))
	return nil
}

// credentialFor picks a usable credential for the corporation. Revoked
// credentials are skipped; only when none survive does the target fail
// with ErrRevoked.
func (s *Syncer) credentialFor(ctx context.Context, corporationID int64) (sso.Credential, error) {
	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		return sso.Credential{}, err
	}
	tried := false
	for _, c := range creds {
		if c.CorporationID != corporationID || c.Revoked {
			continue
		}
		tried = true
		valid, err := s.tokens.EnsureValid(ctx, c.CharacterID)
		if err != nil {
			if errors.Is(err, sso.ErrRevoked) {
				continue
			}
			return sso.Credential{}, err
		}
		return valid, nil
	}
	if tried {
		return sso.Credential{}, fmt.Errorf("corporation %d: all credentials revoked: %w", corporationID, sso.ErrRevoked)
	}
	return sso.Credential{}, fmt.Errorf("corporation %d: %w", corporationID, sso.ErrNoCredential)
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Syncer) ensureCorporation(ctx context.Context, id int64) error {
	if _, err := s.store.Corporation(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	raw, err := s.source.Corporation(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.store.UpsertCorporation(ctx, tracker.Corporation{
		ID: id, AllianceID: raw.AllianceID, Name: raw.Name, Ticker: raw.Ticker, UpdatedAt: now,
	}); err != nil {
		return err
	}
	if raw.AllianceID == 0 {
		return nil
	}
	if _, err := s.store.Alliance(ctx, raw.AllianceID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	rawAlliance, err := s.source.Alliance(ctx, raw.AllianceID)
	if err != nil {
		return err
	}
	return s.store.UpsertAlliance(ctx, tracker.Alliance{
		ID: raw.AllianceID, Name: rawAlliance.Name, Ticker: rawAlliance.Ticker, UpdatedAt: now,
	})
}

func (s *Syncer) ensureSystem(ctx context.Context, id int64) error {
	if _, err := s.store.System(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	raw, err := s.source.System(ctx, id)
	if err != nil {
		return err
	}
	return s.store.UpsertSystem(ctx, tracker.System{
		ID: raw.SystemID, ConstellationID: raw.ConstellationID, Name: raw.Name, UpdatedAt: s.now(),
	})
}

func (s *Syncer) ensureMoon(ctx context.Context, id int64) error {
	if _, err := s.store.Moon(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	raw, err := s.source.Moon(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ensureSystem(ctx, raw.SystemID); err != nil {
		return err
	}
	return s.store.UpsertMoon(ctx, tracker.Moon{
		ID: raw.MoonID, SystemID: raw.SystemID, Name: raw.Name, UpdatedAt: s.now(),
	})
}
