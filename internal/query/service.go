// Package query is the read side: it loads stored state, derives the
// display values and applies access control before anything leaves the
// process.
package query

import (
	"context"
	"errors"
	"sort"
	"time"

	"moonwatch.org/internal/acl"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/tracker"
)

// ErrForbidden means the viewer failed the access check.
var ErrForbidden = errors.New("query: forbidden")

// StructureView is a structure with its read-time derivations.
type StructureView struct {
	tracker.Structure
	Stale bool `json:"stale"`
}

// ExtractionView is an extraction with its read-time derivations.
// CharacterID is zeroed for viewers that may not see attribution.
type ExtractionView struct {
	tracker.Extraction
	Phase tracker.ExtractionPhase `json:"phase"`
	Stale bool                    `json:"stale"`
}

// MoonView bundles a moon with the structures drilling it and its
// current extraction cycle.
type MoonView struct {
	Moon        tracker.Moon     `json:"moon"`
	System      tracker.System   `json:"system"`
	Structures  []StructureView  `json:"structures"`
	Extractions []ExtractionView `json:"extractions"`
}

// Service answers read queries.
type Service struct {
	store          store.Store
	acl            *acl.Evaluator
	staleThreshold time.Duration
	now            func() time.Time
}

// Option adjusts service construction.
type Option func(*Service)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires a query service.
func New(st store.Store, evaluator *acl.Evaluator, staleThreshold time.Duration, opts ...Option) *Service {
	s := &Service{store: st, acl: evaluator, staleThreshold: staleThreshold, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) permit(v acl.Viewer) error {
	if !s.acl.IsPermitted(v) {
		return ErrForbidden
	}
	return nil
}

func (s *Service) structureView(st tracker.Structure, now time.Time) StructureView {
	return StructureView{Structure: st, Stale: tracker.Stale(st.LastUpdate, now, s.staleThreshold)}
}

func (s *Service) extractionView(x tracker.Extraction, v acl.Viewer, now time.Time) ExtractionView {
	if acl.RedactAttribution(v) {
		x.CharacterID = 0
	}
	return ExtractionView{
		Extraction: x,
		Phase:      tracker.ClassifyExtraction(x, now),
		Stale:      tracker.Stale(x.LastUpdate, now, s.staleThreshold),
	}
}

// Timers lists structures with an active state timer, soonest first.
// Timers that elapsed within the recent window are still included.
func (s *Service) Timers(ctx context.Context, v acl.Viewer) ([]StructureView, error) {
	if err := s.permit(v); err != nil {
		return nil, err
	}
	structures, err := s.store.ListStructures(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []StructureView
	for _, st := range structures {
		if !st.Exists || !tracker.ActiveTimer(st, now) {
			continue
		}
		out = append(out, s.structureView(st, now))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StateTimerEnd.Before(*out[j].StateTimerEnd)
	})
	return out, nil
}

// Fuel lists fuelled structures ordered by soonest fuel expiry.
// Expiries already in the past are dropped: that fuel is gone.
func (s *Service) Fuel(ctx context.Context, v acl.Viewer) ([]StructureView, error) {
	if err := s.permit(v); err != nil {
		return nil, err
	}
	structures, err := s.store.ListStructures(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []StructureView
	for _, st := range structures {
		if !st.Exists || st.FuelExpires == nil || !st.FuelExpires.After(now) {
			continue
		}
		out = append(out, s.structureView(st, now))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FuelExpires.Before(*out[j].FuelExpires)
	})
	return out, nil
}

// Unfueled lists structures with no fuel on board. Anchoring structures
// are excluded: they cannot be fuelled yet and would only be noise.
func (s *Service) Unfueled(ctx context.Context, v acl.Viewer) ([]StructureView, error) {
	if err := s.permit(v); err != nil {
		return nil, err
	}
	structures, err := s.store.ListStructures(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []StructureView
	for _, st := range structures {
		if !st.Exists || st.FuelExpires != nil || st.State == tracker.StateAnchoring {
			continue
		}
		out = append(out, s.structureView(st, now))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdate.Before(out[j].LastUpdate)
	})
	return out, nil
}

// Extractions lists active extraction cycles in display order, or all
// cycles of one phase when the filter is set. Expired cycles only show
// up when asked for explicitly.
func (s *Service) Extractions(ctx context.Context, v acl.Viewer, phase tracker.ExtractionPhase) ([]ExtractionView, error) {
	if err := s.permit(v); err != nil {
		return nil, err
	}
	xs, err := s.store.ListExtractions(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if phase == "" || phase == tracker.PhaseUnscheduled {
		xs, err = s.withUnscheduled(ctx, xs, now)
		if err != nil {
			return nil, err
		}
	}
	if phase == "" {
		xs = tracker.ActiveExtractions(xs, now)
	} else {
		filtered := xs[:0]
		for _, x := range xs {
			if tracker.ClassifyExtraction(x, now) == phase {
				filtered = append(filtered, x)
			}
		}
		xs = filtered
		tracker.SortExtractions(xs, now)
	}
	out := make([]ExtractionView, 0, len(xs))
	for _, x := range xs {
		out = append(out, s.extractionView(x, v, now))
	}
	return out, nil
}

// withUnscheduled appends a synthetic entry for every moon-drill
// structure that has no cycle scheduled. The upstream only reports
// cycles that exist, so a drill waiting to be restarted is a derived
// fact, not a stored row.
func (s *Service) withUnscheduled(ctx context.Context, xs []tracker.Extraction, now time.Time) ([]tracker.Extraction, error) {
	structures, err := s.store.ListStructures(ctx)
	if err != nil {
		return nil, err
	}
	covered := make(map[int64]bool)
	lastMoon := make(map[int64]int64)
	for _, x := range xs {
		switch tracker.ClassifyExtraction(x, now) {
		case tracker.PhaseScheduled, tracker.PhaseUnscheduled:
			covered[x.StructureID] = true
		}
		lastMoon[x.StructureID] = x.MoonID
	}
	for _, st := range structures {
		if !st.Exists || !st.HasMoonDrill || covered[st.ID] {
			continue
		}
		xs = append(xs, tracker.Extraction{
			StructureID:   st.ID,
			MoonID:        lastMoon[st.ID],
			CorporationID: st.CorporationID,
			LastUpdate:    st.LastUpdate,
		})
	}
	return xs, nil
}

// Moon returns one moon with the structures drilling it and its current
// extraction cycles.
func (s *Service) Moon(ctx context.Context, v acl.Viewer, moonID int64) (MoonView, error) {
	if err := s.permit(v); err != nil {
		return MoonView{}, err
	}
	moon, err := s.store.Moon(ctx, moonID)
	if err != nil {
		return MoonView{}, err
	}
	system, err := s.store.System(ctx, moon.SystemID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return MoonView{}, err
	}
	now := s.now()

	view := MoonView{Moon: moon, System: system}
	xs, err := s.store.ListExtractions(ctx)
	if err != nil {
		return MoonView{}, err
	}
	structureIDs := make(map[int64]bool)
	for _, x := range xs {
		if x.MoonID != moonID {
			continue
		}
		view.Extractions = append(view.Extractions, s.extractionView(x, v, now))
		structureIDs[x.StructureID] = true
	}
	for id := range structureIDs {
		st, err := s.store.Structure(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return MoonView{}, err
		}
		view.Structures = append(view.Structures, s.structureView(st, now))
	}
	sort.Slice(view.Structures, func(i, j int) bool {
		return view.Structures[i].ID < view.Structures[j].ID
	})
	return view, nil
}

// SyncStatus reports per-corporation freshness. Attribution of who
// synced is redacted for non-contributors.
func (s *Service) SyncStatus(ctx context.Context, v acl.Viewer) ([]tracker.CorporationSyncStatus, error) {
	if err := s.permit(v); err != nil {
		return nil, err
	}
	statuses, err := s.store.CorporationSyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range statuses {
		statuses[i].Stale = tracker.Stale(statuses[i].Timestamp, now, s.staleThreshold)
		if acl.RedactAttribution(v) {
			statuses[i].CharacterID = 0
		}
	}
	return statuses, nil
}

// RecentRuns exposes the newest sync run records for the status page.
func (s *Service) RecentRuns(ctx context.Context, v acl.Viewer, limit int) ([]tracker.SyncRun, error) {
	if err := s.permit(v); err != nil {
		return nil, err
	}
	return s.store.RecentSyncRuns(ctx, limit)
}
