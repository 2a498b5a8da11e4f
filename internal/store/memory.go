package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"moonwatch.org/internal/sso"
	"moonwatch.org/internal/tracker"
)

// InMemory is a map-backed Store guarded by a single RWMutex. It backs
// tests and deployments that do not need durability.
type InMemory struct {
	mu sync.RWMutex

	characters   map[int64]tracker.Character
	corporations map[int64]tracker.Corporation
	alliances    map[int64]tracker.Alliance
	systems      map[int64]tracker.System
	moons        map[int64]tracker.Moon
	structures   map[int64]tracker.Structure
	extractions  map[extractionKey]tracker.Extraction
	credentials  map[int64]sso.Credential
	syncRuns     []tracker.SyncRun
	corpSynced   map[int64]tracker.CorporationSyncStatus
}

// An extraction cycle is identified by its structure and start time; a
// newer cycle for the same structure replaces the previous one.
type extractionKey struct {
	structureID int64
	start       time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		characters:   make(map[int64]tracker.Character),
		corporations: make(map[int64]tracker.Corporation),
		alliances:    make(map[int64]tracker.Alliance),
		systems:      make(map[int64]tracker.System),
		moons:        make(map[int64]tracker.Moon),
		structures:   make(map[int64]tracker.Structure),
		extractions:  make(map[extractionKey]tracker.Extraction),
		credentials:  make(map[int64]sso.Credential),
		corpSynced:   make(map[int64]tracker.CorporationSyncStatus),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) UpsertCharacter(_ context.Context, c tracker.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters[c.ID] = c
	return nil
}

func (s *InMemory) UpsertCorporation(_ context.Context, c tracker.Corporation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corporations[c.ID] = c
	return nil
}

func (s *InMemory) UpsertAlliance(_ context.Context, a tracker.Alliance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alliances[a.ID] = a
	return nil
}

func (s *InMemory) UpsertSystem(_ context.Context, sys tracker.System) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems[sys.ID] = sys
	return nil
}

func (s *InMemory) UpsertMoon(_ context.Context, m tracker.Moon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moons[m.ID] = m
	return nil
}

func (s *InMemory) Character(_ context.Context, id int64) (tracker.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.characters[id]
	if !ok {
		return tracker.Character{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemory) Corporation(_ context.Context, id int64) (tracker.Corporation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.corporations[id]
	if !ok {
		return tracker.Corporation{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemory) Alliance(_ context.Context, id int64) (tracker.Alliance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alliances[id]
	if !ok {
		return tracker.Alliance{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemory) System(_ context.Context, id int64) (tracker.System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sys, ok := s.systems[id]
	if !ok {
		return tracker.System{}, ErrNotFound
	}
	return sys, nil
}

func (s *InMemory) Moon(_ context.Context, id int64) (tracker.Moon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.moons[id]
	if !ok {
		return tracker.Moon{}, ErrNotFound
	}
	return m, nil
}

func (s *InMemory) ListCorporations(_ context.Context) ([]tracker.Corporation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Corporation, 0, len(s.corporations))
	for _, c := range s.corporations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertStructure applies change detection: the stored LastUpdate only
// advances when a tracked attribute differs from the previous record.
func (s *InMemory) UpsertStructure(_ context.Context, st tracker.Structure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.structures[st.ID]
	if ok && prev.SameObservation(st) {
		return false, nil
	}
	s.structures[st.ID] = st
	return true, nil
}

func (s *InMemory) Structure(_ context.Context, id int64) (tracker.Structure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.structures[id]
	if !ok {
		return tracker.Structure{}, ErrNotFound
	}
	return st, nil
}

func (s *InMemory) ListStructures(_ context.Context) ([]tracker.Structure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Structure, 0, len(s.structures))
	for _, st := range s.structures {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) RetireMissingStructures(_ context.Context, corporationID int64, keep []int64, now time.Time) (int, error) {
	keepSet := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	retired := 0
	for id, st := range s.structures {
		if st.CorporationID != corporationID || !st.Exists {
			continue
		}
		if _, ok := keepSet[id]; ok {
			continue
		}
		st.Exists = false
		st.LastUpdate = now
		s.structures[id] = st
		retired++
	}
	return retired, nil
}

func (s *InMemory) UpsertExtraction(_ context.Context, x tracker.Extraction) (bool, error) {
	key := extractionKey{structureID: x.StructureID, start: x.ExtractionStartTime.UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.extractions[key]
	if ok && prev.SameObservation(x) {
		return false, nil
	}
	// A fresh cycle replaces any older one on the same structure.
	for k := range s.extractions {
		if k.structureID == x.StructureID && k.start.Before(key.start) {
			delete(s.extractions, k)
		}
	}
	s.extractions[key] = x
	return true, nil
}

func (s *InMemory) ListExtractions(_ context.Context) ([]tracker.Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Extraction, 0, len(s.extractions))
	for _, x := range s.extractions {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StructureID != out[j].StructureID {
			return out[i].StructureID < out[j].StructureID
		}
		return out[i].ExtractionStartTime.Before(out[j].ExtractionStartTime)
	})
	return out, nil
}

func (s *InMemory) ExtractionsForStructure(_ context.Context, structureID int64) ([]tracker.Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Extraction
	for k, x := range s.extractions {
		if k.structureID == structureID {
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExtractionStartTime.Before(out[j].ExtractionStartTime)
	})
	return out, nil
}

func (s *InMemory) Credential(_ context.Context, characterID int64) (sso.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[characterID]
	if !ok {
		return sso.Credential{}, sso.ErrNoCredential
	}
	return c, nil
}

func (s *InMemory) SaveCredential(_ context.Context, c sso.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.CharacterID] = c
	return nil
}

func (s *InMemory) ListCredentials(_ context.Context) ([]sso.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sso.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out, nil
}

func (s *InMemory) DeleteCredential(_ context.Context, characterID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[characterID]; !ok {
		return sso.ErrNoCredential
	}
	delete(s.credentials, characterID)
	return nil
}

// maxSyncRuns bounds the in-memory run history.
const maxSyncRuns = 1000

func (s *InMemory) SaveSyncRun(_ context.Context, run tracker.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncRuns = append(s.syncRuns, run)
	if len(s.syncRuns) > maxSyncRuns {
		s.syncRuns = s.syncRuns[len(s.syncRuns)-maxSyncRuns:]
	}
	return nil
}

func (s *InMemory) RecentSyncRuns(_ context.Context, limit int) ([]tracker.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.syncRuns)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]tracker.SyncRun, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.syncRuns[n-1-i]
	}
	return out, nil
}

func (s *InMemory) SetCorporationSynced(_ context.Context, corporationID, characterID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpSynced[corporationID] = tracker.CorporationSyncStatus{
		CorporationID: corporationID,
		CharacterID:   characterID,
		Timestamp:     at,
	}
	return nil
}

func (s *InMemory) CorporationSyncStatus(_ context.Context) ([]tracker.CorporationSyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.CorporationSyncStatus, 0, len(s.corpSynced))
	for _, st := range s.corpSynced {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorporationID < out[j].CorporationID })
	return out, nil
}
