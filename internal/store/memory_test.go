package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"moonwatch.org/internal/tracker"
)

func tp(t time.Time) *time.Time { return &t }

func TestUpsertStructureChangeDetection(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := tracker.Structure{
		ID: 1001, Name: "Alpha", CorporationID: 2, SystemID: 30000142,
		TypeID: 35835, State: tracker.StateOnline, Exists: true,
		FuelExpires: tp(t0.Add(72 * time.Hour)), LastUpdate: t0,
	}
	changed, err := s.UpsertStructure(ctx, st)
	if err != nil || !changed {
		t.Fatalf("first upsert should change: changed=%v err=%v", changed, err)
	}

	// Identical observation with a newer timestamp must not be recorded.
	same := st
	same.LastUpdate = t0.Add(time.Hour)
	changed, err = s.UpsertStructure(ctx, same)
	if err != nil || changed {
		t.Fatalf("unchanged observation should not change: changed=%v err=%v", changed, err)
	}
	got, err := s.Structure(ctx, 1001)
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if !got.LastUpdate.Equal(t0) {
		t.Fatalf("LastUpdate advanced without an attribute change: %v", got.LastUpdate)
	}

	// A real change advances LastUpdate.
	moved := st
	moved.State = tracker.StateLowPower
	moved.LastUpdate = t0.Add(2 * time.Hour)
	if changed, _ = s.UpsertStructure(ctx, moved); !changed {
		t.Fatalf("state change should be detected")
	}
	got, _ = s.Structure(ctx, 1001)
	if got.State != tracker.StateLowPower || !got.LastUpdate.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("change not applied: %+v", got)
	}
}

func TestRetireMissingStructures(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []int64{1, 2, 3} {
		if _, err := s.UpsertStructure(ctx, tracker.Structure{ID: id, CorporationID: 2, Exists: true, LastUpdate: now.Add(-time.Hour)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// Structure 9 belongs to another corporation and must be untouched.
	if _, err := s.UpsertStructure(ctx, tracker.Structure{ID: 9, CorporationID: 5, Exists: true, LastUpdate: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	retired, err := s.RetireMissingStructures(ctx, 2, []int64{1, 3}, now)
	if err != nil {
		t.Fatalf("RetireMissingStructures: %v", err)
	}
	if retired != 1 {
		t.Fatalf("retired %d, want 1", retired)
	}
	gone, _ := s.Structure(ctx, 2)
	if gone.Exists || !gone.LastUpdate.Equal(now) {
		t.Fatalf("structure 2 should be retired: %+v", gone)
	}
	kept, _ := s.Structure(ctx, 1)
	if !kept.Exists {
		t.Fatalf("structure 1 should survive")
	}
	other, _ := s.Structure(ctx, 9)
	if !other.Exists {
		t.Fatalf("other corporation's structure must be untouched")
	}
}

func TestUpsertExtractionReplacesOlderCycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	start1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	start2 := start1.Add(7 * 24 * time.Hour)

	first := tracker.Extraction{StructureID: 1001, MoonID: 40161465, CorporationID: 2, ExtractionStartTime: start1, ChunkArrivalTime: tp(start1.Add(6 * 24 * time.Hour))}
	if changed, err := s.UpsertExtraction(ctx, first); err != nil || !changed {
		t.Fatalf("first cycle: changed=%v err=%v", changed, err)
	}
	// Same cycle again: no change.
	if changed, _ := s.UpsertExtraction(ctx, first); changed {
		t.Fatalf("identical cycle should not change")
	}
	// Newer cycle replaces the old one.
	second := tracker.Extraction{StructureID: 1001, MoonID: 40161465, CorporationID: 2, ExtractionStartTime: start2}
	if changed, _ := s.UpsertExtraction(ctx, second); !changed {
		t.Fatalf("new cycle should change")
	}
	xs, err := s.ExtractionsForStructure(ctx, 1001)
	if err != nil {
		t.Fatalf("ExtractionsForStructure: %v", err)
	}
	if len(xs) != 1 || !xs[0].ExtractionStartTime.Equal(start2) {
		t.Fatalf("old cycle should be replaced, got %+v", xs)
	}
}

func TestNotFoundSentinels(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	if _, err := s.Structure(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Moon(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncRunHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := tracker.SyncRun{ID: string(rune('a' + i)), Kind: "structures", StartedAt: base.Add(time.Duration(i) * time.Minute), Outcome: tracker.SyncSuccess}
		if err := s.SaveSyncRun(ctx, run); err != nil {
			t.Fatalf("SaveSyncRun: %v", err)
		}
	}
	runs, err := s.RecentSyncRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentSyncRuns: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "e" || runs[2].ID != "c" {
		t.Fatalf("unexpected history order: %+v", runs)
	}
}
