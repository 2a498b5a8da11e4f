package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"moonwatch.org/internal/acl"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/tracker"
)

func tp(t time.Time) *time.Time { return &t }

var (
	contributor = acl.Viewer{CharacterID: 7, CorporationID: 2, AllianceID: 99, IsContributor: true}
	member      = acl.Viewer{CharacterID: 8, CorporationID: 2, AllianceID: 99}
	outsider    = acl.Viewer{CharacterID: 100, CorporationID: 200, AllianceID: 300}
)

func newTestService(t *testing.T, now time.Time) (*Service, *store.InMemory) {
	t.Helper()
	evaluator, err := acl.New([]acl.Rule{{Kind: acl.KindAlliance, SubjectID: 99, Effect: acl.Include}}, false)
	if err != nil {
		t.Fatalf("acl.New: %v", err)
	}
	mem := store.NewInMemory()
	svc := New(mem, evaluator, time.Hour, WithClock(func() time.Time { return now }))
	return svc, mem
}

func TestForbiddenViewerGetsNoData(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 1, CorporationID: 2, Exists: true, StateTimerEnd: tp(now.Add(time.Hour)), LastUpdate: now})

	if _, err := svc.Timers(ctx, outsider); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Extractions(ctx, outsider, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.SyncStatus(ctx, acl.Viewer{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous viewer should be refused under default deny")
	}
}

func TestTimersSoonestFirstWithRecentWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	seed := []tracker.Structure{
		{ID: 1, CorporationID: 2, Exists: true, StateTimerEnd: tp(now.Add(5 * time.Hour)), LastUpdate: now},
		{ID: 2, CorporationID: 2, Exists: true, StateTimerEnd: tp(now.Add(time.Hour)), LastUpdate: now},
		{ID: 3, CorporationID: 2, Exists: true, StateTimerEnd: tp(now.Add(-10 * time.Minute)), LastUpdate: now},
		{ID: 4, CorporationID: 2, Exists: true, StateTimerEnd: tp(now.Add(-time.Hour)), LastUpdate: now},
		{ID: 5, CorporationID: 2, Exists: true, LastUpdate: now},
		{ID: 6, CorporationID: 2, Exists: false, StateTimerEnd: tp(now.Add(time.Hour)), LastUpdate: now},
	}
	for _, st := range seed {
		if _, err := mem.UpsertStructure(ctx, st); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	timers, err := svc.Timers(ctx, member)
	if err != nil {
		t.Fatalf("Timers: %v", err)
	}
	want := []int64{3, 2, 1}
	if len(timers) != len(want) {
		t.Fatalf("got %d timers, want %d", len(timers), len(want))
	}
	for i, id := range want {
		if timers[i].ID != id {
			t.Fatalf("timer %d = structure %d, want %d", i, timers[i].ID, id)
		}
	}
}

func TestUnfueledExcludesAnchoring(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 1, CorporationID: 2, Exists: true, State: tracker.StateLowPower, LastUpdate: now})
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 2, CorporationID: 2, Exists: true, State: tracker.StateAnchoring, LastUpdate: now})
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 3, CorporationID: 2, Exists: true, State: tracker.StateOnline, FuelExpires: tp(now.Add(time.Hour)), LastUpdate: now})

	out, err := svc.Unfueled(ctx, member)
	if err != nil {
		t.Fatalf("Unfueled: %v", err)
	}
	if len(out) != 1 || out[0].ID != 1 {
		t.Fatalf("expected only the low-power structure, got %+v", out)
	}
}

func TestFuelExcludesExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 1, CorporationID: 2, Exists: true, FuelExpires: tp(now.Add(48 * time.Hour)), LastUpdate: now})
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 2, CorporationID: 2, Exists: true, FuelExpires: tp(now.Add(2 * time.Hour)), LastUpdate: now})
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 3, CorporationID: 2, Exists: true, FuelExpires: tp(now.Add(-time.Hour)), LastUpdate: now})

	out, err := svc.Fuel(ctx, member)
	if err != nil {
		t.Fatalf("Fuel: %v", err)
	}
	if len(out) != 2 || out[0].ID != 2 || out[1].ID != 1 {
		t.Fatalf("want soonest-first [2 1] with the dry structure dropped, got %+v", out)
	}
}

func TestUnscheduledDerivedFromMoonDrills(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	// Idle drill: no cycle anywhere.
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 1, CorporationID: 2, SystemID: 30000142, Exists: true, HasMoonDrill: true, LastUpdate: now.Add(-time.Hour)})
	// Drill with a chunk on the way.
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 2, CorporationID: 2, SystemID: 30000142, Exists: true, HasMoonDrill: true, LastUpdate: now})
	_, _ = mem.UpsertExtraction(ctx, tracker.Extraction{
		StructureID: 2, MoonID: 11, CorporationID: 2,
		ExtractionStartTime: now.Add(-24 * time.Hour), ChunkArrivalTime: tp(now.Add(24 * time.Hour)),
		LastUpdate: now,
	})
	// Drill whose last cycle expired without a restart.
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 3, CorporationID: 2, SystemID: 30000142, Exists: true, HasMoonDrill: true, LastUpdate: now})
	_, _ = mem.UpsertExtraction(ctx, tracker.Extraction{
		StructureID: 3, MoonID: 12, CorporationID: 2,
		ExtractionStartTime: now.Add(-10 * 24 * time.Hour),
		ChunkArrivalTime:    tp(now.Add(-5 * 24 * time.Hour)),
		BeltDecayTime:       tp(now.Add(-3 * 24 * time.Hour)),
		LastUpdate:          now,
	})
	// No drill fitted, no entry.
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 4, CorporationID: 2, SystemID: 30000142, Exists: true, LastUpdate: now})
	// Gone from the source, no entry.
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 5, CorporationID: 2, SystemID: 30000142, Exists: false, HasMoonDrill: true, LastUpdate: now})

	unscheduled, err := svc.Extractions(ctx, member, tracker.PhaseUnscheduled)
	if err != nil {
		t.Fatalf("Extractions(unscheduled): %v", err)
	}
	want := []int64{1, 3}
	if len(unscheduled) != len(want) {
		t.Fatalf("got %d unscheduled entries, want %d: %+v", len(unscheduled), len(want), unscheduled)
	}
	for i, id := range want {
		if unscheduled[i].StructureID != id {
			t.Fatalf("unscheduled[%d] = structure %d, want %d", i, unscheduled[i].StructureID, id)
		}
	}
	// The idle drill knows its moon only once a cycle has been seen.
	if unscheduled[1].MoonID != 12 {
		t.Fatalf("moon of the lapsed drill should carry over, got %d", unscheduled[1].MoonID)
	}

	// Default view: the scheduled cycle first, then the idle drills.
	active, err := svc.Extractions(ctx, member, "")
	if err != nil {
		t.Fatalf("Extractions: %v", err)
	}
	if len(active) != 3 || active[0].StructureID != 2 || active[0].Phase != tracker.PhaseScheduled {
		t.Fatalf("scheduled cycle should lead the default view: %+v", active)
	}
	for _, x := range active[1:] {
		if x.Phase != tracker.PhaseUnscheduled {
			t.Fatalf("trailing entries should be unscheduled: %+v", x)
		}
	}
}

func TestExtractionsRedactAttribution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	_, _ = mem.UpsertExtraction(ctx, tracker.Extraction{
		StructureID: 1001, MoonID: 40161465, CorporationID: 2, CharacterID: 7,
		ExtractionStartTime: now.Add(-24 * time.Hour), ChunkArrivalTime: tp(now.Add(24 * time.Hour)),
		LastUpdate: now,
	})

	asMember, err := svc.Extractions(ctx, member, "")
	if err != nil {
		t.Fatalf("Extractions: %v", err)
	}
	if len(asMember) != 1 || asMember[0].CharacterID != 0 {
		t.Fatalf("attribution must be redacted for non-contributors: %+v", asMember)
	}
	if asMember[0].Phase != tracker.PhaseScheduled {
		t.Fatalf("phase = %q, want scheduled", asMember[0].Phase)
	}

	asContributor, err := svc.Extractions(ctx, contributor, "")
	if err != nil {
		t.Fatalf("Extractions: %v", err)
	}
	if asContributor[0].CharacterID != 7 {
		t.Fatalf("contributor should see attribution: %+v", asContributor)
	}
}

func TestExtractionsPhaseFilterAndExpiredOptIn(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	_, _ = mem.UpsertExtraction(ctx, tracker.Extraction{
		StructureID: 1, MoonID: 10, CorporationID: 2,
		ExtractionStartTime: now.Add(-10 * 24 * time.Hour),
		ChunkArrivalTime:    tp(now.Add(-5 * 24 * time.Hour)),
		BeltDecayTime:       tp(now.Add(-3 * 24 * time.Hour)),
		LastUpdate:          now,
	})
	_, _ = mem.UpsertExtraction(ctx, tracker.Extraction{
		StructureID: 2, MoonID: 11, CorporationID: 2,
		ExtractionStartTime: now.Add(-24 * time.Hour),
		ChunkArrivalTime:    tp(now.Add(24 * time.Hour)),
		LastUpdate:          now,
	})

	active, err := svc.Extractions(ctx, member, "")
	if err != nil {
		t.Fatalf("Extractions: %v", err)
	}
	if len(active) != 1 || active[0].StructureID != 2 {
		t.Fatalf("expired cycle leaked into the default view: %+v", active)
	}

	expired, err := svc.Extractions(ctx, member, tracker.PhaseExpired)
	if err != nil {
		t.Fatalf("Extractions(expired): %v", err)
	}
	if len(expired) != 1 || expired[0].StructureID != 1 {
		t.Fatalf("expired filter broken: %+v", expired)
	}
}

func TestMoonViewBundlesStructures(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	_ = mem.UpsertSystem(ctx, tracker.System{ID: 30000142, Name: "Jita", UpdatedAt: now})
	_ = mem.UpsertMoon(ctx, tracker.Moon{ID: 40161465, SystemID: 30000142, Name: "Jita IV - Moon 4", UpdatedAt: now})
	_, _ = mem.UpsertStructure(ctx, tracker.Structure{ID: 1001, CorporationID: 2, SystemID: 30000142, Exists: true, HasMoonDrill: true, LastUpdate: now})
	_, _ = mem.UpsertExtraction(ctx, tracker.Extraction{
		StructureID: 1001, MoonID: 40161465, CorporationID: 2,
		ExtractionStartTime: now.Add(-24 * time.Hour), ChunkArrivalTime: tp(now.Add(24 * time.Hour)),
		LastUpdate: now,
	})

	view, err := svc.Moon(ctx, member, 40161465)
	if err != nil {
		t.Fatalf("Moon: %v", err)
	}
	if view.Moon.Name != "Jita IV - Moon 4" || view.System.Name != "Jita" {
		t.Fatalf("moon/system not resolved: %+v", view)
	}
	if len(view.Structures) != 1 || view.Structures[0].ID != 1001 {
		t.Fatalf("drilling structure missing: %+v", view.Structures)
	}
	if len(view.Extractions) != 1 {
		t.Fatalf("extraction missing: %+v", view.Extractions)
	}
}

func TestSyncStatusStalenessAndRedaction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, mem := newTestService(t, now)

	_ = mem.SetCorporationSynced(ctx, 2, 7, now.Add(-2*time.Hour))
	_ = mem.SetCorporationSynced(ctx, 3, 9, now.Add(-5*time.Minute))

	statuses, err := svc.SyncStatus(ctx, member)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	if !statuses[0].Stale || statuses[1].Stale {
		t.Fatalf("staleness wrong: %+v", statuses)
	}
	for _, st := range statuses {
		if st.CharacterID != 0 {
			t.Fatalf("attribution must be redacted: %+v", st)
		}
	}

	asContributor, _ := svc.SyncStatus(ctx, contributor)
	if asContributor[0].CharacterID != 7 {
		t.Fatalf("contributor should see who synced: %+v", asContributor)
	}
}
