// Package store defines the persistence contract for tracked game
// state and provides the in-memory implementation used by tests and
// single-node deployments. The Postgres implementation lives in the pg
// subpackage.
package store

import (
	"context"
	"errors"
	"time"

	"moonwatch.org/internal/sso"
	"moonwatch.org/internal/tracker"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a write lost to a concurrent newer write.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable means the backing store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the full persistence surface. Upserts return whether the
// write changed anything observable; unchanged writes must not advance
// LastUpdate, so staleness reflects real data age.
type Store interface {
	UniverseStore
	StructureStore
	ExtractionStore
	CredentialStore
	SyncStore
}

// UniverseStore holds the reference entities structures and extractions
// point at. They are backfilled before dependents are written.
type UniverseStore interface {
	UpsertCharacter(ctx context.Context, c tracker.Character) error
	UpsertCorporation(ctx context.Context, c tracker.Corporation) error
	UpsertAlliance(ctx context.Context, a tracker.Alliance) error
	UpsertSystem(ctx context.Context, s tracker.System) error
	UpsertMoon(ctx context.Context, m tracker.Moon) error

	Character(ctx context.Context, id int64) (tracker.Character, error)
	Corporation(ctx context.Context, id int64) (tracker.Corporation, error)
	Alliance(ctx context.Context, id int64) (tracker.Alliance, error)
	System(ctx context.Context, id int64) (tracker.System, error)
	Moon(ctx context.Context, id int64) (tracker.Moon, error)

	ListCorporations(ctx context.Context) ([]tracker.Corporation, error)
}

// StructureStore persists structure observations.
type StructureStore interface {
	// UpsertStructure writes one observation and reports whether any
	// tracked attribute actually changed.
	UpsertStructure(ctx context.Context, s tracker.Structure) (bool, error)
	Structure(ctx context.Context, id int64) (tracker.Structure, error)
	ListStructures(ctx context.Context) ([]tracker.Structure, error)
	// RetireMissingStructures marks the corporation's structures that
	// are absent from keep as no longer existing. Retired structures
	// stay readable for history.
	RetireMissingStructures(ctx context.Context, corporationID int64, keep []int64, now time.Time) (int, error)
}

// ExtractionStore persists extraction observations keyed by structure
// and arrival time.
type ExtractionStore interface {
	UpsertExtraction(ctx context.Context, x tracker.Extraction) (bool, error)
	ListExtractions(ctx context.Context) ([]tracker.Extraction, error)
	ExtractionsForStructure(ctx context.Context, structureID int64) ([]tracker.Extraction, error)
}

// CredentialStore persists contributed OAuth credentials. It satisfies
// sso.CredentialStore.
type CredentialStore interface {
	Credential(ctx context.Context, characterID int64) (sso.Credential, error)
	SaveCredential(ctx context.Context, c sso.Credential) error
	ListCredentials(ctx context.Context) ([]sso.Credential, error)
	DeleteCredential(ctx context.Context, characterID int64) error
}

// SyncStore records sync run outcomes and per-corporation freshness.
type SyncStore interface {
	SaveSyncRun(ctx context.Context, run tracker.SyncRun) error
	RecentSyncRuns(ctx context.Context, limit int) ([]tracker.SyncRun, error)
	SetCorporationSynced(ctx context.Context, corporationID, characterID int64, at time.Time) error
	CorporationSyncStatus(ctx context.Context) ([]tracker.CorporationSyncStatus, error)
}
