package tracker

import "time"

// Character is a player identity observed through login or sync.
type Character struct {
	ID            int64     `json:"character_id"`
	CorporationID int64     `json:"corporation_id"`
	AllianceID    int64     `json:"alliance_id,omitempty"`
	Name          string    `json:"name"`
	IsContributor bool      `json:"is_contributor"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Corporation is the owning entity of structures.
type Corporation struct {
	ID         int64     `json:"corporation_id"`
	AllianceID int64     `json:"alliance_id,omitempty"`
	Name       string    `json:"name"`
	Ticker     string    `json:"ticker"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Alliance groups corporations.
type Alliance struct {
	ID        int64     `json:"alliance_id"`
	Name      string    `json:"name"`
	Ticker    string    `json:"ticker"`
	UpdatedAt time.Time `json:"updated_at"`
}

// System is universe reference data; structures anchor in systems.
type System struct {
	ID              int64     `json:"system_id"`
	ConstellationID int64     `json:"constellation_id"`
	Name            string    `json:"name"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Moon is universe reference data; extractions target moons.
type Moon struct {
	ID        int64     `json:"moon_id"`
	SystemID  int64     `json:"system_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Structure is a tracked player-owned object. Never hard-deleted:
// structures that disappear from the source are kept and flagged.
type Structure struct {
	ID              int64          `json:"structure_id"`
	Name            string         `json:"name"`
	CorporationID   int64          `json:"corporation_id"`
	SystemID        int64          `json:"system_id"`
	TypeID          int64          `json:"type_id"`
	State           StructureState `json:"state"`
	StateTimerStart *time.Time     `json:"state_timer_start,omitempty"`
	StateTimerEnd   *time.Time     `json:"state_timer_end,omitempty"`
	FuelExpires     *time.Time     `json:"fuel_expires,omitempty"`
	UnanchorsAt     *time.Time     `json:"unanchors_at,omitempty"`
	HasMoonDrill    bool           `json:"has_moon_drill"`
	Exists          bool           `json:"exists"`
	LastUpdate      time.Time      `json:"last_update"`
}

// Extraction is the most recent mining cycle reported for a structure.
// A new cycle replaces the previous one; it is never merged.
type Extraction struct {
	StructureID         int64      `json:"structure_id"`
	MoonID              int64      `json:"moon_id"`
	CorporationID       int64      `json:"corporation_id"`
	CharacterID         int64      `json:"character_id,omitempty"`
	ExtractionStartTime time.Time  `json:"extraction_start_time"`
	ChunkArrivalTime    *time.Time `json:"chunk_arrival_time,omitempty"`
	NaturalDecayTime    *time.Time `json:"natural_decay_time,omitempty"`
	BeltDecayTime       *time.Time `json:"belt_decay_time,omitempty"`
	LastUpdate          time.Time  `json:"last_update"`
}

// SyncRun is the ephemeral record of one poll attempt for one target.
type SyncRun struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	TargetID  int64         `json:"target_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   SyncOutcome   `json:"outcome"`
	Err       string        `json:"error,omitempty"`
}

// SyncOutcome classifies how a sync run ended.
type SyncOutcome string

const (
	SyncSuccess SyncOutcome = "success"
	SyncPartial SyncOutcome = "partial"
	SyncFailed  SyncOutcome = "failed"
	SyncSkipped SyncOutcome = "skipped"
)

// CorporationSyncStatus reports when a corporation's data was last
// refreshed and by whom. CharacterID is redacted for non-contributors.
type CorporationSyncStatus struct {
	CorporationID int64     `json:"corporation_id"`
	CharacterID   int64     `json:"character_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Stale         bool      `json:"stale"`
}
