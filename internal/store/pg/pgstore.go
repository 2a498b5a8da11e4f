// Package pg is the Postgres implementation of the store contract.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"moonwatch.org/internal/sso"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/tracker"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; tests use it with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable; the readiness probe
// calls it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) UpsertCharacter(ctx context.Context, c tracker.Character) error {
	_, err := s.db.ExecContext(ctx, `
		insert into characters(id, corporation_id, alliance_id, name, is_contributor, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do update
		set corporation_id = excluded.corporation_id,
		    alliance_id    = excluded.alliance_id,
		    name           = excluded.name,
		    is_contributor = excluded.is_contributor,
		    updated_at     = excluded.updated_at
	`, c.ID, c.CorporationID, c.AllianceID, c.Name, c.IsContributor, c.UpdatedAt)
	return err
}

func (s *Store) UpsertCorporation(ctx context.Context, c tracker.Corporation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into corporations(id, alliance_id, name, ticker, updated_at)
		values ($1,$2,$3,$4,$5)
		on conflict (id) do update
		set alliance_id = excluded.alliance_id,
		    name        = excluded.name,
		    ticker      = excluded.ticker,
		    updated_at  = excluded.updated_at
	`, c.ID, c.AllianceID, c.Name, c.Ticker, c.UpdatedAt)
	return err
}

func (s *Store) UpsertAlliance(ctx context.Context, a tracker.Alliance) error {
	_, err := s.db.ExecContext(ctx, `
		insert into alliances(id, name, ticker, updated_at)
		values ($1,$2,$3,$4)
		on conflict (id) do update
		set name = excluded.name, ticker = excluded.ticker, updated_at = excluded.updated_at
	`, a.ID, a.Name, a.Ticker, a.UpdatedAt)
	return err
}

func (s *Store) UpsertSystem(ctx context.Context, sys tracker.System) error {
	_, err := s.db.ExecContext(ctx, `
		insert into systems(id, constellation_id, name, updated_at)
		values ($1,$2,$3,$4)
		on conflict (id) do update
		set constellation_id = excluded.constellation_id, name = excluded.name, updated_at = excluded.updated_at
	`, sys.ID, sys.ConstellationID, sys.Name, sys.UpdatedAt)
	return err
}

func (s *Store) UpsertMoon(ctx context.Context, m tracker.Moon) error {
	_, err := s.db.ExecContext(ctx, `
		insert into moons(id, system_id, name, updated_at)
		values ($1,$2,$3,$4)
		on conflict (id) do update
		set system_id = excluded.system_id, name = excluded.name, updated_at = excluded.updated_at
	`, m.ID, m.SystemID, m.Name, m.UpdatedAt)
	return err
}

func (s *Store) Character(ctx context.Context, id int64) (tracker.Character, error) {
	var c tracker.Character
	err := s.db.QueryRowContext(ctx, `
		select id, corporation_id, alliance_id, name, is_contributor, updated_at
		from characters where id=$1
	`, id).Scan(&c.ID, &c.CorporationID, &c.AllianceID, &c.Name, &c.IsContributor, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.Character{}, store.ErrNotFound
	}
	return c, err
}

func (s *Store) Corporation(ctx context.Context, id int64) (tracker.Corporation, error) {
	var c tracker.Corporation
	err := s.db.QueryRowContext(ctx, `
		select id, alliance_id, name, ticker, updated_at from corporations where id=$1
	`, id).Scan(&c.ID, &c.AllianceID, &c.Name, &c.Ticker, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.Corporation{}, store.ErrNotFound
	}
	return c, err
}

func (s *Store) Alliance(ctx context.Context, id int64) (tracker.Alliance, error) {
	var a tracker.Alliance
	err := s.db.QueryRowContext(ctx, `
		select id, name, ticker, updated_at from alliances where id=$1
	`, id).Scan(&a.ID, &a.Name, &a.Ticker, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.Alliance{}, store.ErrNotFound
	}
	return a, err
}

func (s *Store) System(ctx context.Context, id int64) (tracker.System, error) {
	var sys tracker.System
	err := s.db.QueryRowContext(ctx, `
		select id, constellation_id, name, updated_at from systems where id=$1
	`, id).Scan(&sys.ID, &sys.ConstellationID, &sys.Name, &sys.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.System{}, store.ErrNotFound
	}
	return sys, err
}

func (s *Store) Moon(ctx context.Context, id int64) (tracker.Moon, error) {
	var m tracker.Moon
	err := s.db.QueryRowContext(ctx, `
		select id, system_id, name, updated_at from moons where id=$1
	`, id).Scan(&m.ID, &m.SystemID, &m.Name, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.Moon{}, store.ErrNotFound
	}
	return m, err
}

func (s *Store) ListCorporations(ctx context.Context) ([]tracker.Corporation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, alliance_id, name, ticker, updated_at from corporations order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracker.Corporation
	for rows.Next() {
		var c tracker.Corporation
		if err := rows.Scan(&c.ID, &c.AllianceID, &c.Name, &c.Ticker, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const structureCols = `id, name, corporation_id, system_id, type_id, state,
	state_timer_start, state_timer_end, fuel_expires, unanchors_at,
	has_moon_drill, exists_flag, last_update`

func scanStructure(row interface{ Scan(...any) error }) (tracker.Structure, error) {
	var st tracker.Structure
	var state string
	err := row.Scan(&st.ID, &st.Name, &st.CorporationID, &st.SystemID, &st.TypeID, &state,
		&st.StateTimerStart, &st.StateTimerEnd, &st.FuelExpires, &st.UnanchorsAt,
		&st.HasMoonDrill, &st.Exists, &st.LastUpdate)
	st.State = tracker.StructureState(state)
	return st, err
}

// UpsertStructure compares the incoming observation against the stored
// row inside one transaction; LastUpdate only advances when a tracked
// attribute changed.
func (s *Store) UpsertStructure(ctx context.Context, st tracker.Structure) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanStructure(tx.QueryRowContext(ctx,
		`select `+structureCols+` from structures where id=$1 for update`, st.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, err
	default:
		if prev.SameObservation(st) {
			return false, tx.Commit()
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into structures(`+structureCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		on conflict (id) do update
		set name              = excluded.name,
		    corporation_id    = excluded.corporation_id,
		    system_id         = excluded.system_id,
		    type_id           = excluded.type_id,
		    state             = excluded.state,
		    state_timer_start = excluded.state_timer_start,
		    state_timer_end   = excluded.state_timer_end,
		    fuel_expires      = excluded.fuel_expires,
		    unanchors_at      = excluded.unanchors_at,
		    has_moon_drill    = excluded.has_moon_drill,
		    exists_flag       = excluded.exists_flag,
		    last_update       = excluded.last_update
	`, st.ID, st.Name, st.CorporationID, st.SystemID, st.TypeID, string(st.State),
		st.StateTimerStart, st.StateTimerEnd, st.FuelExpires, st.UnanchorsAt,
		st.HasMoonDrill, st.Exists, st.LastUpdate); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) Structure(ctx context.Context, id int64) (tracker.Structure, error) {
	st, err := scanStructure(s.db.QueryRowContext(ctx,
		`select `+structureCols+` from structures where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.Structure{}, store.ErrNotFound
	}
	return st, err
}

func (s *Store) ListStructures(ctx context.Context) ([]tracker.Structure, error) {
	rows, err := s.db.QueryContext(ctx, `select `+structureCols+` from structures order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracker.Structure
	for rows.Next() {
		st, err := scanStructure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) RetireMissingStructures(ctx context.Context, corporationID int64, keep []int64, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update structures
		set exists_flag = false, last_update = $3
		where corporation_id = $1 and exists_flag and not (id = any($2::bigint[]))
	`, corporationID, int64Array(keep), now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) UpsertExtraction(ctx context.Context, x tracker.Extraction) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev tracker.Extraction
	err = tx.QueryRowContext(ctx, `
		select structure_id, moon_id, corporation_id, character_id,
		       extraction_start_time, chunk_arrival_time, natural_decay_time, belt_decay_time, last_update
		from extractions where structure_id=$1 and extraction_start_time=$2 for update
	`, x.StructureID, x.ExtractionStartTime).Scan(
		&prev.StructureID, &prev.MoonID, &prev.CorporationID, &prev.CharacterID,
		&prev.ExtractionStartTime, &prev.ChunkArrivalTime, &prev.NaturalDecayTime, &prev.BeltDecayTime, &prev.LastUpdate)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, err
	default:
		if prev.SameObservation(x) {
			return false, tx.Commit()
		}
	}

	// A new cycle supersedes any earlier one on the same structure.
	if _, err := tx.ExecContext(ctx, `
		delete from extractions where structure_id=$1 and extraction_start_time < $2
	`, x.StructureID, x.ExtractionStartTime); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into extractions(structure_id, moon_id, corporation_id, character_id,
			extraction_start_time, chunk_arrival_time, natural_decay_time, belt_decay_time, last_update)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (structure_id, extraction_start_time) do update
		set moon_id            = excluded.moon_id,
		    corporation_id     = excluded.corporation_id,
		    character_id       = excluded.character_id,
		    chunk_arrival_time = excluded.chunk_arrival_time,
		    natural_decay_time = excluded.natural_decay_time,
		    belt_decay_time    = excluded.belt_decay_time,
		    last_update        = excluded.last_update
	`, x.StructureID, x.MoonID, x.CorporationID, x.CharacterID,
		x.ExtractionStartTime, x.ChunkArrivalTime, x.NaturalDecayTime, x.BeltDecayTime, x.LastUpdate); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) ListExtractions(ctx context.Context) ([]tracker.Extraction, error) {
	return s.queryExtractions(ctx, `
		select structure_id, moon_id, corporation_id, character_id,
		       extraction_start_time, chunk_arrival_time, natural_decay_time, belt_decay_time, last_update
		from extractions order by structure_id, extraction_start_time
	`)
}

func (s *Store) ExtractionsForStructure(ctx context.Context, structureID int64) ([]tracker.Extraction, error) {
	return s.queryExtractions(ctx, `
		select structure_id, moon_id, corporation_id, character_id,
		       extraction_start_time, chunk_arrival_time, natural_decay_time, belt_decay_time, last_update
		from extractions where structure_id=$1 order by extraction_start_time
	`, structureID)
}

func (s *Store) queryExtractions(ctx context.Context, query string, args ...any) ([]tracker.Extraction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracker.Extraction
	for rows.Next() {
		var x tracker.Extraction
		if err := rows.Scan(&x.StructureID, &x.MoonID, &x.CorporationID, &x.CharacterID,
			&x.ExtractionStartTime, &x.ChunkArrivalTime, &x.NaturalDecayTime, &x.BeltDecayTime, &x.LastUpdate); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (s *Store) Credential(ctx context.Context, characterID int64) (sso.Credential, error) {
	var c sso.Credential
	var session string
	var scopes []byte
	err := s.db.QueryRowContext(ctx, `
		select character_id, corporation_id, session_id, access_token, refresh_token,
		       expiry, scopes, revoked, updated_at
		from credentials where character_id=$1
	`, characterID).Scan(&c.CharacterID, &c.CorporationID, &session, &c.AccessToken,
		&c.RefreshToken, &c.Expiry, &scopes, &c.Revoked, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sso.Credential{}, sso.ErrNoCredential
	}
	if err != nil {
		return sso.Credential{}, err
	}
	c.SessionID, _ = uuid.Parse(session)
	c.Scopes = splitScopes(scopes)
	return c, nil
}

func (s *Store) SaveCredential(ctx context.Context, c sso.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credentials(character_id, corporation_id, session_id, access_token,
			refresh_token, expiry, scopes, revoked, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (character_id) do update
		set corporation_id = excluded.corporation_id,
		    session_id     = excluded.session_id,
		    access_token   = excluded.access_token,
		    refresh_token  = excluded.refresh_token,
		    expiry         = excluded.expiry,
		    scopes         = excluded.scopes,
		    revoked        = excluded.revoked,
		    updated_at     = excluded.updated_at
	`, c.CharacterID, c.CorporationID, c.SessionID.String(), c.AccessToken,
		c.RefreshToken, c.Expiry, joinScopes(c.Scopes), c.Revoked, c.UpdatedAt)
	return err
}

func (s *Store) ListCredentials(ctx context.Context) ([]sso.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		select character_id, corporation_id, session_id, access_token, refresh_token,
		       expiry, scopes, revoked, updated_at
		from credentials order by character_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sso.Credential
	for rows.Next() {
		var c sso.Credential
		var session string
		var scopes []byte
		if err := rows.Scan(&c.CharacterID, &c.CorporationID, &session, &c.AccessToken,
			&c.RefreshToken, &c.Expiry, &scopes, &c.Revoked, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.SessionID, _ = uuid.Parse(session)
		c.Scopes = splitScopes(scopes)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCredential(ctx context.Context, characterID int64) error {
	res, err := s.db.ExecContext(ctx, `delete from credentials where character_id=$1`, characterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sso.ErrNoCredential
	}
	return nil
}

func (s *Store) SaveSyncRun(ctx context.Context, run tracker.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sync_runs(id, kind, target_id, started_at, duration_ms, outcome, error)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, run.ID, run.Kind, run.TargetID, run.StartedAt, run.Duration.Milliseconds(), string(run.Outcome), run.Err)
	return err
}

func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]tracker.SyncRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, kind, target_id, started_at, duration_ms, outcome, error
		from sync_runs order by started_at desc limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracker.SyncRun
	for rows.Next() {
		var run tracker.SyncRun
		var ms int64
		var outcome string
		if err := rows.Scan(&run.ID, &run.Kind, &run.TargetID, &run.StartedAt, &ms, &outcome, &run.Err); err != nil {
			return nil, err
		}
		run.Duration = time.Duration(ms) * time.Millisecond
		run.Outcome = tracker.SyncOutcome(outcome)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) SetCorporationSynced(ctx context.Context, corporationID, characterID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into corporation_sync(corporation_id, character_id, synced_at)
		values ($1,$2,$3)
		on conflict (corporation_id) do update
		set character_id = excluded.character_id, synced_at = excluded.synced_at
	`, corporationID, characterID, at)
	return err
}

func (s *Store) CorporationSyncStatus(ctx context.Context) ([]tracker.CorporationSyncStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		select corporation_id, character_id, synced_at from corporation_sync order by corporation_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tracker.CorporationSyncStatus
	for rows.Next() {
		var st tracker.CorporationSyncStatus
		if err := rows.Scan(&st.CorporationID, &st.CharacterID, &st.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
