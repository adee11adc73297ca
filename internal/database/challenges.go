package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	StatusQueued   = "queued"
	StatusAssigned = "assigned"
	StatusWaiting  = "waiting"
)

type Challenge struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	Modulation        string          `json:"modulation"`
	Config            json.RawMessage `json:"config"`
	Enabled           bool            `json:"enabled"`
	Status            string          `json:"status"`
	Priority          int             `json:"priority"`
	MinDelayS         int             `json:"min_delay_s"`
	MaxDelayS         int             `json:"max_delay_s"`
	AssignedTo        *string         `json:"assigned_to,omitempty"`
	AssignedAt        *time.Time      `json:"assigned_at,omitempty"`
	AssignmentExpires *time.Time      `json:"assignment_expires,omitempty"`
	LastTxTime        *time.Time      `json:"last_tx_time,omitempty"`
	TransmissionCount int64           `json:"transmission_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

const challengeColumns = `id, name, modulation, config, enabled, status, priority,
	min_delay_s, max_delay_s, assigned_to, assigned_at, assignment_expires,
	last_tx_time, transmission_count, created_at, updated_at`

func scanChallenge(row pgx.Row) (*Challenge, error) {
	var c Challenge
	err := row.Scan(&c.ID, &c.Name, &c.Modulation, &c.Config, &c.Enabled, &c.Status,
		&c.Priority, &c.MinDelayS, &c.MaxDelayS, &c.AssignedTo, &c.AssignedAt,
		&c.AssignmentExpires, &c.LastTxTime, &c.TransmissionCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChallenge inserts a new challenge in the queued state. The caller
// has already validated the config document; the scheduling columns are
// derived from it and passed alongside.
func (db *DB) CreateChallenge(ctx context.Context, name, modulation string, cfg json.RawMessage, enabled bool, priority, minDelayS, maxDelayS int) (*Challenge, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx, `
		INSERT INTO challenges (name, modulation, config, enabled, priority, min_delay_s, max_delay_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING
		RETURNING `+challengeColumns,
		name, modulation, cfg, enabled, priority, minDelayS, maxDelayS))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("create challenge %q: %w", name, err)
	}
	return c, nil
}

// UpsertChallengeByName is the import path: new names insert, existing names
// get their definition replaced without disturbing scheduling state.
// The returned bool reports whether a new row was created.
func (db *DB) UpsertChallengeByName(ctx context.Context, name, modulation string, cfg json.RawMessage, enabled bool, priority, minDelayS, maxDelayS int) (*Challenge, bool, error) {
	var c Challenge
	var created bool
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO challenges (name, modulation, config, enabled, priority, min_delay_s, max_delay_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			modulation  = EXCLUDED.modulation,
			config      = EXCLUDED.config,
			enabled     = EXCLUDED.enabled,
			priority    = EXCLUDED.priority,
			min_delay_s = EXCLUDED.min_delay_s,
			max_delay_s = EXCLUDED.max_delay_s,
			updated_at  = now()
		RETURNING `+challengeColumns+`, (xmax = 0)`,
		name, modulation, cfg, enabled, priority, minDelayS, maxDelayS).Scan(
		&c.ID, &c.Name, &c.Modulation, &c.Config, &c.Enabled, &c.Status,
		&c.Priority, &c.MinDelayS, &c.MaxDelayS, &c.AssignedTo, &c.AssignedAt,
		&c.AssignmentExpires, &c.LastTxTime, &c.TransmissionCount, &c.CreatedAt, &c.UpdatedAt,
		&created)
	if err != nil {
		return nil, false, fmt.Errorf("upsert challenge %q: %w", name, err)
	}
	return &c, created, nil
}

func (db *DB) GetChallenge(ctx context.Context, id int64) (*Challenge, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (db *DB) GetChallengeByName(ctx context.Context, name string) (*Challenge, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (db *DB) ListChallenges(ctx context.Context) ([]*Challenge, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges ORDER BY priority DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpdateChallenge replaces the definition of an existing challenge.
// Scheduling state (status, assignment, counters) is untouched.
func (db *DB) UpdateChallenge(ctx context.Context, id int64, name, modulation string, cfg json.RawMessage, enabled bool, priority, minDelayS, maxDelayS int) (*Challenge, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx, `
		UPDATE challenges SET
			name        = $2,
			modulation  = $3,
			config      = $4,
			enabled     = $5,
			priority    = $6,
			min_delay_s = $7,
			max_delay_s = $8,
			updated_at  = now()
		WHERE id = $1
		RETURNING `+challengeColumns,
		id, name, modulation, cfg, enabled, priority, minDelayS, maxDelayS))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (db *DB) DeleteChallenge(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChallengeEnabled flips visibility to the scheduler. Disabling an
// assigned challenge does not interrupt the in-flight transmission; it
// only stops future assignment.
func (db *DB) SetChallengeEnabled(ctx context.Context, id int64, enabled bool) (*Challenge, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx, `
		UPDATE challenges SET enabled = $2, updated_at = now() WHERE id = $1
		RETURNING `+challengeColumns,
		id, enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// SchedulableRow is the slice of a challenge the scheduler needs to compute
// readiness: identity and delay bounds, nothing more.
type SchedulableRow struct {
	ID        int64
	Name      string
	Status    string
	MinDelayS int
	MaxDelayS int
}

// ListSchedulable returns enabled challenges in the queued or waiting state.
func (db *DB) ListSchedulable(ctx context.Context) ([]SchedulableRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, status, min_delay_s, max_delay_s
		FROM challenges
		WHERE enabled = true AND status IN ('queued', 'waiting')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []SchedulableRow
	for rows.Next() {
		var r SchedulableRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.MinDelayS, &r.MaxDelayS); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// AssignNextChallenge atomically hands one challenge to a runner. In one
// transaction it locks the runner row, verifies it is enabled, re-delivers
// any assignment the runner already holds (refreshing its expiry), then
// picks the best ready candidate by priority, oldest transmission first,
// name as the tiebreak. readyIDs is the set whose re-queue delay has
// elapsed, as computed by the scheduler's timing map.
func (db *DB) AssignNextChallenge(ctx context.Context, runnerID string, readyIDs []int64, expiry time.Duration) (*Challenge, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback(ctx)

	var enabled bool
	var role string
	err = tx.QueryRow(ctx,
		`SELECT enabled, role FROM agents WHERE id = $1 FOR UPDATE`,
		runnerID).Scan(&enabled, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !enabled || role != RoleRunner {
		return nil, ErrNoneAvailable
	}

	// A runner that crashed mid-task polls again while still holding its
	// assignment; hand the same row back instead of a second one.
	held, err := scanChallenge(tx.QueryRow(ctx, `
		UPDATE challenges SET assignment_expires = now() + $2::interval
		WHERE status = 'assigned' AND assigned_to = $1
		RETURNING `+challengeColumns,
		runnerID, expiry.String()))
	if err == nil {
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, fmt.Errorf("commit assign: %w", cerr)
		}
		return held, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if len(readyIDs) == 0 {
		return nil, ErrNoneAvailable
	}

	picked, err := scanChallenge(tx.QueryRow(ctx, `
		UPDATE challenges SET
			status             = 'assigned',
			assigned_to        = $1,
			assigned_at        = now(),
			assignment_expires = now() + $3::interval,
			updated_at         = now()
		WHERE id = (
			SELECT id FROM challenges
			WHERE enabled = true AND status IN ('queued', 'waiting') AND id = ANY($2)
			ORDER BY priority DESC, last_tx_time ASC NULLS FIRST, name ASC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+challengeColumns,
		runnerID, readyIDs, expiry.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit assign: %w", err)
	}
	return picked, nil
}

// CompleteChallenge closes out an assignment: the row returns to waiting,
// the transmission counter and last_tx_time advance. Returns false when the
// row is not currently assigned to this runner (duplicate or stale report),
// which callers treat as an idempotent no-op.
func (db *DB) CompleteChallenge(ctx context.Context, id int64, runnerID string) (*Challenge, bool, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx, `
		UPDATE challenges SET
			status             = 'waiting',
			assigned_to        = NULL,
			assigned_at        = NULL,
			assignment_expires = NULL,
			last_tx_time       = now(),
			transmission_count = transmission_count + 1,
			updated_at         = now()
		WHERE id = $1 AND status = 'assigned' AND assigned_to = $2
		RETURNING `+challengeColumns,
		id, runnerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// RequeueReady flips waiting rows whose delay has elapsed back to queued.
func (db *DB) RequeueReady(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE challenges SET status = 'queued', updated_at = now()
		WHERE status = 'waiting' AND id = ANY($1)`,
		ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TriggerChallenge forces a waiting challenge to queued regardless of its
// delay. Assigned rows are left alone.
func (db *DB) TriggerChallenge(ctx context.Context, id int64) (*Challenge, error) {
	c, err := scanChallenge(db.Pool.QueryRow(ctx, `
		UPDATE challenges SET status = 'queued', updated_at = now()
		WHERE id = $1 AND status <> 'assigned'
		RETURNING `+challengeColumns,
		id))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or currently assigned; disambiguate for the caller.
		if _, gerr := db.GetChallenge(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	return c, err
}

// ReapStaleAssignments returns assignments past their expiry to the pool.
// The previous holder is captured before the update clears it.
func (db *DB) ReapStaleAssignments(ctx context.Context) ([]ReapedAssignment, error) {
	rows, err := db.Pool.Query(ctx, `
		WITH stale AS (
			SELECT id, name, assigned_to FROM challenges
			WHERE status = 'assigned' AND assignment_expires < now()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE challenges c SET
			status             = 'waiting',
			assigned_to        = NULL,
			assigned_at        = NULL,
			assignment_expires = NULL,
			updated_at         = now()
		FROM stale
		WHERE c.id = stale.id
		RETURNING stale.id, stale.name, stale.assigned_to`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []ReapedAssignment
	for rows.Next() {
		var r ReapedAssignment
		if err := rows.Scan(&r.ID, &r.Name, &r.RunnerID); err != nil {
			return nil, err
		}
		reaped = append(reaped, r)
	}
	return reaped, rows.Err()
}

type ReapedAssignment struct {
	ID       int64
	Name     string
	RunnerID *string
}

// ChallengeStatusCounts powers the dashboard summary.
func (db *DB) ChallengeStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT status, count(*) FROM challenges GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
