package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	TxTransmitting = "transmitting"
	TxSuccess      = "success"
	TxFailed       = "failed"
)

// Transmission is one over-the-air run of a challenge. A row is opened at
// task hand-off and closed by the runner's completion report; the table is
// append-only beyond that.
type Transmission struct {
	ID           int64      `json:"id"`
	ChallengeID  int64      `json:"challenge_id"`
	RunnerID     string     `json:"runner_id"`
	DeviceID     string     `json:"device_id,omitempty"`
	FrequencyHz  int64      `json:"frequency_hz"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

const transmissionColumns = `id, challenge_id, runner_id, device_id, frequency_hz,
	started_at, completed_at, status, error_message`

func scanTransmission(row pgx.Row) (*Transmission, error) {
	var t Transmission
	err := row.Scan(&t.ID, &t.ChallengeID, &t.RunnerID, &t.DeviceID, &t.FrequencyHz,
		&t.StartedAt, &t.CompletedAt, &t.Status, &t.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// OpenTransmission records hand-off: the runner is now expected on the air
// at this frequency.
func (db *DB) OpenTransmission(ctx context.Context, challengeID int64, runnerID, deviceID string, frequencyHz int64) (*Transmission, error) {
	return scanTransmission(db.Pool.QueryRow(ctx, `
		INSERT INTO transmissions (challenge_id, runner_id, device_id, frequency_hz)
		VALUES ($1, $2, $3, $4)
		RETURNING `+transmissionColumns,
		challengeID, runnerID, deviceID, frequencyHz))
}

// OpenTransmissionFor returns the in-flight row for (challenge, runner).
// Re-polls while an assignment is held re-deliver this row instead of
// opening a second one.
func (db *DB) OpenTransmissionFor(ctx context.Context, challengeID int64, runnerID string) (*Transmission, error) {
	t, err := scanTransmission(db.Pool.QueryRow(ctx, `
		SELECT `+transmissionColumns+` FROM transmissions
		WHERE challenge_id = $1 AND runner_id = $2 AND status = 'transmitting'
		ORDER BY started_at DESC
		LIMIT 1`,
		challengeID, runnerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// CloseTransmission finishes the open row for (challenge, runner). Returns
// ErrNotFound when no transmission is open, which completion handling
// treats as a duplicate report.
func (db *DB) CloseTransmission(ctx context.Context, challengeID int64, runnerID string, success bool, errorMessage string) (*Transmission, error) {
	status := TxSuccess
	if !success {
		status = TxFailed
	}
	t, err := scanTransmission(db.Pool.QueryRow(ctx, `
		UPDATE transmissions SET completed_at = now(), status = $3, error_message = $4
		WHERE id = (
			SELECT id FROM transmissions
			WHERE challenge_id = $1 AND runner_id = $2 AND status = 'transmitting'
			ORDER BY started_at DESC
			LIMIT 1
		)
		RETURNING `+transmissionColumns,
		challengeID, runnerID, status, errorMessage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// AbortTransmissions fails any open rows for the given challenges; used
// when the assignment reaper takes a task back from a silent runner.
func (db *DB) AbortTransmissions(ctx context.Context, challengeIDs []int64, reason string) (int64, error) {
	if len(challengeIDs) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transmissions SET completed_at = now(), status = 'failed', error_message = $2
		WHERE status = 'transmitting' AND challenge_id = ANY($1)`,
		challengeIDs, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListTransmissions returns recent rows, newest first.
func (db *DB) ListTransmissions(ctx context.Context, challengeID int64, limit, offset int) ([]*Transmission, error) {
	query := `SELECT ` + transmissionColumns + ` FROM transmissions`
	args := []any{}
	if challengeID > 0 {
		query += ` WHERE challenge_id = $1`
		args = append(args, challengeID)
	}
	query += ` ORDER BY started_at DESC`
	if challengeID > 0 {
		query += ` LIMIT $2 OFFSET $3`
	} else {
		query += ` LIMIT $1 OFFSET $2`
	}
	args = append(args, limit, offset)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Transmission
	for rows.Next() {
		t, err := scanTransmission(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (db *DB) CountTransmissionsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM transmissions WHERE started_at >= $1`, since).Scan(&n)
	return n, err
}
