package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	RecRecording = "recording"
	RecComplete  = "complete"
	RecFailed    = "failed"
)

// Recording is a listener's capture of one transmission. The transmission
// reference may arrive late: listeners start capturing on a push before the
// runner reports in, and correlation fills the column afterwards. The
// waterfall image is attached last, after the capture is closed.
type Recording struct {
	ID                string     `json:"id"`
	TransmissionID    *int64     `json:"transmission_id,omitempty"`
	ChallengeID       *int64     `json:"challenge_id,omitempty"`
	ListenerID        string     `json:"listener_id"`
	FrequencyHz       int64      `json:"frequency_hz"`
	SampleRate        int        `json:"sample_rate,omitempty"`
	Status            string     `json:"status"`
	FileSHA256        *string    `json:"file_sha256,omitempty"`
	ImageWidth        *int       `json:"image_width,omitempty"`
	ImageHeight       *int       `json:"image_height,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationS         *float64   `json:"duration_s,omitempty"`
	ExpectedDurationS *float64   `json:"expected_duration_s,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

const recordingColumns = `id, transmission_id, challenge_id, listener_id, frequency_hz,
	sample_rate, status, file_sha256, image_width, image_height,
	started_at, completed_at, duration_s, expected_duration_s, error_message`

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	err := row.Scan(&r.ID, &r.TransmissionID, &r.ChallengeID, &r.ListenerID, &r.FrequencyHz,
		&r.SampleRate, &r.Status, &r.FileSHA256, &r.ImageWidth, &r.ImageHeight,
		&r.StartedAt, &r.CompletedAt, &r.DurationS, &r.ExpectedDurationS, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecording opens a capture row. A reused id is ErrConflict; the
// listener must echo each pushed assignment id exactly once.
func (db *DB) CreateRecording(ctx context.Context, r *Recording) error {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO recordings (id, transmission_id, challenge_id, listener_id, frequency_hz, sample_rate, expected_duration_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.TransmissionID, r.ChallengeID, r.ListenerID, r.FrequencyHz, r.SampleRate, r.ExpectedDurationS)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (db *DB) GetRecording(ctx context.Context, id string) (*Recording, error) {
	r, err := scanRecording(db.Pool.QueryRow(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// CompleteRecording closes a capture. Only the owning listener can complete
// its recording; anything else is ErrNotFound.
func (db *DB) CompleteRecording(ctx context.Context, id, listenerID string, durationS float64, failed bool, errorMessage string) (*Recording, error) {
	status := RecComplete
	if failed {
		status = RecFailed
	}
	r, err := scanRecording(db.Pool.QueryRow(ctx, `
		UPDATE recordings SET status = $3, completed_at = now(), duration_s = $4, error_message = $5
		WHERE id = $1 AND listener_id = $2 AND status = 'recording'
		RETURNING `+recordingColumns,
		id, listenerID, status, durationS, errorMessage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// AttachRecordingArtifact records the waterfall image uploaded after the
// capture closed. The blob itself lives in the content-addressed file store;
// only its hash and pixel dimensions land here.
func (db *DB) AttachRecordingArtifact(ctx context.Context, id, listenerID, sha256 string, width, height int) (*Recording, error) {
	r, err := scanRecording(db.Pool.QueryRow(ctx, `
		UPDATE recordings SET file_sha256 = $3, image_width = $4, image_height = $5
		WHERE id = $1 AND listener_id = $2
		RETURNING `+recordingColumns,
		id, listenerID, sha256, width, height))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// CorrelateRecordings attaches open or recently closed captures of a
// challenge to the transmission that just completed. The window bounds how
// far back a capture may have started and still belong to this run.
func (db *DB) CorrelateRecordings(ctx context.Context, challengeID, transmissionID int64, window time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE recordings SET transmission_id = $2
		WHERE challenge_id = $1
		  AND transmission_id IS NULL
		  AND started_at > now() - $3::interval`,
		challengeID, transmissionID, window.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) ListRecordings(ctx context.Context, challengeID int64, limit, offset int) ([]*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings`
	args := []any{}
	if challengeID > 0 {
		query += ` WHERE challenge_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`
		args = append(args, challengeID, limit, offset)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}
