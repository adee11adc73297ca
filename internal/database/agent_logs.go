package database

import (
	"context"
	"time"
)

// AgentLog is one log line reported by a fleet agent.
type AgentLog struct {
	ID       int64     `json:"id"`
	AgentID  string    `json:"agent_id"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	LoggedAt time.Time `json:"logged_at"`
}

// InsertAgentLogs writes a batch in one round trip.
func (db *DB) InsertAgentLogs(ctx context.Context, logs []AgentLog) error {
	if len(logs) == 0 {
		return nil
	}
	agentIDs := make([]string, len(logs))
	levels := make([]string, len(logs))
	messages := make([]string, len(logs))
	times := make([]time.Time, len(logs))
	for i, l := range logs {
		agentIDs[i] = l.AgentID
		levels[i] = l.Level
		messages[i] = l.Message
		if l.LoggedAt.IsZero() {
			l.LoggedAt = time.Now()
		}
		times[i] = l.LoggedAt
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO agent_logs (agent_id, level, message, logged_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[])`,
		agentIDs, levels, messages, times)
	return err
}

func (db *DB) ListAgentLogs(ctx context.Context, agentID string, limit, offset int) ([]*AgentLog, error) {
	query := `SELECT id, agent_id, level, message, logged_at FROM agent_logs`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1 ORDER BY logged_at DESC LIMIT $2 OFFSET $3`
		args = append(args, agentID, limit, offset)
	} else {
		query += ` ORDER BY logged_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AgentLog
	for rows.Next() {
		l := &AgentLog{}
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Level, &l.Message, &l.LoggedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PurgeAgentLogs trims history older than the retention period.
func (db *DB) PurgeAgentLogs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM agent_logs WHERE logged_at < now() - $1::interval`,
		retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
