package database

import (
	"context"
	"time"
)

// Retention and deadline knobs for periodic cleanup. Temporary accounts
// get 24 hours to finish setup; agent log history is kept for a week.
const (
	TemporaryUserDeadline = 24 * time.Hour
	AgentLogRetention     = 7 * 24 * time.Hour
)

type MaintenanceStats struct {
	SessionsRemoved  int64
	TokensRemoved    int64
	TempUsersRemoved int
	AgentLogsRemoved int64
}

// RunMaintenance sweeps expired sessions, stale enrollment tokens,
// overdue temporary accounts, and old agent logs. Each sweep proceeds
// even when a previous one fails; the first error is returned.
func (db *DB) RunMaintenance(ctx context.Context) (MaintenanceStats, error) {
	var stats MaintenanceStats
	var firstErr error

	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := db.CleanupExpiredSessions(ctx)
	keep(err)
	stats.SessionsRemoved = n

	n, err = db.CleanupExpiredTokens(ctx)
	keep(err)
	stats.TokensRemoved = n

	names, err := db.CleanupExpiredTemporaryUsers(ctx, TemporaryUserDeadline)
	keep(err)
	stats.TempUsersRemoved = len(names)
	for _, name := range names {
		db.log.Info().Str("username", name).Msg("removed temporary user past setup deadline")
	}

	n, err = db.PurgeAgentLogs(ctx, AgentLogRetention)
	keep(err)
	stats.AgentLogsRemoved = n

	return stats, firstErr
}
