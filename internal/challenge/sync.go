package challenge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
)

// SyncFromEventFile upserts the challenges declared in the event config.
// File definitions win over stored rows; scheduling state is preserved.
// Entries that fail validation are skipped with a log line so one typo
// cannot take the rest of the file down.
func SyncFromEventFile(ctx context.Context, db *database.DB, ef *config.EventFile, log zerolog.Logger) (created, updated int, err error) {
	for i := range ef.Challenges {
		cfg, perr := FromYAMLNode(&ef.Challenges[i])
		if perr != nil {
			log.Error().Err(perr).Int("entry", i).Msg("challenge entry does not parse")
			continue
		}
		if verr := cfg.Validate(ef.Ranges); verr != nil {
			log.Error().Err(verr).Str("challenge", cfg.Name).Msg("challenge entry invalid")
			continue
		}

		raw, merr := json.Marshal(cfg)
		if merr != nil {
			return created, updated, fmt.Errorf("marshal challenge %q: %w", cfg.Name, merr)
		}

		enabled := cfg.Enabled == nil || *cfg.Enabled
		_, isNew, uerr := db.UpsertChallengeByName(ctx, cfg.Name, cfg.Modulation, raw,
			enabled, cfg.Priority, cfg.MinDelayS, cfg.MaxDelayS)
		if uerr != nil {
			return created, updated, uerr
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}
