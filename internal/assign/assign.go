// Package assign sits between the task poll endpoint and the scheduler.
// Once a challenge is handed to a runner it resolves the concrete transmit
// frequency, opens the transmission row, and pushes a matching recording
// assignment at a listener that can hear it.
package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/challenge"
	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/metrics"
	"github.com/sparkgap/foxctl/internal/scheduler"
)

const (
	// correlationWindow bounds how far back a listener capture may have
	// started and still be attached to a completing transmission.
	correlationWindow = 10 * time.Minute

	// DefaultCaptureSeconds is the capture length pushed to listeners when
	// a challenge does not declare expected_duration_s.
	DefaultCaptureSeconds = 60
)

// Pusher is the slice of the websocket hub the coordinator needs.
type Pusher interface {
	SendToAgent(agentID string, payload any) bool
	AgentConnected(agentID string) bool
}

type Coordinator struct {
	db    *database.DB
	sched *scheduler.Scheduler
	bus   *events.Bus
	hub   Pusher
	live  *config.Live
	log   zerolog.Logger
}

func New(db *database.DB, sched *scheduler.Scheduler, bus *events.Bus, hub Pusher, live *config.Live, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:    db,
		sched: sched,
		bus:   bus,
		hub:   hub,
		live:  live,
		log:   logger.With().Str("component", "assign").Logger(),
	}
}

// Task is the poll response payload: the stored challenge definition with
// its frequency spec collapsed to one concrete value and the range fields
// stripped out.
type Task struct {
	ChallengeID    int64           `json:"challenge_id"`
	TransmissionID int64           `json:"transmission_id"`
	Name           string          `json:"name"`
	Modulation     string          `json:"modulation"`
	FrequencyHz    int64           `json:"frequency_hz"`
	Config         json.RawMessage `json:"config"`
}

// RecordingAssignment is the push sent to a listener over its websocket.
// The listener echoes RecordingID back through the recording endpoints.
type RecordingAssignment struct {
	Type              string  `json:"type"`
	RecordingID       string  `json:"recording_id"`
	ChallengeID       int64   `json:"challenge_id"`
	TransmissionID    int64   `json:"transmission_id"`
	FrequencyHz       int64   `json:"frequency_hz"`
	ExpectedStart     string  `json:"expected_start"`
	ExpectedDurationS float64 `json:"expected_duration_s"`
}

// NextTask hands the polling runner its next transmission, or
// database.ErrNoneAvailable when nothing is ready.
func (c *Coordinator) NextTask(ctx context.Context, runnerID, deviceID string) (*Task, error) {
	ch, err := c.sched.NextForRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}

	var cfg challenge.Config
	if err := json.Unmarshal(ch.Config, &cfg); err != nil {
		return nil, fmt.Errorf("challenge %d config: %w", ch.ID, err)
	}
	cfg.Name = ch.Name

	// A runner re-polling while it still holds an assignment gets the same
	// row back; the frequency must not move underneath it.
	open, err := c.db.OpenTransmissionFor(ctx, ch.ID, runnerID)
	if err == nil {
		return buildTask(ch, &cfg, open)
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	freq, err := ResolveFrequency(&cfg, c.live.Ranges())
	if err != nil {
		// Operator removed a range the stored config still references. The
		// assignment reaper reclaims the row; until then the runner idles.
		c.log.Error().Err(err).
			Int64("challenge_id", ch.ID).
			Str("challenge", ch.Name).
			Msg("frequency resolution failed")
		return nil, database.ErrNoneAvailable
	}

	tx, err := c.db.OpenTransmission(ctx, ch.ID, runnerID, deviceID, freq)
	if err != nil {
		return nil, err
	}

	metrics.AssignmentsTotal.Inc()
	c.bus.Publish(events.TypeChallengeAssigned, events.TopicAdmin, runnerID, map[string]any{
		"challenge_id":    ch.ID,
		"challenge":       ch.Name,
		"runner_id":       runnerID,
		"frequency_hz":    freq,
		"transmission_id": tx.ID,
	})
	c.publishPublicDiff(&cfg, true, ch.LastTxTime)
	c.dispatchListener(ctx, ch, tx, &cfg)

	return buildTask(ch, &cfg, tx)
}

// CompleteResult reports what a completion report did.
type CompleteResult struct {
	Challenge *database.Challenge
	Duplicate bool
	NextTx    time.Time
}

// CompleteTask closes out a runner's report: the challenge returns to
// waiting, the transmission row is finished, and recent captures of this
// challenge are correlated to it. A duplicate report (the row already
// cycled back) is acknowledged without touching history.
func (c *Coordinator) CompleteTask(ctx context.Context, runnerID string, challengeID int64, success bool, errorMessage string) (*CompleteResult, error) {
	ch, ok, err := c.db.CompleteChallenge(ctx, challengeID, runnerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.bus.Publish(events.TypeTransmissionComplete, events.TopicAdmin, runnerID, map[string]any{
			"challenge_id": challengeID,
			"runner_id":    runnerID,
			"success":      success,
			"duplicate":    true,
		})
		return &CompleteResult{Duplicate: true}, nil
	}

	next := c.sched.Completed(ch.ID, ch.MinDelayS, ch.MaxDelayS)

	tx, err := c.db.CloseTransmission(ctx, ch.ID, runnerID, success, errorMessage)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	status := database.TxSuccess
	if !success {
		status = database.TxFailed
	}
	metrics.TransmissionsTotal.WithLabelValues(status).Inc()

	if tx != nil {
		if n, cerr := c.db.CorrelateRecordings(ctx, ch.ID, tx.ID, correlationWindow); cerr != nil {
			c.log.Error().Err(cerr).Int64("transmission_id", tx.ID).Msg("recording correlation failed")
		} else if n > 0 {
			c.log.Debug().Int64("transmission_id", tx.ID).Int64("recordings", n).Msg("recordings correlated")
		}
	}

	payload := map[string]any{
		"challenge_id": ch.ID,
		"challenge":    ch.Name,
		"runner_id":    runnerID,
		"success":      success,
		"next_tx":      next.UTC().Format(time.RFC3339),
	}
	if tx != nil {
		payload["transmission_id"] = tx.ID
		payload["frequency_hz"] = tx.FrequencyHz
	}
	if errorMessage != "" {
		payload["error"] = errorMessage
	}
	c.bus.Publish(events.TypeTransmissionComplete, events.TopicAdmin, runnerID, payload)

	var cfg challenge.Config
	if jerr := json.Unmarshal(ch.Config, &cfg); jerr == nil {
		cfg.Name = ch.Name
		c.publishPublicDiff(&cfg, false, ch.LastTxTime)
	}

	c.log.Info().
		Int64("challenge_id", ch.ID).
		Str("challenge", ch.Name).
		Str("runner_id", runnerID).
		Bool("success", success).
		Time("next_tx", next).
		Msg("transmission complete")

	return &CompleteResult{Challenge: ch, NextTx: next}, nil
}

// PublicChallenges builds the public scoreboard: one entry per enabled
// challenge, shaped by its public_view settings.
func (c *Coordinator) PublicChallenges(ctx context.Context) ([]map[string]any, error) {
	list, err := c.db.ListChallenges(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(list))
	for _, ch := range list {
		if !ch.Enabled {
			continue
		}
		var cfg challenge.Config
		if err := json.Unmarshal(ch.Config, &cfg); err != nil {
			c.log.Warn().Err(err).Int64("challenge_id", ch.ID).Msg("stored config does not parse")
			continue
		}
		cfg.Name = ch.Name
		out = append(out, cfg.PublicFields(ch.Status == database.StatusAssigned, ch.LastTxTime))
	}
	return out, nil
}

// PublishChallengesUpdate pushes the full public list. Admin edits go
// through here; a minimal diff is not worth computing for them.
func (c *Coordinator) PublishChallengesUpdate(ctx context.Context) {
	list, err := c.PublicChallenges(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("public challenge snapshot failed")
		return
	}
	c.bus.Publish(events.TypeChallengesUpdate, events.TopicPublic, "", list)
}

// publishPublicDiff pushes the public-safe slice of a single challenge's
// state change. Nothing goes out when the challenge exposes no live fields.
func (c *Coordinator) publishPublicDiff(cfg *challenge.Config, active bool, lastTx *time.Time) {
	pv := cfg.PublicView
	if pv == nil || (!pv.ShowActiveStatus && !pv.ShowLastTxTime) {
		return
	}
	diff := map[string]any{"name": cfg.Name}
	if pv.ShowActiveStatus {
		diff["active"] = active
	}
	if pv.ShowLastTxTime && lastTx != nil {
		diff["last_tx_time"] = lastTx.UTC().Format(time.RFC3339)
	}
	c.bus.Publish(events.TypeChallengesUpdate, events.TopicPublic, "", []map[string]any{diff})
}

// dispatchListener pushes a recording assignment at the best-placed online
// listener. Recording is opportunistic: no coverage, no capture.
func (c *Coordinator) dispatchListener(ctx context.Context, ch *database.Challenge, tx *database.Transmission, cfg *challenge.Config) {
	if cfg.Record != nil && !*cfg.Record {
		return
	}

	listeners, err := c.db.OnlineListeners(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("listener lookup failed")
		return
	}
	pick := PickListener(listeners, tx.FrequencyHz, c.hub.AgentConnected)
	if pick == nil {
		c.log.Debug().
			Int64("challenge_id", ch.ID).
			Int64("frequency_hz", tx.FrequencyHz).
			Msg("no connected listener covers the frequency")
		return
	}

	assignment := RecordingAssignment{
		Type:              "recording_assignment",
		RecordingID:       uuid.NewString(),
		ChallengeID:       ch.ID,
		TransmissionID:    tx.ID,
		FrequencyHz:       tx.FrequencyHz,
		ExpectedStart:     time.Now().UTC().Format(time.RFC3339),
		ExpectedDurationS: expectedDuration(cfg),
	}
	if !c.hub.SendToAgent(pick.ID, assignment) {
		c.log.Warn().Str("listener_id", pick.ID).Msg("listener socket dropped before push")
		return
	}

	c.bus.Publish(events.TypeRecordingAssignment, events.TopicAdmin, pick.ID, assignment)
	c.log.Info().
		Str("listener_id", pick.ID).
		Str("recording_id", assignment.RecordingID).
		Int64("challenge_id", ch.ID).
		Int64("frequency_hz", tx.FrequencyHz).
		Msg("recording assignment pushed")
}

func buildTask(ch *database.Challenge, cfg *challenge.Config, tx *database.Transmission) (*Task, error) {
	delivered := *cfg
	delivered.FrequencyHz = tx.FrequencyHz
	delivered.FrequencyRanges = nil
	delivered.ManualFrequencyRange = nil

	raw, err := json.Marshal(delivered)
	if err != nil {
		return nil, fmt.Errorf("marshal task config: %w", err)
	}
	return &Task{
		ChallengeID:    ch.ID,
		TransmissionID: tx.ID,
		Name:           ch.Name,
		Modulation:     ch.Modulation,
		FrequencyHz:    tx.FrequencyHz,
		Config:         raw,
	}, nil
}

// ResolveFrequency collapses a challenge's frequency spec to one value:
// a random pick among named ranges then a uniform draw inside it, a
// uniform draw in the manual range, or the fixed frequency verbatim.
func ResolveFrequency(cfg *challenge.Config, ranges map[string]config.FrequencyRange) (int64, error) {
	switch {
	case len(cfg.FrequencyRanges) > 0:
		name := cfg.FrequencyRanges[rand.Intn(len(cfg.FrequencyRanges))]
		r, ok := ranges[name]
		if !ok {
			return 0, fmt.Errorf("frequency range %q is not defined", name)
		}
		return uniformHz(r.MinHz, r.MaxHz), nil
	case cfg.ManualFrequencyRange != nil:
		return uniformHz(cfg.ManualFrequencyRange.MinHz, cfg.ManualFrequencyRange.MaxHz), nil
	case cfg.FrequencyHz > 0:
		return cfg.FrequencyHz, nil
	default:
		return 0, fmt.Errorf("challenge %q has no frequency spec", cfg.Name)
	}
}

// uniformHz draws inclusively from [min, max].
func uniformHz(minHz, maxHz int64) int64 {
	if maxHz <= minHz {
		return minHz
	}
	return minHz + rand.Int63n(maxHz-minHz+1)
}

// PickListener returns the first online listener with a live websocket
// whose device limits cover the frequency. A device reporting no limits is
// assumed wideband. Nil when nobody covers it.
func PickListener(listeners []*database.Agent, freqHz int64, connected func(string) bool) *database.Agent {
	for _, l := range listeners {
		if connected != nil && !connected(l.ID) {
			continue
		}
		if covers(l, freqHz) {
			return l
		}
	}
	return nil
}

func covers(a *database.Agent, freqHz int64) bool {
	for _, d := range a.ParseDevices() {
		if len(d.FrequencyLimits) == 0 {
			return true
		}
		for _, lim := range d.FrequencyLimits {
			if freqHz >= lim.MinHz && freqHz <= lim.MaxHz {
				return true
			}
		}
	}
	return false
}

// expectedDuration reads the optional expected_duration_s config key;
// listeners stop their capture after this long.
func expectedDuration(cfg *challenge.Config) float64 {
	if raw, ok := cfg.Extra["expected_duration_s"]; ok {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil && v > 0 {
			return v
		}
	}
	return DefaultCaptureSeconds
}
