// Package scheduler decides which challenge a polling runner gets next.
// The store's status column is the durable state machine; this package
// layers per-challenge re-queue timers, priority ordering, and the global
// pause gates on top of it.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
)

const (
	// AssignmentExpiry bounds how long a runner may sit on a task before
	// the reaper takes it back.
	AssignmentExpiry = 5 * time.Minute

	// Loop cadences, exported so the process assembly and dbcheck agree.
	RequeueInterval     = 30 * time.Second
	ReapInterval        = 30 * time.Second
	AgentStaleTimeout   = 90 * time.Second
	autoPauseTickPeriod = time.Minute
)

// timing is the in-memory schedule for one challenge. A zero nextTx means
// the challenge has never completed a transmission and is due immediately.
type timing struct {
	lastTx time.Time
	nextTx time.Time
}

type Scheduler struct {
	db  *database.DB
	bus *events.Bus
	log zerolog.Logger

	mu      sync.Mutex
	timings map[int64]timing

	// assignMu serializes the whole pick-and-assign path. The store
	// transaction locks rows, but the readiness snapshot and the pick must
	// not interleave between two polls either.
	assignMu sync.Mutex

	// lastInQuiet tracks the daily window edge so a manual resume inside
	// the window is not immediately overridden by the next tick.
	lastInQuiet bool
}

func New(db *database.DB, bus *events.Bus, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		db:      db,
		bus:     bus,
		log:     logger.With().Str("component", "scheduler").Logger(),
		timings: make(map[int64]timing),
	}
}

// NextForRunner hands the best ready challenge to a runner, or
// database.ErrNoneAvailable when gating or emptiness says no.
func (s *Scheduler) NextForRunner(ctx context.Context, runnerID string) (*database.Challenge, error) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	gated, err := s.gated(ctx)
	if err != nil {
		return nil, err
	}
	if gated {
		return nil, database.ErrNoneAvailable
	}

	ready, err := s.readyIDs(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	challenge, err := s.db.AssignNextChallenge(ctx, runnerID, ready, AssignmentExpiry)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("challenge_id", challenge.ID).
		Str("challenge", challenge.Name).
		Str("runner_id", runnerID).
		Msg("challenge assigned")
	return challenge, nil
}

// Completed re-arms a challenge's timer after a transmission: the next
// slot is a uniform draw from [minDelay, maxDelay] seconds.
func (s *Scheduler) Completed(id int64, minDelayS, maxDelayS int) time.Time {
	now := time.Now()
	next := now.Add(drawDelay(minDelayS, maxDelayS))

	s.mu.Lock()
	s.timings[id] = timing{lastTx: now, nextTx: next}
	s.mu.Unlock()
	return next
}

// drawDelay samples the re-queue delay. min==max degenerates to the fixed
// delay; an inverted pair is clamped rather than rejected since the store
// may hold rows imported before validation tightened.
func drawDelay(minDelayS, maxDelayS int) time.Duration {
	if maxDelayS <= minDelayS {
		return time.Duration(minDelayS) * time.Second
	}
	span := maxDelayS - minDelayS + 1
	return time.Duration(minDelayS+rand.Intn(span)) * time.Second
}

// Trigger forces a challenge to the front: timer cleared, status queued.
func (s *Scheduler) Trigger(ctx context.Context, id int64) (*database.Challenge, error) {
	challenge, err := s.db.TriggerChallenge(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	t := s.timings[id]
	t.nextTx = time.Time{}
	s.timings[id] = t
	s.mu.Unlock()

	s.log.Info().Int64("challenge_id", id).Str("challenge", challenge.Name).Msg("challenge triggered manually")
	return challenge, nil
}

// Forget drops scheduling state for a deleted challenge.
func (s *Scheduler) Forget(id int64) {
	s.mu.Lock()
	delete(s.timings, id)
	s.mu.Unlock()
}

// Timing exposes a challenge's schedule for dashboards.
func (s *Scheduler) Timing(id int64) (lastTx, nextTx time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timings[id]
	return t.lastTx, t.nextTx, ok
}

// readyIDs snapshots which schedulable challenges are due. Unknown rows
// (fresh inserts, restarts) have no timer and are due immediately.
func (s *Scheduler) readyIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.ListSchedulable(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []int64
	for _, row := range rows {
		t, ok := s.timings[row.ID]
		if !ok || t.nextTx.IsZero() || !t.nextTx.After(now) {
			ready = append(ready, row.ID)
		}
	}
	return ready, nil
}

// ── Global gating ──

func (s *Scheduler) gated(ctx context.Context) (bool, error) {
	paused, err := s.db.GetStateBool(ctx, database.StatePaused, false)
	if err != nil {
		return false, err
	}
	if paused {
		return true, nil
	}
	autoPaused, err := s.db.GetStateBool(ctx, database.StateAutoPaused, false)
	if err != nil {
		return false, err
	}
	return autoPaused, nil
}

// Pause stops assignment until Resume. Manual control clears the
// auto-pause flag in both directions: the operator's word wins over the
// daily schedule until the next window edge.
func (s *Scheduler) Pause(ctx context.Context) error {
	if err := s.db.SetStateBool(ctx, database.StatePaused, true); err != nil {
		return err
	}
	if err := s.db.SetStateBool(ctx, database.StateAutoPaused, false); err != nil {
		return err
	}
	s.bus.Publish(events.TypeSystemControl, events.TopicAdmin, "", map[string]any{
		"action": "pause",
		"paused": true,
	})
	s.log.Info().Msg("scheduling paused")
	return nil
}

func (s *Scheduler) Resume(ctx context.Context) error {
	if err := s.db.SetStateBool(ctx, database.StatePaused, false); err != nil {
		return err
	}
	if err := s.db.SetStateBool(ctx, database.StateAutoPaused, false); err != nil {
		return err
	}
	s.bus.Publish(events.TypeSystemControl, events.TopicAdmin, "", map[string]any{
		"action": "resume",
		"paused": false,
	})
	s.log.Info().Msg("scheduling resumed")
	return nil
}

// Paused reports (manual, auto) pause flags for the control endpoints.
func (s *Scheduler) Paused(ctx context.Context) (manual, auto bool, err error) {
	manual, err = s.db.GetStateBool(ctx, database.StatePaused, false)
	if err != nil {
		return false, false, err
	}
	auto, err = s.db.GetStateBool(ctx, database.StateAutoPaused, false)
	return manual, auto, err
}

// maintainAutoPause flips auto_paused at the edges of the daily quiet
// window [end_of_day, day_start). Only edges write, so a manual resume
// inside the window sticks until the next window entry.
func (s *Scheduler) maintainAutoPause(ctx context.Context, now time.Time) error {
	enabled, err := s.db.GetStateBool(ctx, database.StateAutoPauseDaily, false)
	if err != nil {
		return err
	}
	if !enabled {
		if s.lastInQuiet {
			s.lastInQuiet = false
			return s.db.SetStateBool(ctx, database.StateAutoPaused, false)
		}
		return nil
	}

	endOfDay, err := s.db.GetState(ctx, database.StateEndOfDay, "")
	if err != nil {
		return err
	}
	dayStart, err := s.db.GetState(ctx, database.StateDayStart, "")
	if err != nil {
		return err
	}

	inQuiet := inQuietWindow(now, endOfDay, dayStart)
	if inQuiet == s.lastInQuiet {
		return nil
	}
	s.lastInQuiet = inQuiet

	if err := s.db.SetStateBool(ctx, database.StateAutoPaused, inQuiet); err != nil {
		return err
	}
	action := "auto_resume"
	if inQuiet {
		action = "auto_pause"
	}
	s.bus.Publish(events.TypeSystemControl, events.TopicAdmin, "", map[string]any{
		"action": action,
		"paused": inQuiet,
	})
	s.log.Info().Bool("quiet_window", inQuiet).Msg("daily schedule edge")
	return nil
}

// inQuietWindow reports whether the wall clock sits in [endOfDay, dayStart).
// The window normally wraps midnight (transmit by day, sleep by night).
func inQuietWindow(now time.Time, endOfDay, dayStart string) bool {
	end, err := parseClock(endOfDay)
	if err != nil {
		return false
	}
	start, err := parseClock(dayStart)
	if err != nil {
		return false
	}
	if end == start {
		return false
	}

	cur := now.Hour()*60 + now.Minute()
	if end < start {
		return cur >= end && cur < start
	}
	return cur >= end || cur < start
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(v string) (int, error) {
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", v)
	}
	return h*60 + m, nil
}

// ── Background loops ──

// Run drives the requeue, assignment-reaper, and auto-pause tickers until
// ctx is done. Errors are logged and the loops continue.
func (s *Scheduler) Run(ctx context.Context) {
	requeue := time.NewTicker(RequeueInterval)
	reap := time.NewTicker(ReapInterval)
	autoPause := time.NewTicker(autoPauseTickPeriod)
	defer requeue.Stop()
	defer reap.Stop()
	defer autoPause.Stop()

	// Establish the window state immediately so a restart inside quiet
	// hours pauses without waiting a minute.
	if err := s.maintainAutoPause(ctx, time.Now()); err != nil {
		s.log.Error().Err(err).Msg("auto-pause init failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-requeue.C:
			if err := s.requeueReady(ctx); err != nil {
				s.log.Error().Err(err).Msg("requeue pass failed")
			}
		case <-reap.C:
			if err := s.reapAssignments(ctx); err != nil {
				s.log.Error().Err(err).Msg("assignment reap failed")
			}
		case <-autoPause.C:
			if err := s.maintainAutoPause(ctx, time.Now()); err != nil {
				s.log.Error().Err(err).Msg("auto-pause tick failed")
			}
		}
	}
}

// requeueReady flips waiting rows whose timer elapsed back to queued so
// dashboards see readiness even between runner polls.
func (s *Scheduler) requeueReady(ctx context.Context) error {
	rows, err := s.db.ListSchedulable(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	var due []int64
	for _, row := range rows {
		if row.Status != database.StatusWaiting {
			continue
		}
		t, ok := s.timings[row.ID]
		if !ok || t.nextTx.IsZero() || !t.nextTx.After(now) {
			due = append(due, row.ID)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	n, err := s.db.RequeueReady(ctx, due)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug().Int64("requeued", n).Msg("waiting challenges due again")
	}
	return nil
}

// reapAssignments returns expired assignments to the pool, fails their
// open transmission rows, and announces each takeback.
func (s *Scheduler) reapAssignments(ctx context.Context) error {
	reaped, err := s.db.ReapStaleAssignments(ctx)
	if err != nil {
		return err
	}
	if len(reaped) == 0 {
		return nil
	}

	ids := make([]int64, len(reaped))
	for i, r := range reaped {
		ids[i] = r.ID
	}
	if _, err := s.db.AbortTransmissions(ctx, ids, "assignment expired"); err != nil {
		return err
	}

	for _, r := range reaped {
		runner := ""
		if r.RunnerID != nil {
			runner = *r.RunnerID
		}
		s.log.Warn().
			Int64("challenge_id", r.ID).
			Str("challenge", r.Name).
			Str("runner_id", runner).
			Msg("assignment expired, challenge requeued")
		s.bus.Publish(events.TypeLog, events.TopicAdmin, runner, map[string]any{
			"level":        "warn",
			"message":      fmt.Sprintf("assignment of %s expired", r.Name),
			"challenge_id": r.ID,
		})
	}
	return nil
}
