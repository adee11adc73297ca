package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// fixOpenRecordings closes out recording and transmission rows left open by
// crashed agents. Listeners normally post a complete or failed terminal
// status; when they die mid-capture the row stays 'recording' forever.
func fixOpenRecordings(ctx context.Context, pool *pgxpool.Pool, dryRun bool) {
	// Phase 1: fail transmissions open for longer than any plausible airtime.
	fixOpenTransmissions(ctx, pool, dryRun)

	// Phase 2: fail recordings whose expected duration has long passed.
	fmt.Println()
	fixAbandonedRecordings(ctx, pool, dryRun)
}

func fixOpenTransmissions(ctx context.Context, pool *pgxpool.Pool, dryRun bool) {
	fmt.Println("── Phase 1: Close abandoned transmissions ──")

	const findSQL = `
		SELECT t.id, t.challenge_id, t.runner_id, t.started_at
		FROM transmissions t
		WHERE t.status = 'transmitting'
		  AND t.started_at < now() - interval '10 minutes'
		ORDER BY t.started_at
	`

	rows, err := pool.Query(ctx, findSQL)
	if err != nil {
		fmt.Printf("Error finding open transmissions: %v\n", err)
		return
	}
	defer rows.Close()

	type openTx struct {
		id          int64
		challengeID int64
		runnerID    string
		startedAt   time.Time
	}
	var open []openTx
	for rows.Next() {
		var t openTx
		if err := rows.Scan(&t.id, &t.challengeID, &t.runnerID, &t.startedAt); err != nil {
			fmt.Printf("Error scanning: %v\n", err)
			return
		}
		open = append(open, t)
	}
	rows.Close()

	fmt.Printf("Found %d abandoned transmissions\n", len(open))
	if len(open) == 0 {
		return
	}

	if dryRun {
		fmt.Println("Dry run, no changes made.")
		for i, t := range open {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(open)-10)
				break
			}
			fmt.Printf("  tx=%d challenge=%d runner=%s open for %s\n",
				t.id, t.challengeID, t.runnerID, time.Since(t.startedAt).Round(time.Second))
		}
		return
	}

	const failSQL = `
		UPDATE transmissions
		SET status = 'failed', completed_at = now(),
		    error_message = 'closed by dbcheck fix-recordings'
		WHERE id = $1 AND status = 'transmitting'
	`

	closed := 0
	errors := 0
	for _, t := range open {
		if _, err := pool.Exec(ctx, failSQL, t.id); err != nil {
			fmt.Printf("  Error failing tx=%d: %v\n", t.id, err)
			errors++
			continue
		}
		closed++
	}
	fmt.Printf("Closed %d transmissions, %d errors\n", closed, errors)
}

func fixAbandonedRecordings(ctx context.Context, pool *pgxpool.Pool, dryRun bool) {
	fmt.Println("── Phase 2: Close abandoned recordings ──")

	// A capture is abandoned once it has been open well past its expected
	// duration. Without an expectation, fall back to a 10 minute cutoff.
	const findSQL = `
		SELECT r.id, r.listener_id, r.challenge_id, r.started_at, r.expected_duration_s
		FROM recordings r
		WHERE r.status = 'recording'
		  AND r.started_at < now()
		      - (interval '1 second' * GREATEST(COALESCE(r.expected_duration_s, 0) * 3, 600))
		ORDER BY r.started_at
	`

	rows, err := pool.Query(ctx, findSQL)
	if err != nil {
		fmt.Printf("Error finding abandoned recordings: %v\n", err)
		return
	}
	defer rows.Close()

	type abandoned struct {
		id          string
		listenerID  string
		challengeID *int64
		startedAt   time.Time
		expected    *float64
	}
	var recs []abandoned
	for rows.Next() {
		var r abandoned
		if err := rows.Scan(&r.id, &r.listenerID, &r.challengeID, &r.startedAt, &r.expected); err != nil {
			fmt.Printf("Error scanning: %v\n", err)
			return
		}
		recs = append(recs, r)
	}
	rows.Close()

	fmt.Printf("Found %d abandoned recordings\n", len(recs))
	if len(recs) == 0 {
		return
	}

	if dryRun {
		fmt.Println("Dry run, no changes made.")
		for i, r := range recs {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(recs)-10)
				break
			}
			exp := "none"
			if r.expected != nil {
				exp = fmt.Sprintf("%.0fs", *r.expected)
			}
			fmt.Printf("  recording=%s listener=%s expected=%s open for %s\n",
				r.id, r.listenerID, exp, time.Since(r.startedAt).Round(time.Second))
		}
		return
	}

	const failSQL = `
		UPDATE recordings
		SET status = 'failed', completed_at = now(),
		    error_message = 'closed by dbcheck fix-recordings'
		WHERE id = $1 AND status = 'recording'
	`

	closed := 0
	errors := 0
	for _, r := range recs {
		if _, err := pool.Exec(ctx, failSQL, r.id); err != nil {
			fmt.Printf("  Error failing recording=%s: %v\n", r.id, err)
			errors++
			continue
		}
		closed++
	}
	fmt.Printf("Closed %d recordings, %d errors\n", closed, errors)
}
