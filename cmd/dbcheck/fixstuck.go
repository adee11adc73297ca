package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// fixStuckAssignments requeues challenges wedged in the assigned state.
// The running controller reaps expired assignments itself; this handles the
// leftovers after a crash or a database restored from backup, where a
// challenge can reference a runner that no longer exists or sit past its
// assignment window with the scheduler gone.
func fixStuckAssignments(ctx context.Context, pool *pgxpool.Pool, dryRun bool) {
	const findSQL = `
		SELECT c.id, c.name, c.assigned_to, c.assigned_at, c.assignment_expires,
		       a.status
		FROM challenges c
		LEFT JOIN agents a ON a.id = c.assigned_to
		WHERE c.status = 'assigned'
		  AND (c.assignment_expires IS NULL
		       OR c.assignment_expires < now()
		       OR a.id IS NULL
		       OR a.status = 'offline')
		ORDER BY c.id
	`

	rows, err := pool.Query(ctx, findSQL)
	if err != nil {
		fmt.Printf("Error finding stuck assignments: %v\n", err)
		return
	}
	defer rows.Close()

	type stuck struct {
		id          int64
		name        string
		assignedTo  *string
		assignedAt  *time.Time
		expires     *time.Time
		agentStatus *string
	}
	var stucks []stuck
	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.id, &s.name, &s.assignedTo, &s.assignedAt, &s.expires, &s.agentStatus); err != nil {
			fmt.Printf("Error scanning: %v\n", err)
			return
		}
		stucks = append(stucks, s)
	}
	rows.Close()

	fmt.Printf("Found %d stuck assignments\n", len(stucks))
	if len(stucks) == 0 {
		return
	}

	if dryRun {
		fmt.Println("Dry run, no changes made. Run with 'fix-stuck apply' to fix.")
		for i, s := range stucks {
			if i >= 10 {
				fmt.Printf("  ... and %d more\n", len(stucks)-10)
				break
			}
			runner := "(missing)"
			if s.assignedTo != nil {
				runner = *s.assignedTo
				if s.agentStatus != nil {
					runner += " (" + *s.agentStatus + ")"
				}
			}
			why := "expired"
			if s.expires == nil {
				why = "no expiry"
			} else if s.agentStatus == nil {
				why = "runner gone"
			} else if *s.agentStatus == "offline" {
				why = "runner offline"
			}
			fmt.Printf("  challenge=%d %q runner=%s reason=%s\n", s.id, s.name, runner, why)
		}
		return
	}

	// Requeue the challenge and fail its open transmission in one tx so a
	// concurrent controller start sees a consistent pair.
	const requeueSQL = `
		UPDATE challenges
		SET status = 'queued', assigned_to = NULL, assigned_at = NULL,
		    assignment_expires = NULL, updated_at = now()
		WHERE id = $1 AND status = 'assigned'
	`
	const failTxSQL = `
		UPDATE transmissions
		SET status = 'failed', completed_at = now(),
		    error_message = 'closed by dbcheck fix-stuck'
		WHERE challenge_id = $1 AND status = 'transmitting'
	`

	fixed := 0
	errors := 0
	for _, s := range stucks {
		tx, err := pool.Begin(ctx)
		if err != nil {
			fmt.Printf("  Error starting tx for challenge=%d: %v\n", s.id, err)
			errors++
			continue
		}

		if _, err := tx.Exec(ctx, requeueSQL, s.id); err != nil {
			tx.Rollback(ctx)
			fmt.Printf("  Error requeueing challenge=%d: %v\n", s.id, err)
			errors++
			continue
		}
		if _, err := tx.Exec(ctx, failTxSQL, s.id); err != nil {
			tx.Rollback(ctx)
			fmt.Printf("  Error failing transmissions for challenge=%d: %v\n", s.id, err)
			errors++
			continue
		}

		if err := tx.Commit(ctx); err != nil {
			fmt.Printf("  Error committing challenge=%d: %v\n", s.id, err)
			errors++
			continue
		}
		fixed++
	}

	fmt.Printf("Requeued %d challenges, %d errors\n", fixed, errors)

	// Counters drift when transmissions are failed outside the controller.
	tag, err := pool.Exec(ctx, `
		UPDATE challenges c
		SET transmission_count = sub.actual
		FROM (
			SELECT challenge_id, count(*) AS actual
			FROM transmissions
			WHERE status = 'success'
			GROUP BY challenge_id
		) sub
		WHERE c.id = sub.challenge_id AND c.transmission_count != sub.actual
	`)
	if err != nil {
		fmt.Printf("Error reconciling transmission counters: %v\n", err)
	} else {
		fmt.Printf("Reconciled %d transmission counters\n", tag.RowsAffected())
	}
}
