package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		tag, _ := pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at < now()")
		fmt.Printf("Deleted %d expired sessions\n", tag.RowsAffected())
		tag, _ = pool.Exec(ctx, "DELETE FROM enrollment_tokens WHERE used = false AND expires_at < now()")
		fmt.Printf("Deleted %d expired enrollment tokens\n", tag.RowsAffected())
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "tx" {
		investigateTransmissions(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "fix-stuck" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		fixStuckAssignments(ctx, pool, dryRun)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "fix-recordings" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		fixOpenRecordings(ctx, pool, dryRun)
		return
	}

	// Default: table counts
	tables := []string{
		"users", "sessions", "agents",
		"challenges", "transmissions", "recordings",
		"files", "enrollment_tokens", "provisioning_keys",
		"agent_logs", "system_state",
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}
}

func investigateTransmissions(ctx context.Context, pool *pgxpool.Pool) {
	// 1. Transmissions per challenge
	fmt.Println("── Transmissions Per Challenge ──")
	rows, _ := pool.Query(ctx, `
		SELECT c.id, c.name, c.status, c.transmission_count, count(t.id) AS actual
		FROM challenges c
		LEFT JOIN transmissions t ON t.challenge_id = c.id
		GROUP BY c.id, c.name, c.status, c.transmission_count
		ORDER BY c.id
	`)
	defer rows.Close()
	for rows.Next() {
		var id, counter, actual int64
		var name, status string
		rows.Scan(&id, &name, &status, &counter, &actual)
		drift := ""
		if counter != actual {
			drift = fmt.Sprintf("  (counter=%d, drift!)", counter)
		}
		fmt.Printf("  challenge=%d %q status=%s tx=%d%s\n", id, name, status, actual, drift)
	}

	// 2. Transmission outcomes
	fmt.Println("\n── Transmission Outcomes ──")
	rows2, _ := pool.Query(ctx, `
		SELECT status, count(*) FROM transmissions GROUP BY status ORDER BY status
	`)
	defer rows2.Close()
	for rows2.Next() {
		var status string
		var count int64
		rows2.Scan(&status, &count)
		fmt.Printf("  %-14s %d\n", status, count)
	}

	// 3. Per-runner load
	fmt.Println("\n── Transmissions Per Runner ──")
	rows3, _ := pool.Query(ctx, `
		SELECT t.runner_id, a.status, count(*),
		       count(*) FILTER (WHERE t.status = 'failed') AS failed
		FROM transmissions t
		LEFT JOIN agents a ON a.id = t.runner_id
		GROUP BY t.runner_id, a.status
		ORDER BY count(*) DESC
	`)
	defer rows3.Close()
	for rows3.Next() {
		var runner string
		var agentStatus *string
		var count, failed int64
		rows3.Scan(&runner, &agentStatus, &count, &failed)
		st := "missing"
		if agentStatus != nil {
			st = *agentStatus
		}
		fmt.Printf("  runner=%s (%s): %d tx, %d failed\n", runner, st, count, failed)
	}

	// 4. Challenges that never transmitted
	var never int64
	pool.QueryRow(ctx, `
		SELECT count(*) FROM challenges c
		WHERE NOT EXISTS (SELECT 1 FROM transmissions t WHERE t.challenge_id = c.id)
	`).Scan(&never)
	fmt.Printf("\n  Challenges never transmitted: %d\n", never)

	// 5. Open transmissions (should be near zero on a healthy controller)
	fmt.Println("\n── Open Transmissions ──")
	rows4, _ := pool.Query(ctx, `
		SELECT t.id, t.challenge_id, t.runner_id, t.started_at,
		       EXTRACT(EPOCH FROM (now() - t.started_at))::bigint AS age_s
		FROM transmissions t
		WHERE t.status = 'transmitting'
		ORDER BY t.started_at
		LIMIT 20
	`)
	defer rows4.Close()
	found := false
	for rows4.Next() {
		found = true
		var id, challengeID, ageS int64
		var runner string
		var startedAt interface{}
		rows4.Scan(&id, &challengeID, &runner, &startedAt, &ageS)
		fmt.Printf("  tx=%d challenge=%d runner=%s age=%ds\n", id, challengeID, runner, ageS)
	}
	if !found {
		fmt.Println("  (none)")
	}

	// 6. Recordings without a stored file
	var noFile int64
	pool.QueryRow(ctx, `
		SELECT count(*) FROM recordings r
		WHERE r.status = 'complete'
		  AND (r.file_sha256 IS NULL
		       OR NOT EXISTS (SELECT 1 FROM files f WHERE f.sha256 = r.file_sha256))
	`).Scan(&noFile)
	fmt.Printf("\n  Complete recordings missing their file: %d\n", noFile)
}
