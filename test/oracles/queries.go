package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_matches_signers",
			SQL: `WITH s AS (
                      SELECT agreement_id,
                             COUNT(*) AS total,
                             COUNT(*) FILTER (WHERE status = 'completed') AS done
                      FROM agreement_signers GROUP BY agreement_id)
                  SELECT a.id, a.status, s.total, s.done
                  FROM agreements a JOIN s ON s.agreement_id = a.id
                  WHERE a.status <> 'draft'
                    AND a.status <> CASE
                        WHEN s.done = s.total THEN 'completed'
                        WHEN s.done > 0 THEN 'partially_signed'
                        ELSE 'sent' END`,
		},
		{
			Name: "O2_completed_at_iff_completed",
			SQL: `SELECT id, status, completed_at FROM agreements
                  WHERE (status = 'completed') <> (completed_at IS NOT NULL)`,
		},
		{
			Name: "O3_signed_at_iff_signed",
			SQL: `SELECT agreement_id, position, status, signed_at FROM agreement_signers
                  WHERE (status = 'completed') <> (signed_at IS NOT NULL)`,
		},
		{
			Name: "O4_single_completion_message",
			SQL: `SELECT payload->>'envelope_id', COUNT(*) FROM outbox
                  WHERE topic = 'agreement.completed'
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_completion_message_present",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'completed'
                  AND NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'agreement.completed' AND o.payload->>'envelope_id' = a.id)`,
		},
		{
			Name: "O6_status_never_regresses",
			SQL: `WITH ranked AS (
                      SELECT agreement_id, id,
                             CASE payload->>'next_status'
                                 WHEN 'sent' THEN 1
                                 WHEN 'partially_signed' THEN 2
                                 WHEN 'completed' THEN 3
                                 ELSE 0 END AS rank
                      FROM timeline_events WHERE type = 'AGREEMENT_STATUS_CHANGED'),
                  lagged AS (
                      SELECT agreement_id, id, rank,
                             LAG(rank) OVER (PARTITION BY agreement_id ORDER BY id) AS prev
                      FROM ranked)
                  SELECT * FROM lagged WHERE prev IS NOT NULL AND rank <= prev`,
		},
		{
			Name: "O7_stale_outbox",
			SQL: `SELECT id, topic, attempts, created_at FROM outbox
                  WHERE status = 'pending' AND created_at < NOW() - INTERVAL '5 minutes'`,
		},
	}
}

// Run evaluates every oracle and returns the name and first row of the first
// one that finds a violation. An empty name means all passed.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
