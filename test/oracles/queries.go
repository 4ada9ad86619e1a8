package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists queries that must return no rows at any point of a run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_active_without_captured_stake",
			SQL: `SELECT c.id FROM contracts c
                  LEFT JOIN payments p ON p.id = c.stake_payment_id
                  WHERE c.status IN ('ACTIVE','COMPLETED','FAILED')
                    AND EXISTS (SELECT 1 FROM contract_events e WHERE e.contract_id = c.id AND e.to_status = 'ACTIVE')
                    AND (p.id IS NULL OR p.status <> 'COMPLETED' OR p.contract_id <> c.id)`,
		},
		{
			Name: "O2_refund_of_uncaptured_payment",
			SQL:  `SELECT id FROM payments WHERE refund_id IS NOT NULL AND status <> 'COMPLETED'`,
		},
		{
			Name: "O3_terminal_status_left",
			SQL: `SELECT id FROM contract_events
                  WHERE from_status IN ('COMPLETED','FAILED','CANCELLED')`,
		},
		{
			Name: "O4_completed_and_failed",
			SQL: `SELECT contract_id FROM contract_events
                  WHERE to_status IN ('COMPLETED','FAILED')
                  GROUP BY contract_id HAVING COUNT(DISTINCT to_status) > 1`,
		},
		{
			Name: "O5_duplicate_activation",
			SQL: `SELECT payload->>'contract_id', COUNT(*) FROM outbox
                  WHERE topic = 'contract.activated'
                  GROUP BY payload->>'contract_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_status_without_event",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.status <> 'DRAFT'
                    AND NOT EXISTS (SELECT 1 FROM contract_events e WHERE e.contract_id = c.id AND e.to_status = c.status)`,
		},
		{
			Name: "O7_stale_outbox",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
	}
	return "", "", nil
}
