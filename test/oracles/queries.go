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

// All returns the money-safety invariants checked while actors run. Each
// query selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_split_conservation",
			SQL: `SELECT id, total_amount, upfront_amount, remaining_amount
                  FROM escrow_entries
                  WHERE upfront_amount + remaining_amount <> total_amount
                     OR upfront_amount < 0 OR remaining_amount < 0`,
		},
		{
			Name: "O2_one_entry_per_order",
			SQL: `SELECT order_id, COUNT(*) FROM escrow_entries
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_disbursement_exclusivity",
			SQL: `SELECT entry_id FROM instructions
                  GROUP BY entry_id HAVING COUNT(DISTINCT kind) > 1`,
		},
		{
			Name: "O4_completed_requires_confirmed_payout",
			SQL: `SELECT e.id FROM escrow_entries e
                  WHERE e.status = 'completed'
                    AND NOT EXISTS (
                        SELECT 1 FROM instructions i
                        WHERE i.entry_id = e.id AND i.kind = 'payout' AND i.status = 'confirmed')`,
		},
		{
			Name: "O5_refunded_never_pays_out",
			SQL: `SELECT e.id FROM escrow_entries e
                  JOIN instructions i ON i.entry_id = e.id
                  WHERE e.status = 'refunded' AND i.kind = 'payout'`,
		},
		{
			Name: "O6_disputed_has_reason",
			SQL: `SELECT id FROM escrow_entries
                  WHERE status = 'disputed' AND COALESCE(dispute_reason, '') = ''`,
		},
		{
			Name: "O7_instruction_amount_matches_entry",
			SQL: `SELECT i.id FROM instructions i
                  JOIN escrow_entries e ON e.id = i.entry_id
                  WHERE (i.kind = 'payout' AND i.amount <> e.remaining_amount)
                     OR (i.kind = 'refund' AND i.amount <> e.upfront_amount)`,
		},
		{
			Name: "O8_attempt_cap_respected",
			SQL: `SELECT id, attempts FROM instructions
                  WHERE attempts > 5 OR (status = 'dead' AND attempts < 5)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, _ := rows.Values()
			rows.Close()
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		rows.Close()
	}
	return "", "", nil
}
