package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads disputed escrow entries for the operator surface.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListOpen returns all currently disputed entries, oldest first, so stuck
// disputes surface at the top of the admin queue.
func (r *Repository) ListOpen(ctx context.Context) ([]Record, error) {
	const query = `
		SELECT id, order_id, buyer_id, farmer_id, upfront_amount, COALESCE(dispute_reason, ''), updated_at
		FROM escrow_entries
		WHERE status = 'disputed'
		ORDER BY updated_at ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dispute: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EntryID, &rec.OrderID, &rec.BuyerID, &rec.FarmerID, &rec.HeldAmount, &rec.Reason, &rec.OpenedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
