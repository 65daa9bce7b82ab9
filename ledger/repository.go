package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no escrow entry exists for the identifier.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrConflict signals a concurrent creation race was lost; callers should
	// re-fetch the winner's entry instead of retrying the create.
	ErrConflict = errors.New("ledger: concurrent creation conflict")
	// ErrStaleState signals the conditional status update found a different
	// stored status; callers reload and re-evaluate their event.
	ErrStaleState = errors.New("ledger: stale status")
	// ErrDuplicateEvent signals the inbound event key was already processed.
	ErrDuplicateEvent = errors.New("ledger: duplicate event")
)

const entryColumns = `id, order_id, buyer_id, farmer_id, total_amount, upfront_amount, remaining_amount, status::text, dispute_reason, payment_ref, created_at, updated_at`

const instructionColumns = `id, entry_id, kind::text, recipient_id, amount, idempotency_key, status::text, attempts, last_error, created_at, updated_at`

// Repository provides durable access to escrow entries, settlement events,
// and the instruction outbox. Transactional writes take an explicit pgx.Tx so
// the engine can commit a transition atomically with its side effects.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// MarkProcessed reserves the inbound event key inside the active transaction.
func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("ledger: empty event key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO processed_events (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("ledger: mark processed: %w", err)
	}
	return nil
}

// CreateIfAbsent inserts a new entry for the order or returns the existing
// one. The bool reports whether this call created the row. ErrConflict is
// returned only when a concurrent creator won the race and its row is not yet
// visible to this transaction.
func (r *Repository) CreateIfAbsent(ctx context.Context, tx pgx.Tx, params CreateParams) (Entry, bool, error) {
	const insertSQL = `
INSERT INTO escrow_entries (order_id, buyer_id, farmer_id, total_amount, upfront_amount, remaining_amount, status)
VALUES ($1, $2, $3, $4, $5, $6, 'pending')
ON CONFLICT (order_id) DO NOTHING
RETURNING ` + entryColumns

	var entry Entry
	err := tx.QueryRow(ctx, insertSQL,
		params.OrderID,
		params.BuyerID,
		params.FarmerID,
		params.TotalAmount,
		params.UpfrontAmount,
		params.RemainingAmount,
	).Scan(entryFields(&entry)...)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, fmt.Errorf("ledger: insert entry: %w", err)
	}

	existing, err := r.getByOrderID(ctx, tx, params.OrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The winning insert is uncommitted in another transaction.
			return Entry{}, false, ErrConflict
		}
		return Entry{}, false, err
	}
	return existing, false, nil
}

// GetByOrderID fetches the committed entry for an order.
func (r *Repository) GetByOrderID(ctx context.Context, orderID string) (Entry, error) {
	return r.getByOrderID(ctx, r.pool, orderID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) getByOrderID(ctx context.Context, q rowQuerier, orderID string) (Entry, error) {
	var entry Entry
	err := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM escrow_entries WHERE order_id = $1`, orderID).
		Scan(entryFields(&entry)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("ledger: get by order: %w", err)
	}
	return entry, nil
}

// UpdateStatus performs the optimistic-concurrency transition: the write only
// lands if the stored status still equals expected.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, expected, next Status, fields UpdateFields) (Entry, error) {
	const updateSQL = `
UPDATE escrow_entries
SET status = $1::escrow_status,
    dispute_reason = COALESCE($2, dispute_reason),
    payment_ref = COALESCE($3, payment_ref),
    updated_at = now()
WHERE id = $4 AND status = $5::escrow_status
RETURNING ` + entryColumns

	var entry Entry
	err := tx.QueryRow(ctx, updateSQL, next, fields.DisputeReason, fields.PaymentRef, id, expected).
		Scan(entryFields(&entry)...)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("ledger: update status: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Entry{}, fmt.Errorf("ledger: check entry: %w", err)
	}
	if !exists {
		return Entry{}, ErrNotFound
	}
	return Entry{}, ErrStaleState
}

// AppendEvent records an immutable settlement event for the entry.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, entryID, eventType string, payload map[string]any) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO settlement_events (entry_id, type, payload) VALUES ($1, $2, $3::jsonb)`,
		entryID, eventType, mustJSON(payload),
	); err != nil {
		return fmt.Errorf("ledger: append event: %w", err)
	}
	return nil
}

// InsertInstruction emits a disbursement instruction into the outbox. The
// (entry_id, kind) uniqueness makes re-emission a no-op; the bool reports
// whether a new instruction was written.
func (r *Repository) InsertInstruction(ctx context.Context, tx pgx.Tx, params InstructionParams) (bool, error) {
	key := InstructionKey(params.EntryID, params.Kind)
	tag, err := tx.Exec(ctx, `
INSERT INTO instructions (entry_id, kind, recipient_id, amount, idempotency_key)
VALUES ($1, $2::instruction_kind, $3, $4, $5)
ON CONFLICT (entry_id, kind) DO NOTHING
`, params.EntryID, params.Kind, params.RecipientID, params.Amount, key)
	if err != nil {
		return false, fmt.Errorf("ledger: insert instruction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimInstruction atomically claims the oldest dispatchable instruction.
// Claimed rows move to 'dispatched' so concurrent dispatchers never pick the
// same instruction.
func (r *Repository) ClaimInstruction(ctx context.Context, maxAttempts int) (Instruction, bool, error) {
	const claimSQL = `
UPDATE instructions
SET status = 'dispatched', updated_at = now()
WHERE id = (
    SELECT id FROM instructions
    WHERE (status = 'pending' OR status = 'failed') AND attempts < $1
    ORDER BY created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + instructionColumns

	var instr Instruction
	err := r.pool.QueryRow(ctx, claimSQL, maxAttempts).Scan(instructionFields(&instr)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instruction{}, false, nil
		}
		return Instruction{}, false, fmt.Errorf("ledger: claim instruction: %w", err)
	}
	return instr, true, nil
}

// MarkInstructionConfirmed finalizes a dispatched instruction. The bool
// reports whether this call performed the confirmation; a replayed
// confirmation finds the row already confirmed and reports false.
func (r *Repository) MarkInstructionConfirmed(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE instructions
SET status = 'confirmed', updated_at = now()
WHERE id = $1 AND status = 'dispatched'
`, id)
	if err != nil {
		return false, fmt.Errorf("ledger: confirm instruction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordInstructionFailure bumps the attempt counter and parks the
// instruction as failed, or dead once attempts reach maxAttempts. Returns the
// updated attempt count and whether the instruction is now dead.
func (r *Repository) RecordInstructionFailure(ctx context.Context, tx pgx.Tx, id string, maxAttempts int, cause string) (int, bool, error) {
	const failSQL = `
UPDATE instructions
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead'::instruction_status ELSE 'failed'::instruction_status END,
    last_error = $3,
    updated_at = now()
WHERE id = $1 AND status = 'dispatched'
RETURNING attempts, status::text
`
	var (
		attempts int
		status   string
	)
	if err := tx.QueryRow(ctx, failSQL, id, maxAttempts, cause).Scan(&attempts, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrStaleState
		}
		return 0, false, fmt.Errorf("ledger: record failure: %w", err)
	}
	return attempts, status == string(InstructionDead), nil
}

// GetInstructionByKey fetches an instruction by its idempotency key.
func (r *Repository) GetInstructionByKey(ctx context.Context, key string) (Instruction, error) {
	var instr Instruction
	err := r.pool.QueryRow(ctx, `SELECT `+instructionColumns+` FROM instructions WHERE idempotency_key = $1`, key).
		Scan(instructionFields(&instr)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instruction{}, ErrNotFound
		}
		return Instruction{}, fmt.Errorf("ledger: get instruction: %w", err)
	}
	return instr, nil
}

// ListExpired returns upfront_held entries whose last transition predates the
// cutoff, candidates for the delivery-window sweep.
func (r *Repository) ListExpired(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM escrow_entries WHERE status = 'upfront_held' AND updated_at < $1 ORDER BY updated_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: list expired: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(entryFields(&entry)...); err != nil {
			return nil, fmt.Errorf("ledger: scan expired: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate expired: %w", err)
	}
	return out, nil
}

func mustJSON(payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func entryFields(e *Entry) []any {
	return []any{
		&e.ID, &e.OrderID, &e.BuyerID, &e.FarmerID,
		&e.TotalAmount, &e.UpfrontAmount, &e.RemainingAmount,
		&e.Status, &e.DisputeReason, &e.PaymentRef,
		&e.CreatedAt, &e.UpdatedAt,
	}
}

func instructionFields(i *Instruction) []any {
	return []any{
		&i.ID, &i.EntryID, &i.Kind, &i.RecipientID, &i.Amount,
		&i.IdempotencyKey, &i.Status, &i.Attempts, &i.LastError,
		&i.CreatedAt, &i.UpdatedAt,
	}
}
