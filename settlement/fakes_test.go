package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"harvestpay/ledger"
)

// fakeLedger is an in-memory Ledger. Writes apply immediately; the engine's
// transactional ordering is exercised against Postgres in the integration and
// stress tests.
type fakeLedger struct {
	entries      map[string]*ledger.Entry // keyed by order id
	processed    map[string]bool
	events       []recordedEvent
	instructions map[string]*ledger.Instruction // keyed by idempotency key

	// forceStaleOnce makes the next UpdateStatus fail with ErrStaleState
	// after flipping the stored status to raceStatus, simulating a lost race.
	forceStaleOnce bool
	raceStatus     ledger.Status
	raceReason     *string
}

type recordedEvent struct {
	entryID string
	typ     string
	payload map[string]any
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries:      map[string]*ledger.Entry{},
		processed:    map[string]bool{},
		instructions: map[string]*ledger.Instruction{},
	}
}

func (f *fakeLedger) MarkProcessed(_ context.Context, _ pgx.Tx, key string) error {
	if f.processed[key] {
		return ledger.ErrDuplicateEvent
	}
	f.processed[key] = true
	return nil
}

func (f *fakeLedger) CreateIfAbsent(_ context.Context, _ pgx.Tx, params ledger.CreateParams) (ledger.Entry, bool, error) {
	if existing, ok := f.entries[params.OrderID]; ok {
		return *existing, false, nil
	}
	now := time.Now()
	entry := &ledger.Entry{
		ID:              uuid.NewString(),
		OrderID:         params.OrderID,
		BuyerID:         params.BuyerID,
		FarmerID:        params.FarmerID,
		TotalAmount:     params.TotalAmount,
		UpfrontAmount:   params.UpfrontAmount,
		RemainingAmount: params.RemainingAmount,
		Status:          ledger.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.entries[params.OrderID] = entry
	return *entry, true, nil
}

func (f *fakeLedger) GetByOrderID(_ context.Context, orderID string) (ledger.Entry, error) {
	entry, ok := f.entries[orderID]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return *entry, nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, _ pgx.Tx, id string, expected, next ledger.Status, fields ledger.UpdateFields) (ledger.Entry, error) {
	entry := f.byID(id)
	if entry == nil {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	if f.forceStaleOnce {
		f.forceStaleOnce = false
		entry.Status = f.raceStatus
		if f.raceReason != nil {
			entry.DisputeReason = f.raceReason
		}
		return ledger.Entry{}, ledger.ErrStaleState
	}
	if entry.Status != expected {
		return ledger.Entry{}, ledger.ErrStaleState
	}
	entry.Status = next
	if fields.DisputeReason != nil {
		entry.DisputeReason = fields.DisputeReason
	}
	if fields.PaymentRef != nil {
		entry.PaymentRef = fields.PaymentRef
	}
	entry.UpdatedAt = time.Now()
	return *entry, nil
}

func (f *fakeLedger) AppendEvent(_ context.Context, _ pgx.Tx, entryID, eventType string, payload map[string]any) error {
	f.events = append(f.events, recordedEvent{entryID: entryID, typ: eventType, payload: payload})
	return nil
}

func (f *fakeLedger) InsertInstruction(_ context.Context, _ pgx.Tx, params ledger.InstructionParams) (bool, error) {
	key := ledger.InstructionKey(params.EntryID, params.Kind)
	if _, ok := f.instructions[key]; ok {
		return false, nil
	}
	f.instructions[key] = &ledger.Instruction{
		ID:             uuid.NewString(),
		EntryID:        params.EntryID,
		Kind:           params.Kind,
		RecipientID:    params.RecipientID,
		Amount:         params.Amount,
		IdempotencyKey: key,
		Status:         ledger.InstructionPending,
		CreatedAt:      time.Now(),
	}
	return true, nil
}

func (f *fakeLedger) MarkInstructionConfirmed(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	for _, instr := range f.instructions {
		if instr.ID == id {
			if instr.Status != ledger.InstructionDispatched && instr.Status != ledger.InstructionPending {
				return false, nil
			}
			instr.Status = ledger.InstructionConfirmed
			return true, nil
		}
	}
	return false, fmt.Errorf("fake: instruction %s missing", id)
}

func (f *fakeLedger) RecordInstructionFailure(_ context.Context, _ pgx.Tx, id string, maxAttempts int, cause string) (int, bool, error) {
	for _, instr := range f.instructions {
		if instr.ID == id {
			instr.Attempts++
			instr.LastError = &cause
			if instr.Attempts >= maxAttempts {
				instr.Status = ledger.InstructionDead
				return instr.Attempts, true, nil
			}
			instr.Status = ledger.InstructionFailed
			return instr.Attempts, false, nil
		}
	}
	return 0, false, ledger.ErrStaleState
}

func (f *fakeLedger) ListExpired(_ context.Context, cutoff time.Time) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, entry := range f.entries {
		if entry.Status == ledger.StatusUpfrontHeld && entry.UpdatedAt.Before(cutoff) {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (f *fakeLedger) byID(id string) *ledger.Entry {
	for _, entry := range f.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

func (f *fakeLedger) instructionsFor(entryID string) []ledger.Instruction {
	var out []ledger.Instruction
	for _, instr := range f.instructions {
		if instr.EntryID == entryID {
			out = append(out, *instr)
		}
	}
	return out
}

func (f *fakeLedger) eventTypes(entryID string) []string {
	var out []string
	for _, ev := range f.events {
		if ev.entryID == entryID {
			out = append(out, ev.typ)
		}
	}
	return out
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) committed() int {
	n := 0
	for _, tx := range f.txs {
		if tx.committedFlag {
			n++
		}
	}
	return n
}

type fakeTx struct {
	rolled        bool
	committedFlag bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committedFlag = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
