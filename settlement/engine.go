package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"harvestpay/ledger"
)

var (
	// ErrInvalidTransition signals the event does not match any outgoing edge
	// of the entry's current status. Stored state is left unchanged.
	ErrInvalidTransition = errors.New("settlement: invalid transition")
	// ErrBadRequest signals a malformed inbound event.
	ErrBadRequest = errors.New("settlement: bad request")
)

// Party identifies the winning side of a dispute resolution.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartyFarmer Party = "farmer"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the durable operations the engine drives. Satisfied by
// *ledger.Repository.
type Ledger interface {
	MarkProcessed(ctx context.Context, tx pgx.Tx, key string) error
	CreateIfAbsent(ctx context.Context, tx pgx.Tx, params ledger.CreateParams) (ledger.Entry, bool, error)
	GetByOrderID(ctx context.Context, orderID string) (ledger.Entry, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, expected, next ledger.Status, fields ledger.UpdateFields) (ledger.Entry, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, entryID, eventType string, payload map[string]any) error
	InsertInstruction(ctx context.Context, tx pgx.Tx, params ledger.InstructionParams) (bool, error)
	MarkInstructionConfirmed(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	RecordInstructionFailure(ctx context.Context, tx pgx.Tx, id string, maxAttempts int, cause string) (int, bool, error)
	ListExpired(ctx context.Context, cutoff time.Time) ([]ledger.Entry, error)
}

// Engine owns every mutation of escrow entries. A status change, its timeline
// event, and any disbursement instruction commit in one transaction.
type Engine struct {
	pool   TxBeginner
	repo   Ledger
	log    *zap.Logger
	window time.Duration
}

// DefaultDeliveryWindow bounds how long an upfront_held entry may wait for a
// delivery confirmation before the sweep flags it.
const DefaultDeliveryWindow = 72 * time.Hour

func NewEngine(pool TxBeginner, repo Ledger, log *zap.Logger, window time.Duration) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultDeliveryWindow
	}
	return &Engine{pool: pool, repo: repo, log: log, window: window}
}

// PaymentConfirmed is the inbound event opening an escrow entry.
type PaymentConfirmed struct {
	OrderID     string
	BuyerID     string
	FarmerID    string
	TotalAmount decimal.Decimal
	PaymentRef  string
}

// OnPaymentConfirmed creates the escrow entry for the order, computing the
// upfront/remaining split. Creation is idempotent: a replayed confirmation or
// a lost creation race returns the existing entry.
func (e *Engine) OnPaymentConfirmed(ctx context.Context, evt PaymentConfirmed) (ledger.Entry, error) {
	if evt.OrderID == "" || evt.BuyerID == "" || evt.FarmerID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: order, buyer and farmer ids are required", ErrBadRequest)
	}
	if evt.PaymentRef == "" {
		return ledger.Entry{}, fmt.Errorf("%w: payment reference is required", ErrBadRequest)
	}

	upfront, remaining, err := ledger.Split(evt.TotalAmount)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.repo.MarkProcessed(ctx, tx, "payment_confirmed:"+evt.PaymentRef); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return e.repo.GetByOrderID(ctx, evt.OrderID)
		}
		return ledger.Entry{}, err
	}

	entry, created, err := e.repo.CreateIfAbsent(ctx, tx, ledger.CreateParams{
		OrderID:         evt.OrderID,
		BuyerID:         evt.BuyerID,
		FarmerID:        evt.FarmerID,
		TotalAmount:     evt.TotalAmount,
		UpfrontAmount:   upfront,
		RemainingAmount: remaining,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// A concurrent confirmation won; its row becomes visible once it
			// commits. Surface the committed entry to the caller.
			return e.repo.GetByOrderID(ctx, evt.OrderID)
		}
		return ledger.Entry{}, err
	}

	if created {
		if err := e.repo.AppendEvent(ctx, tx, entry.ID, EventEscrowCreated, map[string]any{
			"order_id":         entry.OrderID,
			"total_amount":     entry.TotalAmount.StringFixed(2),
			"upfront_amount":   entry.UpfrontAmount.StringFixed(2),
			"remaining_amount": entry.RemainingAmount.StringFixed(2),
			"payment_ref":      evt.PaymentRef,
		}); err != nil {
			return ledger.Entry{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Entry{}, fmt.Errorf("settlement: commit create: %w", err)
	}
	return entry, nil
}

// OnUpfrontSettled records the upfront payment landing in escrow and moves
// the entry from pending to upfront_held.
func (e *Engine) OnUpfrontSettled(ctx context.Context, orderID, paymentRef string) (ledger.Entry, error) {
	if orderID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: order id is required", ErrBadRequest)
	}
	fields := ledger.UpdateFields{}
	payload := map[string]any{}
	if paymentRef != "" {
		fields.PaymentRef = &paymentRef
		payload["payment_ref"] = paymentRef
	}
	return e.applyTransition(ctx, orderID, ledger.StatusPending, ledger.StatusUpfrontHeld, fields, EventUpfrontHeld, payload, "")
}

// OnDeliveryConfirmed releases the remaining share to the farmer: the entry
// moves to remaining_released and exactly one payout instruction is emitted.
func (e *Engine) OnDeliveryConfirmed(ctx context.Context, orderID string) (ledger.Entry, error) {
	if orderID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: order id is required", ErrBadRequest)
	}
	return e.applyTransition(ctx, orderID, ledger.StatusUpfrontHeld, ledger.StatusRemainingReleased,
		ledger.UpdateFields{}, EventRemainingReleased, map[string]any{"trigger": "delivery_confirmed"}, ledger.KindPayout)
}

// OnDisputeRaised parks the entry in disputed with the supplied reason. The
// first recorded reason is never overwritten.
func (e *Engine) OnDisputeRaised(ctx context.Context, orderID, reason string) (ledger.Entry, error) {
	if orderID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: order id is required", ErrBadRequest)
	}
	if reason == "" {
		return ledger.Entry{}, fmt.Errorf("%w: dispute reason is required", ErrBadRequest)
	}
	return e.applyTransition(ctx, orderID, ledger.StatusUpfrontHeld, ledger.StatusDisputed,
		ledger.UpdateFields{DisputeReason: &reason}, EventDisputeRaised, map[string]any{"reason": reason}, "")
}

// OnDisputeResolved moves a disputed entry out of the hold state. A buyer win
// refunds the held upfront amount; a farmer win releases the remaining
// amount. Exactly one instruction is emitted, never both.
func (e *Engine) OnDisputeResolved(ctx context.Context, orderID string, winner Party) (ledger.Entry, error) {
	if orderID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: order id is required", ErrBadRequest)
	}
	payload := map[string]any{"winner": string(winner)}
	switch winner {
	case PartyBuyer:
		return e.applyTransition(ctx, orderID, ledger.StatusDisputed, ledger.StatusRefunded,
			ledger.UpdateFields{}, EventDisputeResolved, payload, ledger.KindRefund)
	case PartyFarmer:
		return e.applyTransition(ctx, orderID, ledger.StatusDisputed, ledger.StatusRemainingReleased,
			ledger.UpdateFields{}, EventDisputeResolved, payload, ledger.KindPayout)
	default:
		return ledger.Entry{}, fmt.Errorf("%w: unknown winning party %q", ErrBadRequest, winner)
	}
}

// OnTransferConfirmed records a successful disbursement reported by the
// dispatcher. Confirming a payout completes the entry; confirming a refund
// leaves the terminal refunded status untouched. Replays are no-ops.
func (e *Engine) OnTransferConfirmed(ctx context.Context, instr ledger.Instruction) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	changed, err := e.repo.MarkInstructionConfirmed(ctx, tx, instr.ID)
	if err != nil {
		return err
	}
	if !changed {
		// Already confirmed; a replayed confirmation must not disburse again.
		return nil
	}

	if instr.Kind == ledger.KindPayout {
		if _, err := e.repo.UpdateStatus(ctx, tx, instr.EntryID, ledger.StatusRemainingReleased, ledger.StatusCompleted, ledger.UpdateFields{}); err != nil {
			return fmt.Errorf("settlement: complete entry %s: %w", instr.EntryID, err)
		}
	}

	if err := e.repo.AppendEvent(ctx, tx, instr.EntryID, EventTransferConfirmed, map[string]any{
		"instruction_id": instr.ID,
		"kind":           string(instr.Kind),
		"amount":         instr.Amount.StringFixed(2),
		"recipient_id":   instr.RecipientID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit confirm: %w", err)
	}
	return nil
}

// OnTransferFailed records a failed disbursement attempt. The entry stays in
// its pre-confirmation status; once the attempt cap is reached the
// instruction is parked dead and an operator alert is raised.
func (e *Engine) OnTransferFailed(ctx context.Context, instr ledger.Instruction, maxAttempts int, cause string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	attempts, dead, err := e.repo.RecordInstructionFailure(ctx, tx, instr.ID, maxAttempts, cause)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleState) {
			// Instruction is no longer dispatched; nothing to record.
			return nil
		}
		return err
	}

	if err := e.repo.AppendEvent(ctx, tx, instr.EntryID, EventTransferFailed, map[string]any{
		"instruction_id": instr.ID,
		"kind":           string(instr.Kind),
		"attempts":       attempts,
		"cause":          cause,
		"dead":           dead,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit failure: %w", err)
	}

	if dead {
		e.log.Error("disbursement exhausted retries, manual intervention required",
			zap.String("instruction_id", instr.ID),
			zap.String("entry_id", instr.EntryID),
			zap.String("kind", string(instr.Kind)),
			zap.Int("attempts", attempts),
			zap.String("cause", cause))
	} else {
		e.log.Warn("disbursement attempt failed",
			zap.String("instruction_id", instr.ID),
			zap.Int("attempts", attempts),
			zap.String("cause", cause))
	}
	return nil
}

// OnExpirySweep flags upfront_held entries whose delivery window elapsed
// before now. Safe to run redundantly: entries already disputed are skipped,
// and concurrent sweeps resolve through the conditional update.
func (e *Engine) OnExpirySweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.repo.ListExpired(ctx, now.Add(-e.window))
	if err != nil {
		return 0, err
	}

	reason := AutoFlagReason
	flagged := 0
	for _, entry := range expired {
		_, err := e.applyTransition(ctx, entry.OrderID, ledger.StatusUpfrontHeld, ledger.StatusDisputed,
			ledger.UpdateFields{DisputeReason: &reason}, EventWindowExpired, map[string]any{"reason": reason}, "")
		switch {
		case err == nil:
			flagged++
		case errors.Is(err, ErrInvalidTransition):
			// Raced with a delivery confirmation or a manual dispute; the
			// entry moved on and no longer needs flagging.
			continue
		default:
			return flagged, err
		}
	}
	return flagged, nil
}

// GetEscrowByOrder is the read-only query exposed to UI collaborators.
func (e *Engine) GetEscrowByOrder(ctx context.Context, orderID string) (ledger.Entry, error) {
	return e.repo.GetByOrderID(ctx, orderID)
}

// applyTransition drives one optimistic status transition: load, validate the
// edge, conditionally update, and commit the timeline event plus any emitted
// instruction atomically. A lost race reloads the entry and re-evaluates; an
// event whose target already holds is a no-op.
func (e *Engine) applyTransition(ctx context.Context, orderID string, expected, next ledger.Status, fields ledger.UpdateFields, eventType string, payload map[string]any, emit ledger.InstructionKind) (ledger.Entry, error) {
	entry, err := e.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if entry.Status == next {
		return entry, nil
	}
	if entry.Status != expected || !allowed(entry.Status, next) {
		return ledger.Entry{}, e.invalidTransition(entry, next)
	}

	updated, err := e.applyOnce(ctx, entry, expected, next, fields, eventType, payload, emit)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ledger.ErrStaleState) {
		return ledger.Entry{}, err
	}

	// Lost the write race; re-evaluate the event against the new state.
	entry, reloadErr := e.repo.GetByOrderID(ctx, orderID)
	if reloadErr != nil {
		return ledger.Entry{}, reloadErr
	}
	if entry.Status == next {
		return entry, nil
	}
	return ledger.Entry{}, e.invalidTransition(entry, next)
}

func (e *Engine) applyOnce(ctx context.Context, entry ledger.Entry, expected, next ledger.Status, fields ledger.UpdateFields, eventType string, payload map[string]any, emit ledger.InstructionKind) (ledger.Entry, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := e.repo.UpdateStatus(ctx, tx, entry.ID, expected, next, fields)
	if err != nil {
		return ledger.Entry{}, err
	}

	eventPayload := map[string]any{
		"previous_status": string(expected),
		"next_status":     string(next),
	}
	for k, v := range payload {
		eventPayload[k] = v
	}
	if err := e.repo.AppendEvent(ctx, tx, updated.ID, eventType, eventPayload); err != nil {
		return ledger.Entry{}, err
	}

	if emit != "" {
		params := instructionFor(updated, emit)
		// A zero share can occur on penny-sized totals; there is nothing to
		// transfer, so no instruction is emitted.
		if params.Amount.IsPositive() {
			if _, err := e.repo.InsertInstruction(ctx, tx, params); err != nil {
				return ledger.Entry{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Entry{}, fmt.Errorf("settlement: commit transition: %w", err)
	}
	return updated, nil
}

// instructionFor maps an instruction kind to its recipient and amount:
// payouts release the remaining share to the farmer, refunds return the held
// upfront share to the buyer.
func instructionFor(entry ledger.Entry, kind ledger.InstructionKind) ledger.InstructionParams {
	if kind == ledger.KindRefund {
		return ledger.InstructionParams{
			EntryID:     entry.ID,
			Kind:        kind,
			RecipientID: entry.BuyerID,
			Amount:      entry.UpfrontAmount,
		}
	}
	return ledger.InstructionParams{
		EntryID:     entry.ID,
		Kind:        kind,
		RecipientID: entry.FarmerID,
		Amount:      entry.RemainingAmount,
	}
}

func (e *Engine) invalidTransition(entry ledger.Entry, next ledger.Status) error {
	e.log.Warn("invalid settlement transition rejected",
		zap.String("entry_id", entry.ID),
		zap.String("order_id", entry.OrderID),
		zap.String("current_status", string(entry.Status)),
		zap.String("requested_status", string(next)))
	return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, entry.Status, next, entry.OrderID)
}
