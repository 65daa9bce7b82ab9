package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"harvestpay/ledger"
	"harvestpay/party"
)

// DefaultMaxAttempts caps transfer retries before an instruction is parked
// dead for manual intervention.
const DefaultMaxAttempts = 5

// TransferRequest is what the dispatcher hands to the external transfer
// service. The idempotency key lets the service deduplicate retried calls.
type TransferRequest struct {
	IdempotencyKey string
	Kind           ledger.InstructionKind
	RecipientEmail string
	RecipientName  string
	Amount         decimal.Decimal
}

// TransferClient executes a fund transfer against the external gateway.
type TransferClient interface {
	Transfer(ctx context.Context, req TransferRequest) error
}

// Engine receives dispatch outcomes. Satisfied by *settlement.Engine.
type Engine interface {
	OnTransferConfirmed(ctx context.Context, instr ledger.Instruction) error
	OnTransferFailed(ctx context.Context, instr ledger.Instruction, maxAttempts int, cause string) error
}

// InstructionSource claims dispatchable instructions. Satisfied by
// *ledger.Repository.
type InstructionSource interface {
	ClaimInstruction(ctx context.Context, maxAttempts int) (ledger.Instruction, bool, error)
}

// Dispatcher drains the instruction outbox: claim, resolve the recipient,
// call the transfer service, and report the outcome back to the engine.
type Dispatcher struct {
	source      InstructionSource
	parties     party.ProfileReader
	client      TransferClient
	engine      Engine
	log         *zap.Logger
	maxAttempts int
	interval    time.Duration
}

func NewDispatcher(source InstructionSource, parties party.ProfileReader, client TransferClient, engine Engine, log *zap.Logger, interval time.Duration) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		source:      source,
		parties:     parties,
		client:      client,
		engine:      engine,
		log:         log,
		maxAttempts: DefaultMaxAttempts,
		interval:    interval,
	}
}

// Run drains instructions until the context is cancelled. Between empty
// polls it sleeps for the configured interval.
//
// TODO: reclaim instructions stuck in 'dispatched' after a crash between
// claim and outcome report; today those need a manual status reset.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		dispatched, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.Error("dispatch cycle failed", zap.Error(err))
		}
		if dispatched {
			// Keep draining while work is available.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims and executes at most one instruction. The bool reports
// whether an instruction was claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (bool, error) {
	instr, ok, err := d.source.ClaimInstruction(ctx, d.maxAttempts)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	recipient, err := d.parties.GetByID(ctx, instr.RecipientID)
	if err != nil {
		// Without a recipient profile no transfer can be attempted; count it
		// as a failed attempt so the cap eventually escalates.
		return true, d.engine.OnTransferFailed(ctx, instr, d.maxAttempts, fmt.Sprintf("resolve recipient %s: %v", instr.RecipientID, err))
	}

	req := TransferRequest{
		IdempotencyKey: instr.IdempotencyKey,
		Kind:           instr.Kind,
		RecipientEmail: recipient.PayoutEmail,
		RecipientName:  recipient.FullName,
		Amount:         instr.Amount,
	}

	if err := d.client.Transfer(ctx, req); err != nil {
		return true, d.engine.OnTransferFailed(ctx, instr, d.maxAttempts, err.Error())
	}

	if err := d.engine.OnTransferConfirmed(ctx, instr); err != nil {
		return true, fmt.Errorf("payout: record confirmation for %s: %w", instr.ID, err)
	}

	d.log.Info("disbursement confirmed",
		zap.String("instruction_id", instr.ID),
		zap.String("entry_id", instr.EntryID),
		zap.String("kind", string(instr.Kind)),
		zap.String("amount", instr.Amount.StringFixed(2)))
	return true, nil
}
