package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of an escrow entry.
type Status string

const (
	StatusPending           Status = "pending"
	StatusUpfrontHeld       Status = "upfront_held"
	StatusRemainingReleased Status = "remaining_released"
	StatusDisputed          Status = "disputed"
	StatusRefunded          Status = "refunded"
	StatusCompleted         Status = "completed"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusCompleted
}

// Entry mirrors the escrow_entries table. One entry exists per order; the
// settlement engine is its sole writer.
type Entry struct {
	ID              string
	OrderID         string
	BuyerID         string
	FarmerID        string
	TotalAmount     decimal.Decimal
	UpfrontAmount   decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          Status
	DisputeReason   *string
	PaymentRef      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InstructionKind discriminates disbursement directions.
type InstructionKind string

const (
	KindPayout InstructionKind = "payout"
	KindRefund InstructionKind = "refund"
)

// InstructionStatus tracks dispatch progress of a disbursement instruction.
type InstructionStatus string

const (
	InstructionPending    InstructionStatus = "pending"
	InstructionDispatched InstructionStatus = "dispatched"
	InstructionConfirmed  InstructionStatus = "confirmed"
	InstructionFailed     InstructionStatus = "failed"
	InstructionDead       InstructionStatus = "dead"
)

// Instruction mirrors the instructions table: a disbursement request emitted
// by the engine and consumed by the payout dispatcher.
type Instruction struct {
	ID             string
	EntryID        string
	Kind           InstructionKind
	RecipientID    string
	Amount         decimal.Decimal
	IdempotencyKey string
	Status         InstructionStatus
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams enumerates the fields required to open an escrow entry.
type CreateParams struct {
	OrderID         string
	BuyerID         string
	FarmerID        string
	TotalAmount     decimal.Decimal
	UpfrontAmount   decimal.Decimal
	RemainingAmount decimal.Decimal
}

// UpdateFields carries optional column writes applied alongside a status
// transition. Nil fields are left untouched.
type UpdateFields struct {
	DisputeReason *string
	PaymentRef    *string
}

// InstructionParams enumerates the fields required to emit an instruction.
type InstructionParams struct {
	EntryID     string
	Kind        InstructionKind
	RecipientID string
	Amount      decimal.Decimal
}
