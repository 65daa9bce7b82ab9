package settlement

import "harvestpay/ledger"

// Settlement event types recorded on the entry timeline.
const (
	EventEscrowCreated     = "ESCROW_CREATED"
	EventUpfrontHeld       = "UPFRONT_HELD"
	EventRemainingReleased = "REMAINING_RELEASED"
	EventDisputeRaised     = "DISPUTE_RAISED"
	EventDisputeResolved   = "DISPUTE_RESOLVED"
	EventWindowExpired     = "DELIVERY_WINDOW_EXPIRED"
	EventTransferConfirmed = "TRANSFER_CONFIRMED"
	EventTransferFailed    = "TRANSFER_FAILED"
)

// AutoFlagReason is recorded when the delivery window lapses without a
// confirmation or a dispute.
const AutoFlagReason = "auto-flagged: delivery window expired"

// transitions is the directed edge set of the escrow status graph. Terminal
// states have no outgoing edges.
var transitions = map[ledger.Status][]ledger.Status{
	ledger.StatusPending:           {ledger.StatusUpfrontHeld},
	ledger.StatusUpfrontHeld:       {ledger.StatusRemainingReleased, ledger.StatusDisputed},
	ledger.StatusRemainingReleased: {ledger.StatusCompleted},
	ledger.StatusDisputed:          {ledger.StatusRefunded, ledger.StatusRemainingReleased},
	ledger.StatusRefunded:          nil,
	ledger.StatusCompleted:         nil,
}

// allowed reports whether the status graph contains the edge from -> next.
func allowed(from, next ledger.Status) bool {
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}
