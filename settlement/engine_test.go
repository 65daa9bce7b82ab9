package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"harvestpay/ledger"
)

func newTestEngine() (*Engine, *fakeLedger, *fakePool) {
	repo := newFakeLedger()
	pool := &fakePool{}
	return NewEngine(pool, repo, nil, 72*time.Hour), repo, pool
}

func confirmPayment(t *testing.T, e *Engine, orderID, ref string) ledger.Entry {
	t.Helper()
	entry, err := e.OnPaymentConfirmed(context.Background(), PaymentConfirmed{
		OrderID:     orderID,
		BuyerID:     "buyer-1",
		FarmerID:    "farmer-1",
		TotalAmount: decimal.RequireFromString("100.00"),
		PaymentRef:  ref,
	})
	if err != nil {
		t.Fatalf("OnPaymentConfirmed: %v", err)
	}
	return entry
}

func TestPaymentConfirmedCreatesEntryWithSplit(t *testing.T) {
	engine, repo, _ := newTestEngine()

	entry := confirmPayment(t, engine, "order-1", "pay-1")

	if entry.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want pending", entry.Status)
	}
	if got := entry.UpfrontAmount.StringFixed(2); got != "30.00" {
		t.Errorf("upfront = %s, want 30.00", got)
	}
	if got := entry.RemainingAmount.StringFixed(2); got != "70.00" {
		t.Errorf("remaining = %s, want 70.00", got)
	}
	if types := repo.eventTypes(entry.ID); len(types) != 1 || types[0] != EventEscrowCreated {
		t.Errorf("events = %v, want [%s]", types, EventEscrowCreated)
	}
}

func TestPaymentConfirmedIsIdempotent(t *testing.T) {
	engine, repo, _ := newTestEngine()

	first := confirmPayment(t, engine, "order-1", "pay-1")

	// Same payment reference replayed.
	replay := confirmPayment(t, engine, "order-1", "pay-1")
	if replay.ID != first.ID {
		t.Fatalf("replay produced a different entry: %s vs %s", replay.ID, first.ID)
	}

	// A second confirmation event for the same order with a fresh reference.
	dup := confirmPayment(t, engine, "order-1", "pay-2")
	if dup.ID != first.ID {
		t.Fatalf("duplicate confirmation produced a different entry")
	}

	if len(repo.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(repo.entries))
	}
	if types := repo.eventTypes(first.ID); len(types) != 1 {
		t.Fatalf("creation event recorded %d times", len(types))
	}
}

func TestPaymentConfirmedValidation(t *testing.T) {
	engine, _, _ := newTestEngine()

	_, err := engine.OnPaymentConfirmed(context.Background(), PaymentConfirmed{
		OrderID: "order-1", BuyerID: "b", FarmerID: "f",
		TotalAmount: decimal.RequireFromString("-5.00"), PaymentRef: "pay-1",
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("negative total: err = %v, want ErrBadRequest", err)
	}

	_, err = engine.OnPaymentConfirmed(context.Background(), PaymentConfirmed{
		OrderID: "order-1", BuyerID: "b", FarmerID: "f",
		TotalAmount: decimal.RequireFromString("10.00"),
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("missing payment ref: err = %v, want ErrBadRequest", err)
	}
}

func TestHappyPathThroughCompletion(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")

	entry, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1")
	if err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}
	if entry.Status != ledger.StatusUpfrontHeld {
		t.Fatalf("status = %s, want upfront_held", entry.Status)
	}
	if entry.PaymentRef == nil || *entry.PaymentRef != "pay-1" {
		t.Errorf("payment ref not recorded")
	}

	entry, err = engine.OnDeliveryConfirmed(ctx, "order-1")
	if err != nil {
		t.Fatalf("OnDeliveryConfirmed: %v", err)
	}
	if entry.Status != ledger.StatusRemainingReleased {
		t.Fatalf("status = %s, want remaining_released", entry.Status)
	}

	instrs := repo.instructionsFor(entry.ID)
	if len(instrs) != 1 {
		t.Fatalf("instructions = %d, want 1", len(instrs))
	}
	payout := instrs[0]
	if payout.Kind != ledger.KindPayout {
		t.Fatalf("kind = %s, want payout", payout.Kind)
	}
	if got := payout.Amount.StringFixed(2); got != "70.00" {
		t.Errorf("payout amount = %s, want 70.00", got)
	}
	if payout.RecipientID != "farmer-1" {
		t.Errorf("payout recipient = %s, want farmer-1", payout.RecipientID)
	}

	if err := engine.OnTransferConfirmed(ctx, payout); err != nil {
		t.Fatalf("OnTransferConfirmed: %v", err)
	}
	final, err := engine.GetEscrowByOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("GetEscrowByOrder: %v", err)
	}
	if final.Status != ledger.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestDisputeResolvedForBuyerRefunds(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}

	disputed, err := engine.OnDisputeRaised(ctx, "order-1", "item damaged")
	if err != nil {
		t.Fatalf("OnDisputeRaised: %v", err)
	}
	if disputed.Status != ledger.StatusDisputed {
		t.Fatalf("status = %s, want disputed", disputed.Status)
	}
	if disputed.DisputeReason == nil || *disputed.DisputeReason != "item damaged" {
		t.Fatalf("dispute reason not recorded")
	}

	resolved, err := engine.OnDisputeResolved(ctx, "order-1", PartyBuyer)
	if err != nil {
		t.Fatalf("OnDisputeResolved: %v", err)
	}
	if resolved.Status != ledger.StatusRefunded {
		t.Fatalf("status = %s, want refunded", resolved.Status)
	}

	instrs := repo.instructionsFor(entry.ID)
	if len(instrs) != 1 {
		t.Fatalf("instructions = %d, want exactly 1", len(instrs))
	}
	refund := instrs[0]
	if refund.Kind != ledger.KindRefund {
		t.Fatalf("kind = %s, want refund", refund.Kind)
	}
	if got := refund.Amount.StringFixed(2); got != "30.00" {
		t.Errorf("refund amount = %s, want 30.00 (held upfront)", got)
	}
	if refund.RecipientID != "buyer-1" {
		t.Errorf("refund recipient = %s, want buyer-1", refund.RecipientID)
	}

	// Refund confirmation leaves the terminal status untouched.
	if err := engine.OnTransferConfirmed(ctx, refund); err != nil {
		t.Fatalf("OnTransferConfirmed: %v", err)
	}
	final, _ := engine.GetEscrowByOrder(ctx, "order-1")
	if final.Status != ledger.StatusRefunded {
		t.Fatalf("status = %s, want refunded after confirmation", final.Status)
	}
}

func TestDisputeResolvedForFarmerReleases(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}
	if _, err := engine.OnDisputeRaised(ctx, "order-1", "late delivery"); err != nil {
		t.Fatalf("OnDisputeRaised: %v", err)
	}

	resolved, err := engine.OnDisputeResolved(ctx, "order-1", PartyFarmer)
	if err != nil {
		t.Fatalf("OnDisputeResolved: %v", err)
	}
	if resolved.Status != ledger.StatusRemainingReleased {
		t.Fatalf("status = %s, want remaining_released", resolved.Status)
	}

	instrs := repo.instructionsFor(entry.ID)
	if len(instrs) != 1 || instrs[0].Kind != ledger.KindPayout {
		t.Fatalf("want exactly one payout instruction, got %v", instrs)
	}
}

func TestDisputeRequiresReason(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}

	if _, err := engine.OnDisputeRaised(ctx, "order-1", ""); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if _, err := engine.OnDisputeResolved(ctx, "order-1", Party("arbiter")); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest for unknown party", err)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")

	// Delivery confirmation straight from pending is not an outgoing edge.
	_, err := engine.OnDeliveryConfirmed(ctx, "order-1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	after, _ := engine.GetEscrowByOrder(ctx, "order-1")
	if after.Status != ledger.StatusPending {
		t.Fatalf("status mutated to %s by invalid transition", after.Status)
	}
	if len(repo.instructionsFor(entry.ID)) != 0 {
		t.Fatalf("invalid transition emitted instructions")
	}
	if types := repo.eventTypes(entry.ID); len(types) != 1 {
		t.Fatalf("invalid transition appended events: %v", types)
	}
}

func TestStaleWriterReEvaluates(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}

	// A dispute lands between this writer's read and its conditional update.
	reason := "item damaged"
	repo.forceStaleOnce = true
	repo.raceStatus = ledger.StatusDisputed
	repo.raceReason = &reason

	_, err := engine.OnDeliveryConfirmed(ctx, "order-1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition after losing race", err)
	}

	after, _ := engine.GetEscrowByOrder(ctx, "order-1")
	if after.Status != ledger.StatusDisputed {
		t.Fatalf("status = %s, want disputed (race winner)", after.Status)
	}
	if after.DisputeReason == nil || *after.DisputeReason != "item damaged" {
		t.Fatalf("race winner's reason lost")
	}
}

func TestStaleWriterNoOpWhenTargetReached(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}

	// A concurrent identical event already applied the transition.
	repo.forceStaleOnce = true
	repo.raceStatus = ledger.StatusRemainingReleased

	entry, err := engine.OnDeliveryConfirmed(ctx, "order-1")
	if err != nil {
		t.Fatalf("err = %v, want no-op nil", err)
	}
	if entry.Status != ledger.StatusRemainingReleased {
		t.Fatalf("status = %s", entry.Status)
	}
}

func TestTransferConfirmedReplayIsNoOp(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}
	if _, err := engine.OnDeliveryConfirmed(ctx, "order-1"); err != nil {
		t.Fatalf("OnDeliveryConfirmed: %v", err)
	}

	payout := repo.instructionsFor(entry.ID)[0]
	if err := engine.OnTransferConfirmed(ctx, payout); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}

	confirmEvents := 0
	for _, typ := range repo.eventTypes(entry.ID) {
		if typ == EventTransferConfirmed {
			confirmEvents++
		}
	}

	if err := engine.OnTransferConfirmed(ctx, payout); err != nil {
		t.Fatalf("replayed confirmation: %v", err)
	}

	replayed := 0
	for _, typ := range repo.eventTypes(entry.ID) {
		if typ == EventTransferConfirmed {
			replayed++
		}
	}
	if replayed != confirmEvents {
		t.Fatalf("replay appended another confirmation event")
	}
}

func TestTransferFailureKeepsEntryState(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}
	if _, err := engine.OnDeliveryConfirmed(ctx, "order-1"); err != nil {
		t.Fatalf("OnDeliveryConfirmed: %v", err)
	}

	instr := repo.instructionsFor(entry.ID)[0]
	for i := 0; i < 5; i++ {
		if err := engine.OnTransferFailed(ctx, instr, 5, "gateway timeout"); err != nil {
			t.Fatalf("OnTransferFailed: %v", err)
		}
	}

	after, _ := engine.GetEscrowByOrder(ctx, "order-1")
	if after.Status != ledger.StatusRemainingReleased {
		t.Fatalf("status = %s, entry must never advance without confirmation", after.Status)
	}
	final := repo.instructionsFor(entry.ID)[0]
	if final.Status != ledger.InstructionDead {
		t.Fatalf("instruction status = %s, want dead after retry cap", final.Status)
	}
	if final.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", final.Attempts)
	}
}

func TestExpirySweepIsIdempotent(t *testing.T) {
	engine, repo, _ := newTestEngine()
	ctx := context.Background()

	entry := confirmPayment(t, engine, "order-1", "pay-1")
	if _, err := engine.OnUpfrontSettled(ctx, "order-1", "pay-1"); err != nil {
		t.Fatalf("OnUpfrontSettled: %v", err)
	}
	// Age the entry past the delivery window.
	repo.entries["order-1"].UpdatedAt = time.Now().Add(-80 * time.Hour)

	flagged, err := engine.OnExpirySweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("flagged = %d, want 1", flagged)
	}

	after, _ := engine.GetEscrowByOrder(ctx, "order-1")
	if after.Status != ledger.StatusDisputed {
		t.Fatalf("status = %s, want disputed", after.Status)
	}
	if after.DisputeReason == nil || *after.DisputeReason != AutoFlagReason {
		t.Fatalf("reason = %v, want auto-flag reason", after.DisputeReason)
	}

	flagged, err = engine.OnExpirySweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if flagged != 0 {
		t.Fatalf("second sweep flagged %d entries, want 0", flagged)
	}

	disputeEvents := 0
	for _, typ := range repo.eventTypes(entry.ID) {
		if typ == EventWindowExpired {
			disputeEvents++
		}
	}
	if disputeEvents != 1 {
		t.Fatalf("window-expired events = %d, want 1", disputeEvents)
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []ledger.Status{ledger.StatusRefunded, ledger.StatusCompleted} {
		for _, next := range []ledger.Status{
			ledger.StatusPending, ledger.StatusUpfrontHeld, ledger.StatusRemainingReleased,
			ledger.StatusDisputed, ledger.StatusRefunded, ledger.StatusCompleted,
		} {
			if from == next {
				continue
			}
			if allowed(from, next) {
				t.Errorf("terminal state %s has outgoing edge to %s", from, next)
			}
		}
	}
}
