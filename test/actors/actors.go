package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"harvestpay/payout"
	"harvestpay/settlement"
)

// Actors drive the settlement engine concurrently over a shared set of
// orders. Logic violations are detected by the oracle queries, not by the
// actors, so every actor tolerates rejected events (invalid transitions,
// stale retries) and transient storage errors and keeps hammering.

// PaymentConfirmer replays payment confirmations, including duplicates with
// the same payment reference, to contend on entry creation.
func PaymentConfirmer(ctx context.Context, engine *settlement.Engine, orders []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		orderID := orders[rand.Intn(len(orders))]
		_, _ = engine.OnPaymentConfirmed(ctx, settlement.PaymentConfirmed{
			OrderID:     orderID,
			BuyerID:     "buyer-" + orderID,
			FarmerID:    "farmer-" + orderID,
			TotalAmount: decimal.NewFromInt(int64(10 + rand.Intn(990))),
			PaymentRef:  fmt.Sprintf("pay-%s-%d", orderID, rand.Intn(3)),
		})
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Lifecycler pushes entries forward: settles upfront payments and confirms
// deliveries, racing the disputer and the sweeper for the same entries.
func Lifecycler(ctx context.Context, engine *settlement.Engine, orders []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		orderID := orders[rand.Intn(len(orders))]
		if rand.Intn(2) == 0 {
			_, _ = engine.OnUpfrontSettled(ctx, orderID, "pay-"+orderID)
		} else {
			_, _ = engine.OnDeliveryConfirmed(ctx, orderID)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Disputer raises disputes against held entries and resolves existing ones,
// alternating winners so both disbursement directions are exercised.
func Disputer(ctx context.Context, engine *settlement.Engine, orders []string, stop <-chan struct{}) error {
	winners := []settlement.Party{settlement.PartyBuyer, settlement.PartyFarmer}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		orderID := orders[rand.Intn(len(orders))]
		if rand.Intn(2) == 0 {
			_, _ = engine.OnDisputeRaised(ctx, orderID, "stress: quality contested")
		} else {
			_, _ = engine.OnDisputeResolved(ctx, orderID, winners[rand.Intn(2)])
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Sweeper runs the expiry sweep in a loop; with the short stress window it
// races delivery confirmations on the same entries.
func Sweeper(ctx context.Context, engine *settlement.Engine, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = engine.OnExpirySweep(ctx, time.Now())
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// DispatchWorker drains the instruction outbox through a flaky transfer
// client so retries, dead-lettering, and replayed confirmations all occur.
func DispatchWorker(ctx context.Context, d *payout.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// FlakyTransfer fails a configurable share of transfers to exercise the
// retry and escalation paths.
type FlakyTransfer struct {
	FailPercent int
}

func (f *FlakyTransfer) Transfer(_ context.Context, _ payout.TransferRequest) error {
	if rand.Intn(100) < f.FailPercent {
		return errors.New("stress: simulated gateway failure")
	}
	return nil
}
