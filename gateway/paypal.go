package gateway

import (
	"context"
	"fmt"

	"github.com/plutov/paypal/v4"

	"harvestpay/ledger"
	"harvestpay/payout"
)

// PayPalConfig carries the credentials and mode for the payouts API.
type PayPalConfig struct {
	ClientID string
	Secret   string
	Live     bool
	Currency string
}

// PayPalClient executes disbursements through the PayPal Payouts API. The
// instruction's idempotency key doubles as the sender batch id so PayPal
// rejects duplicate submissions of the same disbursement.
type PayPalClient struct {
	client   *paypal.Client
	currency string
}

func NewPayPalClient(ctx context.Context, cfg PayPalConfig) (*PayPalClient, error) {
	base := paypal.APIBaseSandBox
	if cfg.Live {
		base = paypal.APIBaseLive
	}

	c, err := paypal.NewClient(cfg.ClientID, cfg.Secret, base)
	if err != nil {
		return nil, fmt.Errorf("gateway: new paypal client: %w", err)
	}
	if _, err := c.GetAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("gateway: paypal access token: %w", err)
	}

	currency := cfg.Currency
	if currency == "" {
		currency = "USD"
	}
	return &PayPalClient{client: c, currency: currency}, nil
}

// Transfer submits a single payout item for the instruction.
func (p *PayPalClient) Transfer(ctx context.Context, req payout.TransferRequest) error {
	note := "HarvestPay escrow payout"
	if req.Kind == ledger.KindRefund {
		note = "HarvestPay escrow refund"
	}

	batch := paypal.Payout{
		SenderBatchHeader: &paypal.SenderBatchHeader{
			SenderBatchID: req.IdempotencyKey,
			EmailSubject:  note,
		},
		Items: []paypal.PayoutItem{
			{
				RecipientType: "EMAIL",
				Receiver:      req.RecipientEmail,
				Amount: &paypal.AmountPayout{
					Value:    req.Amount.StringFixed(2),
					Currency: p.currency,
				},
				Note:         note,
				SenderItemID: req.IdempotencyKey,
			},
		},
	}

	if _, err := p.client.CreatePayout(ctx, batch); err != nil {
		return fmt.Errorf("gateway: paypal payout %s: %w", req.IdempotencyKey, err)
	}
	return nil
}
