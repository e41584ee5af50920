package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/example/rider-agent/internal/models"
)

// TransferFunc creates a Stripe transfer. Swapped out in tests.
type TransferFunc func(params *stripe.TransferParams) (*stripe.Transfer, error)

// StripePayouts moves a recorded earning to the rider's connected account.
type StripePayouts struct {
	account  string
	currency string
	create   TransferFunc
}

// NewStripePayouts configures the global stripe key and returns a payer for
// the given connected account.
func NewStripePayouts(apiKey, account, currency string) *StripePayouts {
	stripe.Key = apiKey
	return &StripePayouts{account: account, currency: currency, create: transfer.New}
}

// Payout transfers e.Amount (major units) to the rider. The idempotency key is
// derived from the order so a retried completion never pays twice.
func (s *StripePayouts) Payout(ctx context.Context, e models.Earning) (string, error) {
	if s.account == "" {
		return "", fmt.Errorf("payout %s: no connected account configured", e.OrderID)
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(minorUnits(e.Amount)),
		Currency:      stripe.String(s.currency),
		Destination:   stripe.String(s.account),
		TransferGroup: stripe.String("order-" + e.OrderID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout-" + e.OrderID)
	params.AddMetadata("order_id", e.OrderID)
	params.AddMetadata("kind", string(e.Kind))
	tr, err := s.create(params)
	if err != nil {
		return "", fmt.Errorf("payout %s: %w", e.OrderID, err)
	}
	return tr.ID, nil
}

func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
