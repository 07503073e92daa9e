package settlement

import (
	"context"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeSettlement settles trips through PaymentIntent hold/capture/cancel.
// A hold is placed when the rider first requests; completion captures it and
// cancellation releases it.
type StripeSettlement struct {
	Currency string

	mu    sync.Mutex
	holds map[string]string // trip id -> payment intent id
}

// NewStripeSettlement initializes the stripe client with the given API key.
func NewStripeSettlement(apiKey, currency string) *StripeSettlement {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeSettlement{Currency: currency, holds: make(map[string]string)}
}

// TripRequested holds the estimated fare when the rider asks for a trip.
func (s *StripeSettlement) TripRequested(ctx context.Context, tripID string, fare float64) error {
	return s.Hold(ctx, tripID, int64(fare*100), "")
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds for
// a trip. Amount is in the currency's smallest unit.
func (s *StripeSettlement) Hold(ctx context.Context, tripID string, amount int64, customerID string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.holds[tripID] = pi.ID
	s.mu.Unlock()
	return nil
}

func (s *StripeSettlement) intentFor(tripID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[tripID]
	return id, ok
}

func (s *StripeSettlement) TripCompleted(ctx context.Context, tripID, driverID string, fare float64) error {
	id, ok := s.intentFor(tripID)
	if !ok {
		return nil
	}
	amount := int64(fare * 100)
	_, err := paymentintent.Capture(id, &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount),
	})
	return err
}

func (s *StripeSettlement) TripCancelled(ctx context.Context, tripID string) error {
	id, ok := s.intentFor(tripID)
	if !ok {
		return nil
	}
	_, err := paymentintent.Cancel(id, nil)
	return err
}
