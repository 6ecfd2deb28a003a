// Package payments adapts the external settlement provider. The engine only
// holds, captures or releases a fare around a trip; everything else about
// payment processing lives outside this system.
package payments

import (
	"context"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-negotiation/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

// Intents is the subset of StripeClient the escrow needs; split out so tests
// can fake it.
type Intents interface {
	Hold(ctx context.Context, amount int64, currency string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Escrow implements the trip tracker's settlement hook: hold the agreed fare
// when the trip starts, capture on completion, release on cancellation.
type Escrow struct {
	client   Intents
	currency string

	mu      sync.Mutex
	intents map[string]string // trip id -> payment intent id
}

func NewEscrow(client Intents, currency string) *Escrow {
	if currency == "" {
		currency = "pkr"
	}
	return &Escrow{client: client, currency: currency, intents: make(map[string]string)}
}

func (e *Escrow) Hold(ctx context.Context, t models.Trip) error {
	id, err := e.client.Hold(ctx, toMinorUnits(t.FinalFare), e.currency)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.intents[t.ID] = id
	e.mu.Unlock()
	return nil
}

func (e *Escrow) Capture(ctx context.Context, t models.Trip) error {
	id, ok := e.take(t.ID)
	if !ok {
		return nil // nothing held, nothing to capture
	}
	return e.client.Capture(ctx, id)
}

func (e *Escrow) Release(ctx context.Context, t models.Trip) error {
	id, ok := e.take(t.ID)
	if !ok {
		return nil
	}
	return e.client.Cancel(ctx, id)
}

func (e *Escrow) take(tripID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.intents[tripID]
	if ok {
		delete(e.intents, tripID)
	}
	return id, ok
}

func toMinorUnits(fare float64) int64 {
	return int64(fare * 100)
}
