// Package gateway holds HTTP clients for the external payment collaborators:
// the card processor and the prepaid-credits ledger.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paywall-service/internal/paywall"
)

const stripeAPIBase = "https://api.stripe.com/v1"

// StripeGateway verifies checkout sessions against the Stripe API.
type StripeGateway struct {
	apiKey string
	client *http.Client
}

// NewStripeGateway creates a gateway using the given secret API key.
func NewStripeGateway(apiKey string) *StripeGateway {
	return &StripeGateway{
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type stripeSession struct {
	ID                string            `json:"id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// VerifyCheckoutSession fetches the session from Stripe. The session's
// client_reference_id carries the resource it was created for; wallet and
// user identity travel in session metadata.
func (g *StripeGateway) VerifyCheckoutSession(ctx context.Context, tenantID, sessionID string) (*paywall.CheckoutSession, error) {
	url := fmt.Sprintf("%s/checkout/sessions/%s", stripeAPIBase, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("checkout session %s not found", sessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stripe returned status %d", resp.StatusCode)
	}

	var session stripeSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode stripe session: %w", err)
	}

	return &paywall.CheckoutSession{
		ID:          session.ID,
		Paid:        session.PaymentStatus == "paid",
		ResourceID:  session.ClientReferenceID,
		Wallet:      session.Metadata["wallet"],
		CustomerID:  session.Customer,
		UserID:      session.Metadata["user_id"],
		AmountCents: session.AmountTotal,
		Currency:    session.Currency,
	}, nil
}
