package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FacilitatorClient verifies payment proofs against a facilitator service.
// The facilitator owns all chain access; this client just ships the proof and
// the expected transfer shape and maps the response onto the verification
// sentinels.
type FacilitatorClient struct {
	baseURL string
	client  *http.Client
}

// NewFacilitatorClient creates a verifier backed by the facilitator at baseURL.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type verifyRequest struct {
	Signature             string `json:"signature"`
	Network               string `json:"network"`
	Payer                 string `json:"payer,omitempty"`
	ResourceID            string `json:"resource_id"`
	AtomicAmount          int64  `json:"atomic_amount"`
	Exact                 bool   `json:"exact"`
	RecipientTokenAccount string `json:"recipient_token_account"`
	Decimals              int    `json:"decimals"`
}

type verifyResponse struct {
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	Wallet    string    `json:"wallet,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Verify submits the proof for on-chain verification.
func (c *FacilitatorClient) Verify(ctx context.Context, proof PaymentProof, req Requirement) (*VerificationResult, error) {
	body, err := json.Marshal(verifyRequest{
		Signature:             proof.Signature,
		Network:               proof.Network,
		Payer:                 proof.Payer,
		ResourceID:            req.ResourceID,
		AtomicAmount:          req.AtomicAmount,
		Exact:                 req.Exact,
		RecipientTokenAccount: req.RecipientTokenAccount,
		Decimals:              req.Decimals,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator returned status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode facilitator response: %w", err)
	}

	if !out.Valid {
		switch out.Reason {
		case "amount_mismatch":
			return nil, ErrAmountMismatch
		case "invalid_recipient":
			return nil, ErrInvalidRecipient
		default:
			return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, out.Reason)
		}
	}

	return &VerificationResult{
		Wallet:    out.Wallet,
		Amount:    out.Amount,
		Signature: proof.Signature,
		ExpiresAt: out.ExpiresAt,
	}, nil
}

type transferRequest struct {
	RecipientTokenAccount string `json:"recipient_token_account"`
	AtomicAmount          int64  `json:"atomic_amount"`
	Memo                  string `json:"memo,omitempty"`
}

type transferResponse struct {
	Signature string `json:"signature"`
}

// SendTransfer asks the facilitator to execute an outbound transfer from the
// server wallet and returns the transfer signature.
func (c *FacilitatorClient) SendTransfer(ctx context.Context, recipientTokenAccount string, atomicAmount int64, memo string) (string, error) {
	body, err := json.Marshal(transferRequest{
		RecipientTokenAccount: recipientTokenAccount,
		AtomicAmount:          atomicAmount,
		Memo:                  memo,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("facilitator returned status %d", resp.StatusCode)
	}

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	if out.Signature == "" {
		return "", fmt.Errorf("facilitator returned no transfer signature")
	}
	return out.Signature, nil
}
