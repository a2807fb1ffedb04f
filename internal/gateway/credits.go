package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CreditsClient talks to the prepaid-balance ledger service. The ledger owns
// balances; this service only places, captures and releases holds against it.
type CreditsClient struct {
	baseURL string
	client  *http.Client
}

// NewCreditsClient creates a ledger client for the service at baseURL.
func NewCreditsClient(baseURL string) *CreditsClient {
	return &CreditsClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type createHoldRequest struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AtomicAmount   int64  `json:"atomic_amount"`
	AssetCode      string `json:"asset_code"`
}

type createHoldResponse struct {
	HoldID string `json:"hold_id"`
}

// CreateHold places a hold on the user's balance. The ledger deduplicates on
// the idempotency key, so retried quote requests reuse the same hold.
func (c *CreditsClient) CreateHold(ctx context.Context, tenantID, userID, idempotencyKey string, atomicAmount int64, assetCode string) (string, error) {
	body, err := json.Marshal(createHoldRequest{
		TenantID:       tenantID,
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		AtomicAmount:   atomicAmount,
		AssetCode:      assetCode,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal hold request: %w", err)
	}

	resp, err := c.post(ctx, "/holds", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var out createHoldResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode ledger response: %w", err)
	}
	if out.HoldID == "" {
		return "", fmt.Errorf("ledger returned no hold id")
	}
	return out.HoldID, nil
}

// CaptureHold converts a hold into a permanent deduction. The ledger treats
// capturing an already-captured hold as success, which keeps settlement
// retries safe.
func (c *CreditsClient) CaptureHold(ctx context.Context, tenantID, holdID string) error {
	return c.holdAction(ctx, tenantID, holdID, "capture")
}

// ReleaseHold returns held funds to the user's balance.
func (c *CreditsClient) ReleaseHold(ctx context.Context, tenantID, holdID string) error {
	return c.holdAction(ctx, tenantID, holdID, "release")
}

func (c *CreditsClient) holdAction(ctx context.Context, tenantID, holdID, action string) error {
	body, err := json.Marshal(map[string]string{"tenant_id": tenantID})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", action, err)
	}

	resp, err := c.post(ctx, fmt.Sprintf("/holds/%s/%s", holdID, action), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger %s returned status %d", action, resp.StatusCode)
	}
	return nil
}

func (c *CreditsClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	return resp, nil
}
