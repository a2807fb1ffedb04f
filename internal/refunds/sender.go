package refunds

import (
	"context"
	"fmt"

	"paywall-service/internal/models"
)

// TransferClient executes outbound transfers from the server wallet. The
// facilitator client satisfies it.
type TransferClient interface {
	SendTransfer(ctx context.Context, recipientTokenAccount string, atomicAmount int64, memo string) (string, error)
}

// FacilitatorSender adapts a transfer client to the Sender contract, tagging
// each transfer with a refund memo so the on-chain record points back at the
// refund row.
type FacilitatorSender struct {
	client     TransferClient
	memoPrefix string
}

// NewFacilitatorSender creates a sender backed by the given transfer client.
func NewFacilitatorSender(client TransferClient, memoPrefix string) *FacilitatorSender {
	return &FacilitatorSender{client: client, memoPrefix: memoPrefix}
}

// SendRefund executes the refund transfer and returns its signature.
func (s *FacilitatorSender) SendRefund(ctx context.Context, tenantID string, refund *models.RefundQuote) (string, error) {
	memo := fmt.Sprintf("%s:refund_%s", s.memoPrefix, refund.ID)
	sig, err := s.client.SendTransfer(ctx, refund.RecipientWallet, refund.Amount.Atomic, memo)
	if err != nil {
		return "", fmt.Errorf("refund transfer failed: %w", err)
	}
	return sig, nil
}
