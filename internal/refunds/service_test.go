package refunds

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/store"
	"paywall-service/internal/x402"
)

var usdc = money.Asset{Code: "USDC", Decimals: 6, Kind: money.KindFungibleToken}

var (
	purchaseSig = strings.Repeat("2", 87)
	refundSigA  = strings.Repeat("3", 87)
	refundSigB  = strings.Repeat("4", 87)
)

const serverWallet = "server-wallet-1"

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(_ context.Context, proof x402.PaymentProof, req x402.Requirement) (*x402.VerificationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &x402.VerificationResult{
		Wallet:    proof.Payer,
		Amount:    req.AtomicAmount,
		Signature: proof.Signature,
	}, nil
}

type fakeSender struct {
	signature string
	err       error
	calls     int
}

func (f *fakeSender) SendRefund(_ context.Context, _ string, _ *models.RefundQuote) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.signature, nil
}

type fakeNotifier struct {
	events []*models.RefundSucceededEvent
}

func (f *fakeNotifier) RefundSucceeded(_ context.Context, ev *models.RefundSucceededEvent) {
	f.events = append(f.events, ev)
}

type fixture struct {
	svc      *Service
	mem      *store.Memory
	verifier *fakeVerifier
	sender   *fakeSender
	notifier *fakeNotifier
}

func newFixture(mutate func(*Settings)) *fixture {
	f := &fixture{
		mem:      store.NewMemory(),
		verifier: &fakeVerifier{},
		sender:   &fakeSender{signature: refundSigB},
		notifier: &fakeNotifier{},
	}
	settings := Settings{
		Asset:         usdc,
		Network:       "solana-mainnet",
		ServerWallets: []string{serverWallet},
		QuoteTTL:      time.Hour,
		LockTTL:       10 * time.Minute,
	}
	if mutate != nil {
		mutate(&settings)
	}
	f.svc = NewService(f.mem, f.verifier, f.sender, f.notifier, settings)
	return f
}

func (f *fixture) seedPurchase(t *testing.T, atomic int64) {
	t.Helper()
	inserted, err := f.mem.TryRecordPayment(context.Background(), &models.PaymentTransaction{
		Signature:  purchaseSig,
		TenantID:   "t1",
		ResourceID: "prod_a",
		Wallet:     "buyer-wallet",
		Amount:     money.New(usdc, atomic),
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestCreateRefundRequestCumulativeCap(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	// 60 already refunded and executed.
	processed, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 60, "", "damaged")
	require.NoError(t, err)
	_, err = f.svc.Authorize(ctx, "t1", processed.ID, x402.PaymentProof{
		Signature: refundSigA, Network: "solana-mainnet", Payer: serverWallet,
	})
	require.NoError(t, err)

	// 30 pending and unexpired.
	_, err = f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 30, "", "late")
	require.NoError(t, err)

	// 60 + 30 consumed of 100: 20 must be rejected, 10 accepted.
	_, err = f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 20, "", "over")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))

	last, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 10, "", "fits")
	require.NoError(t, err)
	assert.Equal(t, int64(10), last.Amount.Atomic)
}

func TestDeniedRefundFreesRemainder(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	pending, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 80, "", "")
	require.NoError(t, err)

	_, err = f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 40, "", "")
	require.Error(t, err, "80 pending of 100 leaves only 20")

	_, err = f.svc.DenyRefund(ctx, "t1", pending.ID, "admin")
	require.NoError(t, err)

	_, err = f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 40, "", "")
	require.NoError(t, err, "denied quotes stop consuming remainder")
}

func TestExpiredPendingQuoteFreesRemainder(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	now := time.Now().UTC()
	require.NoError(t, f.mem.CreateRefundQuote(ctx, &models.RefundQuote{
		ID: "stale", TenantID: "t1", OriginalPurchaseID: purchaseSig,
		RecipientWallet: "buyer-wallet",
		Amount:          money.New(usdc, 90),
		CreatedAt:       now.Add(-2 * time.Hour),
		ExpiresAt:       now.Add(-time.Hour),
	}))

	_, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 100, "", "")
	require.NoError(t, err)
}

func TestCreateRefundRequestValidation(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	_, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 0, "", "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))

	_, err = f.svc.CreateRefundRequest(ctx, "t1", "unknown-sig", 10, "", "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.NotFound))

	_, err = f.svc.CreateRefundRequest(ctx, "t1", "stripe:sess_1", 10, "", "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation), "card purchases use the card refund queue")
}

func TestAuthorizeRefund(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 50, "", "")
	require.NoError(t, err)
	assert.Equal(t, "buyer-wallet", refund.RecipientWallet, "recipient defaults to the original payer")

	proof := x402.PaymentProof{Signature: refundSigA, Network: "solana-mainnet", Payer: serverWallet}
	done, err := f.svc.Authorize(ctx, "t1", refund.ID, proof)
	require.NoError(t, err)
	assert.True(t, done.Approved())
	assert.Equal(t, refundSigA, *done.Signature)
	assert.Len(t, f.notifier.events, 1)

	// Same proof again: idempotent.
	again, err := f.svc.Authorize(ctx, "t1", refund.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, done.ID, again.ID)
	assert.Len(t, f.notifier.events, 1, "replay publishes nothing")

	// A different proof against the finalized refund conflicts.
	_, err = f.svc.Authorize(ctx, "t1", refund.ID, x402.PaymentProof{
		Signature: refundSigB, Network: "solana-mainnet", Payer: serverWallet,
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))
}

func TestAuthorizeRejectsReusedTransferSignature(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	first, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 30, "", "")
	require.NoError(t, err)
	second, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 30, "", "")
	require.NoError(t, err)

	proof := x402.PaymentProof{Signature: refundSigA, Network: "solana-mainnet", Payer: serverWallet}
	_, err = f.svc.Authorize(ctx, "t1", first.ID, proof)
	require.NoError(t, err)

	// The same outbound transfer cannot close a second refund.
	_, err = f.svc.Authorize(ctx, "t1", second.ID, proof)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))
}

func TestAuthorizeRejectsNetworkMismatch(t *testing.T) {
	ctx := context.Background()

	for _, network := range []string{"", "ethereum-mainnet"} {
		f := newFixture(nil)
		f.seedPurchase(t, 100)
		refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 10, "", "")
		require.NoError(t, err)

		_, err = f.svc.Authorize(ctx, "t1", refund.ID, x402.PaymentProof{
			Signature: refundSigA, Network: network, Payer: serverWallet,
		})
		require.Error(t, err, "network %q must be rejected", network)
		assert.True(t, errcode.Is(err, errcode.Validation))
	}
}

func TestAuthorizeWalletAllowlist(t *testing.T) {
	ctx := context.Background()

	t.Run("unlisted wallet", func(t *testing.T) {
		f := newFixture(nil)
		f.seedPurchase(t, 100)
		refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 10, "", "")
		require.NoError(t, err)

		_, err = f.svc.Authorize(ctx, "t1", refund.ID, x402.PaymentProof{
			Signature: refundSigA, Network: "solana-mainnet", Payer: "attacker-wallet",
		})
		require.Error(t, err)
		assert.True(t, errcode.Is(err, errcode.VerificationFailed))
	})

	t.Run("empty allowlist fails closed", func(t *testing.T) {
		f := newFixture(func(s *Settings) { s.ServerWallets = nil })
		f.seedPurchase(t, 100)
		refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 10, "", "")
		require.NoError(t, err)

		_, err = f.svc.Authorize(ctx, "t1", refund.ID, x402.PaymentProof{
			Signature: refundSigA, Network: "solana-mainnet", Payer: serverWallet,
		})
		require.Error(t, err)
		assert.True(t, errcode.Is(err, errcode.VerificationFailed))
	})
}

func TestAuthorizeExpiredQuote(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	now := time.Now().UTC()
	require.NoError(t, f.mem.CreateRefundQuote(ctx, &models.RefundQuote{
		ID: "old", TenantID: "t1", OriginalPurchaseID: purchaseSig,
		RecipientWallet: "buyer-wallet",
		Amount:          money.New(usdc, 10),
		CreatedAt:       now.Add(-2 * time.Hour),
		ExpiresAt:       now.Add(-time.Hour),
	}))

	_, err := f.svc.Authorize(ctx, "t1", "old", x402.PaymentProof{
		Signature: refundSigA, Network: "solana-mainnet", Payer: serverWallet,
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))
}

func TestProcessRefund(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)

	refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 25, "", "")
	require.NoError(t, err)

	done, err := f.svc.ProcessRefund(ctx, "t1", refund.ID, serverWallet)
	require.NoError(t, err)
	assert.True(t, done.Approved())
	assert.Equal(t, refundSigB, *done.Signature)
	assert.Equal(t, serverWallet, *done.ProcessedBy)
	assert.Equal(t, 1, f.sender.calls)
	assert.Len(t, f.notifier.events, 1)
}

func TestProcessRefundSendFailureKeepsMarker(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)
	f.sender.err = errors.New("rpc unavailable")

	refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 25, "", "")
	require.NoError(t, err)

	_, err = f.svc.ProcessRefund(ctx, "t1", refund.ID, serverWallet)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Internal))

	// The marker survives the failure, so a blind retry cannot trigger a
	// second transfer while the first is unaccounted for.
	marked, err := f.mem.GetRefundQuote(ctx, "t1", refund.ID)
	require.NoError(t, err)
	require.NotNil(t, marked.ProcessedBy)
	assert.False(t, marked.Finalized())

	_, err = f.svc.ProcessRefund(ctx, "t1", refund.ID, serverWallet)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))
	assert.Equal(t, 1, f.sender.calls)
}

func TestProcessRefundRequiresAuthorizedWallet(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.seedPurchase(t, 100)
	refund, err := f.svc.CreateRefundRequest(ctx, "t1", purchaseSig, 25, "", "")
	require.NoError(t, err)

	_, err = f.svc.ProcessRefund(ctx, "t1", refund.ID, "random-wallet")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.VerificationFailed))
	assert.Zero(t, f.sender.calls)
}

func TestCreateStripeRefundRequest(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	inserted, err := f.mem.TryRecordPayment(ctx, &models.PaymentTransaction{
		Signature:  "stripe:sess_1",
		TenantID:   "t1",
		ResourceID: "prod_a",
		Wallet:     "stripe:cus_1",
		Amount:     money.New(money.Asset{Code: "USD", Decimals: 2}, 1000),
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	req, err := f.svc.CreateStripeRefundRequest(ctx, "t1", "stripe:sess_1", 1000, "broken")
	require.NoError(t, err)
	assert.Equal(t, models.StripeRefundPending, req.Status)

	_, err = f.svc.CreateStripeRefundRequest(ctx, "t1", "stripe:sess_1", 500, "again")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict), "one request per purchase")

	_, err = f.svc.CreateStripeRefundRequest(ctx, "t1", purchaseSig, 10, "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))
}
