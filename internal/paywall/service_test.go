package paywall

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/store"
	"paywall-service/internal/x402"
)

var testAsset = money.Asset{
	Code:     "USDC",
	Decimals: 6,
	Kind:     money.KindFungibleToken,
	Mint:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
}

// Well-formed base58 signatures for proofs.
var (
	sigA = strings.Repeat("2", 87)
	sigB = strings.Repeat("3", 87)
	sigC = strings.Repeat("4", 88)
)

func testSettings() Settings {
	return Settings{
		Asset:                 testAsset,
		Network:               "solana-mainnet",
		RecipientTokenAccount: "merchant-token-account",
		MemoPrefix:            "paywall",
		Rounding:              money.RoundHalfUp,
		QuoteTTL:              15 * time.Minute,
		CommitRetries:         3,
		CommitBackoff:         time.Millisecond,
		CallbackTimeout:       200 * time.Millisecond,
		X402Enabled:           true,
		StripeEnabled:         true,
		CreditsEnabled:        true,
	}
}

// fakeVerifier approves any structurally valid proof by default, echoing the
// required amount, and records the requirement it was handed.
type fakeVerifier struct {
	mu     sync.Mutex
	err    error
	amount *int64
	lastReq x402.Requirement
	calls  int
}

func (f *fakeVerifier) Verify(_ context.Context, proof x402.PaymentProof, req x402.Requirement) (*x402.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	amount := req.AtomicAmount
	if f.amount != nil {
		amount = *f.amount
	}
	wallet := proof.Payer
	if wallet == "" {
		wallet = "wallet-from-chain"
	}
	return &x402.VerificationResult{
		Wallet:    wallet,
		Amount:    amount,
		Signature: proof.Signature,
	}, nil
}

func (f *fakeVerifier) requirement() x402.Requirement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeGateway struct {
	sessions map[string]*CheckoutSession
	err      error
}

func (f *fakeGateway) VerifyCheckoutSession(_ context.Context, _, sessionID string) (*CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, x402.ErrTransactionFailed
	}
	return s, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	nextID   int
	declined bool
	captured map[string]int
	released []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{captured: make(map[string]int)}
}

func (f *fakeLedger) CreateHold(_ context.Context, _, _, _ string, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declined {
		return "", x402.ErrAmountMismatch
	}
	f.nextID++
	return "hold-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeLedger) CaptureHold(_ context.Context, _, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured[holdID]++
	return nil
}

func (f *fakeLedger) ReleaseHold(_ context.Context, _, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, holdID)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*models.PaymentSucceededEvent
}

func (f *fakeNotifier) PaymentSucceeded(_ context.Context, ev *models.PaymentSucceededEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type memoryGrants struct {
	mu     sync.Mutex
	grants map[string]bool
}

func newMemoryGrants() *memoryGrants {
	return &memoryGrants{grants: make(map[string]bool)}
}

func (g *memoryGrants) Remember(_ context.Context, tenantID, resourceID, wallet string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[tenantID+"/"+resourceID+"/"+wallet] = true
	return nil
}

func (g *memoryGrants) Check(_ context.Context, tenantID, resourceID, wallet string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants[tenantID+"/"+resourceID+"/"+wallet], nil
}

type testEngine struct {
	svc      *Service
	mem      *store.Memory
	verifier *fakeVerifier
	gateway  *fakeGateway
	ledger   *fakeLedger
	notifier *fakeNotifier
	grants   *memoryGrants
}

func newTestEngine(mutate func(*Deps, *Settings)) *testEngine {
	te := &testEngine{
		mem:      store.NewMemory(),
		verifier: &fakeVerifier{},
		gateway:  &fakeGateway{sessions: make(map[string]*CheckoutSession)},
		ledger:   newFakeLedger(),
		notifier: &fakeNotifier{},
		grants:   newMemoryGrants(),
	}
	deps := Deps{
		Store:    te.mem,
		Verifier: te.verifier,
		Gateway:  te.gateway,
		Ledger:   te.ledger,
		Notifier: te.notifier,
		Grants:   te.grants,
	}
	settings := testSettings()
	if mutate != nil {
		mutate(&deps, &settings)
	}
	te.svc = NewService(deps, settings)
	return te
}

func usdcProduct(id string, atomic int64, stock *int64) *models.Product {
	price := money.New(testAsset, atomic)
	return &models.Product{
		ID:                id,
		TenantID:          "t1",
		Name:              id,
		Active:            true,
		CryptoPrice:       &price,
		InventoryQuantity: stock,
		InventoryPolicy:   models.InventoryPolicyStrict,
	}
}

func int64p(v int64) *int64 { return &v }
