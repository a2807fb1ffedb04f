// Package x402 defines the on-chain payment proof contract: the proof a
// client supplies, the requirement the verifier checks it against, and the
// typed failures the verifier reports. The engine never inspects transaction
// bytes itself.
package x402

import (
	"context"
	"errors"
	"time"
)

// Verification failures. The verifier returns these (possibly wrapped) so the
// engine can map them to its error taxonomy.
var (
	ErrAmountMismatch    = errors.New("x402: amount mismatch")
	ErrInvalidRecipient  = errors.New("x402: invalid recipient")
	ErrTransactionFailed = errors.New("x402: transaction failed")
)

// PaymentProof is the client-supplied transfer proof.
type PaymentProof struct {
	Signature string `json:"signature"`
	Network   string `json:"network"`
	Payer     string `json:"payer,omitempty"`
}

// Requirement describes the transfer the verifier must prove.
type Requirement struct {
	ResourceID            string
	AtomicAmount          int64
	// Exact forbids overpayment; single-product purchases tolerate tips,
	// carts do not.
	Exact                 bool
	RecipientTokenAccount string
	Network               string
	Decimals              int
}

// VerificationResult is the verifier's view of a confirmed transfer.
type VerificationResult struct {
	Wallet    string
	Amount    int64
	Signature string
	ExpiresAt time.Time
}

// Verifier performs on-chain verification of a payment proof.
type Verifier interface {
	Verify(ctx context.Context, proof PaymentProof, req Requirement) (*VerificationResult, error)
}

// Base58 alphabet used by transfer signatures (no 0, O, I, l).
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Set = func() [256]bool {
	var set [256]bool
	for i := 0; i < len(base58Alphabet); i++ {
		set[base58Alphabet[i]] = true
	}
	return set
}()

// Transfer signatures are 64 bytes, which encode to 87 or 88 base58 chars.
const (
	minSignatureLen = 87
	maxSignatureLen = 88
)

// ValidSignatureFormat rejects malformed signatures before any verification
// call: fixed-length base58, nothing else.
func ValidSignatureFormat(sig string) bool {
	if len(sig) < minSignatureLen || len(sig) > maxSignatureLen {
		return false
	}
	for i := 0; i < len(sig); i++ {
		if !base58Set[sig[i]] {
			return false
		}
	}
	return true
}
