package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// TransferRequest moves Amount of the rail's asset from the wallet's account to To.
type TransferRequest struct {
	Currency PaymentCurrency
	Wallet   Wallet
	// From defaults to the wallet's address on the rail's ledger.
	From string
	// To is the owner account of the destination, not a token sub-account.
	To     string
	Amount *big.Rat
	Memo   string

	// Challenge context, echoed to and checked against the payee.
	ProjectID    string
	ClientWallet string
	PlatformFee  *big.Rat
}

// Receipt is the settlement reference of a confirmed transfer.
type Receipt struct {
	Reference string
	Ledger    LedgerID
	From      string
	To        string
	Units     string
}

// Rail moves value on one payment currency variant.
type Rail interface {
	// Preflight checks the payer balance before anything is built or signed.
	Preflight(ctx context.Context, req TransferRequest) error
	// Transfer builds, submits and confirms the transfer.
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}

// FeePolicy captures the native-unit reserve that must remain after a transfer.
type FeePolicy struct {
	NetworkFee *big.Rat
	FeeBuffer  *big.Rat
}

// Reserve returns NetworkFee + FeeBuffer.
func (p FeePolicy) Reserve() *big.Rat {
	out := new(big.Rat)
	if p.NetworkFee != nil {
		out.Add(out, p.NetworkFee)
	}
	if p.FeeBuffer != nil {
		out.Add(out, p.FeeBuffer)
	}
	return out
}

// Router selects the single rail serving a payment currency.
type Router struct {
	native    Rail
	stable    Rail
	challenge map[LedgerID]Rail
	tokens    map[LedgerID]Rail
	backends  map[LedgerID]Backend
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{challenge: map[LedgerID]Rail{}, tokens: map[LedgerID]Rail{}, backends: map[LedgerID]Backend{}}
}

// WithNative registers the native-coin rail.
func (r *Router) WithNative(rail Rail) *Router { r.native = rail; return r }

// WithStable registers the stable-token rail. It also serves primary-ledger payouts.
func (r *Router) WithStable(rail Rail) *Router {
	r.stable = rail
	r.tokens[LedgerPrimary] = rail
	return r
}

// WithTokenPayout registers the direct token rail used for payouts on a ledger.
func (r *Router) WithTokenPayout(ledger LedgerID, rail Rail) *Router {
	r.tokens[ledger] = rail
	return r
}

// WithChallenge registers the challenge/response rail for a ledger.
func (r *Router) WithChallenge(ledger LedgerID, rail Rail) *Router {
	r.challenge[ledger] = rail
	return r
}

// WithBackend registers a ledger backend for status queries.
func (r *Router) WithBackend(b Backend) *Router {
	r.backends[b.ID()] = b
	return r
}

// Rail returns the rail for currency.
func (r *Router) Rail(currency PaymentCurrency) (Rail, error) {
	var rail Rail
	switch currency.Kind {
	case KindNative:
		rail = r.native
	case KindStable:
		rail = r.stable
	case KindChallenge:
		rail = r.challenge[currency.Ledger]
	}
	if rail == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return rail, nil
}

// Payout returns the rail moving funds out of escrow. Challenge-funded escrows pay out
// with a direct token transfer on the same ledger; there is no payee to challenge.
func (r *Router) Payout(currency PaymentCurrency) (Rail, error) {
	var rail Rail
	switch currency.Kind {
	case KindNative:
		rail = r.native
	case KindStable, KindChallenge:
		rail = r.tokens[currency.Ledger]
	}
	if rail == nil {
		return nil, fmt.Errorf("%w: payout for %s", ErrUnsupportedCurrency, currency)
	}
	return rail, nil
}

// Backend returns the ledger backend.
func (r *Router) Backend(ledger LedgerID) (Backend, error) {
	b, ok := r.backends[ledger]
	if !ok {
		return nil, fmt.Errorf("%w: ledger %q", ErrUnsupportedCurrency, ledger)
	}
	return b, nil
}

// Status queries the ledger for a prior settlement reference.
func (r *Router) Status(ctx context.Context, currency PaymentCurrency, reference string) (TxStatus, error) {
	if strings.TrimSpace(reference) == "" {
		return TxNotFound, nil
	}
	b, err := r.Backend(currency.Ledger)
	if err != nil {
		return TxUnknown, err
	}
	return b.Status(ctx, reference)
}

// PaymentVerifier re-checks a challenge payment with its payee.
type PaymentVerifier interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error)
}

// Verify asks the payee behind currency's challenge rail to confirm a payment.
func (r *Router) Verify(ctx context.Context, currency PaymentCurrency, req VerifyRequest) (VerifyResponse, error) {
	if currency.Kind != KindChallenge {
		return VerifyResponse{}, fmt.Errorf("%w: %s has no payee", ErrUnsupportedCurrency, currency)
	}
	rail, err := r.Rail(currency)
	if err != nil {
		return VerifyResponse{}, err
	}
	verifier, ok := rail.(PaymentVerifier)
	if !ok {
		return VerifyResponse{}, fmt.Errorf("%w: %s rail cannot verify", ErrUnsupportedCurrency, currency)
	}
	return verifier.Verify(ctx, req)
}

func resolvePayer(ctx context.Context, req TransferRequest, ledger LedgerID) (string, error) {
	if strings.TrimSpace(req.From) != "" {
		return strings.TrimSpace(req.From), nil
	}
	if req.Wallet == nil {
		return "", fmt.Errorf("settlement: wallet required")
	}
	return req.Wallet.Address(ctx, ledger)
}

func validateRequest(req TransferRequest) error {
	if req.Wallet == nil {
		return fmt.Errorf("settlement: wallet required")
	}
	if strings.TrimSpace(req.To) == "" {
		return fmt.Errorf("settlement: destination required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("settlement: amount must be positive")
	}
	return nil
}
