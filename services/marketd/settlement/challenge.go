package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PaymentIntent is posted to the payee to obtain a challenge.
type PaymentIntent struct {
	ProjectID    string `json:"projectId"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ClientWallet string `json:"clientWallet"`
	Recipient    string `json:"recipient,omitempty"`
	Network      string `json:"network"`
	PlatformFee  string `json:"platformFee,omitempty"`
}

// PaymentChallenge is the 402 body returned by the payee.
type PaymentChallenge struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Recipient    string `json:"recipient"`
	Network      string `json:"network"`
	Mint         string `json:"mint"`
	ProjectID    string `json:"projectId"`
	ClientWallet string `json:"clientWallet"`
	PlatformFee  string `json:"platformFee"`
	Message      string `json:"message"`
}

// VerifyRequest asks the payee to check a submitted transfer against its challenge.
type VerifyRequest struct {
	Signature    string `json:"signature"`
	ProjectID    string `json:"projectId"`
	Network      string `json:"network"`
	ClientWallet string `json:"clientWallet"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient"`
	Mint         string `json:"mint"`
}

// VerifyResponse is the payee's verdict. Payment is accepted only when both flags are set.
type VerifyResponse struct {
	Success  bool   `json:"success"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// ChallengeConfig configures the challenge/response rail for one ledger.
type ChallengeConfig struct {
	PayeeURL string
	Ledger   LedgerID
	Token    StableToken
	Fees     FeePolicy
	Confirm  ConfirmPolicy
}

// ChallengeRail pays a 402 challenge in the stable token and has the payee verify it.
type ChallengeRail struct {
	client   HTTPDoer
	payeeURL string
	cfg      ChallengeConfig
	ledger   Backend
	resolver TokenAccountResolver
	evm      *EVMLedger
	prober   BalanceProber
}

// NewPrimaryChallengeRail runs the protocol over the primary ledger.
func NewPrimaryChallengeRail(client HTTPDoer, ledger Backend, resolver TokenAccountResolver, prober BalanceProber, cfg ChallengeConfig) *ChallengeRail {
	cfg.Ledger = LedgerPrimary
	return &ChallengeRail{client: client, payeeURL: strings.TrimRight(cfg.PayeeURL, "/"), cfg: cfg, ledger: ledger, resolver: resolver, prober: prober}
}

// NewEVMChallengeRail runs the protocol over the secondary ledger.
func NewEVMChallengeRail(client HTTPDoer, ledger *EVMLedger, prober BalanceProber, cfg ChallengeConfig) *ChallengeRail {
	cfg.Ledger = LedgerEVM
	return &ChallengeRail{client: client, payeeURL: strings.TrimRight(cfg.PayeeURL, "/"), cfg: cfg, ledger: ledger, evm: ledger, prober: prober}
}

// Preflight checks token and fee balances on the rail's ledger.
func (r *ChallengeRail) Preflight(ctx context.Context, req TransferRequest) error {
	payer, err := resolvePayer(ctx, req, r.cfg.Ledger)
	if err != nil {
		return err
	}
	return preflightToken(ctx, r.prober, r.ledger, payer, r.cfg.Token, req.Amount, r.cfg.Fees)
}

// Transfer performs the full challenge, pay and verify exchange.
func (r *ChallengeRail) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if req.Wallet == nil {
		return Receipt{}, fmt.Errorf("settlement: wallet required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("settlement: amount must be positive")
	}
	if r.cfg.Ledger == LedgerEVM {
		if err := EnsureNetwork(ctx, req.Wallet, r.evm.Network()); err != nil {
			return Receipt{}, err
		}
	}
	payer, err := resolvePayer(ctx, req, r.cfg.Ledger)
	if err != nil {
		return Receipt{}, err
	}
	req.From = payer
	if err := r.Preflight(ctx, req); err != nil {
		return Receipt{}, err
	}
	challenge, err := r.RequestChallenge(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	if err := r.checkChallenge(req, challenge); err != nil {
		return Receipt{}, err
	}
	tx, units, err := r.build(ctx, payer, challenge.Recipient, req.Amount)
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := submitAndConfirm(ctx, req.Wallet, tx, r.ledger, r.cfg.Confirm, Receipt{From: payer, To: challenge.Recipient, Units: units})
	if err != nil {
		return receipt, err
	}
	verdict, err := r.Verify(ctx, VerifyRequest{
		Signature:    receipt.Reference,
		ProjectID:    challenge.ProjectID,
		Network:      challenge.Network,
		ClientWallet: payer,
		Amount:       challenge.Amount,
		Recipient:    challenge.Recipient,
		Mint:         challenge.Mint,
	})
	if err != nil {
		return receipt, &UnknownOutcomeError{Ledger: r.cfg.Ledger, Reference: receipt.Reference, Err: err}
	}
	if !verdict.Success || !verdict.Verified {
		cause := fmt.Errorf("%w: %s", ErrVerificationFailed, verdict.Error)
		return receipt, &UnknownOutcomeError{Ledger: r.cfg.Ledger, Reference: receipt.Reference, Err: cause}
	}
	return receipt, nil
}

// RequestChallenge posts the payment intent and decodes the 402 challenge.
func (r *ChallengeRail) RequestChallenge(ctx context.Context, req TransferRequest) (PaymentChallenge, error) {
	intent := PaymentIntent{
		ProjectID:    req.ProjectID,
		Amount:       FormatAmount(req.Amount, int(r.cfg.Token.Decimals)),
		Currency:     Stable().Symbol(),
		ClientWallet: req.From,
		Recipient:    req.To,
		Network:      string(r.cfg.Ledger),
	}
	if req.PlatformFee != nil {
		intent.PlatformFee = FormatAmount(req.PlatformFee, int(r.cfg.Token.Decimals))
	}
	var challenge PaymentChallenge
	status, err := r.postJSON(ctx, "/payment-required", intent, &challenge)
	if err != nil {
		return PaymentChallenge{}, err
	}
	if status != http.StatusPaymentRequired {
		return PaymentChallenge{}, fmt.Errorf("%w: payee answered %d, want 402", ErrChallengeMismatch, status)
	}
	return challenge, nil
}

func (r *ChallengeRail) checkChallenge(req TransferRequest, c PaymentChallenge) error {
	want := string(r.cfg.Ledger)
	if !strings.EqualFold(c.Network, want) {
		return fmt.Errorf("%w: network %q, want %q", ErrChallengeMismatch, c.Network, want)
	}
	if req.ProjectID != "" && c.ProjectID != req.ProjectID {
		return fmt.Errorf("%w: project %q", ErrChallengeMismatch, c.ProjectID)
	}
	amount, err := ParseAmount(c.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeMismatch, err)
	}
	if amount.Cmp(req.Amount) != 0 {
		return fmt.Errorf("%w: amount %s, want %s", ErrChallengeMismatch, c.Amount, FormatAmount(req.Amount, int(r.cfg.Token.Decimals)))
	}
	if strings.TrimSpace(c.Recipient) == "" {
		return fmt.Errorf("%w: recipient missing", ErrChallengeMismatch)
	}
	if req.To != "" && !SameAddress(r.cfg.Ledger, c.Recipient, req.To) {
		return fmt.Errorf("%w: recipient %s", ErrChallengeMismatch, c.Recipient)
	}
	if !SameAddress(r.cfg.Ledger, c.Mint, r.cfg.Token.Mint) {
		return fmt.Errorf("%w: mint %s", ErrChallengeMismatch, c.Mint)
	}
	if c.ClientWallet != "" && !SameAddress(r.cfg.Ledger, c.ClientWallet, req.From) {
		return fmt.Errorf("%w: client wallet %s", ErrChallengeMismatch, c.ClientWallet)
	}
	return nil
}

// SameAddress compares two addresses using the ledger's rules; EVM hex is case-insensitive.
func SameAddress(ledger LedgerID, a, b string) bool {
	if ledger == LedgerEVM {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func (r *ChallengeRail) build(ctx context.Context, payer, recipient string, amount *big.Rat) (*Transaction, string, error) {
	if r.cfg.Ledger == LedgerEVM {
		units, err := ToMinorUnits(amount, r.cfg.Token.Decimals)
		if err != nil {
			return nil, "", err
		}
		call, err := r.evm.ERC20TransferCall(r.cfg.Token.Mint, recipient, units)
		if err != nil {
			return nil, "", err
		}
		return &Transaction{Ledger: LedgerEVM, FeePayer: payer, Call: call}, units.Dec(), nil
	}
	instructions, units, err := TokenInstructions(ctx, r.resolver, payer, recipient, r.cfg.Token, amount)
	if err != nil {
		return nil, "", err
	}
	return &Transaction{Ledger: LedgerPrimary, FeePayer: payer, Instructions: instructions}, units.Dec(), nil
}

// Verify asks the payee to check a submitted transfer. The mint defaults to the rail's
// token.
func (r *ChallengeRail) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	if req.Mint == "" {
		req.Mint = r.cfg.Token.Mint
	}
	if req.Network == "" {
		req.Network = string(r.cfg.Ledger)
	}
	var out VerifyResponse
	status, err := r.postJSON(ctx, "/verify-payment", req, &out)
	if err != nil {
		return VerifyResponse{}, err
	}
	if status >= 500 {
		return VerifyResponse{}, fmt.Errorf("settlement: verify-payment status=%d", status)
	}
	return out, nil
}

func (r *ChallengeRail) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) (int, error) {
	if r.client == nil || r.payeeURL == "" {
		return 0, fmt.Errorf("settlement: challenge payee not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.payeeURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("settlement: decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}
