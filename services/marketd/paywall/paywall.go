package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gigvault/services/marketd/settlement"
)

// Recipients resolves the escrow account a project's payment must land in.
type Recipients interface {
	EscrowAccount(ctx context.Context, projectID string, ledger settlement.LedgerID) (string, error)
}

// ChallengeStore keeps issued challenges. oracle.MemoryCache and oracle.RedisCache both
// satisfy it.
type ChallengeStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Config tunes the payee.
type Config struct {
	Tokens       map[settlement.LedgerID]settlement.StableToken
	ChallengeTTL time.Duration
}

// Service issues payment challenges and verifies their settlement on-ledger.
type Service struct {
	recipients Recipients
	verifiers  map[settlement.LedgerID]settlement.TransferVerifier
	store      ChallengeStore
	spent      SpentStore
	cfg        Config
	logger     *slog.Logger
}

// Option customises the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs the payee service.
func New(recipients Recipients, verifiers map[settlement.LedgerID]settlement.TransferVerifier, store ChallengeStore, spent SpentStore, cfg Config, opts ...Option) *Service {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 15 * time.Minute
	}
	s := &Service{
		recipients: recipients,
		verifiers:  verifiers,
		store:      store,
		spent:      spent,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount registers the challenge endpoints on r.
func (s *Service) Mount(r chi.Router) {
	r.Post("/payment-required", s.PaymentRequired)
	r.Post("/verify-payment", s.VerifyPayment)
}

func challengeKey(projectID, network string) string {
	return "paywall:challenge:" + projectID + ":" + strings.ToLower(network)
}

// PaymentRequired answers a payment intent with a 402 challenge naming the project's
// escrow account, the token mint and the exact amount.
func (s *Service) PaymentRequired(w http.ResponseWriter, r *http.Request) {
	var intent settlement.PaymentIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	challenge, err := s.Challenge(r.Context(), intent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusPaymentRequired, challenge)
}

// Challenge builds and records the challenge for intent.
func (s *Service) Challenge(ctx context.Context, intent settlement.PaymentIntent) (settlement.PaymentChallenge, error) {
	ledger, err := settlement.ParseLedger(intent.Network)
	if err != nil {
		return settlement.PaymentChallenge{}, err
	}
	token, ok := s.cfg.Tokens[ledger]
	if !ok || token.Mint == "" {
		return settlement.PaymentChallenge{}, fmt.Errorf("network %s not accepted", ledger)
	}
	if _, err := uuid.Parse(intent.ProjectID); err != nil {
		return settlement.PaymentChallenge{}, fmt.Errorf("invalid project id")
	}
	amount, err := settlement.ParseAmount(intent.Amount)
	if err != nil || amount.Sign() <= 0 {
		return settlement.PaymentChallenge{}, fmt.Errorf("amount must be positive")
	}
	if _, err := settlement.ToMinorUnits(amount, token.Decimals); err != nil {
		return settlement.PaymentChallenge{}, err
	}
	if strings.TrimSpace(intent.ClientWallet) == "" {
		return settlement.PaymentChallenge{}, fmt.Errorf("client wallet required")
	}
	recipient, err := s.recipients.EscrowAccount(ctx, intent.ProjectID, ledger)
	if err != nil {
		return settlement.PaymentChallenge{}, err
	}
	if intent.Recipient != "" && !settlement.SameAddress(ledger, intent.Recipient, recipient) {
		return settlement.PaymentChallenge{}, fmt.Errorf("recipient is not the escrow account of project %s", intent.ProjectID)
	}
	challenge := settlement.PaymentChallenge{
		Amount:       settlement.FormatAmount(amount, int(token.Decimals)),
		Currency:     settlement.Stable().Symbol(),
		Recipient:    recipient,
		Network:      string(ledger),
		Mint:         token.Mint,
		ProjectID:    intent.ProjectID,
		ClientWallet: intent.ClientWallet,
		PlatformFee:  intent.PlatformFee,
		Message:      fmt.Sprintf("Escrow deposit for project %s", intent.ProjectID),
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		return settlement.PaymentChallenge{}, err
	}
	if err := s.store.Set(ctx, challengeKey(challenge.ProjectID, challenge.Network), string(raw), s.cfg.ChallengeTTL); err != nil {
		return settlement.PaymentChallenge{}, fmt.Errorf("record challenge: %w", err)
	}
	return challenge, nil
}

// VerifyPayment checks a submitted transfer against the recorded challenge and the ledger.
func (s *Service) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req settlement.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, settlement.VerifyResponse{Error: "invalid payload"})
		return
	}
	if err := s.Verify(r.Context(), req); err != nil {
		status := http.StatusOK
		if errors.Is(err, errBadRequest) {
			status = http.StatusBadRequest
		} else if !errors.Is(err, settlement.ErrVerificationFailed) {
			status = http.StatusBadGateway
		}
		s.logger.Info("payment not verified",
			slog.String("project_id", req.ProjectID),
			slog.String("signature", req.Signature),
			slog.String("error", err.Error()))
		writeJSON(w, status, settlement.VerifyResponse{Success: status == http.StatusOK, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, settlement.VerifyResponse{Success: true, Verified: true})
}

var errBadRequest = errors.New("paywall: bad request")

// Verify succeeds when req matches the recorded challenge and the ledger shows the exact
// amount credited to the escrow account. A signature settles at most one project; asking
// again for the project it already settled is acknowledged without another ledger check.
func (s *Service) Verify(ctx context.Context, req settlement.VerifyRequest) (err error) {
	signature := strings.TrimSpace(req.Signature)
	if signature == "" || req.ProjectID == "" {
		return fmt.Errorf("%w: signature and projectId required", errBadRequest)
	}
	ledger, err := settlement.ParseLedger(req.Network)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	raw, ok, err := s.store.Get(ctx, challengeKey(req.ProjectID, string(ledger)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no outstanding challenge for project %s", settlement.ErrVerificationFailed, req.ProjectID)
	}
	var challenge settlement.PaymentChallenge
	if err := json.Unmarshal([]byte(raw), &challenge); err != nil {
		return err
	}
	if err := matches(ledger, challenge, req); err != nil {
		return err
	}
	verifier, ok := s.verifiers[ledger]
	if !ok {
		return fmt.Errorf("%w: ledger %s has no verifier", errBadRequest, ledger)
	}
	token := s.cfg.Tokens[ledger]
	amount, err := settlement.ParseAmount(challenge.Amount)
	if err != nil {
		return err
	}
	units, err := settlement.ToMinorUnits(amount, token.Decimals)
	if err != nil {
		return err
	}

	state, holder, err := s.spent.Reserve(signature, req.ProjectID)
	if err != nil {
		return err
	}
	switch state {
	case SpendSpent:
		if holder == req.ProjectID {
			return nil
		}
		return fmt.Errorf("%w: signature already used", settlement.ErrVerificationFailed)
	case SpendPending:
		return fmt.Errorf("%w: signature verification already in progress", settlement.ErrVerificationFailed)
	}
	defer func() {
		if err == nil {
			return
		}
		if relErr := s.spent.Release(signature); relErr != nil {
			s.logger.Warn("release signature reservation failed", slog.String("signature", signature), slog.String("error", relErr.Error()))
		}
	}()
	if err := verifier.VerifyTransfer(ctx, signature, challenge.Mint, challenge.Recipient, units.ToBig()); err != nil {
		return err
	}
	if err := s.spent.MarkSpent(signature); err != nil {
		return fmt.Errorf("record spent signature: %w", err)
	}
	return nil
}

func matches(ledger settlement.LedgerID, c settlement.PaymentChallenge, req settlement.VerifyRequest) error {
	mismatch := func(field string) error {
		return fmt.Errorf("%w: %s does not match the challenge", settlement.ErrVerificationFailed, field)
	}
	if req.Amount != "" {
		got, err := settlement.ParseAmount(req.Amount)
		want, werr := settlement.ParseAmount(c.Amount)
		if err != nil || werr != nil || got.Cmp(want) != 0 {
			return mismatch("amount")
		}
	}
	if req.Recipient != "" && !settlement.SameAddress(ledger, req.Recipient, c.Recipient) {
		return mismatch("recipient")
	}
	if req.Mint != "" && !settlement.SameAddress(ledger, req.Mint, c.Mint) {
		return mismatch("mint")
	}
	if req.ClientWallet != "" && c.ClientWallet != "" && !settlement.SameAddress(ledger, req.ClientWallet, c.ClientWallet) {
		return mismatch("client wallet")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
