package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"gigvault/observability"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/oracle"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

// Store is the persistence surface the manager needs.
type Store interface {
	CreateEscrow(ctx context.Context, escrow *models.Escrow) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetEscrowByProject(ctx context.Context, projectID uuid.UUID) (*models.Escrow, error)
	TransitionEscrow(ctx context.Context, id uuid.UUID, from []models.EscrowStatus, next models.EscrowStatus, fields map[string]interface{}) error
	SetPendingReference(ctx context.Context, id uuid.UUID, status models.EscrowStatus, reference string) error
	DeletePendingEscrow(ctx context.Context, id uuid.UUID) error
	ListUnresolvedEscrows(ctx context.Context, limit int) ([]models.Escrow, error)
}

// Rails selects settlement rails and answers status queries for prior references.
type Rails interface {
	Rail(currency settlement.PaymentCurrency) (settlement.Rail, error)
	Payout(currency settlement.PaymentCurrency) (settlement.Rail, error)
	Status(ctx context.Context, currency settlement.PaymentCurrency, reference string) (settlement.TxStatus, error)
	// Verify re-asks the payee of a challenge-funded escrow to acknowledge a transfer.
	Verify(ctx context.Context, currency settlement.PaymentCurrency, req settlement.VerifyRequest) (settlement.VerifyResponse, error)
}

// PriceOracle converts USD into native units.
type PriceOracle interface {
	USDToNative(ctx context.Context, usd *big.Rat, decimals uint8) (oracle.Conversion, error)
}

// Custody owns the per-project escrow signers.
type Custody interface {
	EscrowWallet(projectID string) (settlement.Wallet, error)
}

// Config captures fee and precision settings.
type Config struct {
	FeePercent     uint32
	NativeDecimals uint8
	TokenDecimals  map[settlement.LedgerID]uint8
	// ReconcileGrace is how long a reference may stay unknown to the ledger before it is
	// treated as dropped.
	ReconcileGrace time.Duration
}

// DefaultFeePercent is the platform fee added on top of the contract value.
const DefaultFeePercent = 10

// Manager owns the lifecycle of the single escrow of each project.
type Manager struct {
	store   Store
	rails   Rails
	oracle  PriceOracle
	custody Custody
	cfg     Config
	sponsor *feeSponsor
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	ops     metric.Int64Counter
}

type feeSponsor struct {
	wallet  settlement.Wallet
	prober  settlement.BalanceProber
	reserve *big.Rat
}

// Option customises the manager.
type Option func(*Manager)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMeterProvider records operation counters on provider instead of the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Manager) {
		if provider != nil {
			m.meter = provider.Meter("gigvault/escrow")
		}
	}
}

// WithFeeSponsor tops up escrow accounts on the primary ledger with reserve native units
// before a token payout, paid by wallet.
func WithFeeSponsor(wallet settlement.Wallet, prober settlement.BalanceProber, reserve *big.Rat) Option {
	return func(m *Manager) {
		if wallet != nil && prober != nil && reserve != nil && reserve.Sign() > 0 {
			m.sponsor = &feeSponsor{wallet: wallet, prober: prober, reserve: reserve}
		}
	}
}

// NewManager constructs an escrow manager.
func NewManager(st Store, rails Rails, priceOracle PriceOracle, custody Custody, cfg Config, opts ...Option) *Manager {
	if cfg.FeePercent == 0 {
		cfg.FeePercent = DefaultFeePercent
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 9
	}
	if cfg.ReconcileGrace <= 0 {
		cfg.ReconcileGrace = 10 * time.Minute
	}
	m := &Manager{
		store:   st,
		rails:   rails,
		oracle:  priceOracle,
		custody: custody,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
		tracer:  otel.Tracer("gigvault/escrow"),
		meter:   otel.GetMeterProvider().Meter("gigvault/escrow"),
	}
	for _, opt := range opts {
		opt(m)
	}
	ops, err := m.meter.Int64Counter("gigvault.escrow.operations",
		metric.WithDescription("Escrow operations by outcome"))
	if err != nil {
		ops, _ = noop.NewMeterProvider().Meter("gigvault/escrow").Int64Counter("gigvault.escrow.operations")
	}
	m.ops = ops
	return m
}

// FundRequest asks the manager to lock the contract value of a project.
type FundRequest struct {
	ProjectID    uuid.UUID
	ClientWallet string
	AmountUSD    *big.Rat
	Currency     settlement.PaymentCurrency
	Payer        settlement.Wallet
}

// Quote is the fee breakdown of a funding, in the rail's units.
type Quote struct {
	Amount       *big.Rat
	PlatformFee  *big.Rat
	TotalLocked  *big.Rat
	Decimals     uint8
	USDPerNative *big.Rat
}

func (m *Manager) decimals(currency settlement.PaymentCurrency) uint8 {
	if currency.Kind == settlement.KindNative {
		return m.cfg.NativeDecimals
	}
	if d, ok := m.cfg.TokenDecimals[currency.Ledger]; ok && d > 0 {
		return d
	}
	return 6
}

// Quote computes amount, fee and total for usd on currency. Pegged currencies are exact;
// native amounts are converted through the oracle.
func (m *Manager) Quote(ctx context.Context, usd *big.Rat, currency settlement.PaymentCurrency) (Quote, error) {
	if usd == nil || usd.Sign() <= 0 {
		return Quote{}, Invariant("quote", "amount must be positive")
	}
	decimals := m.decimals(currency)
	amount := new(big.Rat).Set(usd)
	var rate *big.Rat
	if !currency.PeggedToUSD() {
		if m.oracle == nil {
			return Quote{}, fmt.Errorf("escrow: price oracle not configured")
		}
		conv, err := m.oracle.USDToNative(ctx, usd, decimals)
		if err != nil {
			return Quote{}, err
		}
		amount = conv.Native
		rate = conv.USDPerNative
	}
	feeUnits, err := settlement.ToMinorUnits(settlement.MulPercent(amount, m.cfg.FeePercent), decimals)
	if err != nil {
		return Quote{}, err
	}
	fee := settlement.FromMinorUnits(feeUnits, decimals)
	total := new(big.Rat).Add(amount, fee)
	return Quote{Amount: amount, PlatformFee: fee, TotalLocked: total, Decimals: decimals, USDPerNative: rate}, nil
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (m *Manager) finish(span trace.Span, op, currency string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		kind := KindOf(err)
		outcome = string(kind)
		if outcome == "" {
			outcome = "error"
		}
		if kind == KindUserCancelled {
			span.SetAttributes(attribute.Bool("escrow.user_cancelled", true))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	observability.Marketd().ObserveEscrow(op, currency, outcome, time.Since(started))
	m.ops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("currency", currency),
		attribute.String("outcome", outcome),
	))
	span.End()
}

func (m *Manager) logFailure(op string, escrowID uuid.UUID, err error) {
	attrs := []any{slog.String("op", op), slog.String("escrow_id", escrowID.String()), slog.String("error", err.Error())}
	switch KindOf(err) {
	case KindUserCancelled, KindInsufficientFunds:
		m.logger.Info("escrow operation not completed", attrs...)
	case KindUnknownOutcome:
		m.logger.Warn("escrow settlement outcome unknown", attrs...)
	default:
		m.logger.Error("escrow operation failed", attrs...)
	}
}

// CreateAndFund locks the contract value plus the platform fee in the project's escrow
// account. The escrow row is written as pending first and only moves to funded once the
// rail returns a confirmed settlement reference. Failures that are known not to have
// moved funds remove the pending row.
func (m *Manager) CreateAndFund(ctx context.Context, req FundRequest) (escrow *models.Escrow, err error) {
	const op = "create_and_fund"
	started := m.now()
	ctx, span := m.startSpan(ctx, "escrow.CreateAndFund",
		attribute.String("project.id", req.ProjectID.String()),
		attribute.String("escrow.currency", req.Currency.String()))
	defer func() { m.finish(span, op, req.Currency.String(), started, err) }()

	if req.ProjectID == uuid.Nil {
		return nil, Invariant(op, "project id required")
	}
	if req.Payer == nil {
		return nil, Invariant(op, "payer wallet required")
	}
	rail, err := m.rails.Rail(req.Currency)
	if err != nil {
		return nil, Invariant(op, "%v", err)
	}
	if existing, err := m.store.GetEscrowByProject(ctx, req.ProjectID); err == nil {
		resumed, err := m.resumeExisting(ctx, existing)
		if err != nil || resumed != nil {
			return resumed, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	quote, err := m.Quote(ctx, req.AmountUSD, req.Currency)
	if err != nil {
		return nil, err
	}
	account, err := m.escrowAccount(ctx, req.ProjectID, req.Currency.Ledger)
	if err != nil {
		return nil, err
	}
	clientWallet, err := req.Payer.Address(ctx, req.Currency.Ledger)
	if err != nil {
		return nil, classify(op, err)
	}
	if claimed := strings.TrimSpace(req.ClientWallet); claimed != "" && !settlement.SameAddress(req.Currency.Ledger, claimed, clientWallet) {
		return nil, Invariant(op, "client wallet %s is not the signing wallet", claimed)
	}
	transfer := settlement.TransferRequest{
		Currency:     req.Currency,
		Wallet:       req.Payer,
		From:         clientWallet,
		To:           account,
		Amount:       quote.TotalLocked,
		Memo:         "escrow:" + req.ProjectID.String(),
		ProjectID:    req.ProjectID.String(),
		ClientWallet: clientWallet,
		PlatformFee:  quote.PlatformFee,
	}
	if err := rail.Preflight(ctx, transfer); err != nil {
		classified := classify(op, err)
		m.logFailure(op, uuid.Nil, classified)
		return nil, classified
	}

	precision := int(quote.Decimals)
	row := &models.Escrow{
		ProjectID:       req.ProjectID,
		ClientWallet:    clientWallet,
		AmountUSD:       settlement.FormatAmount(req.AmountUSD, 2),
		Amount:          settlement.FormatAmount(quote.Amount, precision),
		PlatformFee:     settlement.FormatAmount(quote.PlatformFee, precision),
		TotalLocked:     settlement.FormatAmount(quote.TotalLocked, precision),
		PaymentCurrency: req.Currency.String(),
		Ledger:          string(req.Currency.Ledger),
		Status:          models.EscrowPending,
		EscrowAccount:   account,
	}
	if err := m.store.CreateEscrow(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, Invariant(op, "escrow for project %s already exists", req.ProjectID)
		}
		return nil, fmt.Errorf("escrow: record pending escrow: %w", err)
	}
	span.SetAttributes(attribute.String("escrow.id", row.ID.String()))

	receipt, err := rail.Transfer(ctx, transfer)
	if err != nil {
		classified := classify(op, err)
		if classified.Kind == KindUnknownOutcome && classified.Reference != "" {
			if setErr := m.store.SetPendingReference(ctx, row.ID, models.EscrowPending, classified.Reference); setErr != nil {
				m.logger.Error("record pending reference failed",
					slog.String("escrow_id", row.ID.String()),
					slog.String("reference", classified.Reference),
					slog.String("error", setErr.Error()))
			}
		} else if delErr := m.store.DeletePendingEscrow(ctx, row.ID); delErr != nil {
			m.logger.Error("remove unfunded escrow failed", slog.String("escrow_id", row.ID.String()), slog.String("error", delErr.Error()))
		}
		m.logFailure(op, row.ID, classified)
		return nil, classified
	}
	return m.markFunded(ctx, row.ID, receipt.Reference)
}

// resumeExisting settles a previous funding attempt. A nil escrow with a nil error means
// the earlier attempt was dropped and funding may start over.
func (m *Manager) resumeExisting(ctx context.Context, existing *models.Escrow) (*models.Escrow, error) {
	const op = "create_and_fund"
	if existing.Status != models.EscrowPending {
		return nil, Invariant(op, "project %s already has a %s escrow", existing.ProjectID, existing.Status)
	}
	if existing.PendingReference == "" {
		return nil, Invariant(op, "funding for project %s is already in progress", existing.ProjectID)
	}
	resolved, err := m.resolve(ctx, existing)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	if resolved.Status == models.EscrowFunded {
		return resolved, nil
	}
	return nil, &Error{Kind: KindUnknownOutcome, Op: op, Message: "previous funding still unconfirmed", Reference: existing.PendingReference}
}

func (m *Manager) escrowAccount(ctx context.Context, projectID uuid.UUID, ledger settlement.LedgerID) (string, error) {
	w, err := m.custody.EscrowWallet(projectID.String())
	if err != nil {
		return "", err
	}
	return w.Address(ctx, ledger)
}

func (m *Manager) markFunded(ctx context.Context, id uuid.UUID, reference string) (*models.Escrow, error) {
	now := m.now()
	err := m.store.TransitionEscrow(ctx, id, []models.EscrowStatus{models.EscrowPending}, models.EscrowFunded, map[string]interface{}{
		"transaction_signature": reference,
		"pending_reference":     "",
		"funded_at":             now,
	})
	if err != nil {
		current, getErr := m.store.GetEscrow(ctx, id)
		if getErr == nil && current.Status == models.EscrowFunded && current.TransactionSignature == reference {
			return current, nil
		}
		return nil, PartialCompletion("create_and_fund", "funds transferred but escrow could not be marked funded", err)
	}
	return m.store.GetEscrow(ctx, id)
}

// Get loads an escrow.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	e, err := m.store.GetEscrow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// ForProject loads the escrow of a project.
func (m *Manager) ForProject(ctx context.Context, projectID uuid.UUID) (*models.Escrow, error) {
	e, err := m.store.GetEscrowByProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// Release pays the contract value, without the retained platform fee, from the escrow
// account to freelancerWallet. The escrow is marked released only after the transfer
// confirms; any other outcome leaves it funded.
func (m *Manager) Release(ctx context.Context, escrowID uuid.UUID, freelancerWallet string) (released *models.Escrow, err error) {
	const op = "release"
	started := m.now()
	currencyLabel := ""
	ctx, span := m.startSpan(ctx, "escrow.Release", attribute.String("escrow.id", escrowID.String()))
	defer func() { m.finish(span, op, currencyLabel, started, err) }()

	wallet := strings.TrimSpace(freelancerWallet)
	if wallet == "" {
		return nil, Invariant(op, "freelancer wallet required")
	}
	escrow, err := m.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	currencyLabel = escrow.PaymentCurrency
	if escrow.Status != models.EscrowFunded {
		return nil, Invariant(op, "escrow %s is %s, not funded", escrow.ID, escrow.Status)
	}
	currency, err := settlement.ParseCurrency(escrow.PaymentCurrency)
	if err != nil {
		return nil, Invariant(op, "%v", err)
	}
	if escrow.PendingReference != "" {
		resolved, err := m.resolve(ctx, escrow)
		if err != nil {
			return nil, err
		}
		if resolved.Status == models.EscrowReleased {
			return resolved, nil
		}
		if resolved.PendingReference != "" {
			return nil, &Error{Kind: KindUnknownOutcome, Op: op, Message: "previous release still unconfirmed", Reference: resolved.PendingReference}
		}
		escrow = resolved
	}
	amount, err := settlement.ParseAmount(escrow.Amount)
	if err != nil {
		return nil, Invariant(op, "stored amount: %v", err)
	}
	rail, err := m.rails.Payout(currency)
	if err != nil {
		return nil, Invariant(op, "%v", err)
	}
	signer, err := m.custody.EscrowWallet(escrow.ProjectID.String())
	if err != nil {
		return nil, err
	}
	if err := m.sponsorFees(ctx, escrow, currency); err != nil {
		classified := classify(op, err)
		m.logFailure(op, escrow.ID, classified)
		return nil, classified
	}

	receipt, err := rail.Transfer(ctx, settlement.TransferRequest{
		Currency:  currency,
		Wallet:    signer,
		From:      escrow.EscrowAccount,
		To:        wallet,
		Amount:    amount,
		Memo:      "release:" + escrow.ProjectID.String(),
		ProjectID: escrow.ProjectID.String(),
	})
	if err != nil {
		classified := classify(op, err)
		if classified.Kind == KindUnknownOutcome && classified.Reference != "" {
			// The payout wallet is bound only while its transfer may still land.
			if setErr := m.store.TransitionEscrow(ctx, escrow.ID, []models.EscrowStatus{models.EscrowFunded}, models.EscrowFunded, map[string]interface{}{
				"pending_reference": classified.Reference,
				"freelancer_wallet": wallet,
			}); setErr != nil {
				m.logger.Error("record pending release reference failed",
					slog.String("escrow_id", escrow.ID.String()),
					slog.String("reference", classified.Reference),
					slog.String("error", setErr.Error()))
			}
		}
		m.logFailure(op, escrow.ID, classified)
		return nil, classified
	}
	return m.markReleased(ctx, escrow.ID, receipt.Reference, wallet)
}

// markReleased records a confirmed payout. An empty wallet keeps the one bound when the
// transfer was left unconfirmed.
func (m *Manager) markReleased(ctx context.Context, id uuid.UUID, reference, wallet string) (*models.Escrow, error) {
	fields := map[string]interface{}{
		"release_signature": reference,
		"pending_reference": "",
		"released_at":       m.now(),
	}
	if wallet != "" {
		fields["freelancer_wallet"] = wallet
	}
	err := m.store.TransitionEscrow(ctx, id, []models.EscrowStatus{models.EscrowFunded}, models.EscrowReleased, fields)
	if err != nil {
		return nil, &Error{Kind: KindPartialCompletion, Op: "release", Message: "funds released but escrow could not be marked released", Reference: reference, Err: err}
	}
	return m.store.GetEscrow(ctx, id)
}

func (m *Manager) sponsorFees(ctx context.Context, escrow *models.Escrow, currency settlement.PaymentCurrency) error {
	if m.sponsor == nil || currency.Kind == settlement.KindNative || currency.Ledger != settlement.LedgerPrimary {
		return nil
	}
	bal, err := m.sponsor.prober.Balance(ctx, settlement.LedgerPrimary, escrow.EscrowAccount, "")
	if err != nil {
		return err
	}
	if bal.Amount().Cmp(m.sponsor.reserve) >= 0 {
		return nil
	}
	nativeRail, err := m.rails.Payout(settlement.Native())
	if err != nil {
		return err
	}
	_, err = nativeRail.Transfer(ctx, settlement.TransferRequest{
		Currency: settlement.Native(),
		Wallet:   m.sponsor.wallet,
		To:       escrow.EscrowAccount,
		Amount:   m.sponsor.reserve,
		Memo:     "fee-reserve:" + escrow.ProjectID.String(),
	})
	return err
}

// MarkDisputed freezes a pending or funded escrow.
func (m *Manager) MarkDisputed(ctx context.Context, escrowID uuid.UUID) (*models.Escrow, error) {
	err := m.store.TransitionEscrow(ctx, escrowID, []models.EscrowStatus{models.EscrowPending, models.EscrowFunded}, models.EscrowDisputed, nil)
	if errors.Is(err, store.ErrConflict) {
		current, getErr := m.Get(ctx, escrowID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.EscrowDisputed {
			return current, nil
		}
		return nil, Invariant("dispute", "escrow %s is %s", escrowID, current.Status)
	}
	if err != nil {
		return nil, err
	}
	return m.store.GetEscrow(ctx, escrowID)
}
