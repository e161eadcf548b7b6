package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"gigvault/services/marketd/models"
	"gigvault/services/marketd/oracle"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

type fakeRail struct {
	mu          sync.Mutex
	preflightFn func(settlement.TransferRequest) error
	transferFn  func(settlement.TransferRequest) (settlement.Receipt, error)
	transfers   []settlement.TransferRequest
}

func (r *fakeRail) Preflight(_ context.Context, req settlement.TransferRequest) error {
	if r.preflightFn != nil {
		return r.preflightFn(req)
	}
	return nil
}

func (r *fakeRail) Transfer(_ context.Context, req settlement.TransferRequest) (settlement.Receipt, error) {
	r.mu.Lock()
	r.transfers = append(r.transfers, req)
	r.mu.Unlock()
	if r.transferFn != nil {
		return r.transferFn(req)
	}
	return settlement.Receipt{Reference: "sig-" + req.Memo}, nil
}

func (r *fakeRail) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

type fakeRails struct {
	funding  *fakeRail
	payout   *fakeRail
	status   map[string]settlement.TxStatus
	verdict  settlement.VerifyResponse
	verifies []settlement.VerifyRequest
}

func (f *fakeRails) Rail(settlement.PaymentCurrency) (settlement.Rail, error) { return f.funding, nil }

func (f *fakeRails) Payout(settlement.PaymentCurrency) (settlement.Rail, error) { return f.payout, nil }

func (f *fakeRails) Status(_ context.Context, _ settlement.PaymentCurrency, ref string) (settlement.TxStatus, error) {
	if s, ok := f.status[ref]; ok {
		return s, nil
	}
	return settlement.TxNotFound, nil
}

func (f *fakeRails) Verify(_ context.Context, _ settlement.PaymentCurrency, req settlement.VerifyRequest) (settlement.VerifyResponse, error) {
	f.verifies = append(f.verifies, req)
	return f.verdict, nil
}

type fixedOracle struct{ usdPerNative *big.Rat }

func (o fixedOracle) USDToNative(_ context.Context, usd *big.Rat, _ uint8) (oracle.Conversion, error) {
	return oracle.Conversion{
		Native:       new(big.Rat).Quo(usd, o.usdPerNative),
		USDPerNative: o.usdPerNative,
		Source:       "fixed",
	}, nil
}

type harness struct {
	manager *Manager
	store   *store.Store
	rails   *fakeRails
	payer   settlement.Wallet
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.MemoryDSN(uuid.NewString()), false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	h := &harness{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.store = store.New(db, store.WithClock(clock))
	h.rails = &fakeRails{funding: &fakeRail{}, payout: &fakeRail{}, status: map[string]settlement.TxStatus{}}

	root, err := settlement.NewKeyWallet([]byte("escrow-test-root-seed-0123456789abcdef"))
	require.NoError(t, err)
	h.payer, err = root.Derive("client")
	require.NoError(t, err)

	h.manager = NewManager(h.store, h.rails, fixedOracle{usdPerNative: big.NewRat(100, 1)}, settlement.NewCustody(root), Config{
		TokenDecimals:  map[settlement.LedgerID]uint8{settlement.LedgerPrimary: 6},
		ReconcileGrace: 5 * time.Minute,
	}, WithClock(clock))
	return h
}

func (h *harness) fund(t *testing.T, projectID uuid.UUID, usd int64, currency settlement.PaymentCurrency) (*models.Escrow, error) {
	t.Helper()
	return h.manager.CreateAndFund(context.Background(), FundRequest{
		ProjectID: projectID,
		AmountUSD: big.NewRat(usd, 1),
		Currency:  currency,
		Payer:     h.payer,
	})
}

func TestCreateAndFundStable(t *testing.T) {
	h := newHarness(t)
	projectID := uuid.New()

	escrow, err := h.fund(t, projectID, 500, settlement.Stable())
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, escrow.Status)
	require.Equal(t, "500", escrow.Amount)
	require.Equal(t, "50", escrow.PlatformFee)
	require.Equal(t, "550", escrow.TotalLocked)
	require.Equal(t, "sig-escrow:"+projectID.String(), escrow.TransactionSignature)
	require.NotNil(t, escrow.FundedAt)

	require.Equal(t, 1, h.rails.funding.count())
	sent := h.rails.funding.transfers[0]
	require.Equal(t, 0, sent.Amount.Cmp(big.NewRat(550, 1)))
	require.Equal(t, escrow.EscrowAccount, sent.To)
	require.Equal(t, 0, sent.PlatformFee.Cmp(big.NewRat(50, 1)))
}

func TestCreateAndFundNativeUsesOracle(t *testing.T) {
	h := newHarness(t)
	escrow, err := h.fund(t, uuid.New(), 500, settlement.Native())
	require.NoError(t, err)
	require.Equal(t, "5", escrow.Amount)
	require.Equal(t, "0.5", escrow.PlatformFee)
	require.Equal(t, "5.5", escrow.TotalLocked)
}

func TestCreateAndFundInsufficientFundsLeavesNoRow(t *testing.T) {
	h := newHarness(t)
	projectID := uuid.New()
	h.rails.funding.preflightFn = func(settlement.TransferRequest) error {
		return &settlement.InsufficientFundsError{Currency: "NATIVE", Required: "5.52", Available: "5"}
	}

	_, err := h.fund(t, projectID, 500, settlement.Native())
	require.ErrorIs(t, err, ErrInsufficientFunds)
	var typed *Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, "5.52", typed.Required)
	require.Equal(t, "5", typed.Available)
	require.Zero(t, h.rails.funding.count())

	_, err = h.store.GetEscrowByProject(context.Background(), projectID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAndFundUserRejectionRemovesPendingRow(t *testing.T) {
	h := newHarness(t)
	projectID := uuid.New()
	h.rails.funding.transferFn = func(settlement.TransferRequest) (settlement.Receipt, error) {
		return settlement.Receipt{}, settlement.ErrUserRejected
	}

	_, err := h.fund(t, projectID, 100, settlement.Stable())
	require.ErrorIs(t, err, ErrUserCancelled)
	_, err = h.store.GetEscrowByProject(context.Background(), projectID)
	require.ErrorIs(t, err, store.ErrNotFound)

	h.rails.funding.transferFn = nil
	escrow, err := h.fund(t, projectID, 100, settlement.Stable())
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, escrow.Status)
}

func TestCreateAndFundUnknownOutcomeKeepsReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := uuid.New()
	h.rails.funding.transferFn = func(settlement.TransferRequest) (settlement.Receipt, error) {
		return settlement.Receipt{}, &settlement.UnknownOutcomeError{Ledger: settlement.LedgerPrimary, Reference: "sig-slow"}
	}

	_, err := h.fund(t, projectID, 100, settlement.Stable())
	require.ErrorIs(t, err, ErrSettlementUnknownOutcome)
	var typed *Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, "sig-slow", typed.Reference)

	row, err := h.store.GetEscrowByProject(ctx, projectID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowPending, row.Status)
	require.Equal(t, "sig-slow", row.PendingReference)

	h.rails.status["sig-slow"] = settlement.TxPending
	_, err = h.fund(t, projectID, 100, settlement.Stable())
	require.ErrorIs(t, err, ErrSettlementUnknownOutcome)
	require.Equal(t, 1, h.rails.funding.count(), "an unconfirmed transfer must not be resubmitted")

	h.rails.status["sig-slow"] = settlement.TxConfirmed
	result, err := h.manager.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Funded)

	row, err = h.store.GetEscrowByProject(ctx, projectID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, row.Status)
	require.Equal(t, "sig-slow", row.TransactionSignature)
	require.Empty(t, row.PendingReference)
}

func TestReconcileDropsMissingReferenceAfterGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := uuid.New()
	h.rails.funding.transferFn = func(settlement.TransferRequest) (settlement.Receipt, error) {
		return settlement.Receipt{}, &settlement.UnknownOutcomeError{Ledger: settlement.LedgerPrimary, Reference: "sig-lost"}
	}
	_, err := h.fund(t, projectID, 100, settlement.Stable())
	require.ErrorIs(t, err, ErrSettlementUnknownOutcome)

	result, err := h.manager.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Unresolved)

	h.now = h.now.Add(6 * time.Minute)
	result, err = h.manager.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Dropped)
	_, err = h.store.GetEscrowByProject(ctx, projectID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAndFundRejectsSecondEscrow(t *testing.T) {
	h := newHarness(t)
	projectID := uuid.New()
	_, err := h.fund(t, projectID, 100, settlement.Stable())
	require.NoError(t, err)

	_, err = h.fund(t, projectID, 100, settlement.Stable())
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Equal(t, 1, h.rails.funding.count())
}

func TestReleasePaysContractValue(t *testing.T) {
	h := newHarness(t)
	projectID := uuid.New()
	funded, err := h.fund(t, projectID, 500, settlement.Stable())
	require.NoError(t, err)

	released, err := h.manager.Release(context.Background(), funded.ID, "freelancer-wallet")
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)
	require.Equal(t, "freelancer-wallet", released.FreelancerWallet)
	require.Equal(t, "sig-release:"+projectID.String(), released.ReleaseSignature)
	require.NotNil(t, released.ReleasedAt)

	require.Equal(t, 1, h.rails.payout.count())
	sent := h.rails.payout.transfers[0]
	require.Equal(t, 0, sent.Amount.Cmp(big.NewRat(500, 1)), "platform fee stays in escrow")
	require.Equal(t, funded.EscrowAccount, sent.From)

	_, err = h.manager.Release(context.Background(), funded.ID, "freelancer-wallet")
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Equal(t, 1, h.rails.payout.count())
}

func TestReleaseUnknownOutcomeStaysFunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	funded, err := h.fund(t, uuid.New(), 200, settlement.Stable())
	require.NoError(t, err)
	h.rails.payout.transferFn = func(settlement.TransferRequest) (settlement.Receipt, error) {
		return settlement.Receipt{}, &settlement.UnknownOutcomeError{Ledger: settlement.LedgerPrimary, Reference: "sig-release-slow"}
	}

	_, err = h.manager.Release(ctx, funded.ID, "freelancer-wallet")
	require.ErrorIs(t, err, ErrSettlementUnknownOutcome)
	row, err := h.store.GetEscrow(ctx, funded.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, row.Status)
	require.Equal(t, "sig-release-slow", row.PendingReference)

	h.rails.status["sig-release-slow"] = settlement.TxConfirmed
	released, err := h.manager.Release(ctx, funded.ID, "freelancer-wallet")
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)
	require.Equal(t, "sig-release-slow", released.ReleaseSignature)
	require.Equal(t, 1, h.rails.payout.count())
}

func TestReleaseRequiresFundedEscrow(t *testing.T) {
	h := newHarness(t)
	funded, err := h.fund(t, uuid.New(), 200, settlement.Stable())
	require.NoError(t, err)
	_, err = h.manager.MarkDisputed(context.Background(), funded.ID)
	require.NoError(t, err)

	_, err = h.manager.Release(context.Background(), funded.ID, "freelancer-wallet")
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Zero(t, h.rails.payout.count())

	_, err = h.manager.Release(context.Background(), uuid.New(), "freelancer-wallet")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDisputedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	funded, err := h.fund(t, uuid.New(), 200, settlement.Stable())
	require.NoError(t, err)

	disputed, err := h.manager.MarkDisputed(context.Background(), funded.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowDisputed, disputed.Status)
	again, err := h.manager.MarkDisputed(context.Background(), funded.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowDisputed, again.Status)
}

func TestQuoteRoundsFeeToMinorUnits(t *testing.T) {
	h := newHarness(t)
	quote, err := h.manager.Quote(context.Background(), big.NewRat(333, 100), settlement.Stable())
	require.NoError(t, err)
	require.Equal(t, "0.333", settlement.FormatAmount(quote.PlatformFee, 6))
	require.Equal(t, "3.663", settlement.FormatAmount(quote.TotalLocked, 6))

	_, err = h.manager.Quote(context.Background(), big.NewRat(0, 1), settlement.Stable())
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestCreateAndFundRejectsForeignClientWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := uuid.New()
	_, err := h.manager.CreateAndFund(ctx, FundRequest{
		ProjectID:    projectID,
		ClientWallet: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		AmountUSD:    big.NewRat(100, 1),
		Currency:     settlement.Stable(),
		Payer:        h.payer,
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Zero(t, h.rails.funding.count())
	_, err = h.store.GetEscrowByProject(ctx, projectID)
	require.ErrorIs(t, err, store.ErrNotFound)

	own, err := h.payer.Address(ctx, settlement.LedgerPrimary)
	require.NoError(t, err)
	escrow, err := h.manager.CreateAndFund(ctx, FundRequest{
		ProjectID:    projectID,
		ClientWallet: own,
		AmountUSD:    big.NewRat(100, 1),
		Currency:     settlement.Stable(),
		Payer:        h.payer,
	})
	require.NoError(t, err)
	require.Equal(t, own, escrow.ClientWallet)
	require.Equal(t, own, h.rails.funding.transfers[0].From)
}

type failingCreateStore struct {
	*store.Store
	err error
}

func (s failingCreateStore) CreateEscrow(context.Context, *models.Escrow) error { return s.err }

func TestCreateAndFundSurfacesStoreErrors(t *testing.T) {
	h := newHarness(t)
	outage := errors.New("connection refused")
	manager := NewManager(failingCreateStore{Store: h.store, err: outage}, h.rails, fixedOracle{usdPerNative: big.NewRat(100, 1)},
		settlement.NewCustody(mustRoot(t)), Config{})

	_, err := manager.CreateAndFund(context.Background(), FundRequest{
		ProjectID: uuid.New(),
		AmountUSD: big.NewRat(100, 1),
		Currency:  settlement.Stable(),
		Payer:     h.payer,
	})
	require.ErrorIs(t, err, outage)
	require.NotErrorIs(t, err, ErrInvariantViolation)
	require.Zero(t, h.rails.funding.count())
}

func mustRoot(t *testing.T) *settlement.KeyWallet {
	t.Helper()
	root, err := settlement.NewKeyWallet([]byte("escrow-test-root-seed-0123456789abcdef"))
	require.NoError(t, err)
	return root
}

func TestReleaseFailureKeepsEscrowReleasable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	funded, err := h.fund(t, uuid.New(), 300, settlement.Stable())
	require.NoError(t, err)
	h.rails.payout.transferFn = func(req settlement.TransferRequest) (settlement.Receipt, error) {
		if req.To == "typo-wallet" {
			return settlement.Receipt{}, settlement.ErrInvalidAddress
		}
		return settlement.Receipt{Reference: "sig-payout"}, nil
	}

	_, err = h.manager.Release(ctx, funded.ID, "typo-wallet")
	require.ErrorIs(t, err, ErrSettlementFailed)
	row, err := h.store.GetEscrow(ctx, funded.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, row.Status)
	require.Empty(t, row.FreelancerWallet)

	released, err := h.manager.Release(ctx, funded.ID, "correct-wallet")
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)
	require.Equal(t, "correct-wallet", released.FreelancerWallet)
	require.Equal(t, "sig-payout", released.ReleaseSignature)
}

func TestReleaseDroppedReferenceUnbindsWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	funded, err := h.fund(t, uuid.New(), 300, settlement.Stable())
	require.NoError(t, err)
	h.rails.payout.transferFn = func(settlement.TransferRequest) (settlement.Receipt, error) {
		return settlement.Receipt{}, &settlement.UnknownOutcomeError{Ledger: settlement.LedgerPrimary, Reference: "sig-lost-payout"}
	}

	_, err = h.manager.Release(ctx, funded.ID, "first-wallet")
	require.ErrorIs(t, err, ErrSettlementUnknownOutcome)
	row, err := h.store.GetEscrow(ctx, funded.ID)
	require.NoError(t, err)
	require.Equal(t, "first-wallet", row.FreelancerWallet)
	require.Equal(t, "sig-lost-payout", row.PendingReference)

	h.rails.status["sig-lost-payout"] = settlement.TxFailed
	h.rails.payout.transferFn = nil
	released, err := h.manager.Release(ctx, funded.ID, "second-wallet")
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)
	require.Equal(t, "second-wallet", released.FreelancerWallet)
	require.Equal(t, 2, h.rails.payout.count())
}

func TestReconcileChallengeFundingNeedsPayeeVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := uuid.New()
	h.rails.funding.transferFn = func(settlement.TransferRequest) (settlement.Receipt, error) {
		cause := fmt.Errorf("%w: not matched", settlement.ErrVerificationFailed)
		return settlement.Receipt{}, &settlement.UnknownOutcomeError{Ledger: settlement.LedgerPrimary, Reference: "sig-x", Err: cause}
	}
	_, err := h.fund(t, projectID, 100, settlement.Challenge(settlement.LedgerPrimary))
	require.ErrorIs(t, err, ErrSettlementUnknownOutcome)

	h.rails.status["sig-x"] = settlement.TxConfirmed
	h.rails.verdict = settlement.VerifyResponse{Success: true, Verified: false, Error: "amount does not match"}
	result, err := h.manager.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Unresolved)

	row, err := h.store.GetEscrowByProject(ctx, projectID)
	require.NoError(t, err)
	require.NotEqual(t, models.EscrowFunded, row.Status)
	require.Equal(t, "sig-x", row.PendingReference)
	require.Len(t, h.rails.verifies, 1)
	sent := h.rails.verifies[0]
	require.Equal(t, "sig-x", sent.Signature)
	require.Equal(t, projectID.String(), sent.ProjectID)
	require.Equal(t, row.TotalLocked, sent.Amount)
	require.Equal(t, row.EscrowAccount, sent.Recipient)

	h.rails.verdict = settlement.VerifyResponse{Success: true, Verified: true}
	result, err = h.manager.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Funded)
	row, err = h.store.GetEscrowByProject(ctx, projectID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, row.Status)
	require.Equal(t, "sig-x", row.TransactionSignature)
}

func TestClassifyWalletCapabilityIsConfiguration(t *testing.T) {
	err := classify("create_and_fund", fmt.Errorf("%w: network switch", settlement.ErrWalletCapability))
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, KindConfiguration, KindOf(err))
}

func TestOperationCounterRecordsOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	manager := NewManager(h.store, h.rails, fixedOracle{usdPerNative: big.NewRat(100, 1)}, settlement.NewCustody(mustRoot(t)), Config{
		TokenDecimals: map[settlement.LedgerID]uint8{settlement.LedgerPrimary: 6},
	}, WithMeterProvider(provider))

	_, err := manager.CreateAndFund(ctx, FundRequest{ProjectID: uuid.New(), AmountUSD: big.NewRat(100, 1), Currency: settlement.Stable(), Payer: h.payer})
	require.NoError(t, err)
	_, err = manager.CreateAndFund(ctx, FundRequest{ProjectID: uuid.New(), AmountUSD: big.NewRat(100, 1), Currency: settlement.Stable()})
	require.ErrorIs(t, err, ErrInvariantViolation)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "gigvault.escrow.operations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value("op")
				outcome, _ := dp.Attributes.Value("outcome")
				counts[op.AsString()+"/"+outcome.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, map[string]int64{
		"create_and_fund/success":             1,
		"create_and_fund/invariant_violation": 1,
	}, counts)
}
