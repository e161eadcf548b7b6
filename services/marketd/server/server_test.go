package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/lifecycle"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

var testSecret = []byte("marketd-test-secret")

type fakeEscrows struct {
	mu        sync.Mutex
	byProject map[uuid.UUID]*models.Escrow
	fundErr   error
}

func (f *fakeEscrows) CreateAndFund(_ context.Context, req escrow.FundRequest) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	row := &models.Escrow{
		ID:              uuid.New(),
		ProjectID:       req.ProjectID,
		ClientWallet:    req.ClientWallet,
		AmountUSD:       settlement.FormatAmount(req.AmountUSD, 2),
		PaymentCurrency: req.Currency.String(),
		Status:          models.EscrowFunded,
	}
	f.byProject[req.ProjectID] = row
	return row, nil
}

func (f *fakeEscrows) ForProject(_ context.Context, projectID uuid.UUID) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byProject[projectID]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeEscrows) Release(_ context.Context, escrowID uuid.UUID, wallet string) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.byProject {
		if row.ID == escrowID && row.Status == models.EscrowFunded {
			row.Status = models.EscrowReleased
			row.FreelancerWallet = wallet
			row.ReleaseSignature = "sig-release"
			cp := *row
			return &cp, nil
		}
	}
	return nil, escrow.Invariant("release", "not funded")
}

func (f *fakeEscrows) MarkDisputed(_ context.Context, escrowID uuid.UUID) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.byProject {
		if row.ID == escrowID {
			row.Status = models.EscrowDisputed
			cp := *row
			return &cp, nil
		}
	}
	return nil, escrow.ErrNotFound
}

type fixedQuoter struct{}

func (fixedQuoter) Quote(_ context.Context, usd *big.Rat, _ settlement.PaymentCurrency) (escrow.Quote, error) {
	fee := new(big.Rat).Quo(usd, big.NewRat(10, 1))
	return escrow.Quote{
		Amount:      usd,
		PlatformFee: fee,
		TotalLocked: new(big.Rat).Add(usd, fee),
		Decimals:    6,
	}, nil
}

type staticWallets struct{}

func (staticWallets) ForSession(session string) (settlement.Wallet, error) {
	if session == "" {
		return nil, errors.New("wallet session required")
	}
	return settlement.FuncWallet{}, nil
}

type harness struct {
	handler    http.Handler
	escrows    *fakeEscrows
	client     uuid.UUID
	freelancer uuid.UUID
}

func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	db, err := store.Open(store.MemoryDSN(uuid.NewString()), false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	escrows := &fakeEscrows{byProject: map[uuid.UUID]*models.Escrow{}}
	machine := lifecycle.NewMachine(store.New(db), escrows, lifecycle.DefaultPolicy())
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "marketd-test"})
	require.NoError(t, err)
	srv, err := New(Config{
		Machine: machine,
		Quoter:  fixedQuoter{},
		Wallets: staticWallets{},
		DB:      db,
		Auth:    auth,
		Limiter: limiter,
	})
	require.NoError(t, err)
	return &harness{handler: srv.Handler(), escrows: escrows, client: uuid.New(), freelancer: uuid.New()}
}

func token(t *testing.T, subject uuid.UUID, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject.String(),
		"role": role,
		"iss":  "marketd-test",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, bearer string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/v1/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/projects", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/projects", token(t, h.freelancer, models.RoleFreelancer), map[string]string{"title": "x", "budget": "1"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProjectFlowThroughHandlers(t *testing.T) {
	h := newHarness(t, nil)
	clientTok := token(t, h.client, models.RoleClient)
	freelancerTok := token(t, h.freelancer, models.RoleFreelancer)

	rec := h.do(t, http.MethodPost, "/api/v1/projects", clientTok, map[string]interface{}{
		"title":           "Landing page",
		"budget":          "500",
		"required_skills": []string{"go", "css"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project := decode[models.Project](t, rec)
	base := "/api/v1/projects/" + project.ID.String()

	rec = h.do(t, http.MethodPost, base+"/proposals", freelancerTok, map[string]string{"proposed_budget": "450", "cover_letter": "hi"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	proposal := decode[models.Proposal](t, rec)

	rec = h.do(t, http.MethodPost, base+"/proposals/"+proposal.ID.String()+"/accept", freelancerTok, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/proposals/"+proposal.ID.String()+"/accept", clientTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decode[models.Project](t, rec)
	require.Equal(t, models.ProjectInProgress, accepted.Status)
	require.Equal(t, "450", accepted.Budget)

	rec = h.do(t, http.MethodPost, base+"/escrow", clientTok, map[string]string{"currency": "stable", "client_wallet": "client-wallet", "wallet_session": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, base+"/complete", clientTok, map[string]string{"freelancer_wallet": "payout"})
	require.Equal(t, http.StatusConflict, rec.Code, "completion needs approved work")

	rec = h.do(t, http.MethodPost, base+"/submissions", freelancerTok, map[string]string{"description": "done"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submission := decode[models.WorkSubmission](t, rec)

	rec = h.do(t, http.MethodPost, base+"/submissions/"+submission.ID.String()+"/review", clientTok, map[string]bool{"approve": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, base+"/complete", clientTok, map[string]string{"freelancer_wallet": "payout"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, models.ProjectCompleted, decode[models.Project](t, rec).Status)

	rec = h.do(t, http.MethodGet, base+"/escrow", freelancerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	held := decode[models.Escrow](t, rec)
	require.Equal(t, models.EscrowReleased, held.Status)
	require.Equal(t, "payout", held.FreelancerWallet)

	rec = h.do(t, http.MethodGet, base+"/events", clientTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestFundUnknownOutcomeIsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	h.escrows.fundErr = &escrow.Error{Kind: escrow.KindUnknownOutcome, Op: "fund", Reference: "sig-pending"}
	clientTok := token(t, h.client, models.RoleClient)

	rec := h.do(t, http.MethodPost, "/api/v1/projects", clientTok, map[string]string{"title": "Logo", "budget": "100"})
	require.Equal(t, http.StatusCreated, rec.Code)
	project := decode[models.Project](t, rec)

	rec = h.do(t, http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/escrow", clientTok,
		map[string]string{"currency": "stable", "client_wallet": "w", "wallet_session": "s"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "sig-pending", body.Reference)
	require.Equal(t, string(escrow.KindUnknownOutcome), body.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/projects/"+project.ID.String()+"/escrow", clientTok,
		map[string]string{"currency": "gold", "wallet_session": "s"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t, nil)
	clientTok := token(t, h.client, models.RoleClient)
	body := map[string]string{"title": "Once", "budget": "10"}

	first := h.do(t, http.MethodPost, "/api/v1/projects", clientTok, body, "Idempotency-Key", "create-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := h.do(t, http.MethodPost, "/api/v1/projects", clientTok, body, "Idempotency-Key", "create-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.Equal(t, decode[models.Project](t, first).ID, decode[models.Project](t, second).ID)

	other := h.do(t, http.MethodPost, "/api/v1/projects", token(t, uuid.New(), models.RoleClient), body, "Idempotency-Key", "create-1")
	require.Equal(t, http.StatusConflict, other.Code)

	rec := h.do(t, http.MethodGet, "/api/v1/projects?mine=true", clientTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]models.Project](t, rec), 1)
}

func TestIdempotencyRecordFailureIsLogged(t *testing.T) {
	db, err := store.Open(store.MemoryDSN(uuid.NewString()), false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_idempotency", func(tx *gorm.DB) {
		if tx.Statement.Table == "idempotency_keys" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	handler := WithIdempotency(db, logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", nil)
	req.Header.Set("Idempotency-Key", "create-9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, logs.String(), "store idempotency record failed")
	require.Contains(t, logs.String(), "disk full")
	require.Contains(t, logs.String(), "create-9")
}

func TestRateLimitPerCaller(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	h := newHarness(t, limiter)
	clientTok := token(t, h.client, models.RoleClient)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/projects", clientTok, nil).Code)
	require.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/api/v1/projects", clientTok, nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/projects", token(t, h.freelancer, models.RoleFreelancer), nil).Code)
}

func TestQuoteEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/v1/quote?amount=100&currency=stable", token(t, h.client, models.RoleClient), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quote := decode[map[string]string](t, rec)
	require.Equal(t, "110", quote["total_locked"])
	require.Equal(t, "10", quote["platform_fee"])
}

func TestStatusForTaxonomy(t *testing.T) {
	cases := []struct {
		err     error
		status  int
		partial bool
	}{
		{&escrow.Error{Kind: escrow.KindInsufficientFunds, Required: "5.02", Available: "5"}, http.StatusUnprocessableEntity, false},
		{&escrow.Error{Kind: escrow.KindUserCancelled}, http.StatusConflict, false},
		{&escrow.Error{Kind: escrow.KindUnknownOutcome, Reference: "r"}, http.StatusAccepted, false},
		{escrow.PartialCompletion("complete", "released but not completed", nil), http.StatusInternalServerError, true},
		{escrow.Invariant("accept", "taken"), http.StatusConflict, false},
		{&escrow.Error{Kind: escrow.KindSettlementFailed}, http.StatusBadGateway, false},
		{&escrow.Error{Kind: escrow.KindConfiguration}, http.StatusNotImplemented, false},
		{lifecycle.ErrNotFound, http.StatusNotFound, false},
		{lifecycle.ErrForbidden, http.StatusForbidden, false},
		{lifecycle.ErrValidation, http.StatusBadRequest, false},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		status, body := statusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.partial, body.Partial)
	}
}
