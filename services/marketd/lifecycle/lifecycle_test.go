package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/events"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

type fakeEscrows struct {
	mu         sync.Mutex
	byProject  map[uuid.UUID]*models.Escrow
	releaseErr error
	released   []string
}

func newFakeEscrows() *fakeEscrows {
	return &fakeEscrows{byProject: make(map[uuid.UUID]*models.Escrow)}
}

func (f *fakeEscrows) CreateAndFund(_ context.Context, req escrow.FundRequest) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := &models.Escrow{
		ID:                   uuid.New(),
		ProjectID:            req.ProjectID,
		ClientWallet:         req.ClientWallet,
		AmountUSD:            settlement.FormatAmount(req.AmountUSD, 2),
		Amount:               settlement.FormatAmount(req.AmountUSD, 6),
		PaymentCurrency:      req.Currency.String(),
		Ledger:               string(req.Currency.Ledger),
		Status:               models.EscrowFunded,
		TransactionSignature: "sig-fund",
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

func (f *fakeEscrows) find(id uuid.UUID) *models.Escrow {
	for _, row := range f.byProject {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (f *fakeEscrows) Release(_ context.Context, escrowID uuid.UUID, wallet string) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	row := f.find(escrowID)
	if row == nil || row.Status != models.EscrowFunded {
		return nil, escrow.Invariant("release", "not funded")
	}
	row.Status = models.EscrowReleased
	row.FreelancerWallet = wallet
	row.ReleaseSignature = "sig-release"
	f.released = append(f.released, wallet)
	cp := *row
	return &cp, nil
}

func (f *fakeEscrows) MarkDisputed(_ context.Context, escrowID uuid.UUID) (*models.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.find(escrowID)
	if row == nil {
		return nil, escrow.ErrNotFound
	}
	row.Status = models.EscrowDisputed
	cp := *row
	return &cp, nil
}

type harness struct {
	machine *Machine
	store   *store.Store
	escrows *fakeEscrows
	events  *events.Memory
	now     time.Time
	client  uuid.UUID
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	db, err := store.Open(store.MemoryDSN(uuid.NewString()), false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	h := &harness{
		escrows: newFakeEscrows(),
		events:  events.NewMemory(64),
		now:     time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		client:  uuid.New(),
	}
	clock := func() time.Time { return h.now }
	h.store = store.New(db, store.WithClock(clock))
	h.machine = NewMachine(h.store, h.escrows, policy, WithClock(clock), WithPublisher(h.events))
	return h
}

func (h *harness) tick(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) activeProject(t *testing.T) *models.Project {
	t.Helper()
	project, err := h.machine.CreateProject(context.Background(), h.client, ProjectInput{
		Title:          "Storefront",
		Budget:         "100",
		RequiredSkills: []string{"go", "postgres"},
	})
	require.NoError(t, err)
	return project
}

func (h *harness) propose(t *testing.T, projectID, freelancer uuid.UUID, budget string) *models.Proposal {
	t.Helper()
	proposal, err := h.machine.SubmitProposal(context.Background(), freelancer, projectID, ProposalInput{ProposedBudget: budget})
	require.NoError(t, err)
	h.tick(time.Minute)
	return proposal
}

func requireAssignmentInvariant(t *testing.T, project *models.Project) {
	t.Helper()
	require.Equal(t, project.Status.Assigned(), project.FreelancerID != nil, "status %s with freelancer %v", project.Status, project.FreelancerID)
}

func TestAcceptProposalAssignsAndConsumesProposals(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)
	winner, loser := uuid.New(), uuid.New()
	accepted := h.propose(t, project.ID, winner, "120")
	h.propose(t, project.ID, loser, "90")

	updated, err := h.machine.AcceptProposal(ctx, h.client, project.ID, accepted.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectInProgress, updated.Status)
	require.Equal(t, winner, *updated.FreelancerID)
	require.Equal(t, "120", updated.Budget)
	require.NotNil(t, updated.StartedAt)
	require.True(t, updated.StartedAt.Equal(h.now))
	requireAssignmentInvariant(t, updated)

	remaining, err := h.store.ListProposals(ctx, project.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Contains(t, h.events.Types(), events.TypeProposalAccepted)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)
	first := h.propose(t, project.ID, uuid.New(), "100")
	second := h.propose(t, project.ID, uuid.New(), "110")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = h.machine.AcceptProposal(ctx, h.client, project.ID, id)
		}(i, id)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, escrow.ErrInvariantViolation):
			conflicts++
		default:
			// The loser may observe the proposal already consumed by the winner.
			require.ErrorIs(t, err, ErrNotFound)
			conflicts++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)

	current, err := h.store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectInProgress, current.Status)
	requireAssignmentInvariant(t, current)
}

func TestAcceptRequiresActiveUnassignedProject(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)
	p := h.propose(t, project.ID, uuid.New(), "100")
	_, err := h.machine.AcceptProposal(ctx, uuid.New(), project.ID, p.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.machine.AcceptProposal(ctx, h.client, project.ID, p.ID)
	require.NoError(t, err)

	late := &models.Proposal{ProjectID: project.ID, FreelancerID: uuid.New(), ProposedBudget: "80", CreatedAt: h.now}
	require.NoError(t, h.store.CreateProposal(ctx, late))
	_, err = h.machine.AcceptProposal(ctx, h.client, project.ID, late.ID)
	require.ErrorIs(t, err, escrow.ErrInvariantViolation)
}

func TestKickOffPurgesOnlyEarlierProposals(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)
	contractor := uuid.New()
	accepted := h.propose(t, project.ID, contractor, "100")
	assigned, err := h.machine.AcceptProposal(ctx, h.client, project.ID, accepted.ID)
	require.NoError(t, err)
	startedAt := *assigned.StartedAt

	stale := &models.Proposal{ProjectID: project.ID, FreelancerID: contractor, ProposedBudget: "95", CreatedAt: startedAt.Add(-time.Hour)}
	require.NoError(t, h.store.CreateProposal(ctx, stale))
	other := &models.Proposal{ProjectID: project.ID, FreelancerID: uuid.New(), ProposedBudget: "99", CreatedAt: startedAt.Add(-time.Hour)}
	require.NoError(t, h.store.CreateProposal(ctx, other))

	h.tick(time.Hour)
	reopened, err := h.machine.KickOffFreelancer(ctx, h.client, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectActive, reopened.Status)
	require.Nil(t, reopened.FreelancerID)
	require.NotNil(t, reopened.StartedAt)
	require.True(t, reopened.StartedAt.Equal(startedAt), "started_at survives kick-off")
	requireAssignmentInvariant(t, reopened)

	_, err = h.store.GetProposal(ctx, stale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.GetProposal(ctx, other.ID)
	require.NoError(t, err)

	fresh := h.propose(t, project.ID, contractor, "105")
	visible, err := h.machine.ListProposals(ctx, project.ID)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(visible))
	for _, p := range visible {
		ids = append(ids, p.ID)
	}
	require.ElementsMatch(t, []uuid.UUID{other.ID, fresh.ID}, ids)
}

func TestKickOffRejectedAfterApprovedWork(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)
	contractor := uuid.New()
	p := h.propose(t, project.ID, contractor, "100")
	_, err := h.machine.AcceptProposal(ctx, h.client, project.ID, p.ID)
	require.NoError(t, err)
	work, err := h.machine.SubmitWork(ctx, contractor, project.ID, "delivered")
	require.NoError(t, err)
	_, err = h.machine.ReviewWork(ctx, h.client, project.ID, work.ID, true)
	require.NoError(t, err)

	_, err = h.machine.KickOffFreelancer(ctx, h.client, project.ID)
	require.ErrorIs(t, err, escrow.ErrInvariantViolation)
}

func TestListProposalsPurgesStaleFromStorage(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)
	contractor := uuid.New()
	p := h.propose(t, project.ID, contractor, "100")
	_, err := h.machine.AcceptProposal(ctx, h.client, project.ID, p.ID)
	require.NoError(t, err)
	work, err := h.machine.SubmitWork(ctx, contractor, project.ID, "first draft")
	require.NoError(t, err)
	_, err = h.machine.ReviewWork(ctx, h.client, project.ID, work.ID, false)
	require.NoError(t, err)
	current, err := h.store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	_, err = h.machine.KickOffFreelancer(ctx, h.client, project.ID)
	require.NoError(t, err)

	// A bid dated before started_at arriving after the kick-off purge, e.g. from a replica.
	stale := &models.Proposal{ProjectID: project.ID, FreelancerID: contractor, ProposedBudget: "90", CreatedAt: current.StartedAt.Add(-time.Minute)}
	require.NoError(t, h.store.CreateProposal(ctx, stale))

	purged, err := h.machine.PurgeStaleProposals(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
	_, err = h.store.GetProposal(ctx, stale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWasPreviouslyAssigned(t *testing.T) {
	contractor := uuid.New()
	profile := &models.Profile{UserID: contractor, PrimaryWallet: "Wallet1111", EVMWallet: "0xAbC"}

	require.False(t, WasPreviouslyAssigned(contractor, nil, nil, profile))
	require.True(t, WasPreviouslyAssigned(contractor, []models.WorkSubmission{{FreelancerID: contractor}}, nil, nil))
	require.True(t, WasPreviouslyAssigned(contractor, nil, &models.Escrow{FreelancerWallet: "0xabc"}, profile))
	require.False(t, WasPreviouslyAssigned(contractor, nil, &models.Escrow{FreelancerWallet: "Other"}, profile))
	require.False(t, WasPreviouslyAssigned(uuid.New(), nil, &models.Escrow{FreelancerWallet: "Wallet1111"}, profile))
}

func TestSubmitProposalRules(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project := h.activeProject(t)

	_, err := h.machine.SubmitProposal(ctx, h.client, project.ID, ProposalInput{ProposedBudget: "10"})
	require.ErrorIs(t, err, ErrForbidden)

	contractor := uuid.New()
	h.propose(t, project.ID, contractor, "100")
	_, err = h.machine.SubmitProposal(ctx, contractor, project.ID, ProposalInput{ProposedBudget: "90"})
	require.ErrorIs(t, err, escrow.ErrInvariantViolation)

	_, err = h.machine.SubmitProposal(ctx, uuid.New(), project.ID, ProposalInput{ProposedBudget: "-1"})
	require.ErrorIs(t, err, ErrValidation)

	draft, err := h.machine.CreateProject(ctx, h.client, ProjectInput{Title: "Later", Budget: "50", Draft: true})
	require.NoError(t, err)
	_, err = h.machine.SubmitProposal(ctx, uuid.New(), draft.ID, ProposalInput{ProposedBudget: "50"})
	require.ErrorIs(t, err, escrow.ErrInvariantViolation)
	published, err := h.machine.PublishProject(ctx, h.client, draft.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectActive, published.Status)
}

func startedProject(t *testing.T, h *harness) (*models.Project, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	project := h.activeProject(t)
	_, err := h.machine.FundProject(ctx, h.client, FundRequest{ProjectID: project.ID, Currency: settlement.Stable(), ClientWallet: "client-wallet"})
	require.NoError(t, err)
	contractor := uuid.New()
	p := h.propose(t, project.ID, contractor, "100")
	_, err = h.machine.AcceptProposal(ctx, h.client, project.ID, p.ID)
	require.NoError(t, err)
	return project, contractor
}

func TestCompleteProjectReleasesBeforeCompleting(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project, contractor := startedProject(t, h)
	require.NoError(t, h.store.UpsertProfile(ctx, &models.Profile{UserID: contractor, Role: models.RoleFreelancer, PrimaryWallet: "payout-wallet"}))

	_, err := h.machine.CompleteProject(ctx, h.client, project.ID, "")
	require.ErrorIs(t, err, escrow.ErrInvariantViolation, "approved work required")

	work, err := h.machine.SubmitWork(ctx, contractor, project.ID, "done")
	require.NoError(t, err)
	_, err = h.machine.ReviewWork(ctx, h.client, project.ID, work.ID, true)
	require.NoError(t, err)

	completed, err := h.machine.CompleteProject(ctx, h.client, project.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.ProjectCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	requireAssignmentInvariant(t, completed)
	require.Equal(t, []string{"payout-wallet"}, h.escrows.released)

	held, err := h.escrows.ForProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, held.Status)
	require.Contains(t, h.events.Types(), events.TypeProjectCompleted)
}

func TestCompleteProjectUnknownOutcomeChangesNothing(t *testing.T) {
	h := newHarness(t, Policy{RequireApprovedWork: false})
	ctx := context.Background()
	project, _ := startedProject(t, h)
	h.escrows.releaseErr = &escrow.Error{Kind: escrow.KindUnknownOutcome, Op: "release", Reference: "sig-pending"}

	_, err := h.machine.CompleteProject(ctx, h.client, project.ID, "payout-wallet")
	require.ErrorIs(t, err, escrow.ErrSettlementUnknownOutcome)

	current, err := h.store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectInProgress, current.Status)
	require.Nil(t, current.CompletedAt)
	held, err := h.escrows.ForProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, held.Status)
}

type failingCompletionStore struct {
	*store.Store
}

func (s failingCompletionStore) TransitionProject(ctx context.Context, id uuid.UUID, from []models.ProjectStatus, next models.ProjectStatus, at *time.Time) error {
	if next == models.ProjectCompleted {
		return errors.New("database unavailable")
	}
	return s.Store.TransitionProject(ctx, id, from, next, at)
}

func TestCompleteProjectPartialCompletion(t *testing.T) {
	h := newHarness(t, Policy{RequireApprovedWork: false})
	ctx := context.Background()
	project, _ := startedProject(t, h)
	broken := NewMachine(failingCompletionStore{h.store}, h.escrows, Policy{}, WithClock(func() time.Time { return h.now }))

	_, err := broken.CompleteProject(ctx, h.client, project.ID, "payout-wallet")
	require.ErrorIs(t, err, escrow.ErrPartialCompletion)
	var typed *escrow.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, "sig-release", typed.Reference)

	// A retry on a healthy store finishes the completion without a second release.
	completed, err := h.machine.CompleteProject(ctx, h.client, project.ID, "payout-wallet")
	require.NoError(t, err)
	require.Equal(t, models.ProjectCompleted, completed.Status)
	require.Len(t, h.escrows.released, 1)
}

func TestDisputeFreezesEscrow(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project, contractor := startedProject(t, h)

	_, err := h.machine.DisputeProject(ctx, uuid.New(), project.ID, "")
	require.ErrorIs(t, err, ErrForbidden)

	disputed, err := h.machine.DisputeProject(ctx, contractor, project.ID, "client unresponsive")
	require.NoError(t, err)
	require.Equal(t, models.ProjectDisputed, disputed.Status)
	requireAssignmentInvariant(t, disputed)
	held, err := h.escrows.ForProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowDisputed, held.Status)

	_, err = h.machine.CompleteProject(ctx, h.client, project.ID, "payout-wallet")
	require.ErrorIs(t, err, escrow.ErrInvariantViolation)
}

func TestCancelProject(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	open := h.activeProject(t)
	h.propose(t, open.ID, uuid.New(), "100")

	cancelled, err := h.machine.CancelProject(ctx, h.client, open.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectCancelled, cancelled.Status)
	remaining, err := h.store.ListProposals(ctx, open.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)

	funded := h.activeProject(t)
	_, err = h.machine.FundProject(ctx, h.client, FundRequest{ProjectID: funded.ID, Currency: settlement.Stable()})
	require.NoError(t, err)
	_, err = h.machine.CancelProject(ctx, h.client, funded.ID)
	require.ErrorIs(t, err, escrow.ErrInvariantViolation)
}

func TestCreateProjectWithPreselectedContractor(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	contractor := uuid.New()
	project, err := h.machine.CreateProject(context.Background(), h.client, ProjectInput{
		Title:        "Direct hire",
		Budget:       "250.5",
		FreelancerID: &contractor,
	})
	require.NoError(t, err)
	require.Equal(t, models.ProjectInProgress, project.Status)
	require.Equal(t, "250.5", project.Budget)
	require.NotNil(t, project.StartedAt)
	requireAssignmentInvariant(t, project)
}

func TestCreateProjectNormalizesSearchableText(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	// "Cafe\u0301" is the decomposed spelling of "Café".
	project, err := h.machine.CreateProject(ctx, h.client, ProjectInput{
		Title:          "  Cafe\u0301 menu site ",
		Category:       " Cafe\u0301s",
		Budget:         "80",
		RequiredSkills: []string{"go", " go ", "", "re\u0301sume\u0301"},
	})
	require.NoError(t, err)
	require.Equal(t, "Caf\u00e9 menu site", project.Title)
	require.Equal(t, "Caf\u00e9s", project.Category)
	require.Equal(t, []string{"go", "r\u00e9sum\u00e9"}, project.Skills())

	found, err := h.machine.ListProjects(ctx, store.ProjectFilter{Category: "Caf\u00e9s"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	found, err = h.machine.ListProjects(ctx, store.ProjectFilter{Category: "Cafe\u0301s"})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestSaveProfileValidatesWallets(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	contractor := uuid.New()

	_, err := h.machine.SaveProfile(ctx, contractor, ProfileInput{Role: "admin"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.machine.SaveProfile(ctx, contractor, ProfileInput{Role: models.RoleFreelancer, PrimaryWallet: "not-base58!"})
	require.ErrorIs(t, err, ErrValidation)

	saved, err := h.machine.SaveProfile(ctx, contractor, ProfileInput{
		DisplayName:   " Dana ",
		Role:          models.RoleFreelancer,
		PrimaryWallet: strings.Repeat("1", 32),
		EVMWallet:     "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
	})
	require.NoError(t, err)
	require.Equal(t, "Dana", saved.DisplayName)
	require.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", saved.EVMWallet)

	loaded, err := h.machine.Profile(ctx, contractor)
	require.NoError(t, err)
	require.Equal(t, saved.PrimaryWallet, loaded.PrimaryWallet)

	_, err = h.machine.Profile(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryIsPartyOnly(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	project, err := h.machine.CreateProject(ctx, h.client, ProjectInput{Title: "Audit", Budget: "100"})
	require.NoError(t, err)

	trail, err := h.machine.History(ctx, h.client, project.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	require.Equal(t, events.TypeProjectCreated, trail[0].Action)

	_, err = h.machine.History(ctx, uuid.New(), project.ID)
	require.ErrorIs(t, err, ErrForbidden)
}
