package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gigvault/services/marketd/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(MemoryDSN(uuid.NewString()), false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return New(db)
}

func seedProject(t *testing.T, s *Store, status models.ProjectStatus) *models.Project {
	t.Helper()
	project := &models.Project{
		ClientID: uuid.New(),
		Title:    "Landing page",
		Budget:   "100",
		Status:   status,
	}
	project.SetSkills([]string{"go", "sql"})
	require.NoError(t, s.CreateProject(context.Background(), project))
	return project
}

func TestAssignFreelancerCompareAndSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectActive)
	first, second := uuid.New(), uuid.New()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AssignFreelancer(ctx, project.ID, first, "120", started))
	err := s.AssignFreelancer(ctx, project.ID, second, "90", started)
	require.ErrorIs(t, err, ErrConflict)

	loaded, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectInProgress, loaded.Status)
	require.NotNil(t, loaded.FreelancerID)
	require.Equal(t, first, *loaded.FreelancerID)
	require.Equal(t, "120", loaded.Budget)
	require.NotNil(t, loaded.StartedAt)
	require.True(t, loaded.StartedAt.Equal(started))
	require.Equal(t, []string{"go", "sql"}, loaded.Skills())
}

func TestAssignFreelancerConcurrentSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectActive)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.AssignFreelancer(ctx, project.ID, uuid.New(), "100", time.Now())
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestUnassignKeepsStartedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectActive)
	freelancer := uuid.New()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AssignFreelancer(ctx, project.ID, freelancer, "100", started))

	require.ErrorIs(t, s.UnassignFreelancer(ctx, project.ID, uuid.New()), ErrConflict)
	require.NoError(t, s.UnassignFreelancer(ctx, project.ID, freelancer))

	loaded, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectActive, loaded.Status)
	require.Nil(t, loaded.FreelancerID)
	require.NotNil(t, loaded.StartedAt)
	require.True(t, loaded.StartedAt.Equal(started))
}

func TestTransitionProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectDraft)

	err := s.TransitionProject(ctx, project.ID, []models.ProjectStatus{models.ProjectActive}, models.ProjectCancelled, nil)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, s.TransitionProject(ctx, project.ID, []models.ProjectStatus{models.ProjectDraft}, models.ProjectActive, nil))

	done := time.Now().UTC()
	require.NoError(t, s.TransitionProject(ctx, project.ID, []models.ProjectStatus{models.ProjectActive}, models.ProjectCompleted, &done))
	loaded, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)

	_, err = s.GetProject(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProposalDeletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectActive)
	other := seedProject(t, s, models.ProjectActive)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		p := &models.Proposal{ProjectID: project.ID, FreelancerID: uuid.New(), ProposedBudget: "50"}
		require.NoError(t, s.CreateProposal(ctx, p))
		ids = append(ids, p.ID)
	}
	require.NoError(t, s.CreateProposal(ctx, &models.Proposal{ProjectID: other.ID, FreelancerID: uuid.New(), ProposedBudget: "70"}))

	require.ErrorIs(t, s.DeleteProposal(ctx, other.ID, ids[0]), ErrNotFound)
	require.NoError(t, s.DeleteProposal(ctx, project.ID, ids[0]))

	n, err := s.DeleteProposals(ctx, ids[1:2])
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.DeleteProposalsByProject(ctx, project.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	remaining, err := s.ListProposals(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestEscrowTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectInProgress)
	escrow := &models.Escrow{
		ProjectID:       project.ID,
		ClientWallet:    "client",
		Amount:          "1",
		PlatformFee:     "0.1",
		TotalLocked:     "1.1",
		PaymentCurrency: "native",
		Status:          models.EscrowPending,
	}
	require.NoError(t, s.CreateEscrow(ctx, escrow))
	require.NoError(t, s.SetPendingReference(ctx, escrow.ID, models.EscrowPending, "sig-1"))
	unresolved, err := s.ListUnresolvedEscrows(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	funded := time.Now().UTC()
	require.NoError(t, s.TransitionEscrow(ctx, escrow.ID, []models.EscrowStatus{models.EscrowPending}, models.EscrowFunded, map[string]interface{}{
		"transaction_signature": "sig-1",
		"funded_at":             funded,
		"pending_reference":     "",
	}))
	err = s.TransitionEscrow(ctx, escrow.ID, []models.EscrowStatus{models.EscrowPending}, models.EscrowFunded, nil)
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, s.DeletePendingEscrow(ctx, escrow.ID), ErrConflict)

	loaded, err := s.GetEscrowByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowFunded, loaded.Status)
	require.Equal(t, "sig-1", loaded.TransactionSignature)

	funded2, err := s.ListEscrowsByStatus(ctx, models.EscrowFunded, 0)
	require.NoError(t, err)
	require.Len(t, funded2, 1)

	second := &models.Escrow{ProjectID: project.ID, Amount: "1", PaymentCurrency: "native", Status: models.EscrowPending}
	require.ErrorIs(t, s.CreateEscrow(ctx, second), ErrDuplicate)
}

func TestReviewSubmissionOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, s, models.ProjectInProgress)
	sub := &models.WorkSubmission{ProjectID: project.ID, FreelancerID: uuid.New(), Description: "v1"}
	require.NoError(t, s.CreateSubmission(ctx, sub))
	require.Equal(t, models.SubmissionSubmitted, sub.Status)

	require.NoError(t, s.ReviewSubmission(ctx, sub.ID, models.SubmissionApproved))
	require.ErrorIs(t, s.ReviewSubmission(ctx, sub.ID, models.SubmissionRejected), ErrConflict)

	subs, err := s.ListSubmissions(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, models.SubmissionApproved, subs[0].Status)
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dsn, err := FileDSN("market.db")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if dsn[:5] != "file:" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}
