package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/events"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

// SubmitWork records delivered work by the assigned contractor. Only one submission may
// await review at a time.
func (m *Machine) SubmitWork(ctx context.Context, freelancer, projectID uuid.UUID, description string) (*models.WorkSubmission, error) {
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.FreelancerID == nil || *project.FreelancerID != freelancer {
		return nil, fmt.Errorf("%w: only the assigned contractor may submit work", ErrForbidden)
	}
	if project.Status != models.ProjectInProgress {
		return nil, escrow.Invariant("submit_work", "project %s is %s", projectID, project.Status)
	}
	text := strings.TrimSpace(description)
	if text == "" {
		return nil, fmt.Errorf("%w: description required", ErrValidation)
	}
	existing, err := m.store.ListSubmissions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.Status == models.SubmissionSubmitted {
			return nil, escrow.Invariant("submit_work", "submission %s is still awaiting review", s.ID)
		}
	}
	submission := &models.WorkSubmission{
		ProjectID:    projectID,
		FreelancerID: freelancer,
		Description:  text,
		Status:       models.SubmissionSubmitted,
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateSubmission(ctx, submission); err != nil {
		return nil, err
	}
	m.record(ctx, events.TypeWorkSubmitted, projectID, freelancer, map[string]string{"submission_id": submission.ID.String()})
	return submission, nil
}

// ListSubmissions returns the work submissions of a project to one of its parties.
func (m *Machine) ListSubmissions(ctx context.Context, actor, projectID uuid.UUID) ([]models.WorkSubmission, error) {
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !isParty(project, actor) {
		return nil, fmt.Errorf("%w: not a party to project %s", ErrForbidden, projectID)
	}
	return m.store.ListSubmissions(ctx, projectID)
}

// ReviewWork approves or rejects a pending submission.
func (m *Machine) ReviewWork(ctx context.Context, actor, projectID, submissionID uuid.UUID, approve bool) (*models.WorkSubmission, error) {
	project, err := m.ownedProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectInProgress {
		return nil, escrow.Invariant("review_work", "project %s is %s", projectID, project.Status)
	}
	submission, err := m.store.GetSubmission(ctx, submissionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && submission.ProjectID != projectID) {
		return nil, fmt.Errorf("%w: submission %s", ErrNotFound, submissionID)
	}
	if err != nil {
		return nil, err
	}
	outcome := models.SubmissionRejected
	if approve {
		outcome = models.SubmissionApproved
	}
	if err := m.store.ReviewSubmission(ctx, submissionID, outcome); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, escrow.Invariant("review_work", "submission %s was already reviewed", submissionID)
		}
		return nil, err
	}
	m.record(ctx, events.TypeWorkReviewed, projectID, actor, map[string]string{
		"submission_id": submissionID.String(),
		"outcome":       string(outcome),
	})
	return m.store.GetSubmission(ctx, submissionID)
}

// CompleteProject releases the escrow to the contractor and, only after the release is
// confirmed, marks the project completed. When freelancerWallet is empty the payout
// wallet comes from the contractor's profile for the escrow's ledger.
func (m *Machine) CompleteProject(ctx context.Context, actor, projectID uuid.UUID, freelancerWallet string) (*models.Project, error) {
	const op = "complete"
	project, err := m.ownedProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectInProgress || project.FreelancerID == nil {
		return nil, escrow.Invariant(op, "project %s is %s", projectID, project.Status)
	}
	if m.policy.RequireApprovedWork {
		submissions, err := m.store.ListSubmissions(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if !hasApproved(submissions) {
			return nil, escrow.Invariant(op, "project %s has no approved work", projectID)
		}
	}
	held, err := m.escrows.ForProject(ctx, projectID)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, escrow.Invariant(op, "project %s has no escrow", projectID)
	}
	if err != nil {
		return nil, err
	}

	reference := held.ReleaseSignature
	switch held.Status {
	case models.EscrowReleased:
		// A prior completion released funds but failed to mark the project.
	case models.EscrowFunded:
		wallet, err := m.payoutWallet(ctx, *project.FreelancerID, held, freelancerWallet)
		if err != nil {
			return nil, err
		}
		released, err := m.escrows.Release(ctx, held.ID, wallet)
		if err != nil {
			return nil, err
		}
		reference = released.ReleaseSignature
		m.record(ctx, events.TypeEscrowReleased, projectID, actor, map[string]string{
			"escrow_id": held.ID.String(),
			"wallet":    wallet,
			"reference": reference,
		})
	default:
		return nil, escrow.Invariant(op, "escrow %s is %s, not funded", held.ID, held.Status)
	}

	completedAt := m.now()
	if err := m.store.TransitionProject(ctx, projectID, []models.ProjectStatus{models.ProjectInProgress}, models.ProjectCompleted, &completedAt); err != nil {
		return nil, &escrow.Error{
			Kind:      escrow.KindPartialCompletion,
			Op:        op,
			Message:   "escrow released but project could not be marked completed",
			Reference: reference,
			Err:       err,
		}
	}
	transitioned(models.ProjectInProgress, models.ProjectCompleted)
	m.record(ctx, events.TypeProjectCompleted, projectID, actor, map[string]string{"reference": reference})
	return m.project(ctx, projectID)
}

func hasApproved(submissions []models.WorkSubmission) bool {
	for _, s := range submissions {
		if s.Status == models.SubmissionApproved {
			return true
		}
	}
	return false
}

func (m *Machine) payoutWallet(ctx context.Context, freelancer uuid.UUID, held *models.Escrow, explicit string) (string, error) {
	if wallet := strings.TrimSpace(explicit); wallet != "" {
		return wallet, nil
	}
	profile, err := m.profile(ctx, freelancer)
	if err != nil {
		return "", err
	}
	if profile == nil {
		return "", fmt.Errorf("%w: contractor has no profile wallet", ErrValidation)
	}
	var wallet string
	switch settlement.LedgerID(held.Ledger) {
	case settlement.LedgerEVM:
		wallet = profile.EVMWallet
	default:
		wallet = profile.PrimaryWallet
	}
	if wallet == "" {
		return "", fmt.Errorf("%w: contractor has no %s wallet", ErrValidation, held.Ledger)
	}
	return wallet, nil
}

// DisputeProject freezes an in-progress project and its escrow. Either party may raise it.
func (m *Machine) DisputeProject(ctx context.Context, actor, projectID uuid.UUID, reason string) (*models.Project, error) {
	const op = "dispute"
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !isParty(project, actor) {
		return nil, fmt.Errorf("%w: not a party to project %s", ErrForbidden, projectID)
	}
	if project.Status != models.ProjectInProgress {
		return nil, escrow.Invariant(op, "project %s is %s", projectID, project.Status)
	}
	if err := m.store.TransitionProject(ctx, projectID, []models.ProjectStatus{models.ProjectInProgress}, models.ProjectDisputed, nil); err != nil {
		return nil, m.conflict(op, projectID, err)
	}
	transitioned(models.ProjectInProgress, models.ProjectDisputed)
	attrs := map[string]string{"reason": strings.TrimSpace(reason)}

	held, err := m.escrows.ForProject(ctx, projectID)
	switch {
	case errors.Is(err, escrow.ErrNotFound):
	case err != nil:
		return nil, escrow.PartialCompletion(op, "project disputed but escrow could not be loaded", err)
	case held.Status == models.EscrowPending || held.Status == models.EscrowFunded:
		if _, err := m.escrows.MarkDisputed(ctx, held.ID); err != nil {
			return nil, escrow.PartialCompletion(op, "project disputed but escrow was not frozen", err)
		}
		attrs["escrow_id"] = held.ID.String()
	}
	m.record(ctx, events.TypeProjectDisputed, projectID, actor, attrs)
	return m.project(ctx, projectID)
}
