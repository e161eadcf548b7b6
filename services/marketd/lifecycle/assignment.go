package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/store"
)

// WasPreviouslyAssigned reports whether contractor holds an assignment record on a
// project: they authored a work submission, or the escrow's recorded payout wallet is one
// of their profile wallets.
func WasPreviouslyAssigned(contractor uuid.UUID, submissions []models.WorkSubmission, held *models.Escrow, profile *models.Profile) bool {
	for _, s := range submissions {
		if s.FreelancerID == contractor {
			return true
		}
	}
	if held == nil || held.FreelancerWallet == "" || profile == nil || profile.UserID != contractor {
		return false
	}
	for _, wallet := range profile.Wallets() {
		if strings.EqualFold(wallet, held.FreelancerWallet) {
			return true
		}
	}
	return false
}

// IsStale reports whether a proposal predates the project's current assignment cycle and
// was written by a contractor who already held the project.
func IsStale(project *models.Project, proposal models.Proposal, previouslyAssigned bool) bool {
	if project.StartedAt == nil || !previouslyAssigned {
		return false
	}
	return proposal.CreatedAt.Before(*project.StartedAt)
}

// assignmentRecords loads the two read-only inputs of WasPreviouslyAssigned.
func (m *Machine) assignmentRecords(ctx context.Context, projectID uuid.UUID) ([]models.WorkSubmission, *models.Escrow, error) {
	submissions, err := m.store.ListSubmissions(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	held, err := m.escrows.ForProject(ctx, projectID)
	if err != nil {
		if !errors.Is(err, escrow.ErrNotFound) {
			return nil, nil, err
		}
		held = nil
	}
	return submissions, held, nil
}

func (m *Machine) profile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	profile, err := m.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return profile, err
}
