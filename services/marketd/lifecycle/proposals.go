package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"gigvault/observability"
	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/events"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/store"
)

// ProposalInput describes a bid.
type ProposalInput struct {
	CoverLetter       string
	ProposedBudget    string
	EstimatedTimeline string
}

// SubmitProposal records a contractor's bid on an active project. A contractor holds at
// most one live proposal per project.
func (m *Machine) SubmitProposal(ctx context.Context, freelancer, projectID uuid.UUID, in ProposalInput) (*models.Proposal, error) {
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.ClientID == freelancer {
		return nil, fmt.Errorf("%w: clients cannot bid on their own project", ErrForbidden)
	}
	if project.Status != models.ProjectActive {
		return nil, escrow.Invariant("submit_proposal", "project %s is %s, not accepting proposals", projectID, project.Status)
	}
	budget, err := validBudget(in.ProposedBudget)
	if err != nil {
		return nil, err
	}
	live, err := m.visibleProposals(ctx, project)
	if err != nil {
		return nil, err
	}
	for _, p := range live {
		if p.FreelancerID == freelancer {
			return nil, escrow.Invariant("submit_proposal", "contractor already has proposal %s on project %s", p.ID, projectID)
		}
	}
	proposal := &models.Proposal{
		ProjectID:         projectID,
		FreelancerID:      freelancer,
		CoverLetter:       strings.TrimSpace(in.CoverLetter),
		ProposedBudget:    budget,
		EstimatedTimeline: strings.TrimSpace(in.EstimatedTimeline),
		CreatedAt:         m.now(),
	}
	if err := m.store.CreateProposal(ctx, proposal); err != nil {
		return nil, err
	}
	m.record(ctx, events.TypeProposalSubmitted, projectID, freelancer, map[string]string{"proposal_id": proposal.ID.String()})
	return proposal, nil
}

// ListProposals returns the live proposals of a project. Stale proposals found on the way
// are deleted before the list is returned.
func (m *Machine) ListProposals(ctx context.Context, projectID uuid.UUID) ([]models.Proposal, error) {
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.visibleProposals(ctx, project)
}

func (m *Machine) visibleProposals(ctx context.Context, project *models.Project) ([]models.Proposal, error) {
	proposals, err := m.store.ListProposals(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if project.StartedAt == nil || len(proposals) == 0 {
		return proposals, nil
	}
	submissions, held, err := m.assignmentRecords(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	assigned := make(map[uuid.UUID]bool)
	var stale []uuid.UUID
	live := proposals[:0]
	for _, p := range proposals {
		prior, seen := assigned[p.FreelancerID]
		if !seen {
			profile, err := m.profile(ctx, p.FreelancerID)
			if err != nil {
				return nil, err
			}
			prior = WasPreviouslyAssigned(p.FreelancerID, submissions, held, profile)
			assigned[p.FreelancerID] = prior
		}
		if IsStale(project, p, prior) {
			stale = append(stale, p.ID)
			continue
		}
		live = append(live, p)
	}
	if _, err := m.purge(ctx, project.ID, stale); err != nil {
		return nil, err
	}
	return live, nil
}

// PurgeStaleProposals runs the staleness rule over every project that could hold stale
// proposals and returns the number deleted.
func (m *Machine) PurgeStaleProposals(ctx context.Context) (int64, error) {
	ids, err := m.store.ListProjectsWithProposals(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		project, err := m.store.GetProject(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return total, err
		}
		before, err := m.store.ListProposals(ctx, id)
		if err != nil {
			return total, err
		}
		live, err := m.visibleProposals(ctx, project)
		if err != nil {
			return total, err
		}
		total += int64(len(before) - len(live))
	}
	return total, nil
}

func (m *Machine) purge(ctx context.Context, projectID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := m.store.DeleteProposals(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: purge stale proposals: %w", err)
	}
	observability.Marketd().RecordPurged(n)
	m.logger.Info("purged stale proposals", slog.String("project_id", projectID.String()), slog.Int64("count", n))
	m.record(ctx, events.TypeProposalsPurged, projectID, uuid.Nil, map[string]string{"count": strconv.FormatInt(n, 10)})
	return n, nil
}

func (m *Machine) proposalOf(ctx context.Context, projectID, proposalID uuid.UUID) (*models.Proposal, error) {
	proposal, err := m.store.GetProposal(ctx, proposalID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && proposal.ProjectID != projectID) {
		return nil, fmt.Errorf("%w: proposal %s on project %s", ErrNotFound, proposalID, projectID)
	}
	return proposal, err
}

// AcceptProposal assigns the proposal's author to the project and makes the bid the
// contract value. Assignment is a single compare-and-set on an active, unassigned project,
// so of two racing accepts exactly one wins. Every proposal of the project, including the
// accepted one, is deleted before success is reported.
func (m *Machine) AcceptProposal(ctx context.Context, actor, projectID, proposalID uuid.UUID) (*models.Project, error) {
	project, err := m.ownedProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	proposal, err := m.proposalOf(ctx, projectID, proposalID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectActive || project.FreelancerID != nil {
		return nil, escrow.Invariant("accept_proposal", "project %s is %s and cannot take a contractor", projectID, project.Status)
	}
	if err := m.store.AssignFreelancer(ctx, projectID, proposal.FreelancerID, proposal.ProposedBudget, m.now()); err != nil {
		return nil, m.conflict("accept_proposal", projectID, err)
	}
	transitioned(models.ProjectActive, models.ProjectInProgress)
	removed, err := m.store.DeleteProposalsByProject(ctx, projectID)
	if err != nil {
		return nil, escrow.PartialCompletion("accept_proposal", "contractor assigned but sibling proposals remain", err)
	}
	m.record(ctx, events.TypeProposalAccepted, projectID, actor, map[string]string{
		"proposal_id":   proposalID.String(),
		"freelancer_id": proposal.FreelancerID.String(),
		"budget":        proposal.ProposedBudget,
		"removed":       strconv.FormatInt(removed, 10),
	})
	return m.project(ctx, projectID)
}

// RejectProposal deletes one proposal.
func (m *Machine) RejectProposal(ctx context.Context, actor, projectID, proposalID uuid.UUID) error {
	if _, err := m.ownedProject(ctx, actor, projectID); err != nil {
		return err
	}
	if _, err := m.proposalOf(ctx, projectID, proposalID); err != nil {
		return err
	}
	if err := m.store.DeleteProposal(ctx, projectID, proposalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: proposal %s", ErrNotFound, proposalID)
		}
		return err
	}
	m.record(ctx, events.TypeProposalRejected, projectID, actor, map[string]string{"proposal_id": proposalID.String()})
	return nil
}

// KickOffFreelancer removes the assigned contractor before any work is approved. The
// project reopens with started_at kept, and the removed contractor's proposals that
// predate it are deleted; bids they place afterwards are new applications.
func (m *Machine) KickOffFreelancer(ctx context.Context, actor, projectID uuid.UUID) (*models.Project, error) {
	project, err := m.ownedProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectInProgress || project.FreelancerID == nil {
		return nil, escrow.Invariant("kick_off", "project %s is %s", projectID, project.Status)
	}
	removed := *project.FreelancerID
	submissions, err := m.store.ListSubmissions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, s := range submissions {
		if s.Status == models.SubmissionApproved {
			return nil, escrow.Invariant("kick_off", "project %s already has approved work", projectID)
		}
	}
	if err := m.store.UnassignFreelancer(ctx, projectID, removed); err != nil {
		return nil, m.conflict("kick_off", projectID, err)
	}
	transitioned(models.ProjectInProgress, models.ProjectActive)

	proposals, err := m.store.ListProposals(ctx, projectID)
	if err != nil {
		return nil, escrow.PartialCompletion("kick_off", "contractor removed but stale proposals were not checked", err)
	}
	var stale []uuid.UUID
	for _, p := range proposals {
		if p.FreelancerID == removed && project.StartedAt != nil && p.CreatedAt.Before(*project.StartedAt) {
			stale = append(stale, p.ID)
		}
	}
	if _, err := m.purge(ctx, projectID, stale); err != nil {
		return nil, escrow.PartialCompletion("kick_off", "contractor removed but stale proposals remain", err)
	}
	m.record(ctx, events.TypeFreelancerRemoved, projectID, actor, map[string]string{"freelancer_id": removed.String()})
	return m.project(ctx, projectID)
}
