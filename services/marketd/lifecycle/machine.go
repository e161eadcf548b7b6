package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"gigvault/observability"
	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/events"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

var (
	// ErrNotFound indicates the project, proposal or submission does not exist.
	ErrNotFound = errors.New("lifecycle: not found")
	// ErrForbidden indicates the actor may not perform the operation on the project.
	ErrForbidden = errors.New("lifecycle: actor not permitted")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("lifecycle: invalid input")
)

// Store is the persistence surface of the state machine.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, filter store.ProjectFilter) ([]models.Project, error)
	AssignFreelancer(ctx context.Context, projectID, freelancerID uuid.UUID, budget string, startedAt time.Time) error
	UnassignFreelancer(ctx context.Context, projectID, freelancerID uuid.UUID) error
	TransitionProject(ctx context.Context, projectID uuid.UUID, from []models.ProjectStatus, next models.ProjectStatus, completedAt *time.Time) error

	CreateProposal(ctx context.Context, proposal *models.Proposal) error
	GetProposal(ctx context.Context, id uuid.UUID) (*models.Proposal, error)
	ListProposals(ctx context.Context, projectID uuid.UUID) ([]models.Proposal, error)
	DeleteProposal(ctx context.Context, projectID, proposalID uuid.UUID) error
	DeleteProposalsByProject(ctx context.Context, projectID uuid.UUID) (int64, error)
	DeleteProposals(ctx context.Context, ids []uuid.UUID) (int64, error)
	ListProjectsWithProposals(ctx context.Context) ([]uuid.UUID, error)

	CreateSubmission(ctx context.Context, submission *models.WorkSubmission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.WorkSubmission, error)
	ListSubmissions(ctx context.Context, projectID uuid.UUID) ([]models.WorkSubmission, error)
	ReviewSubmission(ctx context.Context, id uuid.UUID, outcome models.SubmissionStatus) error

	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error
	AppendEvent(ctx context.Context, projectID *uuid.UUID, actor uuid.UUID, action, details string) error
	ListEvents(ctx context.Context, projectID uuid.UUID) ([]models.Event, error)
}

// Escrows is the escrow surface the state machine drives.
type Escrows interface {
	CreateAndFund(ctx context.Context, req escrow.FundRequest) (*models.Escrow, error)
	ForProject(ctx context.Context, projectID uuid.UUID) (*models.Escrow, error)
	Release(ctx context.Context, escrowID uuid.UUID, freelancerWallet string) (*models.Escrow, error)
	MarkDisputed(ctx context.Context, escrowID uuid.UUID) (*models.Escrow, error)
}

// Policy captures deployment choices of the lifecycle.
type Policy struct {
	// RequireApprovedWork gates completion on an approved work submission.
	RequireApprovedWork bool
}

// DefaultPolicy requires approved work before completion.
func DefaultPolicy() Policy { return Policy{RequireApprovedWork: true} }

// Machine drives project and proposal transitions.
type Machine struct {
	store     Store
	escrows   Escrows
	policy    Policy
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option customises the machine.
type Option func(*Machine)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) {
		if p != nil {
			m.publisher = p
		}
	}
}

// NewMachine constructs a state machine.
func NewMachine(st Store, escrows Escrows, policy Policy, opts ...Option) *Machine {
	m := &Machine{
		store:     st,
		escrows:   escrows,
		policy:    policy,
		publisher: events.Noop{},
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) project(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := m.store.GetProject(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return project, err
}

func (m *Machine) ownedProject(ctx context.Context, actor, id uuid.UUID) (*models.Project, error) {
	project, err := m.project(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.ClientID != actor {
		return nil, fmt.Errorf("%w: only the client may change project %s", ErrForbidden, id)
	}
	return project, nil
}

// record writes the audit row and publishes the lifecycle event. Neither failure undoes the
// transition that already happened.
func (m *Machine) record(ctx context.Context, eventType string, projectID, actor uuid.UUID, attrs map[string]string) {
	details := ""
	if len(attrs) > 0 {
		if raw, err := json.Marshal(attrs); err == nil {
			details = string(raw)
		}
	}
	pid := projectID
	if err := m.store.AppendEvent(ctx, &pid, actor, eventType, details); err != nil {
		m.logger.Warn("append audit event failed", slog.String("action", eventType), slog.String("project_id", projectID.String()), slog.String("error", err.Error()))
	}
	if err := m.publisher.Publish(ctx, events.New(eventType, projectID, actor, attrs, m.now())); err != nil {
		m.logger.Warn("publish lifecycle event failed", slog.String("action", eventType), slog.String("project_id", projectID.String()), slog.String("error", err.Error()))
	}
}

func transitioned(from, to models.ProjectStatus) {
	observability.Marketd().RecordTransition(string(from), string(to))
}

func validBudget(raw string) (string, error) {
	amount, err := settlement.ParseAmount(raw)
	if err != nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: budget must be a positive decimal", ErrValidation)
	}
	return settlement.FormatAmount(amount, 2), nil
}

// ProjectInput describes a new project.
type ProjectInput struct {
	Title          string
	Description    string
	Category       string
	RequiredSkills []string
	Budget         string
	Timeline       string
	// Draft keeps the project unpublished.
	Draft bool
	// FreelancerID pre-selects a contractor and starts the project immediately.
	FreelancerID *uuid.UUID
}

// CreateProject posts a project for client.
func (m *Machine) CreateProject(ctx context.Context, client uuid.UUID, in ProjectInput) (*models.Project, error) {
	if client == uuid.Nil {
		return nil, fmt.Errorf("%w: client required", ErrValidation)
	}
	title := cleanText(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title required", ErrValidation)
	}
	budget, err := validBudget(in.Budget)
	if err != nil {
		return nil, err
	}
	project := &models.Project{
		ClientID:    client,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Category:    cleanText(in.Category),
		Budget:      budget,
		Timeline:    strings.TrimSpace(in.Timeline),
		Status:      models.ProjectActive,
	}
	project.SetSkills(cleanSkills(in.RequiredSkills))
	switch {
	case in.FreelancerID != nil && *in.FreelancerID != uuid.Nil:
		if in.Draft {
			return nil, fmt.Errorf("%w: a draft cannot have a contractor", ErrValidation)
		}
		if *in.FreelancerID == client {
			return nil, fmt.Errorf("%w: client cannot hire themselves", ErrValidation)
		}
		started := m.now()
		freelancer := *in.FreelancerID
		project.FreelancerID = &freelancer
		project.Status = models.ProjectInProgress
		project.StartedAt = &started
	case in.Draft:
		project.Status = models.ProjectDraft
	}
	if err := m.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	m.record(ctx, events.TypeProjectCreated, project.ID, client, map[string]string{"status": string(project.Status)})
	return project, nil
}

// cleanText composes searchable text to NFC so equal strings compare equal in SQL.
func cleanText(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

func cleanSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := make(map[string]struct{}, len(skills))
	for _, skill := range skills {
		skill = cleanText(skill)
		if skill == "" {
			continue
		}
		if _, dup := seen[skill]; dup {
			continue
		}
		seen[skill] = struct{}{}
		out = append(out, skill)
	}
	return out
}

// GetProject loads a project.
func (m *Machine) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return m.project(ctx, id)
}

// ListProjects lists projects.
func (m *Machine) ListProjects(ctx context.Context, filter store.ProjectFilter) ([]models.Project, error) {
	filter.Category = cleanText(filter.Category)
	return m.store.ListProjects(ctx, filter)
}

// PublishProject moves a draft to active.
func (m *Machine) PublishProject(ctx context.Context, actor, projectID uuid.UUID) (*models.Project, error) {
	project, err := m.ownedProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectDraft {
		return nil, escrow.Invariant("publish", "project %s is %s, not draft", projectID, project.Status)
	}
	if err := m.store.TransitionProject(ctx, projectID, []models.ProjectStatus{models.ProjectDraft}, models.ProjectActive, nil); err != nil {
		return nil, m.conflict("publish", projectID, err)
	}
	transitioned(models.ProjectDraft, models.ProjectActive)
	m.record(ctx, events.TypeProjectPublished, projectID, actor, nil)
	return m.project(ctx, projectID)
}

// CancelProject withdraws a project nobody is working on. Projects holding escrowed value
// must be disputed instead.
func (m *Machine) CancelProject(ctx context.Context, actor, projectID uuid.UUID) (*models.Project, error) {
	project, err := m.ownedProject(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectDraft && project.Status != models.ProjectActive {
		return nil, escrow.Invariant("cancel", "project %s is %s", projectID, project.Status)
	}
	if held, err := m.escrows.ForProject(ctx, projectID); err == nil {
		if held.Status == models.EscrowPending || held.Status == models.EscrowFunded {
			return nil, escrow.Invariant("cancel", "project %s holds a %s escrow", projectID, held.Status)
		}
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return nil, err
	}
	from := []models.ProjectStatus{models.ProjectDraft, models.ProjectActive}
	if err := m.store.TransitionProject(ctx, projectID, from, models.ProjectCancelled, nil); err != nil {
		return nil, m.conflict("cancel", projectID, err)
	}
	if _, err := m.store.DeleteProposalsByProject(ctx, projectID); err != nil {
		return nil, escrow.PartialCompletion("cancel", "project cancelled but proposals remain", err)
	}
	transitioned(project.Status, models.ProjectCancelled)
	m.record(ctx, events.TypeProjectCancelled, projectID, actor, nil)
	return m.project(ctx, projectID)
}

// FundRequest funds the escrow of a project with its budget.
type FundRequest struct {
	ProjectID    uuid.UUID
	Currency     settlement.PaymentCurrency
	ClientWallet string
	Payer        settlement.Wallet
}

// FundProject locks the project's budget in escrow. Only the client may fund, and only
// before the project completes.
func (m *Machine) FundProject(ctx context.Context, actor uuid.UUID, req FundRequest) (*models.Escrow, error) {
	project, err := m.ownedProject(ctx, actor, req.ProjectID)
	if err != nil {
		return nil, err
	}
	switch project.Status {
	case models.ProjectDraft, models.ProjectActive, models.ProjectInProgress:
	default:
		return nil, escrow.Invariant("fund", "project %s is %s", project.ID, project.Status)
	}
	usd, err := settlement.ParseAmount(project.Budget)
	if err != nil {
		return nil, escrow.Invariant("fund", "project budget: %v", err)
	}
	funded, err := m.escrows.CreateAndFund(ctx, escrow.FundRequest{
		ProjectID:    project.ID,
		ClientWallet: req.ClientWallet,
		AmountUSD:    usd,
		Currency:     req.Currency,
		Payer:        req.Payer,
	})
	if err != nil {
		return nil, err
	}
	m.record(ctx, events.TypeEscrowFunded, project.ID, actor, map[string]string{
		"escrow_id":    funded.ID.String(),
		"currency":     funded.PaymentCurrency,
		"total_locked": funded.TotalLocked,
		"reference":    funded.TransactionSignature,
	})
	return funded, nil
}

// Escrow returns the escrow of a project for one of its parties.
func (m *Machine) Escrow(ctx context.Context, actor, projectID uuid.UUID) (*models.Escrow, error) {
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !isParty(project, actor) {
		return nil, fmt.Errorf("%w: not a party to project %s", ErrForbidden, projectID)
	}
	held, err := m.escrows.ForProject(ctx, projectID)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, fmt.Errorf("%w: escrow for project %s", ErrNotFound, projectID)
	}
	return held, err
}

func isParty(project *models.Project, actor uuid.UUID) bool {
	if project.ClientID == actor {
		return true
	}
	return project.FreelancerID != nil && *project.FreelancerID == actor
}

func (m *Machine) conflict(op string, projectID uuid.UUID, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return escrow.Invariant(op, "project %s changed concurrently", projectID)
	}
	return err
}
