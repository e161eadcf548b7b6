package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gigvault/services/marketd/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict indicates a compare-and-set write found the record in an unexpected state.
	ErrConflict = errors.New("store: state changed concurrently")
	// ErrDuplicate indicates an insert violated a unique index.
	ErrDuplicate = errors.New("store: record already exists")
)

// Store is the gorm-backed persistence gateway. Every mutating call is a single-row
// statement; multi-record consistency is left to the callers' ordering rules.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises the store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the configured database. DSNs starting with postgres:// or
// containing host= select the Postgres driver; everything else is treated as SQLite.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("store: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), TranslateError: true}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func cas(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := s.now()
	project.CreatedAt = now
	project.UpdatedAt = now
	return s.db.WithContext(ctx).Create(project).Error
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

// ProjectFilter narrows project listings. Zero values are ignored.
type ProjectFilter struct {
	ClientID     uuid.UUID
	FreelancerID uuid.UUID
	Status       models.ProjectStatus
	Category     string
	Limit        int
}

// ListProjects returns projects ordered by creation time descending.
func (s *Store) ListProjects(ctx context.Context, filter ProjectFilter) ([]models.Project, error) {
	q := s.db.WithContext(ctx).Model(&models.Project{})
	if filter.ClientID != uuid.Nil {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	if filter.FreelancerID != uuid.Nil {
		q = q.Where("freelancer_id = ?", filter.FreelancerID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var projects []models.Project
	if err := q.Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// AssignFreelancer atomically moves an active, unassigned project into progress.
// The accepted bid becomes the contract value.
func (s *Store) AssignFreelancer(ctx context.Context, projectID, freelancerID uuid.UUID, budget string, startedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ? AND status = ? AND freelancer_id IS NULL", projectID, models.ProjectActive).
		Updates(map[string]interface{}{
			"freelancer_id": freelancerID,
			"status":        models.ProjectInProgress,
			"started_at":    startedAt,
			"budget":        budget,
			"updated_at":    s.now(),
		})
	return cas(res)
}

// UnassignFreelancer returns an in-progress project to active. started_at is left untouched.
func (s *Store) UnassignFreelancer(ctx context.Context, projectID, freelancerID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ? AND status = ? AND freelancer_id = ?", projectID, models.ProjectInProgress, freelancerID).
		Updates(map[string]interface{}{
			"freelancer_id": nil,
			"status":        models.ProjectActive,
			"updated_at":    s.now(),
		})
	return cas(res)
}

// TransitionProject moves a project from one of the allowed states to next.
// completedAt is only written when non-nil.
func (s *Store) TransitionProject(ctx context.Context, projectID uuid.UUID, from []models.ProjectStatus, next models.ProjectStatus, completedAt *time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("store: source states required")
	}
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": s.now(),
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	res := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ? AND status IN ?", projectID, from).
		Updates(updates)
	return cas(res)
}

// CreateProposal inserts a proposal.
func (s *Store) CreateProposal(ctx context.Context, proposal *models.Proposal) error {
	if proposal.ID == uuid.Nil {
		proposal.ID = uuid.New()
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Create(proposal).Error
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	var proposal models.Proposal
	if err := s.db.WithContext(ctx).First(&proposal, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &proposal, nil
}

// ListProposals returns the proposals of a project, oldest first.
func (s *Store) ListProposals(ctx context.Context, projectID uuid.UUID) ([]models.Proposal, error) {
	var proposals []models.Proposal
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&proposals).Error
	if err != nil {
		return nil, err
	}
	return proposals, nil
}

// DeleteProposal removes a single proposal scoped to its project.
func (s *Store) DeleteProposal(ctx context.Context, projectID, proposalID uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", proposalID, projectID).
		Delete(&models.Proposal{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProposalsByProject removes every proposal of a project.
func (s *Store) DeleteProposalsByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.Proposal{})
	return res.RowsAffected, res.Error
}

// DeleteProposals removes the listed proposals.
func (s *Store) DeleteProposals(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Proposal{})
	return res.RowsAffected, res.Error
}

// ListProjectsWithProposals returns ids of active projects that carry proposals and a
// started_at stamp, the only ones able to hold stale proposals.
func (s *Store) ListProjectsWithProposals(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("status = ? AND started_at IS NOT NULL", models.ProjectActive).
		Where("EXISTS (SELECT 1 FROM proposals WHERE proposals.project_id = projects.id)").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateEscrow inserts an escrow row.
func (s *Store) CreateEscrow(ctx context.Context, escrow *models.Escrow) error {
	if escrow.ID == uuid.Nil {
		escrow.ID = uuid.New()
	}
	now := s.now()
	escrow.CreatedAt = now
	escrow.UpdatedAt = now
	err := s.db.WithContext(ctx).Create(escrow).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// GetEscrow loads an escrow by id.
func (s *Store) GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := s.db.WithContext(ctx).First(&escrow, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &escrow, nil
}

// GetEscrowByProject loads the escrow attached to a project.
func (s *Store) GetEscrowByProject(ctx context.Context, projectID uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := s.db.WithContext(ctx).First(&escrow, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &escrow, nil
}

// ListEscrowsByStatus returns escrows in the given state, oldest first.
func (s *Store) ListEscrowsByStatus(ctx context.Context, status models.EscrowStatus, limit int) ([]models.Escrow, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var escrows []models.Escrow
	if err := q.Find(&escrows).Error; err != nil {
		return nil, err
	}
	return escrows, nil
}

// TransitionEscrow applies updates only if the escrow is still in one of the from states.
// The status column acts as the optimistic lock.
func (s *Store) TransitionEscrow(ctx context.Context, escrowID uuid.UUID, from []models.EscrowStatus, next models.EscrowStatus, fields map[string]interface{}) error {
	if len(from) == 0 {
		return fmt.Errorf("store: source states required")
	}
	updates := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = next
	updates["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("id = ? AND status IN ?", escrowID, from).
		Updates(updates)
	return cas(res)
}

// SetPendingReference records an unconfirmed settlement reference while the escrow is
// still in status. Funding uses it on pending escrows, release on funded ones.
func (s *Store) SetPendingReference(ctx context.Context, escrowID uuid.UUID, status models.EscrowStatus, reference string) error {
	res := s.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("id = ? AND status = ?", escrowID, status).
		Updates(map[string]interface{}{"pending_reference": reference, "updated_at": s.now()})
	return cas(res)
}

// ListUnresolvedEscrows returns pending or funded escrows carrying an unconfirmed
// settlement reference, oldest first.
func (s *Store) ListUnresolvedEscrows(ctx context.Context, limit int) ([]models.Escrow, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ? AND pending_reference <> ''", []models.EscrowStatus{models.EscrowPending, models.EscrowFunded}).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var escrows []models.Escrow
	if err := q.Find(&escrows).Error; err != nil {
		return nil, err
	}
	return escrows, nil
}

// DeletePendingEscrow removes an escrow that never received a settlement reference.
func (s *Store) DeletePendingEscrow(ctx context.Context, escrowID uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", escrowID, models.EscrowPending).
		Delete(&models.Escrow{})
	return cas(res)
}

// CreateSubmission inserts a work submission.
func (s *Store) CreateSubmission(ctx context.Context, submission *models.WorkSubmission) error {
	if submission.ID == uuid.Nil {
		submission.ID = uuid.New()
	}
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = s.now()
	}
	if submission.Status == "" {
		submission.Status = models.SubmissionSubmitted
	}
	return s.db.WithContext(ctx).Create(submission).Error
}

// GetSubmission loads a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id uuid.UUID) (*models.WorkSubmission, error) {
	var submission models.WorkSubmission
	if err := s.db.WithContext(ctx).First(&submission, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &submission, nil
}

// ListSubmissions returns the submissions of a project, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, projectID uuid.UUID) ([]models.WorkSubmission, error) {
	var submissions []models.WorkSubmission
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

// ReviewSubmission moves a submitted work item to approved or rejected.
func (s *Store) ReviewSubmission(ctx context.Context, id uuid.UUID, outcome models.SubmissionStatus) error {
	res := s.db.WithContext(ctx).Model(&models.WorkSubmission{}).
		Where("id = ? AND status = ?", id, models.SubmissionSubmitted).
		Updates(map[string]interface{}{"status": outcome, "reviewed_at": s.now()})
	return cas(res)
}

// UpsertProfile creates or replaces a profile.
func (s *Store) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	now := s.now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	return s.db.WithContext(ctx).Save(profile).Error
}

// GetProfile loads a profile by user id.
func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var profile models.Profile
	if err := s.db.WithContext(ctx).First(&profile, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}

// AppendEvent writes an audit trail entry.
func (s *Store) AppendEvent(ctx context.Context, projectID *uuid.UUID, actor uuid.UUID, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		ProjectID: projectID,
		ActorID:   actor,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}
	return s.db.WithContext(ctx).Create(&event).Error
}

// ListEvents returns the audit trail of a project.
func (s *Store) ListEvents(ctx context.Context, projectID uuid.UUID) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
