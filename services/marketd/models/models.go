package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProjectStatus represents a state in the project lifecycle.
type ProjectStatus string

// Project lifecycle states.
const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectActive     ProjectStatus = "active"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCancelled  ProjectStatus = "cancelled"
	ProjectDisputed   ProjectStatus = "disputed"
)

// Assigned reports whether a contractor must be attached in this state.
func (s ProjectStatus) Assigned() bool {
	switch s {
	case ProjectInProgress, ProjectCompleted, ProjectDisputed:
		return true
	}
	return false
}

// EscrowStatus represents a state in the escrow lifecycle.
type EscrowStatus string

// Escrow lifecycle states. Transitions only move forward.
const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
)

// SubmissionStatus tracks review of delivered work.
type SubmissionStatus string

// Work submission review states.
const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// Profile roles.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

// Project is an engagement posted by a client.
type Project struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID       uuid.UUID      `gorm:"type:uuid;index" json:"client_id"`
	FreelancerID   *uuid.UUID     `gorm:"type:uuid;index" json:"freelancer_id,omitempty"`
	Title          string         `gorm:"size:255" json:"title"`
	Description    string         `gorm:"type:text" json:"description"`
	Category       string         `gorm:"size:64;index" json:"category"`
	RequiredSkills datatypes.JSON `json:"required_skills"`
	Budget         string         `gorm:"size:64;not null" json:"budget"`
	Timeline       string         `gorm:"size:64" json:"timeline"`
	Status         ProjectStatus  `gorm:"size:32;index" json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Skills decodes the ordered skill list.
func (p *Project) Skills() []string {
	if p == nil || len(p.RequiredSkills) == 0 {
		return nil
	}
	var skills []string
	if err := json.Unmarshal(p.RequiredSkills, &skills); err != nil {
		return nil
	}
	return skills
}

// SetSkills encodes the ordered skill list.
func (p *Project) SetSkills(skills []string) {
	if skills == nil {
		skills = []string{}
	}
	data, _ := json.Marshal(skills)
	p.RequiredSkills = datatypes.JSON(data)
}

// Proposal is a contractor's bid on a project.
type Proposal struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID         uuid.UUID `gorm:"type:uuid;index" json:"project_id"`
	FreelancerID      uuid.UUID `gorm:"type:uuid;index" json:"freelancer_id"`
	CoverLetter       string    `gorm:"type:text" json:"cover_letter"`
	ProposedBudget    string    `gorm:"size:64;not null" json:"proposed_budget"`
	EstimatedTimeline string    `gorm:"size:64" json:"estimated_timeline"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

// Escrow locks the contract value of a project until release.
type Escrow struct {
	ID                   uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID            uuid.UUID    `gorm:"type:uuid;uniqueIndex" json:"project_id"`
	ClientWallet         string       `gorm:"size:128" json:"client_wallet"`
	FreelancerWallet     string       `gorm:"size:128" json:"freelancer_wallet,omitempty"`
	AmountUSD            string       `gorm:"size:64" json:"amount_usd"`
	Amount               string       `gorm:"size:78;not null" json:"amount"`
	PlatformFee          string       `gorm:"size:78;not null" json:"platform_fee"`
	TotalLocked          string       `gorm:"size:78;not null" json:"total_locked"`
	PaymentCurrency      string       `gorm:"size:32;index" json:"payment_currency"`
	Ledger               string       `gorm:"size:32" json:"ledger"`
	Status               EscrowStatus `gorm:"size:16;index" json:"status"`
	EscrowAccount        string       `gorm:"size:128" json:"escrow_account"`
	TransactionSignature string       `gorm:"size:160" json:"transaction_signature,omitempty"`
	PendingReference     string       `gorm:"size:160" json:"pending_reference,omitempty"`
	ReleaseSignature     string       `gorm:"size:160" json:"release_signature,omitempty"`
	FundedAt             *time.Time   `json:"funded_at,omitempty"`
	ReleasedAt           *time.Time   `json:"released_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// WorkSubmission records delivered work for review by the client.
type WorkSubmission struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    uuid.UUID        `gorm:"type:uuid;index" json:"project_id"`
	FreelancerID uuid.UUID        `gorm:"type:uuid;index" json:"freelancer_id"`
	Description  string           `gorm:"type:text" json:"description"`
	Status       SubmissionStatus `gorm:"size:16;index" json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	ReviewedAt   *time.Time       `json:"reviewed_at,omitempty"`
}

// Profile holds the marketplace identity and payout wallets of a user.
type Profile struct {
	UserID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	DisplayName   string    `gorm:"size:128" json:"display_name"`
	Role          string    `gorm:"size:16;index" json:"role"`
	PrimaryWallet string    `gorm:"size:128;index" json:"primary_wallet,omitempty"`
	EVMWallet     string    `gorm:"size:64;index" json:"evm_wallet,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Wallets returns every non-empty wallet address on the profile.
func (p *Profile) Wallets() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, 2)
	if p.PrimaryWallet != "" {
		out = append(out, p.PrimaryWallet)
	}
	if p.EVMWallet != "" {
		out = append(out, p.EVMWallet)
	}
	return out
}

// Event is the lifecycle audit trail.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProjectID *uuid.UUID `gorm:"type:uuid;index"`
	ActorID   uuid.UUID  `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64;index"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	Subject   string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{},
		&Proposal{},
		&Escrow{},
		&WorkSubmission{},
		&Profile{},
		&Event{},
		&IdempotencyKey{},
	)
}
