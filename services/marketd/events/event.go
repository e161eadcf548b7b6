package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types.
const (
	TypeProjectCreated     = "project.created"
	TypeProjectPublished   = "project.published"
	TypeProposalSubmitted  = "proposal.submitted"
	TypeProposalAccepted   = "proposal.accepted"
	TypeProposalRejected   = "proposal.rejected"
	TypeProposalsPurged    = "proposal.purged"
	TypeFreelancerRemoved  = "project.freelancer_removed"
	TypeWorkSubmitted      = "work.submitted"
	TypeWorkReviewed       = "work.reviewed"
	TypeProjectCompleted   = "project.completed"
	TypeProjectDisputed    = "project.disputed"
	TypeProjectCancelled   = "project.cancelled"
	TypeEscrowFunded       = "escrow.funded"
	TypeEscrowReleased     = "escrow.released"
	TypeEscrowPendingCheck = "escrow.pending"
)

// Event is a lifecycle notification.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	ProjectID  string            `json:"projectId,omitempty"`
	ActorID    string            `json:"actorId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// New builds an event with a fresh id.
func New(eventType string, projectID, actorID uuid.UUID, attrs map[string]string, at time.Time) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Attributes: attrs,
		OccurredAt: at.UTC(),
	}
	if projectID != uuid.Nil {
		evt.ProjectID = projectID.String()
	}
	if actorID != uuid.Nil {
		evt.ActorID = actorID.String()
	}
	return evt
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
