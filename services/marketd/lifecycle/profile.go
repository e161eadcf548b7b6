package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
)

// ProfileInput updates the caller's profile. Empty wallets clear the stored value.
type ProfileInput struct {
	DisplayName   string
	Role          string
	PrimaryWallet string
	EVMWallet     string
}

// SaveProfile creates or updates the profile of user. Payout wallets are validated for
// their ledger before they are stored.
func (m *Machine) SaveProfile(ctx context.Context, user uuid.UUID, in ProfileInput) (*models.Profile, error) {
	if user == uuid.Nil {
		return nil, fmt.Errorf("%w: user required", ErrValidation)
	}
	role := strings.TrimSpace(in.Role)
	switch role {
	case models.RoleClient, models.RoleFreelancer:
	default:
		return nil, fmt.Errorf("%w: role must be %s or %s", ErrValidation, models.RoleClient, models.RoleFreelancer)
	}
	primary := strings.TrimSpace(in.PrimaryWallet)
	if primary != "" {
		if err := settlement.ValidatePrimaryAddress(primary); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	evmWallet := strings.TrimSpace(in.EVMWallet)
	if evmWallet != "" {
		addr, err := settlement.ParseEVMAddress(evmWallet)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		evmWallet = addr.Hex()
	}
	profile, err := m.profile(ctx, user)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = &models.Profile{UserID: user}
	}
	profile.DisplayName = strings.TrimSpace(in.DisplayName)
	profile.Role = role
	profile.PrimaryWallet = primary
	profile.EVMWallet = evmWallet
	if err := m.store.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Profile returns the profile of user.
func (m *Machine) Profile(ctx context.Context, user uuid.UUID) (*models.Profile, error) {
	profile, err := m.profile(ctx, user)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, user)
	}
	return profile, nil
}

// History returns the audit trail of a project for one of its parties.
func (m *Machine) History(ctx context.Context, actor, projectID uuid.UUID) ([]models.Event, error) {
	project, err := m.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !isParty(project, actor) {
		return nil, fmt.Errorf("%w: not a party to project %s", ErrForbidden, projectID)
	}
	return m.store.ListEvents(ctx, projectID)
}
