package escrow

import (
	"context"
	"errors"
	"log/slog"

	"gigvault/observability"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

// resolve queries the ledger for an escrow's pending reference and applies the result.
// It returns nil when a pending funding was dropped and its row removed. An escrow that
// is still unconfirmed is returned unchanged.
func (m *Manager) resolve(ctx context.Context, escrow *models.Escrow) (*models.Escrow, error) {
	reference := escrow.PendingReference
	if reference == "" {
		return escrow, nil
	}
	currency, err := settlement.ParseCurrency(escrow.PaymentCurrency)
	if err != nil {
		return nil, Invariant("reconcile", "%v", err)
	}
	status, err := m.rails.Status(ctx, currency, reference)
	if err != nil {
		m.logger.Warn("settlement status query failed",
			slog.String("escrow_id", escrow.ID.String()),
			slog.String("reference", reference),
			slog.String("error", err.Error()))
		return escrow, nil
	}
	dropped := status == settlement.TxFailed ||
		(status == settlement.TxNotFound && m.now().Sub(escrow.UpdatedAt) >= m.cfg.ReconcileGrace)

	switch escrow.Status {
	case models.EscrowPending:
		switch {
		case status == settlement.TxConfirmed:
			if currency.Kind == settlement.KindChallenge && !m.payeeAcknowledges(ctx, escrow, currency) {
				return escrow, nil
			}
			return m.markFunded(ctx, escrow.ID, reference)
		case dropped:
			if err := m.store.DeletePendingEscrow(ctx, escrow.ID); err != nil && !errors.Is(err, store.ErrConflict) {
				return nil, err
			}
			m.logger.Info("dropped unconfirmed funding",
				slog.String("escrow_id", escrow.ID.String()),
				slog.String("reference", reference),
				slog.String("status", string(status)))
			return nil, nil
		}
	case models.EscrowFunded:
		switch {
		case status == settlement.TxConfirmed:
			return m.markReleased(ctx, escrow.ID, reference, "")
		case dropped:
			if err := m.store.TransitionEscrow(ctx, escrow.ID, []models.EscrowStatus{models.EscrowFunded}, models.EscrowFunded, map[string]interface{}{
				"pending_reference": "",
				"freelancer_wallet": "",
			}); err != nil {
				return nil, err
			}
			return m.store.GetEscrow(ctx, escrow.ID)
		}
	}
	return escrow, nil
}

// payeeAcknowledges re-posts a confirmed challenge payment to the payee. Funding is
// accepted only when the payee reports both success and verification.
func (m *Manager) payeeAcknowledges(ctx context.Context, escrow *models.Escrow, currency settlement.PaymentCurrency) bool {
	verdict, err := m.rails.Verify(ctx, currency, settlement.VerifyRequest{
		Signature:    escrow.PendingReference,
		ProjectID:    escrow.ProjectID.String(),
		Network:      string(currency.Ledger),
		ClientWallet: escrow.ClientWallet,
		Amount:       escrow.TotalLocked,
		Recipient:    escrow.EscrowAccount,
	})
	if err != nil {
		m.logger.Warn("payee verification failed",
			slog.String("escrow_id", escrow.ID.String()),
			slog.String("reference", escrow.PendingReference),
			slog.String("error", err.Error()))
		return false
	}
	if !verdict.Success || !verdict.Verified {
		m.logger.Warn("payee has not verified payment",
			slog.String("escrow_id", escrow.ID.String()),
			slog.String("reference", escrow.PendingReference),
			slog.String("error", verdict.Error))
		return false
	}
	return true
}

// ReconcileResult summarises one reconciliation sweep.
type ReconcileResult struct {
	Checked    int
	Funded     int
	Released   int
	Dropped    int
	Unresolved int
}

// Reconcile resolves escrows left with an unconfirmed settlement reference.
func (m *Manager) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	var result ReconcileResult
	escrows, err := m.store.ListUnresolvedEscrows(ctx, limit)
	if err != nil {
		return result, err
	}
	for i := range escrows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		escrow := &escrows[i]
		result.Checked++
		resolved, err := m.resolve(ctx, escrow)
		if err != nil {
			m.logger.Error("reconcile escrow failed", slog.String("escrow_id", escrow.ID.String()), slog.String("error", err.Error()))
			result.Unresolved++
			continue
		}
		switch {
		case resolved == nil:
			result.Dropped++
		case resolved.PendingReference != "":
			result.Unresolved++
		case escrow.Status == models.EscrowPending && resolved.Status == models.EscrowFunded:
			result.Funded++
		case escrow.Status == models.EscrowFunded && resolved.Status == models.EscrowReleased:
			result.Released++
		default:
			result.Dropped++
		}
	}
	observability.Marketd().SetPendingEscrows(result.Unresolved)
	return result, nil
}
