package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TxStatus is the ledger view of a submitted transfer.
type TxStatus string

const (
	TxUnknown   TxStatus = "unknown"
	TxNotFound  TxStatus = "not_found"
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// StatusFunc queries the current status of a reference.
type StatusFunc func(ctx context.Context, reference string) (TxStatus, error)

// ConfirmPolicy bounds how long a rail waits for a transfer to confirm.
type ConfirmPolicy struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (p ConfirmPolicy) normalised() ConfirmPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 60 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	return p
}

// WaitForConfirmation polls until the reference confirms or fails. Running out of time,
// or losing contact with the ledger, yields an UnknownOutcomeError carrying the reference.
func WaitForConfirmation(ctx context.Context, ledger LedgerID, reference string, policy ConfirmPolicy, status StatusFunc) error {
	policy = policy.normalised()
	waitCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()
	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		st, err := status(waitCtx, reference)
		switch {
		case err != nil:
			lastErr = err
		case st == TxConfirmed:
			return nil
		case st == TxFailed:
			return fmt.Errorf("%w: %s on %s", ErrTransferFailed, reference, ledger)
		}
		select {
		case <-waitCtx.Done():
			cause := lastErr
			if cause == nil {
				cause = waitCtx.Err()
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				cause = ctx.Err()
			}
			return &UnknownOutcomeError{Ledger: ledger, Reference: reference, Err: cause}
		case <-ticker.C:
		}
	}
}
