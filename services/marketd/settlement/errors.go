package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCurrency is returned for currencies or ledgers without a rail.
	ErrUnsupportedCurrency = errors.New("settlement: unsupported payment currency")
	// ErrInsufficientFunds is returned by pre-validation before anything is submitted.
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")
	// ErrUserRejected is returned when the wallet holder declines to sign.
	ErrUserRejected = errors.New("settlement: user rejected the request")
	// ErrUnknownOutcome means a transfer was submitted but its confirmation was not observed.
	ErrUnknownOutcome = errors.New("settlement: transfer outcome unknown")
	// ErrTransferFailed means the ledger reported the transfer as failed.
	ErrTransferFailed = errors.New("settlement: transfer failed")
	// ErrAccountResolution means token sub-accounts could not be resolved on any endpoint.
	ErrAccountResolution = errors.New("settlement: account resolution failed")
	// ErrWalletCapability means the wallet cannot perform an operation the rail requires.
	ErrWalletCapability = errors.New("settlement: wallet lacks required capability")
	// ErrChallengeMismatch means the payee's challenge disagrees with the request.
	ErrChallengeMismatch = errors.New("settlement: payment challenge mismatch")
	// ErrVerificationFailed means the payee refused to acknowledge the transfer.
	ErrVerificationFailed = errors.New("settlement: payment verification failed")
	// ErrInvalidAddress is returned for malformed ledger addresses.
	ErrInvalidAddress = errors.New("settlement: invalid address")
)

// InsufficientFundsError carries the figures behind a failed pre-validation.
type InsufficientFundsError struct {
	Currency  string
	Required  string
	Available string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("settlement: insufficient %s balance: required %s, available %s", e.Currency, e.Required, e.Available)
}

// Is matches ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// UnknownOutcomeError carries the reference of a submitted but unconfirmed transfer.
type UnknownOutcomeError struct {
	Ledger    LedgerID
	Reference string
	Err       error
}

func (e *UnknownOutcomeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement: outcome of %s on %s unknown: %v", e.Reference, e.Ledger, e.Err)
	}
	return fmt.Sprintf("settlement: outcome of %s on %s unknown", e.Reference, e.Ledger)
}

// Is matches ErrUnknownOutcome.
func (e *UnknownOutcomeError) Is(target error) bool { return target == ErrUnknownOutcome }

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

// ReferenceOf extracts the settlement reference from an unknown outcome error.
func ReferenceOf(err error) (string, bool) {
	var unknown *UnknownOutcomeError
	if errors.As(err, &unknown) && unknown.Reference != "" {
		return unknown.Reference, true
	}
	return "", false
}
