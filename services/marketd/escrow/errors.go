package escrow

import (
	"errors"
	"fmt"
	"strings"

	"gigvault/services/marketd/settlement"
)

// Error taxonomy surfaced to the lifecycle and request handlers. Ledger and transport
// failures are reclassified into these at the escrow boundary.
var (
	ErrInsufficientFunds        = errors.New("escrow: insufficient funds")
	ErrUserCancelled            = errors.New("escrow: signing declined")
	ErrSettlementUnknownOutcome = errors.New("escrow: settlement pending, check back later")
	ErrPartialCompletion        = errors.New("escrow: operation partially completed")
	ErrInvariantViolation       = errors.New("escrow: invariant violation")
	ErrSettlementFailed         = errors.New("escrow: settlement failed")
	ErrConfiguration            = errors.New("escrow: settlement misconfigured")
	ErrNotFound                 = errors.New("escrow: not found")
)

// Kind classifies an Error.
type Kind string

const (
	KindInsufficientFunds Kind = "insufficient_funds"
	KindUserCancelled     Kind = "user_cancelled"
	KindUnknownOutcome    Kind = "settlement_unknown_outcome"
	KindPartialCompletion Kind = "partial_completion"
	KindInvariant         Kind = "invariant_violation"
	KindSettlementFailed  Kind = "settlement_failed"
	KindConfiguration     Kind = "configuration_error"
)

var kindSentinels = map[Kind]error{
	KindInsufficientFunds: ErrInsufficientFunds,
	KindUserCancelled:     ErrUserCancelled,
	KindUnknownOutcome:    ErrSettlementUnknownOutcome,
	KindPartialCompletion: ErrPartialCompletion,
	KindInvariant:         ErrInvariantViolation,
	KindSettlementFailed:  ErrSettlementFailed,
	KindConfiguration:     ErrConfiguration,
}

// Error carries the context a user or operator needs to act on a failure.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Currency  string
	Required  string
	Available string
	Reference string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("escrow: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Required != "" {
		fmt.Fprintf(&b, " (required %s %s, available %s)", e.Required, e.Currency, e.Available)
	}
	if e.Reference != "" {
		fmt.Fprintf(&b, " [reference %s]", e.Reference)
	}
	return b.String()
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// Invariant builds an invariant violation.
func Invariant(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvariant, Op: op, Message: fmt.Sprintf(format, args...)}
}

// PartialCompletion builds a partial-completion error.
func PartialCompletion(op, message string, err error) *Error {
	return &Error{Kind: KindPartialCompletion, Op: op, Message: message, Err: err}
}

// classify maps rail errors into the taxonomy.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	var funds *settlement.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		return &Error{Kind: KindInsufficientFunds, Op: op, Currency: funds.Currency, Required: funds.Required, Available: funds.Available, Err: err}
	case errors.Is(err, settlement.ErrUserRejected):
		return &Error{Kind: KindUserCancelled, Op: op, Message: "the wallet holder declined to sign", Err: err}
	case errors.Is(err, settlement.ErrUnknownOutcome):
		ref, _ := settlement.ReferenceOf(err)
		return &Error{Kind: KindUnknownOutcome, Op: op, Message: "transfer submitted but not yet confirmed", Reference: ref, Err: err}
	case errors.Is(err, settlement.ErrWalletCapability):
		return &Error{Kind: KindConfiguration, Op: op, Message: "the wallet cannot reach the settlement network", Err: err}
	default:
		return &Error{Kind: KindSettlementFailed, Op: op, Message: err.Error(), Err: err}
	}
}
