package settlement

import (
	"fmt"
	"strings"
)

// LedgerID names a settlement backend.
type LedgerID string

// Supported ledgers.
const (
	// LedgerPrimary is the account-model ledger with base58 addresses and
	// program-owned token sub-accounts.
	LedgerPrimary LedgerID = "primary"
	// LedgerEVM is the secondary, EVM-compatible ledger.
	LedgerEVM LedgerID = "evm"
)

// ParseLedger normalises a ledger name.
func ParseLedger(raw string) (LedgerID, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "primary", "solana":
		return LedgerPrimary, nil
	case "evm", "base", "ethereum":
		return LedgerEVM, nil
	default:
		return "", fmt.Errorf("%w: ledger %q", ErrUnsupportedCurrency, raw)
	}
}

// Kind is the settlement rail family of a payment currency.
type Kind string

// Rail families.
const (
	KindNative    Kind = "native"
	KindStable    Kind = "stable"
	KindChallenge Kind = "challenge"
)

// PaymentCurrency is the tagged variant selecting exactly one rail. Ledger is only
// meaningful for the challenge rail; native and stable always settle on the primary ledger.
type PaymentCurrency struct {
	Kind   Kind
	Ledger LedgerID
}

// Native, Stable and Challenge construct the variants.
func Native() PaymentCurrency { return PaymentCurrency{Kind: KindNative, Ledger: LedgerPrimary} }

func Stable() PaymentCurrency { return PaymentCurrency{Kind: KindStable, Ledger: LedgerPrimary} }

func Challenge(ledger LedgerID) PaymentCurrency {
	return PaymentCurrency{Kind: KindChallenge, Ledger: ledger}
}

// ParseCurrency parses "native", "stable", "challenge" or "challenge:<ledger>".
func ParseCurrency(raw string) (PaymentCurrency, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	kind, ledger, _ := strings.Cut(value, ":")
	switch Kind(kind) {
	case KindNative:
		if ledger != "" {
			return PaymentCurrency{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, raw)
		}
		return Native(), nil
	case KindStable:
		if ledger != "" {
			return PaymentCurrency{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, raw)
		}
		return Stable(), nil
	case KindChallenge:
		id, err := ParseLedger(ledger)
		if err != nil {
			return PaymentCurrency{}, err
		}
		return Challenge(id), nil
	default:
		return PaymentCurrency{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, raw)
	}
}

// String renders the canonical persisted form.
func (c PaymentCurrency) String() string {
	if c.Kind == KindChallenge {
		return string(c.Kind) + ":" + string(c.Ledger)
	}
	return string(c.Kind)
}

// PeggedToUSD reports whether one unit of the transferred asset is worth one US dollar.
func (c PaymentCurrency) PeggedToUSD() bool {
	return c.Kind == KindStable || c.Kind == KindChallenge
}

// Symbol is the human label used in errors and events.
func (c PaymentCurrency) Symbol() string {
	if c.Kind == KindNative {
		return "NATIVE"
	}
	return "USDC"
}
