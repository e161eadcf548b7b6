package settlement

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"
)

// Balance is the result of a balance probe. A missing account is {0, Exists: false},
// never an error.
type Balance struct {
	Units    *uint256.Int
	Decimals uint8
	Exists   bool
}

// Amount returns the balance in human units.
func (b Balance) Amount() *big.Rat {
	return FromMinorUnits(b.Units, b.Decimals)
}

// BalanceProber answers balance queries across ledgers. An empty mint means the native coin.
type BalanceProber interface {
	Balance(ctx context.Context, ledger LedgerID, owner, mint string) (Balance, error)
}

// Backend is the per-ledger surface rails and reconciliation share.
type Backend interface {
	ID() LedgerID
	// IdempotentInit reports whether initialising an existing account is harmless.
	IdempotentInit() bool
	NativeDecimals() uint8
	NativeBalance(ctx context.Context, owner string) (Balance, error)
	Status(ctx context.Context, reference string) (TxStatus, error)
}

// PrimaryLedger adapts the primary JSON-RPC client to Backend.
type PrimaryLedger struct {
	client *PrimaryClient
}

// NewPrimaryLedger wraps a client.
func NewPrimaryLedger(client *PrimaryClient) *PrimaryLedger {
	return &PrimaryLedger{client: client}
}

// Client exposes the RPC client.
func (l *PrimaryLedger) Client() *PrimaryClient { return l.client }

func (l *PrimaryLedger) ID() LedgerID { return LedgerPrimary }

// IdempotentInit is true: the primary ledger ships idempotent account creation.
func (l *PrimaryLedger) IdempotentInit() bool { return true }

func (l *PrimaryLedger) NativeDecimals() uint8 { return 9 }

func (l *PrimaryLedger) NativeBalance(ctx context.Context, owner string) (Balance, error) {
	if err := ValidatePrimaryAddress(owner); err != nil {
		return Balance{}, err
	}
	lamports, exists, err := l.client.AccountInfo(ctx, owner)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Units: uint256.NewInt(lamports), Decimals: l.NativeDecimals(), Exists: exists}, nil
}

// TokenBalance sums every sub-account of owner for mint.
func (l *PrimaryLedger) TokenBalance(ctx context.Context, owner, mint string, decimals uint8) (Balance, error) {
	accounts, err := l.client.TokenAccountsByOwner(ctx, owner, mint)
	if err != nil {
		return Balance{}, err
	}
	total := new(uint256.Int)
	for _, acct := range accounts {
		units, err := uint256.FromDecimal(acct.Amount)
		if err != nil {
			continue
		}
		total.Add(total, units)
		if acct.Decimals != 0 {
			decimals = acct.Decimals
		}
	}
	return Balance{Units: total, Decimals: decimals, Exists: len(accounts) > 0}, nil
}

func (l *PrimaryLedger) Status(ctx context.Context, reference string) (TxStatus, error) {
	return l.client.SignatureStatus(ctx, reference)
}

func (l *EVMLedger) ID() LedgerID { return LedgerEVM }

// IdempotentInit is false: EVM accounts need no initialisation, so there is nothing to guess.
func (l *EVMLedger) IdempotentInit() bool { return false }

func (l *EVMLedger) NativeDecimals() uint8 { return 18 }
