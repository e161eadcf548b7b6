package settlement

import (
	"context"
	"fmt"
	"strings"
)

// Custody derives one platform-held escrow wallet per project from a root key.
type Custody struct {
	root *KeyWallet
}

// NewCustody wraps the platform root wallet.
func NewCustody(root *KeyWallet) *Custody {
	return &Custody{root: root}
}

// EscrowWallet returns the signer controlling the escrow account of projectID.
func (c *Custody) EscrowWallet(projectID string) (Wallet, error) {
	id := strings.TrimSpace(projectID)
	if id == "" {
		return nil, fmt.Errorf("settlement: project id required")
	}
	if c == nil || c.root == nil {
		return nil, fmt.Errorf("settlement: custody wallet not configured")
	}
	return c.root.Derive("escrow:" + id)
}

// Root returns the platform root wallet, which sponsors network fees.
func (c *Custody) Root() Wallet { return c.root }

// EscrowAccount returns the escrow settlement address of projectID on ledger.
func (c *Custody) EscrowAccount(ctx context.Context, projectID string, ledger LedgerID) (string, error) {
	w, err := c.EscrowWallet(projectID)
	if err != nil {
		return "", err
	}
	return w.Address(ctx, ledger)
}
