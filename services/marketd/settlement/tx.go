package settlement

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcutil/base58"
)

// InstructionKind enumerates the primary-ledger instructions the rails emit.
type InstructionKind string

const (
	// InstrInitAccount creates a system account if it does not exist. Re-running it is a no-op.
	InstrInitAccount InstructionKind = "init_account_idempotent"
	// InstrCreateTokenAccount creates the deterministic token sub-account if missing.
	InstrCreateTokenAccount InstructionKind = "create_token_account_idempotent"
	// InstrTransfer moves native coin between system accounts.
	InstrTransfer InstructionKind = "transfer"
	// InstrTokenTransfer moves tokens between sub-accounts with decimal checking.
	InstrTokenTransfer InstructionKind = "token_transfer_checked"
	// InstrMemo attaches an application memo.
	InstrMemo InstructionKind = "memo"
)

// Instruction is one step of a primary-ledger transaction. Amounts are minor units.
type Instruction struct {
	Kind        InstructionKind `json:"kind"`
	Program     string          `json:"program"`
	Source      string          `json:"source,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	Mint        string          `json:"mint,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	Decimals    uint8           `json:"decimals,omitempty"`
	Memo        string          `json:"memo,omitempty"`
}

// EVMCall is a contract call on the secondary ledger.
type EVMCall struct {
	ChainID int64    `json:"chainId"`
	To      string   `json:"to"`
	Data    []byte   `json:"data"`
	Value   *big.Int `json:"value,omitempty"`
}

// Transaction is the ledger-neutral unit handed to a wallet for signing and submission.
// Exactly one of Instructions or Call is populated, according to Ledger.
type Transaction struct {
	Ledger          LedgerID      `json:"ledger"`
	FeePayer        string        `json:"feePayer,omitempty"`
	RecentBlockhash string        `json:"recentBlockhash,omitempty"`
	Instructions    []Instruction `json:"instructions,omitempty"`
	Call            *EVMCall      `json:"call,omitempty"`
}

// Validate checks the transaction shape against its ledger.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("settlement: transaction required")
	}
	switch t.Ledger {
	case LedgerPrimary:
		if len(t.Instructions) == 0 || t.Call != nil {
			return fmt.Errorf("settlement: primary transaction needs instructions only")
		}
	case LedgerEVM:
		if t.Call == nil || len(t.Instructions) != 0 {
			return fmt.Errorf("settlement: evm transaction needs a call only")
		}
	default:
		return fmt.Errorf("%w: ledger %q", ErrUnsupportedCurrency, t.Ledger)
	}
	return nil
}

// Message returns the canonical bytes signed for a primary-ledger transaction.
func (t *Transaction) Message() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		FeePayer        string        `json:"feePayer"`
		RecentBlockhash string        `json:"recentBlockhash"`
		Instructions    []Instruction `json:"instructions"`
	}{t.FeePayer, t.RecentBlockhash, t.Instructions})
}

// HasInstruction reports whether an instruction of the kind is present.
func (t *Transaction) HasInstruction(kind InstructionKind) bool {
	for _, ins := range t.Instructions {
		if ins.Kind == kind {
			return true
		}
	}
	return false
}

// ValidatePrimaryAddress checks a base58 encoded 32-byte account key.
func ValidatePrimaryAddress(addr string) error {
	decoded := base58.Decode(addr)
	if len(decoded) != 32 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
