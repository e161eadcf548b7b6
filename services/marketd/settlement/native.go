package settlement

import (
	"context"
	"fmt"
)

// NativeRail transfers the primary ledger's native coin.
type NativeRail struct {
	ledger  Backend
	prober  BalanceProber
	fees    FeePolicy
	confirm ConfirmPolicy
}

// NewNativeRail constructs the native-coin rail on ledger.
func NewNativeRail(ledger Backend, prober BalanceProber, fees FeePolicy, confirm ConfirmPolicy) *NativeRail {
	return &NativeRail{ledger: ledger, prober: prober, fees: fees, confirm: confirm}
}

// Preflight requires balance >= amount + network fee + fee buffer.
func (r *NativeRail) Preflight(ctx context.Context, req TransferRequest) error {
	payer, err := resolvePayer(ctx, req, r.ledger.ID())
	if err != nil {
		return err
	}
	bal, err := r.prober.Balance(ctx, r.ledger.ID(), payer, "")
	if err != nil {
		return fmt.Errorf("settlement: probe payer balance: %w", err)
	}
	required := r.fees.Reserve()
	required.Add(required, req.Amount)
	if bal.Amount().Cmp(required) < 0 {
		return &InsufficientFundsError{
			Currency:  Native().Symbol(),
			Required:  FormatAmount(required, int(r.ledger.NativeDecimals())),
			Available: FormatAmount(bal.Amount(), int(r.ledger.NativeDecimals())),
		}
	}
	return nil
}

// Instructions builds the transfer, prefixing an initialisation of the destination when
// it is missing. A failed probe is treated as missing only on ledgers where
// initialisation is idempotent.
func (r *NativeRail) Instructions(ctx context.Context, payer string, req TransferRequest) ([]Instruction, string, error) {
	units, err := ToMinorUnits(req.Amount, r.ledger.NativeDecimals())
	if err != nil {
		return nil, "", err
	}
	needInit := false
	dest, err := r.prober.Balance(ctx, r.ledger.ID(), req.To, "")
	switch {
	case err != nil && !r.ledger.IdempotentInit():
		return nil, "", fmt.Errorf("settlement: probe destination on %s: %w", r.ledger.ID(), err)
	case err != nil:
		needInit = true
	case !dest.Exists:
		needInit = true
	}
	var out []Instruction
	if needInit {
		out = append(out, Instruction{
			Kind:        InstrInitAccount,
			Program:     SystemProgramID,
			Source:      payer,
			Destination: req.To,
		})
	}
	out = append(out, Instruction{
		Kind:        InstrTransfer,
		Program:     SystemProgramID,
		Source:      payer,
		Destination: req.To,
		Amount:      units.Dec(),
	})
	if req.Memo != "" {
		out = append(out, Instruction{Kind: InstrMemo, Program: MemoProgramID, Memo: req.Memo})
	}
	return out, units.Dec(), nil
}

// Transfer moves req.Amount native units to req.To.
func (r *NativeRail) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := validateRequest(req); err != nil {
		return Receipt{}, err
	}
	if err := ValidatePrimaryAddress(req.To); err != nil {
		return Receipt{}, err
	}
	payer, err := resolvePayer(ctx, req, r.ledger.ID())
	if err != nil {
		return Receipt{}, err
	}
	req.From = payer
	if err := r.Preflight(ctx, req); err != nil {
		return Receipt{}, err
	}
	instructions, units, err := r.Instructions(ctx, payer, req)
	if err != nil {
		return Receipt{}, err
	}
	tx := &Transaction{Ledger: r.ledger.ID(), FeePayer: payer, Instructions: instructions}
	return submitAndConfirm(ctx, req.Wallet, tx, r.ledger, r.confirm, Receipt{From: payer, To: req.To, Units: units})
}

func submitAndConfirm(ctx context.Context, wallet Wallet, tx *Transaction, ledger Backend, policy ConfirmPolicy, receipt Receipt) (Receipt, error) {
	reference, err := wallet.SignAndSubmit(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Reference = reference
	receipt.Ledger = ledger.ID()
	if err := WaitForConfirmation(ctx, ledger.ID(), reference, policy, ledger.Status); err != nil {
		return receipt, err
	}
	return receipt, nil
}
