package settlement

import (
	"context"
	"fmt"
)

// EVMTokenRail is a direct ERC-20 transfer on the secondary ledger.
type EVMTokenRail struct {
	ledger  *EVMLedger
	prober  BalanceProber
	token   StableToken
	fees    FeePolicy
	confirm ConfirmPolicy
}

// NewEVMTokenRail constructs the rail.
func NewEVMTokenRail(ledger *EVMLedger, prober BalanceProber, token StableToken, fees FeePolicy, confirm ConfirmPolicy) *EVMTokenRail {
	return &EVMTokenRail{ledger: ledger, prober: prober, token: token, fees: fees, confirm: confirm}
}

// Preflight checks token and gas balances.
func (r *EVMTokenRail) Preflight(ctx context.Context, req TransferRequest) error {
	payer, err := resolvePayer(ctx, req, LedgerEVM)
	if err != nil {
		return err
	}
	return preflightToken(ctx, r.prober, r.ledger, payer, r.token, req.Amount, r.fees)
}

// Transfer moves req.Amount tokens to req.To.
func (r *EVMTokenRail) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := validateRequest(req); err != nil {
		return Receipt{}, err
	}
	if err := EnsureNetwork(ctx, req.Wallet, r.ledger.Network()); err != nil {
		return Receipt{}, err
	}
	payer, err := resolvePayer(ctx, req, LedgerEVM)
	if err != nil {
		return Receipt{}, err
	}
	req.From = payer
	if err := r.Preflight(ctx, req); err != nil {
		return Receipt{}, err
	}
	units, err := ToMinorUnits(req.Amount, r.token.Decimals)
	if err != nil {
		return Receipt{}, err
	}
	call, err := r.ledger.ERC20TransferCall(r.token.Mint, req.To, units)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: build erc20 transfer: %w", err)
	}
	tx := &Transaction{Ledger: LedgerEVM, FeePayer: payer, Call: call}
	return submitAndConfirm(ctx, req.Wallet, tx, r.ledger, r.confirm, Receipt{From: payer, To: req.To, Units: units.Dec()})
}
