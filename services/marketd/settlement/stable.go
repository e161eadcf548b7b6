package settlement

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcutil/base58"
	"github.com/holiman/uint256"
)

// TokenAccountResolver lists an owner's token sub-accounts for a mint.
type TokenAccountResolver interface {
	TokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccount, error)
}

// StableToken identifies the stable token on a ledger.
type StableToken struct {
	Mint     string
	Decimals uint8
}

// StableRail transfers the stable token between owners' sub-accounts on the primary ledger.
type StableRail struct {
	ledger   Backend
	resolver TokenAccountResolver
	prober   BalanceProber
	token    StableToken
	fees     FeePolicy
	confirm  ConfirmPolicy
}

// NewStableRail constructs the stable-token rail.
func NewStableRail(ledger Backend, resolver TokenAccountResolver, prober BalanceProber, token StableToken, fees FeePolicy, confirm ConfirmPolicy) *StableRail {
	return &StableRail{ledger: ledger, resolver: resolver, prober: prober, token: token, fees: fees, confirm: confirm}
}

// Preflight requires token balance >= amount and native balance >= network fee + buffer.
func (r *StableRail) Preflight(ctx context.Context, req TransferRequest) error {
	payer, err := resolvePayer(ctx, req, r.ledger.ID())
	if err != nil {
		return err
	}
	return preflightToken(ctx, r.prober, r.ledger, payer, r.token, req.Amount, r.fees)
}

func preflightToken(ctx context.Context, prober BalanceProber, ledger Backend, payer string, token StableToken, amount *big.Rat, fees FeePolicy) error {
	tokenBal, err := prober.Balance(ctx, ledger.ID(), payer, token.Mint)
	if err != nil {
		return fmt.Errorf("settlement: probe token balance: %w", err)
	}
	if tokenBal.Amount().Cmp(amount) < 0 {
		return &InsufficientFundsError{
			Currency:  Stable().Symbol(),
			Required:  FormatAmount(amount, int(token.Decimals)),
			Available: FormatAmount(tokenBal.Amount(), int(token.Decimals)),
		}
	}
	reserve := fees.Reserve()
	if reserve.Sign() == 0 {
		return nil
	}
	nativeBal, err := prober.Balance(ctx, ledger.ID(), payer, "")
	if err != nil {
		return fmt.Errorf("settlement: probe fee balance: %w", err)
	}
	if nativeBal.Amount().Cmp(reserve) < 0 {
		return &InsufficientFundsError{
			Currency:  Native().Symbol(),
			Required:  FormatAmount(reserve, int(ledger.NativeDecimals())),
			Available: FormatAmount(nativeBal.Amount(), int(ledger.NativeDecimals())),
		}
	}
	return nil
}

// DeriveTokenAccount returns the deterministic sub-account address of owner for mint.
func DeriveTokenAccount(owner, mint string) (string, error) {
	if err := ValidatePrimaryAddress(owner); err != nil {
		return "", err
	}
	if err := ValidatePrimaryAddress(mint); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(base58.Decode(owner))
	h.Write(base58.Decode(TokenProgramID))
	h.Write(base58.Decode(mint))
	h.Write([]byte{255})
	h.Write(base58.Decode(AssociatedTokenProgramID))
	h.Write([]byte("ProgramDerivedAddress"))
	return base58.Encode(h.Sum(nil)), nil
}

// TokenInstructions resolves both sub-accounts and emits the transfer, creating the
// destination sub-account when the payee has none.
func TokenInstructions(ctx context.Context, resolver TokenAccountResolver, payer, owner string, token StableToken, amount *big.Rat) ([]Instruction, *uint256.Int, error) {
	units, err := ToMinorUnits(amount, token.Decimals)
	if err != nil {
		return nil, nil, err
	}
	sources, err := resolver.TokenAccountsByOwner(ctx, payer, token.Mint)
	if err != nil {
		return nil, nil, err
	}
	if len(sources) == 0 {
		return nil, nil, &InsufficientFundsError{Currency: Stable().Symbol(), Required: FormatAmount(amount, int(token.Decimals)), Available: "0"}
	}
	source := sources[0].Address
	for _, acct := range sources {
		held, err := uint256.FromDecimal(acct.Amount)
		if err == nil && !held.Lt(units) {
			source = acct.Address
			break
		}
	}
	destinations, err := resolver.TokenAccountsByOwner(ctx, owner, token.Mint)
	if err != nil {
		return nil, nil, err
	}
	var out []Instruction
	var destination string
	if len(destinations) > 0 {
		destination = destinations[0].Address
	} else {
		destination, err = DeriveTokenAccount(owner, token.Mint)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, Instruction{
			Kind:        InstrCreateTokenAccount,
			Program:     AssociatedTokenProgramID,
			Source:      payer,
			Destination: destination,
			Owner:       owner,
			Mint:        token.Mint,
		})
	}
	out = append(out, Instruction{
		Kind:        InstrTokenTransfer,
		Program:     TokenProgramID,
		Source:      source,
		Destination: destination,
		Owner:       payer,
		Mint:        token.Mint,
		Amount:      units.Dec(),
		Decimals:    token.Decimals,
	})
	return out, units, nil
}

// Transfer moves req.Amount tokens to req.To.
func (r *StableRail) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
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
	instructions, units, err := TokenInstructions(ctx, r.resolver, payer, req.To, r.token, req.Amount)
	if err != nil {
		return Receipt{}, err
	}
	if req.Memo != "" {
		instructions = append(instructions, Instruction{Kind: InstrMemo, Program: MemoProgramID, Memo: req.Memo})
	}
	tx := &Transaction{Ledger: r.ledger.ID(), FeePayer: payer, Instructions: instructions}
	return submitAndConfirm(ctx, req.Wallet, tx, r.ledger, r.confirm, Receipt{From: payer, To: req.To, Units: units.Dec()})
}
