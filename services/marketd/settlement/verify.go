package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
)

// TransferVerifier checks on-ledger that reference moved units of token to recipient.
type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, reference, token, recipient string, units *big.Int) error
}

type tokenBalanceEntry struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

// TransactionMeta is the settlement-relevant part of a confirmed primary transaction.
type TransactionMeta struct {
	Slot              uint64
	Failed            bool
	PreTokenBalances  []tokenBalanceEntry
	PostTokenBalances []tokenBalanceEntry
}

// Transaction fetches a confirmed transaction. found is false when the ledger does not
// know the signature yet.
func (c *PrimaryClient) Transaction(ctx context.Context, signature string) (TransactionMeta, bool, error) {
	var result *struct {
		Slot uint64 `json:"slot"`
		Meta *struct {
			Err               json.RawMessage     `json:"err"`
			PreTokenBalances  []tokenBalanceEntry `json:"preTokenBalances"`
			PostTokenBalances []tokenBalanceEntry `json:"postTokenBalances"`
		} `json:"meta"`
	}
	params := []interface{}{signature, map[string]interface{}{
		"encoding":                       "jsonParsed",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}}
	if err := c.callWithFallback(ctx, "getTransaction", params, &result); err != nil {
		return TransactionMeta{}, false, err
	}
	if result == nil || result.Meta == nil {
		return TransactionMeta{}, false, nil
	}
	failed := len(result.Meta.Err) > 0 && string(result.Meta.Err) != "null"
	return TransactionMeta{
		Slot:              result.Slot,
		Failed:            failed,
		PreTokenBalances:  result.Meta.PreTokenBalances,
		PostTokenBalances: result.Meta.PostTokenBalances,
	}, true, nil
}

// Received returns how many units of mint the owner's token accounts gained.
func (m TransactionMeta) Received(owner, mint string) *big.Int {
	sum := func(entries []tokenBalanceEntry) *big.Int {
		total := new(big.Int)
		for _, e := range entries {
			if e.Owner != owner || e.Mint != mint {
				continue
			}
			if v, ok := new(big.Int).SetString(e.UITokenAmount.Amount, 10); ok {
				total.Add(total, v)
			}
		}
		return total
	}
	return new(big.Int).Sub(sum(m.PostTokenBalances), sum(m.PreTokenBalances))
}

// VerifyTransfer checks that reference credited recipient with exactly units of mint.
func (l *PrimaryLedger) VerifyTransfer(ctx context.Context, reference, mint, recipient string, units *big.Int) error {
	meta, found, err := l.client.Transaction(ctx, reference)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: transaction %s not found", ErrVerificationFailed, reference)
	}
	if meta.Failed {
		return fmt.Errorf("%w: transaction %s failed on ledger", ErrVerificationFailed, reference)
	}
	if got := meta.Received(recipient, mint); got.Cmp(units) != 0 {
		return fmt.Errorf("%w: recipient received %s units, want %s", ErrVerificationFailed, got, units)
	}
	return nil
}
