package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Well-known program ids of the primary ledger.
const (
	SystemProgramID          = "11111111111111111111111111111111"
	TokenProgramID           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenProgramID = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	MemoProgramID            = "MemoSq4gqABAXKb96qWmdtp4o8nS7ycCSdsSbhdjPg6"
)

// PrimaryConfig configures the primary ledger RPC client.
type PrimaryConfig struct {
	RPCURL         string
	FallbackRPCURL string
	AuthToken      string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
	Commitment     string
}

// PrimaryClient is a JSON-RPC client for the primary ledger with a fallback endpoint used
// for account resolution.
type PrimaryClient struct {
	endpoint   string
	fallback   string
	authToken  string
	commitment string
	http       *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// NewPrimaryClient constructs a client.
func NewPrimaryClient(cfg PrimaryConfig) (*PrimaryClient, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, fmt.Errorf("settlement: primary rpc url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	commitment := strings.TrimSpace(cfg.Commitment)
	if commitment == "" {
		commitment = "confirmed"
	}
	client := &PrimaryClient{
		endpoint:   endpoint,
		fallback:   strings.TrimSpace(cfg.FallbackRPCURL),
		authToken:  strings.TrimSpace(cfg.AuthToken),
		commitment: commitment,
		http:       &http.Client{Timeout: timeout},
	}
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}
	return client, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("primary rpc error %d: %s", e.Code, e.Message)
}

func (c *PrimaryClient) call(ctx context.Context, endpoint, method string, params interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	id := c.nextID.Add(1)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("primary rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("primary rpc %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// callWithFallback retries exactly once against the fallback endpoint.
func (c *PrimaryClient) callWithFallback(ctx context.Context, method string, params interface{}, out interface{}) error {
	err := c.call(ctx, c.endpoint, method, params, out)
	if err == nil || c.fallback == "" || c.fallback == c.endpoint || ctx.Err() != nil {
		return err
	}
	if retryErr := c.call(ctx, c.fallback, method, params, out); retryErr != nil {
		return errors.Join(err, retryErr)
	}
	return nil
}

// AccountInfo returns the lamport balance of an account and whether it exists.
func (c *PrimaryClient) AccountInfo(ctx context.Context, address string) (uint64, bool, error) {
	var result struct {
		Value *struct {
			Lamports uint64 `json:"lamports"`
			Owner    string `json:"owner"`
		} `json:"value"`
	}
	params := []interface{}{address, map[string]string{"encoding": "base64", "commitment": c.commitment}}
	if err := c.call(ctx, c.endpoint, "getAccountInfo", params, &result); err != nil {
		return 0, false, err
	}
	if result.Value == nil {
		return 0, false, nil
	}
	return result.Value.Lamports, true, nil
}

// TokenAccount is a token sub-account held by an owner.
type TokenAccount struct {
	Address  string
	Amount   string
	Decimals uint8
}

// TokenAccountsByOwner resolves the owner's sub-accounts for a mint, retrying once on
// the fallback endpoint.
func (c *PrimaryClient) TokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccount, error) {
	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": c.commitment},
	}
	if err := c.callWithFallback(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountResolution, err)
	}
	accounts := make([]TokenAccount, 0, len(result.Value))
	for _, v := range result.Value {
		info := v.Account.Data.Parsed.Info.TokenAmount
		accounts = append(accounts, TokenAccount{Address: v.Pubkey, Amount: info.Amount, Decimals: info.Decimals})
	}
	return accounts, nil
}

// LatestBlockhash returns a recent blockhash for transaction construction.
func (c *PrimaryClient) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []interface{}{map[string]string{"commitment": c.commitment}}
	if err := c.call(ctx, c.endpoint, "getLatestBlockhash", params, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

// SendTransaction submits a base64 encoded signed transaction and returns its signature.
func (c *PrimaryClient) SendTransaction(ctx context.Context, encoded string) (string, error) {
	var signature string
	params := []interface{}{encoded, map[string]interface{}{"encoding": "base64", "preflightCommitment": c.commitment}}
	if err := c.call(ctx, c.endpoint, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus reports the settlement state of a submitted signature.
func (c *PrimaryClient) SignatureStatus(ctx context.Context, signature string) (TxStatus, error) {
	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	params := []interface{}{[]string{signature}, map[string]bool{"searchTransactionHistory": true}}
	if err := c.call(ctx, c.endpoint, "getSignatureStatuses", params, &result); err != nil {
		return TxUnknown, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return TxNotFound, nil
	}
	status := result.Value[0]
	if len(status.Err) > 0 && string(status.Err) != "null" {
		return TxFailed, nil
	}
	switch status.ConfirmationStatus {
	case "confirmed", "finalized":
		if c.commitment == "finalized" && status.ConfirmationStatus != "finalized" {
			return TxPending, nil
		}
		return TxConfirmed, nil
	default:
		return TxPending, nil
	}
}
