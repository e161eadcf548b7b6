package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteWalletConfig configures the remote signer client.
type RemoteWalletConfig struct {
	BaseURL string
	Token   string
	Session string
	Timeout time.Duration
}

// RemoteWallet delegates signing to the wallet holder through a signer service. The holder
// approves or rejects each request out of band.
type RemoteWallet struct {
	baseURL string
	token   string
	session string
	http    *http.Client
}

// NewRemoteWallet constructs a remote signer client.
func NewRemoteWallet(cfg RemoteWalletConfig) (*RemoteWallet, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("settlement: signer base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RemoteWallet{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		session: strings.TrimSpace(cfg.Session),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// WithSession returns a copy bound to another wallet session.
func (w *RemoteWallet) WithSession(session string) *RemoteWallet {
	clone := *w
	clone.session = strings.TrimSpace(session)
	return &clone
}

type signerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (w *RemoteWallet) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	if w.session != "" {
		req.Header.Set("X-Wallet-Session", w.session)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var decoded signerError
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		switch decoded.Code {
		case "user_rejected":
			return ErrUserRejected
		case "unrecognized_network":
			return ErrUnrecognizedNetwork
		case "unsupported":
			return fmt.Errorf("%w: %s", ErrWalletCapability, decoded.Message)
		}
		return fmt.Errorf("settlement: signer %s failed: status=%d %s", path, resp.StatusCode, decoded.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Address asks the signer for the session's account on ledger.
func (w *RemoteWallet) Address(ctx context.Context, ledger LedgerID) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := w.post(ctx, "/v1/address", map[string]string{"ledger": string(ledger)}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Address) == "" {
		return "", fmt.Errorf("settlement: signer returned empty address")
	}
	return out.Address, nil
}

// Sign requests a detached signature over message.
func (w *RemoteWallet) Sign(ctx context.Context, ledger LedgerID, message []byte) ([]byte, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	payload := map[string]string{"ledger": string(ledger), "message": base64.StdEncoding.EncodeToString(message)}
	if err := w.post(ctx, "/v1/sign", payload, &out); err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("settlement: decode signature: %w", err)
	}
	return sig, nil
}

// SignAndSubmit hands the transaction to the holder's wallet, which signs and broadcasts it.
func (w *RemoteWallet) SignAndSubmit(ctx context.Context, tx *Transaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	var out struct {
		Reference string `json:"reference"`
	}
	if err := w.post(ctx, "/v1/sign-and-submit", tx, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Reference) == "" {
		return "", fmt.Errorf("settlement: signer returned empty reference")
	}
	return out.Reference, nil
}

// SwitchNetwork asks the wallet to move to chainID.
func (w *RemoteWallet) SwitchNetwork(ctx context.Context, chainID int64) error {
	return w.post(ctx, "/v1/network/switch", map[string]int64{"chainId": chainID}, nil)
}

// AddNetwork registers a network with the wallet.
func (w *RemoteWallet) AddNetwork(ctx context.Context, params NetworkParams) error {
	return w.post(ctx, "/v1/network/add", params, nil)
}
