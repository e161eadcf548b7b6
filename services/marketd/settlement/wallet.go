package settlement

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnrecognizedNetwork is returned by a NetworkSwitcher that does not know the chain yet.
var ErrUnrecognizedNetwork = errors.New("settlement: wallet does not know the network")

// Wallet is a signing provider able to act for one account per ledger.
type Wallet interface {
	Address(ctx context.Context, ledger LedgerID) (string, error)
	Sign(ctx context.Context, ledger LedgerID, message []byte) ([]byte, error)
	SignAndSubmit(ctx context.Context, tx *Transaction) (string, error)
}

// NetworkSwitcher is implemented by wallets that hold sessions on several EVM networks.
type NetworkSwitcher interface {
	SwitchNetwork(ctx context.Context, chainID int64) error
	AddNetwork(ctx context.Context, params NetworkParams) error
}

// NetworkParams describes an EVM network to register with a wallet.
type NetworkParams struct {
	ChainID      int64  `json:"chainId"`
	Name         string `json:"chainName"`
	RPCURL       string `json:"rpcUrl"`
	ExplorerURL  string `json:"blockExplorerUrl,omitempty"`
	NativeSymbol string `json:"nativeSymbol"`
}

// EnsureNetwork moves the wallet onto the requested network, registering it first when
// the wallet does not recognise it. Wallets without the capability are a configuration error.
func EnsureNetwork(ctx context.Context, w Wallet, params NetworkParams) error {
	switcher, ok := w.(NetworkSwitcher)
	if !ok {
		return fmt.Errorf("%w: network switching", ErrWalletCapability)
	}
	err := switcher.SwitchNetwork(ctx, params.ChainID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnrecognizedNetwork) {
		return err
	}
	if err := switcher.AddNetwork(ctx, params); err != nil {
		return err
	}
	return switcher.SwitchNetwork(ctx, params.ChainID)
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	AddressFunc func(ctx context.Context, ledger LedgerID) (string, error)
	SignFunc    func(ctx context.Context, ledger LedgerID, message []byte) ([]byte, error)
	SubmitFunc  func(ctx context.Context, tx *Transaction) (string, error)
}

// Address delegates to the configured callback.
func (w FuncWallet) Address(ctx context.Context, ledger LedgerID) (string, error) {
	if w.AddressFunc == nil {
		return "", fmt.Errorf("%w: address", ErrWalletCapability)
	}
	return w.AddressFunc(ctx, ledger)
}

// Sign delegates to the configured callback.
func (w FuncWallet) Sign(ctx context.Context, ledger LedgerID, message []byte) ([]byte, error) {
	if w.SignFunc == nil {
		return nil, fmt.Errorf("%w: sign", ErrWalletCapability)
	}
	return w.SignFunc(ctx, ledger, message)
}

// SignAndSubmit delegates to the configured callback.
func (w FuncWallet) SignAndSubmit(ctx context.Context, tx *Transaction) (string, error) {
	if w.SubmitFunc == nil {
		return "", fmt.Errorf("%w: submit", ErrWalletCapability)
	}
	return w.SubmitFunc(ctx, tx)
}
