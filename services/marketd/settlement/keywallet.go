package settlement

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrimarySubmitter broadcasts signed primary-ledger transactions.
type PrimarySubmitter interface {
	LatestBlockhash(ctx context.Context) (string, error)
	SendTransaction(ctx context.Context, encoded string) (string, error)
}

// KeyWallet signs with locally held keys: ed25519 on the primary ledger and secp256k1 on
// the EVM ledger. It backs the platform custody accounts.
type KeyWallet struct {
	seed      []byte
	edKey     ed25519.PrivateKey
	evmKey    *ecdsa.PrivateKey
	primary   PrimarySubmitter
	evm       EVMSubmitter
	chainID   *big.Int
	activeNet atomic.Int64
}

// KeyWalletOption customises a KeyWallet.
type KeyWalletOption func(*KeyWallet)

// WithPrimarySubmitter wires primary-ledger broadcasting.
func WithPrimarySubmitter(s PrimarySubmitter) KeyWalletOption {
	return func(w *KeyWallet) { w.primary = s }
}

// WithEVMSubmitter wires EVM broadcasting for the given chain.
func WithEVMSubmitter(s EVMSubmitter, chainID int64) KeyWalletOption {
	return func(w *KeyWallet) {
		w.evm = s
		w.chainID = big.NewInt(chainID)
		w.activeNet.Store(chainID)
	}
}

// NewKeyWallet derives both keys from a master seed of at least 32 bytes.
func NewKeyWallet(seed []byte, opts ...KeyWalletOption) (*KeyWallet, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("settlement: wallet seed must be at least 32 bytes")
	}
	edSeed := gethcrypto.Keccak256(seed, []byte("primary"))
	evmKey, err := gethcrypto.ToECDSA(gethcrypto.Keccak256(seed, []byte("evm")))
	if err != nil {
		return nil, fmt.Errorf("settlement: derive evm key: %w", err)
	}
	w := &KeyWallet{
		seed:   append([]byte(nil), seed...),
		edKey:  ed25519.NewKeyFromSeed(edSeed),
		evmKey: evmKey,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Derive returns a child wallet bound to label, sharing the parent's submitters.
func (w *KeyWallet) Derive(label string) (*KeyWallet, error) {
	child, err := NewKeyWallet(gethcrypto.Keccak256(w.seed, []byte(label)))
	if err != nil {
		return nil, err
	}
	child.primary = w.primary
	child.evm = w.evm
	child.chainID = w.chainID
	child.activeNet.Store(w.activeNet.Load())
	return child, nil
}

// Address returns the account of the wallet on ledger.
func (w *KeyWallet) Address(_ context.Context, ledger LedgerID) (string, error) {
	switch ledger {
	case LedgerPrimary:
		return base58.Encode(w.edKey.Public().(ed25519.PublicKey)), nil
	case LedgerEVM:
		return gethcrypto.PubkeyToAddress(w.evmKey.PublicKey).Hex(), nil
	default:
		return "", fmt.Errorf("%w: ledger %q", ErrUnsupportedCurrency, ledger)
	}
}

// Sign signs message with the key for ledger. EVM messages are hashed with keccak first.
func (w *KeyWallet) Sign(_ context.Context, ledger LedgerID, message []byte) ([]byte, error) {
	switch ledger {
	case LedgerPrimary:
		return ed25519.Sign(w.edKey, message), nil
	case LedgerEVM:
		return gethcrypto.Sign(gethcrypto.Keccak256(message), w.evmKey)
	default:
		return nil, fmt.Errorf("%w: ledger %q", ErrUnsupportedCurrency, ledger)
	}
}

type signedEnvelope struct {
	Signatures []string        `json:"signatures"`
	Message    json.RawMessage `json:"message"`
}

// SignAndSubmit signs tx and broadcasts it through the configured submitter.
func (w *KeyWallet) SignAndSubmit(ctx context.Context, tx *Transaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	switch tx.Ledger {
	case LedgerPrimary:
		return w.submitPrimary(ctx, tx)
	default:
		return w.submitEVM(ctx, tx)
	}
}

func (w *KeyWallet) submitPrimary(ctx context.Context, tx *Transaction) (string, error) {
	if w.primary == nil {
		return "", fmt.Errorf("%w: primary submitter not configured", ErrWalletCapability)
	}
	if tx.FeePayer == "" {
		payer, _ := w.Address(ctx, LedgerPrimary)
		tx.FeePayer = payer
	}
	if tx.RecentBlockhash == "" {
		hash, err := w.primary.LatestBlockhash(ctx)
		if err != nil {
			return "", fmt.Errorf("settlement: fetch blockhash: %w", err)
		}
		tx.RecentBlockhash = hash
	}
	msg, err := tx.Message()
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(w.edKey, msg)
	envelope, err := json.Marshal(signedEnvelope{Signatures: []string{base58.Encode(sig)}, Message: msg})
	if err != nil {
		return "", err
	}
	reference, err := w.primary.SendTransaction(ctx, base64.StdEncoding.EncodeToString(envelope))
	if err != nil {
		return "", err
	}
	if reference == "" {
		reference = base58.Encode(sig)
	}
	return reference, nil
}

func (w *KeyWallet) submitEVM(ctx context.Context, tx *Transaction) (string, error) {
	if w.evm == nil || w.chainID == nil {
		return "", fmt.Errorf("%w: evm submitter not configured", ErrWalletCapability)
	}
	if tx.Call.ChainID != 0 && tx.Call.ChainID != w.activeNet.Load() {
		return "", fmt.Errorf("%w: wallet on chain %d, call for %d", ErrWalletCapability, w.activeNet.Load(), tx.Call.ChainID)
	}
	from := gethcrypto.PubkeyToAddress(w.evmKey.PublicKey)
	to := common.HexToAddress(tx.Call.To)
	value := tx.Call.Value
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := w.evm.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("settlement: nonce: %w", err)
	}
	gasPrice, err := w.evm.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("settlement: gas price: %w", err)
	}
	gas, err := w.evm.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: tx.Call.Data})
	if err != nil {
		return "", fmt.Errorf("settlement: estimate gas: %w", err)
	}
	unsigned := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     tx.Call.Data,
	})
	signed, err := gethtypes.SignTx(unsigned, gethtypes.LatestSignerForChainID(w.chainID), w.evmKey)
	if err != nil {
		return "", fmt.Errorf("settlement: sign evm tx: %w", err)
	}
	if err := w.evm.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// SwitchNetwork accepts only the chain the submitter is bound to.
func (w *KeyWallet) SwitchNetwork(_ context.Context, chainID int64) error {
	if w.chainID == nil || w.chainID.Int64() != chainID {
		return fmt.Errorf("%w: chain %d", ErrUnrecognizedNetwork, chainID)
	}
	w.activeNet.Store(chainID)
	return nil
}

// AddNetwork cannot register new chains for a local key.
func (w *KeyWallet) AddNetwork(_ context.Context, params NetworkParams) error {
	return fmt.Errorf("%w: add network %d", ErrWalletCapability, params.ChainID)
}
