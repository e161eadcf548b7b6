package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

var (
	transferSelector       = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector      = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
	TransferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// EVMClient is the subset of the Ethereum RPC used by the secondary ledger.
type EVMClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// EVMSubmitter is what a locally held key needs to broadcast transactions.
type EVMSubmitter interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// DialEVM connects to an EVM RPC endpoint.
func DialEVM(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("settlement: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMLedger reads balances and receipts on the secondary ledger.
type EVMLedger struct {
	client        EVMClient
	chainID       int64
	confirmations uint64
	network       NetworkParams
}

// NewEVMLedger constructs the secondary ledger backend.
func NewEVMLedger(client EVMClient, network NetworkParams, confirmations uint64) *EVMLedger {
	return &EVMLedger{client: client, chainID: network.ChainID, confirmations: confirmations, network: network}
}

// Network returns the parameters wallets need to join the chain.
func (l *EVMLedger) Network() NetworkParams { return l.network }

// ParseEVMAddress validates a hex address.
func ParseEVMAddress(addr string) (common.Address, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(trimmed), nil
}

// NativeBalance returns the wei balance. EVM accounts always exist; a zero balance with no
// nonce history is reported as absent.
func (l *EVMLedger) NativeBalance(ctx context.Context, owner string) (Balance, error) {
	account, err := ParseEVMAddress(owner)
	if err != nil {
		return Balance{}, err
	}
	wei, err := l.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return Balance{}, err
	}
	units, _ := uint256.FromBig(wei)
	return Balance{Units: units, Decimals: 18, Exists: wei.Sign() > 0}, nil
}

// TokenBalance returns the ERC-20 balance of owner.
func (l *EVMLedger) TokenBalance(ctx context.Context, owner, token string, decimals uint8) (Balance, error) {
	account, err := ParseEVMAddress(owner)
	if err != nil {
		return Balance{}, err
	}
	contract, err := ParseEVMAddress(token)
	if err != nil {
		return Balance{}, err
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(account.Bytes(), 32)...)
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return Balance{}, err
	}
	value := new(big.Int).SetBytes(out)
	units, _ := uint256.FromBig(value)
	return Balance{Units: units, Decimals: decimals, Exists: len(out) > 0}, nil
}

// ERC20TransferCall encodes transfer(to, amount) against the token contract.
func (l *EVMLedger) ERC20TransferCall(token, to string, amount *uint256.Int) (*EVMCall, error) {
	contract, err := ParseEVMAddress(token)
	if err != nil {
		return nil, err
	}
	recipient, err := ParseEVMAddress(to)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("settlement: transfer amount must be positive")
	}
	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.ToBig().Bytes(), 32)...)
	return &EVMCall{ChainID: l.chainID, To: contract.Hex(), Data: data}, nil
}

// DecodeERC20Transfer parses calldata produced by ERC20TransferCall.
func DecodeERC20Transfer(data []byte) (common.Address, *big.Int, error) {
	if len(data) != 4+64 || !bytes.Equal(data[:4], transferSelector) {
		return common.Address{}, nil, fmt.Errorf("settlement: not an erc20 transfer")
	}
	to := common.BytesToAddress(data[4:36])
	amount := new(big.Int).SetBytes(data[36:68])
	return to, amount, nil
}

// Status reports the state of a transaction hash, honouring the confirmation depth.
func (l *EVMLedger) Status(ctx context.Context, reference string) (TxStatus, error) {
	hash := common.HexToHash(reference)
	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxNotFound, nil
		}
		return TxUnknown, err
	}
	if receipt == nil {
		return TxPending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return TxFailed, nil
	}
	if l.confirmations > 1 {
		header, err := l.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return TxUnknown, err
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return TxPending, nil
		}
		depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		depth.Add(depth, big.NewInt(1))
		if depth.Cmp(new(big.Int).SetUint64(l.confirmations)) < 0 {
			return TxPending, nil
		}
	}
	return TxConfirmed, nil
}

// VerifyTransfer checks that a confirmed receipt carries a Transfer log of exactly amount
// from token to collector.
func (l *EVMLedger) VerifyTransfer(ctx context.Context, reference, token, collector string, amount *big.Int) error {
	st, err := l.Status(ctx, reference)
	if err != nil {
		return err
	}
	if st != TxConfirmed {
		return fmt.Errorf("%w: transaction %s is %s", ErrVerificationFailed, reference, st)
	}
	contract, err := ParseEVMAddress(token)
	if err != nil {
		return err
	}
	to, err := ParseEVMAddress(collector)
	if err != nil {
		return err
	}
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(reference))
	if err != nil {
		return err
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != TransferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != to {
			continue
		}
		if new(big.Int).SetBytes(log.Data).Cmp(amount) == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching transfer in %s", ErrVerificationFailed, reference)
}
