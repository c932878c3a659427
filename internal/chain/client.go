// Package chain wraps the vault contract and ERC-20 tokens behind go-ethereum: reads go
// through eth_call, writes are built as EIP-1559 transactions, signed and awaited.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ErrTxReverted is returned when a mined transaction has a failed status.
var ErrTxReverted = errors.New("chain: transaction reverted")

// Backend is the subset of ethclient.Client the package needs.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.TransactionSender
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Options parameterise the RPC client.
type Options struct {
	RPCURL  string
	ChainID int64
	// CallTimeout bounds each read.
	CallTimeout time.Duration
	// ReceiptTimeout bounds the wait for a transaction to be mined.
	ReceiptTimeout time.Duration
	// GasBufferPercent is added on top of the node's gas estimate.
	GasBufferPercent int64
}

// Client reads and writes through one sending address.
type Client struct {
	opts    Options
	chainID *big.Int
	signer  Signer
	base    zerolog.Logger
	logger  zerolog.Logger

	backend    Backend
	backendMux sync.Mutex
	// sendMux keeps nonce allocation and submission ordered per sender.
	sendMux sync.Mutex
}

// NewClient builds a client that dials the RPC endpoint on first use.
func NewClient(opts Options, signer Signer, logger zerolog.Logger) *Client {
	return newClient(opts, signer, nil, logger)
}

// NewClientWithBackend builds a client over an existing backend.
func NewClientWithBackend(backend Backend, opts Options, signer Signer, logger zerolog.Logger) *Client {
	return newClient(opts, signer, backend, logger)
}

func newClient(opts Options, signer Signer, backend Backend, logger zerolog.Logger) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 3 * time.Minute
	}
	if opts.GasBufferPercent <= 0 {
		opts.GasBufferPercent = 20
	}
	l := logger.With().Str("component", "chain_client").Logger()
	if signer != nil {
		l = l.With().Str("sender", signer.Address().Hex()).Logger()
	}
	return &Client{
		opts:    opts,
		chainID: big.NewInt(opts.ChainID),
		signer:  signer,
		backend: backend,
		base:    logger,
		logger:  l,
	}
}

// WithSigner returns a client sharing the same connection but sending from another address.
func (c *Client) WithSigner(signer Signer) *Client {
	c.backendMux.Lock()
	backend := c.backend
	c.backendMux.Unlock()
	return newClient(c.opts, signer, backend, c.base)
}

// Sender is the address transactions are sent from.
func (c *Client) Sender() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Client) getBackend(ctx context.Context) (Backend, error) {
	c.backendMux.Lock()
	defer c.backendMux.Unlock()

	if c.backend != nil {
		return c.backend, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.backend = client
	return client, nil
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	backend, err := c.getBackend(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *Client) callUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	outputs, err := c.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

// transact builds, signs and submits a call to `to`, then blocks until it is mined.
func (c *Client) transact(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, errors.New("chain: no signer configured")
	}
	backend, err := c.getBackend(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	data, err := contract.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	tx, err := c.submit(ctx, backend, to, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	c.logger.Debug().Str("method", method).Str("tx", tx.Hash().Hex()).Uint64("nonce", tx.Nonce()).Msg("transaction submitted")

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, backend, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: wait for %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("%w: %s %s", ErrTxReverted, method, tx.Hash().Hex())
	}

	c.logger.Info().Str("method", method).Str("tx", tx.Hash().Hex()).Uint64("gas_used", receipt.GasUsed).Msg("transaction mined")
	return tx.Hash(), nil
}

func (c *Client) submit(ctx context.Context, backend Backend, to common.Address, data []byte) (*types.Transaction, error) {
	c.sendMux.Lock()
	defer c.sendMux.Unlock()

	from := c.signer.Address()

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * uint64(c.opts.GasBufferPercent) / 100

	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})

	signed, err := c.signer.SignTx(ctx, unsigned, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return signed, nil
}
