// Package chain is the read/write provider the engine uses to reach the EVM
// node. It performs no retries; timeouts belong to the RPC transport.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxSuccess  TxStatus = "success"
	TxReverted TxStatus = "reverted"
)

var ErrNoSigner = errors.New("no signer configured")

type Reader interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

type Writer interface {
	From() common.Address
	Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

type Receipts interface {
	TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error)
	WaitMined(ctx context.Context, hash common.Hash) (TxStatus, error)
}

// Backend is the subset of ethclient.Client the provider depends on.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

const (
	gasLimitBufferBps   = 2_000
	defaultPollInterval = time.Second
)

type Client struct {
	backend      Backend
	signer       *Signer
	log          *zap.Logger
	pollInterval time.Duration

	sendMu    sync.Mutex
	lastNonce atomic.Uint64
	hasNonce  atomic.Bool
}

// Dial connects to an RPC endpoint. The timeout bounds each HTTP round trip.
func Dial(ctx context.Context, rpcURL string, timeout time.Duration) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, errors.New("rpc url is required")
	}
	opts := []rpc.ClientOption{}
	if timeout > 0 {
		opts = append(opts, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	rpcClient, err := rpc.DialOptions(ctx, rpcURL, opts...)
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(rpcClient), nil
}

// NewClient wraps backend. signer may be nil for read-only use.
func NewClient(backend Backend, signer *Signer, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		backend:      backend,
		signer:       signer,
		log:          log,
		pollInterval: defaultPollInterval,
	}
}

func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	return c.backend.CallContract(ctx, msg, nil)
}

func (c *Client) From() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Send signs and broadcasts a dynamic-fee transaction and returns its hash
// without waiting for inclusion.
func (c *Client) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * gasLimitBufferBps / 10_000
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	pending, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	nonce := c.nextNonce(pending)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		c.resetNonce()
		return common.Hash{}, err
	}
	c.log.Debug("transaction sent",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return signed.Hash(), nil
}

// nextNonce never hands out a nonce at or below one already used by this
// client, even when the node's pending view lags behind.
func (c *Client) nextNonce(pending uint64) uint64 {
	for {
		prev := c.lastNonce.Load()
		next := pending
		if c.hasNonce.Load() && prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.hasNonce.Store(true)
			return next
		}
	}
}

func (c *Client) resetNonce() {
	c.hasNonce.Store(false)
	c.lastNonce.Store(0)
}

func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxPending, nil
		}
		return "", err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxSuccess, nil
	}
	return TxReverted, nil
}

// WaitMined polls until hash is included or ctx ends.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (TxStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.TransactionStatus(ctx, hash)
		if err != nil {
			return "", err
		}
		if status != TxPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return TxPending, ctx.Err()
		case <-ticker.C:
		}
	}
}
