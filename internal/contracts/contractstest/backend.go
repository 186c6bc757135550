// Package contractstest provides an in-memory chain that speaks the engine's
// ABIs, for tests.
package contractstest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"leverage-engine/internal/chain"
	"leverage-engine/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrReverted = errors.New("execution reverted")

// Handler answers one contract method. args are the decoded inputs.
type Handler func(to common.Address, args []any) ([]any, error)

type SentTx struct {
	Hash   common.Hash
	To     common.Address
	Method string
	Args   []any
	Value  *big.Int
}

type Backend struct {
	mu       sync.Mutex
	from     common.Address
	handlers map[string]Handler
	onSend   map[string]func(tx SentTx) error
	statuses map[common.Hash]chain.TxStatus
	sent     []SentTx
	calls    map[string]int
}

func NewBackend(from common.Address) *Backend {
	return &Backend{
		from:     from,
		handlers: make(map[string]Handler),
		onSend:   make(map[string]func(tx SentTx) error),
		statuses: make(map[common.Hash]chain.TxStatus),
		calls:    make(map[string]int),
	}
}

func (b *Backend) Handle(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Return makes method always answer with values.
func (b *Backend) Return(method string, values ...any) {
	b.Handle(method, func(common.Address, []any) ([]any, error) {
		return values, nil
	})
}

func (b *Backend) Fail(method string, err error) {
	b.Handle(method, func(common.Address, []any) ([]any, error) {
		return nil, err
	})
}

// OnSend runs hook when a transaction invoking method is sent. A hook error
// makes the send fail.
func (b *Backend) OnSend(method string, hook func(tx SentTx) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend[method] = hook
}

func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *Backend) Sent() []SentTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SentTx(nil), b.sent...)
}

func (b *Backend) SetStatus(hash common.Hash, status chain.TxStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[hash] = status
}

func (b *Backend) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	_ = ctx
	method, err := contracts.MethodByID(data)
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	h, ok := b.handlers[method.Name]
	b.calls[method.Name]++
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", method.Name, ErrReverted)
	}
	out, err := h(to, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (b *Backend) From() common.Address {
	return b.from
}

func (b *Backend) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	_ = ctx
	method, err := contracts.MethodByID(data)
	if err != nil {
		return common.Hash{}, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Hash{}, err
	}
	if value == nil {
		value = new(big.Int)
	}
	b.mu.Lock()
	hash := crypto.Keccak256Hash(data, big.NewInt(int64(len(b.sent))).Bytes())
	tx := SentTx{Hash: hash, To: to, Method: method.Name, Args: args, Value: new(big.Int).Set(value)}
	hook := b.onSend[method.Name]
	b.mu.Unlock()
	if hook != nil {
		if err := hook(tx); err != nil {
			return common.Hash{}, err
		}
	}
	b.mu.Lock()
	b.sent = append(b.sent, tx)
	if _, ok := b.statuses[hash]; !ok {
		b.statuses[hash] = chain.TxSuccess
	}
	b.mu.Unlock()
	return hash, nil
}

func (b *Backend) TransactionStatus(ctx context.Context, hash common.Hash) (chain.TxStatus, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.statuses[hash]
	if !ok {
		return chain.TxPending, nil
	}
	return status, nil
}

func (b *Backend) WaitMined(ctx context.Context, hash common.Hash) (chain.TxStatus, error) {
	return b.TransactionStatus(ctx, hash)
}

// ByToken answers single-address getters from a map, defaulting to zero.
func ByToken(values map[common.Address]*big.Int) Handler {
	return func(_ common.Address, args []any) ([]any, error) {
		token, _ := args[0].(common.Address)
		if v, ok := values[token]; ok {
			return []any{v}, nil
		}
		return []any{new(big.Int)}, nil
	}
}

type Quote struct {
	Min *big.Int
	Max *big.Int
}

// Prices answers getPrice with the max quote when useMax is set.
func Prices(quotes map[common.Address]Quote) Handler {
	return func(_ common.Address, args []any) ([]any, error) {
		token, _ := args[0].(common.Address)
		useMax, _ := args[1].(bool)
		q, ok := quotes[token]
		if !ok {
			return nil, fmt.Errorf("no price for %s: %w", token.Hex(), ErrReverted)
		}
		if useMax {
			return []any{q.Max}, nil
		}
		return []any{q.Min}, nil
	}
}
