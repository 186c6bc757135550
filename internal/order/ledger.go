package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"leverage-engine/internal/protocol"
	"leverage-engine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

const (
	orderKeyPrefix  = "order:"
	clientKeyPrefix = "client:"
	clientPending   = "pending"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrClientInFlight = errors.New("order with this client id is still being submitted")
)

// Record is what the engine remembers about a submitted request. Amounts are
// decimal strings in the units named by their field.
type Record struct {
	ID                string              `json:"id"`
	ClientOrderID     string              `json:"client_order_id,omitempty"`
	Kind              Kind                `json:"kind"`
	Instrument        protocol.Instrument `json:"instrument"`
	Account           string              `json:"account"`
	TxHash            string              `json:"tx_hash"`
	SizeDeltaUSD      string              `json:"size_delta_usd"`
	AmountIn          string              `json:"amount_in,omitempty"`
	CollateralDelta   string              `json:"collateral_delta_usd,omitempty"`
	AcceptablePrice   string              `json:"acceptable_price"`
	ExecutionFeeWei   string              `json:"execution_fee_wei"`
	ValueWei          string              `json:"value_wei"`
	State             State               `json:"state"`
	SubmittedAt       time.Time           `json:"submitted_at"`
	ExecuteBefore     time.Time           `json:"execute_before"`
	KeeperBlockWindow int                 `json:"keeper_block_window"`
}

func orderKey(txHash common.Hash) string {
	return orderKeyPrefix + strings.ToLower(txHash.Hex())
}

func clientKey(id string) string {
	return clientKeyPrefix + id
}

// Ledger persists records in a state.Store. A nil store disables it.
type Ledger struct {
	store state.Store
}

func NewLedger(store state.Store) *Ledger {
	return &Ledger{store: store}
}

// Save stores rec and points its client order id at the transaction. The
// client id is updated even when the record itself could not be written, so a
// sent request never leaves its id pending.
func (l *Ledger) Save(ctx context.Context, rec Record) error {
	if l == nil || l.store == nil {
		return nil
	}
	saveErr := state.SaveJSON(ctx, l.store, orderKey(common.HexToHash(rec.TxHash)), rec)
	if rec.ClientOrderID != "" {
		if err := l.store.Set(ctx, clientKey(rec.ClientOrderID), rec.TxHash); err != nil {
			return errors.Join(saveErr, err)
		}
	}
	return saveErr
}

func (l *Ledger) Get(ctx context.Context, txHash common.Hash) (Record, error) {
	if l == nil || l.store == nil {
		return Record{}, ErrNotFound
	}
	var rec Record
	ok, err := state.LoadJSON(ctx, l.store, orderKey(txHash), &rec)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Claim reserves a client order id before anything is sent. It returns the
// existing record when the id was already used.
func (l *Ledger) Claim(ctx context.Context, clientID string) (Record, bool, error) {
	if l == nil || l.store == nil || clientID == "" {
		return Record{}, true, nil
	}
	claimed, err := l.store.SetIfAbsent(ctx, clientKey(clientID), clientPending)
	if err != nil {
		return Record{}, false, err
	}
	if claimed {
		return Record{}, true, nil
	}
	tx, _, err := l.store.Get(ctx, clientKey(clientID))
	if err != nil {
		return Record{}, false, err
	}
	if tx == clientPending {
		return Record{}, false, ErrClientInFlight
	}
	rec, err := l.Get(ctx, common.HexToHash(tx))
	if errors.Is(err, ErrNotFound) {
		// The request was sent but its record was lost.
		return Record{ClientOrderID: clientID, TxHash: tx, State: StateRequested}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("client id %s: %w", clientID, err)
	}
	return rec, false, nil
}

// PendingClaims lists client order ids claimed but never resolved to a
// transaction. Outside a running submission these are left over from an
// interrupted process.
func (l *Ledger) PendingClaims(ctx context.Context) ([]string, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	entries, err := l.store.List(ctx, clientKeyPrefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.Value == clientPending {
			ids = append(ids, strings.TrimPrefix(e.Key, clientKeyPrefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Release drops a claim whose submission failed so the id can be retried.
func (l *Ledger) Release(ctx context.Context, clientID string) error {
	if l == nil || l.store == nil || clientID == "" {
		return nil
	}
	return l.store.Delete(ctx, clientKey(clientID))
}

// Apply records a keeper outcome observed by the caller.
func (l *Ledger) Apply(ctx context.Context, txHash common.Hash, event Event) (Record, error) {
	rec, err := l.Get(ctx, txHash)
	if err != nil {
		return Record{}, err
	}
	m := NewMachine()
	m.SetState(rec.State)
	rec.State = m.Apply(event)
	if err := state.SaveJSON(ctx, l.store, orderKey(txHash), rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns records for account, newest first. A zero account lists all.
func (l *Ledger) List(ctx context.Context, account common.Address) ([]Record, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	entries, err := l.store.List(ctx, orderKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(e.Value), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		if account != (common.Address{}) && !strings.EqualFold(rec.Account, account.Hex()) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}
