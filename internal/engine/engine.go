// Package engine exposes the caller-facing operations. Amounts cross this
// boundary as decimal strings and are converted to fixed-point integers
// before any read or write.
package engine

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/chain"
	"leverage-engine/internal/closing"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/order"
	"leverage-engine/internal/position"
	"leverage-engine/internal/pricing"
	"leverage-engine/internal/protocol"
	"leverage-engine/internal/sizing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LiquidityReader interface {
	Snapshot(ctx context.Context, inst protocol.Instrument) (liquidity.Snapshot, error)
}

type PositionReader interface {
	Snapshot(ctx context.Context, inst protocol.Instrument, account common.Address) (position.Snapshot, error)
}

type Submitter interface {
	Submit(ctx context.Context, req order.Request) (order.Record, bool, error)
}

// Recorder keeps history of what the engine observed and sent. It must not
// fail the operation that produced the data.
type Recorder interface {
	RecordLiquidity(ctx context.Context, snap liquidity.Snapshot)
	RecordPosition(ctx context.Context, snap position.Snapshot)
	RecordOrder(ctx context.Context, rec order.Record)
}

type Config struct {
	OpenSlippageBps uint32
	// Defaults are merged into every submission that does not set its own.
	Defaults order.Options
}

type Engine struct {
	network   *protocol.Network
	liquidity LiquidityReader
	positions PositionReader
	sizer     *sizing.Sizer
	closer    *closing.Calculator
	submitter Submitter
	ledger    *order.Ledger
	receipts  chain.Receipts
	recorder  Recorder
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

type Deps struct {
	Network   *protocol.Network
	Liquidity LiquidityReader
	Positions PositionReader
	Sizer     *sizing.Sizer
	Closer    *closing.Calculator
	Submitter Submitter
	// Ledger serves order status and listing, with or without a Submitter.
	Ledger    *order.Ledger
	Receipts  chain.Receipts
	Recorder  Recorder
}

func New(deps Deps, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		network:   deps.Network,
		liquidity: deps.Liquidity,
		positions: deps.Positions,
		sizer:     deps.Sizer,
		closer:    deps.Closer,
		submitter: deps.Submitter,
		ledger:    deps.Ledger,
		receipts:  deps.Receipts,
		recorder:  deps.Recorder,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

func (e *Engine) Network() *protocol.Network {
	return e.network
}

func (e *Engine) GetLiquiditySnapshot(ctx context.Context, inst protocol.Instrument) (liquidity.View, error) {
	if err := e.validInstrument(inst); err != nil {
		return liquidity.View{}, err
	}
	snap, err := e.liquidity.Snapshot(ctx, inst)
	if err != nil {
		return liquidity.View{}, err
	}
	if e.recorder != nil {
		e.recorder.RecordLiquidity(ctx, snap)
	}
	return snap.View(), nil
}

// GetPositionSnapshot reports size zero as a normal result with
// has_position false.
func (e *Engine) GetPositionSnapshot(ctx context.Context, inst protocol.Instrument, account string) (position.View, error) {
	if err := e.validInstrument(inst); err != nil {
		return position.View{}, err
	}
	addr, err := ParseAccount(account)
	if err != nil {
		return position.View{}, err
	}
	snap, err := e.positions.Snapshot(ctx, inst, addr)
	if err != nil {
		return position.View{}, err
	}
	if e.recorder != nil {
		e.recorder.RecordPosition(ctx, snap)
	}
	return snap.View(), nil
}

type SizingRequest struct {
	Instrument    protocol.Instrument `json:"instrument"`
	Account       string              `json:"account"`
	SizeUSD       string              `json:"size_usd"`
	CollateralUSD string              `json:"collateral_usd"`
}

func (e *Engine) ValidateAndSizePosition(ctx context.Context, req SizingRequest) (sizing.View, error) {
	res, err := e.sizePosition(ctx, req)
	if err != nil {
		return sizing.View{}, err
	}
	collateral, _ := e.network.Token(req.Instrument.Collateral)
	return res.View(collateral.Decimals), nil
}

func (e *Engine) sizePosition(ctx context.Context, req SizingRequest) (sizing.Result, error) {
	account, err := ParseAccount(req.Account)
	if err != nil {
		return sizing.Result{}, err
	}
	size, err := parseUSD("size_usd", req.SizeUSD)
	if err != nil {
		return sizing.Result{}, err
	}
	collateral, err := parseUSD("collateral_usd", req.CollateralUSD)
	if err != nil {
		return sizing.Result{}, err
	}
	return e.sizer.Size(ctx, req.Instrument, account, sizing.Request{SizeUSD: size, CollateralUSD: collateral})
}

// SubmitOptions are the per-order overrides shared by open and close.
type SubmitOptions struct {
	SlippageBps     *uint32 `json:"slippage_bps,omitempty"`
	AcceptablePrice string  `json:"acceptable_price,omitempty"`
	ExecutionFeeWei string  `json:"execution_fee_wei,omitempty"`
	ClientOrderID   string  `json:"client_order_id,omitempty"`
}

type OpenRequest struct {
	SizingRequest
	SubmitOptions
}

type CloseRequest struct {
	Instrument protocol.Instrument `json:"instrument"`
	Account    string              `json:"account"`
	// SizeDeltaUSD empty closes the whole position.
	SizeDeltaUSD       string `json:"size_delta_usd,omitempty"`
	CollateralDeltaUSD string `json:"collateral_delta_usd,omitempty"`
	SubmitOptions
}

// SubmitResult is returned once the request transaction is sent. The keeper
// decides the outcome later; the window fields say how long it has.
type SubmitResult struct {
	TransactionID     string       `json:"transaction_id"`
	Order             order.Record `json:"order"`
	AcceptablePrice   string       `json:"acceptable_price"`
	SlippageBps       uint32       `json:"slippage_bps"`
	Sizing            *sizing.View `json:"sizing,omitempty"`
	FullClose         bool         `json:"full_close,omitempty"`
	// Duplicate is set when the client order id was already used; nothing
	// was sent and the fields come from the stored record.
	Duplicate         bool         `json:"duplicate,omitempty"`
	KeeperBlockWindow int          `json:"keeper_block_window"`
	KeeperTimeWindow  string       `json:"keeper_time_window"`
}

func (e *Engine) SubmitOpenPosition(ctx context.Context, req OpenRequest) (SubmitResult, error) {
	res, err := e.sizePosition(ctx, req.SizingRequest)
	if err != nil {
		return SubmitResult{}, err
	}
	opts, err := e.options(req.SubmitOptions)
	if err != nil {
		return SubmitResult{}, err
	}
	bps := pricing.Slippage(req.SlippageBps, e.cfg.OpenSlippageBps)
	acceptable, err := parsePrice(req.AcceptablePrice)
	if err != nil {
		return SubmitResult{}, err
	}
	if acceptable == nil {
		acceptable, err = pricing.AcceptablePrice(res.Liquidity.OraclePrice, req.Instrument.Side, pricing.Open, bps)
		if err != nil {
			return SubmitResult{}, err
		}
	}
	account, _ := ParseAccount(req.Account)
	built, err := order.NewIncrease(e.network, req.Instrument, account, res.CollateralAmount, res.SizeDelta, acceptable, opts)
	if err != nil {
		return SubmitResult{}, err
	}
	rec, created, err := e.submit(ctx, built)
	if err != nil {
		return SubmitResult{}, err
	}
	if !created {
		return storedSubmitResult(rec), nil
	}
	collateral, _ := e.network.Token(req.Instrument.Collateral)
	view := res.View(collateral.Decimals)
	out := newSubmitResult(rec, acceptable, bps)
	out.Sizing = &view
	return out, nil
}

func (e *Engine) SubmitClosePosition(ctx context.Context, req CloseRequest) (SubmitResult, error) {
	if err := e.validInstrument(req.Instrument); err != nil {
		return SubmitResult{}, err
	}
	account, err := ParseAccount(req.Account)
	if err != nil {
		return SubmitResult{}, err
	}
	opts, err := e.options(req.SubmitOptions)
	if err != nil {
		return SubmitResult{}, err
	}
	plan := closing.Request{
		Instrument:  req.Instrument,
		Account:     account,
		SlippageBps: req.SlippageBps,
		Options:     opts,
	}
	if plan.SizeDeltaUSD, err = optionalUSD("size_delta_usd", req.SizeDeltaUSD); err != nil {
		return SubmitResult{}, err
	}
	if plan.CollateralDeltaUSD, err = optionalUSD("collateral_delta_usd", req.CollateralDeltaUSD); err != nil {
		return SubmitResult{}, err
	}
	if plan.AcceptablePrice, err = parsePrice(req.AcceptablePrice); err != nil {
		return SubmitResult{}, err
	}
	planned, err := e.closer.Plan(ctx, plan)
	if err != nil {
		return SubmitResult{}, err
	}
	rec, created, err := e.submit(ctx, planned.Order)
	if err != nil {
		return SubmitResult{}, err
	}
	if !created {
		return storedSubmitResult(rec), nil
	}
	out := newSubmitResult(rec, planned.AcceptablePrice, planned.SlippageBps)
	out.FullClose = planned.Full
	return out, nil
}

// submit reports created=false when a client order id was reused; the
// stored record was already recorded when it was first sent.
func (e *Engine) submit(ctx context.Context, req order.Request) (order.Record, bool, error) {
	if e.submitter == nil {
		return order.Record{}, false, failure.Write("submit", chain.ErrNoSigner)
	}
	rec, created, err := e.submitter.Submit(ctx, req)
	if err != nil {
		return order.Record{}, false, err
	}
	if created && e.recorder != nil {
		e.recorder.RecordOrder(ctx, rec)
	}
	return rec, created, nil
}

func newSubmitResult(rec order.Record, acceptable *big.Int, bps uint32) SubmitResult {
	return SubmitResult{
		TransactionID:     rec.TxHash,
		Order:             rec,
		AcceptablePrice:   amount.FixedToUSD(acceptable).String(),
		SlippageBps:       bps,
		KeeperBlockWindow: order.KeeperBlockWindow,
		KeeperTimeWindow:  order.KeeperTimeWindow.String(),
	}
}

// storedSubmitResult answers a repeated client order id from the stored
// record rather than from fresh reads.
func storedSubmitResult(rec order.Record) SubmitResult {
	return SubmitResult{
		TransactionID:     rec.TxHash,
		Order:             rec,
		AcceptablePrice:   rec.AcceptablePrice,
		Duplicate:         true,
		KeeperBlockWindow: order.KeeperBlockWindow,
		KeeperTimeWindow:  order.KeeperTimeWindow.String(),
	}
}

func (e *Engine) options(in SubmitOptions) (order.Options, error) {
	opts := e.cfg.Defaults
	opts.ClientOrderID = strings.TrimSpace(in.ClientOrderID)
	if raw := strings.TrimSpace(in.ExecutionFeeWei); raw != "" {
		fee, ok := new(big.Int).SetString(raw, 10)
		if !ok || fee.Sign() < 0 {
			return order.Options{}, failure.Validation(failure.ErrInvalidAmount, "execution_fee_wei >= 0", "invalid execution fee %q", raw)
		}
		opts.ExecutionFee = fee
	}
	return opts, nil
}

// OrderStatus is the ledger view of a request plus the receipt of its
// transaction. WindowElapsed is set once the keeper window has passed while
// the record is still unresolved.
type OrderStatus struct {
	Order         order.Record   `json:"order"`
	Receipt       chain.TxStatus `json:"receipt_status"`
	WindowElapsed bool           `json:"window_elapsed"`
}

func (e *Engine) OrderStatus(ctx context.Context, txHash string) (OrderStatus, error) {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return OrderStatus{}, err
	}
	rec, err := e.record(ctx, hash)
	if err != nil {
		return OrderStatus{}, err
	}
	out := OrderStatus{Order: rec, Receipt: chain.TxPending}
	if e.receipts != nil {
		status, err := e.receipts.TransactionStatus(ctx, hash)
		if err != nil {
			return OrderStatus{}, failure.Read("transactionReceipt", err)
		}
		out.Receipt = status
	}
	if !rec.State.Terminal() && !rec.ExecuteBefore.IsZero() && e.now().After(rec.ExecuteBefore) {
		out.WindowElapsed = true
	}
	return out, nil
}

// ApplyOrderEvent records a keeper outcome the caller observed.
func (e *Engine) ApplyOrderEvent(ctx context.Context, txHash, event string) (order.Record, error) {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return order.Record{}, err
	}
	ev, ok := order.ParseEvent(event)
	if !ok {
		return order.Record{}, failure.Validation(failure.ErrInvalidAmount, "event in executed|cancelled|window_elapsed", "unknown order event %q", event)
	}
	if _, err := e.record(ctx, hash); err != nil {
		return order.Record{}, err
	}
	rec, err := e.ledger.Apply(ctx, hash, ev)
	if err != nil {
		return order.Record{}, err
	}
	e.log.Info("order event applied", zap.String("tx", rec.TxHash), zap.String("event", string(ev)), zap.String("state", string(rec.State)))
	return rec, nil
}

func (e *Engine) ListOrders(ctx context.Context, account string) ([]order.Record, error) {
	addr, err := ParseAccount(account)
	if err != nil {
		return nil, err
	}
	return e.ledger.List(ctx, addr)
}

func (e *Engine) record(ctx context.Context, hash common.Hash) (order.Record, error) {
	rec, err := e.ledger.Get(ctx, hash)
	if errors.Is(err, order.ErrNotFound) {
		return order.Record{}, failure.Validation(order.ErrNotFound, "tx_hash", "no order recorded for %s", hash.Hex())
	}
	return rec, err
}

func (e *Engine) validInstrument(inst protocol.Instrument) error {
	if err := e.network.ValidateInstrument(inst); err != nil {
		return failure.Validation(failure.ErrInvalidInstrument, "instrument", "%v", err)
	}
	return nil
}

func ParseAccount(raw string) (common.Address, error) {
	clean := strings.TrimSpace(raw)
	if !common.IsHexAddress(clean) {
		return common.Address{}, failure.Validation(failure.ErrInvalidAddress, "account", "invalid account address %q", raw)
	}
	addr := common.HexToAddress(clean)
	if addr == (common.Address{}) {
		return common.Address{}, failure.Validation(failure.ErrInvalidAddress, "account", "account address is zero")
	}
	return addr, nil
}

func ParseTxHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, failure.Validation(failure.ErrInvalidAmount, "tx_hash", "invalid transaction hash %q", raw)
	}
	return common.BytesToHash(b), nil
}

func parseUSD(field, raw string) (decimal.Decimal, error) {
	d, err := amount.ParseDecimal(raw)
	if err != nil {
		return decimal.Zero, failure.Validation(failure.ErrInvalidAmount, field, "%s: %v", field, err)
	}
	return d, nil
}

func optionalUSD(field, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := parseUSD(field, raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// parsePrice reads an explicit USD price bound. Empty means derive one.
func parsePrice(raw string) (*big.Int, error) {
	d, err := optionalUSD("acceptable_price", raw)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsPositive() {
		return nil, failure.Validation(failure.ErrInvalidAmount, "acceptable_price > 0", "acceptable price must be positive")
	}
	return amount.USDToFixed(*d)
}
