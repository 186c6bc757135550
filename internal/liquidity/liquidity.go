// Package liquidity reads pool state for one instrument and derives how much
// exposure the pool can still take on.
package liquidity

import (
	"context"
	"math/big"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/metrics"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Vault interface {
	PoolAmount(ctx context.Context, token common.Address) (*big.Int, error)
	ReservedAmount(ctx context.Context, token common.Address) (*big.Int, error)
	MaxGlobalSize(ctx context.Context, token common.Address, isLong bool) (*big.Int, error)
	CumulativeFundingRate(ctx context.Context, token common.Address) (*big.Int, error)
}

type PriceFeed interface {
	Price(ctx context.Context, token common.Address, useMax, includeSpread, strict bool) (*big.Int, error)
}

// Limits carries the per-side leverage ceilings. They are protocol
// constants supplied by configuration, not chain reads.
type Limits struct {
	MaxLeverageLong  decimal.Decimal
	MaxLeverageShort decimal.Decimal
}

func DefaultLimits() Limits {
	return Limits{
		MaxLeverageLong:  decimal.NewFromInt(11),
		MaxLeverageShort: decimal.NewFromInt(10),
	}
}

func (l Limits) MaxLeverage(side protocol.Side) decimal.Decimal {
	if side.IsLong() {
		return l.MaxLeverageLong
	}
	return l.MaxLeverageShort
}

// TakerPriceFlags returns the getPrice flags for the side that pays the
// spread: longs buy at the max price, shorts sell at the min price with
// spread applied.
func TakerPriceFlags(side protocol.Side) (useMax, includeSpread, strict bool) {
	return side.IsLong(), !side.IsLong(), true
}

// Snapshot is recomputed from the chain on every read. Token amounts are in
// index token base units, prices and USD values at 30 decimals.
type Snapshot struct {
	Instrument            protocol.Instrument
	IndexDecimals         uint8
	PoolAmount            *big.Int
	ReservedAmount        *big.Int
	AvailableLiquidity    *big.Int
	AvailableLiquidityUSD *big.Int
	MaxGlobalSize         *big.Int
	FundingRateCumulative *big.Int
	OraclePrice           *big.Int
	MaxLeverage           decimal.Decimal
}

func (s Snapshot) AvailableUSD() decimal.Decimal {
	return amount.FixedToUSD(s.AvailableLiquidityUSD)
}

// View is the decimal-string rendering of a Snapshot.
type View struct {
	Instrument            protocol.Instrument `json:"instrument"`
	PoolAmount            string              `json:"pool_amount"`
	ReservedAmount        string              `json:"reserved_amount"`
	AvailableLiquidity    string              `json:"available_liquidity"`
	AvailableLiquidityUSD string              `json:"available_liquidity_usd"`
	MaxPositionSize       string              `json:"max_position_size"`
	FundingRateCumulative string              `json:"funding_rate_cumulative"`
	OraclePriceUSD        string              `json:"oracle_price_usd"`
	MaxLeverage           string              `json:"max_leverage"`
}

func (s Snapshot) View() View {
	d := s.IndexDecimals
	return View{
		Instrument:            s.Instrument,
		PoolAmount:            amount.FromBaseUnits(s.PoolAmount, d).String(),
		ReservedAmount:        amount.FromBaseUnits(s.ReservedAmount, d).String(),
		AvailableLiquidity:    amount.FromBaseUnits(s.AvailableLiquidity, d).String(),
		AvailableLiquidityUSD: amount.FixedToUSD(s.AvailableLiquidityUSD).String(),
		MaxPositionSize:       amount.FromBaseUnits(s.MaxGlobalSize, d).String(),
		FundingRateCumulative: bigString(s.FundingRateCumulative),
		OraclePriceUSD:        amount.FixedToUSD(s.OraclePrice).String(),
		MaxLeverage:           s.MaxLeverage.String(),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type Reader struct {
	network *protocol.Network
	vault   Vault
	prices  PriceFeed
	limits  Limits
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewReader(network *protocol.Network, vault Vault, prices PriceFeed, limits Limits, log *zap.Logger, m *metrics.Metrics) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{
		network: network,
		vault:   vault,
		prices:  prices,
		limits:  limits,
		log:     log,
		metrics: metrics.OrNoop(m),
	}
}

func (r *Reader) Limits() Limits {
	return r.limits
}

// Snapshot reads the pool for inst. The reads are independent and run
// concurrently; each reflects whatever block the node serves it from.
func (r *Reader) Snapshot(ctx context.Context, inst protocol.Instrument) (Snapshot, error) {
	if err := r.network.ValidateInstrument(inst); err != nil {
		return Snapshot{}, failure.Validation(failure.ErrInvalidInstrument, "instrument", "%v", err)
	}
	index, _ := r.network.Token(inst.Index)
	collateral, _ := r.network.Token(inst.Collateral)
	snap := Snapshot{
		Instrument:    inst,
		IndexDecimals: index.Decimals,
		MaxLeverage:   r.limits.MaxLeverage(inst.Side),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.vault.PoolAmount(gctx, index.Address)
		snap.PoolAmount = v
		return failure.Read("poolAmounts", err)
	})
	g.Go(func() error {
		v, err := r.vault.ReservedAmount(gctx, index.Address)
		snap.ReservedAmount = v
		return failure.Read("reservedAmounts", err)
	})
	g.Go(func() error {
		useMax, includeSpread, strict := TakerPriceFlags(inst.Side)
		v, err := r.prices.Price(gctx, index.Address, useMax, includeSpread, strict)
		snap.OraclePrice = v
		return failure.Read("getPrice", err)
	})
	g.Go(func() error {
		v, err := r.vault.MaxGlobalSize(gctx, index.Address, inst.Side.IsLong())
		snap.MaxGlobalSize = r.optional(gctx, v, err, "max_global_size", inst.Index)
		return nil
	})
	g.Go(func() error {
		v, err := r.vault.CumulativeFundingRate(gctx, collateral.Address)
		snap.FundingRateCumulative = r.optional(gctx, v, err, "cumulative_funding_rate", inst.Collateral)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap.AvailableLiquidity = new(big.Int).Sub(snap.PoolAmount, snap.ReservedAmount)
	if snap.AvailableLiquidity.Sign() < 0 {
		return Snapshot{}, r.invariant(inst, "available liquidity for %s is negative: pool %s reserved %s",
			inst.Index, snap.PoolAmount, snap.ReservedAmount)
	}
	if snap.OraclePrice.Sign() <= 0 {
		return Snapshot{}, r.invariant(inst, "oracle price for %s is %s", inst.Index, snap.OraclePrice)
	}
	snap.AvailableLiquidityUSD = amount.TokensToUSD(snap.AvailableLiquidity, snap.OraclePrice, index.Decimals)
	return snap, nil
}

// optional collapses a read that may legitimately revert to zero, logging
// the absorption so it can be told apart from a real zero. A read cut short
// because a sibling read already failed is not an absorption.
func (r *Reader) optional(ctx context.Context, v *big.Int, err error, field string, token protocol.Token) *big.Int {
	if err == nil && v != nil {
		return v
	}
	if ctx.Err() != nil {
		return new(big.Int)
	}
	r.metrics.SoftFailReads.Inc()
	r.log.Warn("optional read absorbed to zero",
		zap.String("field", field),
		zap.String("token", token.String()),
		zap.Error(err),
	)
	return new(big.Int)
}

func (r *Reader) invariant(inst protocol.Instrument, format string, args ...any) error {
	err := failure.Invariant(format, args...)
	r.metrics.InvariantViolation.Inc()
	r.log.Error("protocol invariant violated",
		zap.String("instrument", inst.String()),
		zap.Error(err),
	)
	return err
}
