// Package sizing gates a position request against the protocol's minimums,
// leverage ceilings and pool liquidity. It never writes to the chain.
package sizing

import (
	"context"
	"math/big"
	"sort"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/metrics"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Bounds struct {
	MinCollateralUSD decimal.Decimal
	MinSizeUSD       decimal.Decimal
	MinLeverage      decimal.Decimal
}

func DefaultBounds() Bounds {
	return Bounds{
		MinCollateralUSD: decimal.NewFromInt(10),
		MinSizeUSD:       decimal.NewFromInt(11),
		MinLeverage:      decimal.RequireFromString("1.1"),
	}
}

type Request struct {
	SizeUSD       decimal.Decimal
	CollateralUSD decimal.Decimal
}

// CheckBounds applies the static rules in order and returns the implied
// leverage. Every bound is inclusive.
func CheckBounds(b Bounds, maxLeverage decimal.Decimal, req Request) (decimal.Decimal, error) {
	if req.CollateralUSD.LessThan(b.MinCollateralUSD) || !req.CollateralUSD.IsPositive() {
		return decimal.Zero, failure.Validation(failure.ErrMinCollateral, "collateral_usd >= "+b.MinCollateralUSD.String(),
			"minimum collateral is %s USD, got %s", b.MinCollateralUSD, req.CollateralUSD)
	}
	if req.SizeUSD.LessThan(b.MinSizeUSD) {
		return decimal.Zero, failure.Validation(failure.ErrMinSize, "size_usd >= "+b.MinSizeUSD.String(),
			"minimum position size is %s USD, got %s", b.MinSizeUSD, req.SizeUSD)
	}
	leverage := req.SizeUSD.Div(req.CollateralUSD)
	if leverage.LessThan(b.MinLeverage) {
		return decimal.Zero, failure.Validation(failure.ErrMinLeverage, "leverage >= "+b.MinLeverage.String(),
			"minimum leverage is %sx, got %sx", b.MinLeverage, leverage.StringFixed(4))
	}
	if leverage.GreaterThan(maxLeverage) {
		return decimal.Zero, failure.Validation(failure.ErrMaxLeverage, "leverage <= "+maxLeverage.String(),
			"maximum leverage is %sx, got %sx", maxLeverage, leverage.StringFixed(4))
	}
	return leverage, nil
}

type LiquiditySource interface {
	Snapshot(ctx context.Context, inst protocol.Instrument) (liquidity.Snapshot, error)
	Limits() liquidity.Limits
}

type PriceFeed interface {
	Price(ctx context.Context, token common.Address, useMax, includeSpread, strict bool) (*big.Int, error)
}

// Result is a request that passed every gate, ready for submission.
type Result struct {
	Instrument       protocol.Instrument
	SizeUSD          decimal.Decimal
	CollateralUSD    decimal.Decimal
	Leverage         decimal.Decimal
	SizeDelta        *big.Int
	CollateralAmount *big.Int
	CollateralPrice  *big.Int
	Liquidity        liquidity.Snapshot
}

type View struct {
	Instrument         protocol.Instrument `json:"instrument"`
	SizeUSD            string              `json:"size_usd"`
	CollateralUSD      string              `json:"collateral_usd"`
	Leverage           string              `json:"leverage"`
	SizeDeltaUSD       string              `json:"size_delta_usd"`
	CollateralAmount   string              `json:"collateral_amount"`
	CollateralPriceUSD string              `json:"collateral_price_usd"`
	AvailableUSD       string              `json:"available_liquidity_usd"`
}

func (r Result) View(collateralDecimals uint8) View {
	return View{
		Instrument:         r.Instrument,
		SizeUSD:            r.SizeUSD.String(),
		CollateralUSD:      r.CollateralUSD.String(),
		Leverage:           r.Leverage.String(),
		SizeDeltaUSD:       amount.FixedToUSD(r.SizeDelta).String(),
		CollateralAmount:   amount.FromBaseUnits(r.CollateralAmount, collateralDecimals).String(),
		CollateralPriceUSD: amount.FixedToUSD(r.CollateralPrice).String(),
		AvailableUSD:       r.Liquidity.AvailableUSD().String(),
	}
}

type Sizer struct {
	network   *protocol.Network
	liquidity LiquiditySource
	prices    PriceFeed
	bounds    Bounds
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func New(network *protocol.Network, source LiquiditySource, prices PriceFeed, bounds Bounds, log *zap.Logger, m *metrics.Metrics) *Sizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sizer{
		network:   network,
		liquidity: source,
		prices:    prices,
		bounds:    bounds,
		log:       log,
		metrics:   metrics.OrNoop(m),
	}
}

func (s *Sizer) Bounds() Bounds {
	return s.bounds
}

// Size validates req for inst and converts it into chain amounts. account is
// only checked for shape; sizing does not depend on existing positions.
func (s *Sizer) Size(ctx context.Context, inst protocol.Instrument, account common.Address, req Request) (Result, error) {
	res, err := s.size(ctx, inst, account, req)
	if err != nil {
		kind := failure.KindOf(err)
		if kind == failure.KindValidation || kind == failure.KindLiquidityShortage {
			s.metrics.SizingRejected.Inc()
			s.log.Info("sizing rejected",
				zap.String("instrument", inst.String()),
				zap.String("size_usd", req.SizeUSD.String()),
				zap.String("collateral_usd", req.CollateralUSD.String()),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
		return Result{}, err
	}
	return res, nil
}

func (s *Sizer) size(ctx context.Context, inst protocol.Instrument, account common.Address, req Request) (Result, error) {
	if account == (common.Address{}) {
		return Result{}, failure.Validation(failure.ErrInvalidAddress, "account", "account address is zero")
	}
	if err := s.network.ValidateInstrument(inst); err != nil {
		return Result{}, failure.Validation(failure.ErrInvalidInstrument, "instrument", "%v", err)
	}
	leverage, err := CheckBounds(s.bounds, s.liquidity.Limits().MaxLeverage(inst.Side), req)
	if err != nil {
		return Result{}, err
	}

	snap, err := s.liquidity.Snapshot(ctx, inst)
	if err != nil {
		return Result{}, err
	}
	if req.SizeUSD.GreaterThan(snap.AvailableUSD()) {
		alternatives, err := s.Alternatives(ctx, inst, req.SizeUSD)
		if err != nil {
			return Result{}, err
		}
		return Result{}, &failure.LiquidityShortfallError{
			RequestedUSD: req.SizeUSD,
			AvailableUSD: snap.AvailableUSD(),
			Alternatives: alternatives,
		}
	}

	collateral, _ := s.network.Token(inst.Collateral)
	price := snap.OraclePrice
	if inst.Collateral != inst.Index {
		useMax, includeSpread, strict := liquidity.TakerPriceFlags(inst.Side)
		price, err = s.prices.Price(ctx, collateral.Address, useMax, includeSpread, strict)
		if err != nil {
			return Result{}, failure.Read("getPrice collateral", err)
		}
	}
	collateralFixed, err := amount.USDToFixed(req.CollateralUSD)
	if err != nil {
		return Result{}, failure.Validation(failure.ErrInvalidAmount, "collateral_usd", "%v", err)
	}
	collateralAmount, err := amount.USDToTokens(collateralFixed, price, collateral.Decimals)
	if err != nil {
		return Result{}, failure.Invariant("collateral price for %s: %v", inst.Collateral, err)
	}
	sizeDelta, err := amount.USDToFixed(req.SizeUSD)
	if err != nil {
		return Result{}, failure.Validation(failure.ErrInvalidAmount, "size_usd", "%v", err)
	}
	return Result{
		Instrument:       inst,
		SizeUSD:          req.SizeUSD,
		CollateralUSD:    req.CollateralUSD,
		Leverage:         leverage,
		SizeDelta:        sizeDelta,
		CollateralAmount: collateralAmount,
		CollateralPrice:  price,
		Liquidity:        snap,
	}, nil
}

// Alternatives lists other instruments on the same side whose pools can
// absorb sizeUSD, most liquid first. Instruments whose reads fail are
// skipped.
func (s *Sizer) Alternatives(ctx context.Context, inst protocol.Instrument, sizeUSD decimal.Decimal) ([]failure.Alternative, error) {
	var candidates []protocol.Instrument
	for _, index := range s.network.IndexTokens() {
		if index == inst.Index {
			continue
		}
		alt := protocol.Instrument{Index: index, Collateral: index, Side: inst.Side}
		if !inst.Side.IsLong() {
			alt.Collateral = inst.Collateral
		}
		candidates = append(candidates, alt)
	}

	snaps := make([]*liquidity.Snapshot, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, alt := range candidates {
		i, alt := i, alt
		g.Go(func() error {
			snap, err := s.liquidity.Snapshot(gctx, alt)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.log.Warn("alternative liquidity unavailable", zap.String("instrument", alt.String()), zap.Error(err))
				return nil
			}
			snaps[i] = &snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, failure.Read("alternatives", err)
	}

	var ranked []liquidity.Snapshot
	for _, snap := range snaps {
		if snap != nil && !snap.AvailableUSD().LessThan(sizeUSD) {
			ranked = append(ranked, *snap)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].AvailableLiquidityUSD.Cmp(ranked[j].AvailableLiquidityUSD) > 0
	})
	out := make([]failure.Alternative, 0, len(ranked))
	for _, snap := range ranked {
		out = append(out, failure.Alternative{
			Index:              snap.Instrument.Index.String(),
			Collateral:         snap.Instrument.Collateral.String(),
			Side:               snap.Instrument.Side.String(),
			AvailableLiquidity: snap.AvailableUSD().String(),
		})
	}
	return out, nil
}
