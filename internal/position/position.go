// Package position reconstructs an account's position in one instrument from
// raw vault storage and current mark prices.
package position

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/contracts"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/metrics"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Vault interface {
	Position(ctx context.Context, account, collateralToken, indexToken common.Address, isLong bool) (contracts.RawPosition, error)
	CumulativeFundingRate(ctx context.Context, token common.Address) (*big.Int, error)
}

type PriceFeed interface {
	Price(ctx context.Context, token common.Address, useMax, includeSpread, strict bool) (*big.Int, error)
}

// MarkPriceFlags are the getPrice flags used for valuation. They differ from
// the taker-side flags used when sizing an entry.
func MarkPriceFlags() (useMax, includeSpread, strict bool) {
	return false, true, true
}

// Snapshot is read fresh on every call and never cached. USD values and
// prices are at 30 decimals, CollateralTokens in collateral base units.
type Snapshot struct {
	Instrument         protocol.Instrument
	Account            common.Address
	CollateralDecimals uint8

	Size              *big.Int
	Collateral        *big.Int
	AveragePrice      *big.Int
	EntryFundingRate  *big.Int
	ReserveAmount     *big.Int
	RealisedPnl       *big.Int
	HasRealisedProfit bool
	LastIncreasedTime time.Time

	CurrentPrice          *big.Int
	CollateralPrice       *big.Int
	CumulativeFundingRate *big.Int

	CollateralTokens *big.Int
	UnrealizedPnlUSD decimal.Decimal
	UnrealizedPnlPct decimal.Decimal
	FundingFeeUSD    *big.Int
	Leverage         decimal.Decimal
}

// HasPosition reports whether the slot holds an open position. A zero size
// is a valid state, not an error.
func (s Snapshot) HasPosition() bool {
	return s.Size != nil && s.Size.Sign() > 0
}

// CollateralUSD is the vault's collateral, which is already stored USD
// scaled at 30 decimals.
func (s Snapshot) CollateralUSD() *big.Int {
	return s.Collateral
}

func (s Snapshot) SizeUSD() decimal.Decimal {
	return amount.FixedToUSD(s.Size)
}

func (s Snapshot) Summary() string {
	if !s.HasPosition() {
		return fmt.Sprintf("%s %s: no active position", s.Account.Hex(), s.Instrument)
	}
	return fmt.Sprintf("%s %s: size %s USD, collateral %s USD, entry %s, mark %s, pnl %s USD (%s%%), leverage %sx",
		s.Account.Hex(), s.Instrument,
		s.SizeUSD().StringFixed(2),
		amount.FixedToUSD(s.Collateral).StringFixed(2),
		amount.FixedToUSD(s.AveragePrice).StringFixed(4),
		amount.FixedToUSD(s.CurrentPrice).StringFixed(4),
		s.UnrealizedPnlUSD.StringFixed(2),
		s.UnrealizedPnlPct.StringFixed(2),
		s.Leverage.StringFixed(2),
	)
}

type View struct {
	Instrument            protocol.Instrument `json:"instrument"`
	Account               string              `json:"account"`
	HasPosition           bool                `json:"has_position"`
	SizeUSD               string              `json:"size_usd"`
	CollateralUSD         string              `json:"collateral_usd"`
	CollateralTokens      string              `json:"collateral_tokens"`
	AveragePrice          string              `json:"average_price"`
	CurrentPrice          string              `json:"current_price"`
	EntryFundingRate      string              `json:"entry_funding_rate"`
	CumulativeFundingRate string              `json:"cumulative_funding_rate"`
	FundingFeeUSD         string              `json:"funding_fee_usd"`
	ReserveAmount         string              `json:"reserve_amount"`
	HasProfit             bool                `json:"has_profit"`
	RealizedPnlUSD        string              `json:"realized_pnl_usd"`
	UnrealizedPnlUSD      string              `json:"unrealized_pnl_usd"`
	UnrealizedPnlPct      string              `json:"unrealized_pnl_percentage"`
	Leverage              string              `json:"leverage"`
	LastUpdated           int64               `json:"last_updated"`
	Summary               string              `json:"summary"`
}

func (s Snapshot) View() View {
	realised := amount.FixedToUSD(s.RealisedPnl)
	if !s.HasRealisedProfit {
		realised = realised.Neg()
	}
	v := View{
		Instrument:            s.Instrument,
		Account:               s.Account.Hex(),
		HasPosition:           s.HasPosition(),
		SizeUSD:               amount.FixedToUSD(s.Size).String(),
		CollateralUSD:         amount.FixedToUSD(s.Collateral).String(),
		CollateralTokens:      amount.FromBaseUnits(s.CollateralTokens, s.CollateralDecimals).String(),
		AveragePrice:          amount.FixedToUSD(s.AveragePrice).String(),
		CurrentPrice:          amount.FixedToUSD(s.CurrentPrice).String(),
		EntryFundingRate:      bigString(s.EntryFundingRate),
		CumulativeFundingRate: bigString(s.CumulativeFundingRate),
		FundingFeeUSD:         amount.FixedToUSD(s.FundingFeeUSD).String(),
		ReserveAmount:         bigString(s.ReserveAmount),
		HasProfit:             s.HasRealisedProfit,
		RealizedPnlUSD:        realised.String(),
		UnrealizedPnlUSD:      s.UnrealizedPnlUSD.String(),
		UnrealizedPnlPct:      s.UnrealizedPnlPct.String(),
		Leverage:              s.Leverage.String(),
		Summary:               s.Summary(),
	}
	if !s.LastIncreasedTime.IsZero() {
		v.LastUpdated = s.LastIncreasedTime.Unix()
	}
	return v
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
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewReader(network *protocol.Network, vault Vault, prices PriceFeed, log *zap.Logger, m *metrics.Metrics) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{network: network, vault: vault, prices: prices, log: log, metrics: metrics.OrNoop(m)}
}

func (r *Reader) Snapshot(ctx context.Context, inst protocol.Instrument, account common.Address) (Snapshot, error) {
	if account == (common.Address{}) {
		return Snapshot{}, failure.Validation(failure.ErrInvalidAddress, "account", "account address is zero")
	}
	if err := r.network.ValidateInstrument(inst); err != nil {
		return Snapshot{}, failure.Validation(failure.ErrInvalidInstrument, "instrument", "%v", err)
	}
	index, _ := r.network.Token(inst.Index)
	collateral, _ := r.network.Token(inst.Collateral)
	useMax, includeSpread, strict := MarkPriceFlags()

	var (
		raw        contracts.RawPosition
		indexPrice *big.Int
		collPrice  *big.Int
		cumulative *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		raw, err = r.vault.Position(gctx, account, collateral.Address, index.Address, inst.Side.IsLong())
		return failure.Read("getPosition", err)
	})
	g.Go(func() error {
		var err error
		indexPrice, err = r.prices.Price(gctx, index.Address, useMax, includeSpread, strict)
		return failure.Read("getPrice index", err)
	})
	g.Go(func() error {
		var err error
		collPrice, err = r.prices.Price(gctx, collateral.Address, useMax, includeSpread, strict)
		return failure.Read("getPrice collateral", err)
	})
	g.Go(func() error {
		v, err := r.vault.CumulativeFundingRate(gctx, collateral.Address)
		if (err != nil || v == nil) && gctx.Err() == nil {
			r.metrics.SoftFailReads.Inc()
			r.log.Warn("optional read absorbed to zero",
				zap.String("field", "cumulative_funding_rate"),
				zap.String("token", inst.Collateral.String()),
				zap.Error(err),
			)
		}
		if v == nil || err != nil {
			v = new(big.Int)
		}
		cumulative = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	if collPrice.Sign() <= 0 {
		err := failure.Invariant("mark price for %s is %s", inst.Collateral, collPrice)
		r.metrics.InvariantViolation.Inc()
		r.log.Error("protocol invariant violated", zap.String("instrument", inst.String()), zap.Error(err))
		return Snapshot{}, err
	}

	snap := Snapshot{
		Instrument:            inst,
		Account:               account,
		CollateralDecimals:    collateral.Decimals,
		Size:                  raw.Size,
		Collateral:            raw.Collateral,
		AveragePrice:          raw.AveragePrice,
		EntryFundingRate:      raw.EntryFundingRate,
		ReserveAmount:         raw.ReserveAmount,
		RealisedPnl:           raw.RealisedPnl,
		HasRealisedProfit:     raw.HasRealisedProfit,
		CurrentPrice:          indexPrice,
		CollateralPrice:       collPrice,
		CumulativeFundingRate: cumulative,
		FundingFeeUSD:         new(big.Int),
		UnrealizedPnlUSD:      decimal.Zero,
		UnrealizedPnlPct:      decimal.Zero,
		Leverage:              decimal.Zero,
	}
	if raw.LastIncreasedTime != nil && raw.LastIncreasedTime.Sign() > 0 {
		snap.LastIncreasedTime = time.Unix(raw.LastIncreasedTime.Int64(), 0).UTC()
	}
	tokens, err := amount.USDToTokens(raw.Collateral, collPrice, collateral.Decimals)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CollateralTokens = tokens
	if snap.HasPosition() {
		snap.UnrealizedPnlUSD = UnrealizedPnl(inst.Side, raw.Size, raw.AveragePrice, indexPrice)
		snap.FundingFeeUSD = FundingFee(raw.Size, raw.EntryFundingRate, cumulative)
	}
	collateralUSD := amount.FixedToUSD(raw.Collateral)
	if collateralUSD.IsPositive() {
		snap.UnrealizedPnlPct = snap.UnrealizedPnlUSD.Div(collateralUSD).Mul(decimal.NewFromInt(100))
		snap.Leverage = snap.SizeUSD().Div(collateralUSD)
	}
	return snap, nil
}

// UnrealizedPnl returns size times the directional price move, de-scaled
// once for the size and once for the price.
func UnrealizedPnl(side protocol.Side, size, averagePrice, currentPrice *big.Int) decimal.Decimal {
	delta := new(big.Int).Sub(currentPrice, averagePrice)
	if !side.IsLong() {
		delta.Neg(delta)
	}
	return decimal.NewFromBigInt(new(big.Int).Mul(size, delta), -2*amount.PriceDecimals)
}

// FundingFee is the funding accrued since entry at 30 decimals. It is zero
// when the cumulative rate is behind the entry rate, which only happens when
// the cumulative read was absorbed.
func FundingFee(size, entryRate, cumulativeRate *big.Int) *big.Int {
	if size == nil || entryRate == nil || cumulativeRate == nil || cumulativeRate.Cmp(entryRate) <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Sub(cumulativeRate, entryRate)
	fee.Mul(fee, size)
	return fee.Quo(fee, big.NewInt(amount.FundingRatePrecision))
}
