package sizing

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/contracts/contractstest"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type fakeLiquidity struct {
	mu        sync.Mutex
	available map[protocol.Instrument]int64
	fail      map[protocol.Instrument]error
	reads     int
}

func (f *fakeLiquidity) Snapshot(_ context.Context, inst protocol.Instrument) (liquidity.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.fail[inst]; err != nil {
		return liquidity.Snapshot{}, err
	}
	return liquidity.Snapshot{
		Instrument:            inst,
		AvailableLiquidityUSD: contractstest.USD(f.available[inst]),
		OraclePrice:           contractstest.USD(2000),
		MaxLeverage:           liquidity.DefaultLimits().MaxLeverage(inst.Side),
	}, nil
}

func (f *fakeLiquidity) Limits() liquidity.Limits {
	return liquidity.DefaultLimits()
}

type fakePrices struct {
	price *big.Int
	calls [][3]bool
}

func (f *fakePrices) Price(_ context.Context, _ common.Address, useMax, includeSpread, strict bool) (*big.Int, error) {
	f.calls = append(f.calls, [3]bool{useMax, includeSpread, strict})
	return f.price, nil
}

var (
	ethLong  = protocol.Instrument{Index: protocol.ETH, Collateral: protocol.ETH, Side: protocol.Long}
	ethShort = protocol.Instrument{Index: protocol.ETH, Collateral: protocol.USDC, Side: protocol.Short}
)

func newSizer(liq *fakeLiquidity, prices *fakePrices) *Sizer {
	if prices == nil {
		prices = &fakePrices{price: contractstest.USD(1)}
	}
	return New(contractstest.Network(), liq, prices, DefaultBounds(), nil, nil)
}

func req(size, collateral string) Request {
	return Request{SizeUSD: decimal.RequireFromString(size), CollateralUSD: decimal.RequireFromString(collateral)}
}

func TestCheckBoundsInclusive(t *testing.T) {
	b := DefaultBounds()
	long := liquidity.DefaultLimits().MaxLeverage(protocol.Long)
	short := liquidity.DefaultLimits().MaxLeverage(protocol.Short)
	cases := []struct {
		name string
		max  decimal.Decimal
		req  Request
		err  error
	}{
		{"min leverage exact", long, req("11", "10"), nil},
		{"below min leverage", long, req("11", "10.01"), failure.ErrMinLeverage},
		{"short max exact", short, req("100", "10"), nil},
		{"short above max", short, req("100.1", "10"), failure.ErrMaxLeverage},
		{"long max exact", long, req("110", "10"), nil},
		{"long above max", long, req("110.01", "10"), failure.ErrMaxLeverage},
		{"collateral below min", long, req("50", "9.99"), failure.ErrMinCollateral},
		{"size below min", long, req("10.99", "10"), failure.ErrMinSize},
		{"zero collateral", long, req("11", "0"), failure.ErrMinCollateral},
		{"negative collateral", long, req("11", "-5"), failure.ErrMinCollateral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lev, err := CheckBounds(b, tc.max, tc.req)
			if tc.err == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if lev.LessThan(b.MinLeverage) || lev.GreaterThan(tc.max) {
					t.Fatalf("accepted leverage %s outside bounds", lev)
				}
				return
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if failure.KindOf(err) != failure.KindValidation {
				t.Fatalf("expected validation kind, got %s", failure.KindOf(err))
			}
		})
	}
}

func TestCheckBoundsReportsBound(t *testing.T) {
	_, err := CheckBounds(DefaultBounds(), decimal.NewFromInt(10), req("8", "10"))
	var verr *failure.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Bound != "size_usd >= 11" {
		t.Fatalf("unexpected bound %q", verr.Bound)
	}
}

func TestShortBelowMinSizeNeverReadsChain(t *testing.T) {
	liq := &fakeLiquidity{}
	_, err := newSizer(liq, nil).Size(context.Background(), ethShort, contractstest.Account, req("8", "10"))
	if !errors.Is(err, failure.ErrMinSize) {
		t.Fatalf("expected minimum position size, got %v", err)
	}
	if liq.reads != 0 {
		t.Fatalf("expected no liquidity reads, got %d", liq.reads)
	}
}

func TestShortfallRanksAlternatives(t *testing.T) {
	liq := &fakeLiquidity{available: map[protocol.Instrument]int64{
		ethLong: 30,
		{Index: protocol.BTC, Collateral: protocol.BTC, Side: protocol.Long}:   60,
		{Index: protocol.LINK, Collateral: protocol.LINK, Side: protocol.Long}: 40,
		{Index: protocol.UNI, Collateral: protocol.UNI, Side: protocol.Long}:   55,
	}}
	_, err := newSizer(liq, nil).Size(context.Background(), ethLong, contractstest.Account, req("50", "10"))
	var shortfall *failure.LiquidityShortfallError
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected shortfall, got %v", err)
	}
	if !shortfall.ShortfallUSD().Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected shortfall 20, got %s", shortfall.ShortfallUSD())
	}
	if len(shortfall.Alternatives) != 2 {
		t.Fatalf("expected 2 alternatives, got %+v", shortfall.Alternatives)
	}
	first := shortfall.Alternatives[0]
	if first.Index != "BTC" || first.AvailableLiquidity != "60" || first.Side != "long" {
		t.Fatalf("expected BTC first, got %+v", first)
	}
	if shortfall.Alternatives[1].Index != "UNI" {
		t.Fatalf("expected UNI second, got %+v", shortfall.Alternatives[1])
	}
	for _, alt := range shortfall.Alternatives {
		if alt.Index == "ETH" {
			t.Fatalf("requested instrument must not be an alternative")
		}
	}
}

func TestShortfallWithoutAlternatives(t *testing.T) {
	liq := &fakeLiquidity{
		available: map[protocol.Instrument]int64{ethShort: 30},
		fail: map[protocol.Instrument]error{
			{Index: protocol.BTC, Collateral: protocol.USDC, Side: protocol.Short}: errors.New("rpc"),
		},
	}
	_, err := newSizer(liq, nil).Size(context.Background(), ethShort, contractstest.Account, req("50", "10"))
	var shortfall *failure.LiquidityShortfallError
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected shortfall, got %v", err)
	}
	if len(shortfall.Alternatives) != 0 {
		t.Fatalf("expected no alternatives, got %+v", shortfall.Alternatives)
	}
	if failure.KindOf(err) != failure.KindLiquidityShortage {
		t.Fatalf("unexpected kind %s", failure.KindOf(err))
	}
}

func TestShortAlternativesKeepCollateral(t *testing.T) {
	btcShort := protocol.Instrument{Index: protocol.BTC, Collateral: protocol.USDT, Side: protocol.Short}
	liq := &fakeLiquidity{available: map[protocol.Instrument]int64{
		{Index: protocol.ETH, Collateral: protocol.USDT, Side: protocol.Short}: 500,
	}}
	alts, err := newSizer(liq, nil).Alternatives(context.Background(), btcShort, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("alternatives: %v", err)
	}
	if len(alts) != 1 || alts[0].Index != "ETH" || alts[0].Collateral != "USDT" || alts[0].Side != "short" {
		t.Fatalf("unexpected alternatives %+v", alts)
	}
}

func TestSizeLongConvertsCollateralAtOraclePrice(t *testing.T) {
	liq := &fakeLiquidity{available: map[protocol.Instrument]int64{ethLong: 1_000_000}}
	prices := &fakePrices{price: contractstest.USD(1)}
	res, err := newSizer(liq, prices).Size(context.Background(), ethLong, contractstest.Account, req("100", "20"))
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if !res.Leverage.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected leverage 5, got %s", res.Leverage)
	}
	if res.SizeDelta.Cmp(contractstest.USD(100)) != 0 {
		t.Fatalf("expected size delta 100e30, got %s", res.SizeDelta)
	}
	want := new(big.Int).Div(contractstest.Units(1, 18), big.NewInt(100))
	if res.CollateralAmount.Cmp(want) != 0 {
		t.Fatalf("expected 0.01 ETH, got %s", res.CollateralAmount)
	}
	if len(prices.calls) != 0 {
		t.Fatalf("long collateral should reuse the index oracle price")
	}
}

func TestSizeShortReadsCollateralPrice(t *testing.T) {
	liq := &fakeLiquidity{available: map[protocol.Instrument]int64{ethShort: 1_000_000}}
	prices := &fakePrices{price: contractstest.USD(1)}
	res, err := newSizer(liq, prices).Size(context.Background(), ethShort, contractstest.Account, req("30", "15.5"))
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if res.CollateralAmount.Cmp(big.NewInt(15_500_000)) != 0 {
		t.Fatalf("expected 15.5 USDC, got %s", res.CollateralAmount)
	}
	if len(prices.calls) != 1 || prices.calls[0] != [3]bool{false, true, true} {
		t.Fatalf("expected taker flags for short collateral, got %v", prices.calls)
	}
	view := res.View(6)
	if view.CollateralAmount != "15.5" || view.SizeDeltaUSD != "30" {
		t.Fatalf("unexpected view %+v", view)
	}
	if got := amount.FixedToUSD(res.SizeDelta).String(); got != "30" {
		t.Fatalf("expected 30, got %s", got)
	}
}

func TestSizeRejectsZeroAccount(t *testing.T) {
	_, err := newSizer(&fakeLiquidity{}, nil).Size(context.Background(), ethLong, common.Address{}, req("100", "20"))
	if !errors.Is(err, failure.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestSizePropagatesReadErrors(t *testing.T) {
	boom := failure.Read("poolAmounts", errors.New("timeout"))
	liq := &fakeLiquidity{fail: map[protocol.Instrument]error{ethLong: boom}}
	_, err := newSizer(liq, nil).Size(context.Background(), ethLong, contractstest.Account, req("100", "20"))
	if failure.KindOf(err) != failure.KindChainRead {
		t.Fatalf("expected chain read error, got %v", err)
	}
}
