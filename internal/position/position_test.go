package position

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/contracts"
	"leverage-engine/internal/contracts/contractstest"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type rawPosition struct {
	size, collateral, average, entryFunding int64
}

func newBackend(pos rawPosition, prices map[protocol.Token]int64) *contractstest.Backend {
	backend := contractstest.NewBackend(contractstest.Account)
	backend.Return("getPosition",
		contractstest.USD(pos.size),
		contractstest.USD(pos.collateral),
		contractstest.USD(pos.average),
		big.NewInt(pos.entryFunding),
		big.NewInt(0),
		big.NewInt(0),
		false,
		big.NewInt(1700000000),
	)
	quotes := make(map[common.Address]contractstest.Quote)
	for token, usd := range prices {
		quotes[contractstest.TokenAddress(token)] = contractstest.Quote{Min: contractstest.USD(usd), Max: contractstest.USD(usd + 1)}
	}
	backend.Handle("getPrice", contractstest.Prices(quotes))
	return backend
}

func newReader(backend *contractstest.Backend) *Reader {
	return NewReader(
		contractstest.Network(),
		contracts.NewVault(contractstest.VaultAddress, backend),
		contracts.NewPriceFeed(contractstest.PriceFeedAddress, backend),
		nil,
		nil,
	)
}

func TestSnapshotLongProfit(t *testing.T) {
	backend := newBackend(rawPosition{size: 10, collateral: 5, average: 100}, map[protocol.Token]int64{protocol.ETH: 101})
	inst := protocol.Instrument{Index: protocol.ETH, Collateral: protocol.ETH, Side: protocol.Long}

	snap, err := newReader(backend).Snapshot(context.Background(), inst, contractstest.Account)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.HasPosition() {
		t.Fatalf("expected active position")
	}
	if !snap.UnrealizedPnlUSD.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected pnl 10, got %s", snap.UnrealizedPnlUSD)
	}
	if !snap.UnrealizedPnlPct.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected pnl 200%%, got %s", snap.UnrealizedPnlPct)
	}
	if !snap.Leverage.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected leverage 2, got %s", snap.Leverage)
	}
	if snap.CurrentPrice.Cmp(contractstest.USD(101)) != 0 {
		t.Fatalf("expected mark (min) price, got %s", snap.CurrentPrice)
	}
	wantTokens, _ := amount.USDToTokens(contractstest.USD(5), contractstest.USD(101), 18)
	if snap.CollateralTokens.Cmp(wantTokens) != 0 {
		t.Fatalf("expected collateral tokens %s, got %s", wantTokens, snap.CollateralTokens)
	}
	if snap.CollateralUSD().Cmp(contractstest.USD(5)) != 0 {
		t.Fatalf("expected collateral usd to equal raw collateral")
	}
	if snap.LastIncreasedTime.Unix() != 1700000000 {
		t.Fatalf("unexpected last increased %v", snap.LastIncreasedTime)
	}
	view := snap.View()
	if view.SizeUSD != "10" || view.UnrealizedPnlUSD != "10" || view.LastUpdated != 1700000000 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestSnapshotShortLossAndFunding(t *testing.T) {
	backend := newBackend(rawPosition{size: 10, collateral: 4, average: 100, entryFunding: 100}, map[protocol.Token]int64{
		protocol.BTC:  103,
		protocol.USDC: 1,
	})
	backend.Handle("cumulativeFundingRates", contractstest.ByToken(map[common.Address]*big.Int{
		contractstest.TokenAddress(protocol.USDC): big.NewInt(350),
	}))
	inst := protocol.Instrument{Index: protocol.BTC, Collateral: protocol.USDC, Side: protocol.Short}

	snap, err := newReader(backend).Snapshot(context.Background(), inst, contractstest.Account)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.UnrealizedPnlUSD.Equal(decimal.NewFromInt(-30)) {
		t.Fatalf("expected pnl -30, got %s", snap.UnrealizedPnlUSD)
	}
	if !snap.UnrealizedPnlPct.Equal(decimal.NewFromInt(-750)) {
		t.Fatalf("expected pnl -750%%, got %s", snap.UnrealizedPnlPct)
	}
	if snap.CollateralTokens.Cmp(contractstest.Units(4, 6)) != 0 {
		t.Fatalf("expected 4 USDC, got %s", snap.CollateralTokens)
	}
	if got := snap.View().FundingFeeUSD; got != "0.0025" {
		t.Fatalf("expected funding fee 0.0025, got %s", got)
	}
	if got := snap.View().CollateralTokens; got != "4" {
		t.Fatalf("expected 4 collateral tokens, got %s", got)
	}
}

func TestSnapshotNoPosition(t *testing.T) {
	backend := newBackend(rawPosition{}, map[protocol.Token]int64{protocol.ETH: 2000})
	inst := protocol.Instrument{Index: protocol.ETH, Collateral: protocol.ETH, Side: protocol.Long}

	snap, err := newReader(backend).Snapshot(context.Background(), inst, contractstest.Account)
	if err != nil {
		t.Fatalf("size zero must not be an error: %v", err)
	}
	if snap.HasPosition() {
		t.Fatalf("expected no active position")
	}
	if !snap.UnrealizedPnlUSD.IsZero() || !snap.UnrealizedPnlPct.IsZero() {
		t.Fatalf("expected zero pnl, got %s / %s", snap.UnrealizedPnlUSD, snap.UnrealizedPnlPct)
	}
	if !strings.Contains(snap.Summary(), "no active position") {
		t.Fatalf("unexpected summary %q", snap.Summary())
	}
}

func TestSnapshotUsesMarkPriceFlags(t *testing.T) {
	backend := newBackend(rawPosition{size: 1, collateral: 1, average: 1}, nil)
	var (
		mu    sync.Mutex
		flags [][3]bool
	)
	backend.Handle("getPrice", func(_ common.Address, args []any) ([]any, error) {
		mu.Lock()
		flags = append(flags, [3]bool{args[1].(bool), args[2].(bool), args[3].(bool)})
		mu.Unlock()
		return []any{contractstest.USD(1)}, nil
	})
	inst := protocol.Instrument{Index: protocol.LINK, Collateral: protocol.USDT, Side: protocol.Short}
	if _, err := newReader(backend).Snapshot(context.Background(), inst, contractstest.Account); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(flags) != 2 {
		t.Fatalf("expected index and collateral price reads, got %d", len(flags))
	}
	for _, f := range flags {
		if f != [3]bool{false, true, true} {
			t.Fatalf("expected mark flags, got %v", f)
		}
	}
}

func TestSnapshotFundingSoftFail(t *testing.T) {
	backend := newBackend(rawPosition{size: 10, collateral: 5, average: 100, entryFunding: 50}, map[protocol.Token]int64{protocol.ETH: 100})
	inst := protocol.Instrument{Index: protocol.ETH, Collateral: protocol.ETH, Side: protocol.Long}
	snap, err := newReader(backend).Snapshot(context.Background(), inst, contractstest.Account)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.FundingFeeUSD.Sign() != 0 {
		t.Fatalf("expected zero funding fee when cumulative rate is unavailable, got %s", snap.FundingFeeUSD)
	}
}

func TestSnapshotErrors(t *testing.T) {
	inst := protocol.Instrument{Index: protocol.ETH, Collateral: protocol.ETH, Side: protocol.Long}
	backend := newBackend(rawPosition{}, map[protocol.Token]int64{protocol.ETH: 1})
	if _, err := newReader(backend).Snapshot(context.Background(), inst, common.Address{}); !errors.Is(err, failure.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}

	boom := errors.New("node unavailable")
	backend.Fail("getPosition", boom)
	_, err := newReader(backend).Snapshot(context.Background(), inst, contractstest.Account)
	if failure.KindOf(err) != failure.KindChainRead || !errors.Is(err, boom) {
		t.Fatalf("expected chain read error, got %v", err)
	}
}

func TestUnrealizedPnlSigns(t *testing.T) {
	size := contractstest.USD(2)
	up, down := contractstest.USD(11), contractstest.USD(9)
	avg := contractstest.USD(10)
	if got := UnrealizedPnl(protocol.Long, size, avg, up); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("long up: %s", got)
	}
	if got := UnrealizedPnl(protocol.Long, size, avg, down); !got.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("long down: %s", got)
	}
	if got := UnrealizedPnl(protocol.Short, size, avg, up); !got.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("short up: %s", got)
	}
	if got := UnrealizedPnl(protocol.Short, size, avg, down); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("short down: %s", got)
	}
}
