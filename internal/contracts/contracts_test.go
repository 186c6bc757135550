package contracts_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"leverage-engine/internal/contracts"
	"leverage-engine/internal/contracts/contractstest"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

func TestVaultReads(t *testing.T) {
	backend := contractstest.NewBackend(contractstest.Account)
	eth := contractstest.TokenAddress(protocol.ETH)
	backend.Handle("poolAmounts", contractstest.ByToken(map[common.Address]*big.Int{eth: big.NewInt(1000)}))
	backend.Handle("maxGlobalLongSizes", contractstest.ByToken(map[common.Address]*big.Int{eth: big.NewInt(7)}))
	vault := contracts.NewVault(contractstest.VaultAddress, backend)

	ctx := context.Background()
	pool, err := vault.PoolAmount(ctx, eth)
	if err != nil {
		t.Fatalf("pool amount: %v", err)
	}
	if pool.Int64() != 1000 {
		t.Fatalf("expected 1000, got %s", pool)
	}
	maxLong, err := vault.MaxGlobalSize(ctx, eth, true)
	if err != nil || maxLong.Int64() != 7 {
		t.Fatalf("expected max long 7, got %v (%v)", maxLong, err)
	}
	if _, err := vault.MaxGlobalSize(ctx, eth, false); !errors.Is(err, contractstest.ErrReverted) {
		t.Fatalf("expected revert for unset short cap, got %v", err)
	}
}

func TestVaultPositionDecodesTuple(t *testing.T) {
	backend := contractstest.NewBackend(contractstest.Account)
	backend.Handle("getPosition", func(_ common.Address, args []any) ([]any, error) {
		if args[0].(common.Address) != contractstest.Account {
			t.Fatalf("unexpected account arg %v", args[0])
		}
		if args[3].(bool) != true {
			t.Fatalf("expected isLong arg")
		}
		return []any{
			big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4),
			big.NewInt(5), big.NewInt(6), true, big.NewInt(1700000000),
		}, nil
	})
	vault := contracts.NewVault(contractstest.VaultAddress, backend)
	eth := contractstest.TokenAddress(protocol.ETH)
	pos, err := vault.Position(context.Background(), contractstest.Account, eth, eth, true)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Size.Int64() != 1 || pos.Collateral.Int64() != 2 || pos.AveragePrice.Int64() != 3 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.EntryFundingRate.Int64() != 4 || pos.ReserveAmount.Int64() != 5 || pos.RealisedPnl.Int64() != 6 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if !pos.HasRealisedProfit || pos.LastIncreasedTime.Int64() != 1700000000 {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestPriceFeedPassesFlags(t *testing.T) {
	backend := contractstest.NewBackend(contractstest.Account)
	eth := contractstest.TokenAddress(protocol.ETH)
	backend.Handle("getPrice", contractstest.Prices(map[common.Address]contractstest.Quote{
		eth: {Min: big.NewInt(99), Max: big.NewInt(101)},
	}))
	feed := contracts.NewPriceFeed(contractstest.PriceFeedAddress, backend)
	maxPrice, err := feed.Price(context.Background(), eth, true, false, true)
	if err != nil || maxPrice.Int64() != 101 {
		t.Fatalf("expected max 101, got %v (%v)", maxPrice, err)
	}
	minPrice, err := feed.Price(context.Background(), eth, false, true, true)
	if err != nil || minPrice.Int64() != 99 {
		t.Fatalf("expected min 99, got %v (%v)", minPrice, err)
	}
}

func TestPackIncreasePositionSelectsVariant(t *testing.T) {
	args := contracts.IncreasePositionArgs{
		Path:       []common.Address{contractstest.TokenAddress(protocol.ETH)},
		IndexToken: contractstest.TokenAddress(protocol.ETH),
		AmountIn:   big.NewInt(10),
		SizeDelta:  big.NewInt(20),
		IsLong:     true,
	}
	data, err := contracts.PackIncreasePosition(args, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	method, err := contracts.MethodByID(data)
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	if method.Name != "createIncreasePositionETH" {
		t.Fatalf("expected ETH variant, got %s", method.Name)
	}
	data, err = contracts.PackIncreasePosition(args, false)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	method, _ = contracts.MethodByID(data)
	if method.Name != "createIncreasePosition" {
		t.Fatalf("expected token variant, got %s", method.Name)
	}
	decoded, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if decoded[2].(*big.Int).Int64() != 10 {
		t.Fatalf("expected amountIn 10, got %v", decoded[2])
	}
	if _, err := contracts.PackIncreasePosition(contracts.IncreasePositionArgs{}, false); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestMethodByIDRejectsUnknownSelector(t *testing.T) {
	if _, err := contracts.MethodByID([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Fatalf("expected unknown selector error")
	}
	if _, err := contracts.MethodByID([]byte{0x01}); err == nil {
		t.Fatalf("expected short calldata error")
	}
}
