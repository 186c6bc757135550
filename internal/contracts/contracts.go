package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"leverage-engine/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func call(ctx context.Context, r chain.Reader, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.Call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func callUint(ctx context.Context, r chain.Reader, to common.Address, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	values, err := call(ctx, r, to, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return v, nil
}

type Vault struct {
	address common.Address
	reader  chain.Reader
}

func NewVault(address common.Address, reader chain.Reader) *Vault {
	return &Vault{address: address, reader: reader}
}

func (v *Vault) PoolAmount(ctx context.Context, token common.Address) (*big.Int, error) {
	return callUint(ctx, v.reader, v.address, VaultABI, "poolAmounts", token)
}

func (v *Vault) ReservedAmount(ctx context.Context, token common.Address) (*big.Int, error) {
	return callUint(ctx, v.reader, v.address, VaultABI, "reservedAmounts", token)
}

func (v *Vault) MaxGlobalSize(ctx context.Context, token common.Address, isLong bool) (*big.Int, error) {
	method := "maxGlobalShortSizes"
	if isLong {
		method = "maxGlobalLongSizes"
	}
	return callUint(ctx, v.reader, v.address, VaultABI, method, token)
}

func (v *Vault) CumulativeFundingRate(ctx context.Context, token common.Address) (*big.Int, error) {
	return callUint(ctx, v.reader, v.address, VaultABI, "cumulativeFundingRates", token)
}

// RawPosition is the vault's position tuple as stored on chain.
type RawPosition struct {
	Size              *big.Int
	Collateral        *big.Int
	AveragePrice      *big.Int
	EntryFundingRate  *big.Int
	ReserveAmount     *big.Int
	RealisedPnl       *big.Int
	HasRealisedProfit bool
	LastIncreasedTime *big.Int
}

func (v *Vault) Position(ctx context.Context, account, collateralToken, indexToken common.Address, isLong bool) (RawPosition, error) {
	values, err := call(ctx, v.reader, v.address, VaultABI, "getPosition", account, collateralToken, indexToken, isLong)
	if err != nil {
		return RawPosition{}, err
	}
	if len(values) != 8 {
		return RawPosition{}, fmt.Errorf("getPosition: expected 8 outputs, got %d", len(values))
	}
	var pos RawPosition
	uints := []**big.Int{&pos.Size, &pos.Collateral, &pos.AveragePrice, &pos.EntryFundingRate, &pos.ReserveAmount, &pos.RealisedPnl}
	for i, dst := range uints {
		val, ok := values[i].(*big.Int)
		if !ok {
			return RawPosition{}, fmt.Errorf("getPosition: output %d has type %T", i, values[i])
		}
		*dst = val
	}
	hasProfit, ok := values[6].(bool)
	if !ok {
		return RawPosition{}, errors.New("getPosition: hasRealisedProfit is not bool")
	}
	pos.HasRealisedProfit = hasProfit
	last, ok := values[7].(*big.Int)
	if !ok {
		return RawPosition{}, errors.New("getPosition: lastIncreasedTime is not uint")
	}
	pos.LastIncreasedTime = last
	return pos, nil
}

type PriceFeed struct {
	address common.Address
	reader  chain.Reader
}

func NewPriceFeed(address common.Address, reader chain.Reader) *PriceFeed {
	return &PriceFeed{address: address, reader: reader}
}

// Price returns the oracle price at 30-decimal scale.
func (p *PriceFeed) Price(ctx context.Context, token common.Address, useMax, includeSpread, strict bool) (*big.Int, error) {
	return callUint(ctx, p.reader, p.address, PriceFeedABI, "getPrice", token, useMax, includeSpread, strict)
}

type Router struct {
	address common.Address
	reader  chain.Reader
}

func NewRouter(address common.Address, reader chain.Reader) *Router {
	return &Router{address: address, reader: reader}
}

func (r *Router) Address() common.Address {
	return r.address
}

func (r *Router) PluginApproved(ctx context.Context, account, plugin common.Address) (bool, error) {
	values, err := call(ctx, r.reader, r.address, RouterABI, "approvedPlugins", account, plugin)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("approvedPlugins: expected 1 output, got %d", len(values))
	}
	approved, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("approvedPlugins: unexpected output type %T", values[0])
	}
	return approved, nil
}

func PackApprovePlugin(plugin common.Address) ([]byte, error) {
	return RouterABI.Pack("approvePlugin", plugin)
}

type PositionRouter struct {
	address common.Address
	reader  chain.Reader
}

func NewPositionRouter(address common.Address, reader chain.Reader) *PositionRouter {
	return &PositionRouter{address: address, reader: reader}
}

func (p *PositionRouter) Address() common.Address {
	return p.address
}

func (p *PositionRouter) MinExecutionFee(ctx context.Context) (*big.Int, error) {
	return callUint(ctx, p.reader, p.address, PositionRouterABI, "minExecutionFee")
}

type ERC20 struct {
	reader chain.Reader
}

func NewERC20(reader chain.Reader) *ERC20 {
	return &ERC20{reader: reader}
}

func (e *ERC20) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return callUint(ctx, e.reader, token, ERC20ABI, "allowance", owner, spender)
}

func (e *ERC20) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return callUint(ctx, e.reader, token, ERC20ABI, "balanceOf", account)
}
