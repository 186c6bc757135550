// Package contracts holds the ABI fragments and typed call wrappers for the
// vault, price feed, router, position router and ERC20 tokens.
package contracts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const vaultJSON = `[
{"type":"function","name":"poolAmounts","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"reservedAmounts","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"maxGlobalLongSizes","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"maxGlobalShortSizes","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"cumulativeFundingRates","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getPosition","stateMutability":"view","inputs":[
 {"name":"account","type":"address"},{"name":"collateralToken","type":"address"},{"name":"indexToken","type":"address"},{"name":"isLong","type":"bool"}],
 "outputs":[{"name":"size","type":"uint256"},{"name":"collateral","type":"uint256"},{"name":"averagePrice","type":"uint256"},{"name":"entryFundingRate","type":"uint256"},
 {"name":"reserveAmount","type":"uint256"},{"name":"realisedPnl","type":"uint256"},{"name":"hasRealisedProfit","type":"bool"},{"name":"lastIncreasedTime","type":"uint256"}]}
]`

const priceFeedJSON = `[
{"type":"function","name":"getPrice","stateMutability":"view","inputs":[
 {"name":"token","type":"address"},{"name":"useMax","type":"bool"},{"name":"includeSpread","type":"bool"},{"name":"strict","type":"bool"}],
 "outputs":[{"name":"","type":"uint256"}]}
]`

const routerJSON = `[
{"type":"function","name":"approvedPlugins","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"plugin","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approvePlugin","stateMutability":"nonpayable","inputs":[{"name":"plugin","type":"address"}],"outputs":[]}
]`

const positionRouterJSON = `[
{"type":"function","name":"minExecutionFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"createIncreasePosition","stateMutability":"payable","inputs":[
 {"name":"path","type":"address[]"},{"name":"indexToken","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minOut","type":"uint256"},
 {"name":"sizeDelta","type":"uint256"},{"name":"isLong","type":"bool"},{"name":"acceptablePrice","type":"uint256"},{"name":"executionFee","type":"uint256"},
 {"name":"referralCode","type":"bytes32"},{"name":"callbackTarget","type":"address"}],
 "outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"createIncreasePositionETH","stateMutability":"payable","inputs":[
 {"name":"path","type":"address[]"},{"name":"indexToken","type":"address"},{"name":"minOut","type":"uint256"},
 {"name":"sizeDelta","type":"uint256"},{"name":"isLong","type":"bool"},{"name":"acceptablePrice","type":"uint256"},{"name":"executionFee","type":"uint256"},
 {"name":"referralCode","type":"bytes32"},{"name":"callbackTarget","type":"address"}],
 "outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"createDecreasePosition","stateMutability":"payable","inputs":[
 {"name":"path","type":"address[]"},{"name":"indexToken","type":"address"},{"name":"collateralDelta","type":"uint256"},{"name":"sizeDelta","type":"uint256"},
 {"name":"isLong","type":"bool"},{"name":"receiver","type":"address"},{"name":"acceptablePrice","type":"uint256"},{"name":"minOut","type":"uint256"},
 {"name":"executionFee","type":"uint256"},{"name":"withdrawETH","type":"bool"},{"name":"callbackTarget","type":"address"}],
 "outputs":[{"name":"","type":"bytes32"}]}
]`

const erc20JSON = `[
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	VaultABI          = mustParse(vaultJSON)
	PriceFeedABI      = mustParse(priceFeedJSON)
	RouterABI         = mustParse(routerJSON)
	PositionRouterABI = mustParse(positionRouterJSON)
	ERC20ABI          = mustParse(erc20JSON)

	all = []abi.ABI{VaultABI, PriceFeedABI, RouterABI, PositionRouterABI, ERC20ABI}
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse abi: %v", err))
	}
	return parsed
}

// MethodByID resolves calldata to the method it invokes across every known ABI.
func MethodByID(data []byte) (*abi.Method, error) {
	if len(data) < 4 {
		return nil, errors.New("calldata shorter than selector")
	}
	for _, parsed := range all {
		if method, err := parsed.MethodById(data[:4]); err == nil {
			return method, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", data[:4])
}
