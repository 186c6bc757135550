package contractstest

import (
	"math/big"

	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

var (
	VaultAddress          = common.HexToAddress("0x1000000000000000000000000000000000000001")
	PriceFeedAddress      = common.HexToAddress("0x1000000000000000000000000000000000000002")
	RouterAddress         = common.HexToAddress("0x1000000000000000000000000000000000000003")
	PositionRouterAddress = common.HexToAddress("0x1000000000000000000000000000000000000004")

	Account = common.HexToAddress("0x2000000000000000000000000000000000000001")
)

// TokenAddress returns the deterministic test address of t.
func TokenAddress(t protocol.Token) common.Address {
	return common.BigToAddress(big.NewInt(0x3000 + int64(t)))
}

func Network() *protocol.Network {
	tokens := make(map[protocol.Token]protocol.TokenInfo)
	for _, t := range protocol.AllTokens() {
		info := protocol.TokenInfo{Address: TokenAddress(t), Decimals: 18}
		switch t {
		case protocol.ETH:
			info.Native = true
		case protocol.USDC, protocol.USDT:
			info.Decimals = 6
			info.Stable = true
		}
		tokens[t] = info
	}
	n, err := protocol.NewNetwork("testnet", 42161, protocol.Contracts{
		Vault:          VaultAddress,
		PriceFeed:      PriceFeedAddress,
		Router:         RouterAddress,
		PositionRouter: PositionRouterAddress,
	}, tokens)
	if err != nil {
		panic(err)
	}
	return n
}

// USD returns v * 1e30.
func USD(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil))
}

// Units returns v * 10^decimals.
func Units(v int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}
