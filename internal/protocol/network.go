package protocol

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type TokenInfo struct {
	Address  common.Address
	Decimals uint8
	// Native marks the wrapped form of the chain's gas asset. Positions using it
	// as collateral are funded with transaction value instead of an allowance.
	Native bool
	Stable bool
}

type Contracts struct {
	Vault          common.Address
	PriceFeed      common.Address
	Router         common.Address
	PositionRouter common.Address
}

// Network bundles every address the engine touches on one deployment. It is
// built once from configuration and passed to each component.
type Network struct {
	Name      string
	ChainID   int64
	Contracts Contracts
	tokens    [tokenCount]TokenInfo
}

func NewNetwork(name string, chainID int64, contracts Contracts, tokens map[Token]TokenInfo) (*Network, error) {
	if chainID <= 0 {
		return nil, errors.New("chain id must be > 0")
	}
	for label, addr := range map[string]common.Address{
		"vault":           contracts.Vault,
		"price_feed":      contracts.PriceFeed,
		"router":          contracts.Router,
		"position_router": contracts.PositionRouter,
	} {
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("%s address is required", label)
		}
	}
	n := &Network{Name: name, ChainID: chainID, Contracts: contracts}
	seen := make(map[common.Address]Token, len(tokens))
	for _, t := range AllTokens() {
		info, ok := tokens[t]
		if !ok {
			return nil, fmt.Errorf("token %s is not configured", t)
		}
		if info.Address == (common.Address{}) {
			return nil, fmt.Errorf("token %s address is required", t)
		}
		if info.Decimals == 0 {
			return nil, fmt.Errorf("token %s decimals are required", t)
		}
		if prev, dup := seen[info.Address]; dup {
			return nil, fmt.Errorf("tokens %s and %s share address %s", prev, t, info.Address.Hex())
		}
		seen[info.Address] = t
		n.tokens[t] = info
	}
	return n, nil
}

func (n *Network) Token(t Token) (TokenInfo, error) {
	if !t.Valid() {
		return TokenInfo{}, fmt.Errorf("invalid token %s", t)
	}
	return n.tokens[t], nil
}

func (n *Network) TokenByAddress(addr common.Address) (Token, bool) {
	for _, t := range AllTokens() {
		if n.tokens[t].Address == addr {
			return t, true
		}
	}
	return TokenUnknown, false
}

// IndexTokens lists the tokens that can back price exposure.
func (n *Network) IndexTokens() []Token {
	var out []Token
	for _, t := range AllTokens() {
		if !n.tokens[t].Stable {
			out = append(out, t)
		}
	}
	return out
}

// ValidateInstrument enforces the vault's position rules: longs are
// collateralised in the index token, shorts in a stable token.
func (n *Network) ValidateInstrument(inst Instrument) error {
	if !inst.Index.Valid() || !inst.Collateral.Valid() {
		return fmt.Errorf("instrument %s has an unknown token", inst)
	}
	if n.tokens[inst.Index].Stable {
		return fmt.Errorf("index token %s is a stable token", inst.Index)
	}
	if inst.Side.IsLong() {
		if inst.Collateral != inst.Index {
			return fmt.Errorf("long %s must use %s as collateral", inst.Index, inst.Index)
		}
		return nil
	}
	if !n.tokens[inst.Collateral].Stable {
		return fmt.Errorf("short collateral %s must be a stable token", inst.Collateral)
	}
	return nil
}
