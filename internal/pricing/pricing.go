// Package pricing derives the worst execution price a taker accepts.
package pricing

import (
	"math/big"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/protocol"
)

type Action int

const (
	Open Action = iota
	Close
)

func (a Action) String() string {
	if a == Close {
		return "close"
	}
	return "open"
}

// Buying reports whether the taker is buying the index token: opening a
// long or closing a short.
func Buying(side protocol.Side, action Action) bool {
	return side.IsLong() == (action == Open)
}

// AcceptablePrice widens price by bps against the taker: up when buying,
// down when selling. Integer arithmetic only, so the bound matches the
// on-chain comparison exactly.
func AcceptablePrice(price *big.Int, side protocol.Side, action Action, bps uint32) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, failure.Validation(failure.ErrInvalidAmount, "price > 0", "price must be positive")
	}
	if bps > amount.BasisPointsDivisor {
		return nil, failure.Validation(failure.ErrSlippageRange, "0 <= slippage_bps <= 10000", "slippage %d bps is out of range", bps)
	}
	delta := int64(bps)
	if !Buying(side, action) {
		delta = -delta
	}
	return amount.ApplyBps(price, delta), nil
}

// Slippage resolves a caller override against the configured default.
func Slippage(override *uint32, fallback uint32) uint32 {
	if override != nil {
		return *override
	}
	return fallback
}
