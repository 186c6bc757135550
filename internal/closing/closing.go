// Package closing turns a close intent into a decrease request sized against
// the live position.
package closing

import (
	"context"
	"math/big"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/order"
	"leverage-engine/internal/position"
	"leverage-engine/internal/pricing"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type PositionSource interface {
	Snapshot(ctx context.Context, inst protocol.Instrument, account common.Address) (position.Snapshot, error)
}

type Request struct {
	Instrument protocol.Instrument
	Account    common.Address
	// SizeDeltaUSD nil closes the whole position.
	SizeDeltaUSD *decimal.Decimal
	// CollateralDeltaUSD nil releases collateral in proportion to the
	// closed size.
	CollateralDeltaUSD *decimal.Decimal
	// AcceptablePrice overrides the slippage-derived bound.
	AcceptablePrice *big.Int
	SlippageBps     *uint32
	Options         order.Options
}

type Plan struct {
	Order           order.Request
	Position        position.Snapshot
	Full            bool
	SlippageBps     uint32
	AcceptablePrice *big.Int
}

type Calculator struct {
	network    *protocol.Network
	positions  PositionSource
	defaultBps uint32
}

func New(network *protocol.Network, positions PositionSource, defaultBps uint32) *Calculator {
	return &Calculator{network: network, positions: positions, defaultBps: defaultBps}
}

func (c *Calculator) Plan(ctx context.Context, req Request) (Plan, error) {
	snap, err := c.positions.Snapshot(ctx, req.Instrument, req.Account)
	if err != nil {
		return Plan{}, err
	}
	if !snap.HasPosition() {
		return Plan{}, failure.Validation(failure.ErrNoPosition, "size > 0", "no active position for %s on %s", req.Account.Hex(), req.Instrument)
	}

	sizeDelta, full, err := resolveSize(snap.Size, req.SizeDeltaUSD)
	if err != nil {
		return Plan{}, err
	}
	var collateralDelta *big.Int
	if req.CollateralDeltaUSD != nil {
		collateralDelta, err = amount.USDToFixed(*req.CollateralDeltaUSD)
		if err != nil {
			return Plan{}, failure.Validation(failure.ErrInvalidAmount, "collateral_delta_usd >= 0", "%v", err)
		}
		if collateralDelta.Cmp(snap.Collateral) > 0 {
			return Plan{}, failure.Validation(failure.ErrInvalidAmount, "collateral_delta_usd <= "+amount.FixedToUSD(snap.Collateral).String(),
				"collateral delta %s USD exceeds position collateral %s USD", req.CollateralDeltaUSD.String(), amount.FixedToUSD(snap.Collateral))
		}
	}

	bps := pricing.Slippage(req.SlippageBps, c.defaultBps)
	acceptable := req.AcceptablePrice
	if acceptable == nil {
		acceptable, err = pricing.AcceptablePrice(snap.CurrentPrice, req.Instrument.Side, pricing.Close, bps)
		if err != nil {
			return Plan{}, err
		}
	}

	built, err := order.NewDecrease(c.network, req.Instrument, req.Account, sizeDelta, collateralDelta, acceptable, req.Options)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Order:           built,
		Position:        snap,
		Full:            full,
		SlippageBps:     bps,
		AcceptablePrice: acceptable,
	}, nil
}

// resolveSize picks the decrease size. A full close uses the raw position
// size so no dust is left behind by decimal conversion.
func resolveSize(size *big.Int, partial *decimal.Decimal) (*big.Int, bool, error) {
	if partial == nil {
		return new(big.Int).Set(size), true, nil
	}
	if !partial.IsPositive() {
		return nil, false, failure.Validation(failure.ErrInvalidAmount, "size_delta_usd > 0", "close size must be positive, got %s", partial.String())
	}
	delta, err := amount.USDToFixed(*partial)
	if err != nil {
		return nil, false, failure.Validation(failure.ErrInvalidAmount, "size_delta_usd", "%v", err)
	}
	if delta.Cmp(size) > 0 {
		return nil, false, failure.Validation(failure.ErrCloseExceedsSize, "size_delta_usd <= "+amount.FixedToUSD(size).String(),
			"close size %s USD exceeds position size %s USD", partial.String(), amount.FixedToUSD(size))
	}
	return delta, delta.Cmp(size) == 0, nil
}
