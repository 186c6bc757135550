// Package order builds position-router requests and submits them. The
// router executes requests asynchronously through a keeper, so submission
// ends at the request transaction; see Machine for what happens next.
package order

import (
	"math/big"

	"leverage-engine/internal/failure"
	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindIncrease Kind = "increase"
	KindDecrease Kind = "decrease"
)

// Request is built fresh for every submission and never reused.
type Request struct {
	Kind       Kind
	Instrument protocol.Instrument
	Account    common.Address
	Path       []common.Address
	IndexToken common.Address
	// AmountIn is the collateral sent with an increase, in collateral token
	// base units.
	AmountIn *big.Int
	// CollateralDelta is the USD collateral withdrawn by a decrease. Zero
	// releases collateral in proportion to the closed size.
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	Receiver        common.Address
	AcceptablePrice *big.Int
	MinOut          *big.Int
	// ExecutionFee nil means the router's minimum.
	ExecutionFee   *big.Int
	ReferralCode   [32]byte
	CallbackTarget common.Address
	// Native marks native-asset collateral: value-funded on increase and
	// unwrapped on decrease.
	Native        bool
	ClientOrderID string
}

type Options struct {
	ExecutionFee   *big.Int
	ReferralCode   [32]byte
	CallbackTarget common.Address
	ClientOrderID  string
}

func ReferralCode(code string) [32]byte {
	var out [32]byte
	copy(out[:], code)
	return out
}

func NewIncrease(network *protocol.Network, inst protocol.Instrument, account common.Address, amountIn, sizeDelta, acceptablePrice *big.Int, opts Options) (Request, error) {
	req, err := newRequest(KindIncrease, network, inst, account, sizeDelta, acceptablePrice, opts)
	if err != nil {
		return Request{}, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Request{}, failure.Validation(failure.ErrInvalidAmount, "amount_in > 0", "collateral amount must be positive")
	}
	req.AmountIn = new(big.Int).Set(amountIn)
	return req, nil
}

func NewDecrease(network *protocol.Network, inst protocol.Instrument, account common.Address, sizeDelta, collateralDelta, acceptablePrice *big.Int, opts Options) (Request, error) {
	req, err := newRequest(KindDecrease, network, inst, account, sizeDelta, acceptablePrice, opts)
	if err != nil {
		return Request{}, err
	}
	req.CollateralDelta = new(big.Int)
	if collateralDelta != nil {
		if collateralDelta.Sign() < 0 {
			return Request{}, failure.Validation(failure.ErrInvalidAmount, "collateral_delta >= 0", "collateral delta must not be negative")
		}
		req.CollateralDelta.Set(collateralDelta)
	}
	return req, nil
}

func newRequest(kind Kind, network *protocol.Network, inst protocol.Instrument, account common.Address, sizeDelta, acceptablePrice *big.Int, opts Options) (Request, error) {
	if account == (common.Address{}) {
		return Request{}, failure.Validation(failure.ErrInvalidAddress, "account", "account address is zero")
	}
	if err := network.ValidateInstrument(inst); err != nil {
		return Request{}, failure.Validation(failure.ErrInvalidInstrument, "instrument", "%v", err)
	}
	if sizeDelta == nil || sizeDelta.Sign() <= 0 {
		return Request{}, failure.Validation(failure.ErrInvalidAmount, "size_delta > 0", "size delta must be positive")
	}
	if acceptablePrice == nil || acceptablePrice.Sign() <= 0 {
		return Request{}, failure.Validation(failure.ErrInvalidAmount, "acceptable_price > 0", "acceptable price must be positive")
	}
	index, _ := network.Token(inst.Index)
	collateral, _ := network.Token(inst.Collateral)
	return Request{
		Kind:            kind,
		Instrument:      inst,
		Account:         account,
		Path:            []common.Address{collateral.Address},
		IndexToken:      index.Address,
		SizeDelta:       new(big.Int).Set(sizeDelta),
		IsLong:          inst.Side.IsLong(),
		Receiver:        account,
		AcceptablePrice: new(big.Int).Set(acceptablePrice),
		MinOut:          new(big.Int),
		ExecutionFee:    opts.ExecutionFee,
		ReferralCode:    opts.ReferralCode,
		CallbackTarget:  opts.CallbackTarget,
		Native:          collateral.Native,
		ClientOrderID:   opts.ClientOrderID,
	}, nil
}

// Value is the transaction value: the fee alone, plus the collateral when it
// is the native asset on an increase.
func (r Request) Value(fee *big.Int) *big.Int {
	value := new(big.Int).Set(fee)
	if r.Kind == KindIncrease && r.Native {
		value.Add(value, r.AmountIn)
	}
	return value
}
