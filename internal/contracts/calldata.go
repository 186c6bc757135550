package contracts

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type IncreasePositionArgs struct {
	Path            []common.Address
	IndexToken      common.Address
	AmountIn        *big.Int
	MinOut          *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	AcceptablePrice *big.Int
	ExecutionFee    *big.Int
	ReferralCode    [32]byte
	CallbackTarget  common.Address
}

type DecreasePositionArgs struct {
	Path            []common.Address
	IndexToken      common.Address
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	Receiver        common.Address
	AcceptablePrice *big.Int
	MinOut          *big.Int
	ExecutionFee    *big.Int
	WithdrawETH     bool
	CallbackTarget  common.Address
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// PackIncreasePosition encodes an increase request. With native set the
// amount travels as transaction value and is not part of the calldata.
func PackIncreasePosition(args IncreasePositionArgs, native bool) ([]byte, error) {
	if len(args.Path) == 0 {
		return nil, errors.New("path is required")
	}
	if native {
		return PositionRouterABI.Pack("createIncreasePositionETH",
			args.Path,
			args.IndexToken,
			orZero(args.MinOut),
			orZero(args.SizeDelta),
			args.IsLong,
			orZero(args.AcceptablePrice),
			orZero(args.ExecutionFee),
			args.ReferralCode,
			args.CallbackTarget,
		)
	}
	return PositionRouterABI.Pack("createIncreasePosition",
		args.Path,
		args.IndexToken,
		orZero(args.AmountIn),
		orZero(args.MinOut),
		orZero(args.SizeDelta),
		args.IsLong,
		orZero(args.AcceptablePrice),
		orZero(args.ExecutionFee),
		args.ReferralCode,
		args.CallbackTarget,
	)
}

func PackDecreasePosition(args DecreasePositionArgs) ([]byte, error) {
	if len(args.Path) == 0 {
		return nil, errors.New("path is required")
	}
	return PositionRouterABI.Pack("createDecreasePosition",
		args.Path,
		args.IndexToken,
		orZero(args.CollateralDelta),
		orZero(args.SizeDelta),
		args.IsLong,
		args.Receiver,
		orZero(args.AcceptablePrice),
		orZero(args.MinOut),
		orZero(args.ExecutionFee),
		args.WithdrawETH,
		args.CallbackTarget,
	)
}
