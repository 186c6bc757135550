// Package failure defines the error taxonomy shared by every engine operation.
package failure

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrMinCollateral       = errors.New("minimum collateral")
	ErrMinSize             = errors.New("minimum position size")
	ErrMinLeverage         = errors.New("minimum leverage")
	ErrMaxLeverage         = errors.New("maximum leverage")
	ErrNoPosition          = errors.New("no active position")
	ErrCloseExceedsSize    = errors.New("close size exceeds position size")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidInstrument   = errors.New("invalid instrument")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSlippageRange       = errors.New("slippage out of range")
	ErrAccountMismatch     = errors.New("account does not match signer")
	ErrApprovalUnconfirmed = errors.New("router plugin approval not confirmed")
	ErrAllowance           = errors.New("token allowance not granted")
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindLiquidityShortage Kind = "liquidity_shortfall"
	KindChainRead         Kind = "chain_read"
	KindChainWrite        Kind = "chain_write"
	KindProtocolInvariant Kind = "protocol_invariant"
	KindInternal          Kind = "internal"
)

// ValidationError is a user-correctable rejection. Bound names the violated
// limit so callers can report it verbatim.
type ValidationError struct {
	Bound   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Bound == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (bound: %s)", e.Message, e.Bound)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func Validation(sentinel error, bound, format string, args ...any) error {
	return &ValidationError{Bound: bound, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

type Alternative struct {
	Index              string `json:"index_token"`
	Collateral         string `json:"collateral_token"`
	Side               string `json:"side"`
	AvailableLiquidity string `json:"available_liquidity_usd"`
}

type LiquidityShortfallError struct {
	RequestedUSD decimal.Decimal
	AvailableUSD decimal.Decimal
	Alternatives []Alternative
}

func (e *LiquidityShortfallError) ShortfallUSD() decimal.Decimal {
	return e.RequestedUSD.Sub(e.AvailableUSD)
}

func (e *LiquidityShortfallError) Error() string {
	msg := fmt.Sprintf("insufficient liquidity: requested %s USD, available %s USD, shortfall %s USD",
		e.RequestedUSD.String(), e.AvailableUSD.String(), e.ShortfallUSD().String())
	if len(e.Alternatives) > 0 {
		msg += fmt.Sprintf("; %d alternative instrument(s) have enough liquidity", len(e.Alternatives))
	}
	return msg
}

type ChainReadError struct {
	Op  string
	Err error
}

func (e *ChainReadError) Error() string { return fmt.Sprintf("chain read %s: %v", e.Op, e.Err) }

func (e *ChainReadError) Unwrap() error { return e.Err }

func Read(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ChainReadError{Op: op, Err: err}
}

type ChainWriteError struct {
	Op  string
	Err error
}

func (e *ChainWriteError) Error() string { return fmt.Sprintf("chain write %s: %v", e.Op, e.Err) }

func (e *ChainWriteError) Unwrap() error { return e.Err }

func Write(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ChainWriteError{Op: op, Err: err}
}

type ProtocolInvariantError struct {
	Message string
}

func (e *ProtocolInvariantError) Error() string {
	return "protocol invariant violated: " + e.Message
}

func Invariant(format string, args ...any) error {
	return &ProtocolInvariantError{Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err for callers that branch programmatically.
func KindOf(err error) Kind {
	var (
		validation *ValidationError
		shortfall  *LiquidityShortfallError
		read       *ChainReadError
		write      *ChainWriteError
		invariant  *ProtocolInvariantError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &shortfall):
		return KindLiquidityShortage
	case errors.As(err, &invariant):
		return KindProtocolInvariant
	case errors.As(err, &write):
		return KindChainWrite
	case errors.As(err, &read):
		return KindChainRead
	default:
		return KindInternal
	}
}

// Detail returns the structured payload attached to err, if any.
func Detail(err error) any {
	var shortfall *LiquidityShortfallError
	if errors.As(err, &shortfall) {
		return map[string]any{
			"requested_usd": shortfall.RequestedUSD.String(),
			"available_usd": shortfall.AvailableUSD.String(),
			"shortfall_usd": shortfall.ShortfallUSD().String(),
			"alternatives":  shortfall.Alternatives,
		}
	}
	var validation *ValidationError
	if errors.As(err, &validation) && validation.Bound != "" {
		return map[string]any{"bound": validation.Bound}
	}
	return nil
}
