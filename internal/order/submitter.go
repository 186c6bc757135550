package order

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/chain"
	"leverage-engine/internal/contracts"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Router interface {
	Address() common.Address
	PluginApproved(ctx context.Context, account, plugin common.Address) (bool, error)
}

type PositionRouter interface {
	Address() common.Address
	MinExecutionFee(ctx context.Context) (*big.Int, error)
}

type Tokens interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
}

type Config struct {
	// ExecutionFee overrides the router minimum for every request that does
	// not carry its own fee.
	ExecutionFee    *big.Int
	ApprovalTimeout time.Duration
}

type Submitter struct {
	writer         chain.Writer
	receipts       chain.Receipts
	router         Router
	positionRouter PositionRouter
	tokens         Tokens
	ledger         *Ledger
	cfg            Config
	log            *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewSubmitter(writer chain.Writer, receipts chain.Receipts, router Router, positionRouter PositionRouter, tokens Tokens, ledger *Ledger, cfg Config, log *zap.Logger, m *metrics.Metrics) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 90 * time.Second
	}
	return &Submitter{
		writer:         writer,
		receipts:       receipts,
		router:         router,
		positionRouter: positionRouter,
		tokens:         tokens,
		ledger:         ledger,
		cfg:            cfg,
		log:            log,
		metrics:        metrics.OrNoop(m),
		now:            time.Now,
	}
}

// Submit sends req to the position router and returns the Requested record.
// Plugin approval and, for token collateral, allowance and balance are
// checked first. Nothing is retried. created is false when the client order
// id was already used and the stored record is returned instead.
func (s *Submitter) Submit(ctx context.Context, req Request) (rec Record, created bool, err error) {
	if s.writer == nil {
		return Record{}, false, failure.Write("submit", chain.ErrNoSigner)
	}
	if req.Account != s.writer.From() {
		return Record{}, false, failure.Validation(failure.ErrAccountMismatch, "account == signer",
			"account %s is not the signing account %s", req.Account.Hex(), s.writer.From().Hex())
	}
	existing, claimed, err := s.ledger.Claim(ctx, req.ClientOrderID)
	if err != nil {
		if errors.Is(err, ErrClientInFlight) {
			return Record{}, false, failure.Validation(ErrClientInFlight, "client_order_id", "client order id %q is in flight", req.ClientOrderID)
		}
		return Record{}, false, fmt.Errorf("claim client order id: %w", err)
	}
	if !claimed {
		s.log.Info("duplicate client order id", zap.String("client_order_id", req.ClientOrderID), zap.String("tx", existing.TxHash))
		return existing, false, nil
	}

	rec, err = s.submit(ctx, req)
	if err != nil {
		s.metrics.OrdersFailed.Inc()
		if relErr := s.ledger.Release(ctx, req.ClientOrderID); relErr != nil {
			s.log.Warn("failed to release client order id", zap.String("client_order_id", req.ClientOrderID), zap.Error(relErr))
		}
		s.log.Warn("order submission failed",
			zap.String("kind", string(req.Kind)),
			zap.String("instrument", req.Instrument.String()),
			zap.Error(err),
		)
		return Record{}, false, err
	}
	s.metrics.OrdersSubmitted.Inc()
	if err := s.ledger.Save(ctx, rec); err != nil {
		s.log.Warn("failed to persist order record", zap.String("tx", rec.TxHash), zap.Error(err))
	}
	s.log.Info("order requested",
		zap.String("id", rec.ID),
		zap.String("tx", rec.TxHash),
		zap.String("kind", string(rec.Kind)),
		zap.String("instrument", rec.Instrument.String()),
		zap.String("size_delta_usd", rec.SizeDeltaUSD),
		zap.String("acceptable_price", rec.AcceptablePrice),
		zap.Time("execute_before", rec.ExecuteBefore),
	)
	return rec, true, nil
}

func (s *Submitter) submit(ctx context.Context, req Request) (Record, error) {
	fee, err := s.executionFee(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if err := s.ensurePluginApproval(ctx, req.Account); err != nil {
		return Record{}, err
	}
	if req.Kind == KindIncrease && !req.Native {
		if err := s.checkFunding(ctx, req); err != nil {
			return Record{}, err
		}
	}

	var data []byte
	switch req.Kind {
	case KindIncrease:
		data, err = contracts.PackIncreasePosition(contracts.IncreasePositionArgs{
			Path:            req.Path,
			IndexToken:      req.IndexToken,
			AmountIn:        req.AmountIn,
			MinOut:          req.MinOut,
			SizeDelta:       req.SizeDelta,
			IsLong:          req.IsLong,
			AcceptablePrice: req.AcceptablePrice,
			ExecutionFee:    fee,
			ReferralCode:    req.ReferralCode,
			CallbackTarget:  req.CallbackTarget,
		}, req.Native)
	case KindDecrease:
		data, err = contracts.PackDecreasePosition(contracts.DecreasePositionArgs{
			Path:            req.Path,
			IndexToken:      req.IndexToken,
			CollateralDelta: req.CollateralDelta,
			SizeDelta:       req.SizeDelta,
			IsLong:          req.IsLong,
			Receiver:        req.Receiver,
			AcceptablePrice: req.AcceptablePrice,
			MinOut:          req.MinOut,
			ExecutionFee:    fee,
			WithdrawETH:     req.Native,
			CallbackTarget:  req.CallbackTarget,
		})
	default:
		return Record{}, fmt.Errorf("unknown order kind %q", req.Kind)
	}
	if err != nil {
		return Record{}, fmt.Errorf("encode %s request: %w", req.Kind, err)
	}

	value := req.Value(fee)
	hash, err := s.writer.Send(ctx, s.positionRouter.Address(), data, value)
	if err != nil {
		return Record{}, failure.Write("create "+string(req.Kind)+" position", err)
	}
	submitted := s.now().UTC()
	rec := Record{
		ID:                uuid.NewString(),
		ClientOrderID:     req.ClientOrderID,
		Kind:              req.Kind,
		Instrument:        req.Instrument,
		Account:           req.Account.Hex(),
		TxHash:            hash.Hex(),
		SizeDeltaUSD:      amount.FixedToUSD(req.SizeDelta).String(),
		AcceptablePrice:   amount.FixedToUSD(req.AcceptablePrice).String(),
		ExecutionFeeWei:   fee.String(),
		ValueWei:          value.String(),
		State:             StateRequested,
		SubmittedAt:       submitted,
		ExecuteBefore:     submitted.Add(KeeperTimeWindow),
		KeeperBlockWindow: KeeperBlockWindow,
	}
	if req.Kind == KindIncrease {
		rec.AmountIn = req.AmountIn.String()
	} else {
		rec.CollateralDelta = amount.FixedToUSD(req.CollateralDelta).String()
	}
	return rec, nil
}

func (s *Submitter) executionFee(ctx context.Context, req Request) (*big.Int, error) {
	switch {
	case req.ExecutionFee != nil:
		if req.ExecutionFee.Sign() < 0 {
			return nil, failure.Validation(failure.ErrInvalidAmount, "execution_fee >= 0", "execution fee must not be negative")
		}
		return req.ExecutionFee, nil
	case s.cfg.ExecutionFee != nil:
		return s.cfg.ExecutionFee, nil
	}
	fee, err := s.positionRouter.MinExecutionFee(ctx)
	if err != nil {
		return nil, failure.Read("minExecutionFee", err)
	}
	return fee, nil
}

// ensurePluginApproval authorises the position router to act for account on
// the router, sending approvePlugin once when needed.
func (s *Submitter) ensurePluginApproval(ctx context.Context, account common.Address) error {
	plugin := s.positionRouter.Address()
	approved, err := s.router.PluginApproved(ctx, account, plugin)
	if err != nil {
		return failure.Read("approvedPlugins", err)
	}
	if approved {
		return nil
	}
	data, err := contracts.PackApprovePlugin(plugin)
	if err != nil {
		return fmt.Errorf("encode approvePlugin: %w", err)
	}
	hash, err := s.writer.Send(ctx, s.router.Address(), data, nil)
	if err != nil {
		return failure.Write("approvePlugin", err)
	}
	s.metrics.ApprovalsSent.Inc()
	s.log.Info("plugin approval sent", zap.String("tx", hash.Hex()), zap.String("plugin", plugin.Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ApprovalTimeout)
	defer cancel()
	status, err := s.receipts.WaitMined(waitCtx, hash)
	if err != nil {
		return failure.Write("approvePlugin", fmt.Errorf("%w: %v", failure.ErrApprovalUnconfirmed, err))
	}
	if status != chain.TxSuccess {
		return failure.Write("approvePlugin", fmt.Errorf("%w: tx %s %s", failure.ErrApprovalUnconfirmed, hash.Hex(), status))
	}
	approved, err = s.router.PluginApproved(ctx, account, plugin)
	if err != nil {
		return failure.Read("approvedPlugins", err)
	}
	if !approved {
		return failure.Write("approvePlugin", failure.ErrApprovalUnconfirmed)
	}
	return nil
}

// checkFunding verifies the router can pull AmountIn of the collateral
// token from account.
func (s *Submitter) checkFunding(ctx context.Context, req Request) error {
	token := req.Path[0]
	allowance, err := s.tokens.Allowance(ctx, token, req.Account, s.router.Address())
	if err != nil {
		return failure.Read("allowance", err)
	}
	if allowance.Cmp(req.AmountIn) < 0 {
		return failure.Write("create increase position",
			fmt.Errorf("%w: router allowance %s below %s", failure.ErrAllowance, allowance, req.AmountIn))
	}
	balance, err := s.tokens.BalanceOf(ctx, token, req.Account)
	if err != nil {
		return failure.Read("balanceOf", err)
	}
	if balance.Cmp(req.AmountIn) < 0 {
		return failure.Write("create increase position",
			fmt.Errorf("%w: balance %s below %s", failure.ErrInsufficientBalance, balance, req.AmountIn))
	}
	return nil
}
