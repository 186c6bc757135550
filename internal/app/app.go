package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"leverage-engine/internal/api"
	"leverage-engine/internal/chain"
	"leverage-engine/internal/closing"
	"leverage-engine/internal/config"
	"leverage-engine/internal/contracts"
	"leverage-engine/internal/engine"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/metrics"
	"leverage-engine/internal/order"
	"leverage-engine/internal/position"
	"leverage-engine/internal/protocol"
	"leverage-engine/internal/sizing"
	"leverage-engine/internal/state"
	"leverage-engine/internal/state/sqlite"
	"leverage-engine/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	privateKeyEnv   = "ENGINE_PRIVATE_KEY"
	shutdownTimeout = 5 * time.Second
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	timescale *timescale.Writer
	engine    *engine.Engine
	ledger    *order.Ledger
	handler   http.Handler
	now       func() time.Time
}

// Chain groups the provider roles. Writer is nil for a read-only engine.
type Chain struct {
	Reader   chain.Reader
	Writer   chain.Writer
	Receipts chain.Receipts
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	network, err := cfg.Network.Build()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	client, err := Dial(context.Background(), cfg, network, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	m := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsHandler = prom.Handler()
	}

	chainRoles := Chain{Reader: client, Receipts: client}
	if client.From() != (common.Address{}) {
		chainRoles.Writer = client
		log.Info("signer loaded", zap.String("account", client.From().Hex()))
	} else {
		log.Warn("no signer configured, order submission disabled", zap.String("env", privateKeyEnv))
	}
	eng, ledger, err := Build(cfg, network, chainRoles, store, recorderFor(writer), log, m)
	if err != nil {
		_ = store.Close()
		_ = writer.Close()
		return nil, err
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		timescale: writer,
		engine:    eng,
		ledger:    ledger,
		handler:   api.New(eng, cfg.Metrics.Path, metricsHandler, log),
		now:       time.Now,
	}, nil
}

// Dial connects to the configured node and loads the signer from the
// environment when one is set. The node must serve the configured chain.
func Dial(ctx context.Context, cfg *config.Config, network *protocol.Network, log *zap.Logger) (*chain.Client, error) {
	backend, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	idCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout)
	defer cancel()
	chainID, err := backend.ChainID(idCtx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if chainID.Cmp(big.NewInt(network.ChainID)) != 0 {
		return nil, fmt.Errorf("rpc serves chain %s, network %s expects %d", chainID, network.Name, network.ChainID)
	}
	var signer *chain.Signer
	if key := strings.TrimSpace(os.Getenv(privateKeyEnv)); key != "" {
		signer, err = chain.NewSigner(key, network.ChainID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", privateKeyEnv, err)
		}
	}
	client := chain.NewClient(backend, signer, log)
	client.SetPollInterval(cfg.Chain.ReceiptPollInterval)
	return client, nil
}

// Build assembles the engine on top of the given chain roles and store.
func Build(cfg *config.Config, network *protocol.Network, c Chain, store state.Store, recorder engine.Recorder, log *zap.Logger, m *metrics.Metrics) (*engine.Engine, *order.Ledger, error) {
	ec := cfg.Engine
	vault := contracts.NewVault(network.Contracts.Vault, c.Reader)
	prices := contracts.NewPriceFeed(network.Contracts.PriceFeed, c.Reader)
	limits := liquidity.Limits{
		MaxLeverageLong:  decimal.NewFromFloat(ec.MaxLeverageLong),
		MaxLeverageShort: decimal.NewFromFloat(ec.MaxLeverageShort),
	}
	bounds := sizing.Bounds{
		MinCollateralUSD: decimal.NewFromFloat(ec.MinCollateralUSD),
		MinSizeUSD:       decimal.NewFromFloat(ec.MinSizeUSD),
		MinLeverage:      decimal.NewFromFloat(ec.MinLeverage),
	}
	liq := liquidity.NewReader(network, vault, prices, limits, log.Named("liquidity"), m)
	positions := position.NewReader(network, vault, prices, log.Named("position"), m)

	defaults := order.Options{ReferralCode: order.ReferralCode(ec.ReferralCode)}
	if target := strings.TrimSpace(ec.CallbackTarget); target != "" {
		defaults.CallbackTarget = common.HexToAddress(target)
	}
	var fee *big.Int
	if raw := strings.TrimSpace(ec.ExecutionFeeWei); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, nil, fmt.Errorf("engine.execution_fee_wei: invalid integer %q", raw)
		}
		fee = parsed
	}

	ledger := order.NewLedger(store)
	deps := engine.Deps{
		Network:   network,
		Liquidity: liq,
		Positions: positions,
		Sizer:     sizing.New(network, liq, prices, bounds, log.Named("sizing"), m),
		Closer:    closing.New(network, positions, ec.CloseSlippageBps),
		Ledger:    ledger,
		Receipts:  c.Receipts,
		Recorder:  recorder,
	}
	if c.Writer != nil {
		deps.Submitter = order.NewSubmitter(
			c.Writer,
			c.Receipts,
			contracts.NewRouter(network.Contracts.Router, c.Reader),
			contracts.NewPositionRouter(network.Contracts.PositionRouter, c.Reader),
			contracts.NewERC20(c.Reader),
			ledger,
			order.Config{ExecutionFee: fee, ApprovalTimeout: cfg.Chain.ApprovalTimeout},
			log.Named("order"),
			m,
		)
	}
	eng := engine.New(deps, engine.Config{OpenSlippageBps: ec.OpenSlippageBps, Defaults: defaults}, log)
	return eng, ledger, nil
}

func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.restoreOrders(ctx)

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Address,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// restoreOrders reports requests left unresolved by a previous run and marks
// those past their keeper window as timed out.
func (a *App) restoreOrders(ctx context.Context) {
	a.releaseStaleClaims(ctx)
	records, err := a.ledger.List(ctx, common.Address{})
	if err != nil {
		a.log.Warn("order ledger restore failed", zap.Error(err))
		return
	}
	now := a.now()
	for _, rec := range records {
		if rec.State != order.StateRequested {
			continue
		}
		if rec.ExecuteBefore.IsZero() || now.Before(rec.ExecuteBefore) {
			a.log.Info("order awaiting keeper", zap.String("tx", rec.TxHash), zap.Time("execute_before", rec.ExecuteBefore))
			continue
		}
		updated, err := a.ledger.Apply(ctx, common.HexToHash(rec.TxHash), order.EventWindowElapsed)
		if err != nil {
			a.log.Warn("order restore failed", zap.String("tx", rec.TxHash), zap.Error(err))
			continue
		}
		a.log.Warn("order keeper window elapsed",
			zap.String("tx", updated.TxHash),
			zap.String("instrument", updated.Instrument.String()),
			zap.String("state", string(updated.State)),
		)
	}
}

// releaseStaleClaims frees client order ids left pending by a process that
// stopped between claiming an id and recording its transaction. Nothing is
// in flight before the server starts.
func (a *App) releaseStaleClaims(ctx context.Context) {
	ids, err := a.ledger.PendingClaims(ctx)
	if err != nil {
		a.log.Warn("pending client order ids lookup failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := a.ledger.Release(ctx, id); err != nil {
			a.log.Warn("failed to release client order id", zap.String("client_order_id", id), zap.Error(err))
			continue
		}
		a.log.Warn("released stale client order id", zap.String("client_order_id", id))
	}
}

func (a *App) close() {
	if a.timescale != nil {
		if err := a.timescale.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
