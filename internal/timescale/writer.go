package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leverage-engine/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Amount columns are NUMERIC and receive decimal strings unchanged.

type LiquidityRow struct {
	Time                  time.Time
	IndexToken            string
	CollateralToken       string
	Side                  string
	PoolAmount            string
	ReservedAmount        string
	AvailableLiquidity    string
	AvailableLiquidityUSD string
	MaxGlobalSize         string
	FundingRateCumulative string
	OraclePriceUSD        string
	MaxLeverage           string
}

type PositionRow struct {
	Time             time.Time
	Account          string
	IndexToken       string
	CollateralToken  string
	Side             string
	HasPosition      bool
	SizeUSD          string
	CollateralUSD    string
	AveragePrice     string
	MarkPrice        string
	UnrealizedPnlUSD string
	UnrealizedPnlPct string
	FundingFeeUSD    string
	Leverage         string
}

type OrderRow struct {
	Time            time.Time
	ID              string
	TxHash          string
	Kind            string
	Account         string
	IndexToken      string
	CollateralToken string
	Side            string
	SizeDeltaUSD    string
	AcceptablePrice string
	ExecutionFeeWei string
	State           string
}

// Writer records snapshots synchronously on the calling goroutine. Write
// failures are logged and never returned to the caller.
type Writer struct {
	db     *sql.DB
	log    *zap.Logger
	schema string
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	writer := &Writer{db: db, log: log, schema: schema}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

var tables = []struct {
	name    string
	columns string
}{
	{"liquidity_snapshots", `
		ts TIMESTAMPTZ NOT NULL,
		index_token TEXT NOT NULL,
		collateral_token TEXT NOT NULL,
		side TEXT NOT NULL,
		pool_amount NUMERIC NOT NULL,
		reserved_amount NUMERIC NOT NULL,
		available_liquidity NUMERIC NOT NULL,
		available_liquidity_usd NUMERIC NOT NULL,
		max_global_size NUMERIC NOT NULL,
		funding_rate_cumulative NUMERIC NOT NULL,
		oracle_price_usd NUMERIC NOT NULL,
		max_leverage NUMERIC NOT NULL`},
	{"position_snapshots", `
		ts TIMESTAMPTZ NOT NULL,
		account TEXT NOT NULL,
		index_token TEXT NOT NULL,
		collateral_token TEXT NOT NULL,
		side TEXT NOT NULL,
		has_position BOOLEAN NOT NULL,
		size_usd NUMERIC NOT NULL,
		collateral_usd NUMERIC NOT NULL,
		average_price NUMERIC NOT NULL,
		mark_price NUMERIC NOT NULL,
		unrealized_pnl_usd NUMERIC NOT NULL,
		unrealized_pnl_pct NUMERIC NOT NULL,
		funding_fee_usd NUMERIC NOT NULL,
		leverage NUMERIC NOT NULL`},
	{"order_requests", `
		ts TIMESTAMPTZ NOT NULL,
		id TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		account TEXT NOT NULL,
		index_token TEXT NOT NULL,
		collateral_token TEXT NOT NULL,
		side TEXT NOT NULL,
		size_delta_usd NUMERIC NOT NULL,
		acceptable_price NUMERIC NOT NULL,
		execution_fee_wei NUMERIC NOT NULL,
		state TEXT NOT NULL`},
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	for _, t := range tables {
		if err := w.exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n\t)", w.table(t.name), t.columns)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, t := range tables {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(t.name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", t.name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) WriteLiquidity(ctx context.Context, row LiquidityRow) {
	if w == nil || w.db == nil {
		return
	}
	w.insert(ctx, "liquidity_snapshots", liquidityColumns, liquidityArgs(row))
}

func (w *Writer) WritePosition(ctx context.Context, row PositionRow) {
	if w == nil || w.db == nil {
		return
	}
	w.insert(ctx, "position_snapshots", positionColumns, positionArgs(row))
}

func (w *Writer) WriteOrder(ctx context.Context, row OrderRow) {
	if w == nil || w.db == nil {
		return
	}
	w.insert(ctx, "order_requests", orderColumns, orderArgs(row))
}

var (
	liquidityColumns = []string{"ts", "index_token", "collateral_token", "side", "pool_amount", "reserved_amount",
		"available_liquidity", "available_liquidity_usd", "max_global_size", "funding_rate_cumulative", "oracle_price_usd", "max_leverage"}
	positionColumns = []string{"ts", "account", "index_token", "collateral_token", "side", "has_position", "size_usd",
		"collateral_usd", "average_price", "mark_price", "unrealized_pnl_usd", "unrealized_pnl_pct", "funding_fee_usd", "leverage"}
	orderColumns = []string{"ts", "id", "tx_hash", "kind", "account", "index_token", "collateral_token", "side",
		"size_delta_usd", "acceptable_price", "execution_fee_wei", "state"}
)

func liquidityArgs(r LiquidityRow) []any {
	return []any{r.Time, r.IndexToken, r.CollateralToken, r.Side, r.PoolAmount, r.ReservedAmount,
		r.AvailableLiquidity, r.AvailableLiquidityUSD, r.MaxGlobalSize, r.FundingRateCumulative, r.OraclePriceUSD, r.MaxLeverage}
}

func positionArgs(r PositionRow) []any {
	return []any{r.Time, r.Account, r.IndexToken, r.CollateralToken, r.Side, r.HasPosition, r.SizeUSD,
		r.CollateralUSD, r.AveragePrice, r.MarkPrice, r.UnrealizedPnlUSD, r.UnrealizedPnlPct, r.FundingFeeUSD, r.Leverage}
}

func orderArgs(r OrderRow) []any {
	return []any{r.Time, r.ID, r.TxHash, r.Kind, r.Account, r.IndexToken, r.CollateralToken, r.Side,
		r.SizeDeltaUSD, r.AcceptablePrice, r.ExecutionFeeWei, r.State}
}

func insertQuery(table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ","))
}

func (w *Writer) insert(ctx context.Context, table string, columns []string, args []any) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, insertQuery(w.table(table), columns), args...); err != nil {
		w.log.Warn("timescale insert failed", zap.String("table", table), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
