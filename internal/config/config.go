package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"leverage-engine/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Chain     ChainConfig     `yaml:"chain"`
	Network   NetworkConfig   `yaml:"network"`
	Engine    EngineConfig    `yaml:"engine"`
	State     StateConfig     `yaml:"state"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	Timeout             time.Duration `yaml:"timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	ApprovalTimeout     time.Duration `yaml:"approval_timeout"`
}

type NetworkConfig struct {
	Name           string                 `yaml:"name"`
	ChainID        int64                  `yaml:"chain_id"`
	Vault          string                 `yaml:"vault"`
	PriceFeed      string                 `yaml:"price_feed"`
	Router         string                 `yaml:"router"`
	PositionRouter string                 `yaml:"position_router"`
	Tokens         map[string]TokenConfig `yaml:"tokens"`
}

type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
	Native   bool   `yaml:"native"`
	Stable   bool   `yaml:"stable"`
}

// EngineConfig holds the protocol limits the engine enforces before any
// write. Leverage ceilings are configuration, not chain state.
type EngineConfig struct {
	MaxLeverageLong  float64 `yaml:"max_leverage_long"`
	MaxLeverageShort float64 `yaml:"max_leverage_short"`
	MinLeverage      float64 `yaml:"min_leverage"`
	MinCollateralUSD float64 `yaml:"min_collateral_usd"`
	MinSizeUSD       float64 `yaml:"min_size_usd"`
	OpenSlippageBps  uint32  `yaml:"open_slippage_bps"`
	CloseSlippageBps uint32  `yaml:"close_slippage_bps"`
	ExecutionFeeWei  string  `yaml:"execution_fee_wei"`
	ReferralCode     string  `yaml:"referral_code"`
	CallbackTarget   string  `yaml:"callback_target"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type HTTPConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.Timeout == 0 {
		cfg.Chain.Timeout = 15 * time.Second
	}
	if cfg.Chain.ReceiptPollInterval == 0 {
		cfg.Chain.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.Chain.ApprovalTimeout == 0 {
		cfg.Chain.ApprovalTimeout = 90 * time.Second
	}
	if cfg.Engine.MaxLeverageLong == 0 {
		cfg.Engine.MaxLeverageLong = 11
	}
	if cfg.Engine.MaxLeverageShort == 0 {
		cfg.Engine.MaxLeverageShort = 10
	}
	if cfg.Engine.MinLeverage == 0 {
		cfg.Engine.MinLeverage = 1.1
	}
	if cfg.Engine.MinCollateralUSD == 0 {
		cfg.Engine.MinCollateralUSD = 10
	}
	if cfg.Engine.MinSizeUSD == 0 {
		cfg.Engine.MinSizeUSD = 11
	}
	if cfg.Engine.OpenSlippageBps == 0 {
		cfg.Engine.OpenSlippageBps = 30
	}
	if cfg.Engine.CloseSlippageBps == 0 {
		cfg.Engine.CloseSlippageBps = 200
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/leverage-engine.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = "127.0.0.1:8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 60 * time.Second
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return errors.New("chain.rpc_url is required")
	}
	if cfg.Engine.MinLeverage < 1 {
		return errors.New("engine.min_leverage must be >= 1")
	}
	if cfg.Engine.MaxLeverageLong < cfg.Engine.MinLeverage || cfg.Engine.MaxLeverageShort < cfg.Engine.MinLeverage {
		return errors.New("engine max leverage must be >= engine.min_leverage")
	}
	if cfg.Engine.MinCollateralUSD <= 0 {
		return errors.New("engine.min_collateral_usd must be > 0")
	}
	if cfg.Engine.MinSizeUSD < 0 {
		return errors.New("engine.min_size_usd must be >= 0")
	}
	if cfg.Engine.OpenSlippageBps >= 10_000 || cfg.Engine.CloseSlippageBps >= 10_000 {
		return errors.New("engine slippage must be < 10000 bps")
	}
	if fee := strings.TrimSpace(cfg.Engine.ExecutionFeeWei); fee != "" {
		d, err := decimal.NewFromString(fee)
		if err != nil || d.IsNegative() || !d.IsInteger() {
			return fmt.Errorf("engine.execution_fee_wei must be a non-negative integer, got %q", fee)
		}
	}
	if len(cfg.Engine.ReferralCode) > 32 {
		return errors.New("engine.referral_code must be at most 32 bytes")
	}
	if target := strings.TrimSpace(cfg.Engine.CallbackTarget); target != "" && !common.IsHexAddress(target) {
		return fmt.Errorf("engine.callback_target is not an address: %q", target)
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if _, err := cfg.Network.Build(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	return nil
}

// Build converts the yaml descriptor into the injected protocol.Network.
func (n NetworkConfig) Build() (*protocol.Network, error) {
	contracts := protocol.Contracts{}
	for _, field := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"vault", n.Vault, &contracts.Vault},
		{"price_feed", n.PriceFeed, &contracts.PriceFeed},
		{"router", n.Router, &contracts.Router},
		{"position_router", n.PositionRouter, &contracts.PositionRouter},
	} {
		addr, err := parseAddress(field.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = addr
	}
	tokens := make(map[protocol.Token]protocol.TokenInfo, len(n.Tokens))
	for symbol, tc := range n.Tokens {
		token, err := protocol.ParseToken(symbol)
		if err != nil {
			return nil, err
		}
		addr, err := parseAddress(tc.Address)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", symbol, err)
		}
		tokens[token] = protocol.TokenInfo{
			Address:  addr,
			Decimals: tc.Decimals,
			Native:   tc.Native,
			Stable:   tc.Stable,
		}
	}
	return protocol.NewNetwork(n.Name, n.ChainID, contracts, tokens)
}

func parseAddress(raw string) (common.Address, error) {
	clean := strings.TrimSpace(raw)
	if !common.IsHexAddress(clean) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(clean), nil
}
