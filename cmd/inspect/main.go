// Command inspect prints the liquidity and position snapshots for one
// instrument. It never sends a transaction.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"leverage-engine/internal/app"
	"leverage-engine/internal/config"
	"leverage-engine/internal/logging"
	"leverage-engine/internal/protocol"
	"leverage-engine/internal/state"

	"go.uber.org/zap"
)

const (
	accountEnv      = "ENGINE_ACCOUNT"
	defaultEnvFile  = ".env"
	inspectDeadline = 30 * time.Second
)

type report struct {
	Network   string `json:"network"`
	Liquidity any    `json:"liquidity"`
	Position  any    `json:"position,omitempty"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	index := flag.String("index", "ETH", "index token symbol")
	collateral := flag.String("collateral", "", "collateral token symbol (defaults to the index token for longs)")
	side := flag.String("side", "long", "long or short")
	account := flag.String("account", "", "account to read the position for (defaults to "+accountEnv+")")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	inst, err := parseInstrument(*index, *collateral, *side)
	if err != nil {
		fatal(err)
	}
	network, err := cfg.Network.Build()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), inspectDeadline)
	defer cancel()
	client, err := app.Dial(ctx, cfg, network, log)
	if err != nil {
		fatal(err)
	}
	eng, _, err := app.Build(cfg, network, app.Chain{Reader: client, Receipts: client}, state.NewMemory(), nil, log, nil)
	if err != nil {
		fatal(err)
	}

	out := report{Network: network.Name}
	liq, err := eng.GetLiquiditySnapshot(ctx, inst)
	if err != nil {
		fatal(err)
	}
	out.Liquidity = liq

	addr := strings.TrimSpace(*account)
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv(accountEnv))
	}
	if addr != "" {
		pos, err := eng.GetPositionSnapshot(ctx, inst, addr)
		if err != nil {
			fatal(err)
		}
		out.Position = pos
	} else {
		log.Info("no account given, skipping position", zap.String("env", accountEnv))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

func parseInstrument(index, collateral, side string) (protocol.Instrument, error) {
	var inst protocol.Instrument
	var err error
	if inst.Index, err = protocol.ParseToken(index); err != nil {
		return inst, err
	}
	if inst.Side, err = protocol.ParseSide(side); err != nil {
		return inst, err
	}
	if strings.TrimSpace(collateral) == "" {
		if !inst.Side.IsLong() {
			return inst, errors.New("short positions need -collateral")
		}
		inst.Collateral = inst.Index
		return inst, nil
	}
	inst.Collateral, err = protocol.ParseToken(collateral)
	return inst, err
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
	os.Exit(1)
}
