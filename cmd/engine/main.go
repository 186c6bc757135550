package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"leverage-engine/internal/app"
	"leverage-engine/internal/config"
	"leverage-engine/internal/logging"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config; missing is fine")
	checkOnly := flag.Bool("check", false, "validate config and network, then exit")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv %s: %v\n", *envPath, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config %s: %v\n", *configPath, err)
		return 1
	}
	if *checkOnly {
		summary, err := check(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(summary)
		return 0
	}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	engine, err := app.New(cfg, log)
	if err != nil {
		log.Error("engine startup failed", zap.String("config", *configPath), zap.Error(err))
		return 1
	}
	log.Info("engine ready",
		zap.String("config", *configPath),
		zap.String("network", cfg.Network.Name),
		zap.String("address", cfg.HTTP.Address),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", zap.Error(err))
		return 1
	}
	log.Info("engine stopped")
	return 0
}

func check(cfg *config.Config) (string, error) {
	network, err := cfg.Network.Build()
	if err != nil {
		return "", fmt.Errorf("network %s: %w", cfg.Network.Name, err)
	}
	return fmt.Sprintf("config ok: network %s chain %d", network.Name, network.ChainID), nil
}
