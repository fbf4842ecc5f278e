package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vorpalengineering/x402-gateway/facilitator"
	"github.com/vorpalengineering/x402-gateway/utils"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "facilitator/config.yaml", "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load config
	cfg, err := facilitator.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := utils.NewLogger(cfg.Log.Level)

	// Cancel on SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := facilitator.OpenLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	// Create and start facilitator
	f := facilitator.NewFacilitator(cfg,
		facilitator.WithLogger(logger),
		facilitator.WithLedger(ledger),
	)
	defer f.Close()

	if cfg.Transaction.Mode == facilitator.TransferModeOnchain {
		if err := f.DialRPCClients(); err != nil {
			return fmt.Errorf("failed to connect to RPC: %w", err)
		}
	}

	if err := f.Run(ctx); err != nil {
		return fmt.Errorf("failed to run facilitator: %w", err)
	}
	return nil
}
