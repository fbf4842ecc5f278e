// Command gateway serves paid resources behind the x402 payment middleware,
// with a free catalog at GET /.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	facilitatorclient "github.com/vorpalengineering/x402-gateway/facilitator/client"
	"github.com/vorpalengineering/x402-gateway/utils"
)

func main() {
	configPath := flag.String("config", "cmd/gateway/config.yaml", "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := utils.NewLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []facilitatorclient.Option
	if cfg.FacilitatorAPIKey != "" {
		opts = append(opts, facilitatorclient.WithAPIKey(cfg.FacilitatorAPIKey))
	}
	fc := facilitatorclient.NewFacilitatorClient(cfg.FacilitatorURL, opts...)

	gin.SetMode(gin.ReleaseMode)
	router, err := newRouter(cfg, fc, &http.Client{Timeout: 30 * time.Second}, logger)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr, "network", cfg.Network, "facilitator", cfg.FacilitatorURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("gateway shutting down")
	return server.Shutdown(shutdownCtx)
}
