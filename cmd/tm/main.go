// Command tm runs the cluster-wide TransactionManager: xid allocation,
// participant enlistment and the two-phase commit driver, served over
// HTTP/JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/config"
	"github.com/rkozak/travelres/internal/logging"
	"github.com/rkozak/travelres/internal/tm"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadTMConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tm: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("tm")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	mgr := tm.New(tm.Config{
		RM:             tm.NewHTTPRMClient(cfg.PrepareTimeout),
		Logger:         logger,
		PrepareTimeout: cfg.PrepareTimeout,
		CommitTimeout:  cfg.CommitTimeout,
		BroadcastRetry: cfg.BroadcastRetry,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: tm.NewServer(mgr, logger),
	}

	go func() {
		logger.Info("tm listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
