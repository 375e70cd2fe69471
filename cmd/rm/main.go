// Command rm runs a single-table ResourceManager: paged bbolt storage,
// row locks, OCC validation and two-phase prepare/commit/abort, served
// over HTTP/JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/config"
	"github.com/rkozak/travelres/internal/logging"
	"github.com/rkozak/travelres/internal/rm"
	"github.com/rkozak/travelres/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadRMConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("rm-" + cfg.Table)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, cfg.Table+".db"), 0o600, nil)
	if err != nil {
		logger.Fatal("open page store", zap.Error(err))
	}
	defer db.Close()

	io, err := storage.NewBoltPageIO(db, cfg.Table)
	if err != nil {
		logger.Fatal("open page bucket", zap.Error(err))
	}

	journal, err := storage.OpenPrepareJournal(filepath.Join(cfg.DataDir, cfg.Table+".prepare.db"))
	if err != nil {
		logger.Fatal("open prepare journal", zap.Error(err))
	}
	defer journal.Close()

	var index storage.Index
	switch cfg.IndexStrategy {
	case "composite":
		index = storage.CompositeIndex{ColumnWidths: cfg.CompositeWidths, PageColumns: cfg.CompositeCols}
	default:
		index = storage.PrefixIndex{PrefixLen: cfg.PrefixLen}
	}

	mgr := rm.New(rm.Config{
		Table:    cfg.Table,
		Endpoint: "http://" + localAdvertiseAddr(cfg.ListenAddr),
		Index:    index,
		IO:       io,
		Journal:  journal,
		TM:       rm.NewTMClient(cfg.TMAddr),
		Logger:   logger,
		PoolSize: cfg.PoolSize,
	})

	ctx := context.Background()
	if err := mgr.Recover(ctx); err != nil {
		logger.Fatal("recover prepared transactions", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: rm.NewServer(mgr, logger),
	}

	go func() {
		logger.Info("rm listening", zap.String("table", cfg.Table), zap.String("addr", cfg.ListenAddr))
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

// localAdvertiseAddr turns a ":port"-style listen address into a
// loopback-reachable one, since RM-to-RM calls never happen but the TM
// needs a usable callback address for this process's own endpoint.
func localAdvertiseAddr(listenAddr string) string {
	if len(listenAddr) > 0 && listenAddr[0] == ':' {
		return "localhost" + listenAddr
	}
	return listenAddr
}
