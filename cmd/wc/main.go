// Command wc runs the WorkflowController: the stateless orchestrator of
// business verbs (add inventory, reserve, query) over the
// TransactionManager and the per-table ResourceManagers, served over
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
	"github.com/rkozak/travelres/internal/wc"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.LoadWCConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wc: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("wc")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	httpClient := &http.Client{Timeout: 10 * time.Second}

	rms := make(map[string]wc.RMClient, len(cfg.RMAddrs))
	for table, addr := range cfg.RMAddrs {
		rms[table] = wc.NewHTTPRMClient(addr, httpClient)
	}
	for _, required := range []string{wc.TableFlights, wc.TableCars, wc.TableRooms, wc.TableCustomers, wc.TableReservations} {
		if _, ok := rms[required]; !ok {
			logger.Warn("no RM address configured for table, business verbs against it will fail",
				zap.String("table", required))
		}
	}

	ctl := wc.New(wc.Config{
		TM:            wc.NewHTTPTMClient(cfg.TMAddr, httpClient),
		RMs:           rms,
		Logger:        logger,
		AutoAbort:     cfg.AutoAbort,
		CommitTimeout: cfg.CommitTimeout,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: wc.NewServer(ctl, logger),
	}

	go func() {
		logger.Info("wc listening", zap.String("addr", cfg.ListenAddr))
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
