package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loangraph/loansync/internal/blockchain"
	"github.com/loangraph/loansync/internal/config"
	"github.com/loangraph/loansync/internal/db"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/events"
	"github.com/loangraph/loansync/internal/fetcher"
	"github.com/loangraph/loansync/internal/http/handlers"
	"github.com/loangraph/loansync/internal/observability"
	postgresrepo "github.com/loangraph/loansync/internal/repository/postgres"
	"github.com/loangraph/loansync/internal/server"
	"github.com/loangraph/loansync/internal/store"
	"github.com/loangraph/loansync/internal/subscription"
	"github.com/loangraph/loansync/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, contract, err := blockchain.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect chain rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	pingers := map[string]handlers.Pinger{"rpc": client}
	var archive subscription.SnapshotArchive
	var archiveHandler *handlers.ArchiveHandler
	if cfg.ArchiveEnabled() {
		pool, err := db.NewPostgresPool(ctx, cfg)
		if err != nil {
			logger.Error("failed to connect postgres", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate postgres", "err", err)
			os.Exit(1)
		}
		repo := postgresrepo.NewSnapshotRepository(pool)
		archive = repo
		archiveHandler = handlers.NewArchiveHandler(repo)
		pingers["database"] = pool
	}

	metrics := observability.NewMetrics()
	logs := blockchain.NewLogSource(client.Eth(), contract, client.Streaming(), cfg.EventPollInterval, logger)
	loanFetcher := fetcher.New(client, contract, logs, cfg.FetchMaxBatchIDs, metrics, logger)
	loanStore := store.New(metrics, logger)
	adapter := events.NewAdapter(loanFetcher, events.Options{
		Concurrency: cfg.EventFetchConcurrency,
		RPS:         cfg.EventFetchRPS,
	}, metrics, logger)
	manager := subscription.NewManager(subscription.Dependencies{
		Fetcher: loanFetcher,
		Source:  logs,
		Runner:  adapter,
		Store:   loanStore,
		Archive: archive,
		Metrics: metrics,
		Logger:  logger,
	}, subscription.Options{StartBlock: cfg.ChainStartBlock})
	defer manager.Close()

	hub := ws.NewHub()
	stopNotifier := ws.NewNotifier(loanStore, hub, logger).Start()
	defer stopNotifier()

	for _, raw := range cfg.WatchPools {
		scope, err := loan.ParseScope(raw, "")
		if err != nil {
			logger.Warn("skipping watched pool", "pool", raw, "err", err)
			continue
		}
		// Watched pools are held for the life of the process.
		if _, err := manager.Observe(context.Background(), scope); err != nil {
			logger.Error("failed to watch pool", "scope", scope.Key(), "err", err)
		}
	}

	r := server.NewRouter(cfg, logger, server.Dependencies{
		Pingers:        pingers,
		LoanHandler:    handlers.NewLoanHandler(manager, loanStore),
		ArchiveHandler: archiveHandler,
		WSHandler:      ws.NewHandler(hub, manager, loanStore, logger),
		Gatherer:       metrics.Registry,
		ReloadRPS:      cfg.ReloadRPS,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server starting", "addr", cfg.Addr(), "schema", contract.Schema(), "streaming", client.Streaming())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ReloadInterval > 0 {
		go func() {
			logger.Info("periodic reload enabled", "interval", cfg.ReloadInterval.String())
			if err := manager.RunReloads(sigCtx, cfg.ReloadInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic reload stopped", "err", err)
			}
		}()
	}

	if cfg.ScopeIdleTTL > 0 {
		go func() {
			logger.Info("idle scope eviction enabled", "ttl", cfg.ScopeIdleTTL.String())
			if err := manager.RunEviction(sigCtx, cfg.ScopeIdleTTL); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("idle scope eviction stopped", "err", err)
			}
		}()
	}

	<-sigCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api server stopped")
}
