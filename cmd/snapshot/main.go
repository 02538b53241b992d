package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/loangraph/loansync/internal/blockchain"
	"github.com/loangraph/loansync/internal/config"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/fetcher"
	"github.com/loangraph/loansync/internal/observability"
)

// snapshot prints the current loan set of a pool, or of one borrower in it,
// as read from the chain in batched calls.
func main() {
	cfg := config.Load()
	pool := flag.String("pool", "", "lending pool contract address")
	account := flag.String("account", "", "borrower address; empty reads the whole pool")
	fromBlock := flag.Uint64("from-block", cfg.ChainStartBlock, "first block scanned for borrower loans")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline")
	flag.Parse()

	logger := observability.NewLogger(cfg.Env, cfg.LogLevel)

	scope, err := loan.ParseScope(*pool, *account)
	if err != nil {
		logger.Error("invalid scope", "err", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, contract, err := blockchain.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect chain rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	logs := blockchain.NewLogSource(client.Eth(), contract, client.Streaming(), cfg.EventPollInterval, logger)
	f := fetcher.New(client, contract, logs, cfg.FetchMaxBatchIDs, nil, logger)

	var snap loan.Snapshot
	if scope.Account != nil {
		snap, err = f.FetchForAccount(ctx, scope.Pool, *scope.Account, *fromBlock)
	} else {
		snap, err = f.FetchAll(ctx, scope.Pool)
	}
	if err != nil {
		logger.Error("fetch failed", "scope", scope.Key(), "err", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"scope":        scope.Key(),
		"block_number": snap.BlockNumber,
		"loans":        snap.Loans,
	}); err != nil {
		logger.Error("encode snapshot", "err", err)
		os.Exit(1)
	}
}
