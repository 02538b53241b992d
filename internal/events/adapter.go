package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/observability"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// LoanReader fetches one loan with the block it was observed at.
type LoanReader interface {
	FetchOne(ctx context.Context, pool common.Address, id uint64) (loan.PendingUpdate, error)
}

// Sink receives pending updates keyed by scope. The merge store satisfies it.
type Sink interface {
	ApplyUpdate(scope loan.Scope, rec loan.Record, block uint64) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(scope loan.Scope, rec loan.Record, block uint64) bool

func (f SinkFunc) ApplyUpdate(scope loan.Scope, rec loan.Record, block uint64) bool {
	return f(scope, rec, block)
}

type Options struct {
	// Concurrency bounds in-flight single-loan fetches per stream.
	Concurrency int
	// RPS throttles single-loan fetches per adapter; zero disables throttling.
	RPS float64
}

// Adapter turns loan event notifications into fresh single-loan reads. Event
// payloads are never trusted beyond the loan id.
type Adapter struct {
	reader      LoanReader
	limiter     *rate.Limiter
	concurrency int
	metrics     *observability.Metrics
	logger      *slog.Logger
}

func NewAdapter(reader LoanReader, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Adapter {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Adapter{
		reader:      reader,
		limiter:     limiter,
		concurrency: opts.Concurrency,
		metrics:     metrics,
		logger:      logger,
	}
}

// OnLoanEvent re-reads the loan named by an event and hands the result to
// sink under scope. Re-delivery is harmless: the sink dedups by id and block.
func (a *Adapter) OnLoanEvent(ctx context.Context, scope loan.Scope, loanID uint64, sink Sink) (loan.PendingUpdate, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return loan.PendingUpdate{}, err
	}
	update, err := a.reader.FetchOne(ctx, scope.Pool, loanID)
	if err != nil {
		return loan.PendingUpdate{}, fmt.Errorf("fetch loan %d: %w", loanID, err)
	}
	if !scope.Matches(update.Loan) {
		a.logger.Debug("loan outside scope ignored", "scope", scope.Key(), "loan_id", loanID, "borrower", update.Loan.Borrower)
		return update, nil
	}
	sink.ApplyUpdate(scope, update.Loan, update.BlockNumber)
	return update, nil
}

// Run consumes events until the stream closes or ctx ends. Each event is
// fetched concurrently; failures are logged and dropped since the next event
// for the loan, or the next full reload, supersedes them.
func (a *Adapter) Run(ctx context.Context, scope loan.Scope, stream <-chan loan.Event, sink Sink) error {
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			a.metrics.EventsReceived.WithLabelValues(string(ev.Kind)).Inc()
			if ev.Removed {
				a.logger.Debug("removed log skipped", "scope", scope.Key(), "loan_id", ev.LoanID, "tx", ev.TxHash)
				continue
			}
			g.Go(func() error {
				if _, err := a.OnLoanEvent(ctx, scope, ev.LoanID, sink); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Warn("loan event fetch failed", "scope", scope.Key(), "kind", ev.Kind, "loan_id", ev.LoanID, "block", ev.BlockNumber, "err", err)
				}
				return nil
			})
		}
	}
}
