package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/loangraph/loansync/internal/blockchain"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBatchFailed marks a batch in which at least one read failed. Nothing
// from such a batch is returned; callers retry the whole fetch.
var ErrBatchFailed = errors.New("loan batch failed")

const defaultMaxBatchIDs = 200

// EventQuerier recovers historical loan events for account-scoped fetches.
type EventQuerier interface {
	QueryLoanEvents(ctx context.Context, pool common.Address, kinds []loan.EventKind, account *common.Address, fromBlock uint64) ([]loan.Event, error)
}

// Batch is the result of one fetch, positionally aligned with the requested ids.
type Batch struct {
	IDs         []uint64
	Loans       []loan.Record
	Details     []loan.Details
	BlockNumber uint64
}

// Records zips loans with their details by index.
func (b Batch) Records() []loan.Record {
	out := make([]loan.Record, len(b.Loans))
	for i, l := range b.Loans {
		l.Details = b.Details[i]
		out[i] = l
	}
	return out
}

type Fetcher struct {
	caller      blockchain.BatchCaller
	contract    *blockchain.Contract
	events      EventQuerier
	maxBatchIDs int
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

func New(caller blockchain.BatchCaller, contract *blockchain.Contract, events EventQuerier, maxBatchIDs int, metrics *observability.Metrics, logger *slog.Logger) *Fetcher {
	if maxBatchIDs <= 0 {
		maxBatchIDs = defaultMaxBatchIDs
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Fetcher{
		caller:      caller,
		contract:    contract,
		events:      events,
		maxBatchIDs: maxBatchIDs,
		metrics:     metrics,
		tracer:      otel.Tracer("github.com/loangraph/loansync/internal/fetcher"),
		logger:      logger,
	}
}

func (f *Fetcher) Schema() loan.Schema {
	return f.contract.Schema()
}

// FetchLoans reads loans(id) and loanDetails(id) for every id plus the
// current block number in a single batch of 2*len(ids)+1 requests, so the
// block number describes the same chain state as the records.
func (f *Fetcher) FetchLoans(ctx context.Context, pool common.Address, ids []uint64) (batch Batch, err error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.FetchLoans", trace.WithAttributes(
		attribute.String("pool", pool.Hex()),
		attribute.Int("loan_ids", len(ids)),
	))
	defer func() { endSpan(span, err) }()
	return f.fetchLoans(ctx, pool, ids, "batch", nil)
}

// fetchLoans reads ids in one batch. With at nil the calls run against
// "latest" and the batch carries its own eth_blockNumber; otherwise every
// call is pinned to block *at and the batch reports that block.
func (f *Fetcher) fetchLoans(ctx context.Context, pool common.Address, ids []uint64, kind string, at *uint64) (Batch, error) {
	start := time.Now()
	defer func() {
		f.metrics.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	tag := "latest"
	if at != nil {
		tag = hexutil.EncodeUint64(*at)
	}
	elems := make([]rpc.BatchElem, 0, 2*len(ids)+1)
	loanOut := make([]hexutil.Bytes, len(ids))
	detailOut := make([]hexutil.Bytes, len(ids))
	for i, id := range ids {
		loanCall, err := f.contract.PackLoan(id)
		if err != nil {
			return Batch{}, fmt.Errorf("pack loans(%d): %w", id, err)
		}
		detailCall, err := f.contract.PackLoanDetails(id)
		if err != nil {
			return Batch{}, fmt.Errorf("pack loanDetails(%d): %w", id, err)
		}
		elems = append(elems,
			rpc.BatchElem{Method: "eth_call", Args: []any{blockchain.CallArgs(pool, loanCall), tag}, Result: &loanOut[i]},
			rpc.BatchElem{Method: "eth_call", Args: []any{blockchain.CallArgs(pool, detailCall), tag}, Result: &detailOut[i]},
		)
	}
	var head hexutil.Uint64
	if at != nil {
		head = hexutil.Uint64(*at)
	} else {
		elems = append(elems, rpc.BatchElem{Method: "eth_blockNumber", Result: &head})
	}

	if err := f.caller.BatchCallContext(ctx, elems); err != nil {
		f.metrics.FetchErrors.WithLabelValues(kind).Inc()
		return Batch{}, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	for i, el := range elems {
		if el.Error == nil {
			continue
		}
		f.metrics.FetchErrors.WithLabelValues(kind).Inc()
		if i == 2*len(ids) {
			return Batch{}, fmt.Errorf("%w: eth_blockNumber: %v", ErrBatchFailed, el.Error)
		}
		return Batch{}, fmt.Errorf("%w: loan %d: %v", ErrBatchFailed, ids[i/2], el.Error)
	}

	out := Batch{
		IDs:         append([]uint64(nil), ids...),
		Loans:       make([]loan.Record, len(ids)),
		Details:     make([]loan.Details, len(ids)),
		BlockNumber: uint64(head),
	}
	for i, id := range ids {
		rec, err := f.contract.UnpackLoan(loanOut[i])
		if err != nil {
			f.metrics.FetchErrors.WithLabelValues(kind).Inc()
			return Batch{}, fmt.Errorf("%w: loan %d: %v", ErrBatchFailed, id, err)
		}
		details, err := f.contract.UnpackLoanDetails(detailOut[i])
		if err != nil {
			f.metrics.FetchErrors.WithLabelValues(kind).Inc()
			return Batch{}, fmt.Errorf("%w: loan %d details: %v", ErrBatchFailed, id, err)
		}
		out.Loans[i] = rec
		out.Details[i] = details
	}
	return out, nil
}

// FetchOne reads a single loan: loan, details and block number in one batch of 3.
func (f *Fetcher) FetchOne(ctx context.Context, pool common.Address, id uint64) (update loan.PendingUpdate, err error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.FetchOne", trace.WithAttributes(
		attribute.String("pool", pool.Hex()),
		attribute.Int64("loan_id", int64(id)),
	))
	defer func() { endSpan(span, err) }()

	batch, err := f.fetchLoans(ctx, pool, []uint64{id}, "single", nil)
	if err != nil {
		return loan.PendingUpdate{}, err
	}
	return loan.PendingUpdate{Loan: batch.Records()[0], BlockNumber: batch.BlockNumber}, nil
}

// LoansCount reads loansCount() together with the block number.
func (f *Fetcher) LoansCount(ctx context.Context, pool common.Address) (uint64, uint64, error) {
	call, err := f.contract.PackLoansCount()
	if err != nil {
		return 0, 0, fmt.Errorf("pack loansCount: %w", err)
	}
	var raw hexutil.Bytes
	var head hexutil.Uint64
	elems := []rpc.BatchElem{
		{Method: "eth_call", Args: []any{blockchain.CallArgs(pool, call), "latest"}, Result: &raw},
		{Method: "eth_blockNumber", Result: &head},
	}
	if err := f.caller.BatchCallContext(ctx, elems); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	for _, el := range elems {
		if el.Error != nil {
			return 0, 0, fmt.Errorf("%w: %s: %v", ErrBatchFailed, el.Method, el.Error)
		}
	}
	n, err := f.contract.UnpackLoansCount(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	return n, uint64(head), nil
}

// FetchAll fetches every loan of the pool, ids 1..loansCount. Pools larger
// than the batch limit are read in chunks, all pinned to the block the count
// was read at, so the snapshot describes a single chain state.
func (f *Fetcher) FetchAll(ctx context.Context, pool common.Address) (snap loan.Snapshot, err error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.FetchAll", trace.WithAttributes(attribute.String("pool", pool.Hex())))
	defer func() { endSpan(span, err) }()

	count, countBlock, err := f.LoansCount(ctx, pool)
	if err != nil {
		return loan.Snapshot{}, err
	}
	span.SetAttributes(attribute.Int64("loans_count", int64(count)))
	if count == 0 {
		return loan.Snapshot{Loans: []loan.Record{}, BlockNumber: countBlock}, nil
	}
	ids := make([]uint64, 0, count)
	for id := uint64(1); id <= count; id++ {
		ids = append(ids, id)
	}
	return f.fetchChunked(ctx, pool, ids, countBlock)
}

// FetchForAccount fetches the loans a borrower created, discovered through
// historical creation events starting at fromBlock.
func (f *Fetcher) FetchForAccount(ctx context.Context, pool, account common.Address, fromBlock uint64) (snap loan.Snapshot, err error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.FetchForAccount", trace.WithAttributes(
		attribute.String("pool", pool.Hex()),
		attribute.String("account", account.Hex()),
	))
	defer func() { endSpan(span, err) }()

	if f.events == nil {
		return loan.Snapshot{}, fmt.Errorf("account fetch requires an event querier")
	}
	events, err := f.events.QueryLoanEvents(ctx, pool, loan.CreationKinds(f.Schema()), &account, fromBlock)
	if err != nil {
		return loan.Snapshot{}, fmt.Errorf("query loan events: %w", err)
	}
	ids := distinctLoanIDs(events)
	if len(ids) == 0 {
		_, head, err := f.LoansCount(ctx, pool)
		if err != nil {
			return loan.Snapshot{}, err
		}
		return loan.Snapshot{Loans: []loan.Record{}, BlockNumber: head}, nil
	}
	var head uint64
	if len(ids) > f.maxBatchIDs {
		if head, err = f.blockNumber(ctx); err != nil {
			return loan.Snapshot{}, err
		}
	}
	return f.fetchChunked(ctx, pool, ids, head)
}

// fetchChunked reads ids in a single batch when they fit, otherwise in
// chunks pinned to block head.
func (f *Fetcher) fetchChunked(ctx context.Context, pool common.Address, ids []uint64, head uint64) (loan.Snapshot, error) {
	if len(ids) <= f.maxBatchIDs {
		batch, err := f.fetchLoans(ctx, pool, ids, "batch", nil)
		if err != nil {
			return loan.Snapshot{}, err
		}
		f.logger.Debug("fetched loans", "pool", pool.Hex(), "count", len(ids), "block", batch.BlockNumber)
		return loan.Snapshot{Loans: batch.Records(), BlockNumber: batch.BlockNumber}, nil
	}

	snap := loan.Snapshot{Loans: make([]loan.Record, 0, len(ids)), BlockNumber: head}
	for start := 0; start < len(ids); start += f.maxBatchIDs {
		end := min(len(ids), start+f.maxBatchIDs)
		batch, err := f.fetchLoans(ctx, pool, ids[start:end], "batch", &head)
		if err != nil {
			return loan.Snapshot{}, err
		}
		snap.Loans = append(snap.Loans, batch.Records()...)
	}
	f.logger.Debug("fetched loans", "pool", pool.Hex(), "count", len(snap.Loans), "block", snap.BlockNumber)
	return snap, nil
}

func (f *Fetcher) blockNumber(ctx context.Context) (uint64, error) {
	var head hexutil.Uint64
	elems := []rpc.BatchElem{{Method: "eth_blockNumber", Result: &head}}
	if err := f.caller.BatchCallContext(ctx, elems); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	if elems[0].Error != nil {
		return 0, fmt.Errorf("%w: eth_blockNumber: %v", ErrBatchFailed, elems[0].Error)
	}
	return uint64(head), nil
}

func distinctLoanIDs(events []loan.Event) []uint64 {
	seen := make(map[uint64]struct{}, len(events))
	out := make([]uint64, 0, len(events))
	for _, ev := range events {
		if ev.Removed {
			continue
		}
		if _, ok := seen[ev.LoanID]; ok {
			continue
		}
		seen[ev.LoanID] = struct{}{}
		out = append(out, ev.LoanID)
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
