package blockchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/loangraph/loansync/internal/domain/loan"
)

// LogClient is the subset of ethclient used for loan events.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// LogSource is the event subscription client. It streams loan events over
// eth_subscribe when the transport allows it and polls eth_getLogs otherwise.
type LogSource struct {
	client       LogClient
	contract     *Contract
	streaming    bool
	pollInterval time.Duration
	blockBatch   uint64
	logger       *slog.Logger
}

func NewLogSource(client LogClient, contract *Contract, streaming bool, pollInterval time.Duration, logger *slog.Logger) *LogSource {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSource{
		client:       client,
		contract:     contract,
		streaming:    streaming,
		pollInterval: pollInterval,
		blockBatch:   500,
		logger:       logger,
	}
}

func (s *LogSource) query(pool common.Address, kinds []loan.EventKind, account *common.Address) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{pool},
		Topics:    [][]common.Hash{s.contract.Topics(kinds)},
	}
	if account != nil {
		q.Topics = append(q.Topics, []common.Hash{common.BytesToHash(account.Bytes())})
	}
	return q
}

// QueryLoanEvents returns historical events from fromBlock to the current
// head, oldest first. The range is walked in fixed-size windows.
func (s *LogSource) QueryLoanEvents(ctx context.Context, pool common.Address, kinds []loan.EventKind, account *common.Address, fromBlock uint64) ([]loan.Event, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	return s.collect(ctx, s.query(pool, kinds, account), fromBlock, head)
}

func (s *LogSource) collect(ctx context.Context, q ethereum.FilterQuery, fromBlock, toBlock uint64) ([]loan.Event, error) {
	out := make([]loan.Event, 0)
	for from := fromBlock; from <= toBlock; {
		to := min(toBlock, from+s.blockBatch-1)
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
		logs, err := s.client.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
		}
		for _, lg := range logs {
			ev, ok, err := s.decodeLog(lg)
			if err != nil {
				return nil, err
			}
			if ok && !ev.Removed {
				out = append(out, ev)
			}
		}
		from = to + 1
	}
	return out, nil
}

// SubscribeLoanEvents delivers live events into sink until the returned
// subscription is released or ctx ends. Unsubscribe must be called exactly
// once by the owner; it blocks until delivery has stopped.
func (s *LogSource) SubscribeLoanEvents(ctx context.Context, pool common.Address, kinds []loan.EventKind, account *common.Address, sink chan<- loan.Event) (event.Subscription, error) {
	q := s.query(pool, kinds, account)
	if !s.streaming {
		return s.poll(ctx, q, sink)
	}

	logs := make(chan types.Log, 64)
	sub, err := s.client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				ev, ok, err := s.decodeLog(lg)
				if err != nil {
					s.logger.Warn("undecodable loan log", "pool", pool.Hex(), "tx", lg.TxHash.Hex(), "err", err)
					continue
				}
				if !ok {
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}), nil
}

func (s *LogSource) poll(ctx context.Context, q ethereum.FilterQuery, sink chan<- loan.Event) (event.Subscription, error) {
	cursor, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				head, err := s.client.BlockNumber(ctx)
				if err != nil {
					s.logger.Warn("poll block number failed", "err", err)
					continue
				}
				if head <= cursor {
					continue
				}
				events, err := s.collect(ctx, q, cursor+1, head)
				if err != nil {
					s.logger.Warn("poll loan logs failed", "from", cursor+1, "to", head, "err", err)
					continue
				}
				for _, ev := range events {
					select {
					case sink <- ev:
					case <-quit:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				cursor = head
			}
		}
	}), nil
}

func (s *LogSource) decodeLog(lg types.Log) (loan.Event, bool, error) {
	if len(lg.Topics) == 0 {
		return loan.Event{}, false, nil
	}
	kind, ok := s.contract.KindOf(lg.Topics[0])
	if !ok {
		return loan.Event{}, false, nil
	}
	if len(lg.Topics) < 2 {
		return loan.Event{}, false, fmt.Errorf("%s missing indexed borrower", kind)
	}
	id, err := s.contract.UnpackEventLoanID(kind, lg.Data)
	if err != nil {
		return loan.Event{}, false, err
	}
	return loan.Event{
		Kind:        kind,
		LoanID:      id,
		Borrower:    strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		BlockNumber: lg.BlockNumber,
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
	}, true, nil
}
