package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/events"
	"github.com/loangraph/loansync/internal/observability"
)

var ErrNotSubscribed = errors.New("scope not subscribed")

// Fetcher loads full snapshots.
type Fetcher interface {
	Schema() loan.Schema
	FetchAll(ctx context.Context, pool common.Address) (loan.Snapshot, error)
	FetchForAccount(ctx context.Context, pool, account common.Address, fromBlock uint64) (loan.Snapshot, error)
}

// EventSource registers live loan event listeners.
type EventSource interface {
	SubscribeLoanEvents(ctx context.Context, pool common.Address, kinds []loan.EventKind, account *common.Address, sink chan<- loan.Event) (event.Subscription, error)
}

// EventRunner turns a live event stream into store updates.
type EventRunner interface {
	Run(ctx context.Context, scope loan.Scope, stream <-chan loan.Event, sink events.Sink) error
}

type Store interface {
	InstallSnapshot(scope loan.Scope, loans []loan.Record, block uint64) bool
	ApplyUpdate(scope loan.Scope, rec loan.Record, block uint64) bool
	Forget(scope loan.Scope)
}

// SnapshotArchive persists the last installed snapshot per scope key.
type SnapshotArchive interface {
	Load(ctx context.Context, key string) (loan.Snapshot, bool, error)
	Save(ctx context.Context, key string, snap loan.Snapshot) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	// StartBlock bounds historical event queries for account scopes.
	StartBlock uint64
	// StreamBuffer is the per-subscription event channel capacity.
	StreamBuffer int
}

// Manager owns the registry of live scopes. The first EnsureSubscribed for
// a scope registers its event listener and starts the initial fetch; every
// later call only marks the scope as recently used until it is torn down or
// evicted.
type Manager struct {
	registry *Registry
	fetcher  Fetcher
	source   EventSource
	runner   EventRunner
	store    Store
	archive  SnapshotArchive
	opts     Options
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

type Dependencies struct {
	Registry *Registry
	Fetcher  Fetcher
	Source   EventSource
	Runner   EventRunner
	Store    Store
	// Archive is optional.
	Archive SnapshotArchive
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func NewManager(deps Dependencies, opts Options) *Manager {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 128
	}
	return &Manager{
		registry: deps.Registry,
		fetcher:  deps.Fetcher,
		source:   deps.Source,
		runner:   deps.Runner,
		store:    deps.Store,
		archive:  deps.Archive,
		opts:     opts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// EnsureSubscribed starts tracking scope. The listener is registered before
// the initial fetch so no event between the two is missed; the fetch itself
// runs in the background and a failure leaves the scope registered, waiting
// for Reload. The subscription outlives ctx; only its values are kept.
func (m *Manager) EnsureSubscribed(ctx context.Context, scope loan.Scope) error {
	_, err := m.acquire(ctx, scope, false)
	return err
}

// Observe is EnsureSubscribed for long-lived readers. The scope is not
// evicted as idle while any observer holds it; release drops the hold and
// may be called more than once.
func (m *Manager) Observe(ctx context.Context, scope loan.Scope) (release func(), err error) {
	sub, err := m.acquire(ctx, scope, true)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.mu.Lock()
			sub.observers--
			sub.lastSeen = m.now().UTC()
			sub.mu.Unlock()
		})
	}, nil
}

// acquire returns the live subscription for scope, starting one when absent.
// A subscription found mid-teardown is already out of the registry, so the
// next attempt starts a fresh one.
func (m *Manager) acquire(ctx context.Context, scope loan.Scope, observe bool) (*subscription, error) {
	for {
		sub, created := m.registry.getOrCreate(scope, func() *subscription {
			subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			now := m.now().UTC()
			return &subscription{
				id:        uuid.New(),
				scope:     scope,
				createdAt: now,
				lastSeen:  now,
				ctx:       subCtx,
				cancel:    cancel,
			}
		})
		if created {
			if err := m.start(sub); err != nil {
				return nil, err
			}
		}

		sub.mu.Lock()
		if sub.dead && !created {
			sub.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		sub.lastSeen = m.now().UTC()
		if observe {
			sub.observers++
		}
		sub.mu.Unlock()
		return sub, nil
	}
}

func (m *Manager) start(sub *subscription) error {
	scope := sub.scope
	stream := make(chan loan.Event, m.opts.StreamBuffer)
	listener, err := m.source.SubscribeLoanEvents(sub.ctx, scope.Pool, loan.EventKinds(m.fetcher.Schema()), scope.Account, stream)
	if err != nil {
		sub.mu.Lock()
		sub.dead = true
		m.registry.remove(scope.Key(), sub)
		sub.mu.Unlock()
		sub.cancel()
		return fmt.Errorf("subscribe %s: %w", scope.Key(), err)
	}

	sub.mu.Lock()
	if sub.dead {
		sub.mu.Unlock()
		listener.Unsubscribe()
		return nil
	}
	sub.listener = listener
	sub.mu.Unlock()

	m.metrics.ActiveSubscriptions.Inc()
	m.logger.Info("subscription started", "scope", scope.Key(), "subscription_id", sub.id.String())

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		if err := m.runner.Run(sub.ctx, scope, stream, m.guard(sub)); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("event stream stopped", "scope", scope.Key(), "err", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		select {
		case err, ok := <-listener.Err():
			if ok && err != nil {
				m.logger.Warn("event listener failed", "scope", scope.Key(), "err", err)
			}
		case <-sub.ctx.Done():
		}
	}()
	go func() {
		defer m.wg.Done()
		m.initialLoad(sub)
	}()
	return nil
}

func (m *Manager) initialLoad(sub *subscription) {
	if m.archive != nil {
		snap, ok, err := m.archive.Load(sub.ctx, sub.scope.Key())
		switch {
		case err != nil:
			m.logger.Warn("archived snapshot load failed", "scope", sub.scope.Key(), "err", err)
		case ok:
			if m.install(sub, snap, false) {
				m.logger.Info("archived snapshot installed", "scope", sub.scope.Key(), "block", snap.BlockNumber)
			}
		}
	}

	snap, err := m.fetch(sub.ctx, sub.scope)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("initial fetch failed", "scope", sub.scope.Key(), "err", err)
		}
		return
	}
	m.install(sub, snap, true)
}

// Reload refetches the full snapshot for a subscribed scope and installs it.
// It returns false when the result was stale or the scope was torn down in
// the meantime.
func (m *Manager) Reload(ctx context.Context, scope loan.Scope) (bool, error) {
	sub, ok := m.registry.get(scope.Key())
	if !ok {
		return false, ErrNotSubscribed
	}
	snap, err := m.fetch(ctx, scope)
	if err != nil {
		return false, err
	}
	return m.install(sub, snap, true), nil
}

// RunReloads reloads every live scope on each tick until ctx ends.
func (m *Manager) RunReloads(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sub := range m.registry.list() {
				if _, err := m.Reload(ctx, sub.scope); err != nil && !errors.Is(err, ErrNotSubscribed) && !errors.Is(err, context.Canceled) {
					m.logger.Warn("periodic reload failed", "scope", sub.scope.Key(), "err", err)
				}
			}
		}
	}
}

// Teardown stops tracking scope: no result of any in-flight fetch is
// applied afterwards, the store forgets the scope and its archived snapshot
// is deleted.
func (m *Manager) Teardown(ctx context.Context, scope loan.Scope) error {
	sub, ok := m.registry.get(scope.Key())
	if !ok || !m.stop(sub, nil) {
		return ErrNotSubscribed
	}
	if m.archive == nil {
		return nil
	}
	sub.archiveMu.Lock()
	defer sub.archiveMu.Unlock()
	if err := m.archive.Delete(ctx, scope.Key()); err != nil {
		return fmt.Errorf("delete archived snapshot %s: %w", scope.Key(), err)
	}
	return nil
}

// EvictIdle tears down every scope without observers that has not been
// requested for at least ttl. Archived snapshots are kept for the next warm
// start.
func (m *Manager) EvictIdle(ttl time.Duration) int {
	now := m.now().UTC()
	evicted := 0
	for _, sub := range m.registry.list() {
		busy := func() bool { return sub.observers > 0 || now.Sub(sub.lastSeen) < ttl }
		if m.stop(sub, busy) {
			evicted++
			m.metrics.IdleEvictions.Inc()
		}
	}
	return evicted
}

// RunEviction evicts idle scopes periodically until ctx ends.
func (m *Manager) RunEviction(ctx context.Context, ttl time.Duration) error {
	interval := max(ttl/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.EvictIdle(ttl); n > 0 {
				m.logger.Info("idle subscriptions evicted", "count", n, "ttl", ttl.String())
			}
		}
	}
}

// Reset tears down every subscription. Archived snapshots are kept.
func (m *Manager) Reset() {
	for _, sub := range m.registry.list() {
		m.stop(sub, nil)
	}
}

// Close resets the manager and waits for background work to exit.
func (m *Manager) Close() {
	m.Reset()
	m.wg.Wait()
}

func (m *Manager) Active() []Info {
	subs := m.registry.list()
	out := make([]Info, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.info())
	}
	return out
}

func (m *Manager) Subscribed(scope loan.Scope) bool {
	_, ok := m.registry.get(scope.Key())
	return ok
}

// stop kills sub unless it is already dead or keep, evaluated under the
// subscription lock, reports it should stay. The store is cleared and the
// registry slot released in the same critical section, so a successor for
// the same key always starts from an empty scope that nothing here touches
// again.
func (m *Manager) stop(sub *subscription, keep func() bool) bool {
	sub.mu.Lock()
	if sub.dead || (keep != nil && keep()) {
		sub.mu.Unlock()
		return false
	}
	sub.dead = true
	wasLive := sub.listener != nil
	m.store.Forget(sub.scope)
	m.registry.remove(sub.scope.Key(), sub)
	sub.mu.Unlock()

	sub.cancel()
	sub.releaseListener()
	if wasLive {
		m.metrics.ActiveSubscriptions.Dec()
	}
	m.logger.Info("subscription stopped", "scope", sub.scope.Key(), "subscription_id", sub.id.String())
	return true
}

func (m *Manager) fetch(ctx context.Context, scope loan.Scope) (loan.Snapshot, error) {
	if scope.Account != nil {
		return m.fetcher.FetchForAccount(ctx, scope.Pool, *scope.Account, m.opts.StartBlock)
	}
	return m.fetcher.FetchAll(ctx, scope.Pool)
}

// install applies snap under the subscription lock so it can never land
// after Teardown. Live snapshots are archived once accepted.
func (m *Manager) install(sub *subscription, snap loan.Snapshot, live bool) bool {
	sub.mu.Lock()
	if sub.dead {
		sub.mu.Unlock()
		m.metrics.DiscardedResults.WithLabelValues("snapshot").Inc()
		m.logger.Debug("snapshot for torn down scope discarded", "scope", sub.scope.Key(), "block", snap.BlockNumber)
		return false
	}
	ok := m.store.InstallSnapshot(sub.scope, snap.Loans, snap.BlockNumber)
	sub.mu.Unlock()

	if ok && live && m.archive != nil {
		m.save(sub, snap)
	}
	return ok
}

func (m *Manager) save(sub *subscription, snap loan.Snapshot) {
	sub.archiveMu.Lock()
	defer sub.archiveMu.Unlock()
	if sub.ctx.Err() != nil {
		return
	}
	if err := m.archive.Save(sub.ctx, sub.scope.Key(), snap); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("snapshot archive failed", "scope", sub.scope.Key(), "err", err)
	}
}

// guard routes event-driven updates into the store while sub is live.
func (m *Manager) guard(sub *subscription) events.Sink {
	return events.SinkFunc(func(scope loan.Scope, rec loan.Record, block uint64) bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.dead {
			m.metrics.DiscardedResults.WithLabelValues("update").Inc()
			return false
		}
		return m.store.ApplyUpdate(scope, rec, block)
	})
}
