package store

import (
	"log/slog"
	"sync"

	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/observability"
)

// View is the derived loan set for a scope as handed to readers.
type View struct {
	Scope       string        `json:"scope"`
	BlockNumber uint64        `json:"block_number"`
	LatestBlock uint64        `json:"latest_block"`
	Pending     int           `json:"pending"`
	Loans       []loan.Record `json:"loans"`
}

type scopeState struct {
	scope       loan.Scope
	initialized bool
	snapshot    loan.Snapshot
	pending     []loan.PendingUpdate
	version     uint64
	memo        *memo
}

// memo caches the derived view of one scope at one version.
type memo struct {
	version uint64
	loans   []loan.Record
}

// Store mirrors on-chain loan state per scope: a base snapshot plus an
// overlay of pending updates. Freshness is decided by block number only.
// All mutations are serialized; watchers run after the lock is released.
type Store struct {
	mu       sync.Mutex
	scopes   map[string]*scopeState
	watchers map[int]func(loan.Scope)
	nextID   int

	metrics *observability.Metrics
	logger  *slog.Logger
}

func New(metrics *observability.Metrics, logger *slog.Logger) *Store {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{
		scopes:   map[string]*scopeState{},
		watchers: map[int]func(loan.Scope){},
		metrics:  metrics,
		logger:   logger,
	}
}

// InstallSnapshot replaces the scope's snapshot when block is newer than the
// stored one (any block is accepted for a scope never installed before) and
// prunes pending updates the new snapshot covers. Stale installs are no-ops.
func (s *Store) InstallSnapshot(scope loan.Scope, loans []loan.Record, block uint64) bool {
	s.mu.Lock()
	st := s.stateLocked(scope)
	if st.initialized && block <= st.snapshot.BlockNumber {
		s.mu.Unlock()
		s.metrics.SnapshotInstalls.WithLabelValues("stale").Inc()
		s.logger.Debug("stale snapshot ignored", "scope", scope.Key(), "block", block, "stored_block", st.snapshot.BlockNumber)
		return false
	}

	before := len(st.pending)
	st.initialized = true
	st.snapshot = loan.Snapshot{Loans: loan.CloneRecords(loans), BlockNumber: block}
	if st.snapshot.Loans == nil {
		st.snapshot.Loans = []loan.Record{}
	}
	st.pending = prunePending(st.pending, block)
	st.version++
	s.metrics.PendingUpdates.Sub(float64(before - len(st.pending)))
	s.mu.Unlock()

	s.metrics.SnapshotInstalls.WithLabelValues("accepted").Inc()
	s.notify(scope)
	return true
}

// ApplyUpdate records a single loan observed at block. Updates not newer than
// the snapshot are dropped; per loan id the highest block wins.
func (s *Store) ApplyUpdate(scope loan.Scope, rec loan.Record, block uint64) bool {
	s.mu.Lock()
	st := s.stateLocked(scope)
	if block <= st.snapshot.BlockNumber {
		s.mu.Unlock()
		s.metrics.Updates.WithLabelValues("stale").Inc()
		s.logger.Debug("stale update ignored", "scope", scope.Key(), "loan_id", rec.ID, "block", block, "snapshot_block", st.snapshot.BlockNumber)
		return false
	}

	before := len(st.pending)
	merged, ok := mergePending(st.pending, loan.PendingUpdate{Loan: rec, BlockNumber: block})
	if !ok {
		s.mu.Unlock()
		s.metrics.Updates.WithLabelValues("superseded").Inc()
		return false
	}
	st.pending = merged
	st.version++
	s.metrics.PendingUpdates.Add(float64(len(st.pending) - before))
	s.mu.Unlock()

	s.metrics.Updates.WithLabelValues("accepted").Inc()
	s.notify(scope)
	return true
}

// DeriveView returns the memoized derived loan list for the scope. Unknown
// scopes yield an empty list.
func (s *Store) DeriveView(scope loan.Scope) []loan.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope.Key()]
	if !ok {
		return []loan.Record{}
	}
	return loan.CloneRecords(s.deriveLocked(st))
}

// Current returns the derived view with its block metadata. ok is false
// until the first snapshot is installed; before that the view holds only
// the overlay and is not a complete loan set.
func (s *Store) Current(scope loan.Scope) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope.Key()]
	if !ok {
		return View{Scope: scope.Key(), Loans: []loan.Record{}}, false
	}
	latest := st.snapshot.BlockNumber
	if len(st.pending) > 0 && st.pending[0].BlockNumber > latest {
		latest = st.pending[0].BlockNumber
	}
	return View{
		Scope:       scope.Key(),
		BlockNumber: st.snapshot.BlockNumber,
		LatestBlock: latest,
		Pending:     len(st.pending),
		Loans:       loan.CloneRecords(s.deriveLocked(st)),
	}, st.initialized
}

func (s *Store) Snapshot(scope loan.Scope) (loan.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope.Key()]
	if !ok || !st.initialized {
		return loan.Snapshot{}, false
	}
	return loan.Snapshot{Loans: loan.CloneRecords(st.snapshot.Loans), BlockNumber: st.snapshot.BlockNumber}, true
}

// Pending returns a copy of the overlay, sorted descending by block number.
func (s *Store) Pending(scope loan.Scope) []loan.PendingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope.Key()]
	if !ok {
		return []loan.PendingUpdate{}
	}
	out := make([]loan.PendingUpdate, len(st.pending))
	copy(out, st.pending)
	return out
}

// Forget drops all state and the memoized view for a scope.
func (s *Store) Forget(scope loan.Scope) {
	s.mu.Lock()
	if st, ok := s.scopes[scope.Key()]; ok {
		s.metrics.PendingUpdates.Sub(float64(len(st.pending)))
		delete(s.scopes, scope.Key())
	}
	s.mu.Unlock()
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.scopes = map[string]*scopeState{}
	s.metrics.PendingUpdates.Set(0)
	s.mu.Unlock()
}

// Watch registers fn to run after every accepted mutation. The returned
// function unregisters it.
func (s *Store) Watch(fn func(loan.Scope)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(scope loan.Scope) {
	s.mu.Lock()
	fns := make([]func(loan.Scope), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(scope)
	}
}

func (s *Store) stateLocked(scope loan.Scope) *scopeState {
	key := scope.Key()
	st, ok := s.scopes[key]
	if !ok {
		st = &scopeState{scope: scope, snapshot: loan.Snapshot{Loans: []loan.Record{}}}
		s.scopes[key] = st
	}
	return st
}

func (s *Store) deriveLocked(st *scopeState) []loan.Record {
	if st.memo != nil && st.memo.version == st.version {
		return st.memo.loans
	}
	st.memo = &memo{version: st.version, loans: Derive(st.snapshot.Loans, st.pending)}
	return st.memo.loans
}
