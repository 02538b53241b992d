package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/loangraph/loansync/internal/domain/loan"
)

// Info describes one live subscription.
type Info struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Pool      string    `json:"pool"`
	Account   string    `json:"account,omitempty"`
	Observers int       `json:"observers"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

type subscription struct {
	id        uuid.UUID
	scope     loan.Scope
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below and every store write made on behalf of
	// the subscription.
	mu        sync.Mutex
	dead      bool
	listener  event.Subscription
	observers int
	lastSeen  time.Time

	release sync.Once
	// archiveMu orders archive writes against the delete done by Teardown.
	archiveMu sync.Mutex
}

func (s *subscription) info() Info {
	s.mu.Lock()
	observers, lastSeen := s.observers, s.lastSeen
	s.mu.Unlock()
	out := Info{
		ID:        s.id.String(),
		Key:       s.scope.Key(),
		Pool:      s.scope.Pool.Hex(),
		Observers: observers,
		CreatedAt: s.createdAt,
		LastSeen:  lastSeen,
	}
	if s.scope.Account != nil {
		out.Account = s.scope.Account.Hex()
	}
	return out
}

// releaseListener unsubscribes the live listener at most once.
func (s *subscription) releaseListener() {
	s.release.Do(func() {
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.Unsubscribe()
		}
	})
}

// Registry maps scope keys to live subscriptions. It is owned by a Manager;
// entries leave it only while their subscription lock is held.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: map[string]*subscription{}}
}

// getOrCreate returns the subscription for scope, creating it when absent.
func (r *Registry) getOrCreate(scope loan.Scope, create func() *subscription) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[scope.Key()]; ok {
		return sub, false
	}
	sub := create()
	r.subs[scope.Key()] = sub
	return sub, true
}

func (r *Registry) get(key string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	return sub, ok
}

// remove deletes key only while it still maps to sub.
func (r *Registry) remove(key string, sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[key]; !ok || cur != sub {
		return false
	}
	delete(r.subs, key)
	return true
}

func (r *Registry) list() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].scope.Key() < out[j].scope.Key() })
	return out
}
