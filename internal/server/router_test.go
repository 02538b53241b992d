package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/loangraph/loansync/internal/config"
	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/http/handlers"
	"github.com/loangraph/loansync/internal/observability"
	postgresrepo "github.com/loangraph/loansync/internal/repository/postgres"
	"github.com/loangraph/loansync/internal/store"
	"github.com/loangraph/loansync/internal/subscription"
)

const (
	poolHex    = "0x3c20Fd0B57711a199776B53C2F24385563d1670F"
	accountHex = "0x00000000000000000000000000000000000000aa"
)

type fakeSync struct {
	mu         sync.Mutex
	store      *store.Store
	subscribed map[string]bool
	snapshot   loan.Snapshot
	reloadErr  error
	ensureErr  error
}

func (f *fakeSync) EnsureSubscribed(_ context.Context, scope loan.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.subscribed[scope.Key()] = true
	return nil
}

func (f *fakeSync) Reload(_ context.Context, scope loan.Scope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subscribed[scope.Key()] {
		return false, subscription.ErrNotSubscribed
	}
	if f.reloadErr != nil {
		return false, f.reloadErr
	}
	return f.store.InstallSnapshot(scope, f.snapshot.Loans, f.snapshot.BlockNumber), nil
}

func (f *fakeSync) Teardown(_ context.Context, scope loan.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subscribed[scope.Key()] {
		return subscription.ErrNotSubscribed
	}
	delete(f.subscribed, scope.Key())
	f.store.Forget(scope)
	return nil
}

func (f *fakeSync) Active() []subscription.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]subscription.Info, 0, len(f.subscribed))
	for key := range f.subscribed {
		out = append(out, subscription.Info{Key: key})
	}
	return out
}

type fakeArchive struct {
	pool  string
	items []postgresrepo.ArchivedScope
	err   error
}

func (a *fakeArchive) ListByPool(_ context.Context, pool string) ([]postgresrepo.ArchivedScope, error) {
	a.pool = pool
	return a.items, a.err
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func record(id uint64, code uint8) loan.Record {
	return loan.Record{ID: id, Status: loan.NewStatus(loan.SchemaRequest, code), Borrower: strings.ToLower(accountHex), Amount: "0x64"}
}

func newTestRouter(t *testing.T, rpc error) (*gin.Engine, *fakeSync, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics := observability.NewMetrics()
	s := store.New(metrics, nil)
	fake := &fakeSync{store: s, subscribed: map[string]bool{}}
	r := NewRouter(config.Config{Env: "test", LoanSchema: "request"}, slog.New(slog.NewTextHandler(io.Discard, nil)), Dependencies{
		Pingers:     map[string]handlers.Pinger{"rpc": pinger{err: rpc}},
		LoanHandler: handlers.NewLoanHandler(fake, s),
		Gatherer:    metrics.Registry,
	})
	return r, fake, s
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthAndReady(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if w := do(r, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/ready"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"rpc":"ok"`) {
		t.Fatalf("unexpected ready response: %d %s", w.Code, w.Body.String())
	}

	down, _, _ := newTestRouter(t, errors.New("dial tcp: refused"))
	if w := do(down, http.MethodGet, "/ready"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected ready 503, got %d", w.Code)
	}
}

func TestMetaAndMetrics(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := do(r, http.MethodGet, "/v1/meta")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"loan_schema":"request"`) {
		t.Fatalf("unexpected meta: %s", w.Body.String())
	}
	w = do(r, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "loansync_pending_updates") {
		t.Fatalf("unexpected metrics body: %s", w.Body.String())
	}
}

func TestListLoansLifecycle(t *testing.T) {
	r, fake, s := newTestRouter(t, nil)
	path := "/v1/pools/" + poolHex + "/loans"

	w := do(r, http.MethodGet, path)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 before first snapshot, got %d", w.Code)
	}

	scope, _ := loan.ParseScope(poolHex, "")
	s.InstallSnapshot(scope, []loan.Record{record(1, loan.Applied), record(2, loan.Approved)}, 100)
	s.ApplyUpdate(scope, record(1, loan.Approved), 105)
	s.ApplyUpdate(scope, record(1, loan.Applied), 102)

	w = do(r, http.MethodGet, path)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view store.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.BlockNumber != 100 || view.LatestBlock != 105 || len(view.Loans) != 2 || view.Loans[0].Status.String() != "APPROVED" {
		t.Fatalf("unexpected view: %+v", view)
	}

	w = do(r, http.MethodGet, path+"?status=approved")
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Loans) != 2 {
		t.Fatalf("expected both loans approved, got %+v", view.Loans)
	}

	w = do(r, http.MethodGet, "/v1/pools/"+poolHex+"/pending")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"blockNumber":105`) {
		t.Fatalf("unexpected pending: %s", w.Body.String())
	}

	w = do(r, http.MethodGet, "/v1/subscriptions")
	if !strings.Contains(w.Body.String(), scope.Key()) {
		t.Fatalf("unexpected subscriptions: %s", w.Body.String())
	}

	if w = do(r, http.MethodDelete, "/v1/pools/"+poolHex+"/subscription"); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w = do(r, http.MethodDelete, "/v1/pools/"+poolHex+"/subscription"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if len(fake.Active()) != 0 {
		t.Fatalf("expected no subscriptions")
	}
}

func TestListLoansAcceptedWhileOnlyUpdatesKnown(t *testing.T) {
	r, _, s := newTestRouter(t, nil)
	path := "/v1/pools/" + poolHex + "/loans"
	do(r, http.MethodGet, path)

	scope, _ := loan.ParseScope(poolHex, "")
	s.ApplyUpdate(scope, record(7, loan.Approved), 105)

	w := do(r, http.MethodGet, path)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 until the first snapshot, got %d", w.Code)
	}
	var view store.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Loans) != 1 || view.LatestBlock != 105 {
		t.Fatalf("unexpected partial view: %+v", view)
	}
}

func TestListLoansRejectsInvalidScope(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if w := do(r, http.MethodGet, "/v1/pools/not-a-pool/loans"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/pools/"+poolHex+"/loans?account=0x12"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListLoansSubscribeFailure(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)
	fake.ensureErr = errors.New("subscriptions not supported")
	if w := do(r, http.MethodGet, "/v1/pools/"+poolHex+"/loans"); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestReload(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)
	path := "/v1/pools/" + poolHex + "/reload?account=" + accountHex

	if w := do(r, http.MethodPost, path); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown scope, got %d", w.Code)
	}

	do(r, http.MethodGet, "/v1/pools/"+poolHex+"/loans?account="+accountHex)
	fake.reloadErr = errors.New("loan batch failed")
	if w := do(r, http.MethodPost, path); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	fake.reloadErr = nil
	fake.snapshot = loan.Snapshot{Loans: []loan.Record{record(4, loan.FundsWithdrawn)}, BlockNumber: 200}
	w := do(r, http.MethodPost, path)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"installed":true`) {
		t.Fatalf("unexpected reload response: %d %s", w.Code, w.Body.String())
	}
}

func TestListArchived(t *testing.T) {
	gin.SetMode(gin.TestMode)
	archive := &fakeArchive{items: []postgresrepo.ArchivedScope{{ScopeKey: strings.ToLower(poolHex), BlockNumber: 100, LoanCount: 3}}}
	r := NewRouter(config.Config{Env: "test"}, slog.New(slog.NewTextHandler(io.Discard, nil)), Dependencies{
		LoanHandler:    handlers.NewLoanHandler(&fakeSync{subscribed: map[string]bool{}}, store.New(nil, nil)),
		ArchiveHandler: handlers.NewArchiveHandler(archive),
	})

	w := do(r, http.MethodGet, "/v1/pools/"+poolHex+"/archive")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"loan_count":3`) {
		t.Fatalf("unexpected archive listing: %d %s", w.Code, w.Body.String())
	}
	if archive.pool != strings.ToLower(poolHex) {
		t.Fatalf("expected lowercase pool lookup, got %q", archive.pool)
	}

	archive.err = errors.New("connection refused")
	if w := do(r, http.MethodGet, "/v1/pools/"+poolHex+"/archive"); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/v1/pools/bad/archive"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	plain, _, _ := newTestRouter(t, nil)
	if w := do(plain, http.MethodGet, "/v1/pools/"+poolHex+"/archive"); w.Code != http.StatusNotFound {
		t.Fatalf("expected archive route absent without archive, got %d", w.Code)
	}
}

func TestNoRoute(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	if w := do(r, http.MethodGet, "/v1/unknown"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
