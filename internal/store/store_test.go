package store

import (
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/loangraph/loansync/internal/domain/loan"
)

var testPool = common.HexToAddress("0x3c20Fd0B57711a199776B53C2F24385563d1670F")

func rec(id uint64, code uint8, amount loan.Amount) loan.Record {
	return loan.Record{ID: id, Status: loan.NewStatus(loan.SchemaRequest, code), Amount: amount}
}

func ids(records []loan.Record) []uint64 {
	out := make([]uint64, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestInstallSnapshotKeepsHighestBlock(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)

	calls := []struct {
		block uint64
		id    uint64
		want  bool
	}{
		{block: 10, id: 1, want: true},
		{block: 30, id: 2, want: true},
		{block: 20, id: 3, want: false},
		{block: 30, id: 4, want: false},
		{block: 25, id: 5, want: false},
	}
	for _, c := range calls {
		got := s.InstallSnapshot(scope, []loan.Record{rec(c.id, loan.Applied, "0x1")}, c.block)
		if got != c.want {
			t.Fatalf("install at block %d: expected accepted=%v, got %v", c.block, c.want, got)
		}
	}

	snap, ok := s.Snapshot(scope)
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if snap.BlockNumber != 30 {
		t.Fatalf("expected block 30, got %d", snap.BlockNumber)
	}
	if len(snap.Loans) != 1 || snap.Loans[0].ID != 2 {
		t.Fatalf("expected loans from first block-30 install, got %+v", snap.Loans)
	}
}

func TestInstallSnapshotAcceptsGenesisOnce(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)

	if !s.InstallSnapshot(scope, nil, 0) {
		t.Fatalf("expected first install to be accepted")
	}
	if s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x1")}, 0) {
		t.Fatalf("expected second install at the same block to be rejected")
	}
	if _, ok := s.Current(scope); !ok {
		t.Fatalf("expected scope to be initialized")
	}
}

func TestApplyUpdateRejectsStale(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x64")}, 100)

	if s.ApplyUpdate(scope, rec(1, loan.Approved, "0x64"), 100) {
		t.Fatalf("expected update at snapshot block to be rejected")
	}
	if s.ApplyUpdate(scope, rec(2, loan.Applied, "0x1"), 99) {
		t.Fatalf("expected update below snapshot block to be rejected")
	}
	if got := s.Pending(scope); len(got) != 0 {
		t.Fatalf("expected empty overlay, got %+v", got)
	}
	snap, _ := s.Snapshot(scope)
	if snap.BlockNumber != 100 || snap.Loans[0].Status.Code != loan.Applied {
		t.Fatalf("snapshot changed: %+v", snap)
	}
}

func TestApplyUpdateMostRecentWinsInEitherOrder(t *testing.T) {
	amounts := map[uint64]loan.Amount{5: "0x5", 9: "0x9"}
	orders := [][]uint64{{5, 9}, {9, 5}}
	for _, order := range orders {
		s := New(nil, nil)
		scope := loan.PoolScope(testPool)
		for _, block := range order {
			s.ApplyUpdate(scope, rec(7, loan.Approved, amounts[block]), block)
		}
		pending := s.Pending(scope)
		if len(pending) != 1 {
			t.Fatalf("order %v: expected one pending update, got %d", order, len(pending))
		}
		if pending[0].BlockNumber != 9 || pending[0].Loan.Amount != "0x9" {
			t.Fatalf("order %v: expected block 9 version, got %+v", order, pending[0])
		}
	}
}

func TestApplyUpdateDuplicateIsIdempotent(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	if !s.ApplyUpdate(scope, rec(1, loan.Approved, "0x1"), 5) {
		t.Fatalf("expected first update accepted")
	}
	if s.ApplyUpdate(scope, rec(1, loan.Approved, "0x1"), 5) {
		t.Fatalf("expected duplicate update to be a no-op")
	}
	if len(s.Pending(scope)) != 1 {
		t.Fatalf("expected single pending entry")
	}
}

func TestOverlaySortedDescendingByBlock(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.ApplyUpdate(scope, rec(1, loan.Applied, "0x1"), 3)
	s.ApplyUpdate(scope, rec(2, loan.Applied, "0x1"), 8)
	s.ApplyUpdate(scope, rec(3, loan.Applied, "0x1"), 5)

	var blocks []uint64
	for _, p := range s.Pending(scope) {
		blocks = append(blocks, p.BlockNumber)
	}
	if !reflect.DeepEqual(blocks, []uint64{8, 5, 3}) {
		t.Fatalf("unexpected overlay order: %v", blocks)
	}
}

func TestInstallSnapshotPrunesCoveredUpdates(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.ApplyUpdate(scope, rec(1, loan.Approved, "0x1"), 10)
	s.ApplyUpdate(scope, rec(2, loan.Approved, "0x1"), 20)
	s.ApplyUpdate(scope, rec(3, loan.Approved, "0x1"), 30)

	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x1")}, 20)

	pending := s.Pending(scope)
	if len(pending) != 1 || pending[0].Loan.ID != 3 {
		t.Fatalf("expected only block-30 update to survive, got %+v", pending)
	}
}

func TestDeriveViewPreservesOrderAndAppendsNew(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.InstallSnapshot(scope, []loan.Record{
		rec(1, loan.Applied, "0x1"),
		rec(2, loan.Applied, "0x2"),
		rec(3, loan.Applied, "0x3"),
	}, 50)
	s.ApplyUpdate(scope, rec(4, loan.Applied, "0x4"), 52)
	s.ApplyUpdate(scope, rec(2, loan.Approved, "0x2"), 51)

	view := s.DeriveView(scope)
	if !reflect.DeepEqual(ids(view), []uint64{1, 2, 3, 4}) {
		t.Fatalf("unexpected order: %v", ids(view))
	}
	if view[1].Status.Code != loan.Approved {
		t.Fatalf("expected loan 2 replaced in place, got %s", view[1].Status)
	}
}

func TestDeriveIndependentOfArrivalOrder(t *testing.T) {
	snapshot := []loan.Record{rec(1, loan.Applied, "0x1"), rec(2, loan.Applied, "0x2")}
	updates := []loan.PendingUpdate{
		{Loan: rec(2, loan.Approved, "0x2"), BlockNumber: 11},
		{Loan: rec(5, loan.Applied, "0x5"), BlockNumber: 14},
		{Loan: rec(4, loan.Applied, "0x4"), BlockNumber: 12},
		{Loan: rec(2, loan.FundsWithdrawn, "0x2"), BlockNumber: 13},
	}
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}

	var want []loan.Record
	for _, perm := range perms {
		s := New(nil, nil)
		scope := loan.PoolScope(testPool)
		s.InstallSnapshot(scope, snapshot, 10)
		for _, i := range perm {
			s.ApplyUpdate(scope, updates[i].Loan, updates[i].BlockNumber)
		}
		got := s.DeriveView(scope)
		if want == nil {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("perm %v: got %+v want %+v", perm, got, want)
		}
	}
	if !reflect.DeepEqual(ids(want), []uint64{1, 2, 4, 5}) {
		t.Fatalf("unexpected ids: %v", ids(want))
	}
	if want[1].Status.Code != loan.FundsWithdrawn {
		t.Fatalf("expected latest status for loan 2, got %s", want[1].Status)
	}
}

func TestDelayedOlderEventLosesToNewer(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x64")}, 100)

	if !s.ApplyUpdate(scope, rec(1, loan.Approved, "0x64"), 105) {
		t.Fatalf("expected block-105 update accepted")
	}
	view := s.DeriveView(scope)
	if len(view) != 1 || view[0].Status.String() != "APPROVED" || view[0].Amount != "0x64" {
		t.Fatalf("unexpected view after 105: %+v", view)
	}

	s.ApplyUpdate(scope, rec(1, loan.Applied, "0x64"), 102)
	view = s.DeriveView(scope)
	if len(view) != 1 || view[0].Status.String() != "APPROVED" {
		t.Fatalf("expected view unchanged at APPROVED, got %+v", view)
	}
	pending := s.Pending(scope)
	if len(pending) != 1 || pending[0].BlockNumber != 105 {
		t.Fatalf("expected only block-105 pending, got %+v", pending)
	}
}

func TestDeriveViewMemoizedUntilMutation(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x1")}, 1)

	s.DeriveView(scope)
	first := s.scopes[scope.Key()].memo
	s.DeriveView(scope)
	if s.scopes[scope.Key()].memo != first {
		t.Fatalf("expected memo reuse without mutation")
	}
	s.ApplyUpdate(scope, rec(2, loan.Applied, "0x1"), 2)
	s.DeriveView(scope)
	if s.scopes[scope.Key()].memo == first {
		t.Fatalf("expected memo recompute after mutation")
	}
}

func TestDeriveViewReturnsCopy(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x1")}, 1)

	view := s.DeriveView(scope)
	view[0].Amount = "0xdead"
	if got := s.DeriveView(scope); got[0].Amount != "0x1" {
		t.Fatalf("caller mutation leaked into store: %+v", got)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	s := New(nil, nil)
	pool := loan.PoolScope(testPool)
	acct := loan.AccountScope(testPool, common.HexToAddress("0x00000000000000000000000000000000000000aa"))

	s.InstallSnapshot(pool, []loan.Record{rec(1, loan.Applied, "0x1")}, 10)
	s.InstallSnapshot(acct, []loan.Record{rec(2, loan.Applied, "0x1")}, 5)

	if got := ids(s.DeriveView(pool)); !reflect.DeepEqual(got, []uint64{1}) {
		t.Fatalf("pool scope mismatch: %v", got)
	}
	if got := ids(s.DeriveView(acct)); !reflect.DeepEqual(got, []uint64{2}) {
		t.Fatalf("account scope mismatch: %v", got)
	}
}

func TestCurrentNotReadyBeforeFirstSnapshot(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	if !s.ApplyUpdate(scope, rec(7, loan.Approved, "0x1"), 105) {
		t.Fatalf("expected update on fresh scope to apply")
	}

	view, ok := s.Current(scope)
	if ok {
		t.Fatalf("overlay alone must not be reported as a complete view")
	}
	if len(view.Loans) != 1 || view.LatestBlock != 105 || view.Pending != 1 {
		t.Fatalf("unexpected partial view: %+v", view)
	}

	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x1")}, 100)
	view, ok = s.Current(scope)
	if !ok {
		t.Fatalf("expected ready after snapshot install")
	}
	if got := ids(view.Loans); !reflect.DeepEqual(got, []uint64{1, 7}) {
		t.Fatalf("unexpected loans: %v", got)
	}
}

func TestForgetEvictsScope(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	s.InstallSnapshot(scope, []loan.Record{rec(1, loan.Applied, "0x1")}, 10)
	s.DeriveView(scope)

	s.Forget(scope)

	if _, ok := s.Current(scope); ok {
		t.Fatalf("expected scope to be forgotten")
	}
	if len(s.scopes) != 0 {
		t.Fatalf("expected no cached scopes, got %d", len(s.scopes))
	}
}

func TestWatchFiresOnAcceptedMutationsOnly(t *testing.T) {
	s := New(nil, nil)
	scope := loan.PoolScope(testPool)
	var fired []string
	stop := s.Watch(func(sc loan.Scope) { fired = append(fired, sc.Key()) })

	s.InstallSnapshot(scope, nil, 10)
	s.InstallSnapshot(scope, nil, 9)
	s.ApplyUpdate(scope, rec(1, loan.Applied, "0x1"), 8)
	s.ApplyUpdate(scope, rec(1, loan.Applied, "0x1"), 11)
	stop()
	s.ApplyUpdate(scope, rec(2, loan.Applied, "0x1"), 12)

	if len(fired) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(fired))
	}
}
