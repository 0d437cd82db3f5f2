package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conto/internal/core"
	"conto/internal/storage"
)

// gatedStore holds the first Snapshot call until release is closed.
type gatedStore struct {
	storage.Store
	once    sync.Once
	taken   chan struct{}
	release chan struct{}
}

func (s *gatedStore) Snapshot(ctx context.Context, groupID int64) (*storage.Snapshot, error) {
	snap, err := s.Store.Snapshot(ctx, groupID)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.taken)
		<-s.release
	}
	return snap, err
}

func TestBalancesAfterCommitDoNotJoinOlderComputation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.personal(t, "A"), f.personal(t, "B")

	gated := &gatedStore{Store: f.store, taken: make(chan struct{}), release: make(chan struct{})}
	f.ledger.store = gated

	first := make(chan *core.BalanceResult, 1)
	go func() {
		res, err := f.ledger.GroupBalances(ctx, f.group.ID)
		if err != nil {
			t.Errorf("first read: %v", err)
		}
		first <- res
	}()
	<-gated.taken

	if _, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 30, a.ID, b.ID), nil, true); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	second := make(chan *core.BalanceResult, 1)
	go func() {
		res, err := f.ledger.GroupBalances(ctx, f.group.ID)
		if err != nil {
			t.Errorf("second read: %v", err)
		}
		second <- res
	}()
	select {
	case res := <-second:
		if got := res.Balances[a.ID].Balance; math.Abs(got-15) > 1e-9 {
			t.Fatalf("read after commit saw %v, want 15", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read after commit waited on a computation started before the commit")
	}

	close(gated.release)
	if res := <-first; res != nil && res.Balances[a.ID].Balance != 0 {
		t.Fatalf("first read should reflect its own snapshot, got %v", res.Balances[a.ID].Balance)
	}

	res, err := f.ledger.GroupBalances(ctx, f.group.ID)
	if err != nil {
		t.Fatalf("third read: %v", err)
	}
	if math.Abs(res.Balances[a.ID].Balance-15) > 1e-9 {
		t.Fatalf("stale result was cached: %v", res.Balances[a.ID].Balance)
	}
}

func TestDisabledCacheRecomputes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.cacheDisabled = true
	a, b := f.personal(t, "A"), f.personal(t, "B")

	if _, err := f.ledger.GroupBalances(ctx, f.group.ID); err != nil {
		t.Fatalf("balances: %v", err)
	}
	// A commit made through another process bypasses this ledger's invalidation.
	other := New(f.store, nil, Config{})
	if _, err := other.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 30, a.ID, b.ID), nil, true); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	res, err := f.ledger.GroupBalances(ctx, f.group.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if math.Abs(res.Balances[a.ID].Balance-15) > 1e-9 {
		t.Fatalf("expected fresh balance 15, got %v", res.Balances[a.ID].Balance)
	}
	if f.ledger.balances.Len() != 0 {
		t.Fatalf("disabled cache should stay empty, has %d entries", f.ledger.balances.Len())
	}
}

// failingSaveStore fails every entity save while fail is set.
type failingSaveStore struct {
	storage.Store
	fail atomic.Bool
}

var errStoreDown = errors.New("connection reset by peer")

func (s *failingSaveStore) SaveAccount(ctx context.Context, acc *core.Account) error {
	if s.fail.Load() {
		return errStoreDown
	}
	return s.Store.SaveAccount(ctx, acc)
}

func (s *failingSaveStore) SaveTransaction(ctx context.Context, tx *core.Transaction) error {
	if s.fail.Load() {
		return errStoreDown
	}
	return s.Store.SaveTransaction(ctx, tx)
}

func TestFailedSaveLeavesEntityUntouched(t *testing.T) {
	ctx := context.Background()

	t.Run("account", func(t *testing.T) {
		f := newFixture(t)
		a := f.personal(t, "A")
		if _, err := f.ledger.OpenAccountDraft(ctx, alice, a.ID); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := f.ledger.EditAccount(ctx, alice, a.ID, core.AccountDetails{Name: "A2"}); err != nil {
			t.Fatalf("edit: %v", err)
		}
		failing := &failingSaveStore{Store: f.store}
		f.ledger.store = failing
		events := len(f.publisher.events)

		failing.fail.Store(true)
		_, err := f.ledger.CommitAccount(ctx, alice, a.ID, 1)
		if !errors.Is(err, errStoreDown) || errors.Is(err, storage.ErrStale) {
			t.Fatalf("expected the store error, got %v", err)
		}
		stored, _ := f.store.GetAccount(ctx, a.ID)
		if stored.Version != 1 || stored.Pending == nil || stored.Pending.Details.Name != "A2" {
			t.Fatalf("failed save changed the account: %+v", stored)
		}
		if len(f.publisher.events) != events {
			t.Fatal("failed save published a commit event")
		}

		failing.fail.Store(false)
		acc, err := f.ledger.CommitAccount(ctx, alice, a.ID, 1)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if acc.Version != 2 || acc.Committed.Details.Name != "A2" {
			t.Fatalf("unexpected retry result v%d %+v", acc.Version, acc.Committed.Details)
		}
	})

	t.Run("transaction", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.personal(t, "A"), f.personal(t, "B")
		tx, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 10, a.ID, b.ID), nil, true)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := f.ledger.OpenTransactionDraft(ctx, alice, tx.ID); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := f.ledger.EditTransaction(ctx, alice, tx.ID, purchase(a.ID, 40, a.ID, b.ID)); err != nil {
			t.Fatalf("edit: %v", err)
		}
		failing := &failingSaveStore{Store: f.store}
		f.ledger.store = failing

		failing.fail.Store(true)
		if _, err := f.ledger.CommitTransaction(ctx, alice, tx.ID, 1); !errors.Is(err, errStoreDown) {
			t.Fatalf("expected the store error, got %v", err)
		}
		stored, _ := f.store.GetTransaction(ctx, tx.ID)
		if stored.Version != 1 || stored.Pending == nil || stored.Pending.Details.Value != 40 || stored.Committed.Details.Value != 10 {
			t.Fatalf("failed save changed the transaction: %+v", stored)
		}
		res, _ := f.ledger.GroupBalances(ctx, f.group.ID)
		if math.Abs(res.Balances[a.ID].Balance-5) > 1e-9 {
			t.Fatalf("balances moved without a commit: %v", res.Balances[a.ID].Balance)
		}

		failing.fail.Store(false)
		if _, err := f.ledger.CommitTransaction(ctx, alice, tx.ID, 1); err != nil {
			t.Fatalf("retry: %v", err)
		}
		res, _ = f.ledger.GroupBalances(ctx, f.group.ID)
		if math.Abs(res.Balances[a.ID].Balance-20) > 1e-9 {
			t.Fatalf("expected 20 after retry, got %v", res.Balances[a.ID].Balance)
		}
	})
}

func TestDeleteRejectsOpenDraft(t *testing.T) {
	ctx := context.Background()

	t.Run("account", func(t *testing.T) {
		f := newFixture(t)
		a := f.personal(t, "A")
		if _, err := f.ledger.OpenAccountDraft(ctx, alice, a.ID); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := f.ledger.EditAccount(ctx, alice, a.ID, core.AccountDetails{Name: "unreviewed"}); err != nil {
			t.Fatalf("edit: %v", err)
		}
		if _, err := f.ledger.DeleteAccount(ctx, alice, a.ID, 1); !errors.Is(err, core.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := f.ledger.DeleteAccount(ctx, bob, a.ID, 1); !errors.Is(err, core.ErrConflict) {
			t.Fatalf("expected ErrConflict for another writer, got %v", err)
		}
		stored, _ := f.store.GetAccount(ctx, a.ID)
		if stored.IsDeleted() || stored.Version != 1 || stored.Pending.Details.Name != "unreviewed" {
			t.Fatalf("rejected delete changed the account: %+v", stored)
		}

		if _, err := f.ledger.DiscardAccount(ctx, alice, a.ID); err != nil {
			t.Fatalf("discard: %v", err)
		}
		acc, err := f.ledger.DeleteAccount(ctx, alice, a.ID, 1)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if !acc.IsDeleted() || acc.Committed.Details.Name != "A" {
			t.Fatalf("tombstone should carry the committed details, got %+v", acc.Committed)
		}
	})

	t.Run("transaction", func(t *testing.T) {
		f := newFixture(t)
		a, b := f.personal(t, "A"), f.personal(t, "B")
		tx, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 10, a.ID, b.ID), nil, true)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := f.ledger.OpenTransactionDraft(ctx, bob, tx.ID); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := f.ledger.EditTransaction(ctx, bob, tx.ID, purchase(b.ID, 99, a.ID)); err != nil {
			t.Fatalf("edit: %v", err)
		}
		if _, err := f.ledger.DeleteTransaction(ctx, bob, tx.ID, 1); !errors.Is(err, core.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := f.ledger.DiscardTransaction(ctx, bob, tx.ID); err != nil {
			t.Fatalf("discard: %v", err)
		}
		deleted, err := f.ledger.DeleteTransaction(ctx, bob, tx.ID, 1)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if !deleted.IsDeleted() || deleted.Committed.Details.Value != 10 {
			t.Fatalf("tombstone should carry the committed details, got %+v", deleted.Committed.Details)
		}
	})
}
