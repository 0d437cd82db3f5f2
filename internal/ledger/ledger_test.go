package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"conto/internal/core"
	"conto/internal/storage"
)

type publishedEvent struct {
	groupID  int64
	kind     string
	entityID int64
	version  int64
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) PublishEntityCommitted(_ context.Context, groupID int64, kind string, entityID, version int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{groupID, kind, entityID, version})
	return nil
}

const (
	alice = int64(1)
	bob   = int64(2)
	eve   = int64(3)
)

type fixture struct {
	ledger    *GroupLedger
	store     *storage.MemoryStore
	publisher *fakePublisher
	group     core.Group

	clockMu sync.Mutex
	clock   time.Time
}

func (f *fixture) tick() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.NewMemoryStore(),
		publisher: &fakePublisher{},
		clock:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ledger = New(f.store, f.publisher, Config{})
	f.ledger.now = f.tick

	ctx := context.Background()
	g, err := f.ledger.CreateGroup(ctx, alice, GroupInput{Name: "flat", CurrencySymbol: "€"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	f.group = g
	if _, err := f.ledger.AddMember(ctx, alice, g.ID, bob, true, "Bob"); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	return f
}

func (f *fixture) personal(t *testing.T, name string) *core.Account {
	t.Helper()
	acc, err := f.ledger.CreateAccount(context.Background(), alice, f.group.ID, core.AccountTypePersonal,
		core.AccountDetails{Name: name}, true)
	if err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	return acc
}

func purchase(creditor int64, value float64, debitors ...int64) TransactionUpdate {
	d := core.ShareMap{}
	for _, id := range debitors {
		d.Set(id, 1)
	}
	return TransactionUpdate{
		Description:            "groceries",
		Value:                  value,
		CurrencySymbol:         "€",
		CurrencyConversionRate: 1,
		BilledAt:               core.NewDate(2025, 3, 1),
		CreditorShares:         core.ShareMap{creditor: 1},
		DebitorShares:          d,
	}
}

func TestGroupAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.ledger.GetGroup(ctx, eve, f.group.ID); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("non member read: expected ErrForbidden, got %v", err)
	}
	if _, err := f.ledger.AddMember(ctx, alice, f.group.ID, eve, false, ""); err != nil {
		t.Fatalf("add eve: %v", err)
	}
	if _, err := f.ledger.GetGroup(ctx, eve, f.group.ID); err != nil {
		t.Fatalf("read only member should read: %v", err)
	}
	_, err := f.ledger.CreateAccount(ctx, eve, f.group.ID, core.AccountTypePersonal, core.AccountDetails{Name: "x"}, true)
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("read only member write: expected ErrForbidden, got %v", err)
	}
	if _, err := f.ledger.AddMember(ctx, alice, f.group.ID, bob, true, ""); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("duplicate member: expected validation error, got %v", err)
	}

	members, err := f.ledger.Members(ctx, bob, f.group.ID)
	if err != nil || len(members) != 3 {
		t.Fatalf("expected three members, got %v (%v)", members, err)
	}
	groups, _ := f.ledger.ListGroups(ctx, eve)
	if len(groups) != 1 {
		t.Fatalf("eve should see the group, got %v", groups)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	l := New(storage.NewMemoryStore(), nil, Config{})
	_, err := l.CreateGroup(context.Background(), alice, GroupInput{Name: " "})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	acc, err := f.ledger.CreateAccount(ctx, alice, f.group.ID, core.AccountTypePersonal, core.AccountDetails{Name: "Alice"}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !acc.IsWIP() || acc.Version != 0 {
		t.Fatalf("expected uncommitted draft, got %+v", acc)
	}

	if _, err := f.ledger.EditAccount(ctx, bob, acc.ID, core.AccountDetails{Name: "Bob's"}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("foreign edit: expected ErrConflict, got %v", err)
	}
	if _, err := f.ledger.CommitAccount(ctx, bob, acc.ID, 0); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("foreign commit: expected ErrConflict, got %v", err)
	}

	if _, err := f.ledger.EditAccount(ctx, alice, acc.ID, core.AccountDetails{Name: "Alice", Description: "me"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	acc, err = f.ledger.CommitAccount(ctx, alice, acc.ID, 0)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if acc.Version != 1 || acc.IsWIP() || acc.Committed.Details.Description != "me" {
		t.Fatalf("unexpected committed account %+v", acc)
	}

	if _, err := f.ledger.CommitAccount(ctx, alice, acc.ID, 1); !errors.Is(err, core.ErrNotEditable) {
		t.Fatalf("commit without draft: expected ErrNotEditable, got %v", err)
	}
	if _, err := f.ledger.OpenAccountDraft(ctx, alice, acc.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.ledger.CommitAccount(ctx, alice, acc.ID, 0); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("stale commit: expected ErrVersionConflict, got %v", err)
	}
	if _, err := f.ledger.TakeoverAccountDraft(ctx, bob, acc.ID); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if _, err := f.ledger.DiscardAccount(ctx, alice, acc.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("discard of foreign draft: expected ErrConflict, got %v", err)
	}
	acc, err = f.ledger.DiscardAccount(ctx, bob, acc.ID)
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if acc.Version != 1 || acc.IsWIP() {
		t.Fatalf("discard must keep version 1, got %+v", acc)
	}

	if len(f.publisher.events) != 1 || f.publisher.events[0].kind != KindAccount || f.publisher.events[0].version != 1 {
		t.Fatalf("expected one account event, got %+v", f.publisher.events)
	}
}

func TestCreateAccountWithCommitValidatesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.CreateAccount(ctx, alice, f.group.ID, core.AccountTypePersonal, core.AccountDetails{Name: ""}, true)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	accounts, _ := f.ledger.ListAccounts(ctx, alice, f.group.ID)
	if len(accounts) != 0 {
		t.Fatalf("invalid account must not be stored, got %d", len(accounts))
	}

	stranger := int64(99)
	_, err = f.ledger.CreateAccount(ctx, alice, f.group.ID, core.AccountTypePersonal, core.AccountDetails{Name: "x", OwningUserID: &stranger}, true)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("owner outside the group: expected validation error, got %v", err)
	}
}

func TestConcurrentOpenDraftHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.personal(t, "Alice")

	actors := []int64{alice, bob}
	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		errs := make([]error, len(actors))
		for i, actor := range actors {
			wg.Add(1)
			go func(i int, actor int64) {
				defer wg.Done()
				_, errs[i] = f.ledger.OpenAccountDraft(ctx, actor, acc.ID)
			}(i, actor)
		}
		wg.Wait()

		won, conflicted := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, core.ErrConflict):
				conflicted++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if won != 1 || conflicted != 1 {
			t.Fatalf("expected one winner and one conflict, got %d/%d", won, conflicted)
		}

		stored, _ := f.ledger.GetAccount(ctx, alice, acc.ID)
		if _, err := f.ledger.DiscardAccount(ctx, stored.Pending.StartedBy, acc.ID); err != nil {
			t.Fatalf("discard: %v", err)
		}
	}
}

func TestConcurrentCommitHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc := f.personal(t, "Alice")
	if _, err := f.ledger.OpenAccountDraft(ctx, alice, acc.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.CommitAccount(ctx, alice, acc.ID, 1)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			t.Fatalf("loser should see ErrVersionConflict, got %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one commit, got %d", won)
	}
	stored, _ := f.ledger.GetAccount(ctx, alice, acc.ID)
	if stored.Version != 2 {
		t.Fatalf("expected version 2, got %d", stored.Version)
	}
}

func TestTransactionFlowAndBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b, c := f.personal(t, "A"), f.personal(t, "B"), f.personal(t, "C")

	tx, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 30, a.ID, b.ID, c.ID), nil, true)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if tx.Version != 1 {
		t.Fatalf("expected committed v1, got %d", tx.Version)
	}

	res, err := f.ledger.Balances(ctx, bob, f.group.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	want := map[int64]float64{a.ID: 20, b.ID: -10, c.ID: -10}
	for id, w := range want {
		if math.Abs(res.Balances[id].Balance-w) > 1e-9 {
			t.Fatalf("account %d: got %v want %v", id, res.Balances[id].Balance, w)
		}
	}

	// Open draft edits are invisible to balances until committed.
	if _, err := f.ledger.OpenTransactionDraft(ctx, bob, tx.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.ledger.EditTransaction(ctx, bob, tx.ID, purchase(a.ID, 60, a.ID, b.ID, c.ID)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	res, _ = f.ledger.Balances(ctx, bob, f.group.ID)
	if math.Abs(res.Balances[a.ID].Balance-20) > 1e-9 {
		t.Fatalf("draft leaked into balances: %v", res.Balances[a.ID].Balance)
	}

	if _, err := f.ledger.CommitTransaction(ctx, bob, tx.ID, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	res, _ = f.ledger.Balances(ctx, bob, f.group.ID)
	if math.Abs(res.Balances[a.ID].Balance-40) > 1e-9 {
		t.Fatalf("cache not invalidated after commit: %v", res.Balances[a.ID].Balance)
	}

	if _, err := f.ledger.DeleteTransaction(ctx, alice, tx.ID, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, _ = f.ledger.Balances(ctx, bob, f.group.ID)
	if res.Balances[a.ID].Balance != 0 {
		t.Fatalf("deleted transaction still counted: %v", res.Balances[a.ID].Balance)
	}
	if _, err := f.ledger.UndeleteTransaction(ctx, alice, tx.ID, 3); err != nil {
		t.Fatalf("undelete: %v", err)
	}
	stored, _ := f.ledger.GetTransaction(ctx, alice, tx.ID)
	if stored.Version != 4 || stored.IsDeleted() {
		t.Fatalf("expected restored v4, got v%d deleted=%v", stored.Version, stored.IsDeleted())
	}
}

func TestTransactionValidationAgainstGroupAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.personal(t, "A")

	_, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 10, a.ID, 9999), nil, true)
	if !errors.Is(err, core.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}

	tx, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 10, a.ID), nil, false)
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := f.ledger.EditTransaction(ctx, alice, tx.ID, purchase(a.ID, -5, a.ID)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := f.ledger.CommitTransaction(ctx, alice, tx.ID, 0); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := f.ledger.GetTransaction(ctx, alice, tx.ID)
	if stored.Pending == nil || stored.Pending.Details.Value != -5 || stored.Version != 0 {
		t.Fatalf("failed commit must leave the draft as it was: %+v", stored)
	}
}

func TestPositionsAndFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.personal(t, "A"), f.personal(t, "B")

	tx, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(b.ID, 9, a.ID, b.ID),
		[]core.Position{{Name: "wine", Price: 9, CommunistShares: 1, Usages: core.ShareMap{a.ID: 2}}}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, fileID, err := f.ledger.AddFile(ctx, alice, tx.ID, "receipt", "image/png")
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if _, err := f.ledger.AttachBlob(ctx, alice, tx.ID, fileID, 500); err != nil {
		t.Fatalf("attach blob: %v", err)
	}
	if _, err := f.ledger.AttachBlob(ctx, alice, tx.ID, fileID+1, 1); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown file: expected ErrNotFound, got %v", err)
	}
	if _, err := f.ledger.UpsertPositions(ctx, alice, tx.ID, []core.Position{{ID: 1, Name: "red wine", Price: 9, CommunistShares: 1, Usages: core.ShareMap{a.ID: 2}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tx, err = f.ledger.CommitTransaction(ctx, alice, tx.ID, 0)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	d := tx.Committed.Details
	if len(d.Positions) != 1 || d.Positions[0].Name != "red wine" {
		t.Fatalf("unexpected positions %+v", d.Positions)
	}
	if len(d.Files) != 1 || d.Files[0].URL("https://conto.example") != "https://conto.example/v1/files/1/500" {
		t.Fatalf("unexpected files %+v", d.Files)
	}

	res, err := f.ledger.Balances(ctx, alice, f.group.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if math.Abs(res.Balances[a.ID].Debit-7.5) > 1e-9 || math.Abs(res.Balances[b.ID].Debit-1.5) > 1e-9 {
		t.Fatalf("unexpected debits a=%v b=%v", res.Balances[a.ID].Debit, res.Balances[b.ID].Debit)
	}
}

func TestClearingAccountRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.personal(t, "A"), f.personal(t, "B")

	x, err := f.ledger.CreateAccount(ctx, alice, f.group.ID, core.AccountTypeClearing,
		core.AccountDetails{Name: "X", ClearingShares: core.ShareMap{a.ID: 1, b.ID: 1}}, true)
	if err != nil {
		t.Fatalf("create clearing X: %v", err)
	}
	y, err := f.ledger.CreateAccount(ctx, alice, f.group.ID, core.AccountTypeClearing,
		core.AccountDetails{Name: "Y", ClearingShares: core.ShareMap{x.ID: 1}}, true)
	if err != nil {
		t.Fatalf("create clearing Y: %v", err)
	}

	if _, err := f.ledger.OpenAccountDraft(ctx, alice, x.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.ledger.EditAccount(ctx, alice, x.ID, core.AccountDetails{Name: "X", ClearingShares: core.ShareMap{y.ID: 1}}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := f.ledger.CommitAccount(ctx, alice, x.ID, 1); !errors.Is(err, core.ErrClearingCycle) {
		t.Fatalf("expected ErrClearingCycle, got %v", err)
	}
	if _, err := f.ledger.DiscardAccount(ctx, alice, x.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}

	if _, err := f.ledger.DeleteAccount(ctx, alice, a.ID, 1); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("deleting a clearing target: expected validation error, got %v", err)
	}
	stored, _ := f.ledger.GetAccount(ctx, alice, a.ID)
	if stored.IsWIP() || stored.IsDeleted() {
		t.Fatalf("failed delete must not leave a draft behind: %+v", stored)
	}

	if _, err := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypePurchase, purchase(a.ID, 20, y.ID), nil, true); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	res, err := f.ledger.Balances(ctx, alice, f.group.ID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if res.Balances[x.ID].Balance != 0 || res.Balances[y.ID].Balance != 0 {
		t.Fatalf("clearing accounts should be zero: x=%v y=%v", res.Balances[x.ID].Balance, res.Balances[y.ID].Balance)
	}
	if math.Abs(res.Balances[a.ID].Balance-10) > 1e-9 || math.Abs(res.Balances[b.ID].Balance+10) > 1e-9 {
		t.Fatalf("unexpected personal balances a=%v b=%v", res.Balances[a.ID].Balance, res.Balances[b.ID].Balance)
	}
}

func TestChangedTransactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.personal(t, "A")

	first, _ := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypeMimo, purchase(a.ID, 1, a.ID), nil, true)
	cutoff := f.clock
	second, _ := f.ledger.CreateTransaction(ctx, alice, f.group.ID, core.TransactionTypeMimo, purchase(a.ID, 2, a.ID), nil, true)

	got, err := f.ledger.ChangedTransactions(ctx, bob, f.group.ID, cutoff, nil)
	if err != nil {
		t.Fatalf("changed: %v", err)
	}
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("expected only the second transaction, got %d entries", len(got))
	}
	got, _ = f.ledger.ChangedTransactions(ctx, bob, f.group.ID, cutoff, []int64{first.ID})
	if len(got) != 2 {
		t.Fatalf("explicit ids must be included, got %d entries", len(got))
	}
}

func TestGroupLogAndMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.personal(t, "A")

	if _, err := f.ledger.SendMessage(ctx, bob, f.group.ID, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.ledger.SendMessage(ctx, bob, f.group.ID, "  "); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("empty message: expected validation error, got %v", err)
	}
	logs, err := f.ledger.Logs(ctx, alice, f.group.ID, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	var types []string
	for _, e := range logs {
		types = append(types, e.Type)
	}
	want := []string{core.LogGroupCreated, core.LogMemberJoined, core.LogAccountCommitted, core.LogTextMessage}
	if len(types) != len(want) {
		t.Fatalf("unexpected log types %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected log types %v", types)
		}
	}
	if _, err := f.ledger.Logs(ctx, eve, f.group.ID, 0); !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAddUserAccountOnJoin(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemoryStore(), nil, Config{})
	g, err := l.CreateGroup(ctx, alice, GroupInput{Name: "trip", CurrencySymbol: "€", AddUserAccountOnJoin: true})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := l.AddMember(ctx, alice, g.ID, bob, true, "Bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	accounts, _ := l.ListAccounts(ctx, alice, g.ID)
	if len(accounts) != 2 {
		t.Fatalf("expected an account per member, got %d", len(accounts))
	}
	for _, acc := range accounts {
		if acc.Version != 1 || acc.Committed.Details.OwningUserID == nil {
			t.Fatalf("member account should be committed and owned: %+v", acc)
		}
	}
	if accounts[1].Committed.Details.Name != "Bob" {
		t.Fatalf("expected account named after the member, got %q", accounts[1].Committed.Details.Name)
	}
}

func TestPublisherFailureDoesNotFailCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	acc, err := f.ledger.CreateAccount(ctx, alice, f.group.ID, core.AccountTypePersonal, core.AccountDetails{Name: "A"}, true)
	if err != nil {
		t.Fatalf("commit must succeed without the broker: %v", err)
	}
	if acc.Version != 1 {
		t.Fatalf("expected v1, got %d", acc.Version)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.GetTransaction(context.Background(), alice, 4242); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
