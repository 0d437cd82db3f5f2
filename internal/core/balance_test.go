package core

import (
	"errors"
	"math"
	"testing"
)

const eps = 1e-9

func committedAccount(id int64, typ string, clearing ShareMap) *Account {
	acc := NewEntity[AccountDetails](id, 1, typ)
	_ = acc.OpenDraft(1, t0)
	_ = acc.Edit(1, func(r *AccountRevision) error {
		r.Details.Name = "acc"
		r.Details.ClearingShares = clearing.Clone()
		return nil
	})
	_ = acc.Commit(0, t0, nil)
	return acc
}

func committedTransaction(id int64, typ string, d TransactionDetails) *Transaction {
	tx := NewEntity[TransactionDetails](id, 1, typ)
	_ = tx.OpenDraft(1, t0)
	_ = tx.Edit(1, func(r *TransactionRevision) error {
		r.Details = d.Clone()
		return nil
	})
	_ = tx.Commit(0, t0, nil)
	return tx
}

func personalAccounts(ids ...int64) []*Account {
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, committedAccount(id, AccountTypePersonal, nil))
	}
	return out
}

func assertBalance(t *testing.T, res *BalanceResult, id int64, want float64) {
	t.Helper()
	b, ok := res.Balances[id]
	if !ok {
		t.Fatalf("account %d missing from result", id)
	}
	if math.Abs(b.Balance-want) > eps {
		t.Fatalf("account %d: balance %v, want %v", id, b.Balance, want)
	}
}

func assertConserved(t *testing.T, res *BalanceResult) {
	t.Helper()
	var credit, debit, total float64
	for _, b := range res.Balances {
		credit += b.Credit
		debit += b.Debit
		total += b.Balance
	}
	if math.Abs(credit-debit) > 1e-6 || math.Abs(total) > 1e-6 {
		t.Fatalf("balances not conserved: credit=%v debit=%v total=%v", credit, debit, total)
	}
}

func TestComputeBalancesEvenSplit(t *testing.T) {
	accounts := personalAccounts(1, 2, 3)
	txs := []*Transaction{committedTransaction(1, TransactionTypePurchase, validPurchase())}

	res, err := ComputeBalances(accounts, txs)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertBalance(t, res, 1, 20)
	assertBalance(t, res, 2, -10)
	assertBalance(t, res, 3, -10)
	assertConserved(t, res)
}

func TestComputeBalancesWithPositions(t *testing.T) {
	accounts := personalAccounts(4, 5)
	d := validPurchase()
	d.Value = 9
	d.CreditorShares = ShareMap{5: 1}
	d.DebitorShares = ShareMap{4: 1, 5: 1}
	d.Positions = []Position{{ID: 1, Name: "wine", Price: 9, CommunistShares: 1, Usages: ShareMap{4: 2}}}
	txs := []*Transaction{committedTransaction(1, TransactionTypePurchase, d)}

	res, err := ComputeBalances(accounts, txs)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if math.Abs(res.Balances[4].Debit-7.5) > eps || math.Abs(res.Balances[5].Debit-1.5) > eps {
		t.Fatalf("unexpected debits: 4=%v 5=%v", res.Balances[4].Debit, res.Balances[5].Debit)
	}
	assertBalance(t, res, 4, -7.5)
	assertBalance(t, res, 5, 7.5)
	assertConserved(t, res)
}

func TestComputeBalancesRemainderAfterPositions(t *testing.T) {
	accounts := personalAccounts(1, 2)
	d := validPurchase()
	d.Value = 10
	d.CreditorShares = ShareMap{1: 1}
	d.DebitorShares = ShareMap{1: 1, 2: 1}
	d.Positions = []Position{{ID: 1, Price: 4, Usages: ShareMap{2: 1}}}

	res, err := ComputeBalances(accounts, []*Transaction{committedTransaction(1, TransactionTypePurchase, d)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// 2 pays the position alone (4) plus half of the remaining 6.
	assertBalance(t, res, 2, -7)
	assertBalance(t, res, 1, 7)
	assertConserved(t, res)
}

func TestComputeBalancesUnliquidatedPosition(t *testing.T) {
	accounts := personalAccounts(1, 2)
	d := validPurchase()
	d.Value = 10
	d.DebitorShares = ShareMap{1: 1, 2: 1}
	d.Positions = []Position{{ID: 3, Name: "mystery", Price: 4, Usages: ShareMap{}}}

	res, err := ComputeBalances(accounts, []*Transaction{committedTransaction(8, TransactionTypePurchase, d)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(res.Unliquidated) != 1 || res.Unliquidated[0] != (PositionRef{TransactionID: 8, PositionID: 3}) {
		t.Fatalf("expected position 3 flagged, got %+v", res.Unliquidated)
	}
	assertBalance(t, res, 1, 5)
	assertBalance(t, res, 2, -5)
	assertConserved(t, res)
}

func TestComputeBalancesCurrencyConversion(t *testing.T) {
	accounts := personalAccounts(1, 2)
	d := validPurchase()
	d.Value = 10
	d.CurrencySymbol = "$"
	d.CurrencyConversionRate = 0.5
	d.DebitorShares = ShareMap{2: 1}

	res, err := ComputeBalances(accounts, []*Transaction{committedTransaction(1, TransactionTypePurchase, d)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertBalance(t, res, 1, 5)
	assertBalance(t, res, 2, -5)
}

func TestComputeBalancesIgnoresDraftsAndDeleted(t *testing.T) {
	accounts := personalAccounts(1, 2, 3)
	committed := committedTransaction(1, TransactionTypePurchase, validPurchase())

	deleted := committedTransaction(2, TransactionTypePurchase, validPurchase())
	_ = deleted.OpenDraft(1, t0)
	_ = deleted.Edit(1, func(r *TransactionRevision) error { r.Deleted = true; return nil })
	_ = deleted.Commit(1, t0, nil)

	draftOnly := NewEntity[TransactionDetails](3, 1, TransactionTypePurchase)
	_ = draftOnly.OpenDraft(1, t0)
	_ = draftOnly.Edit(1, func(r *TransactionRevision) error { r.Details = validPurchase(); return nil })

	// A pending edit of a committed transaction must not leak into balances.
	_ = committed.OpenDraft(1, t0)
	_ = committed.Edit(1, func(r *TransactionRevision) error { r.Details.Value = 3000; return nil })

	res, err := ComputeBalances(accounts, []*Transaction{committed, deleted, draftOnly})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertBalance(t, res, 1, 20)
	assertBalance(t, res, 2, -10)
}

func TestComputeBalancesClearing(t *testing.T) {
	// A clears evenly onto B and C; A was the debitor of a 20 purchase paid by B.
	a := committedAccount(10, AccountTypeClearing, ShareMap{11: 1, 12: 1})
	accounts := append([]*Account{a}, personalAccounts(11, 12)...)
	d := validPurchase()
	d.Value = 20
	d.CreditorShares = ShareMap{11: 1}
	d.DebitorShares = ShareMap{10: 1}

	res, err := ComputeBalances(accounts, []*Transaction{committedTransaction(1, TransactionTypePurchase, d)})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertBalance(t, res, 10, 0)
	assertBalance(t, res, 11, 10)
	assertBalance(t, res, 12, -10)
	if math.Abs(res.Balances[10].Net+20) > eps {
		t.Fatalf("clearing account net should still report -20, got %v", res.Balances[10].Net)
	}
	assertConserved(t, res)
}

func TestComputeBalancesChainedClearing(t *testing.T) {
	// 20 -> 21 -> {1, 2}; resolution order must not depend on input order.
	outer := committedAccount(20, AccountTypeClearing, ShareMap{21: 1})
	inner := committedAccount(21, AccountTypeClearing, ShareMap{1: 1, 2: 1})
	d := validPurchase()
	d.Value = 8
	d.CreditorShares = ShareMap{1: 1}
	d.DebitorShares = ShareMap{20: 1}
	txs := []*Transaction{committedTransaction(1, TransactionTypePurchase, d)}

	for _, order := range [][]*Account{
		append([]*Account{outer, inner}, personalAccounts(1, 2)...),
		append(personalAccounts(2, 1), inner, outer),
	} {
		res, err := ComputeBalances(order, txs)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		assertBalance(t, res, 20, 0)
		assertBalance(t, res, 21, 0)
		assertBalance(t, res, 1, 4)
		assertBalance(t, res, 2, -4)
	}
}

func TestComputeBalancesClearingCycle(t *testing.T) {
	a := committedAccount(1, AccountTypeClearing, ShareMap{2: 1})
	b := committedAccount(2, AccountTypeClearing, ShareMap{1: 1})
	_, err := ComputeBalances([]*Account{a, b}, nil)
	if !errors.Is(err, ErrClearingCycle) {
		t.Fatalf("expected ErrClearingCycle, got %v", err)
	}
	var ce *ClearingCycleError
	if !errors.As(err, &ce) || len(ce.AccountIDs) != 2 || ce.AccountIDs[0] != 1 || ce.AccountIDs[1] != 2 {
		t.Fatalf("expected both accounts in the cycle, got %v", err)
	}
}

func TestComputeBalancesOrderIndependent(t *testing.T) {
	accounts := personalAccounts(1, 2, 3)
	first := committedTransaction(1, TransactionTypePurchase, validPurchase())
	d := validPurchase()
	d.Value = 12
	d.CreditorShares = ShareMap{2: 1}
	d.DebitorShares = ShareMap{1: 1, 3: 2}
	second := committedTransaction(2, TransactionTypeMimo, d)

	r1, err := ComputeBalances(accounts, []*Transaction{first, second})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	r2, err := ComputeBalances(accounts, []*Transaction{second, first})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for id, b := range r1.Balances {
		if math.Abs(b.Balance-r2.Balances[id].Balance) > eps {
			t.Fatalf("account %d differs by order: %v vs %v", id, b.Balance, r2.Balances[id].Balance)
		}
	}
	assertConserved(t, r1)
}

func TestComputeBalancesEmptyGroup(t *testing.T) {
	res, err := ComputeBalances(personalAccounts(1), nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertBalance(t, res, 1, 0)
	if got := res.Sorted(); len(got) != 1 || got[0].AccountID != 1 {
		t.Fatalf("unexpected sorted result %+v", got)
	}
}

func TestRoundAmount(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{in: 1.005, want: "1.01"},
		{in: -10, want: "-10.00"},
		{in: 3.3333333, want: "3.33"},
	}
	for _, tt := range tests {
		if got := FormatAmount(RoundAmount(tt.in, 2), 2); got != tt.want {
			t.Fatalf("%v: got %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCheckClearingGraph(t *testing.T) {
	a := committedAccount(1, AccountTypeClearing, ShareMap{2: 1})
	b := committedAccount(2, AccountTypeClearing, ShareMap{3: 1})
	c := committedAccount(3, AccountTypePersonal, nil)
	accounts := []*Account{a, b, c}

	if err := CheckClearingGraph(accounts, 3, ShareMap{4: 1}); err != nil {
		t.Fatalf("acyclic graph rejected: %v", err)
	}
	err := CheckClearingGraph(accounts, 3, ShareMap{1: 1})
	if !errors.Is(err, ErrClearingCycle) {
		t.Fatalf("expected ErrClearingCycle, got %v", err)
	}
	// Replacing the shares of an existing clearing account removes its old edges.
	if err := CheckClearingGraph(append(accounts, committedAccount(3, AccountTypeClearing, ShareMap{1: 1})), 3, nil); err != nil {
		t.Fatalf("dropping the closing edge should resolve the cycle: %v", err)
	}
}

func TestComputeBalancesFlagsDeletedAccounts(t *testing.T) {
	accounts := personalAccounts(1, 2, 3)
	gone := accounts[2]
	if err := gone.OpenDraft(1, t0); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = gone.Edit(1, func(r *AccountRevision) error {
		r.Deleted = true
		return nil
	})
	if err := gone.Commit(1, t0, nil); err != nil {
		t.Fatalf("commit tombstone: %v", err)
	}
	txs := []*Transaction{committedTransaction(1, TransactionTypePurchase, validPurchase())}

	res, err := ComputeBalances(accounts, txs)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertBalance(t, res, 3, -10)
	assertConserved(t, res)
	if len(res.Advisories) != 1 || res.Advisories[0].TransactionID != 1 {
		t.Fatalf("expected one advisory for transaction 1, got %+v", res.Advisories)
	}
}

func TestTransactionAccountIDs(t *testing.T) {
	d := validPurchase()
	d.CreditorShares = ShareMap{7: 1}
	d.Positions = []Position{
		{ID: 1, Name: "wine", Price: 5, Usages: ShareMap{9: 1}},
		{ID: 2, Name: "gone", Price: 5, Usages: ShareMap{11: 1}, Deleted: true},
	}
	got := d.AccountIDs()
	want := []int64{1, 2, 3, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("AccountIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AccountIDs = %v, want %v", got, want)
		}
	}
}
