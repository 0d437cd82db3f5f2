package core

import (
	"fmt"
	"sort"
)

// AccountBalance is the outcome of the balance computation for one account.
type AccountBalance struct {
	AccountID int64 `json:"account_id"`
	// Credit is what the account fronted, Debit what it consumed.
	Credit float64 `json:"credit"`
	Debit  float64 `json:"debit"`
	// Net is Credit - Debit before clearing redistribution.
	Net float64 `json:"net"`
	// Cleared is the amount received from clearing accounts.
	Cleared float64 `json:"cleared"`
	// Balance is the final figure: Net + Cleared, or zero for a clearing account.
	Balance float64 `json:"balance"`
}

// BalanceResult holds balances for every account touched by the group.
type BalanceResult struct {
	Balances     map[int64]*AccountBalance `json:"balances"`
	Unliquidated []PositionRef             `json:"unliquidated"`
	Advisories   []Advisory                `json:"advisories"`
}

// Sorted returns the balances ordered by account id.
func (r *BalanceResult) Sorted() []AccountBalance {
	out := make([]AccountBalance, 0, len(r.Balances))
	for _, b := range r.Balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (r *BalanceResult) entry(id int64) *AccountBalance {
	b, ok := r.Balances[id]
	if !ok {
		b = &AccountBalance{AccountID: id}
		r.Balances[id] = b
	}
	return b
}

// ComputeBalances derives net balances from the committed state of one group.
// Drafts are ignored, as are deleted transactions. Callers must pass a consistent
// snapshot of accounts and transactions.
func ComputeBalances(accounts []*Account, transactions []*Transaction) (*BalanceResult, error) {
	res := &BalanceResult{Balances: make(map[int64]*AccountBalance)}

	deleted := make(map[int64]struct{})
	for _, acc := range accounts {
		if acc.Committed == nil {
			continue
		}
		if acc.Committed.Deleted {
			deleted[acc.ID] = struct{}{}
			continue
		}
		res.entry(acc.ID)
	}

	for _, tx := range transactions {
		if tx.Committed == nil || tx.Committed.Deleted {
			continue
		}
		applyTransaction(res, tx.ID, tx.Committed.Details)
		res.Advisories = append(res.Advisories, deletedReferences(tx.ID, tx.Committed.Details, deleted)...)
	}

	for _, b := range res.Balances {
		b.Net = b.Credit - b.Debit
		b.Balance = b.Net
	}

	if err := redistributeClearing(res, accounts); err != nil {
		return nil, err
	}
	return res, nil
}

func applyTransaction(res *BalanceResult, txID int64, d TransactionDetails) {
	rate := d.CurrencyConversionRate
	base := d.BaseValue()

	for id, amount := range d.CreditorShares.Split(base) {
		res.entry(id).Credit += amount
	}

	remainder := base
	for _, p := range d.ActivePositions() {
		shares, ok := p.Split(p.Price*rate, d.DebitorShares)
		if !ok {
			// The price stays in the remainder so credits and debits still balance.
			res.Unliquidated = append(res.Unliquidated, PositionRef{TransactionID: txID, PositionID: p.ID})
			continue
		}
		for id, amount := range shares {
			res.entry(id).Debit += amount
		}
		remainder -= p.Price * rate
	}

	for id, amount := range d.DebitorShares.Split(remainder) {
		res.entry(id).Debit += amount
	}

	res.Advisories = append(res.Advisories, Advisories(txID, d)...)
}

// deletedReferences flags accounts that a committed transaction still uses after
// they were deleted. Their amounts stay in the result so the group still sums to zero.
func deletedReferences(txID int64, d TransactionDetails, deleted map[int64]struct{}) []Advisory {
	if len(deleted) == 0 {
		return nil
	}
	var out []Advisory
	for _, id := range d.AccountIDs() {
		if _, ok := deleted[id]; ok {
			out = append(out, Advisory{
				TransactionID: txID,
				Message:       fmt.Sprintf("account %d is deleted but still used by this transaction", id),
			})
		}
	}
	return out
}

// redistributeClearing moves the balance of every clearing account onto its targets.
// A clearing account is resolved only after every clearing account feeding into it.
func redistributeClearing(res *BalanceResult, accounts []*Account) error {
	graph := clearingGraph(accounts)
	order, err := clearingOrder(graph)
	if err != nil {
		return err
	}
	for _, id := range order {
		src := res.entry(id)
		for target, amount := range graph[id].Split(src.Balance) {
			dst := res.entry(target)
			dst.Cleared += amount
			dst.Balance += amount
		}
		src.Balance = 0
	}
	return nil
}

func clearingGraph(accounts []*Account) map[int64]ShareMap {
	graph := make(map[int64]ShareMap)
	for _, acc := range accounts {
		if acc.Committed == nil || acc.Committed.Deleted {
			continue
		}
		if shares := acc.Committed.Details.ClearingShares; len(shares) > 0 {
			graph[acc.ID] = shares
		}
	}
	return graph
}

// CheckClearingGraph reports a ClearingCycleError if committing candidate with the
// given clearing shares would close a cycle among the committed accounts.
func CheckClearingGraph(accounts []*Account, candidateID int64, shares ShareMap) error {
	graph := clearingGraph(accounts)
	delete(graph, candidateID)
	if len(shares) > 0 {
		graph[candidateID] = shares
	}
	_, err := clearingOrder(graph)
	return err
}

// clearingOrder sorts clearing accounts topologically (Kahn), smallest id first
// among the ready ones so the result is deterministic.
func clearingOrder(graph map[int64]ShareMap) ([]int64, error) {
	if len(graph) == 0 {
		return nil, nil
	}

	indegree := make(map[int64]int, len(graph))
	for id := range graph {
		indegree[id] = 0
	}
	for _, shares := range graph {
		for target := range shares {
			if _, ok := graph[target]; ok {
				indegree[target]++
			}
		}
	}

	var ready []int64
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sortedIDs(ready)

	order := make([]int64, 0, len(graph))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var next []int64
		for target := range graph[id] {
			if _, ok := graph[target]; !ok {
				continue
			}
			indegree[target]--
			if indegree[target] == 0 {
				next = append(next, target)
			}
		}
		ready = append(ready, sortedIDs(next)...)
	}

	if len(order) < len(graph) {
		var stuck []int64
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &ClearingCycleError{AccountIDs: sortedIDs(stuck)}
	}
	return order, nil
}
