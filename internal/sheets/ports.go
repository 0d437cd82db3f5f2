package sheets

import (
	"context"
	"fmt"
	"sort"

	"conto/internal/core"
)

// BalanceRow is one exported line: an account and its rounded balance.
type BalanceRow struct {
	AccountID int64
	Name      string
	Balance   float64
}

// Ports for outbound adapters.
type (
	// BalanceWriter replaces the exported balances of a group.
	BalanceWriter interface {
		WriteBalances(ctx context.Context, groupID int64, rows []BalanceRow) (ref string, err error)
	}
)

// SheetName is the tab holding the balances of a group.
func SheetName(groupID int64) string {
	return fmt.Sprintf("Balances %d", groupID)
}

// BuildRows pairs balances with the committed, non-deleted accounts of the group,
// ordered by account id. Balances are rounded to cents.
func BuildRows(res *core.BalanceResult, accounts []*core.Account) []BalanceRow {
	rows := make([]BalanceRow, 0, len(accounts))
	for _, acc := range accounts {
		if acc.Committed == nil || acc.Committed.Deleted {
			continue
		}
		var balance float64
		if b, ok := res.Balances[acc.ID]; ok {
			balance = core.RoundAmount(b.Balance, 2)
		}
		rows = append(rows, BalanceRow{
			AccountID: acc.ID,
			Name:      acc.Committed.Details.Name,
			Balance:   balance,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AccountID < rows[j].AccountID })
	return rows
}
