package memory

import (
	"context"
	"fmt"
	"sync"

	ports "conto/internal/sheets"
)

var _ ports.BalanceWriter = (*Store)(nil)

// Store keeps the last exported balances per group in memory.
type Store struct {
	mu     sync.Mutex
	groups map[int64][]ports.BalanceRow
	writes int
}

func New() *Store {
	return &Store{groups: make(map[int64][]ports.BalanceRow)}
}

// WriteBalances replaces the rows of the group and returns a synthetic reference.
func (s *Store) WriteBalances(_ context.Context, groupID int64, rows []ports.BalanceRow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = append([]ports.BalanceRow(nil), rows...)
	s.writes++
	return fmt.Sprintf("mem:%s!A1:C%d", ports.SheetName(groupID), len(rows)+1), nil
}

// Balances returns a copy of the last rows written for the group.
func (s *Store) Balances(groupID int64) ([]ports.BalanceRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.groups[groupID]
	return append([]ports.BalanceRow(nil), rows...), ok
}

// Writes counts WriteBalances calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
