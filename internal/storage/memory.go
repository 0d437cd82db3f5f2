package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"conto/internal/core"
)

// entityTable keeps deep copies so callers never share memory with the store.
type entityTable[D core.Details[D]] struct {
	rows map[int64]*core.Entity[D]
}

func newEntityTable[D core.Details[D]]() entityTable[D] {
	return entityTable[D]{rows: make(map[int64]*core.Entity[D])}
}

func (t entityTable[D]) insert(e *core.Entity[D]) error {
	if _, ok := t.rows[e.ID]; ok {
		return fmt.Errorf("entity %d: %w", e.ID, ErrDuplicate)
	}
	e.Seq = 1
	t.rows[e.ID] = e.Clone()
	return nil
}

func (t entityTable[D]) get(id int64) (*core.Entity[D], error) {
	e, ok := t.rows[id]
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (t entityTable[D]) save(e *core.Entity[D]) error {
	stored, ok := t.rows[e.ID]
	if !ok {
		return fmt.Errorf("entity %d: %w", e.ID, ErrNotFound)
	}
	if stored.Seq != e.Seq {
		return fmt.Errorf("entity %d: %w", e.ID, ErrStale)
	}
	e.Seq++
	t.rows[e.ID] = e.Clone()
	return nil
}

func (t entityTable[D]) list(groupID int64) []*core.Entity[D] {
	var out []*core.Entity[D]
	for _, e := range t.rows {
		if e.GroupID == groupID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t entityTable[D]) dropGroup(groupID int64) {
	for id, e := range t.rows {
		if e.GroupID == groupID {
			delete(t.rows, id)
		}
	}
}

// MemoryStore is a Store kept entirely in process memory. A single mutex makes
// every compare-and-swap and every snapshot atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	nextID       int64
	groups       map[int64]core.Group
	members      map[int64]map[int64]core.Member
	accounts     entityTable[core.AccountDetails]
	transactions entityTable[core.TransactionDetails]
	logs         map[int64][]core.LogEntry
	nextLogID    int64
	invites      map[int64]map[int64]core.GroupInvite
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:       make(map[int64]core.Group),
		members:      make(map[int64]map[int64]core.Member),
		accounts:     newEntityTable[core.AccountDetails](),
		transactions: newEntityTable[core.TransactionDetails](),
		logs:         make(map[int64][]core.LogEntry),
		invites:      make(map[int64]map[int64]core.GroupInvite),
		now:          time.Now,
	}
}

func (s *MemoryStore) NextID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, g core.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return fmt.Errorf("group %d: %w", g.ID, ErrDuplicate)
	}
	s.groups[g.ID] = g
	s.members[g.ID] = make(map[int64]core.Member)
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id int64) (core.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return core.Group{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g, nil
}

func (s *MemoryStore) UpdateGroup(_ context.Context, g core.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.groups[g.ID]
	if !ok {
		return fmt.Errorf("group %d: %w", g.ID, ErrNotFound)
	}
	g.CreatedBy = stored.CreatedBy
	g.CreatedAt = stored.CreatedAt
	s.groups[g.ID] = g
	return nil
}

func (s *MemoryStore) DeleteGroup(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	delete(s.groups, id)
	delete(s.members, id)
	delete(s.invites, id)
	delete(s.logs, id)
	s.accounts.dropGroup(id)
	s.transactions.dropGroup(id)
	return nil
}

func (s *MemoryStore) ListGroups(_ context.Context, userID int64) ([]core.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Group
	for id, members := range s.members {
		if _, ok := members[userID]; ok {
			out = append(out, s.groups[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GroupIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.groups))
	for id := range s.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) AddMember(_ context.Context, m core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[m.GroupID]
	if !ok {
		return fmt.Errorf("group %d: %w", m.GroupID, ErrNotFound)
	}
	if _, exists := members[m.UserID]; exists {
		return fmt.Errorf("member %d of group %d: %w", m.UserID, m.GroupID, ErrDuplicate)
	}
	members[m.UserID] = m
	return nil
}

func (s *MemoryStore) Member(_ context.Context, groupID, userID int64) (core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[groupID][userID]
	if !ok {
		return core.Member{}, fmt.Errorf("member %d of group %d: %w", userID, groupID, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) Members(_ context.Context, groupID int64) ([]core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[groupID]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	out := make([]core.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) UpdateMember(_ context.Context, m core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.members[m.GroupID][m.UserID]
	if !ok {
		return fmt.Errorf("member %d of group %d: %w", m.UserID, m.GroupID, ErrNotFound)
	}
	stored.IsOwner = m.IsOwner
	stored.CanWrite = m.CanWrite
	stored.Description = m.Description
	s.members[m.GroupID][m.UserID] = stored
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, groupID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[groupID][userID]; !ok {
		return fmt.Errorf("member %d of group %d: %w", userID, groupID, ErrNotFound)
	}
	delete(s.members[groupID], userID)
	return nil
}

func (s *MemoryStore) CreateInvite(_ context.Context, inv core.GroupInvite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[inv.GroupID]; !ok {
		return fmt.Errorf("group %d: %w", inv.GroupID, ErrNotFound)
	}
	for _, invites := range s.invites {
		for _, other := range invites {
			if other.ID == inv.ID || other.Token == inv.Token {
				return fmt.Errorf("invite %d: %w", inv.ID, ErrDuplicate)
			}
		}
	}
	if s.invites[inv.GroupID] == nil {
		s.invites[inv.GroupID] = make(map[int64]core.GroupInvite)
	}
	s.invites[inv.GroupID][inv.ID] = inv
	return nil
}

func (s *MemoryStore) Invites(_ context.Context, groupID int64) ([]core.GroupInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.GroupInvite, 0, len(s.invites[groupID]))
	for _, inv := range s.invites[groupID] {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InviteByToken(_ context.Context, token string) (core.GroupInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, invites := range s.invites {
		for _, inv := range invites {
			if inv.Token == token {
				return inv, nil
			}
		}
	}
	return core.GroupInvite{}, fmt.Errorf("invite: %w", ErrNotFound)
}

func (s *MemoryStore) DeleteInvite(_ context.Context, groupID, inviteID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[groupID][inviteID]; !ok {
		return fmt.Errorf("invite %d of group %d: %w", inviteID, groupID, ErrNotFound)
	}
	delete(s.invites[groupID], inviteID)
	return nil
}

func (s *MemoryStore) InsertAccount(_ context.Context, acc *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts.insert(acc)
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts.get(id)
}

func (s *MemoryStore) SaveAccount(_ context.Context, acc *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts.save(acc)
}

func (s *MemoryStore) ListAccounts(_ context.Context, groupID int64) ([]*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts.list(groupID), nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions.insert(tx)
}

func (s *MemoryStore) GetTransaction(_ context.Context, id int64) (*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactions.get(id)
}

func (s *MemoryStore) SaveTransaction(_ context.Context, tx *core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions.save(tx)
}

func (s *MemoryStore) ListTransactions(_ context.Context, groupID int64) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactions.list(groupID), nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	entry.ID = s.nextLogID
	s.logs[entry.GroupID] = append(s.logs[entry.GroupID], *entry)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, groupID, afterID int64) ([]core.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.LogEntry
	for _, e := range s.logs[groupID] {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, groupID int64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		GroupID:      groupID,
		Accounts:     s.accounts.list(groupID),
		Transactions: s.transactions.list(groupID),
		TakenAt:      s.now(),
	}, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
