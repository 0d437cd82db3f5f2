// Package storage defines the persistence port of the ledger and an in-memory
// implementation. SQL backed stores live in the sqlite and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"conto/internal/core"
)

var (
	// ErrStale is returned by Save* when the entity was written since it was loaded.
	ErrStale = errors.New("storage: stale write")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique record already exists.
	ErrDuplicate = errors.New("storage: duplicate")
)

// Snapshot is a consistent view of every account and transaction of one group.
type Snapshot struct {
	GroupID      int64
	Accounts     []*core.Account
	Transactions []*core.Transaction
	TakenAt      time.Time
}

// Store persists groups, members, revisioned entities and the group log.
//
// Entities are written with compare-and-swap on Seq: Save* succeeds only when the
// stored Seq equals the Seq of the passed entity, and increments it on success.
type Store interface {
	NextID(ctx context.Context) (int64, error)

	CreateGroup(ctx context.Context, g core.Group) error
	GetGroup(ctx context.Context, id int64) (core.Group, error)
	// UpdateGroup rewrites the metadata of an existing group; CreatedBy and
	// CreatedAt are kept.
	UpdateGroup(ctx context.Context, g core.Group) error
	// DeleteGroup removes the group together with its members, invites,
	// entities and log.
	DeleteGroup(ctx context.Context, id int64) error
	ListGroups(ctx context.Context, userID int64) ([]core.Group, error)
	// GroupIDs returns the ids of every group in ascending order.
	GroupIDs(ctx context.Context) ([]int64, error)
	AddMember(ctx context.Context, m core.Member) error
	Member(ctx context.Context, groupID, userID int64) (core.Member, error)
	Members(ctx context.Context, groupID int64) ([]core.Member, error)
	// UpdateMember rewrites IsOwner, CanWrite and Description of a member.
	UpdateMember(ctx context.Context, m core.Member) error
	RemoveMember(ctx context.Context, groupID, userID int64) error

	// CreateInvite fails with ErrDuplicate when the token is taken.
	CreateInvite(ctx context.Context, inv core.GroupInvite) error
	Invites(ctx context.Context, groupID int64) ([]core.GroupInvite, error)
	InviteByToken(ctx context.Context, token string) (core.GroupInvite, error)
	// DeleteInvite returns ErrNotFound when the invite does not exist in the group,
	// so concurrent uses of a single use invite have one winner.
	DeleteInvite(ctx context.Context, groupID, inviteID int64) error

	InsertAccount(ctx context.Context, acc *core.Account) error
	GetAccount(ctx context.Context, id int64) (*core.Account, error)
	SaveAccount(ctx context.Context, acc *core.Account) error
	ListAccounts(ctx context.Context, groupID int64) ([]*core.Account, error)

	InsertTransaction(ctx context.Context, tx *core.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*core.Transaction, error)
	SaveTransaction(ctx context.Context, tx *core.Transaction) error
	ListTransactions(ctx context.Context, groupID int64) ([]*core.Transaction, error)

	// AppendLog assigns entry.ID.
	AppendLog(ctx context.Context, entry *core.LogEntry) error
	// ListLogs returns entries with ID > afterID in ascending order.
	ListLogs(ctx context.Context, groupID, afterID int64) ([]core.LogEntry, error)

	Snapshot(ctx context.Context, groupID int64) (*Snapshot, error)

	Close() error
}
