// Package ledger is the service layer of conto: it loads entities from the store,
// applies revision transitions, enforces group membership and emits side effects
// (group log, balance cache invalidation, commit events).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"conto/internal/cache"
	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/metrics"
	"conto/internal/storage"
)

const (
	KindAccount     = "account"
	KindTransaction = "transaction"

	// maxStaleRetries bounds reload-and-reapply cycles after a lost compare-and-swap.
	maxStaleRetries = 8
)

// EventPublisher announces committed revisions. Implementations must be safe for
// concurrent use.
type EventPublisher interface {
	PublishEntityCommitted(ctx context.Context, groupID int64, kind string, entityID, version int64) error
}

type Config struct {
	CacheSize int
	CacheTTL  time.Duration

	// DisableCache computes balances on every call. Processes sharing a store
	// without receiving each other's commit events must set it.
	DisableCache bool
}

// GroupLedger exposes every ledger operation on behalf of an acting user.
type GroupLedger struct {
	store     storage.Store
	publisher EventPublisher
	balances  *cache.LRU[int64, *core.BalanceResult]
	flight    singleflight.Group
	now       func() time.Time

	// cacheDisabled skips the balance cache; concurrent callers still share work.
	cacheDisabled bool

	genMu sync.Mutex
	gen   map[int64]uint64
}

// New wires a ledger. publisher may be nil, in which case no events are emitted.
func New(store storage.Store, publisher EventPublisher, cfg Config) *GroupLedger {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &GroupLedger{
		store:     store,
		publisher: publisher,
		balances:  cache.NewLRU[int64, *core.BalanceResult](cfg.CacheSize, cfg.CacheTTL),
		now:       func() time.Time { return time.Now().UTC() },
		gen:       make(map[int64]uint64),

		cacheDisabled: cfg.DisableCache,
	}
}

// BalanceCache exposes the cache so the process can register it for expiry cleanup.
func (l *GroupLedger) BalanceCache() cache.Cleaner { return l.balances }

// entityRepo binds the generic retry loop to one entity kind of the store.
type entityRepo[D core.Details[D]] struct {
	kind string
	get  func(ctx context.Context, id int64) (*core.Entity[D], error)
	save func(ctx context.Context, e *core.Entity[D]) error
}

func (l *GroupLedger) accountRepo() entityRepo[core.AccountDetails] {
	return entityRepo[core.AccountDetails]{kind: KindAccount, get: l.store.GetAccount, save: l.store.SaveAccount}
}

func (l *GroupLedger) transactionRepo() entityRepo[core.TransactionDetails] {
	return entityRepo[core.TransactionDetails]{kind: KindTransaction, get: l.store.GetTransaction, save: l.store.SaveTransaction}
}

// load fetches an entity and checks that actor may read (or write) its group.
func load[D core.Details[D]](ctx context.Context, l *GroupLedger, repo entityRepo[D], actor, id int64, write bool) (*core.Entity[D], error) {
	e, err := repo.get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &core.NotFoundError{Kind: repo.kind, ID: id}
		}
		return nil, fmt.Errorf("load %s %d: %w", repo.kind, id, err)
	}
	action := "read " + repo.kind
	if write {
		action = "edit " + repo.kind
	}
	if _, err := l.authorize(ctx, actor, e.GroupID, write, action); err != nil {
		return nil, err
	}
	return e, nil
}

// mutate loads the entity, applies fn and persists it with compare-and-swap.
// A lost race reloads and re-applies fn, so the loser observes the winner's state
// and gets the matching domain error from fn.
func mutate[D core.Details[D]](ctx context.Context, l *GroupLedger, repo entityRepo[D], actor, id int64,
	fn func(ctx context.Context, e *core.Entity[D]) error) (*core.Entity[D], error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		e, err := load(ctx, l, repo, actor, id, true)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, e); err != nil {
			recordRejection(repo.kind, err)
			return nil, err
		}
		err = repo.save(ctx, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, storage.ErrStale) {
			return nil, fmt.Errorf("save %s %d: %w", repo.kind, id, err)
		}
		metrics.StaleRetriesTotal.Inc()
		slog.DebugContext(ctx, "Concurrent update, retrying", "kind", repo.kind, "id", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("save %s %d: %w", repo.kind, id, storage.ErrStale)
}

func recordRejection(kind string, err error) {
	switch {
	case errors.Is(err, core.ErrConflict):
		metrics.ConflictsTotal.WithLabelValues(kind, "draft_held").Inc()
	case errors.Is(err, core.ErrVersionConflict):
		metrics.ConflictsTotal.WithLabelValues(kind, "version").Inc()
	}
}

// validAccountIDs returns the committed, non-deleted accounts of a group.
func (l *GroupLedger) validAccountIDs(ctx context.Context, groupID int64) (map[int64]struct{}, []*core.Account, error) {
	accounts, err := l.store.ListAccounts(ctx, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts: %w", err)
	}
	valid := make(map[int64]struct{}, len(accounts))
	for _, a := range accounts {
		if a.Committed != nil && !a.Committed.Deleted {
			valid[a.ID] = struct{}{}
		}
	}
	return valid, accounts, nil
}

// afterCommit runs the side effects of a successful commit. None of them can fail
// the commit, which is already durable.
func (l *GroupLedger) afterCommit(ctx context.Context, actor, groupID int64, kind string, entityID, version int64, logType, message string) {
	metrics.CommitsTotal.WithLabelValues(kind).Inc()
	l.invalidateBalances(groupID)

	entry := &core.LogEntry{
		GroupID:  groupID,
		Type:     logType,
		Message:  message,
		UserID:   actor,
		LoggedAt: l.now(),
	}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "Failed to append group log", "group_id", groupID, "error", err)
	}

	logger := log.FromContext(ctx).WithComponent(log.ComponentLedger)
	log.NewStructuredLogger(logger).LogCommit(ctx, actor, groupID, kind, entityID, version)

	if err := l.publishCommitted(ctx, groupID, kind, entityID, version); err != nil {
		slog.ErrorContext(ctx, "Failed to publish commit event",
			"group_id", groupID, "kind", kind, "id", entityID, "error", err)
	}
}

func (l *GroupLedger) publishCommitted(ctx context.Context, groupID int64, kind string, entityID, version int64) error {
	if l.publisher == nil {
		slog.DebugContext(ctx, "Event publisher not available, skipping commit event")
		return nil
	}
	return l.publisher.PublishEntityCommitted(ctx, groupID, kind, entityID, version)
}
