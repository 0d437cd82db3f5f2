package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/metrics"
)

// Balances returns the balances of a group for one of its members.
func (l *GroupLedger) Balances(ctx context.Context, actor, groupID int64) (*core.BalanceResult, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "read balances"); err != nil {
		return nil, err
	}
	return l.GroupBalances(ctx, groupID)
}

// GroupBalances computes balances without an acting user; it serves background
// jobs such as the exporter. Concurrent callers for the same group and generation
// share one computation and the result is cached until the next commit in the group.
func (l *GroupLedger) GroupBalances(ctx context.Context, groupID int64) (*core.BalanceResult, error) {
	if !l.cacheDisabled {
		if res, ok := l.balances.Get(groupID); ok {
			metrics.BalanceCacheTotal.WithLabelValues("hit").Inc()
			return res, nil
		}
		metrics.BalanceCacheTotal.WithLabelValues("miss").Inc()
	}

	// A caller arriving after a commit must not join a computation whose snapshot
	// predates it, so the generation is part of the key.
	gen := l.generation(groupID)
	key := fmt.Sprintf("%d:%d", groupID, gen)
	v, err, shared := l.flight.Do(key, func() (any, error) {
		res, err := l.computeBalances(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if !l.cacheDisabled && l.generation(groupID) == gen {
			l.balances.Set(groupID, res)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.DebugContext(ctx, "Balance computation shared", "group_id", groupID, "generation", gen)
	}
	return v.(*core.BalanceResult), nil
}

func (l *GroupLedger) computeBalances(ctx context.Context, groupID int64) (*core.BalanceResult, error) {
	timer := prometheus.NewTimer(metrics.BalanceComputeDuration)
	defer timer.ObserveDuration()

	snap, err := l.store.Snapshot(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("snapshot group %d: %w", groupID, err)
	}
	res, err := core.ComputeBalances(snap.Accounts, snap.Transactions)
	if err != nil {
		return nil, fmt.Errorf("compute balances of group %d: %w", groupID, err)
	}
	log.FromContext(ctx).WithComponent(log.ComponentBalance).DebugContext(ctx, "Balances computed",
		log.FieldGroupID, groupID,
		"accounts", len(snap.Accounts),
		"transactions", len(snap.Transactions),
		"unliquidated", len(res.Unliquidated))
	return res, nil
}

func (l *GroupLedger) generation(groupID int64) uint64 {
	l.genMu.Lock()
	defer l.genMu.Unlock()
	return l.gen[groupID]
}

func (l *GroupLedger) invalidateBalances(groupID int64) {
	l.genMu.Lock()
	l.gen[groupID]++
	l.genMu.Unlock()
	l.balances.Delete(groupID)
}

// InvalidateBalances drops the cached balances of a group, e.g. when another
// process reports a commit.
func (l *GroupLedger) InvalidateBalances(groupID int64) {
	l.invalidateBalances(groupID)
}
