// Package worker keeps the exported balance sheets in step with committed state.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conto/internal/amqp"
	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/metrics"
	"conto/internal/sheets"
)

// BalanceSource computes group balances and forgets cached ones.
type BalanceSource interface {
	GroupBalances(ctx context.Context, groupID int64) (*core.BalanceResult, error)
	InvalidateBalances(groupID int64)
}

// GroupCatalog lists groups and their accounts.
type GroupCatalog interface {
	GroupIDs(ctx context.Context) ([]int64, error)
	ListAccounts(ctx context.Context, groupID int64) ([]*core.Account, error)
}

// EventSource delivers entity-committed events until ctx is done.
type EventSource interface {
	ConsumeEntityCommitted(ctx context.Context, handler func(context.Context, *amqp.EntityCommittedMessage) error) error
}

// ExportWorker re-exports the balances of a group whenever one of its entities is
// committed, and sweeps every group periodically to catch missed events.
type ExportWorker struct {
	balances    BalanceSource
	groups      GroupCatalog
	writer      sheets.BalanceWriter
	concurrency int

	mu      sync.Mutex
	pending map[int64]struct{}
}

func NewExportWorker(balances BalanceSource, groups GroupCatalog, writer sheets.BalanceWriter, concurrency int) *ExportWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ExportWorker{
		balances:    balances,
		groups:      groups,
		writer:      writer,
		concurrency: concurrency,
		pending:     make(map[int64]struct{}),
	}
}

// HandleEntityCommitted exports the group named by the message. A failed export is
// not requeued; the group stays pending and the next sweep retries it.
func (w *ExportWorker) HandleEntityCommitted(ctx context.Context, msg *amqp.EntityCommittedMessage) error {
	slog.InfoContext(ctx, "Processing entity committed message",
		"group_id", msg.GroupID,
		"kind", msg.Kind,
		"entity_id", msg.EntityID,
		"version", msg.Version)

	w.balances.InvalidateBalances(msg.GroupID)
	if err := w.ExportGroup(ctx, msg.GroupID); err != nil {
		w.markPending(msg.GroupID)
		slog.WarnContext(ctx, "Export failed, retrying on next sweep", "group_id", msg.GroupID, "error", err)
		return nil
	}
	w.clearPending(msg.GroupID)
	return nil
}

// ExportGroup writes the current balances of one group.
func (w *ExportWorker) ExportGroup(ctx context.Context, groupID int64) error {
	res, err := w.balances.GroupBalances(ctx, groupID)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("compute balances: %w", err)
	}
	accounts, err := w.groups.ListAccounts(ctx, groupID)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("list accounts: %w", err)
	}
	rows := sheets.BuildRows(res, accounts)
	ref, err := w.writer.WriteBalances(ctx, groupID, rows)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("write balances: %w", err)
	}
	metrics.ExportsTotal.WithLabelValues("ok").Inc()
	log.FromContext(ctx).WithComponent(log.ComponentExport).InfoContext(ctx, "Exported balances",
		log.FieldOperation, log.OpExport,
		log.FieldGroupID, groupID,
		"rows", len(rows),
		log.FieldSheetsRef, ref)
	return nil
}

// Sweep recomputes and exports every group. Individual failures are logged and
// left pending; the returned error only reports that groups could not be listed.
func (w *ExportWorker) Sweep(ctx context.Context) error {
	ids, err := w.groups.GroupIDs(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	var failed, exported int
	var countMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			w.balances.InvalidateBalances(id)
			err := w.ExportGroup(gctx, id)
			countMu.Lock()
			defer countMu.Unlock()
			if err != nil {
				failed++
				w.markPending(id)
				slog.ErrorContext(gctx, "Failed to export group", "group_id", id, "error", err)
				return nil
			}
			exported++
			w.clearPending(id)
			return nil
		})
	}
	g.Wait()

	slog.InfoContext(ctx, "Balance sweep completed",
		"groups", len(ids),
		"exported", exported,
		"errors", failed)
	return nil
}

// Run sweeps once, then consumes events and sweeps every interval until ctx is done.
// events may be nil, in which case only the periodic sweep runs.
func (w *ExportWorker) Run(ctx context.Context, events EventSource, interval time.Duration) error {
	if err := w.Sweep(ctx); err != nil {
		slog.ErrorContext(ctx, "Startup sweep failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if events != nil {
		g.Go(func() error {
			return events.ConsumeEntityCommitted(gctx, w.HandleEntityCommitted)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := w.Sweep(gctx); err != nil {
					slog.ErrorContext(gctx, "Periodic sweep failed", "error", err)
				}
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Pending returns the groups whose last export failed.
func (w *ExportWorker) Pending() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, 0, len(w.pending))
	for id := range w.pending {
		out = append(out, id)
	}
	return out
}

func (w *ExportWorker) markPending(id int64) {
	w.mu.Lock()
	w.pending[id] = struct{}{}
	w.mu.Unlock()
}

func (w *ExportWorker) clearPending(id int64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}
