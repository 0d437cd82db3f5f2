package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"conto/internal/amqp"
	"conto/internal/core"
	"conto/internal/ledger"
	"conto/internal/log"
	"conto/internal/sheets"
	sheetsmem "conto/internal/sheets/memory"
	"conto/internal/storage"
)

const actor = int64(1)

type seeded struct {
	store  *storage.MemoryStore
	ledger *ledger.GroupLedger
	group  core.Group
	a, b   *core.Account
}

func seed(t *testing.T) *seeded {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := ledger.New(store, nil, ledger.Config{})

	g, err := l.CreateGroup(ctx, actor, ledger.GroupInput{Name: "flat", CurrencySymbol: "€"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	a, err := l.CreateAccount(ctx, actor, g.ID, core.AccountTypePersonal, core.AccountDetails{Name: "A"}, true)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	b, err := l.CreateAccount(ctx, actor, g.ID, core.AccountTypePersonal, core.AccountDetails{Name: "B"}, true)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	_, err = l.CreateTransaction(ctx, actor, g.ID, core.TransactionTypePurchase, ledger.TransactionUpdate{
		Description:            "dinner",
		Value:                  10,
		CurrencySymbol:         "€",
		CurrencyConversionRate: 1,
		BilledAt:               core.NewDate(2025, 1, 1),
		CreditorShares:         core.ShareMap{a.ID: 1},
		DebitorShares:          core.ShareMap{a.ID: 1, b.ID: 1},
	}, nil, true)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return &seeded{store: store, ledger: l, group: g, a: a, b: b}
}

type failingWriter struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *failingWriter) WriteBalances(context.Context, int64, []sheets.BalanceRow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", errors.New("sheets unavailable")
	}
	return "ok", nil
}

type fakeEvents struct {
	msgs []*amqp.EntityCommittedMessage
	done chan struct{}
}

func (f *fakeEvents) ConsumeEntityCommitted(ctx context.Context, handler func(context.Context, *amqp.EntityCommittedMessage) error) error {
	for _, m := range f.msgs {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	close(f.done)
	<-ctx.Done()
	return ctx.Err()
}

func TestExportGroupWritesRows(t *testing.T) {
	s := seed(t)
	out := sheetsmem.New()
	w := NewExportWorker(s.ledger, s.store, out, 2)

	if err := w.ExportGroup(context.Background(), s.group.ID); err != nil {
		t.Fatalf("export: %v", err)
	}
	rows, ok := out.Balances(s.group.ID)
	if !ok || len(rows) != 2 {
		t.Fatalf("expected two rows, got %v", rows)
	}
	if rows[0].AccountID != s.a.ID || rows[0].Name != "A" || rows[0].Balance != 5 {
		t.Errorf("unexpected first row %+v", rows[0])
	}
	if rows[1].Balance != -5 {
		t.Errorf("unexpected second row %+v", rows[1])
	}
}

func TestExportGroupLogsComponents(t *testing.T) {
	s := seed(t)
	w := NewExportWorker(s.ledger, s.store, sheetsmem.New(), 1)

	var buf bytes.Buffer
	logger := log.New(log.Config{Level: slog.LevelDebug, Component: log.ComponentWorker, Output: &buf})
	ctx := log.NewContext(context.Background(), logger)
	if err := w.ExportGroup(ctx, s.group.ID); err != nil {
		t.Fatalf("export: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"component=balance", "component=export", "operation=export", "sheets_ref="} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestHandleEntityCommittedRefreshesStaleBalances(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	out := sheetsmem.New()

	// A second ledger over the same store plays the API process.
	api := ledger.New(s.store, nil, ledger.Config{})
	w := NewExportWorker(s.ledger, s.store, out, 1)
	if err := w.ExportGroup(ctx, s.group.ID); err != nil {
		t.Fatalf("export: %v", err)
	}

	tx, err := api.CreateTransaction(ctx, actor, s.group.ID, core.TransactionTypeTransfer, ledger.TransactionUpdate{
		Value:                  5,
		CurrencySymbol:         "€",
		CurrencyConversionRate: 1,
		BilledAt:               core.NewDate(2025, 1, 2),
		CreditorShares:         core.ShareMap{s.b.ID: 1},
		DebitorShares:          core.ShareMap{s.a.ID: 1},
	}, nil, true)
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	msg := amqp.NewEntityCommittedMessage(s.group.ID, ledger.KindTransaction, tx.ID, tx.Version)
	if err := w.HandleEntityCommitted(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rows, _ := out.Balances(s.group.ID)
	if rows[0].Balance != 0 || rows[1].Balance != 0 {
		t.Fatalf("expected settled balances after the event, got %+v", rows)
	}
}

func TestSweepRetriesFailedGroups(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	writer := &failingWriter{fails: 1}
	w := NewExportWorker(s.ledger, s.store, writer, 4)

	msg := amqp.NewEntityCommittedMessage(s.group.ID, ledger.KindAccount, s.a.ID, 1)
	if err := w.HandleEntityCommitted(ctx, msg); err != nil {
		t.Fatalf("handler must not requeue on export failure: %v", err)
	}
	if p := w.Pending(); len(p) != 1 || p[0] != s.group.ID {
		t.Fatalf("expected the group to be pending, got %v", p)
	}

	if err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if p := w.Pending(); len(p) != 0 {
		t.Fatalf("sweep should clear pending groups, got %v", p)
	}
	if writer.calls != 2 {
		t.Fatalf("expected two write attempts, got %d", writer.calls)
	}
}

func TestRunConsumesEventsUntilCanceled(t *testing.T) {
	s := seed(t)
	out := sheetsmem.New()
	w := NewExportWorker(s.ledger, s.store, out, 1)

	events := &fakeEvents{
		msgs: []*amqp.EntityCommittedMessage{amqp.NewEntityCommittedMessage(s.group.ID, ledger.KindAccount, s.a.ID, 1)},
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, events, time.Hour) }()

	select {
	case <-events.done:
	case <-time.After(5 * time.Second):
		t.Fatal("events were not consumed")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run should stop cleanly on cancel, got %v", err)
	}
	// One startup sweep plus one event.
	if out.Writes() != 2 {
		t.Fatalf("expected two exports, got %d", out.Writes())
	}
}
