package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"conto/internal/core"
)

// TransactionUpdate carries the editable scalar fields and share maps of a
// transaction. Positions and files have their own operations.
type TransactionUpdate struct {
	Description            string        `json:"description"`
	Value                  float64       `json:"value"`
	CurrencySymbol         string        `json:"currency_symbol"`
	CurrencyConversionRate float64       `json:"currency_conversion_rate"`
	BilledAt               core.Date     `json:"billed_at"`
	CreditorShares         core.ShareMap `json:"creditor_shares"`
	DebitorShares          core.ShareMap `json:"debitor_shares"`
}

func (u TransactionUpdate) apply(d *core.TransactionDetails) {
	d.Description = u.Description
	d.Value = u.Value
	d.CurrencySymbol = u.CurrencySymbol
	d.CurrencyConversionRate = u.CurrencyConversionRate
	d.BilledAt = u.BilledAt
	d.CreditorShares = u.CreditorShares.Clone()
	d.DebitorShares = u.DebitorShares.Clone()
}

// CreateTransaction creates a transaction with an open draft. With commit set the
// draft is validated and committed as version 1 before anything is stored.
func (l *GroupLedger) CreateTransaction(ctx context.Context, actor, groupID int64, typ string, update TransactionUpdate, positions []core.Position, commit bool) (*core.Transaction, error) {
	if _, err := l.authorize(ctx, actor, groupID, true, "create transactions"); err != nil {
		return nil, err
	}
	if !core.ValidTransactionType(typ) {
		return nil, &core.ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", typ)}
	}
	id, err := l.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate transaction id: %w", err)
	}

	tx := core.NewEntity[core.TransactionDetails](id, groupID, typ)
	if err := tx.OpenDraft(actor, l.now()); err != nil {
		return nil, err
	}
	if err := tx.Edit(actor, func(r *core.TransactionRevision) error {
		update.apply(&r.Details)
		return r.Details.UpsertPositions(positions)
	}); err != nil {
		return nil, err
	}
	if commit {
		if err := l.commitTransaction(ctx, tx, 0); err != nil {
			return nil, err
		}
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if commit {
		l.afterTransactionCommit(ctx, actor, tx)
	}
	return tx, nil
}

func (l *GroupLedger) GetTransaction(ctx context.Context, actor, id int64) (*core.Transaction, error) {
	return load(ctx, l, l.transactionRepo(), actor, id, false)
}

func (l *GroupLedger) ListTransactions(ctx context.Context, actor, groupID int64) ([]*core.Transaction, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "list transactions"); err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// ChangedTransactions is the incremental sync feed: transactions whose last change
// is after minLastChanged, plus the explicitly requested ids, ordered by id.
func (l *GroupLedger) ChangedTransactions(ctx context.Context, actor, groupID int64, minLastChanged time.Time, extraIDs []int64) ([]*core.Transaction, error) {
	txs, err := l.ListTransactions(ctx, actor, groupID)
	if err != nil {
		return nil, err
	}
	extra := make(map[int64]struct{}, len(extraIDs))
	for _, id := range extraIDs {
		extra[id] = struct{}{}
	}
	var out []*core.Transaction
	for _, tx := range txs {
		_, wanted := extra[tx.ID]
		if wanted || tx.LastChanged().After(minLastChanged) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *GroupLedger) OpenTransactionDraft(ctx context.Context, actor, id int64) (*core.Transaction, error) {
	return mutate(ctx, l, l.transactionRepo(), actor, id, func(_ context.Context, e *core.Transaction) error {
		return e.OpenDraft(actor, l.now())
	})
}

func (l *GroupLedger) TakeoverTransactionDraft(ctx context.Context, actor, id int64) (*core.Transaction, error) {
	return mutate(ctx, l, l.transactionRepo(), actor, id, func(_ context.Context, e *core.Transaction) error {
		return e.Takeover(actor, l.now())
	})
}

// EditTransaction replaces the scalar fields and share maps of the draft held by actor.
func (l *GroupLedger) EditTransaction(ctx context.Context, actor, id int64, update TransactionUpdate) (*core.Transaction, error) {
	return l.editTransaction(ctx, actor, id, func(d *core.TransactionDetails) error {
		update.apply(d)
		return nil
	})
}

// UpsertPositions adds positions with id <= 0 and replaces the others in the draft.
func (l *GroupLedger) UpsertPositions(ctx context.Context, actor, id int64, positions []core.Position) (*core.Transaction, error) {
	return l.editTransaction(ctx, actor, id, func(d *core.TransactionDetails) error {
		return d.UpsertPositions(positions)
	})
}

// AddFile registers an attachment in the draft; its blob is attached separately
// once the upload is complete.
func (l *GroupLedger) AddFile(ctx context.Context, actor, id int64, filename, mimeType string) (*core.Transaction, int64, error) {
	if filename == "" {
		return nil, 0, &core.ValidationError{Field: "filename", Message: "must not be empty"}
	}
	var fileID int64
	tx, err := l.editTransaction(ctx, actor, id, func(d *core.TransactionDetails) error {
		fileID = d.AddFile(core.FileAttachment{Filename: filename, MimeType: mimeType})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return tx, fileID, nil
}

// AttachBlob links an uploaded blob to a file of the draft.
func (l *GroupLedger) AttachBlob(ctx context.Context, actor, id, fileID, blobID int64) (*core.Transaction, error) {
	return l.editTransaction(ctx, actor, id, func(d *core.TransactionDetails) error {
		f, err := d.File(fileID)
		if err != nil {
			return err
		}
		f.BlobID = &blobID
		return nil
	})
}

// DeleteFile marks a file of the draft as deleted.
func (l *GroupLedger) DeleteFile(ctx context.Context, actor, id, fileID int64) (*core.Transaction, error) {
	return l.editTransaction(ctx, actor, id, func(d *core.TransactionDetails) error {
		f, err := d.File(fileID)
		if err != nil {
			return err
		}
		f.Deleted = true
		return nil
	})
}

func (l *GroupLedger) editTransaction(ctx context.Context, actor, id int64, patch func(d *core.TransactionDetails) error) (*core.Transaction, error) {
	return mutate(ctx, l, l.transactionRepo(), actor, id, func(_ context.Context, e *core.Transaction) error {
		return e.Edit(actor, func(r *core.TransactionRevision) error {
			return patch(&r.Details)
		})
	})
}

// EditAndCommitTransaction applies update and commits in one step.
func (l *GroupLedger) EditAndCommitTransaction(ctx context.Context, actor, id int64, update TransactionUpdate, expectedVersion int64) (*core.Transaction, error) {
	return l.editAndCommitTransaction(ctx, actor, id, expectedVersion, func(d *core.TransactionDetails) error {
		update.apply(d)
		return nil
	})
}

// UpsertPositionsAndCommit upserts positions and commits in one step.
func (l *GroupLedger) UpsertPositionsAndCommit(ctx context.Context, actor, id int64, positions []core.Position, expectedVersion int64) (*core.Transaction, error) {
	return l.editAndCommitTransaction(ctx, actor, id, expectedVersion, func(d *core.TransactionDetails) error {
		return d.UpsertPositions(positions)
	})
}

func (l *GroupLedger) editAndCommitTransaction(ctx context.Context, actor, id, expectedVersion int64, patch func(d *core.TransactionDetails) error) (*core.Transaction, error) {
	tx, err := mutate(ctx, l, l.transactionRepo(), actor, id, func(ctx context.Context, e *core.Transaction) error {
		if err := openOrReuseDraft(e, actor, l.now()); err != nil {
			return err
		}
		if err := e.Edit(actor, func(r *core.TransactionRevision) error {
			return patch(&r.Details)
		}); err != nil {
			return err
		}
		return l.commitTransaction(ctx, e, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	l.afterTransactionCommit(ctx, actor, tx)
	return tx, nil
}

func (l *GroupLedger) CommitTransaction(ctx context.Context, actor, id, expectedVersion int64) (*core.Transaction, error) {
	tx, err := mutate(ctx, l, l.transactionRepo(), actor, id, func(ctx context.Context, e *core.Transaction) error {
		if e.Pending != nil && e.Pending.StartedBy != actor {
			return &core.ConflictError{EntityID: e.ID, HeldBy: e.Pending.StartedBy}
		}
		return l.commitTransaction(ctx, e, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	l.afterTransactionCommit(ctx, actor, tx)
	return tx, nil
}

func (l *GroupLedger) DiscardTransaction(ctx context.Context, actor, id int64) (*core.Transaction, error) {
	return mutate(ctx, l, l.transactionRepo(), actor, id, func(_ context.Context, e *core.Transaction) error {
		if e.Pending != nil && e.Pending.StartedBy != actor {
			return &core.ConflictError{EntityID: e.ID, HeldBy: e.Pending.StartedBy}
		}
		return e.Discard()
	})
}

func (l *GroupLedger) DeleteTransaction(ctx context.Context, actor, id, expectedVersion int64) (*core.Transaction, error) {
	return l.setTransactionDeleted(ctx, actor, id, expectedVersion, true)
}

func (l *GroupLedger) UndeleteTransaction(ctx context.Context, actor, id, expectedVersion int64) (*core.Transaction, error) {
	return l.setTransactionDeleted(ctx, actor, id, expectedVersion, false)
}

func (l *GroupLedger) setTransactionDeleted(ctx context.Context, actor, id, expectedVersion int64, deleted bool) (*core.Transaction, error) {
	tx, err := mutate(ctx, l, l.transactionRepo(), actor, id, func(ctx context.Context, e *core.Transaction) error {
		if err := e.OpenDraft(actor, l.now()); err != nil {
			return err
		}
		if err := e.Edit(actor, func(r *core.TransactionRevision) error {
			r.Deleted = deleted
			return nil
		}); err != nil {
			return err
		}
		return l.commitTransaction(ctx, e, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	l.afterTransactionCommit(ctx, actor, tx)
	return tx, nil
}

// commitTransaction validates the draft against the current accounts of the group.
// A tombstone is committed without validating its content.
func (l *GroupLedger) commitTransaction(ctx context.Context, e *core.Transaction, expectedVersion int64) error {
	return e.Commit(expectedVersion, l.now(), func(r *core.TransactionRevision) error {
		if r.Deleted {
			return nil
		}
		valid, _, err := l.validAccountIDs(ctx, e.GroupID)
		if err != nil {
			return err
		}
		return core.ValidateTransaction(e, r, valid)
	})
}

func (l *GroupLedger) afterTransactionCommit(ctx context.Context, actor int64, tx *core.Transaction) {
	verb := "updated"
	switch {
	case tx.IsDeleted():
		verb = "deleted"
	case tx.Version == 1:
		verb = "created"
	}
	d := tx.Committed.Details
	msg := fmt.Sprintf("%s transaction %q (%s %s)", verb, d.Description, core.FormatAmount(d.Value, 2), d.CurrencySymbol)
	l.afterCommit(ctx, actor, tx.GroupID, KindTransaction, tx.ID, tx.Version, core.LogTransactionCommitted, msg)
}
