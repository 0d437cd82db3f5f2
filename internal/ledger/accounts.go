package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conto/internal/core"
	"conto/internal/storage"
)

// CreateAccount creates an account with an open draft holding details. With commit
// set the draft is validated and committed as version 1 before anything is stored.
func (l *GroupLedger) CreateAccount(ctx context.Context, actor, groupID int64, typ string, details core.AccountDetails, commit bool) (*core.Account, error) {
	if _, err := l.authorize(ctx, actor, groupID, true, "create accounts"); err != nil {
		return nil, err
	}
	return l.createAccount(ctx, actor, groupID, typ, details, commit)
}

func (l *GroupLedger) createAccount(ctx context.Context, actor, groupID int64, typ string, details core.AccountDetails, commit bool) (*core.Account, error) {
	if !core.ValidAccountType(typ) {
		return nil, &core.ValidationError{Field: "type", Message: fmt.Sprintf("unknown account type %q", typ)}
	}
	id, err := l.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate account id: %w", err)
	}

	acc := core.NewEntity[core.AccountDetails](id, groupID, typ)
	now := l.now()
	if err := acc.OpenDraft(actor, now); err != nil {
		return nil, err
	}
	if err := acc.Edit(actor, func(r *core.AccountRevision) error {
		r.Details = details.Clone()
		return nil
	}); err != nil {
		return nil, err
	}
	if commit {
		if err := l.commitAccount(ctx, acc, 0); err != nil {
			return nil, err
		}
	}
	if err := l.store.InsertAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	if commit {
		l.afterAccountCommit(ctx, actor, acc)
	}
	return acc, nil
}

func (l *GroupLedger) GetAccount(ctx context.Context, actor, id int64) (*core.Account, error) {
	return load(ctx, l, l.accountRepo(), actor, id, false)
}

func (l *GroupLedger) ListAccounts(ctx context.Context, actor, groupID int64) ([]*core.Account, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "list accounts"); err != nil {
		return nil, err
	}
	accounts, err := l.store.ListAccounts(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// OpenAccountDraft starts editing a committed account.
func (l *GroupLedger) OpenAccountDraft(ctx context.Context, actor, id int64) (*core.Account, error) {
	return mutate(ctx, l, l.accountRepo(), actor, id, func(_ context.Context, e *core.Account) error {
		return e.OpenDraft(actor, l.now())
	})
}

// TakeoverAccountDraft hands the open draft to actor.
func (l *GroupLedger) TakeoverAccountDraft(ctx context.Context, actor, id int64) (*core.Account, error) {
	return mutate(ctx, l, l.accountRepo(), actor, id, func(_ context.Context, e *core.Account) error {
		return e.Takeover(actor, l.now())
	})
}

// EditAccount replaces the details of the draft held by actor.
func (l *GroupLedger) EditAccount(ctx context.Context, actor, id int64, details core.AccountDetails) (*core.Account, error) {
	return mutate(ctx, l, l.accountRepo(), actor, id, func(_ context.Context, e *core.Account) error {
		return e.Edit(actor, func(r *core.AccountRevision) error {
			r.Details = details.Clone()
			return nil
		})
	})
}

// CommitAccount freezes the draft of actor as version expectedVersion+1.
func (l *GroupLedger) CommitAccount(ctx context.Context, actor, id, expectedVersion int64) (*core.Account, error) {
	acc, err := mutate(ctx, l, l.accountRepo(), actor, id, func(ctx context.Context, e *core.Account) error {
		if e.Pending != nil && e.Pending.StartedBy != actor {
			return &core.ConflictError{EntityID: e.ID, HeldBy: e.Pending.StartedBy}
		}
		return l.commitAccount(ctx, e, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	l.afterAccountCommit(ctx, actor, acc)
	return acc, nil
}

// EditAndCommitAccount edits and commits in one step, reusing a draft actor
// already holds or opening one otherwise.
func (l *GroupLedger) EditAndCommitAccount(ctx context.Context, actor, id int64, details core.AccountDetails, expectedVersion int64) (*core.Account, error) {
	acc, err := mutate(ctx, l, l.accountRepo(), actor, id, func(ctx context.Context, e *core.Account) error {
		if err := openOrReuseDraft(e, actor, l.now()); err != nil {
			return err
		}
		if err := e.Edit(actor, func(r *core.AccountRevision) error {
			r.Details = details.Clone()
			return nil
		}); err != nil {
			return err
		}
		return l.commitAccount(ctx, e, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	l.afterAccountCommit(ctx, actor, acc)
	return acc, nil
}

// DiscardAccount drops the draft of actor.
func (l *GroupLedger) DiscardAccount(ctx context.Context, actor, id int64) (*core.Account, error) {
	return mutate(ctx, l, l.accountRepo(), actor, id, func(_ context.Context, e *core.Account) error {
		if e.Pending != nil && e.Pending.StartedBy != actor {
			return &core.ConflictError{EntityID: e.ID, HeldBy: e.Pending.StartedBy}
		}
		return e.Discard()
	})
}

// DeleteAccount commits a tombstone revision.
func (l *GroupLedger) DeleteAccount(ctx context.Context, actor, id, expectedVersion int64) (*core.Account, error) {
	return l.setAccountDeleted(ctx, actor, id, expectedVersion, true)
}

// UndeleteAccount commits a revision that restores a deleted account.
func (l *GroupLedger) UndeleteAccount(ctx context.Context, actor, id, expectedVersion int64) (*core.Account, error) {
	return l.setAccountDeleted(ctx, actor, id, expectedVersion, false)
}

func (l *GroupLedger) setAccountDeleted(ctx context.Context, actor, id, expectedVersion int64, deleted bool) (*core.Account, error) {
	acc, err := mutate(ctx, l, l.accountRepo(), actor, id, func(ctx context.Context, e *core.Account) error {
		// A fresh draft: an open one would smuggle its unreviewed edits into the tombstone.
		if err := e.OpenDraft(actor, l.now()); err != nil {
			return err
		}
		if err := e.Edit(actor, func(r *core.AccountRevision) error {
			r.Deleted = deleted
			return nil
		}); err != nil {
			return err
		}
		return l.commitAccount(ctx, e, expectedVersion)
	})
	if err != nil {
		return nil, err
	}
	l.afterAccountCommit(ctx, actor, acc)
	return acc, nil
}

// openOrReuseDraft opens a draft for actor unless actor already holds one.
func openOrReuseDraft[D core.Details[D]](e *core.Entity[D], actor int64, now time.Time) error {
	if e.Pending != nil && e.Pending.StartedBy == actor {
		return nil
	}
	return e.OpenDraft(actor, now)
}

// commitAccount validates the draft against the current group state and commits it in memory.
func (l *GroupLedger) commitAccount(ctx context.Context, e *core.Account, expectedVersion int64) error {
	return e.Commit(expectedVersion, l.now(), func(r *core.AccountRevision) error {
		valid, accounts, err := l.validAccountIDs(ctx, e.GroupID)
		if err != nil {
			return err
		}
		var errs core.ValidationErrors
		if err := core.ValidateAccount(e, r, valid); err != nil {
			var list core.ValidationErrors
			if !errors.As(err, &list) {
				return err
			}
			errs = append(errs, list...)
		}
		if owner := r.Details.OwningUserID; owner != nil {
			if _, err := l.store.Member(ctx, e.GroupID, *owner); err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("check owner: %w", err)
				}
				errs = append(errs, &core.ValidationError{Field: "owning_user_id", Message: fmt.Sprintf("user %d is not a member of the group", *owner)})
			}
		}
		if len(errs) > 0 {
			return errs
		}
		if r.Deleted {
			if !e.IsDeleted() {
				return l.checkAccountUnused(ctx, e.GroupID, e.ID, accounts)
			}
			return nil
		}
		return core.CheckClearingGraph(accounts, e.ID, r.Details.ClearingShares)
	})
}

// checkAccountUnused rejects deleting an account that committed entities still reference.
func (l *GroupLedger) checkAccountUnused(ctx context.Context, groupID, accountID int64, accounts []*core.Account) error {
	for _, a := range accounts {
		if a.ID == accountID || a.Committed == nil || a.Committed.Deleted {
			continue
		}
		if _, ok := a.Committed.Details.ClearingShares[accountID]; ok {
			return &core.ValidationError{Field: "deleted", Message: fmt.Sprintf("account is still used by clearing account %d", a.ID)}
		}
	}
	txs, err := l.store.ListTransactions(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	for _, tx := range txs {
		if tx.Committed == nil || tx.Committed.Deleted {
			continue
		}
		if referencesAccount(tx.Committed.Details, accountID) {
			return &core.ValidationError{Field: "deleted", Message: fmt.Sprintf("account is still used by transaction %d", tx.ID)}
		}
	}
	return nil
}

func referencesAccount(d core.TransactionDetails, accountID int64) bool {
	for _, id := range d.AccountIDs() {
		if id == accountID {
			return true
		}
	}
	return false
}

func (l *GroupLedger) afterAccountCommit(ctx context.Context, actor int64, acc *core.Account) {
	verb := "updated"
	switch {
	case acc.IsDeleted():
		verb = "deleted"
	case acc.Version == 1:
		verb = "created"
	}
	msg := fmt.Sprintf("%s account %q", verb, acc.Committed.Details.Name)
	l.afterCommit(ctx, actor, acc.GroupID, KindAccount, acc.ID, acc.Version, core.LogAccountCommitted, msg)
}
