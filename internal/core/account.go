package core

import "strings"

const (
	AccountTypePersonal = "personal"
	AccountTypeClearing = "clearing"
)

// AccountDetails is the revisioned payload of an account.
type AccountDetails struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Priority       int      `json:"priority"`
	OwningUserID   *int64   `json:"owning_user_id"`
	ClearingShares ShareMap `json:"clearing_shares"`
}

func (d AccountDetails) Clone() AccountDetails {
	out := d
	if d.OwningUserID != nil {
		id := *d.OwningUserID
		out.OwningUserID = &id
	}
	out.ClearingShares = d.ClearingShares.Clone()
	return out
}

type (
	Account         = Entity[AccountDetails]
	AccountRevision = Revision[AccountDetails]
)

func ValidAccountType(t string) bool {
	return t == AccountTypePersonal || t == AccountTypeClearing
}

// ValidateAccount checks a draft before commit. validAccounts is the set of account
// ids of the group the account belongs to.
func ValidateAccount(acc *Account, rev *AccountRevision, validAccounts map[int64]struct{}) error {
	var errs ValidationErrors
	d := rev.Details
	if strings.TrimSpace(d.Name) == "" {
		errs.add("name", "must not be empty")
	}
	if len(d.Name) > 200 {
		errs.add("name", "too long (max 200 characters)")
	}
	errs = append(errs, d.ClearingShares.Validate("clearing_shares", validAccounts)...)
	if len(d.ClearingShares) > 0 {
		if acc.Type == AccountTypePersonal {
			errs.add("clearing_shares", "personal accounts cannot have clearing shares")
		}
		if d.OwningUserID != nil {
			errs.add("owning_user_id", "an account with clearing shares cannot be owned by a user")
		}
		if _, self := d.ClearingShares[acc.ID]; self {
			errs.add("clearing_shares", "account %d cannot clear onto itself", acc.ID)
		}
	}
	if acc.Type == AccountTypeClearing && d.OwningUserID != nil && len(d.ClearingShares) == 0 {
		errs.add("owning_user_id", "clearing accounts cannot be owned by a user")
	}
	return errs.Err()
}
