package core

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAccount(t *testing.T) {
	owner := int64(3)
	tests := []struct {
		name    string
		typ     string
		details AccountDetails
		wantErr error
	}{
		{name: "personal", typ: AccountTypePersonal, details: AccountDetails{Name: "Alice", OwningUserID: &owner}},
		{name: "clearing", typ: AccountTypeClearing, details: AccountDetails{Name: "Flat", ClearingShares: ShareMap{1: 1, 2: 2}}},
		{name: "empty name", typ: AccountTypePersonal, details: AccountDetails{Name: "  "}, wantErr: ErrValidation},
		{name: "long name", typ: AccountTypePersonal, details: AccountDetails{Name: strings.Repeat("x", 201)}, wantErr: ErrValidation},
		{name: "personal with clearing shares", typ: AccountTypePersonal, details: AccountDetails{Name: "A", ClearingShares: ShareMap{1: 1}}, wantErr: ErrValidation},
		{name: "clearing onto unknown account", typ: AccountTypeClearing, details: AccountDetails{Name: "A", ClearingShares: ShareMap{99: 1}}, wantErr: ErrUnknownAccount},
		{name: "clearing onto itself", typ: AccountTypeClearing, details: AccountDetails{Name: "A", ClearingShares: ShareMap{5: 1}}, wantErr: ErrValidation},
		{name: "owned clearing account", typ: AccountTypeClearing, details: AccountDetails{Name: "A", OwningUserID: &owner}, wantErr: ErrValidation},
	}
	valid := accountSet(1, 2, 5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewEntity[AccountDetails](5, 1, tt.typ)
			err := ValidateAccount(acc, &AccountRevision{Details: tt.details}, valid)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAccountDetailsCloneIsDeep(t *testing.T) {
	owner := int64(1)
	d := AccountDetails{Name: "A", OwningUserID: &owner, ClearingShares: ShareMap{2: 1}}
	c := d.Clone()
	*c.OwningUserID = 9
	c.ClearingShares.Set(3, 1)
	if *d.OwningUserID != 1 || len(d.ClearingShares) != 1 {
		t.Fatalf("clone aliases original: %+v", d)
	}
}
