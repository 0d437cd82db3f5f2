package core

import "time"

// Group log entry types.
const (
	LogTextMessage          = "text-message"
	LogAccountCommitted     = "account-committed"
	LogTransactionCommitted = "transaction-committed"
	LogMemberJoined         = "member-joined"
	LogMemberLeft           = "member-left"
	LogMemberPermissions    = "member-permissions-changed"
	LogGroupCreated         = "group-created"
	LogGroupUpdated         = "group-updated"
	LogInviteCreated        = "invite-created"
	LogInviteDeleted        = "invite-deleted"
)

// Group is the unit of sharing: accounts and transactions always belong to one group.
type Group struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	CurrencySymbol       string    `json:"currency_symbol"`
	Terms                string    `json:"terms"`
	AddUserAccountOnJoin bool      `json:"add_user_account_on_join"`
	CreatedBy            int64     `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

func (g Group) Validate() error {
	var errs ValidationErrors
	if g.Name == "" {
		errs.add("name", "must not be empty")
	}
	if g.CurrencySymbol == "" {
		errs.add("currency_symbol", "must not be empty")
	}
	return errs.Err()
}

type Member struct {
	UserID      int64     `json:"user_id"`
	GroupID     int64     `json:"group_id"`
	IsOwner     bool      `json:"is_owner"`
	CanWrite    bool      `json:"can_write"`
	Description string    `json:"description"`
	JoinedAt    time.Time `json:"joined_at"`
	InvitedBy   *int64    `json:"invited_by"`
}

type LogEntry struct {
	ID             int64     `json:"id"`
	GroupID        int64     `json:"group_id"`
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	UserID         int64     `json:"user_id"`
	LoggedAt       time.Time `json:"logged_at"`
	AffectedUserID *int64    `json:"affected_user_id"`
}

// GroupInvite lets whoever holds Token join the group until ValidUntil.
type GroupInvite struct {
	ID           int64     `json:"id"`
	GroupID      int64     `json:"group_id"`
	CreatedBy    int64     `json:"created_by"`
	Token        string    `json:"token"`
	Description  string    `json:"description"`
	SingleUse    bool      `json:"single_use"`
	ValidUntil   time.Time `json:"valid_until"`
	JoinAsEditor bool      `json:"join_as_editor"`
}

// Expired reports whether the invite can no longer be used at now.
func (i GroupInvite) Expired(now time.Time) bool {
	return !now.Before(i.ValidUntil)
}

// GroupPreview is what an invite reveals about a group before joining it.
type GroupPreview struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	CurrencySymbol    string    `json:"currency_symbol"`
	Terms             string    `json:"terms"`
	CreatedAt         time.Time `json:"created_at"`
	InviteSingleUse   bool      `json:"invite_single_use"`
	InviteValidUntil  time.Time `json:"invite_valid_until"`
	InviteDescription string    `json:"invite_description"`
}

func NewGroupPreview(g Group, inv GroupInvite) GroupPreview {
	return GroupPreview{
		ID:                g.ID,
		Name:              g.Name,
		Description:       g.Description,
		CurrencySymbol:    g.CurrencySymbol,
		Terms:             g.Terms,
		CreatedAt:         g.CreatedAt,
		InviteSingleUse:   inv.SingleUse,
		InviteValidUntil:  inv.ValidUntil,
		InviteDescription: inv.Description,
	}
}
