package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"conto/internal/core"
	"conto/internal/storage"
)

// GroupInput holds the user supplied fields of a new group.
type GroupInput struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	CurrencySymbol       string `json:"currency_symbol"`
	Terms                string `json:"terms"`
	AddUserAccountOnJoin bool   `json:"add_user_account_on_join"`
}

// authorize returns the membership of actor, failing with ForbiddenError when the
// actor is not a member or, for writes, lacks write permission.
func (l *GroupLedger) authorize(ctx context.Context, actor, groupID int64, write bool, action string) (core.Member, error) {
	m, err := l.store.Member(ctx, groupID, actor)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return core.Member{}, &core.ForbiddenError{UserID: actor, GroupID: groupID, Action: action}
		}
		return core.Member{}, fmt.Errorf("load membership: %w", err)
	}
	if write && !m.CanWrite {
		return core.Member{}, &core.ForbiddenError{UserID: actor, GroupID: groupID, Action: action}
	}
	return m, nil
}

// CreateGroup creates a group owned by actor.
func (l *GroupLedger) CreateGroup(ctx context.Context, actor int64, in GroupInput) (core.Group, error) {
	id, err := l.store.NextID(ctx)
	if err != nil {
		return core.Group{}, fmt.Errorf("allocate group id: %w", err)
	}
	now := l.now()
	g := core.Group{
		ID:                   id,
		Name:                 strings.TrimSpace(in.Name),
		Description:          in.Description,
		CurrencySymbol:       strings.TrimSpace(in.CurrencySymbol),
		Terms:                in.Terms,
		AddUserAccountOnJoin: in.AddUserAccountOnJoin,
		CreatedBy:            actor,
		CreatedAt:            now,
	}
	if err := g.Validate(); err != nil {
		return core.Group{}, err
	}
	if err := l.store.CreateGroup(ctx, g); err != nil {
		return core.Group{}, fmt.Errorf("create group: %w", err)
	}
	owner := core.Member{UserID: actor, GroupID: id, IsOwner: true, CanWrite: true, JoinedAt: now}
	if err := l.store.AddMember(ctx, owner); err != nil {
		return core.Group{}, fmt.Errorf("add owner: %w", err)
	}
	l.appendLog(ctx, id, actor, core.LogGroupCreated, fmt.Sprintf("group %q created", g.Name), nil)

	if g.AddUserAccountOnJoin {
		if err := l.createMemberAccount(ctx, g, owner); err != nil {
			return core.Group{}, err
		}
	}

	slog.InfoContext(ctx, "Group created", "group_id", id, "user_id", actor)
	return g, nil
}

func (l *GroupLedger) GetGroup(ctx context.Context, actor, groupID int64) (core.Group, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "read group"); err != nil {
		return core.Group{}, err
	}
	g, err := l.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return core.Group{}, &core.NotFoundError{Kind: "group", ID: groupID}
		}
		return core.Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// ListGroups returns the groups actor is a member of.
func (l *GroupLedger) ListGroups(ctx context.Context, actor int64) ([]core.Group, error) {
	groups, err := l.store.ListGroups(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// AddMember lets a writer of the group admit another user.
func (l *GroupLedger) AddMember(ctx context.Context, actor, groupID, userID int64, canWrite bool, description string) (core.Member, error) {
	if _, err := l.authorize(ctx, actor, groupID, true, "add members"); err != nil {
		return core.Member{}, err
	}
	g, err := l.store.GetGroup(ctx, groupID)
	if err != nil {
		return core.Member{}, fmt.Errorf("get group: %w", err)
	}
	inviter := actor
	m := core.Member{
		UserID:      userID,
		GroupID:     groupID,
		CanWrite:    canWrite,
		Description: description,
		JoinedAt:    l.now(),
		InvitedBy:   &inviter,
	}
	if err := l.store.AddMember(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return core.Member{}, &core.ValidationError{Field: "user_id", Message: fmt.Sprintf("user %d is already a member", userID)}
		}
		return core.Member{}, fmt.Errorf("add member: %w", err)
	}
	affected := userID
	l.appendLog(ctx, groupID, actor, core.LogMemberJoined, fmt.Sprintf("user %d joined the group", userID), &affected)

	if g.AddUserAccountOnJoin {
		if err := l.createMemberAccount(ctx, g, m); err != nil {
			return core.Member{}, err
		}
	}
	return m, nil
}

func (l *GroupLedger) Members(ctx context.Context, actor, groupID int64) ([]core.Member, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "list members"); err != nil {
		return nil, err
	}
	members, err := l.store.Members(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// SendMessage appends a free text entry to the group log.
func (l *GroupLedger) SendMessage(ctx context.Context, actor, groupID int64, message string) (core.LogEntry, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "send messages"); err != nil {
		return core.LogEntry{}, err
	}
	if strings.TrimSpace(message) == "" {
		return core.LogEntry{}, &core.ValidationError{Field: "message", Message: "must not be empty"}
	}
	entry := &core.LogEntry{GroupID: groupID, Type: core.LogTextMessage, Message: message, UserID: actor, LoggedAt: l.now()}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		return core.LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	return *entry, nil
}

// Logs returns log entries newer than afterID.
func (l *GroupLedger) Logs(ctx context.Context, actor, groupID, afterID int64) ([]core.LogEntry, error) {
	if _, err := l.authorize(ctx, actor, groupID, false, "read the group log"); err != nil {
		return nil, err
	}
	entries, err := l.store.ListLogs(ctx, groupID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return entries, nil
}

func (l *GroupLedger) appendLog(ctx context.Context, groupID, actor int64, typ, message string, affected *int64) {
	entry := &core.LogEntry{GroupID: groupID, Type: typ, Message: message, UserID: actor, LoggedAt: l.now(), AffectedUserID: affected}
	if err := l.store.AppendLog(ctx, entry); err != nil {
		slog.ErrorContext(ctx, "Failed to append group log", "group_id", groupID, "type", typ, "error", err)
	}
}

// createMemberAccount gives a joining member a committed personal account.
func (l *GroupLedger) createMemberAccount(ctx context.Context, g core.Group, m core.Member) error {
	name := m.Description
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("User %d", m.UserID)
	}
	owner := m.UserID
	_, err := l.createAccount(ctx, m.UserID, g.ID, core.AccountTypePersonal, core.AccountDetails{
		Name:         name,
		OwningUserID: &owner,
	}, true)
	if err != nil {
		return fmt.Errorf("create account for user %d: %w", m.UserID, err)
	}
	return nil
}

// UpdateGroup replaces the editable metadata of a group. Creator and creation
// time never change.
func (l *GroupLedger) UpdateGroup(ctx context.Context, actor, groupID int64, in GroupInput) (core.Group, error) {
	if _, err := l.authorize(ctx, actor, groupID, true, "update the group"); err != nil {
		return core.Group{}, err
	}
	g, err := l.store.GetGroup(ctx, groupID)
	if err != nil {
		return core.Group{}, fmt.Errorf("get group: %w", err)
	}
	g.Name = strings.TrimSpace(in.Name)
	g.Description = in.Description
	g.CurrencySymbol = strings.TrimSpace(in.CurrencySymbol)
	g.Terms = in.Terms
	g.AddUserAccountOnJoin = in.AddUserAccountOnJoin
	if err := g.Validate(); err != nil {
		return core.Group{}, err
	}
	if err := l.store.UpdateGroup(ctx, g); err != nil {
		return core.Group{}, fmt.Errorf("update group: %w", err)
	}
	l.appendLog(ctx, groupID, actor, core.LogGroupUpdated, fmt.Sprintf("group %q updated", g.Name), nil)
	return g, nil
}

// DeleteGroup removes a group with everything in it. Only an owner who is the
// last remaining member may do so.
func (l *GroupLedger) DeleteGroup(ctx context.Context, actor, groupID int64) error {
	m, err := l.authorize(ctx, actor, groupID, false, "delete the group")
	if err != nil {
		return err
	}
	if !m.IsOwner {
		return &core.ForbiddenError{UserID: actor, GroupID: groupID, Action: "delete the group"}
	}
	members, err := l.store.Members(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if len(members) > 1 {
		return &core.ValidationError{Field: "members", Message: "a group can only be deleted once all other members have left"}
	}
	if err := l.store.DeleteGroup(ctx, groupID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &core.NotFoundError{Kind: "group", ID: groupID}
		}
		return fmt.Errorf("delete group: %w", err)
	}
	l.invalidateBalances(groupID)
	slog.InfoContext(ctx, "Group deleted", "group_id", groupID, "user_id", actor)
	return nil
}

// LeaveGroup removes actor from the group. The last member has to delete the
// group instead, and the last owner cannot leave while others remain.
func (l *GroupLedger) LeaveGroup(ctx context.Context, actor, groupID int64) error {
	m, err := l.authorize(ctx, actor, groupID, false, "leave the group")
	if err != nil {
		return err
	}
	members, err := l.store.Members(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if len(members) == 1 {
		return &core.ValidationError{Field: "members", Message: "the last member cannot leave, delete the group instead"}
	}
	if m.IsOwner && countOwners(members) == 1 {
		return &core.ValidationError{Field: "is_owner", Message: "the last owner cannot leave, transfer ownership first"}
	}
	if err := l.store.RemoveMember(ctx, groupID, actor); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	affected := actor
	l.appendLog(ctx, groupID, actor, core.LogMemberLeft, fmt.Sprintf("user %d left the group", actor), &affected)
	return nil
}

// UpdateMemberPrivileges changes the owner and write flags of another member.
// Writers may grant or revoke write access; only owners may touch ownership.
func (l *GroupLedger) UpdateMemberPrivileges(ctx context.Context, actor, groupID, userID int64, isOwner, canWrite bool) (core.Member, error) {
	self, err := l.authorize(ctx, actor, groupID, true, "change member privileges")
	if err != nil {
		return core.Member{}, err
	}
	if userID == actor {
		return core.Member{}, &core.ValidationError{Field: "user_id", Message: "members cannot change their own privileges"}
	}
	target, err := l.store.Member(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return core.Member{}, &core.NotFoundError{Kind: "member", ID: userID}
		}
		return core.Member{}, fmt.Errorf("load member: %w", err)
	}
	if isOwner && !canWrite {
		return core.Member{}, &core.ValidationError{Field: "can_write", Message: "owners must be able to write"}
	}
	if isOwner != target.IsOwner && !self.IsOwner {
		return core.Member{}, &core.ForbiddenError{UserID: actor, GroupID: groupID, Action: "change group ownership"}
	}
	if target.IsOwner == isOwner && target.CanWrite == canWrite {
		return target, nil
	}

	target.IsOwner = isOwner
	target.CanWrite = canWrite
	if err := l.store.UpdateMember(ctx, target); err != nil {
		return core.Member{}, fmt.Errorf("update member: %w", err)
	}
	affected := userID
	l.appendLog(ctx, groupID, actor, core.LogMemberPermissions,
		fmt.Sprintf("user %d: owner=%t, write=%t", userID, isOwner, canWrite), &affected)
	return target, nil
}

func countOwners(members []core.Member) int {
	n := 0
	for _, m := range members {
		if m.IsOwner {
			n++
		}
	}
	return n
}
