package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"conto/internal/core"
	"conto/internal/storage"
)

// InviteInput holds the user supplied fields of a new invite.
type InviteInput struct {
	Description  string    `json:"description"`
	ValidUntil   time.Time `json:"valid_until"`
	SingleUse    bool      `json:"single_use"`
	JoinAsEditor bool      `json:"join_as_editor"`
}

func (l *GroupLedger) CreateInvite(ctx context.Context, actor, groupID int64, in InviteInput) (core.GroupInvite, error) {
	if _, err := l.authorize(ctx, actor, groupID, true, "create invites"); err != nil {
		return core.GroupInvite{}, err
	}
	if !in.ValidUntil.After(l.now()) {
		return core.GroupInvite{}, &core.ValidationError{Field: "valid_until", Message: "must be in the future"}
	}
	id, err := l.store.NextID(ctx)
	if err != nil {
		return core.GroupInvite{}, fmt.Errorf("allocate invite id: %w", err)
	}
	inv := core.GroupInvite{
		ID:           id,
		GroupID:      groupID,
		CreatedBy:    actor,
		Token:        uuid.NewString(),
		Description:  in.Description,
		SingleUse:    in.SingleUse,
		ValidUntil:   in.ValidUntil.UTC(),
		JoinAsEditor: in.JoinAsEditor,
	}
	if err := l.store.CreateInvite(ctx, inv); err != nil {
		return core.GroupInvite{}, fmt.Errorf("create invite: %w", err)
	}
	l.appendLog(ctx, groupID, actor, core.LogInviteCreated, fmt.Sprintf("invite %d created", id), nil)
	return inv, nil
}

// Invites lists the open invites of a group. Only writers see the tokens.
func (l *GroupLedger) Invites(ctx context.Context, actor, groupID int64) ([]core.GroupInvite, error) {
	if _, err := l.authorize(ctx, actor, groupID, true, "list invites"); err != nil {
		return nil, err
	}
	invites, err := l.store.Invites(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return invites, nil
}

func (l *GroupLedger) DeleteInvite(ctx context.Context, actor, groupID, inviteID int64) error {
	if _, err := l.authorize(ctx, actor, groupID, true, "delete invites"); err != nil {
		return err
	}
	if err := l.store.DeleteInvite(ctx, groupID, inviteID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &core.NotFoundError{Kind: "invite", ID: inviteID}
		}
		return fmt.Errorf("delete invite: %w", err)
	}
	l.appendLog(ctx, groupID, actor, core.LogInviteDeleted, fmt.Sprintf("invite %d deleted", inviteID), nil)
	return nil
}

// usableInvite resolves a token to an invite that has not expired.
func (l *GroupLedger) usableInvite(ctx context.Context, token string) (core.GroupInvite, error) {
	inv, err := l.store.InviteByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return core.GroupInvite{}, &core.NotFoundError{Kind: "invite"}
		}
		return core.GroupInvite{}, fmt.Errorf("load invite: %w", err)
	}
	if inv.Expired(l.now()) {
		return core.GroupInvite{}, &core.NotFoundError{Kind: "invite", ID: inv.ID}
	}
	return inv, nil
}

// PreviewGroup shows what a group looks like to the holder of an invite token.
// No membership is required.
func (l *GroupLedger) PreviewGroup(ctx context.Context, token string) (core.GroupPreview, error) {
	inv, err := l.usableInvite(ctx, token)
	if err != nil {
		return core.GroupPreview{}, err
	}
	g, err := l.store.GetGroup(ctx, inv.GroupID)
	if err != nil {
		return core.GroupPreview{}, fmt.Errorf("get group: %w", err)
	}
	return core.NewGroupPreview(g, inv), nil
}

// JoinGroup makes actor a member of the invite's group. A single use invite is
// consumed by deleting it, so only one of several concurrent joins succeeds.
func (l *GroupLedger) JoinGroup(ctx context.Context, actor int64, token string) (core.Member, error) {
	inv, err := l.usableInvite(ctx, token)
	if err != nil {
		return core.Member{}, err
	}
	if _, err := l.store.Member(ctx, inv.GroupID, actor); err == nil {
		return core.Member{}, &core.ValidationError{Field: "invite_token", Message: "already a member of this group"}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return core.Member{}, fmt.Errorf("load membership: %w", err)
	}
	g, err := l.store.GetGroup(ctx, inv.GroupID)
	if err != nil {
		return core.Member{}, fmt.Errorf("get group: %w", err)
	}
	if inv.SingleUse {
		if err := l.store.DeleteInvite(ctx, inv.GroupID, inv.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return core.Member{}, &core.NotFoundError{Kind: "invite", ID: inv.ID}
			}
			return core.Member{}, fmt.Errorf("consume invite: %w", err)
		}
	}

	inviter := inv.CreatedBy
	m := core.Member{
		UserID:    actor,
		GroupID:   inv.GroupID,
		CanWrite:  inv.JoinAsEditor,
		JoinedAt:  l.now(),
		InvitedBy: &inviter,
	}
	if err := l.store.AddMember(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return core.Member{}, &core.ValidationError{Field: "invite_token", Message: "already a member of this group"}
		}
		return core.Member{}, fmt.Errorf("add member: %w", err)
	}
	affected := actor
	l.appendLog(ctx, inv.GroupID, actor, core.LogMemberJoined, fmt.Sprintf("user %d joined via invite %d", actor, inv.ID), &affected)

	if g.AddUserAccountOnJoin {
		if err := l.createMemberAccount(ctx, g, m); err != nil {
			return core.Member{}, err
		}
	}
	slog.InfoContext(ctx, "Member joined via invite", "group_id", inv.GroupID, "user_id", actor, "invite_id", inv.ID)
	return m, nil
}
