package core

import (
	"time"

	"github.com/google/uuid"
)

// Details is implemented by the per-kind payload of a revision.
// Clone must return a deep copy so drafts never alias committed data.
type Details[D any] interface {
	Clone() D
}

// Revision is one snapshot of an entity, either a draft or a committed version.
type Revision[D Details[D]] struct {
	ID          uuid.UUID  `json:"revision_id"`
	Details     D          `json:"details"`
	StartedAt   time.Time  `json:"revision_started_at"`
	CommittedAt *time.Time `json:"revision_committed_at,omitempty"`
	StartedBy   int64      `json:"started_by"`
	Deleted     bool       `json:"deleted"`
}

func (r *Revision[D]) clone() *Revision[D] {
	if r == nil {
		return nil
	}
	out := *r
	out.Details = r.Details.Clone()
	if r.CommittedAt != nil {
		t := *r.CommittedAt
		out.CommittedAt = &t
	}
	return &out
}

// Entity is the versioning engine shared by accounts and transactions.
//
// At most one draft exists at a time and it belongs to the actor who opened it.
// Committed revisions are never modified: a new draft always starts from a clone.
type Entity[D Details[D]] struct {
	ID        int64        `json:"id"`
	GroupID   int64        `json:"group_id"`
	Type      string       `json:"type"`
	Version   int64        `json:"version"`
	Committed *Revision[D] `json:"committed,omitempty"`
	Pending   *Revision[D] `json:"pending,omitempty"`

	// Seq changes on every persisted write; stores compare-and-swap on it.
	Seq int64 `json:"seq"`
}

// NewEntity returns a never-committed entity of the given type.
func NewEntity[D Details[D]](id, groupID int64, typ string) *Entity[D] {
	return &Entity[D]{ID: id, GroupID: groupID, Type: typ}
}

func (e *Entity[D]) IsWIP() bool { return e.Pending != nil }

// LastChanged is the latest of the draft start and the last commit time.
func (e *Entity[D]) LastChanged() time.Time {
	var last time.Time
	if e.Committed != nil {
		last = e.Committed.StartedAt
		if e.Committed.CommittedAt != nil && e.Committed.CommittedAt.After(last) {
			last = *e.Committed.CommittedAt
		}
	}
	if e.Pending != nil && e.Pending.StartedAt.After(last) {
		last = e.Pending.StartedAt
	}
	return last
}

// Current is the pending revision if one exists, otherwise the committed one.
func (e *Entity[D]) Current() *Revision[D] {
	if e.Pending != nil {
		return e.Pending
	}
	return e.Committed
}

// IsDeleted reports whether the latest committed revision is a tombstone.
func (e *Entity[D]) IsDeleted() bool {
	return e.Committed != nil && e.Committed.Deleted
}

// OpenDraft starts a draft cloned from the committed revision, or from zero details
// for an entity that was never committed.
func (e *Entity[D]) OpenDraft(actor int64, now time.Time) error {
	if e.Pending != nil {
		return &ConflictError{EntityID: e.ID, HeldBy: e.Pending.StartedBy}
	}
	var draft *Revision[D]
	if e.Committed != nil {
		draft = e.Committed.clone()
		draft.CommittedAt = nil
	} else {
		var zero D
		draft = &Revision[D]{Details: zero.Clone()}
	}
	draft.ID = uuid.New()
	draft.StartedAt = now
	draft.StartedBy = actor
	e.Pending = draft
	return nil
}

// Takeover hands an open draft to another actor without touching its content.
func (e *Entity[D]) Takeover(actor int64, now time.Time) error {
	if e.Pending == nil {
		return &NotEditableError{EntityID: e.ID}
	}
	e.Pending.StartedBy = actor
	e.Pending.StartedAt = now
	return nil
}

// Edit applies patch to the draft. The draft is left unchanged when patch fails.
func (e *Entity[D]) Edit(actor int64, patch func(r *Revision[D]) error) error {
	if e.Pending == nil {
		return &NotEditableError{EntityID: e.ID}
	}
	if e.Pending.StartedBy != actor {
		return &ConflictError{EntityID: e.ID, HeldBy: e.Pending.StartedBy}
	}
	work := e.Pending.clone()
	if err := patch(work); err != nil {
		return err
	}
	e.Pending = work
	return nil
}

// Commit freezes the draft as the next version.
// validate receives the draft; a failure leaves the entity untouched.
func (e *Entity[D]) Commit(expectedVersion int64, now time.Time, validate func(r *Revision[D]) error) error {
	if expectedVersion != e.Version {
		return &VersionConflictError{EntityID: e.ID, Expected: expectedVersion, Actual: e.Version}
	}
	if e.Pending == nil {
		return &NotEditableError{EntityID: e.ID}
	}
	if validate != nil {
		if err := validate(e.Pending); err != nil {
			return err
		}
	}
	committed := e.Pending.clone()
	t := now
	committed.CommittedAt = &t
	e.Committed = committed
	e.Pending = nil
	e.Version++
	return nil
}

// Discard drops the draft; committed state and version are untouched.
func (e *Entity[D]) Discard() error {
	if e.Pending == nil {
		return &NotEditableError{EntityID: e.ID}
	}
	e.Pending = nil
	return nil
}

// Clone deep-copies the entity so callers can mutate it without affecting the original.
func (e *Entity[D]) Clone() *Entity[D] {
	out := *e
	out.Committed = e.Committed.clone()
	out.Pending = e.Pending.clone()
	return &out
}
