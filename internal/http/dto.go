package http

import (
	"time"

	"conto/internal/core"
	"conto/internal/ledger"
)

// entityView is the wire form of an account or transaction as seen by one actor.
// The pending revision is only shown to the user who owns the draft.
type entityView[V any] struct {
	ID               int64     `json:"id"`
	GroupID          int64     `json:"group_id"`
	Type             string    `json:"type"`
	Version          int64     `json:"version"`
	IsWIP            bool      `json:"is_wip"`
	LastChanged      time.Time `json:"last_changed"`
	CommittedDetails *V        `json:"committed_details"`
	PendingDetails   *V        `json:"pending_details,omitempty"`
}

func newEntityView[D core.Details[D], V any](e *core.Entity[D], actor int64, conv func(*core.Revision[D]) *V) entityView[V] {
	v := entityView[V]{
		ID:          e.ID,
		GroupID:     e.GroupID,
		Type:        e.Type,
		Version:     e.Version,
		IsWIP:       e.IsWIP(),
		LastChanged: e.LastChanged(),
	}
	if e.Committed != nil {
		v.CommittedDetails = conv(e.Committed)
	}
	if e.Pending != nil && e.Pending.StartedBy == actor {
		v.PendingDetails = conv(e.Pending)
	}
	return v
}

type revisionMeta struct {
	Deleted             bool       `json:"deleted"`
	RevisionStartedAt   time.Time  `json:"revision_started_at"`
	RevisionCommittedAt *time.Time `json:"revision_committed_at"`
	ChangedBy           int64      `json:"changed_by"`
}

func metaOf[D core.Details[D]](rev *core.Revision[D]) revisionMeta {
	return revisionMeta{
		Deleted:             rev.Deleted,
		RevisionStartedAt:   rev.StartedAt,
		RevisionCommittedAt: rev.CommittedAt,
		ChangedBy:           rev.StartedBy,
	}
}

type accountDetailsView struct {
	core.AccountDetails
	revisionMeta
}

type accountView = entityView[accountDetailsView]

func newAccountView(acc *core.Account, actor int64) accountView {
	return newEntityView(acc, actor, func(rev *core.AccountRevision) *accountDetailsView {
		return &accountDetailsView{AccountDetails: rev.Details, revisionMeta: metaOf(rev)}
	})
}

func newAccountViews(accs []*core.Account, actor int64) []accountView {
	out := make([]accountView, 0, len(accs))
	for _, a := range accs {
		out = append(out, newAccountView(a, actor))
	}
	return out
}

type fileView struct {
	core.FileAttachment
	DisplayName string `json:"display_name"`
	URL         string `json:"url,omitempty"`
}

type transactionDetailsView struct {
	core.TransactionDetails
	revisionMeta
	// Files shadows the embedded attachments with their download view.
	Files []fileView `json:"files"`
}

type transactionView = entityView[transactionDetailsView]

func newTransactionView(tx *core.Transaction, actor int64, baseURL string) transactionView {
	return newEntityView(tx, actor, func(rev *core.TransactionRevision) *transactionDetailsView {
		files := make([]fileView, 0, len(rev.Details.Files))
		for _, f := range rev.Details.Files {
			files = append(files, fileView{FileAttachment: f, DisplayName: f.DisplayName(), URL: f.URL(baseURL)})
		}
		return &transactionDetailsView{
			TransactionDetails: rev.Details,
			revisionMeta:       metaOf(rev),
			Files:              files,
		}
	})
}

func newTransactionViews(txs []*core.Transaction, actor int64, baseURL string) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, newTransactionView(tx, actor, baseURL))
	}
	return out
}

type balancesView struct {
	GroupID      int64                 `json:"group_id"`
	Balances     []core.AccountBalance `json:"balances"`
	Unliquidated []core.PositionRef    `json:"unliquidated"`
	Advisories   []core.Advisory       `json:"advisories"`
}

func newBalancesView(groupID int64, res *core.BalanceResult) balancesView {
	v := balancesView{
		GroupID:      groupID,
		Balances:     res.Sorted(),
		Unliquidated: res.Unliquidated,
		Advisories:   res.Advisories,
	}
	if v.Unliquidated == nil {
		v.Unliquidated = []core.PositionRef{}
	}
	if v.Advisories == nil {
		v.Advisories = []core.Advisory{}
	}
	return v
}

type accountRequest struct {
	Type    string              `json:"type"`
	Details core.AccountDetails `json:"details"`
	Commit  bool                `json:"commit"`
}

type transactionRequest struct {
	Type      string                   `json:"type"`
	Details   ledger.TransactionUpdate `json:"details"`
	Positions []core.Position          `json:"positions"`
	Commit    bool                     `json:"commit"`
}

type versionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type memberRequest struct {
	UserID      int64  `json:"user_id"`
	CanWrite    bool   `json:"can_write"`
	Description string `json:"description"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type fileRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

type blobRequest struct {
	BlobID int64 `json:"blob_id"`
}

type positionsRequest struct {
	Positions []core.Position `json:"positions"`
}

type privilegesRequest struct {
	IsOwner  bool `json:"is_owner"`
	CanWrite bool `json:"can_write"`
}

type inviteTokenRequest struct {
	InviteToken string `json:"invite_token"`
}
