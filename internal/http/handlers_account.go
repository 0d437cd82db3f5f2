package http

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"conto/internal/core"
	"conto/internal/log"
)

func (s *Server) registerAccountRoutes(api *mux.Router) {
	api.HandleFunc("/groups/{group_id}/accounts", s.withActor(log.OpList, s.handleListAccounts)).Methods(http.MethodGet)
	api.HandleFunc("/groups/{group_id}/accounts", s.withActor(log.OpCreate, s.handleCreateAccount)).Methods(http.MethodPost)

	api.HandleFunc("/accounts/{id}", s.withActor(log.OpRead, s.handleGetAccount)).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", s.withActor(log.OpEdit, s.handleEditAccount)).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id}", s.withActor(log.OpDelete, s.handleDeleteAccount)).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{id}/draft", s.withActor(log.OpEdit, s.handleOpenAccountDraft)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/takeover", s.withActor(log.OpTakeover, s.handleTakeoverAccountDraft)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/commit", s.withActor(log.OpCommit, s.handleCommitAccount)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/discard", s.withActor(log.OpDiscard, s.handleDiscardAccount)).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/undelete", s.withActor(log.OpCommit, s.handleUndeleteAccount)).Methods(http.MethodPost)
}

func sanitizeAccount(d *core.AccountDetails) {
	d.Name = sanitizeInput(d.Name)
	d.Description = sanitizeInput(d.Description)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	accs, err := s.ledger.ListAccounts(r.Context(), actor, groupID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newAccountViews(accs, actor))
	return nil
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	var in accountRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	sanitizeAccount(&in.Details)
	acc, err := s.ledger.CreateAccount(r.Context(), actor, groupID, in.Type, in.Details, in.Commit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, newAccountView(acc, actor))
	return nil
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	acc, err := s.ledger.GetAccount(r.Context(), actor, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newAccountView(acc, actor))
	return nil
}

func (s *Server) handleEditAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	var details core.AccountDetails
	if err := DecodeJSON(w, r, &details); err != nil {
		return err
	}
	sanitizeAccount(&details)
	commit, expected, err := commitParam(r)
	if err != nil {
		return err
	}
	var acc *core.Account
	if commit {
		acc, err = s.ledger.EditAndCommitAccount(r.Context(), actor, id, details, expected)
	} else {
		acc, err = s.ledger.EditAccount(r.Context(), actor, id, details)
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newAccountView(acc, actor))
	return nil
}

// accountTransition adapts a draft transition that needs only the entity id.
func (s *Server) accountTransition(w http.ResponseWriter, r *http.Request, actor int64,
	op func(ctx context.Context, actor, id int64) (*core.Account, error)) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	acc, err := op(r.Context(), actor, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newAccountView(acc, actor))
	return nil
}

func (s *Server) handleOpenAccountDraft(w http.ResponseWriter, r *http.Request, actor int64) error {
	return s.accountTransition(w, r, actor, s.ledger.OpenAccountDraft)
}

func (s *Server) handleTakeoverAccountDraft(w http.ResponseWriter, r *http.Request, actor int64) error {
	return s.accountTransition(w, r, actor, s.ledger.TakeoverAccountDraft)
}

func (s *Server) handleDiscardAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	return s.accountTransition(w, r, actor, s.ledger.DiscardAccount)
}

// accountVersioned adapts a transition guarded by the caller's expected version.
func (s *Server) accountVersioned(w http.ResponseWriter, r *http.Request, actor, expected int64,
	op func(ctx context.Context, actor, id, expectedVersion int64) (*core.Account, error)) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	acc, err := op(r.Context(), actor, id, expected)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newAccountView(acc, actor))
	return nil
}

func (s *Server) handleCommitAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	var in versionRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	return s.accountVersioned(w, r, actor, in.ExpectedVersion, s.ledger.CommitAccount)
}

func (s *Server) handleUndeleteAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	var in versionRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	return s.accountVersioned(w, r, actor, in.ExpectedVersion, s.ledger.UndeleteAccount)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, actor int64) error {
	expected, err := expectedVersionParam(r)
	if err != nil {
		return err
	}
	return s.accountVersioned(w, r, actor, expected, s.ledger.DeleteAccount)
}
