package http

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"conto/internal/core"
	"conto/internal/ledger"
	"conto/internal/log"
)

func (s *Server) registerTransactionRoutes(api *mux.Router) {
	api.HandleFunc("/groups/{group_id}/transactions", s.withActor(log.OpList, s.handleListTransactions)).Methods(http.MethodGet)
	api.HandleFunc("/groups/{group_id}/transactions", s.withActor(log.OpCreate, s.handleCreateTransaction)).Methods(http.MethodPost)

	api.HandleFunc("/transactions/{id}", s.withActor(log.OpRead, s.handleGetTransaction)).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}", s.withActor(log.OpEdit, s.handleEditTransaction)).Methods(http.MethodPut)
	api.HandleFunc("/transactions/{id}", s.withActor(log.OpDelete, s.handleDeleteTransaction)).Methods(http.MethodDelete)
	api.HandleFunc("/transactions/{id}/draft", s.withActor(log.OpEdit, s.handleOpenTransactionDraft)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}/takeover", s.withActor(log.OpTakeover, s.handleTakeoverTransactionDraft)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}/commit", s.withActor(log.OpCommit, s.handleCommitTransaction)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}/discard", s.withActor(log.OpDiscard, s.handleDiscardTransaction)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}/undelete", s.withActor(log.OpCommit, s.handleUndeleteTransaction)).Methods(http.MethodPost)

	api.HandleFunc("/transactions/{id}/positions", s.withActor(log.OpEdit, s.handleUpsertPositions)).Methods(http.MethodPut)
	api.HandleFunc("/transactions/{id}/files", s.withActor(log.OpEdit, s.handleAddFile)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}/files/{file_id}/blob", s.withActor(log.OpEdit, s.handleAttachBlob)).Methods(http.MethodPut)
	api.HandleFunc("/transactions/{id}/files/{file_id}", s.withActor(log.OpEdit, s.handleDeleteFile)).Methods(http.MethodDelete)
}

func sanitizeUpdate(u *ledger.TransactionUpdate) {
	u.Description = sanitizeInput(u.Description)
	u.CurrencySymbol = sanitizeInput(u.CurrencySymbol)
}

func sanitizePositions(ps []core.Position) {
	for i := range ps {
		ps[i].Name = sanitizeInput(ps[i].Name)
	}
}

func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, status int, tx *core.Transaction, actor int64) {
	writeJSON(w, status, newTransactionView(tx, actor, s.baseURLFor(r)))
}

// handleListTransactions serves the full list, or the incremental feed when
// min_last_changed or transaction_ids is given.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	minChanged, err := QueryTime(r, "min_last_changed")
	if err != nil {
		return err
	}
	extra, err := parseIDList(r.URL.Query().Get("transaction_ids"))
	if err != nil {
		return err
	}

	var txs []*core.Transaction
	if minChanged.IsZero() && len(extra) == 0 {
		txs, err = s.ledger.ListTransactions(r.Context(), actor, groupID)
	} else {
		txs, err = s.ledger.ChangedTransactions(r.Context(), actor, groupID, minChanged, extra)
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newTransactionViews(txs, actor, s.baseURLFor(r)))
	return nil
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	var in transactionRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	sanitizeUpdate(&in.Details)
	sanitizePositions(in.Positions)
	tx, err := s.ledger.CreateTransaction(r.Context(), actor, groupID, in.Type, in.Details, in.Positions, in.Commit)
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusCreated, tx, actor)
	return nil
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	tx, err := s.ledger.GetTransaction(r.Context(), actor, id)
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}

func (s *Server) handleEditTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	var update ledger.TransactionUpdate
	if err := DecodeJSON(w, r, &update); err != nil {
		return err
	}
	sanitizeUpdate(&update)
	commit, expected, err := commitParam(r)
	if err != nil {
		return err
	}
	var tx *core.Transaction
	if commit {
		tx, err = s.ledger.EditAndCommitTransaction(r.Context(), actor, id, update, expected)
	} else {
		tx, err = s.ledger.EditTransaction(r.Context(), actor, id, update)
	}
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}

func (s *Server) transactionTransition(w http.ResponseWriter, r *http.Request, actor int64,
	op func(ctx context.Context, actor, id int64) (*core.Transaction, error)) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	tx, err := op(r.Context(), actor, id)
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}

func (s *Server) handleOpenTransactionDraft(w http.ResponseWriter, r *http.Request, actor int64) error {
	return s.transactionTransition(w, r, actor, s.ledger.OpenTransactionDraft)
}

func (s *Server) handleTakeoverTransactionDraft(w http.ResponseWriter, r *http.Request, actor int64) error {
	return s.transactionTransition(w, r, actor, s.ledger.TakeoverTransactionDraft)
}

func (s *Server) handleDiscardTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	return s.transactionTransition(w, r, actor, s.ledger.DiscardTransaction)
}

func (s *Server) transactionVersioned(w http.ResponseWriter, r *http.Request, actor, expected int64,
	op func(ctx context.Context, actor, id, expectedVersion int64) (*core.Transaction, error)) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	tx, err := op(r.Context(), actor, id, expected)
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}

func (s *Server) handleCommitTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	var in versionRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	return s.transactionVersioned(w, r, actor, in.ExpectedVersion, s.ledger.CommitTransaction)
}

func (s *Server) handleUndeleteTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	var in versionRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	return s.transactionVersioned(w, r, actor, in.ExpectedVersion, s.ledger.UndeleteTransaction)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request, actor int64) error {
	expected, err := expectedVersionParam(r)
	if err != nil {
		return err
	}
	return s.transactionVersioned(w, r, actor, expected, s.ledger.DeleteTransaction)
}

func (s *Server) handleUpsertPositions(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	var in positionsRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	sanitizePositions(in.Positions)
	commit, expected, err := commitParam(r)
	if err != nil {
		return err
	}
	var tx *core.Transaction
	if commit {
		tx, err = s.ledger.UpsertPositionsAndCommit(r.Context(), actor, id, in.Positions, expected)
	} else {
		tx, err = s.ledger.UpsertPositions(r.Context(), actor, id, in.Positions)
	}
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}

type addFileResponse struct {
	FileID      int64           `json:"file_id"`
	Transaction transactionView `json:"transaction"`
}

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	var in fileRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	in.Filename = sanitizeInput(in.Filename)
	if in.Filename == "" {
		return badRequest("filename must not be empty")
	}
	tx, fileID, err := s.ledger.AddFile(r.Context(), actor, id, in.Filename, sanitizeInput(in.MimeType))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, addFileResponse{
		FileID:      fileID,
		Transaction: newTransactionView(tx, actor, s.baseURLFor(r)),
	})
	return nil
}

func (s *Server) handleAttachBlob(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	fileID, err := PathID(r, "file_id")
	if err != nil {
		return err
	}
	var in blobRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	if in.BlobID <= 0 {
		return badRequest("blob_id must be positive")
	}
	tx, err := s.ledger.AttachBlob(r.Context(), actor, id, fileID, in.BlobID)
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, actor int64) error {
	id, err := PathID(r, "id")
	if err != nil {
		return err
	}
	fileID, err := PathID(r, "file_id")
	if err != nil {
		return err
	}
	tx, err := s.ledger.DeleteFile(r.Context(), actor, id, fileID)
	if err != nil {
		return err
	}
	s.writeTransaction(w, r, http.StatusOK, tx, actor)
	return nil
}
