package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"conto/internal/core"
	"conto/internal/ledger"
	"conto/internal/log"
)

// actorHandler serves a request on behalf of an authenticated user. A returned
// error is mapped to its status code by LedgerError.
type actorHandler func(w http.ResponseWriter, r *http.Request, actor int64) error

// withActor resolves the acting user before calling h and writes h's error, if any.
func (s *Server) withActor(operation string, h actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := ActorID(r)
		if err != nil {
			LedgerError(err).Write(w)
			return
		}
		ctx := log.NewContext(r.Context(), log.FromContext(r.Context()).With(log.FieldUserID, actor))
		r = r.WithContext(ctx)
		if err := h(w, r, actor); err != nil {
			writeLedgerError(ctx, w, err, operation)
		}
	}
}

func (s *Server) registerGroupRoutes(api *mux.Router) {
	api.HandleFunc("/groups", s.withActor(log.OpList, s.handleListGroups)).Methods(http.MethodGet)
	api.HandleFunc("/groups", s.withActor(log.OpCreate, s.handleCreateGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/preview", s.withActor(log.OpRead, s.handlePreviewGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/join", s.withActor(log.OpCreate, s.handleJoinGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group_id}", s.withActor(log.OpRead, s.handleGetGroup)).Methods(http.MethodGet)
	api.HandleFunc("/groups/{group_id}", s.withActor(log.OpEdit, s.handleUpdateGroup)).Methods(http.MethodPut)
	api.HandleFunc("/groups/{group_id}", s.withActor(log.OpDelete, s.handleDeleteGroup)).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{group_id}/leave", s.withActor(log.OpDelete, s.handleLeaveGroup)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group_id}/members", s.withActor(log.OpList, s.handleListMembers)).Methods(http.MethodGet)
	api.HandleFunc("/groups/{group_id}/members", s.withActor(log.OpCreate, s.handleAddMember)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group_id}/members/{user_id}", s.withActor(log.OpEdit, s.handleUpdateMemberPrivileges)).Methods(http.MethodPut)
	api.HandleFunc("/groups/{group_id}/invites", s.withActor(log.OpList, s.handleListInvites)).Methods(http.MethodGet)
	api.HandleFunc("/groups/{group_id}/invites", s.withActor(log.OpCreate, s.handleCreateInvite)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group_id}/invites/{invite_id}", s.withActor(log.OpDelete, s.handleDeleteInvite)).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{group_id}/logs", s.withActor(log.OpList, s.handleListLogs)).Methods(http.MethodGet)
	api.HandleFunc("/groups/{group_id}/messages", s.withActor(log.OpCreate, s.handleSendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group_id}/balances", s.withActor(log.OpRead, s.handleBalances)).Methods(http.MethodGet)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request, actor int64) error {
	groups, err := s.ledger.ListGroups(r.Context(), actor)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, groups)
	return nil
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, actor int64) error {
	var in ledger.GroupInput
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	sanitizeGroup(&in)
	g, err := s.ledger.CreateGroup(r.Context(), actor, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, g)
	return nil
}

func sanitizeGroup(in *ledger.GroupInput) {
	in.Name = sanitizeInput(in.Name)
	in.Description = sanitizeInput(in.Description)
	in.CurrencySymbol = sanitizeInput(in.CurrencySymbol)
	in.Terms = sanitizeInput(in.Terms)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	var in ledger.GroupInput
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	sanitizeGroup(&in)
	g, err := s.ledger.UpdateGroup(r.Context(), actor, groupID, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, g)
	return nil
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	if err := s.ledger.DeleteGroup(r.Context(), actor, groupID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	if err := s.ledger.LeaveGroup(r.Context(), actor, groupID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleUpdateMemberPrivileges(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	userID, err := PathID(r, "user_id")
	if err != nil {
		return err
	}
	var in privilegesRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	m, err := s.ledger.UpdateMemberPrivileges(r.Context(), actor, groupID, userID, in.IsOwner, in.CanWrite)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, m)
	return nil
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	invites, err := s.ledger.Invites(r.Context(), actor, groupID)
	if err != nil {
		return err
	}
	if invites == nil {
		invites = []core.GroupInvite{}
	}
	writeJSON(w, http.StatusOK, invites)
	return nil
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	var in ledger.InviteInput
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	in.Description = sanitizeInput(in.Description)
	inv, err := s.ledger.CreateInvite(r.Context(), actor, groupID, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, inv)
	return nil
}

func (s *Server) handleDeleteInvite(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	inviteID, err := PathID(r, "invite_id")
	if err != nil {
		return err
	}
	if err := s.ledger.DeleteInvite(r.Context(), actor, groupID, inviteID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func decodeInviteToken(w http.ResponseWriter, r *http.Request) (string, error) {
	var in inviteTokenRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return "", err
	}
	if in.InviteToken == "" {
		return "", badRequest("missing invite_token")
	}
	return in.InviteToken, nil
}

func (s *Server) handlePreviewGroup(w http.ResponseWriter, r *http.Request, _ int64) error {
	token, err := decodeInviteToken(w, r)
	if err != nil {
		return err
	}
	preview, err := s.ledger.PreviewGroup(r.Context(), token)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, preview)
	return nil
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, actor int64) error {
	token, err := decodeInviteToken(w, r)
	if err != nil {
		return err
	}
	m, err := s.ledger.JoinGroup(r.Context(), actor, token)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, m)
	return nil
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	g, err := s.ledger.GetGroup(r.Context(), actor, groupID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, g)
	return nil
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	members, err := s.ledger.Members(r.Context(), actor, groupID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, members)
	return nil
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	var in memberRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	if in.UserID <= 0 {
		return badRequest("user_id must be positive")
	}
	m, err := s.ledger.AddMember(r.Context(), actor, groupID, in.UserID, in.CanWrite, sanitizeInput(in.Description))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, m)
	return nil
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	afterID, err := QueryInt64(r, "after_id", 0)
	if err != nil {
		return err
	}
	entries, err := s.ledger.Logs(r.Context(), actor, groupID, afterID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	var in messageRequest
	if err := DecodeJSON(w, r, &in); err != nil {
		return err
	}
	entry, err := s.ledger.SendMessage(r.Context(), actor, groupID, sanitizeInput(in.Message))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, entry)
	return nil
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request, actor int64) error {
	groupID, err := PathID(r, "group_id")
	if err != nil {
		return err
	}
	res, err := s.ledger.Balances(r.Context(), actor, groupID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newBalancesView(groupID, res))
	return nil
}
