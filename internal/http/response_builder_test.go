package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"conto/internal/core"
	"conto/internal/log"
	"conto/internal/storage"
)

func TestJSONResponseBuilder(t *testing.T) {
	w := httptest.NewRecorder()

	NewJSONResponse().
		Status(http.StatusCreated).
		Header("X-Test", "1").
		Body(map[string]int{"id": 7}).
		Write(w)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" || w.Header().Get("X-Test") != "1" {
		t.Errorf("unexpected headers %v", w.Header())
	}
	if w.Body.String() != `{"id":7}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestJSONResponseBuilder_NoBody(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("status = %d, body %q", w.Code, w.Body.String())
	}
}

func TestLedgerErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing actor", errMissingActor, http.StatusUnauthorized},
		{"bad request", badRequest("nope"), http.StatusBadRequest},
		{"validation", &core.ValidationError{Field: "name", Message: "must not be empty"}, http.StatusUnprocessableEntity},
		{"unknown account", &core.UnknownAccountError{Field: "debitor_shares", AccountID: 9}, http.StatusUnprocessableEntity},
		{"clearing cycle", &core.ClearingCycleError{AccountIDs: []int64{1, 2}}, http.StatusUnprocessableEntity},
		{"conflict", &core.ConflictError{EntityID: 1, HeldBy: 2}, http.StatusConflict},
		{"version conflict", fmt.Errorf("commit: %w", &core.VersionConflictError{EntityID: 1, Expected: 1, Actual: 2}), http.StatusConflict},
		{"not editable", &core.NotEditableError{EntityID: 1}, http.StatusConflict},
		{"stale", fmt.Errorf("save: %w", storage.ErrStale), http.StatusConflict},
		{"forbidden", &core.ForbiddenError{UserID: 1, GroupID: 2, Action: "read"}, http.StatusForbidden},
		{"not found", &core.NotFoundError{Kind: "account", ID: 3}, http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LedgerError(tt.err).statusCode; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLedgerErrorDetails(t *testing.T) {
	err := core.ValidationErrors{
		&core.ValidationError{Field: "value", Message: "must be a finite number >= 0"},
		&core.NegativeWeightError{Field: "creditor_shares", AccountID: 4, Weight: -1},
	}
	w := httptest.NewRecorder()
	LedgerError(fmt.Errorf("commit transaction: %w", err)).Write(w)

	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Details) != 2 {
		t.Fatalf("expected 2 details, got %+v", body.Details)
	}
	if body.Details[0].Field != "value" || body.Details[1].Field != "creditor_shares" {
		t.Errorf("unexpected details %+v", body.Details)
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	LedgerError(errors.New("password=hunter2")).Write(w)
	if w.Body.String() != `{"error":"internal error"}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestWriteLedgerErrorLogsErrorType(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		logged  bool
		errType string
	}{
		{"forbidden", &core.ForbiddenError{UserID: 3, GroupID: 1, Action: "read balances"}, http.StatusForbidden, true, log.ErrorTypeForbidden},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, true, log.ErrorTypeInternal},
		{"not found", &core.NotFoundError{Kind: "account", ID: 4}, http.StatusNotFound, false, log.ErrorTypeNotFound},
		{"conflict", &core.ConflictError{EntityID: 4, HeldBy: 2}, http.StatusConflict, false, log.ErrorTypeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := log.New(log.Config{Level: slog.LevelDebug, Component: log.ComponentHTTP, Output: &buf})
			ctx := log.NewContext(context.Background(), logger)

			w := httptest.NewRecorder()
			writeLedgerError(ctx, w, tt.err, log.OpRead)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := errorType(tt.err); got != tt.errType {
				t.Errorf("errorType = %q, want %q", got, tt.errType)
			}
			out := buf.String()
			if tt.logged != strings.Contains(out, "error_type="+tt.errType) {
				t.Errorf("logged=%v, output %q", tt.logged, out)
			}
		})
	}
}
