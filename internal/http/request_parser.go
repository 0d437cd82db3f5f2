// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data:
// the acting user, path ids, query parameters and JSON bodies.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// UserHeader carries the id of the acting user. Authentication happens in front
// of this service.
const UserHeader = "X-User-ID"

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// requestError is a malformed request, answered with 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// ActorID returns the acting user from the X-User-ID header.
func ActorID(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get(UserHeader))
	if v == "" {
		return 0, errMissingActor
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s header", UserHeader)
	}
	return id, nil
}

var errMissingActor = errors.New("missing " + UserHeader + " header")

// PathID parses a positive integer path variable.
func PathID(r *http.Request, name string) (int64, error) {
	v, ok := mux.Vars(r)[name]
	if !ok {
		return 0, badRequest("missing path parameter %s", name)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, v)
	}
	return id, nil
}

// QueryInt64 parses an optional integer query parameter, returning def when absent.
func QueryInt64(r *http.Request, name string, def int64) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, v)
	}
	return n, nil
}

// QueryTime parses an optional RFC 3339 query parameter. Absent means the zero time.
func QueryTime(r *http.Request, name string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, badRequest("invalid %s %q, want RFC 3339", name, v)
	}
	return t, nil
}

// DecodeJSON reads a bounded JSON body into dst. Trailing data is rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return badRequest("request body exceeds %d bytes", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return badRequest("request body is empty")
		default:
			return badRequest("invalid JSON body: %v", err)
		}
	}
	if dec.More() {
		return badRequest("request body must hold a single JSON value")
	}
	return nil
}

// expectedVersionParam reads the required expected_version query parameter of
// version guarded requests without a body.
func expectedVersionParam(r *http.Request) (int64, error) {
	if strings.TrimSpace(r.URL.Query().Get("expected_version")) == "" {
		return 0, badRequest("missing expected_version")
	}
	return QueryInt64(r, "expected_version", 0)
}

// commitParam reads the optional commit flag of an edit. Committing in the same
// request requires expected_version.
func commitParam(r *http.Request) (commit bool, expected int64, err error) {
	v := strings.TrimSpace(r.URL.Query().Get("commit"))
	if v == "" {
		return false, 0, nil
	}
	commit, err = strconv.ParseBool(v)
	if err != nil {
		return false, 0, badRequest("invalid commit %q", v)
	}
	if !commit {
		return false, 0, nil
	}
	expected, err = expectedVersionParam(r)
	if err != nil {
		return false, 0, err
	}
	return true, expected, nil
}
