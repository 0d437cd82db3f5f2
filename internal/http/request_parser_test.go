package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func TestActorID(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    int64
		wantErr bool
	}{
		{name: "valid", header: "42", want: 42},
		{name: "trimmed", header: " 7 ", want: 7},
		{name: "missing", header: "", wantErr: true},
		{name: "not a number", header: "bob", wantErr: true},
		{name: "zero", header: "0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(UserHeader, tt.header)
			}
			got, err := ActorID(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ActorID = %d, want %d", got, tt.want)
			}
		})
	}

	_, err := ActorID(httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, errMissingActor) {
		t.Errorf("missing header should be errMissingActor, got %v", err)
	}
}

func TestPathID(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "12", "bad": "x1"})

	if id, err := PathID(req, "id"); err != nil || id != 12 {
		t.Errorf("PathID(id) = %d, %v", id, err)
	}
	for _, name := range []string{"bad", "absent"} {
		_, err := PathID(req, name)
		var reqErr *requestError
		if !errors.As(err, &reqErr) {
			t.Errorf("PathID(%s) should be a request error, got %v", name, err)
		}
	}
}

func TestQueryParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?after_id=5&since=2025-03-01T10:00:00Z&bad=x", nil)

	if n, err := QueryInt64(req, "after_id", 0); err != nil || n != 5 {
		t.Errorf("after_id = %d, %v", n, err)
	}
	if n, err := QueryInt64(req, "missing", 9); err != nil || n != 9 {
		t.Errorf("default = %d, %v", n, err)
	}
	if _, err := QueryInt64(req, "bad", 0); err == nil {
		t.Error("non-numeric value should fail")
	}

	ts, err := QueryTime(req, "since")
	if err != nil || !ts.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("since = %v, %v", ts, err)
	}
	if ts, err := QueryTime(req, "missing"); err != nil || !ts.IsZero() {
		t.Errorf("missing time = %v, %v", ts, err)
	}
	if _, err := QueryTime(req, "bad"); err == nil {
		t.Error("invalid time should fail")
	}
}

func TestExpectedVersionParam(t *testing.T) {
	if _, err := expectedVersionParam(httptest.NewRequest(http.MethodDelete, "/", nil)); err == nil {
		t.Error("missing expected_version should fail")
	}
	v, err := expectedVersionParam(httptest.NewRequest(http.MethodDelete, "/?expected_version=3", nil))
	if err != nil || v != 3 {
		t.Errorf("expected_version = %d, %v", v, err)
	}
}

func TestCommitParam(t *testing.T) {
	tests := []struct {
		query    string
		commit   bool
		expected int64
		wantErr  bool
	}{
		{"", false, 0, false},
		{"?commit=false", false, 0, false},
		{"?commit=true&expected_version=2", true, 2, false},
		{"?commit=true", false, 0, true},
		{"?commit=maybe", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			commit, expected, err := commitParam(httptest.NewRequest(http.MethodPut, "/"+tt.query, nil))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if commit != tt.commit || expected != tt.expected {
				t.Errorf("commitParam = %v, %d", commit, expected)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "object", body: `{"message":"hi"}`},
		{name: "empty", body: ``, wantErr: true},
		{name: "truncated", body: `{"message":`, wantErr: true},
		{name: "two values", body: `{"message":"a"}{"message":"b"}`, wantErr: true},
		{name: "too large", body: `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst messageRequest
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && dst.Message != "hi" {
				t.Errorf("message = %q", dst.Message)
			}
		})
	}
}

func TestParseIDList(t *testing.T) {
	ids, err := parseIDList(" 1, 2,,3 ")
	if err != nil || len(ids) != 3 || ids[2] != 3 {
		t.Fatalf("parseIDList = %v, %v", ids, err)
	}
	if ids, err := parseIDList(""); err != nil || ids != nil {
		t.Errorf("empty list = %v, %v", ids, err)
	}
	if _, err := parseIDList("1,-2"); err == nil {
		t.Error("negative id should fail")
	}
}

func TestSanitizeInput(t *testing.T) {
	if got := sanitizeInput("  a\x00b\tc\n "); got != "ab\tc" {
		t.Errorf("sanitizeInput = %q", got)
	}
}

func TestBaseURLFor(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "http://api.local/x", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := s.baseURLFor(req); got != "https://api.local" {
		t.Errorf("baseURLFor = %q", got)
	}

	s.baseURL = "https://public.example/"
	if got := s.baseURLFor(req); got != "https://public.example" {
		t.Errorf("configured baseURLFor = %q", got)
	}
}
