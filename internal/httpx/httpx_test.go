package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
)

func TestWriteError(t *testing.T) {
	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)

	cases := []struct {
		err    error
		status int
		msg    string
		kind   string
	}{
		{apperr.Validation("Title and difficulty are required"), http.StatusBadRequest, "Title and difficulty are required", "validation"},
		{apperr.NotFound("Task not found"), http.StatusNotFound, "Task not found", "not_found"},
		{apperr.Wrap(apperr.KindRateLimited, "GitHub rate limit exceeded", errors.New("403")), http.StatusTooManyRequests, "GitHub rate limit exceeded", "rate_limited"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal error", "internal"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, logger, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.status)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != tc.msg || body["kind"] != tc.kind {
			t.Fatalf("%v: body = %v", tc.err, body)
		}
	}
	if !strings.Contains(logs.String(), "disk on fire") {
		t.Fatalf("internal cause not logged: %q", logs.String())
	}
	if strings.Contains(logs.String(), "Task not found") {
		t.Fatalf("client errors should not be logged: %q", logs.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"title":"x"}`))
	if err := DecodeJSON(req, &out); err != nil || out.Title != "x" {
		t.Fatalf("decode = %v, %+v", err, out)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(""))
	if err := DecodeJSON(req, &out); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("empty body err = %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{"))
	if err := DecodeJSON(req, &out); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("broken body err = %v", err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	MethodNotAllowed(rec, http.MethodGet, http.MethodPost)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Values("Allow"); len(got) != 2 {
		t.Fatalf("Allow = %v", got)
	}
}
