package opensips

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEndDialog(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []miRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req miRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		io.WriteString(w, `{"jsonrpc": "2.0", "result": "Success", "id": 1}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if err := c.EndDialog(context.Background(), "342:13"); err != nil {
		t.Fatalf("EndDialog() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Method != "dlg_end_dlg" {
		t.Errorf("method = %q, want dlg_end_dlg", req.Method)
	}
	if len(req.Params) != 2 || req.Params[0] != "342" || req.Params[1] != "13" {
		t.Errorf("params = %v, want [342 13]", req.Params)
	}
}

func TestEndDialogMIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"jsonrpc": "2.0", "error": {"code": 400, "message": "Invalid dialog"}, "id": 1}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if err := c.EndDialog(context.Background(), "342:13"); err == nil {
		t.Fatal("EndDialog() succeeded despite MI error response")
	}
}

func TestEndDialogHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if err := c.EndDialog(context.Background(), "342:13"); err == nil {
		t.Fatal("EndDialog() succeeded despite HTTP 500")
	}
}

func TestEndDialogMalformedDialogID(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/mi", testLogger())
	if err := c.EndDialog(context.Background(), "no-separator"); err == nil {
		t.Fatal("EndDialog() accepted a malformed dialog_id")
	}
}

func TestEndDialogDisabled(t *testing.T) {
	c := NewClient("", testLogger())
	if err := c.EndDialog(context.Background(), "342:13"); err != nil {
		t.Fatalf("EndDialog() on disabled client error: %v", err)
	}
}
