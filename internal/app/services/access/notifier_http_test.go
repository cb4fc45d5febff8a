package access

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/secret"
)

func TestHTTPNotifier(t *testing.T) {
	var got struct {
		Kind        string   `json:"kind"`
		RequestID   string   `json:"request_id"`
		ToolID      string   `json:"tool_id"`
		SecretNames []string `json:"secret_names"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer hook-key" {
			t.Fatalf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	notifier, err := NewHTTPNotifier(server.Client(), server.URL, "hook-key", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	err = notifier.Notify(context.Background(), access.Request{
		ID:          "req-1",
		ToolID:      "tool-1",
		SecretNames: []string{"db-main"},
		Environment: secret.EnvProd,
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Kind != "approval_required" || got.RequestID != "req-1" || got.ToolID != "tool-1" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestHTTPNotifierRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	notifier, err := NewHTTPNotifier(server.Client(), server.URL, "", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), access.Request{ID: "req-1"}); err == nil {
		t.Fatal("expected error on 502")
	}
}
