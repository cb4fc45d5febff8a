package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app"
	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	"github.com/mcpvault/broker/internal/app/metrics"
	accesssvc "github.com/mcpvault/broker/internal/app/services/access"
	"github.com/mcpvault/broker/internal/app/services/secrets"
	toolsvc "github.com/mcpvault/broker/internal/app/services/tools"
	"github.com/mcpvault/broker/internal/app/storage"
)

// actorHeader carries the caller identity forwarded by the fronting proxy.
// Authentication itself happens upstream; the broker trusts this header.
const actorHeader = "X-Actor-ID"

// handler bundles HTTP endpoints for the broker services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the broker REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/secrets", h.secrets)
	mux.HandleFunc("/secrets/", h.secretResources)
	mux.HandleFunc("/tools", h.tools)
	mux.HandleFunc("/tools/", h.toolResources)
	mux.HandleFunc("/requests", h.requests)
	mux.HandleFunc("/requests/", h.requestResources)
	mux.HandleFunc("/sessions/", h.sessionResources)
	mux.HandleFunc("/tokens", h.tokens)
	mux.HandleFunc("/tokens/", h.tokenResources)
	mux.HandleFunc("/audit/verify", h.auditVerify)
	mux.HandleFunc("/services", h.services)
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux)
}

func (h *handler) secrets(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(actorHeader)
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name                 string     `json:"name"`
			Type                 string     `json:"type"`
			Value                string     `json:"value"`
			Environment          string     `json:"environment"`
			Tags                 []string   `json:"tags"`
			RotationIntervalDays int        `json:"rotation_interval_days"`
			AutoGenerate         bool       `json:"auto_generate"`
			NotifyDaysBefore     int        `json:"notify_days_before"`
			ExpiresAt            *time.Time `json:"expires_at"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		meta, err := h.app.Secrets.Create(r.Context(), actor, secrets.CreateInput{
			Name:                 payload.Name,
			Type:                 secret.Type(payload.Type),
			Value:                payload.Value,
			Environment:          secret.Environment(payload.Environment),
			Tags:                 payload.Tags,
			RotationIntervalDays: payload.RotationIntervalDays,
			AutoGenerate:         payload.AutoGenerate,
			NotifyDaysBefore:     payload.NotifyDaysBefore,
			ExpiresAt:            payload.ExpiresAt,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, meta)

	case http.MethodGet:
		q := r.URL.Query()
		metas, err := h.app.Secrets.List(r.Context(), actor, storage.SecretFilter{
			Environment: secret.Environment(q.Get("environment")),
			Type:        secret.Type(q.Get("type")),
			Tag:         q.Get("tag"),
			NamePrefix:  q.Get("name_prefix"),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, metas)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) secretResources(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(actorHeader)
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/secrets"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	secretID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			meta, err := h.app.Secrets.Describe(r.Context(), actor, secretID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, meta)
		case http.MethodPut:
			var payload struct {
				Value string `json:"value"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			meta, err := h.app.Secrets.Update(r.Context(), actor, secretID, payload.Value)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, meta)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "rotate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Value string `json:"value"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		meta, err := h.app.Secrets.Rotate(r.Context(), actor, secretID, payload.Value)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case "versions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		versions, err := h.app.Secrets.Versions(r.Context(), actor, secretID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) tools(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(actorHeader)
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			OwnerOrg              string   `json:"owner_org"`
			SecretNames           []string `json:"secret_names"`
			Environments          []string `json:"environments"`
			MaxConcurrentSessions int      `json:"max_concurrent_sessions"`
			MaxSessionSeconds     int      `json:"max_session_seconds"`
			AutoApprove           bool     `json:"auto_approve"`
			Risk                  string   `json:"risk"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		envs := make([]secret.Environment, 0, len(payload.Environments))
		for _, env := range payload.Environments {
			envs = append(envs, secret.Environment(env))
		}
		created, err := h.app.Tools.Register(r.Context(), actor, toolsvc.RegisterInput{
			OwnerOrg: payload.OwnerOrg,
			Permissions: tool.Permissions{
				SecretNames:           payload.SecretNames,
				Environments:          envs,
				MaxConcurrentSessions: payload.MaxConcurrentSessions,
				MaxSessionDuration:    time.Duration(payload.MaxSessionSeconds) * time.Second,
			},
			AutoApprove: payload.AutoApprove,
			Risk:        tool.RiskLevel(payload.Risk),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		items, err := h.app.Tools.List(r.Context(), r.URL.Query().Get("owner_org"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) toolResources(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(actorHeader)
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tools"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	toolID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		item, err := h.app.Tools.Get(r.Context(), toolID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	switch parts[1] {
	case "permissions":
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			SecretNames           []string `json:"secret_names"`
			Environments          []string `json:"environments"`
			MaxConcurrentSessions int      `json:"max_concurrent_sessions"`
			MaxSessionSeconds     int      `json:"max_session_seconds"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		envs := make([]secret.Environment, 0, len(payload.Environments))
		for _, env := range payload.Environments {
			envs = append(envs, secret.Environment(env))
		}
		updated, err := h.app.Tools.UpdatePermissions(r.Context(), actor, toolID, tool.Permissions{
			SecretNames:           payload.SecretNames,
			Environments:          envs,
			MaxConcurrentSessions: payload.MaxConcurrentSessions,
			MaxSessionDuration:    time.Duration(payload.MaxSessionSeconds) * time.Second,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case "suspend":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		updated, err := h.app.Tools.Suspend(r.Context(), actor, toolID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case "reactivate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		updated, err := h.app.Tools.Reactivate(r.Context(), actor, toolID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case "sessions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sessions, err := h.app.Access.ListSessions(r.Context(), toolID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) requests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ToolID           string   `json:"tool_id"`
		SecretNames      []string `json:"secret_names"`
		Environment      string   `json:"environment"`
		Justification    string   `json:"justification"`
		EstimatedSeconds int      `json:"estimated_seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, sess, err := h.app.Access.Submit(r.Context(), accesssvc.SubmitInput{
		ToolID:            payload.ToolID,
		SecretNames:       payload.SecretNames,
		Environment:       secret.Environment(payload.Environment),
		Justification:     payload.Justification,
		EstimatedDuration: time.Duration(payload.EstimatedSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Request: req, Session: sess})
}

func (h *handler) requestResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/requests"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	requestID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		req, err := h.app.Access.GetRequest(r.Context(), requestID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}

	if parts[1] != "decide" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Approve bool   `json:"approve"`
		Notes   string `json:"notes"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, sess, err := h.app.Access.Decide(r.Context(), r.Header.Get(actorHeader), requestID, payload.Approve, payload.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Request: req, Session: sess})
}

func (h *handler) sessionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sessionID := parts[0]

	switch r.Method {
	case http.MethodGet:
		sess, err := h.app.Access.GetSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		sess, err := h.app.Access.RevokeSession(r.Context(), r.Header.Get(actorHeader), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) tokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		SessionID  string `json:"session_id"`
		SecretName string `json:"secret_name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	issued, err := h.app.Tokens.Issue(r.Context(), payload.SessionID, payload.SecretName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *handler) tokenResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tokens"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if parts[0] == "resolve" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			ProxyValue string `json:"proxy_value"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		plaintext, err := h.app.Tokens.Resolve(r.Context(), payload.ProxyValue)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": plaintext})
		return
	}

	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	revoked, err := h.app.Tokens.Revoke(r.Context(), r.Header.Get(actorHeader), parts[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked.ToMetadata())
}

func (h *handler) auditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	position, err := h.app.VerifyAuditChain(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intact":             position == 0,
		"first_bad_position": position,
	})
}

func (h *handler) services(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Descriptors())
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	Request access.Request  `json:"request"`
	Session *access.Session `json:"session,omitempty"`
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeServiceError maps the broker error kinds onto HTTP statuses so
// callers can tell a retryable refusal from a terminal one.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case service.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case service.IsForbidden(err):
		writeError(w, http.StatusForbidden, err)
	case service.IsConflict(err), service.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err)
	case service.IsThrottled(err):
		writeError(w, http.StatusTooManyRequests, err)
	case service.IsExpired(err):
		writeError(w, http.StatusGone, err)
	case service.IsIntegrity(err):
		writeError(w, http.StatusInternalServerError, err)
	case service.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error: %w", err))
	}
}
