package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/pkg/logger"
)

// HTTPNotifier posts pending-approval events to a webhook endpoint.
type HTTPNotifier struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPNotifier constructs a notifier posting to the provided endpoint.
func NewHTTPNotifier(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPNotifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("notifier endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse notifier endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("access-http-notifier")
	}
	return &HTTPNotifier{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (n *HTTPNotifier) Notify(ctx context.Context, req access.Request) error {
	payload := struct {
		Kind          string   `json:"kind"`
		RequestID     string   `json:"request_id"`
		ToolID        string   `json:"tool_id"`
		SecretNames   []string `json:"secret_names"`
		Environment   string   `json:"environment"`
		Justification string   `json:"justification"`
		ExpiresAt     string   `json:"expires_at"`
	}{
		Kind:          "approval_required",
		RequestID:     req.ID,
		ToolID:        req.ToolID,
		SecretNames:   req.SecretNames,
		Environment:   string(req.Environment),
		Justification: req.Justification,
		ExpiresAt:     req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notifier status %d", resp.StatusCode)
	}
	return nil
}
