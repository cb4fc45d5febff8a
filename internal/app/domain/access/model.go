package access

import (
	"time"

	"github.com/mcpvault/broker/internal/app/domain/secret"
)

// RequestStatus tracks an access request through its lifecycle. A request
// transitions exactly once from pending to a terminal state and is never
// reopened.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestExpired  RequestStatus = "expired"
)

// Request is a tool's declared intent to use specific secrets.
type Request struct {
	ID                string
	ToolID            string
	SecretNames       []string
	Environment       secret.Environment
	Justification     string
	EstimatedDuration time.Duration
	Status            RequestStatus
	DecidedBy         string
	DecidedAt         *time.Time
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

// Terminal reports whether the request has left the pending state.
func (r Request) Terminal() bool { return r.Status != RequestPending }

// Session is the bounded window during which an approved tool may obtain
// proxy tokens for its approved secrets. Created only from an approved
// request; EndedAt is set exactly once.
type Session struct {
	ID          string
	RequestID   string
	ToolID      string
	SecretNames []string
	Environment secret.Environment
	ExpiresAt   time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time
}

// Active reports whether the session is open at the given instant.
func (s Session) Active(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

// InScope reports whether the named secret was approved for this session.
func (s Session) InScope(name string) bool {
	for _, allowed := range s.SecretNames {
		if allowed == name {
			return true
		}
	}
	return false
}
