package tool

import (
	"time"

	"github.com/mcpvault/broker/internal/app/domain/secret"
)

// RiskLevel grades how dangerous a tool's secret access is. high and critical
// always require a human decision; the per-tool auto-approve flag cannot
// override this.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// RequiresApproval reports whether the risk level alone forces a human
// decision regardless of any tool flag.
func (r RiskLevel) RequiresApproval() bool {
	return r == RiskHigh || r == RiskCritical
}

// Status is a tool's registration state. Tools are never deleted, only
// suspended.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Permissions is the scope an administrator granted to a tool.
type Permissions struct {
	SecretNames           []string
	Environments          []secret.Environment
	MaxConcurrentSessions int
	MaxSessionDuration    time.Duration
}

// AllowsSecret reports whether the named secret is in scope.
func (p Permissions) AllowsSecret(name string) bool {
	for _, allowed := range p.SecretNames {
		if allowed == name {
			return true
		}
	}
	return false
}

// AllowsEnvironment reports whether the environment is in scope.
func (p Permissions) AllowsEnvironment(env secret.Environment) bool {
	for _, allowed := range p.Environments {
		if allowed == env {
			return true
		}
	}
	return false
}

// Tool is a registered autonomous caller. Created and mutated only by
// administrators.
type Tool struct {
	ID          string
	OwnerOrg    string
	Permissions Permissions
	AutoApprove bool
	Risk        RiskLevel
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the tool may submit access requests.
func (t Tool) Active() bool { return t.Status == StatusActive }
