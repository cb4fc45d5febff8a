package policy

import (
	"fmt"
	"time"

	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/tool"
)

// Decision is the outcome of evaluating an access request against a tool's
// grant.
type Decision string

const (
	AutoApprove     Decision = "auto_approve"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// Result carries the decision and a human-readable reason for the audit
// trail.
type Result struct {
	Decision Decision
	Reason   string
}

// Evaluate renders an access decision. It is a pure function of its inputs.
//
// Deny wins over everything: an inactive tool, an out-of-scope environment,
// or any out-of-scope secret name is denied outright. Otherwise the tool's
// auto-approve flag is honoured only for low and medium risk; high and
// critical risk always require a human decision. That override is a safety
// invariant, not a per-request knob.
func Evaluate(t tool.Tool, names []string, env secret.Environment, estimated time.Duration) Result {
	if len(names) == 0 {
		return Result{Decision: Deny, Reason: "no secret names requested"}
	}
	if !t.Active() {
		return Result{Decision: Deny, Reason: fmt.Sprintf("tool is %s", t.Status)}
	}
	if !t.Permissions.AllowsEnvironment(env) {
		return Result{Decision: Deny, Reason: fmt.Sprintf("environment %s not in tool scope", env)}
	}
	for _, name := range names {
		if !t.Permissions.AllowsSecret(name) {
			return Result{Decision: Deny, Reason: fmt.Sprintf("secret %s not in tool scope", name)}
		}
	}
	if estimated <= 0 {
		return Result{Decision: Deny, Reason: "estimated duration must be positive"}
	}

	if t.Risk.RequiresApproval() {
		return Result{Decision: RequireApproval, Reason: fmt.Sprintf("risk level %s requires human approval", t.Risk)}
	}
	if t.AutoApprove {
		return Result{Decision: AutoApprove, Reason: "tool is auto-approved"}
	}
	return Result{Decision: RequireApproval, Reason: "tool is not auto-approved"}
}
