package policy

import (
	"testing"
	"time"

	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/tool"
)

func testTool() tool.Tool {
	return tool.Tool{
		ID:       "tool-1",
		OwnerOrg: "acme",
		Permissions: tool.Permissions{
			SecretNames:           []string{"stripe-key", "db-main"},
			Environments:          []secret.Environment{secret.EnvDev, secret.EnvStaging},
			MaxConcurrentSessions: 3,
			MaxSessionDuration:    time.Hour,
		},
		AutoApprove: true,
		Risk:        tool.RiskLow,
		Status:      tool.StatusActive,
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*tool.Tool)
		names    []string
		env      secret.Environment
		duration time.Duration
		want     Decision
	}{
		{
			name:     "auto approve low risk",
			names:    []string{"stripe-key"},
			env:      secret.EnvDev,
			duration: 5 * time.Minute,
			want:     AutoApprove,
		},
		{
			name:     "auto approve medium risk",
			mutate:   func(tl *tool.Tool) { tl.Risk = tool.RiskMedium },
			names:    []string{"stripe-key", "db-main"},
			env:      secret.EnvStaging,
			duration: 5 * time.Minute,
			want:     AutoApprove,
		},
		{
			name:     "no auto approve flag requires approval",
			mutate:   func(tl *tool.Tool) { tl.AutoApprove = false },
			names:    []string{"stripe-key"},
			env:      secret.EnvDev,
			duration: 5 * time.Minute,
			want:     RequireApproval,
		},
		{
			name:     "suspended tool denied",
			mutate:   func(tl *tool.Tool) { tl.Status = tool.StatusSuspended },
			names:    []string{"stripe-key"},
			env:      secret.EnvDev,
			duration: 5 * time.Minute,
			want:     Deny,
		},
		{
			name:     "out of scope environment denied",
			names:    []string{"stripe-key"},
			env:      secret.EnvProd,
			duration: 5 * time.Minute,
			want:     Deny,
		},
		{
			name:     "out of scope secret denied",
			names:    []string{"stripe-key", "aws-root"},
			env:      secret.EnvDev,
			duration: 5 * time.Minute,
			want:     Deny,
		},
		{
			name:     "empty name list denied",
			names:    nil,
			env:      secret.EnvDev,
			duration: 5 * time.Minute,
			want:     Deny,
		},
		{
			name:     "non-positive duration denied",
			names:    []string{"stripe-key"},
			env:      secret.EnvDev,
			duration: 0,
			want:     Deny,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tl := testTool()
			if tc.mutate != nil {
				tc.mutate(&tl)
			}
			got := Evaluate(tl, tc.names, tc.env, tc.duration)
			if got.Decision != tc.want {
				t.Fatalf("expected %s, got %s (%s)", tc.want, got.Decision, got.Reason)
			}
			if got.Reason == "" {
				t.Fatal("decision must carry a reason")
			}
		})
	}
}

// High and critical risk can never auto-approve, whatever the tool flag says.
func TestHighRiskNeverAutoApproves(t *testing.T) {
	for _, risk := range []tool.RiskLevel{tool.RiskHigh, tool.RiskCritical} {
		for _, autoApprove := range []bool{true, false} {
			tl := testTool()
			tl.Risk = risk
			tl.AutoApprove = autoApprove

			got := Evaluate(tl, []string{"stripe-key"}, secret.EnvDev, time.Minute)
			if got.Decision == AutoApprove {
				t.Fatalf("risk=%s auto_approve=%t must not auto-approve", risk, autoApprove)
			}
			if got.Decision != RequireApproval {
				t.Fatalf("risk=%s auto_approve=%t: expected require_approval, got %s", risk, autoApprove, got.Decision)
			}
		}
	}
}
