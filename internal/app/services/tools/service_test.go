package tools

import (
	"context"
	"testing"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/storage/memory"
	"github.com/mcpvault/broker/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *memory.Memory) {
	t.Helper()
	store := memory.New()
	chain, err := auditsvc.NewChain([]byte("audit-signing-key"), logger.NewDefault("test"))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return New(store, chain, logger.NewDefault("test")), store
}

func validRegister() RegisterInput {
	return RegisterInput{
		OwnerOrg: "acme",
		Permissions: tool.Permissions{
			SecretNames:           []string{"db-main"},
			Environments:          []secret.Environment{secret.EnvProd},
			MaxConcurrentSessions: 2,
			MaxSessionDuration:    30 * time.Minute,
		},
		AutoApprove: true,
		Risk:        tool.RiskLow,
	}
}

func TestRegister(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created, err := svc.Register(ctx, "admin", validRegister())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.Status != tool.StatusActive {
		t.Fatalf("status = %s, want active", created.Status)
	}
	if created.ID == "" {
		t.Fatal("missing id")
	}

	entries, err := store.ListAudit(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "tool.register" {
		t.Fatalf("audit entries = %+v", entries)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{"empty org", func(in *RegisterInput) { in.OwnerOrg = "" }},
		{"bad risk", func(in *RegisterInput) { in.Risk = "extreme" }},
		{"no secret names", func(in *RegisterInput) { in.Permissions.SecretNames = nil }},
		{"no environments", func(in *RegisterInput) { in.Permissions.Environments = nil }},
		{"bad environment", func(in *RegisterInput) { in.Permissions.Environments = []secret.Environment{"qa"} }},
		{"zero sessions", func(in *RegisterInput) { in.Permissions.MaxConcurrentSessions = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validRegister()
			tc.mutate(&in)
			if _, err := svc.Register(ctx, "admin", in); !service.IsValidationError(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestRegisterDefaultsSessionDuration(t *testing.T) {
	svc, _ := newTestService(t)
	in := validRegister()
	in.Permissions.MaxSessionDuration = 0

	created, err := svc.Register(context.Background(), "admin", in)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.Permissions.MaxSessionDuration != DefaultMaxSessionDuration {
		t.Fatalf("duration = %s, want default", created.Permissions.MaxSessionDuration)
	}
}

func TestSuspendAndReactivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Register(ctx, "admin", validRegister())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	suspended, err := svc.Suspend(ctx, "admin", created.ID)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if suspended.Active() {
		t.Fatal("tool still active after suspend")
	}
	if _, err := svc.Suspend(ctx, "admin", created.ID); !service.IsInvalidTransition(err) {
		t.Fatalf("double suspend err = %v, want transition error", err)
	}

	restored, err := svc.Reactivate(ctx, "admin", created.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !restored.Active() {
		t.Fatal("tool not active after reactivate")
	}
}

func TestUpdatePermissions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Register(ctx, "admin", validRegister())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	perms := created.Permissions
	perms.SecretNames = []string{"db-main", "stripe-key"}
	updated, err := svc.UpdatePermissions(ctx, "admin", created.ID, perms)
	if err != nil {
		t.Fatalf("update permissions: %v", err)
	}
	if !updated.Permissions.AllowsSecret("stripe-key") {
		t.Fatal("new scope not applied")
	}

	perms.MaxConcurrentSessions = 0
	if _, err := svc.UpdatePermissions(ctx, "admin", created.ID, perms); !service.IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestGetUnknownTool(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), "nope"); !service.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}
