package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/pkg/logger"
)

// DefaultMaxSessionDuration caps sessions for tools registered without an
// explicit ceiling.
const DefaultMaxSessionDuration = time.Hour

// Service is the tool registry. Tools are registered and mutated by
// administrators only; they are never deleted, only suspended, so their audit
// history stays resolvable.
type Service struct {
	store storage.Store
	chain *auditsvc.Chain
	log   *logger.Logger
}

func New(store storage.Store, chain *auditsvc.Chain, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tools")
	}
	return &Service{store: store, chain: chain, log: log}
}

// RegisterInput describes a new tool registration.
type RegisterInput struct {
	OwnerOrg    string
	Permissions tool.Permissions
	AutoApprove bool
	Risk        tool.RiskLevel
}

func validatePermissions(p tool.Permissions) error {
	if len(p.SecretNames) == 0 {
		return service.RequiredError("permissions.secret_names")
	}
	if len(p.Environments) == 0 {
		return service.RequiredError("permissions.environments")
	}
	for _, env := range p.Environments {
		if !env.Valid() {
			return service.NewValidationError("permissions.environments",
				fmt.Sprintf("unknown environment %q", env))
		}
	}
	if p.MaxConcurrentSessions < 1 {
		return service.NewValidationError("permissions.max_concurrent_sessions", "must be at least 1")
	}
	if p.MaxSessionDuration < 0 {
		return service.NewValidationError("permissions.max_session_duration", "must not be negative")
	}
	return nil
}

// Register creates an active tool and audits the registration.
func (s *Service) Register(ctx context.Context, actor string, in RegisterInput) (tool.Tool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return tool.Tool{}, service.RequiredError("actor")
	}
	if strings.TrimSpace(in.OwnerOrg) == "" {
		return tool.Tool{}, service.RequiredError("owner_org")
	}
	if !in.Risk.Valid() {
		return tool.Tool{}, service.NewValidationError("risk", fmt.Sprintf("unknown risk level %q", in.Risk))
	}
	if err := validatePermissions(in.Permissions); err != nil {
		return tool.Tool{}, err
	}
	if in.Permissions.MaxSessionDuration == 0 {
		in.Permissions.MaxSessionDuration = DefaultMaxSessionDuration
	}

	record := tool.Tool{
		OwnerOrg:    in.OwnerOrg,
		Permissions: in.Permissions,
		AutoApprove: in.AutoApprove,
		Risk:        in.Risk,
		Status:      tool.StatusActive,
	}

	var created tool.Tool
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		var err error
		created, err = tx.CreateTool(ctx, record)
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("org %s risk %s", created.OwnerOrg, created.Risk)
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(actor, "tool.register", created.ID, audit.ResultSuccess, detail))
		return err
	})
	if err != nil {
		return tool.Tool{}, err
	}

	s.log.WithField("tool_id", created.ID).WithField("risk", string(created.Risk)).Info("tool registered")
	return created, nil
}

// UpdatePermissions replaces a tool's granted scope.
func (s *Service) UpdatePermissions(ctx context.Context, actor, id string, perms tool.Permissions) (tool.Tool, error) {
	if err := validatePermissions(perms); err != nil {
		return tool.Tool{}, err
	}
	if perms.MaxSessionDuration == 0 {
		perms.MaxSessionDuration = DefaultMaxSessionDuration
	}
	return s.mutate(ctx, actor, id, "tool.update_permissions", func(t *tool.Tool) error {
		t.Permissions = perms
		return nil
	})
}

// Suspend blocks a tool from submitting new access requests. Existing
// sessions are revoked separately by the access service.
func (s *Service) Suspend(ctx context.Context, actor, id string) (tool.Tool, error) {
	return s.mutate(ctx, actor, id, "tool.suspend", func(t *tool.Tool) error {
		if t.Status == tool.StatusSuspended {
			return service.NewTransitionError("tool", t.ID, string(t.Status), "suspend")
		}
		t.Status = tool.StatusSuspended
		return nil
	})
}

// Reactivate lifts a suspension.
func (s *Service) Reactivate(ctx context.Context, actor, id string) (tool.Tool, error) {
	return s.mutate(ctx, actor, id, "tool.reactivate", func(t *tool.Tool) error {
		if t.Status == tool.StatusActive {
			return service.NewTransitionError("tool", t.ID, string(t.Status), "reactivate")
		}
		t.Status = tool.StatusActive
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, actor, id, action string, apply func(*tool.Tool) error) (tool.Tool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return tool.Tool{}, service.RequiredError("actor")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return tool.Tool{}, service.RequiredError("tool_id")
	}

	var updated tool.Tool
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		current, err := tx.GetTool(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&current); err != nil {
			return err
		}
		updated, err = tx.UpdateTool(ctx, current)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(actor, action, id, audit.ResultSuccess, ""))
		return err
	})
	if err != nil {
		return tool.Tool{}, err
	}

	s.log.WithField("tool_id", id).Info(action)
	return updated, nil
}

// Get returns a tool by id.
func (s *Service) Get(ctx context.Context, id string) (tool.Tool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return tool.Tool{}, service.RequiredError("tool_id")
	}
	return s.store.GetTool(ctx, id)
}

// List returns tools, optionally narrowed to one owning organization.
func (s *Service) List(ctx context.Context, ownerOrg string) ([]tool.Tool, error) {
	return s.store.ListTools(ctx, ownerOrg)
}

// Describe advertises the tool registry for capability listings.
func Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "tools",
		Domain:       "tool-registry",
		Layer:        service.LayerControl,
		Capabilities: []string{"register", "permissions", "suspend", "reactivate"},
	}
}
