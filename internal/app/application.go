package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/envelope"
	accesssvc "github.com/mcpvault/broker/internal/app/services/access"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	rotationsvc "github.com/mcpvault/broker/internal/app/services/rotation"
	"github.com/mcpvault/broker/internal/app/services/secrets"
	tokensvc "github.com/mcpvault/broker/internal/app/services/tokens"
	toolsvc "github.com/mcpvault/broker/internal/app/services/tools"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/internal/app/storage/memory"
	"github.com/mcpvault/broker/internal/app/system"
	"github.com/mcpvault/broker/pkg/logger"
)

// Options configures the application. A nil Store defaults to the in-memory
// implementation; the key material is required.
type Options struct {
	MasterKey  []byte
	AuditKey   []byte
	KeyVersion string
	Store      storage.Store

	SweepInterval    time.Duration
	RotationSchedule string

	// NotifyURL receives rotation event webhooks. Falls back to the
	// MCPVAULT_NOTIFY_URL / MCPVAULT_NOTIFY_KEY environment variables.
	NotifyURL string
	NotifyKey string
}

// Application ties the broker services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store    storage.Store
	Envelope *envelope.Engine
	Audit    *auditsvc.Chain
	Secrets  *secrets.Service
	Tools    *toolsvc.Service
	Access   *accesssvc.Service
	Tokens   *tokensvc.Service
	Rotation *rotationsvc.Service
}

// New builds a fully initialised broker application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.KeyVersion == "" {
		opts.KeyVersion = "v1"
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}

	engine, err := envelope.NewEngine(opts.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("envelope engine: %w", err)
	}
	chain, err := auditsvc.NewChain(opts.AuditKey, log)
	if err != nil {
		return nil, fmt.Errorf("audit chain: %w", err)
	}

	manager := system.NewManager()

	secretService := secrets.New(opts.Store, engine, chain, opts.KeyVersion, log)
	toolService := toolsvc.New(opts.Store, chain, log)
	accessService := accesssvc.New(opts.Store, chain, log)
	tokenService := tokensvc.New(opts.Store, engine, chain, opts.KeyVersion, log)
	rotationService := rotationsvc.New(opts.Store, engine, chain, opts.KeyVersion, log)

	notifyURL := strings.TrimSpace(opts.NotifyURL)
	notifyKey := opts.NotifyKey
	if notifyURL == "" {
		notifyURL = strings.TrimSpace(os.Getenv("MCPVAULT_NOTIFY_URL"))
		notifyKey = os.Getenv("MCPVAULT_NOTIFY_KEY")
	}
	if notifyURL != "" {
		httpClient := &http.Client{Timeout: 10 * time.Second}
		rotationNotifier, err := rotationsvc.NewHTTPNotifier(httpClient, notifyURL, notifyKey, log)
		if err != nil {
			log.WithError(err).Warn("configure rotation notifier")
		} else {
			rotationService.WithNotifier(rotationNotifier)
		}
		approvalNotifier, err := accesssvc.NewHTTPNotifier(httpClient, notifyURL, notifyKey, log)
		if err != nil {
			log.WithError(err).Warn("configure approval notifier")
		} else {
			accessService.WithNotifier(approvalNotifier)
		}
	} else {
		log.Warn("notify endpoint not set; rotation and approval notifications are log-only")
	}

	for _, name := range []string{"secrets", "tools", "access", "tokens"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	sweeper := accesssvc.NewSweeper(accessService, log)
	if opts.SweepInterval > 0 {
		sweeper.WithInterval(opts.SweepInterval)
	}
	rotationRunner := rotationsvc.NewRunner(rotationService, log)
	if opts.RotationSchedule != "" {
		rotationRunner.WithSchedule(opts.RotationSchedule)
	}

	for _, svc := range []system.Service{sweeper, rotationRunner} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Store:    opts.Store,
		Envelope: engine,
		Audit:    chain,
		Secrets:  secretService,
		Tools:    toolService,
		Access:   accessService,
		Tokens:   tokenService,
		Rotation: rotationService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors lists the broker's capabilities for the service listing.
func (a *Application) Descriptors() []service.Descriptor {
	return []service.Descriptor{
		secrets.Describe(),
		toolsvc.Describe(),
		accesssvc.Describe(),
		tokensvc.Describe(),
		rotationsvc.Describe(),
	}
}

// VerifyAuditChain walks the audit log and returns the first corrupt
// position, or 0 when the chain is intact.
func (a *Application) VerifyAuditChain(ctx context.Context) (int64, error) {
	return a.Audit.Verify(ctx, a.Store)
}
