package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/envelope"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/pkg/logger"
)

// Service manages encrypted secrets. Every mutation runs in a single
// transaction together with its audit entry: if the audit append fails, the
// mutation rolls back.
type Service struct {
	store      storage.Store
	engine     *envelope.Engine
	chain      *auditsvc.Chain
	keyVersion string
	log        *logger.Logger
}

// New creates a secrets service encrypting new payloads under keyVersion.
func New(store storage.Store, engine *envelope.Engine, chain *auditsvc.Chain, keyVersion string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("secrets")
	}
	return &Service{
		store:      store,
		engine:     engine,
		chain:      chain,
		keyVersion: keyVersion,
		log:        log,
	}
}

// CreateInput describes a new secret.
type CreateInput struct {
	Name                 string
	Type                 secret.Type
	Value                string
	Environment          secret.Environment
	Tags                 []string
	RotationIntervalDays int
	AutoGenerate         bool
	NotifyDaysBefore     int
	ExpiresAt            *time.Time
}

func (in CreateInput) validate() error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if !in.Type.Valid() {
		return service.NewValidationError("type", fmt.Sprintf("unknown secret type %q", in.Type))
	}
	if !in.Environment.Valid() {
		return service.NewValidationError("environment", fmt.Sprintf("unknown environment %q", in.Environment))
	}
	if in.Value == "" {
		return service.RequiredError("value")
	}
	if in.RotationIntervalDays < 0 {
		return service.NewValidationError("rotation_interval_days", "must not be negative")
	}
	return nil
}

// Create encrypts and stores a new secret owned by the actor.
func (s *Service) Create(ctx context.Context, actor string, in CreateInput) (secret.Metadata, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return secret.Metadata{}, service.RequiredError("actor")
	}
	if err := in.validate(); err != nil {
		return secret.Metadata{}, err
	}

	encrypted, err := s.engine.Encrypt([]byte(in.Value), s.keyVersion)
	if err != nil {
		return secret.Metadata{}, err
	}

	now := time.Now().UTC()
	record := secret.Secret{
		Name:                 in.Name,
		Type:                 in.Type,
		Value:                encrypted,
		Owner:                actor,
		Environment:          in.Environment,
		Tags:                 in.Tags,
		RotationIntervalDays: in.RotationIntervalDays,
		AutoGenerate:         in.AutoGenerate,
		NotifyDaysBefore:     in.NotifyDaysBefore,
		LastRotatedAt:        now,
		ExpiresAt:            in.ExpiresAt,
	}

	var created secret.Secret
	err = s.store.Atomic(ctx, func(tx storage.Store) error {
		var err error
		created, err = tx.CreateSecret(ctx, record)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(actor, "secret.create", created.ID, audit.ResultSuccess, created.Name))
		return err
	})
	if err != nil {
		return secret.Metadata{}, err
	}

	s.log.WithField("secret_id", created.ID).WithField("owner", actor).Info("secret created")
	return created.ToMetadata(), nil
}

// Describe returns metadata without touching the encrypted payload.
func (s *Service) Describe(ctx context.Context, actor, id string) (secret.Metadata, error) {
	sec, err := s.load(ctx, actor, id)
	if err != nil {
		return secret.Metadata{}, err
	}
	return sec.ToMetadata(), nil
}

// Get decrypts and returns the plaintext value. Both successful and denied
// reads leave an audit entry.
func (s *Service) Get(ctx context.Context, actor, id string) (string, error) {
	sec, err := s.load(ctx, actor, id)
	if err != nil {
		s.auditFailure(ctx, actor, "secret.read", id, err)
		return "", err
	}

	plaintext, err := s.engine.Decrypt(sec.Value)
	if err != nil {
		s.auditFailure(ctx, actor, "secret.read", id, err)
		return "", err
	}

	err = s.store.Atomic(ctx, func(tx storage.Store) error {
		_, err := s.chain.Append(ctx, tx, auditsvc.Entry(actor, "secret.read", id, audit.ResultSuccess, ""))
		return err
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Update encrypts a replacement value, archiving the previous ciphertext as
// an immutable version.
func (s *Service) Update(ctx context.Context, actor, id, value string) (secret.Metadata, error) {
	if value == "" {
		return secret.Metadata{}, service.RequiredError("value")
	}
	return s.replaceValue(ctx, actor, id, value, "secret.update", false)
}

// Rotate replaces the secret value. With an empty value the replacement is
// generated per the secret's type; types that cannot be generated must be
// rotated with an externally supplied value.
func (s *Service) Rotate(ctx context.Context, actor, id, value string) (secret.Metadata, error) {
	return s.replaceValue(ctx, actor, id, value, "secret.rotate", true)
}

func (s *Service) replaceValue(ctx context.Context, actor, id, value, action string, rotation bool) (secret.Metadata, error) {
	sec, err := s.load(ctx, actor, id)
	if err != nil {
		s.auditFailure(ctx, actor, action, id, err)
		return secret.Metadata{}, err
	}

	if rotation && value == "" {
		value, err = sec.Type.Generate()
		if err != nil {
			s.auditFailure(ctx, actor, action, id, err)
			return secret.Metadata{}, err
		}
	}

	encrypted, err := s.engine.Encrypt([]byte(value), s.keyVersion)
	if err != nil {
		return secret.Metadata{}, err
	}

	var updated secret.Secret
	err = s.store.Atomic(ctx, func(tx storage.Store) error {
		current, err := tx.GetSecret(ctx, id)
		if err != nil {
			return err
		}

		archive := secret.ArchivedVersion{
			SecretID: current.ID,
			Version:  current.Version,
			Value:    current.Value,
		}
		if err := tx.ArchiveSecretVersion(ctx, archive); err != nil {
			return err
		}

		current.Value = encrypted
		if rotation {
			current.LastRotatedAt = time.Now().UTC()
		}
		updated, err = tx.UpdateSecret(ctx, current)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(actor, action, id, audit.ResultSuccess,
			fmt.Sprintf("version %d archived", archive.Version)))
		return err
	})
	if err != nil {
		return secret.Metadata{}, err
	}

	s.log.WithField("secret_id", id).WithField("version", updated.Version).Info(action)
	return updated.ToMetadata(), nil
}

// List returns metadata for the actor's secrets matching the filter.
func (s *Service) List(ctx context.Context, actor string, filter storage.SecretFilter) ([]secret.Metadata, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, service.RequiredError("actor")
	}

	records, err := s.store.ListSecrets(ctx, actor, filter)
	if err != nil {
		return nil, err
	}
	out := make([]secret.Metadata, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ToMetadata())
	}
	return out, nil
}

// VersionInfo describes an archived version without exposing ciphertext.
type VersionInfo struct {
	Version    int
	KeyVersion string
	ArchivedAt time.Time
}

// Versions lists the archived versions of a secret.
func (s *Service) Versions(ctx context.Context, actor, id string) ([]VersionInfo, error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	versions, err := s.store.ListSecretVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(versions))
	for _, ver := range versions {
		out = append(out, VersionInfo{
			Version:    ver.Version,
			KeyVersion: ver.Value.KeyVersion,
			ArchivedAt: ver.ArchivedAt,
		})
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, actor, id string) (secret.Secret, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return secret.Secret{}, service.RequiredError("actor")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return secret.Secret{}, service.RequiredError("secret_id")
	}

	sec, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return secret.Secret{}, err
	}
	if sec.Owner != actor {
		denied := service.NewAccessDeniedError("secret", id, actor)
		denied.Reason = "not the owner"
		return secret.Secret{}, denied
	}
	return sec, nil
}

// auditFailure records a failed attempt. Best effort: a failure to audit a
// failure is logged, not surfaced, since the operation already failed.
func (s *Service) auditFailure(ctx context.Context, actor, action, target string, cause error) {
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		_, err := s.chain.Append(ctx, tx, auditsvc.Entry(actor, action, target, audit.ResultFailure, cause.Error()))
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("action", action).Warn("audit append for failed operation")
	}
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return service.RequiredError("name")
	}
	if strings.Contains(trimmed, "|") {
		return service.NewValidationError("name", "cannot contain '|'")
	}
	return nil
}

// Describe advertises the secret service for capability listings.
func Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "secrets",
		Domain:       "secret-store",
		Layer:        service.LayerCustody,
		Capabilities: []string{"create", "update", "rotate", "versions", "list"},
	}
}
