package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/metrics"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/pkg/logger"
)

// SweepActor is recorded on audit entries written by the rotation sweep.
const SweepActor = "rotation-sweeper"

// Event is a rotation notification: either a heads-up that a secret comes
// due soon, or the outcome of an automatic rotation.
type Event struct {
	SecretID   string
	SecretName string
	Owner      string
	Kind       EventKind
	DueAt      time.Time
	Err        error
}

type EventKind string

const (
	EventUpcoming     EventKind = "upcoming"
	EventRotated      EventKind = "rotated"
	EventRotateFailed EventKind = "rotate_failed"
	EventManualNeeded EventKind = "manual_rotation_needed"
)

// Notifier delivers rotation events to an external channel. Delivery
// failures are logged and never block the sweep.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Service runs rotation policy over the secret inventory.
type Service struct {
	store      storage.Store
	engine     rotator
	chain      *auditsvc.Chain
	notifier   Notifier
	keyVersion string
	log        *logger.Logger

	now func() time.Time
}

// rotator is the slice of the envelope engine the sweep needs.
type rotator interface {
	Encrypt(plaintext []byte, keyVersion string) (secret.Encrypted, error)
}

func New(store storage.Store, engine rotator, chain *auditsvc.Chain, keyVersion string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rotation")
	}
	return &Service{
		store:      store,
		engine:     engine,
		chain:      chain,
		keyVersion: keyVersion,
		log:        log,
		now:        time.Now,
	}
}

// WithNotifier attaches the notification channel. Without one, events are
// only logged.
func (s *Service) WithNotifier(n Notifier) {
	s.notifier = n
}

// Report summarizes one rotation sweep.
type Report struct {
	Scanned  int
	Rotated  int
	Failed   int
	Upcoming int
	Manual   int
}

// Sweep walks every secret with a rotation policy. Secrets past due with
// auto_generate are rotated in place; past-due secrets that cannot be
// generated raise a manual-rotation event; secrets entering their
// notify window raise an upcoming event. A failure on one secret never
// stops the pass.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	var report Report

	candidates, err := s.store.ListRotatable(ctx)
	if err != nil {
		return report, err
	}

	for _, sec := range candidates {
		due, ok := sec.NextRotation()
		if !ok {
			continue
		}
		report.Scanned++

		switch {
		case !now.Before(due):
			if !sec.AutoGenerate {
				report.Manual++
				s.emit(ctx, Event{
					SecretID:   sec.ID,
					SecretName: sec.Name,
					Owner:      sec.Owner,
					Kind:       EventManualNeeded,
					DueAt:      due,
				})
				continue
			}
			if err := s.rotate(ctx, sec, now); err != nil {
				report.Failed++
				s.log.WithError(err).WithField("secret_id", sec.ID).Warn("automatic rotation")
				s.emit(ctx, Event{
					SecretID:   sec.ID,
					SecretName: sec.Name,
					Owner:      sec.Owner,
					Kind:       EventRotateFailed,
					DueAt:      due,
					Err:        err,
				})
				continue
			}
			report.Rotated++
			s.emit(ctx, Event{
				SecretID:   sec.ID,
				SecretName: sec.Name,
				Owner:      sec.Owner,
				Kind:       EventRotated,
				DueAt:      due,
			})
		case sec.NotifyDaysBefore > 0 && !now.Before(due.AddDate(0, 0, -sec.NotifyDaysBefore)):
			report.Upcoming++
			s.emit(ctx, Event{
				SecretID:   sec.ID,
				SecretName: sec.Name,
				Owner:      sec.Owner,
				Kind:       EventUpcoming,
				DueAt:      due,
			})
		}
	}

	metrics.RecordRotationOutcome("rotated", report.Rotated)
	metrics.RecordRotationOutcome("failed", report.Failed)
	metrics.RecordRotationOutcome("upcoming", report.Upcoming)
	metrics.RecordRotationOutcome("manual", report.Manual)
	metrics.SetRotationDue(report.Failed + report.Manual)
	return report, nil
}

// rotate generates a replacement value for one secret, archiving the
// previous ciphertext, all in a single transaction with the audit entry.
func (s *Service) rotate(ctx context.Context, sec secret.Secret, now time.Time) error {
	value, err := sec.Type.Generate()
	if err != nil {
		return err
	}
	encrypted, err := s.engine.Encrypt([]byte(value), s.keyVersion)
	if err != nil {
		return err
	}

	return s.store.Atomic(ctx, func(tx storage.Store) error {
		current, err := tx.GetSecret(ctx, sec.ID)
		if err != nil {
			return err
		}
		if err := tx.ArchiveSecretVersion(ctx, secret.ArchivedVersion{
			SecretID: current.ID,
			Version:  current.Version,
			Value:    current.Value,
		}); err != nil {
			return err
		}
		current.Value = encrypted
		current.LastRotatedAt = now
		if _, err := tx.UpdateSecret(ctx, current); err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(SweepActor, "secret.rotate", sec.ID,
			audit.ResultSuccess, "automatic rotation"))
		return err
	})
}

func (s *Service) emit(ctx context.Context, ev Event) {
	entry := s.log.WithField("secret_id", ev.SecretID).WithField("kind", string(ev.Kind))
	if ev.Err != nil {
		entry = entry.WithError(ev.Err)
	}
	entry.Info("rotation event")

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.WithError(err).WithField("secret_id", ev.SecretID).Warn(fmt.Sprintf("deliver %s notification", ev.Kind))
	}
}

// Describe advertises the rotation service for capability listings.
func Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "rotation",
		Domain:       "secret-store",
		Layer:        service.LayerCustody,
		Capabilities: []string{"sweep", "notify"},
	}
}
