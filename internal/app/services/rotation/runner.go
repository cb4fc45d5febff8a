package rotation

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mcpvault/broker/internal/app/system"
	"github.com/mcpvault/broker/pkg/logger"
)

var _ system.Service = (*Runner)(nil)

// DefaultSchedule runs the rotation sweep hourly. The sweep is idempotent,
// so overlapping replicas or a tighter schedule only cost redundant scans.
const DefaultSchedule = "@hourly"

// Runner drives the rotation sweep on a cron schedule.
type Runner struct {
	service  *Service
	log      *logger.Logger
	schedule string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRunner creates a lifecycle-managed rotation runner.
func NewRunner(service *Service, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("rotation-runner")
	}
	return &Runner{
		service:  service,
		log:      log,
		schedule: DefaultSchedule,
	}
}

// WithSchedule overrides the cron expression. Call before Start.
func (r *Runner) WithSchedule(schedule string) {
	if schedule == "" {
		return
	}
	r.mu.Lock()
	r.schedule = schedule
	r.mu.Unlock()
}

func (r *Runner) Name() string { return "rotation-runner" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.tick(ctx) }); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.running = true

	r.log.WithField("schedule", r.schedule).Info("rotation runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.running = false
	r.cron = nil
	r.mu.Unlock()

	// Wait for an in-flight sweep to drain.
	<-c.Stop().Done()
	r.log.Info("rotation runner stopped")
	return nil
}

func (r *Runner) tick(ctx context.Context) {
	report, err := r.service.Sweep(ctx)
	if err != nil {
		r.log.WithError(err).Warn("rotation sweep")
		return
	}
	if report.Rotated > 0 || report.Failed > 0 || report.Upcoming > 0 || report.Manual > 0 {
		r.log.WithFields(map[string]interface{}{
			"scanned":  report.Scanned,
			"rotated":  report.Rotated,
			"failed":   report.Failed,
			"upcoming": report.Upcoming,
			"manual":   report.Manual,
		}).Info("rotation sweep")
	}
}
