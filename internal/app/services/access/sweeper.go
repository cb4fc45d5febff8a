package access

import (
	"context"
	"sync"
	"time"

	"github.com/mcpvault/broker/internal/app/system"
	"github.com/mcpvault/broker/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// DefaultSweepInterval is how often the expiry sweep runs.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically expires undecided requests and closes ended sessions.
type Sweeper struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSweeper creates a lifecycle-managed expiry sweeper.
func NewSweeper(service *Service, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("access-sweeper")
	}
	return &Sweeper{
		service:  service,
		log:      log,
		interval: DefaultSweepInterval,
	}
}

// WithInterval overrides the sweep cadence. Call before Start.
func (s *Sweeper) WithInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()
}

func (s *Sweeper) Name() string { return "access-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	interval := s.interval
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("access sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("access sweeper stopped")
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	report, err := s.service.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("expiry sweep")
		return
	}
	if report.RequestsExpired > 0 || report.SessionsClosed > 0 {
		s.log.WithFields(map[string]interface{}{
			"requests_expired": report.RequestsExpired,
			"sessions_closed":  report.SessionsClosed,
			"tokens_revoked":   report.TokensRevoked,
		}).Info("expiry sweep")
	}
}
