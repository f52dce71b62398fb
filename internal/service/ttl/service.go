package ttl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// DefaultInterval is how often expired messages are swept.
const DefaultInterval = time.Second

// Purger removes messages whose expiry time has passed
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Config represents TTL service configuration
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Service sweeps expired messages out of their destinations. Consumers never
// receive expired messages either way; the sweep frees their capacity.
type Service struct {
	purger   Purger
	logger   *logger.Logger
	interval time.Duration
	enabled  bool
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a new TTL sweep service
func NewService(purger Purger, cfg Config, log *logger.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		purger:   purger,
		logger:   log,
		interval: cfg.Interval,
		enabled:  cfg.Enabled,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the TTL sweep loop
func (s *Service) Start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("TTL sweep service is disabled")
		return nil
	}

	s.logger.Info("Starting TTL sweep service", logger.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.cleanupLoop(ctx)
	return nil
}

// Stop stops the sweep loop and waits for it to exit. Stop is idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("TTL sweep service stopped")
	})
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.runCleanup(ctx); err != nil {
				s.logger.Error("TTL sweep failed", logger.Error(err))
			}
		}
	}
}

func (s *Service) runCleanup(ctx context.Context) (int, error) {
	start := s.now()
	removed, err := s.purger.PurgeExpired(ctx, start)
	if err != nil {
		return removed, fmt.Errorf("failed to purge expired messages: %w", err)
	}

	if removed > 0 {
		s.logger.Info("Expired messages removed",
			logger.Int("count", removed),
			logger.Duration("duration", time.Since(start)),
		)
	}
	return removed, nil
}

// RunOnce runs one sweep and returns how many messages it removed.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	return s.runCleanup(ctx)
}
