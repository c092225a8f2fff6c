package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSpec refreshes twice a day.
const DefaultSpec = "@every 12h"

// RefreshFunc is one refresh attempt.
type RefreshFunc func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	refresh RefreshFunc
	timeout time.Duration
	logger  *logrus.Logger

	mu      sync.Mutex
	running bool
}

// New registers refresh under spec. Each run gets its own context bounded
// by timeout; failures are logged and retried on the next tick.
func New(spec string, timeout time.Duration, refresh RefreshFunc, logger *logrus.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		refresh: refresh,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("add refresh job %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started")
}

// Stop waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Next is when the refresh job fires next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce performs a refresh right away, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.refresh(ctx)
}

func (s *Scheduler) run() {
	s.logger.Info("Auto updating valutes...")
	if err := s.RunOnce(context.Background()); err != nil {
		s.logger.Errorf("Error by update valutes: %v", err)
		return
	}
	s.logger.Info("Successfully updated valutes")
}
