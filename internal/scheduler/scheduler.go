// Package scheduler triggers automatic detection runs on a fixed cadence.
// It only decides WHEN to ask for a run; the provider's soft rate limit
// still has the final word, so an aggressive cadence cannot push the
// observed detection rate past the configured minimum interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/logging"
)

// RequestFunc asks the provider for a non-user-initiated detection run.
type RequestFunc func(ctx context.Context) error

// Scheduler periodically invokes a detection request.
type Scheduler struct {
	interval time.Duration
	request  RequestFunc

	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
}

// New creates a scheduler that fires every interval.
func New(interval time.Duration, request RequestFunc) *Scheduler {
	return &Scheduler{
		interval: interval,
		request:  request,
		stop:     make(chan struct{}),
	}
}

// Start begins the cadence. The first trigger fires immediately so a
// freshly launched process does not wait a full interval for its first
// result.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop halts the cadence and waits for an in-flight trigger to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

// Status returns the last trigger time and error.
func (s *Scheduler) Status() (lastRun time.Time, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	logging.S().Infow("detection scheduler started", "interval", s.interval.String())

	s.trigger()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			logging.Info("detection scheduler stopped")
			return
		case <-ticker.C:
			s.trigger()
		}
	}
}

func (s *Scheduler) trigger() {
	err := s.request(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrRateLimited), errors.Is(err, apperrors.ErrRunInProgress):
		// expected overlap with the provider's own gating
		logging.S().Debugw("scheduled detection skipped", "reason", err)
	default:
		logging.S().Warnw("scheduled detection failed", "error", err)
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()
}
