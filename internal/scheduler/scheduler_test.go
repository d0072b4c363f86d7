package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/exposurekit/riskengine/internal/errors"
)

func TestScheduler_FiresImmediatelyAndOnCadence(t *testing.T) {
	var calls atomic.Int64
	s := New(10*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, 5*time.Second, time.Millisecond)
}

func TestScheduler_StopHaltsTriggers(t *testing.T) {
	var calls atomic.Int64
	s := New(5*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	s.Start()
	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, 5*time.Second, time.Millisecond)
	s.Stop()

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestScheduler_StatusRecordsOutcome(t *testing.T) {
	s := New(time.Hour, func(ctx context.Context) error {
		return apperrors.ErrRateLimited
	})

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		lastRun, _ := s.Status()
		return !lastRun.IsZero()
	}, 5*time.Second, time.Millisecond)

	_, lastErr := s.Status()
	assert.ErrorIs(t, lastErr, apperrors.ErrRateLimited)
}

func TestScheduler_StartAndStopAreIdempotent(t *testing.T) {
	s := New(time.Hour, func(ctx context.Context) error { return nil })

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
