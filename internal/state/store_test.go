package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exposurekit/riskengine/internal/scoring"
)

func TestRateLimitWindow_Elapsed(t *testing.T) {
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	t.Run("zero window always allows", func(t *testing.T) {
		assert.True(t, RateLimitWindow{}.Elapsed(base))
	})

	w := RateLimitWindow{LastRunAt: base, MinimumInterval: 4 * time.Hour}

	t.Run("inside the window", func(t *testing.T) {
		assert.False(t, w.Elapsed(base.Add(time.Hour)))
	})

	t.Run("exactly at the boundary", func(t *testing.T) {
		assert.True(t, w.Elapsed(base.Add(4*time.Hour)))
	})

	t.Run("after the window", func(t *testing.T) {
		assert.True(t, w.Elapsed(base.Add(5*time.Hour)))
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	detectedAt := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(snap *Snapshot) {
		snap.LastDetectionAt = &detectedAt
		snap.LastResult = &scoring.Result{Level: scoring.LevelLow}
		snap.RateLimit = RateLimitWindow{LastRunAt: detectedAt, MinimumInterval: 4 * time.Hour}
	}))

	s, err = Open(dir)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.NotNil(t, snap.LastDetectionAt)
	assert.True(t, snap.LastDetectionAt.Equal(detectedAt))
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, scoring.LevelLow, snap.LastResult.Level)
	assert.Equal(t, 4*time.Hour, snap.RateLimit.MinimumInterval)
	assert.Equal(t, ActivityIdle, snap.Activity)
}

func TestStore_FreshStateIsIdle(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, ActivityIdle, snap.Activity)
	assert.Nil(t, snap.LastResult)
	assert.Nil(t, snap.LastDetectionAt)
	assert.True(t, snap.RateLimit.LastRunAt.IsZero())
}

func TestStore_CorruptFileDegradesToFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine-state.json"), []byte("{broken"), 0600))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, ActivityIdle, s.Snapshot().Activity)
	assert.Nil(t, s.Snapshot().LastResult)
}

func TestStore_Reset(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(snap *Snapshot) {
		snap.LastResult = &scoring.Result{Level: scoring.LevelIncreased}
		snap.Activity = ActivityDetecting
	}))

	require.NoError(t, s.Reset())

	snap := s.Snapshot()
	assert.Nil(t, snap.LastResult)
	assert.Equal(t, ActivityIdle, snap.Activity)

	// the wipe is durable
	s, err = Open(dir)
	require.NoError(t, err)
	assert.Nil(t, s.Snapshot().LastResult)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Activity = ActivityDownloading

	assert.Equal(t, ActivityIdle, s.Snapshot().Activity)
}
