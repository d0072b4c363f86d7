// Package state persists the engine's durable shared state: the last risk
// result, the last detection time, the soft rate-limit window and the
// activity marker used to detect interrupted runs. The provider is the
// single writer; everything else reads.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/exposurekit/riskengine/internal/filelock"
	"github.com/exposurekit/riskengine/internal/scoring"
)

// Activity is the provider's transient state machine position. It is
// persisted only so an interrupted run can be recognised on the next
// launch; it never drives resumption.
type Activity string

const (
	ActivityIdle          Activity = "idle"
	ActivityRiskRequested Activity = "risk_requested"
	ActivityDownloading   Activity = "downloading"
	ActivityDetecting     Activity = "detecting"
)

// RateLimitWindow records when the last detection run started and the
// minimum interval the soft limit enforces. Persisted so the limit
// survives process restarts.
type RateLimitWindow struct {
	LastRunAt       time.Time     `json:"last_run_at"`
	MinimumInterval time.Duration `json:"minimum_interval"`
}

// Elapsed reports whether the soft limit allows another run at t.
func (w RateLimitWindow) Elapsed(t time.Time) bool {
	if w.LastRunAt.IsZero() {
		return true
	}
	return t.Sub(w.LastRunAt) >= w.MinimumInterval
}

// Snapshot is the persisted engine state.
type Snapshot struct {
	LastDetectionAt    *time.Time      `json:"last_detection_at,omitempty"`
	LastResult         *scoring.Result `json:"last_result,omitempty"`
	RateLimit          RateLimitWindow `json:"rate_limit"`
	Activity           Activity        `json:"activity"`
	ActiveTracingStart *time.Time      `json:"active_tracing_start,omitempty"`
}

// Store persists engine state as JSON in a state directory, guarded by a
// process-wide mutex and a cross-process file lock.
type Store struct {
	dir  string
	lock *filelock.FileLock

	mu   sync.RWMutex
	snap Snapshot
}

// Open loads (or initializes) the state store in dir. An unreadable state
// file degrades to fresh state: the persisted result is convenience data,
// not a source of truth the engine cannot rebuild.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{
		dir:  dir,
		lock: filelock.NewForDir(dir),
		snap: Snapshot{Activity: ActivityIdle},
	}

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return s, nil
	}
	if snap.Activity == "" {
		snap.Activity = ActivityIdle
	}
	s.snap = snap
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, "engine-state.json")
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Update applies fn to the state under the write lock and persists the
// outcome.
func (s *Store) Update(fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.snap)
	return s.save()
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.lock.WithLock(func() error {
		return os.WriteFile(s.path(), data, 0600)
	})
}

// Reset wipes all persisted state.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Activity: ActivityIdle}
	return s.save()
}
