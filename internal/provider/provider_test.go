package provider_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exposurekit/riskengine/internal/config"
	"github.com/exposurekit/riskengine/internal/detector"
	"github.com/exposurekit/riskengine/internal/distribution"
	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/model"
	"github.com/exposurekit/riskengine/internal/packagecache"
	"github.com/exposurekit/riskengine/internal/provider"
	"github.com/exposurekit/riskengine/internal/scoring"
	"github.com/exposurekit/riskengine/internal/signature"
	"github.com/exposurekit/riskengine/internal/state"
	"github.com/exposurekit/riskengine/internal/testutil"
)

// eventRecorder counts subscriber notifications; callbacks can arrive from a
// run driven on another goroutine.
type eventRecorder struct {
	mu       sync.Mutex
	results  []provider.Event
	failures []provider.Event
}

func (r *eventRecorder) callbacks() *provider.Callbacks {
	return &provider.Callbacks{
		OnResult: func(ev provider.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, ev)
		},
		OnDetectionFailed: func(ev provider.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, ev)
		},
	}
}

func (r *eventRecorder) resultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *eventRecorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func (r *eventRecorder) lastResult() provider.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

// testEnv wires a provider against a fake distribution service, a fake
// detector and throwaway cache/state directories.
type testEnv struct {
	t     *testing.T
	clock time.Time

	key   *testutil.SigningKeyFixture
	srv   *testutil.DistributionServer
	det   *testutil.FakeDetector
	cache *packagecache.Cache
	store *state.Store
	cfg   *config.Config
	prov  *provider.Provider
}

// newTestEnv builds an environment whose clock sits at 04:30 UTC with a
// one-day retention window, so a run wants exactly the five hourly packages
// 00..04 of the current day.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	e := &testEnv{
		t:     t,
		clock: time.Date(2026, 8, 31, 4, 30, 0, 0, time.UTC),
		key:   testutil.MustNewSigningKeyFixture("dist-1"),
		srv:   testutil.NewDistributionServer(),
		det:   testutil.NewFakeDetector(),
	}
	t.Cleanup(e.srv.Close)

	// exposure minutes 40/40/40 score 3.2 with the default config: low risk
	e.det.Summary = &scoring.Summary{
		AttenuationDurationsSeconds: [3]int{40 * 60, 40 * 60, 40 * 60},
		DaysSinceLastExposure:       2,
		MatchedKeyCount:             3,
	}

	dir := t.TempDir()

	cfg := config.Default()
	cfg.Region = "DE"
	cfg.EndpointURL = e.srv.URL()
	cfg.RetentionDays = 1
	cfg.MaxParallelDownloads = 2
	cfg.RequestsPerSecond = 1000
	cfg.ConfigDir = dir
	e.cfg = cfg

	cache, err := packagecache.Open(filepath.Join(dir, "packages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	e.cache = cache

	store, err := state.Open(filepath.Join(dir, "state"))
	require.NoError(t, err)
	e.store = store

	// two weeks of tracing history, so results are never unknownInitial
	start := e.clock.Add(-14 * 24 * time.Hour)
	require.NoError(t, store.Update(func(s *state.Snapshot) {
		s.ActiveTracingStart = &start
	}))

	clientCfg := distribution.DefaultConfig()
	clientCfg.BaseURL = e.srv.URL()
	clientCfg.TrustedKeys = []signature.TrustedKey{e.key.Trusted}
	clientCfg.RequestsPerSecond = 1000

	e.prov = e.mustNewProvider(distribution.NewClient(clientCfg))
	return e
}

func (e *testEnv) mustNewProvider(client *distribution.Client) *provider.Provider {
	e.t.Helper()
	p, err := provider.New(provider.Deps{
		Config:        e.cfg,
		Client:        client,
		Cache:         e.cache,
		Detector:      e.det,
		Store:         e.store,
		ScoringConfig: func() scoring.Config { return scoring.DefaultConfig() },
		Now:           func() time.Time { return e.clock },
	})
	require.NoError(e.t, err)
	return p
}

// hourly returns the identity for one of today's hourly packages.
func (e *testEnv) hourly(hour int) model.PackageIdentity {
	return model.Hourly("DE", e.clock.UTC().Truncate(24*time.Hour), hour)
}

// addSignedPackages registers well-formed archives for today's hours 00..04.
func (e *testEnv) addSignedPackages() {
	for h := 0; h <= 4; h++ {
		id := e.hourly(h)
		e.srv.AddArchive(id.Path(), testutil.SignedArchive(e.key, []byte(id.Key())), "")
	}
}

func TestRequestRisk_SoftLimitSuppressesAutomaticRuns(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	rec := &eventRecorder{}
	e.prov.Subscribe(rec.callbacks())

	res, err := e.prov.RequestRisk(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelLow, res.Level)

	// a second automatic request inside the window is dropped silently
	_, err = e.prov.RequestRisk(context.Background(), false)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	assert.Equal(t, 1, e.det.Calls())
	assert.Equal(t, 1, rec.resultCount())
	assert.Zero(t, rec.failureCount())
	assert.Equal(t, state.ActivityIdle, e.prov.Activity())
}

func TestRequestRisk_SoftLimitReopensAfterInterval(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	_, err := e.prov.RequestRisk(context.Background(), false)
	require.NoError(t, err)

	e.clock = e.clock.Add(e.cfg.MinDetectionInterval())
	_, err = e.prov.RequestRisk(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, e.det.Calls())
}

func TestRequestRisk_UserInitiatedBypassesSoftLimit(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	_, err := e.prov.RequestRisk(context.Background(), false)
	require.NoError(t, err)

	// user action runs immediately despite the open window
	_, err = e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, e.det.Calls())
}

func TestRequestRisk_ConcurrentRequestIsDropped(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()
	e.det.Block = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := e.prov.RequestRisk(context.Background(), true)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return e.det.Calls() == 1
	}, 5*time.Second, 5*time.Millisecond)

	// the state machine is busy; the second request is dropped, not queued
	_, err := e.prov.RequestRisk(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)

	close(e.det.Block)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, e.det.Calls())
}

func TestRequestRisk_PartialFetchFailureTolerated(t *testing.T) {
	e := newTestEnv(t)
	attacker := testutil.MustNewSigningKeyFixture("dist-1")

	// three verifiable packages, two forged ones
	for h := 0; h <= 2; h++ {
		id := e.hourly(h)
		e.srv.AddArchive(id.Path(), testutil.SignedArchive(e.key, []byte(id.Key())), "")
	}
	for h := 3; h <= 4; h++ {
		id := e.hourly(h)
		e.srv.AddArchive(id.Path(), testutil.SignedArchive(attacker, []byte("forged")), "")
	}

	res, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, res)

	// detection ran on the three packages that verified
	assert.Equal(t, 1, e.det.Calls())
	assert.Len(t, e.det.LastPackages, 3)
}

func TestRequestRisk_NoPackagesAvailable(t *testing.T) {
	e := newTestEnv(t)

	rec := &eventRecorder{}
	e.prov.Subscribe(rec.callbacks())

	_, err := e.prov.RequestRisk(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrNoPackages)

	assert.Zero(t, e.det.Calls())
	assert.Equal(t, 1, rec.failureCount())
	assert.Equal(t, state.ActivityIdle, e.prov.Activity())
}

func TestRequestRisk_CachedPackagesAreNotRefetched(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	_, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	first := e.srv.RequestCount()
	assert.Equal(t, 5, first)

	// everything is cached; the second run downloads nothing
	_, err = e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, first, e.srv.RequestCount())
}

func TestRequestRisk_UnclassifiableScoreRetainsPreviousResult(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	rec := &eventRecorder{}
	e.prov.Subscribe(rec.callbacks())

	_, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)

	// 64/64/64 minutes score 5.12, between the configured classes
	e.det.Summary = &scoring.Summary{
		AttenuationDurationsSeconds: [3]int{64 * 60, 64 * 60, 64 * 60},
		DaysSinceLastExposure:       1,
		MatchedKeyCount:             1,
	}

	_, err = e.prov.RequestRisk(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrScoreUnclassifiable)

	// the previously persisted verdict still stands
	last := e.prov.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, scoring.LevelLow, last.Level)
	assert.Equal(t, 1, rec.failureCount())
}

func TestRequestRisk_QuotaExhaustionSurfaces(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()
	e.det.Err = apperrors.ErrQuotaExceeded

	rec := &eventRecorder{}
	e.prov.Subscribe(rec.callbacks())

	_, err := e.prov.RequestRisk(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	assert.Equal(t, 1, rec.failureCount())
	assert.Equal(t, state.ActivityIdle, e.prov.Activity())
}

func TestRequestRisk_UnsatisfiedPreconditionsYieldInactive(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()
	e.det.Pre = detector.Preconditions{Authorized: false, Enabled: false}

	res, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelInactive, res.Level)

	// neither downloads nor detection happen while inactive
	assert.Zero(t, e.det.Calls())
	assert.Zero(t, e.srv.RequestCount())
}

func TestRequestRisk_NotifiesOnLevelChange(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	rec := &eventRecorder{}
	e.prov.Subscribe(rec.callbacks())

	// first result always notifies
	_, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, rec.resultCount())
	assert.False(t, rec.lastResult().Changed)

	// same level again: no notification
	_, err = e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.resultCount())

	// 120/120/120 minutes score 9.6: the level moves to increased
	e.det.Summary = &scoring.Summary{
		AttenuationDurationsSeconds: [3]int{120 * 60, 120 * 60, 120 * 60},
		DaysSinceLastExposure:       1,
		MatchedKeyCount:             5,
	}
	_, err = e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 2, rec.resultCount())
	assert.True(t, rec.lastResult().Changed)
	require.NotNil(t, rec.lastResult().Result)
	assert.Equal(t, scoring.LevelIncreased, rec.lastResult().Result.Level)
}

func TestRequestRisk_NotifyAlways(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()
	e.cfg.NotifyAlways = true

	rec := &eventRecorder{}
	e.prov.Subscribe(rec.callbacks())

	_, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	_, err = e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.resultCount())
}

func TestUnsubscribe(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	rec := &eventRecorder{}
	id := e.prov.Subscribe(rec.callbacks())
	e.prov.Unsubscribe(id)

	_, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)
	assert.Zero(t, rec.resultCount())
}

func TestNew_ResetsInterruptedRun(t *testing.T) {
	e := newTestEnv(t)

	require.NoError(t, e.store.Update(func(s *state.Snapshot) {
		s.Activity = state.ActivityDownloading
	}))

	clientCfg := distribution.DefaultConfig()
	clientCfg.BaseURL = e.srv.URL()
	clientCfg.TrustedKeys = []signature.TrustedKey{e.key.Trusted}

	p := e.mustNewProvider(distribution.NewClient(clientCfg))
	assert.Equal(t, state.ActivityIdle, p.Activity())
}

func TestRequestRisk_PersistsDetectionTime(t *testing.T) {
	e := newTestEnv(t)
	e.addSignedPackages()

	require.Nil(t, e.store.Snapshot().LastDetectionAt)

	_, err := e.prov.RequestRisk(context.Background(), true)
	require.NoError(t, err)

	snap := e.store.Snapshot()
	require.NotNil(t, snap.LastDetectionAt)
	assert.True(t, snap.LastDetectionAt.Equal(e.clock))
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, scoring.LevelLow, snap.LastResult.Level)
}
