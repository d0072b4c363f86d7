// Package provider orchestrates detection runs: it decides when a run may
// start, syncs missing packages into the cache, drives the matching
// primitive, scores the outcome and republishes results to subscribers
// exactly once per transition.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exposurekit/riskengine/internal/config"
	"github.com/exposurekit/riskengine/internal/detector"
	"github.com/exposurekit/riskengine/internal/distribution"
	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/logging"
	"github.com/exposurekit/riskengine/internal/model"
	"github.com/exposurekit/riskengine/internal/packagecache"
	"github.com/exposurekit/riskengine/internal/scoring"
	"github.com/exposurekit/riskengine/internal/state"
)

// Deps wires the provider's collaborators. All of them are constructed once
// at process start and passed in explicitly.
type Deps struct {
	Config   *config.Config
	Client   *distribution.Client
	Cache    *packagecache.Cache
	Detector detector.Detector
	Store    *state.Store

	// ScoringConfig supplies the server-side scoring configuration. It is
	// read once per run and treated as immutable for that run.
	ScoringConfig func() scoring.Config

	// Now allows tests to control the clock. Defaults to time.Now.
	Now func() time.Time
}

// Provider is the detection state machine. At most one run is active at a
// time; requests arriving during a run are dropped, not queued.
type Provider struct {
	deps Deps
	subs *subscriberSet
}

// New creates a provider. If the persisted state says a previous run was
// interrupted mid-cycle, the activity resets to idle: partially downloaded
// state cannot be trusted across a restart, so the next run starts clean.
func New(deps Deps) (*Provider, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	snap := deps.Store.Snapshot()
	if snap.Activity != state.ActivityIdle {
		logging.S().Warnw("previous detection run was interrupted, resetting",
			"activity", string(snap.Activity))
		if err := deps.Store.Update(func(s *state.Snapshot) {
			s.Activity = state.ActivityIdle
		}); err != nil {
			return nil, fmt.Errorf("reset interrupted run: %w", err)
		}
	}

	return &Provider{deps: deps, subs: newSubscriberSet()}, nil
}

// Subscribe registers callbacks and returns a handle for Unsubscribe.
func (p *Provider) Subscribe(cb *Callbacks) string {
	return p.subs.add(cb)
}

// Unsubscribe removes a previously registered subscriber.
func (p *Provider) Unsubscribe(id string) {
	p.subs.remove(id)
}

// Activity returns the current state machine position.
func (p *Provider) Activity() state.Activity {
	return p.deps.Store.Snapshot().Activity
}

// LastResult returns the most recently persisted result, if any.
func (p *Provider) LastResult() *scoring.Result {
	return p.deps.Store.Snapshot().LastResult
}

// RequestRisk runs one detection cycle.
//
// Non-user-initiated requests inside the soft rate-limit window are
// dropped with ErrRateLimited: no state transition, no notification. The
// soft limit is self-imposed and stricter than the platform's quota, so
// the observed call rate stays comfortably inside the enforced one even
// under clock skew or rapid relaunches. User-initiated requests bypass the
// soft limit; the platform's own quota still applies and its rejection
// surfaces as an ordinary failure, never auto-retried.
//
// A request arriving while a run is active is dropped with
// ErrRunInProgress.
func (p *Provider) RequestRisk(ctx context.Context, userInitiated bool) (*scoring.Result, error) {
	now := p.deps.Now()
	snap := p.deps.Store.Snapshot()

	if !userInitiated && !snap.RateLimit.Elapsed(now) {
		logging.S().Debugw("detection suppressed by soft rate limit",
			"last_run_at", snap.RateLimit.LastRunAt,
			"minimum_interval", snap.RateLimit.MinimumInterval.String())
		return nil, apperrors.ErrRateLimited
	}

	if !p.enter(now) {
		return nil, apperrors.ErrRunInProgress
	}
	defer p.transition(state.ActivityIdle)

	runID := uuid.NewString()
	log := logging.S().With("run_id", runID, "user_initiated", userInitiated)
	log.Infow("detection run starting")

	result, err := p.runCycle(ctx, runID, log)
	if err != nil {
		log.Warnw("detection run failed", "error", err)
		p.subs.notifyDetectionFailed(Event{RunID: runID, Err: err})
		return nil, err
	}
	return result, nil
}

// enter moves idle -> riskRequested and opens the rate-limit window.
// Returns false when another run holds the state machine.
func (p *Provider) enter(now time.Time) bool {
	entered := false
	err := p.deps.Store.Update(func(s *state.Snapshot) {
		if s.Activity != state.ActivityIdle {
			return
		}
		s.Activity = state.ActivityRiskRequested
		s.RateLimit = state.RateLimitWindow{
			LastRunAt:       now,
			MinimumInterval: p.deps.Config.MinDetectionInterval(),
		}
		entered = true
	})
	if err != nil {
		logging.S().Errorw("failed to persist state transition", "error", err)
		return false
	}
	if entered {
		p.subs.notifyActivity(state.ActivityRiskRequested)
	}
	return entered
}

func (p *Provider) transition(a state.Activity) {
	if err := p.deps.Store.Update(func(s *state.Snapshot) {
		s.Activity = a
	}); err != nil {
		logging.S().Errorw("failed to persist state transition", "error", err)
	}
	p.subs.notifyActivity(a)
}

func (p *Provider) runCycle(ctx context.Context, runID string, log *zap.SugaredLogger) (*scoring.Result, error) {
	now := p.deps.Now()

	pre, err := p.deps.Detector.Preconditions(ctx)
	if err != nil {
		return nil, fmt.Errorf("query detector preconditions: %w", err)
	}

	// Tracing duration is measured from the first run with satisfied
	// preconditions.
	var tracingDuration time.Duration
	if pre.Satisfied() {
		if err := p.deps.Store.Update(func(s *state.Snapshot) {
			if s.ActiveTracingStart == nil {
				t := now
				s.ActiveTracingStart = &t
			}
		}); err != nil {
			return nil, err
		}
		if start := p.deps.Store.Snapshot().ActiveTracingStart; start != nil {
			tracingDuration = now.Sub(*start)
		}
	}

	var (
		summary *scoring.Summary
		windows []scoring.EncounterWindow
	)

	if pre.Satisfied() {
		candidates := p.candidateIdentities(now)

		p.transition(state.ActivityDownloading)
		if err := p.download(ctx, candidates, log); err != nil {
			return nil, err
		}

		payloads, err := p.deps.Cache.Payloads(candidates)
		if err != nil {
			return nil, fmt.Errorf("read cached packages: %w", err)
		}
		if len(payloads) == 0 {
			return nil, apperrors.ErrNoPackages
		}

		// Exactly one detector invocation per cycle; the call burns
		// platform quota.
		p.transition(state.ActivityDetecting)
		summary, windows, err = p.deps.Detector.Detect(ctx, payloads)
		if err != nil {
			if errors.Is(err, apperrors.ErrQuotaExceeded) {
				log.Warnw("platform detection quota exceeded, not retrying")
				return nil, err
			}
			return nil, fmt.Errorf("proximity detection: %w", err)
		}
	}

	snap := p.deps.Store.Snapshot()
	result := scoring.Calculate(scoring.Input{
		Summary:                summary,
		Windows:                windows,
		Config:                 p.deps.ScoringConfig(),
		LastDetectionAt:        snap.LastDetectionAt,
		DetectionValidity:      p.deps.Config.DetectionValidity(),
		ActiveTracingDuration:  tracingDuration,
		PreconditionsSatisfied: pre.Satisfied(),
		Now:                    now,
	})
	if result == nil {
		// Score fell outside the configured classes. Keep the previous
		// persisted result and report the anomaly.
		log.Warnw("risk score unclassifiable, retaining previous result")
		return nil, apperrors.ErrScoreUnclassifiable
	}

	prev := snap.LastResult
	changed := prev != nil && scoring.LevelChanged(prev.Level, result.Level)

	if err := p.deps.Store.Update(func(s *state.Snapshot) {
		s.LastResult = result
		if summary != nil {
			t := now
			s.LastDetectionAt = &t
		}
	}); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}

	log.Infow("detection run complete",
		"level", string(result.Level), "level_changed", changed)

	if changed || p.deps.Config.NotifyAlways || prev == nil {
		p.subs.notifyResult(Event{RunID: runID, Result: result, Changed: changed})
	}
	return result, nil
}

// candidateIdentities lists the daily packages of the retention window plus
// the current day's hourly packages.
func (p *Provider) candidateIdentities(now time.Time) []model.PackageIdentity {
	region := p.deps.Config.Region
	today := now.UTC().Truncate(24 * time.Hour)

	var ids []model.PackageIdentity
	for d := p.deps.Config.RetentionDays - 1; d >= 1; d-- {
		ids = append(ids, model.Daily(region, today.AddDate(0, 0, -d)))
	}
	for h := 0; h <= now.UTC().Hour(); h++ {
		ids = append(ids, model.Hourly(region, today, h))
	}
	return ids
}

// download fetches missing packages with bounded parallelism. Individual
// failures are logged and skipped; partial data beats aborting the cycle.
// Cache writes serialize per identity through the database, so a retry and
// a fresh fetch for the same identity cannot lose an update.
func (p *Provider) download(ctx context.Context, candidates []model.PackageIdentity, log *zap.SugaredLogger) error {
	missing, err := p.deps.Cache.Missing(candidates)
	if err != nil {
		return fmt.Errorf("compute fetch plan: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.deps.Config.MaxParallelDownloads)

	for _, id := range missing {
		id := id
		g.Go(func() error {
			etag, _ := p.deps.Cache.ETag(id)
			outcome, err := p.deps.Client.Fetch(gctx, id, etag)
			if err != nil {
				// Permanent and exhausted-transient failures alike only
				// cost this identity, not the cycle.
				log.Warnw("package fetch failed, skipping",
					"package", id.Key(), "error", err)
				return nil
			}
			if outcome.NotModified {
				return nil
			}
			if err := p.deps.Cache.Put(id, outcome.Payload, outcome.ETag); err != nil {
				log.Warnw("package store failed, skipping",
					"package", id.Key(), "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Infow("package sync complete", "requested", len(missing))
	return nil
}
