package scoring

import (
	"math"
	"time"
)

// minimumTracingDuration is how long exposure logging must have been active
// before a verdict is meaningful.
const minimumTracingDuration = 24 * time.Hour

// Input bundles everything one risk calculation reads.
type Input struct {
	Summary *Summary
	Windows []EncounterWindow
	Config  Config

	LastDetectionAt        *time.Time
	DetectionValidity      time.Duration
	ActiveTracingDuration  time.Duration
	PreconditionsSatisfied bool

	// Now anchors staleness checks and per-date keys.
	Now time.Time
}

// Calculate determines the risk level for one detection run.
//
// The precedence ladder is fixed and deliberate: it decides which message
// the user sees when several conditions hold at once.
//
//  1. Preconditions unsatisfied -> inactive.
//  2. Less than 24h of tracing, or no summary -> unknown (initial).
//  3. Stale detection -> unknown (outdated), unless this run's raw score
//     classifies as increased; a real increased-risk signal is never
//     suppressed by the freshness gate. A low classification does not
//     override staleness.
//  4. Otherwise the raw score is classified against the score table.
//
// A nil return means the score fell in a gap of (or outside) the score
// table. Callers must keep their previous state and log the anomaly;
// rounding to a neighbouring class could mask a misconfigured table.
func Calculate(in Input) *Result {
	if !in.PreconditionsSatisfied {
		return &Result{Level: LevelInactive, CalculationDate: in.Now}
	}

	if in.ActiveTracingDuration < minimumTracingDuration || in.Summary == nil {
		return &Result{Level: LevelUnknownInitial, CalculationDate: in.Now}
	}

	level, classified := classify(rawScore(in.Summary, in.Config), in.Config)

	if in.LastDetectionAt != nil && in.Now.Sub(*in.LastDetectionAt) > in.DetectionValidity {
		if !classified || level != LevelIncreased {
			return &Result{Level: LevelUnknownOutdated, CalculationDate: in.Now}
		}
		// fall through: increased overrides staleness
	}

	if !classified {
		return nil
	}

	res := &Result{
		Level:           level,
		CalculationDate: in.Now,
		LevelPerDate:    levelPerDate(in.Windows, in.Config, in.Now),
	}
	res.aggregateDetails(in)
	return res
}

// rawScore computes the weighted, normalized score for a summary:
// sum of per-bucket exposure minutes times the bucket weight, divided by
// the normalization divisor.
func rawScore(s *Summary, cfg Config) float64 {
	var weighted float64
	for b, seconds := range s.AttenuationDurationsSeconds {
		minutes := float64(seconds) / 60
		weighted += minutes * cfg.AttenuationBucketWeights[b]
	}
	if cfg.NormalizationDivisor == 0 {
		return 0
	}
	return weighted / cfg.NormalizationDivisor
}

// classify matches a raw score against the configured integer-labeled
// classes. Class bounds are inclusive; a score of 5.3 against LOW:1..5 and
// HIGH:6..10 matches neither and fails the classification.
func classify(score float64, cfg Config) (RiskLevel, bool) {
	for _, class := range cfg.ScoreClasses {
		if score >= float64(class.Min) && score <= float64(class.Max) {
			if level, ok := LevelForClass(class.Label); ok {
				return level, true
			}
		}
	}
	return "", false
}

// levelPerDate classifies each encounter window's own score and groups the
// outcome by the window's day, independent of the summary-level verdict.
// Windows whose score cannot be classified are skipped rather than failing
// the whole map.
func levelPerDate(windows []EncounterWindow, cfg Config, now time.Time) map[string]RiskLevel {
	if len(windows) == 0 {
		return nil
	}

	perDate := make(map[string]RiskLevel)
	for _, w := range windows {
		level, ok := classify(windowScore(w, cfg), cfg)
		if !ok {
			continue
		}
		key := DateKey(now.AddDate(0, 0, -w.AgeInDays))
		// a day keeps its worst classification
		if existing, seen := perDate[key]; !seen || (existing == LevelLow && level == LevelIncreased) {
			perDate[key] = level
		}
	}
	if len(perDate) == 0 {
		return nil
	}
	return perDate
}

// windowScore scores a single encounter window with the same formula as the
// summary, bucketing its scan instances by typical attenuation.
func windowScore(w EncounterWindow, cfg Config) float64 {
	var bucketSeconds [3]int
	for _, scan := range w.ScanInstances {
		if scan.DurationSeconds < cfg.MinimumWindowDurationSeconds {
			continue
		}
		switch {
		case scan.TypicalAttenuationDb <= cfg.AttenuationBucketBoundariesDb[0]:
			bucketSeconds[0] += scan.DurationSeconds
		case scan.TypicalAttenuationDb <= cfg.AttenuationBucketBoundariesDb[1]:
			bucketSeconds[1] += scan.DurationSeconds
		default:
			bucketSeconds[2] += scan.DurationSeconds
		}
	}
	return rawScore(&Summary{AttenuationDurationsSeconds: bucketSeconds}, cfg)
}

// aggregateDetails fills the low/high encounter counts, day counts and most
// recent dates from the summary and the per-date classification.
func (r *Result) aggregateDetails(in Input) {
	switch r.Level {
	case LevelIncreased:
		r.MinimumDistinctEncountersHigh = in.Summary.MatchedKeyCount
	case LevelLow:
		r.MinimumDistinctEncountersLow = in.Summary.MatchedKeyCount
	}

	for key, level := range r.LevelPerDate {
		date, err := time.Parse("2006-01-02", key)
		if err != nil {
			continue
		}
		switch level {
		case LevelLow:
			r.NumberOfDaysLow++
			if r.MostRecentDateLow == nil || date.After(*r.MostRecentDateLow) {
				d := date
				r.MostRecentDateLow = &d
			}
		case LevelIncreased:
			r.NumberOfDaysHigh++
			if r.MostRecentDateHigh == nil || date.After(*r.MostRecentDateHigh) {
				d := date
				r.MostRecentDateHigh = &d
			}
		}
	}

	// No per-window data: fall back to the summary's own recency.
	if r.MostRecentDateLow == nil && r.MostRecentDateHigh == nil && in.Summary.DaysSinceLastExposure >= 0 && in.Summary.MatchedKeyCount > 0 {
		d := in.Now.AddDate(0, 0, -in.Summary.DaysSinceLastExposure)
		switch r.Level {
		case LevelIncreased:
			r.MostRecentDateHigh = &d
			r.NumberOfDaysHigh = int(math.Max(1, float64(r.NumberOfDaysHigh)))
		case LevelLow:
			r.MostRecentDateLow = &d
			r.NumberOfDaysLow = int(math.Max(1, float64(r.NumberOfDaysLow)))
		}
	}
}
