// Package scoring turns proximity-encounter summaries into discrete risk
// levels. Everything in this package is pure: no clocks, no I/O, no state.
package scoring

import "time"

// RiskLevel is the discrete outcome of a risk calculation.
type RiskLevel string

const (
	// LevelUnknownInitial means there is not enough history to say anything.
	LevelUnknownInitial RiskLevel = "unknown_initial"
	// LevelUnknownOutdated means the last detection is older than the validity window.
	LevelUnknownOutdated RiskLevel = "unknown_outdated"
	// LevelInactive means the proximity primitive is disabled or unauthorized.
	LevelInactive RiskLevel = "inactive"
	// LevelLow is a computed low-risk verdict.
	LevelLow RiskLevel = "low"
	// LevelIncreased is a computed increased-risk verdict.
	LevelIncreased RiskLevel = "increased"
)

// IsVerdict reports whether the level is an actual risk verdict rather than
// a confidence statement.
func (l RiskLevel) IsVerdict() bool {
	return l == LevelLow || l == LevelIncreased
}

// ReportType describes how the remote diagnosis behind an encounter window
// was established.
type ReportType string

const (
	ReportConfirmedTest     ReportType = "confirmed_test"
	ReportConfirmedClinical ReportType = "confirmed_clinical_diagnosis"
	ReportSelfReported      ReportType = "self_reported"
	ReportRecursive         ReportType = "recursive"
)

// Infectiousness grades the remote party's estimated infectiousness during
// the window.
type Infectiousness string

const (
	InfectiousnessNone     Infectiousness = "none"
	InfectiousnessStandard Infectiousness = "standard"
	InfectiousnessHigh     Infectiousness = "high"
)

// CalibrationConfidence grades the attenuation calibration of the devices
// involved.
type CalibrationConfidence string

const (
	CalibrationLowest CalibrationConfidence = "lowest"
	CalibrationLow    CalibrationConfidence = "low"
	CalibrationMedium CalibrationConfidence = "medium"
	CalibrationHigh   CalibrationConfidence = "high"
)

// ScanInstance is one BLE scan aggregate inside an encounter window.
type ScanInstance struct {
	TypicalAttenuationDb int `json:"typical_attenuation_db"`
	MinAttenuationDb     int `json:"min_attenuation_db"`
	DurationSeconds      int `json:"duration_seconds"`
}

// EncounterWindow is one unit of proximity-encounter data produced by the
// matching primitive. Read-only input; never persisted.
type EncounterWindow struct {
	AgeInDays             int                   `json:"age_in_days"`
	ReportType            ReportType            `json:"report_type"`
	Infectiousness        Infectiousness        `json:"infectiousness"`
	CalibrationConfidence CalibrationConfidence `json:"calibration_confidence"`
	ScanInstances         []ScanInstance        `json:"scan_instances"`
}

// Summary is the aggregate the matching primitive reports for one detection
// run: total seconds of exposure per attenuation bucket plus encounter
// metadata.
type Summary struct {
	// AttenuationDurationsSeconds holds exposure seconds in the low, mid
	// and high attenuation buckets, in that order.
	AttenuationDurationsSeconds [3]int `json:"attenuation_durations_seconds"`
	DaysSinceLastExposure       int    `json:"days_since_last_exposure"`
	MatchedKeyCount             int    `json:"matched_key_count"`
}

// ScoreClass is one labeled integer range in the scoring table. Bounds are
// inclusive.
type ScoreClass struct {
	Label string `json:"label"`
	Min   int    `json:"min"`
	Max   int    `json:"max"`
}

// Config is the versioned, server-supplied scoring configuration. Immutable
// per run.
type Config struct {
	Version int `json:"version"`

	// AttenuationBucketWeights weight the low, mid and high buckets.
	AttenuationBucketWeights [3]float64 `json:"attenuation_bucket_weights"`
	// AttenuationBucketBoundariesDb split scan instances into buckets:
	// attenuation <= [0] is the low (near) bucket, <= [1] the mid bucket,
	// everything above the high (far) bucket.
	AttenuationBucketBoundariesDb [2]int `json:"attenuation_bucket_boundaries_db"`
	// NormalizationDivisor scales the weighted duration sum to score space.
	NormalizationDivisor float64 `json:"normalization_divisor"`
	// ScoreClasses maps score ranges to class labels (e.g. LOW, HIGH).
	ScoreClasses []ScoreClass `json:"score_classes"`
	// MinimumWindowDurationSeconds drops scan instances shorter than this.
	MinimumWindowDurationSeconds int `json:"minimum_window_duration_seconds"`
}

// DefaultConfig returns a scoring configuration usable until the server
// supplies one. Production deployments always override it.
func DefaultConfig() Config {
	return Config{
		Version:                       1,
		AttenuationBucketWeights:      [3]float64{1.0, 0.5, 0.5},
		AttenuationBucketBoundariesDb: [2]int{55, 70},
		NormalizationDivisor:          25,
		ScoreClasses: []ScoreClass{
			{Label: ClassLow, Min: 0, Max: 5},
			{Label: ClassHigh, Min: 6, Max: 10},
		},
		MinimumWindowDurationSeconds: 60,
	}
}

// Class labels recognised in score tables.
const (
	ClassLow  = "LOW"
	ClassHigh = "HIGH"
)

// LevelForClass maps a score class label to a risk level.
func LevelForClass(label string) (RiskLevel, bool) {
	switch label {
	case ClassLow:
		return LevelLow, true
	case ClassHigh:
		return LevelIncreased, true
	}
	return "", false
}

// Result is the outcome of one risk calculation. The most recent instance
// is the sole object of truth for current risk; it is superseded, never
// mutated, by the next run.
type Result struct {
	Level RiskLevel `json:"level"`

	MinimumDistinctEncountersLow  int `json:"minimum_distinct_encounters_low"`
	MinimumDistinctEncountersHigh int `json:"minimum_distinct_encounters_high"`

	MostRecentDateLow  *time.Time `json:"most_recent_date_low,omitempty"`
	MostRecentDateHigh *time.Time `json:"most_recent_date_high,omitempty"`

	NumberOfDaysLow  int `json:"number_of_days_low"`
	NumberOfDaysHigh int `json:"number_of_days_high"`

	CalculationDate time.Time `json:"calculation_date"`

	// LevelPerDate maps ISO dates (2006-01-02) to the level each day's
	// encounter windows classified to on their own.
	LevelPerDate map[string]RiskLevel `json:"level_per_date,omitempty"`
}

// DateKey formats a time as a LevelPerDate map key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// LevelChanged reports whether the transition between two results counts as
// a risk level change. Only transitions strictly between low and increased
// qualify; moves into or out of the unknown/inactive levels are confidence
// statements, not verdicts.
func LevelChanged(prev, next RiskLevel) bool {
	if !prev.IsVerdict() || !next.IsVerdict() {
		return false
	}
	return prev != next
}
