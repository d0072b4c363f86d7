// Package detector defines the boundary to the platform's
// proximity-matching primitive. The engine treats it as a black box with a
// documented contract; concrete implementations live outside this module
// (a fake for tests is in internal/testutil).
package detector

import (
	"context"

	"github.com/exposurekit/riskengine/internal/scoring"
)

// Preconditions reports whether the primitive can run at all.
type Preconditions struct {
	Authorized bool   `json:"authorized"`
	Enabled    bool   `json:"enabled"`
	Status     string `json:"status,omitempty"`
}

// Satisfied reports whether detection may proceed.
func (p Preconditions) Satisfied() bool {
	return p.Authorized && p.Enabled
}

// Detector is the proximity-matching primitive. Detect is subject to an
// externally enforced platform quota; the provider invokes it at most once
// per detection phase, and a quota rejection surfaces as
// errors.ErrQuotaExceeded so it can be told apart from other failures and
// never retried within the same cycle.
type Detector interface {
	// Preconditions reports the primitive's current availability.
	Preconditions(ctx context.Context) (Preconditions, error)

	// Detect matches the given verified package payloads against local
	// encounter history and returns the run's summary and windows.
	Detect(ctx context.Context, packages [][]byte) (*scoring.Summary, []scoring.EncounterWindow, error)
}
