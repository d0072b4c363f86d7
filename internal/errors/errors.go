// Package errors provides sentinel errors for the risk engine.
package errors

import "errors"

// Configuration errors
var (
	// ErrNotInitialized is returned when the engine has no configuration yet.
	ErrNotInitialized = errors.New("risk engine not initialized")

	// ErrNoTrustedKeys is returned when no trusted signing key is configured.
	// Verification fails closed without at least one key.
	ErrNoTrustedKeys = errors.New("no trusted keys configured")
)

// Package trust errors
var (
	// ErrSignatureInvalid is returned when a downloaded package fails
	// signature verification. Never retried.
	ErrSignatureInvalid = errors.New("package signature verification failed")

	// ErrMalformedPackage is returned when the archive container does not
	// hold the expected members. Never retried.
	ErrMalformedPackage = errors.New("malformed package archive")

	// ErrNotFound is returned when the distribution service has no package
	// for the requested identity. Never retried.
	ErrNotFound = errors.New("package not found")
)

// Fetch errors
var (
	// ErrTransient marks a network or timeout failure that may be retried.
	ErrTransient = errors.New("transient fetch failure")

	// ErrRetryExhausted is returned when the bounded retry limit for a
	// package identity has been reached.
	ErrRetryExhausted = errors.New("retry limit exhausted")
)

// Detection cycle errors
var (
	// ErrRunInProgress is returned when a risk request arrives while a
	// detection cycle is already running.
	ErrRunInProgress = errors.New("risk detection already in progress")

	// ErrRateLimited is returned when a non-user-initiated risk request
	// falls inside the minimum detection interval.
	ErrRateLimited = errors.New("detection suppressed by rate limit")

	// ErrQuotaExceeded is returned when the platform rejects a detection
	// call because its enforced quota is exhausted.
	ErrQuotaExceeded = errors.New("platform detection quota exceeded")

	// ErrNoPackages is returned when nothing could be fetched and the cache
	// holds no packages for the needed range.
	ErrNoPackages = errors.New("no packages available for detection")

	// ErrScoreUnclassifiable is returned when a raw risk score falls outside
	// every configured score class.
	ErrScoreUnclassifiable = errors.New("risk score outside configured classes")
)
