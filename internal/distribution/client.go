// Package distribution fetches signed packages from the central
// distribution service. It owns the trust boundary: nothing it returns has
// an unverified payload. It never writes the cache; storage policy belongs
// to the caller.
package distribution

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/logging"
	"github.com/exposurekit/riskengine/internal/model"
	"github.com/exposurekit/riskengine/internal/signature"
)

// Archive member names the distribution protocol mandates. Exactly these
// two must be present; anything else in the container is ignored.
const (
	payloadMember   = "export.bin"
	signatureMember = "export.sig"
)

// maxArchiveBytes caps how much of a response body is read. Packages are
// small; anything larger is malformed.
const maxArchiveBytes = 64 << 20

// Config configures the distribution client.
type Config struct {
	// BaseURL of the distribution service, without trailing slash.
	BaseURL string
	// TrustedKeys are the trust roots packages are verified against.
	TrustedKeys []signature.TrustedKey
	// MaxRetries bounds transient-failure retries per package identity.
	MaxRetries int
	// Timeout is the per-request network timeout.
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls to the service.
	RequestsPerSecond float64
}

// DefaultConfig returns sensible defaults; BaseURL and TrustedKeys must
// still be supplied.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
	}
}

// Outcome is the result of a successful Fetch call.
type Outcome struct {
	// NotModified is true when the server answered 304 for the cached ETag.
	NotModified bool
	// Payload is the verified export.bin content. Empty when NotModified.
	Payload []byte
	// ETag is the entity tag of the fetched package.
	ETag string
}

// Client fetches and authenticates packages.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	mu      sync.Mutex
	retries map[string]int // per-identity transient failure counts
}

// NewClient creates a distribution client.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		retries:    make(map[string]int),
	}
}

// Fetch issues a conditional GET for one package identity.
//
// Returned errors wrap one of the sentinel classes in internal/errors:
// ErrTransient (network/timeout, retryable), ErrRetryExhausted (transient
// budget spent for this identity), ErrNotFound, ErrMalformedPackage and
// ErrSignatureInvalid (permanent, never retried). Verification failure is
// reported distinctly from absent data so a forged package is never
// silently treated as missing.
func (c *Client) Fetch(ctx context.Context, id model.PackageIdentity, cachedETag string) (*Outcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+id.Path(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", id, err)
	}
	if cachedETag != "" {
		req.Header.Set("If-None-Match", cachedETag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transientFailure(id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		c.clearRetries(id)
		return &Outcome{NotModified: true, ETag: cachedETag}, nil

	case resp.StatusCode == http.StatusOK:
		// handled below

	case resp.StatusCode == http.StatusNotFound:
		c.clearRetries(id)
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, id)

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.transientFailure(id, fmt.Errorf("server returned %d", resp.StatusCode))

	default:
		c.clearRetries(id)
		return nil, fmt.Errorf("%w: server returned %d for %s", apperrors.ErrMalformedPackage, resp.StatusCode, id)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
	if err != nil {
		return nil, c.transientFailure(id, err)
	}
	c.clearRetries(id)

	pkg, err := extractPackage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrMalformedPackage, id, err)
	}

	if !signature.Verify(pkg.Payload, pkg.Signature, c.cfg.TrustedKeys) {
		logging.S().Warnw("package failed signature verification, discarding",
			"package", id.Key())
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSignatureInvalid, id)
	}

	return &Outcome{Payload: pkg.Payload, ETag: resp.Header.Get("ETag")}, nil
}

// transientFailure books one transient failure against the identity's
// retry budget. When the budget is spent the counter resets, so a future
// cycle starts fresh instead of accumulating state forever.
func (c *Client) transientFailure(id model.PackageIdentity, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.Key()
	c.retries[key]++
	attempts := c.retries[key]
	if attempts >= c.cfg.MaxRetries {
		delete(c.retries, key)
		return fmt.Errorf("%w: %s after %d attempts: %v", apperrors.ErrRetryExhausted, key, attempts, cause)
	}
	return fmt.Errorf("%w: %s (attempt %d/%d): %v", apperrors.ErrTransient, key, attempts, c.cfg.MaxRetries, cause)
}

func (c *Client) clearRetries(id model.PackageIdentity) {
	c.mu.Lock()
	delete(c.retries, id.Key())
	c.mu.Unlock()
}

// RetryCount exposes the current retry count for an identity (tests and
// status reporting).
func (c *Client) RetryCount(id model.PackageIdentity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries[id.Key()]
}

// extractPackage pulls export.bin and export.sig out of the archive body.
// Absence of either member is malformed, not retryable.
func extractPackage(body []byte) (*model.SignedPackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("not a zip archive: %v", err)
	}

	var pkg model.SignedPackage
	for _, f := range zr.File {
		switch f.Name {
		case payloadMember:
			pkg.Payload, err = readMember(f)
		case signatureMember:
			pkg.Signature, err = readMember(f)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	if pkg.Payload == nil {
		return nil, errors.New("missing " + payloadMember)
	}
	if pkg.Signature == nil {
		return nil, errors.New("missing " + signatureMember)
	}
	return &pkg, nil
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %v", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxArchiveBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", f.Name, err)
	}
	return data, nil
}
