package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/scoring"
)

// HTTPDetector talks to a local platform agent that fronts the actual
// proximity-matching primitive. The agent answers 429 when the platform's
// enforced quota is exhausted; that maps to ErrQuotaExceeded so callers
// can log it without retrying.
type HTTPDetector struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPDetector creates a detector client for the agent at baseURL.
func NewHTTPDetector(baseURL string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPDetector{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Preconditions implements Detector.
func (d *HTTPDetector) Preconditions(ctx context.Context) (Preconditions, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/preconditions", nil)
	if err != nil {
		return Preconditions{}, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Preconditions{}, fmt.Errorf("query preconditions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Preconditions{}, fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	var pre Preconditions
	if err := json.NewDecoder(resp.Body).Decode(&pre); err != nil {
		return Preconditions{}, fmt.Errorf("decode preconditions: %w", err)
	}
	return pre, nil
}

type detectRequest struct {
	Packages [][]byte `json:"packages"` // base64 in JSON
}

type detectResponse struct {
	Summary *scoring.Summary          `json:"summary"`
	Windows []scoring.EncounterWindow `json:"windows"`
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, packages [][]byte) (*scoring.Summary, []scoring.EncounterWindow, error) {
	body, err := json.Marshal(detectRequest{Packages: packages})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("detect call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, apperrors.ErrQuotaExceeded
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, msg)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decode detect response: %w", err)
	}
	return out.Summary, out.Windows, nil
}
