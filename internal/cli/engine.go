package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/exposurekit/riskengine/internal/config"
	"github.com/exposurekit/riskengine/internal/detector"
	"github.com/exposurekit/riskengine/internal/distribution"
	"github.com/exposurekit/riskengine/internal/logging"
	"github.com/exposurekit/riskengine/internal/packagecache"
	"github.com/exposurekit/riskengine/internal/provider"
	"github.com/exposurekit/riskengine/internal/scoring"
	"github.com/exposurekit/riskengine/internal/state"
)

// agentAddr is where the platform agent fronting the proximity primitive
// listens; overridable per command via --agent.
var agentAddr = "http://127.0.0.1:8470"

// engine bundles everything a detection command needs.
type engine struct {
	cfg      *config.Config
	provider *provider.Provider
	cache    *packagecache.Cache
	store    *state.Store
}

func (e *engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// buildEngine wires the engine from the loaded configuration.
func buildEngine() (*engine, error) {
	if cfgErr != nil {
		return nil, cfgErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	keys, err := cfg.ParsedTrustedKeys()
	if err != nil {
		return nil, err
	}

	cache, err := packagecache.Open(cfg.CachePath())
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.StateDir())
	if err != nil {
		cache.Close()
		return nil, err
	}

	client := distribution.NewClient(distribution.Config{
		BaseURL:           cfg.EndpointURL,
		TrustedKeys:       keys,
		MaxRetries:        cfg.MaxRetries,
		Timeout:           cfg.RequestTimeout(),
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	scoringCfg := loadScoringConfig(cfg.ConfigDir)

	p, err := provider.New(provider.Deps{
		Config:        cfg,
		Client:        client,
		Cache:         cache,
		Detector:      detector.NewHTTPDetector(agentAddr, cfg.RequestTimeout()),
		Store:         store,
		ScoringConfig: func() scoring.Config { return scoringCfg },
	})
	if err != nil {
		cache.Close()
		return nil, err
	}

	return &engine{cfg: cfg, provider: p, cache: cache, store: store}, nil
}

// loadScoringConfig reads the server-distributed scoring configuration
// cached at scoring.json; its fetch pipeline is separate from the package
// sync. Falls back to the built-in defaults when absent or unreadable.
func loadScoringConfig(configDir string) scoring.Config {
	data, err := os.ReadFile(filepath.Join(configDir, "scoring.json"))
	if err != nil {
		return scoring.DefaultConfig()
	}
	var sc scoring.Config
	if err := json.Unmarshal(data, &sc); err != nil {
		logging.S().Warnw("unreadable scoring.json, using defaults", "error", err)
		return scoring.DefaultConfig()
	}
	return sc
}
