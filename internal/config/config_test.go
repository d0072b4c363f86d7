package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/exposurekit/riskengine/internal/errors"
	"github.com/exposurekit/riskengine/internal/testutil"
)

func TestLoad_NotInitialized(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.Region = "DE"
	cfg.EndpointURL = "https://dist.example.org"
	cfg.TrustedKeys = []TrustedKeyConfig{{KeyID: "dist-1", PublicKey: "00"}}
	cfg.ConfigDir = dir
	require.NoError(t, cfg.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "DE", loaded.Region)
	assert.Equal(t, "https://dist.example.org", loaded.EndpointURL)
	assert.Equal(t, dir, loaded.ConfigDir)
	require.Len(t, loaded.TrustedKeys, 1)
	assert.Equal(t, "dist-1", loaded.TrustedKeys[0].KeyID)
}

func TestLoad_FillsDefaults(t *testing.T) {
	dir := t.TempDir()
	minimal := []byte(`{"region":"DE","endpoint_url":"https://dist.example.org"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), minimal, 0600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeAutomatic, cfg.Mode)
	assert.Equal(t, 240, cfg.MinDetectionIntervalMinutes)
	assert.Equal(t, 48, cfg.DetectionValidityHours)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{broken"), 0600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Region = "DE"
		cfg.EndpointURL = "https://dist.example.org"
		cfg.TrustedKeys = []TrustedKeyConfig{{KeyID: "dist-1", PublicKey: "00"}}
		return cfg
	}

	assert.NoError(t, valid().Validate())

	t.Run("missing region", func(t *testing.T) {
		cfg := valid()
		cfg.Region = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing endpoint", func(t *testing.T) {
		cfg := valid()
		cfg.EndpointURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("no trusted keys", func(t *testing.T) {
		cfg := valid()
		cfg.TrustedKeys = nil
		assert.ErrorIs(t, cfg.Validate(), apperrors.ErrNoTrustedKeys)
	})

	t.Run("unknown mode", func(t *testing.T) {
		cfg := valid()
		cfg.Mode = "sometimes"
		assert.Error(t, cfg.Validate())
	})
}

func TestParsedTrustedKeys(t *testing.T) {
	key := testutil.MustNewSigningKeyFixture("dist-1")

	cfg := Default()
	cfg.TrustedKeys = []TrustedKeyConfig{{KeyID: "dist-1", PublicKey: key.PubHex}}

	keys, err := cfg.ParsedTrustedKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "dist-1", keys[0].ID)
	assert.True(t, keys[0].PublicKey.Equal(&key.PrivateKey.PublicKey))
}

func TestParsedTrustedKeys_Invalid(t *testing.T) {
	cfg := Default()
	cfg.TrustedKeys = []TrustedKeyConfig{{KeyID: "dist-1", PublicKey: "not hex"}}

	_, err := cfg.ParsedTrustedKeys()
	assert.Error(t, err)

	cfg.TrustedKeys = nil
	_, err = cfg.ParsedTrustedKeys()
	assert.ErrorIs(t, err, apperrors.ErrNoTrustedKeys)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 240*time.Minute, cfg.MinDetectionInterval())
	assert.Equal(t, 48*time.Hour, cfg.DetectionValidity())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.ConfigDir = "/var/lib/riskengine"
	assert.Equal(t, "/var/lib/riskengine/state", cfg.StateDir())
	assert.Equal(t, "/var/lib/riskengine/packages.db", cfg.CachePath())
}
