package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, float64(70), cfg.Health.Thresholds.CPUWarning)
	assert.Equal(t, float64(90), cfg.Health.Thresholds.CPUCritical)
	assert.Equal(t, float64(80), cfg.Health.Thresholds.MemoryWarning)
	assert.Equal(t, float64(95), cfg.Health.Thresholds.MemoryCritical)
	assert.Equal(t, float64(85), cfg.Health.Thresholds.DiskWarning)
	assert.Equal(t, 5000*time.Millisecond, cfg.Health.Thresholds.ResponseTimeWarning)
	assert.Equal(t, 10000*time.Millisecond, cfg.Health.Thresholds.ResponseTimeCritical)
	assert.Equal(t, float64(5), cfg.Health.Thresholds.ErrorRateWarning)
	assert.Equal(t, float64(95), cfg.Health.Thresholds.AvailabilityWarning)
	assert.Equal(t, 1000, cfg.Degradation.MaxCacheSize)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoverySweepInterval)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Health.Thresholds, cfg.Health.Thresholds)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reliability.json")
	content := `{"degradation": {"max_cache_size": 50}, "breaker": {"failure_threshold": 7}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Degradation.MaxCacheSize)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	// Untouched sections keep defaults
	assert.Equal(t, float64(70), cfg.Health.Thresholds.CPUWarning)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("DEGRADATION_CACHE_TTL", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.Degradation.DefaultCacheTTL)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Breaker.FailureThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Breaker.ErrorThresholdPercentage = 150
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Degradation.MaxCacheSize = -1
	assert.Error(t, cfg.Validate())
}
