package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ARCHIVE_S3_PREFIX", "")
	t.Setenv("AWS_REGION", "")

	cfg := config.Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "data/veritrail.db", cfg.DatabaseURL)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "evidence/", cfg.S3Prefix)
	assert.Equal(t, "eu-central-1", cfg.S3Region)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_URL", "postgres://veritrail@localhost/veritrail")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RISK_PROFILE", "profiles/strict.yaml")
	t.Setenv("ARCHIVE_S3_BUCKET", "veritrail-evidence")

	cfg := config.Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "postgres://veritrail@localhost/veritrail", cfg.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "profiles/strict.yaml", cfg.ProfilePath)
	assert.True(t, cfg.ArchiveEnabled())
}

func TestLoad_ArchiveDirEnablesArchival(t *testing.T) {
	t.Setenv("ARCHIVE_S3_BUCKET", "")
	t.Setenv("ARCHIVE_DIR", "data/archive")

	cfg := config.Load()
	assert.True(t, cfg.ArchiveEnabled())
}

func TestDefaultRiskProfile(t *testing.T) {
	p := config.DefaultRiskProfile()
	require.NoError(t, p.Validate())
	assert.Equal(t, "ERS-v1.0.0", p.ModelVersion)
	assert.Len(t, p.Weights, 6)
	assert.InDelta(t, 0.95, p.DecayFactor, 1e-9)
	assert.Equal(t, 30, p.Thresholds.Log)
	assert.Equal(t, 60, p.Thresholds.OpsReview)
	assert.Equal(t, 80, p.Thresholds.RiskEscalation)

	var sum float64
	for _, w := range p.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLoadRiskProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	body := `
model_version: ERS-v1.1.0
weights:
  velocity_anomaly: 0.5
  geo_risk: 0.5
decay_factor: 0.9
thresholds:
  log: 20
  ops_review: 50
  risk_escalation: 75
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := config.LoadRiskProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "ERS-v1.1.0", p.ModelVersion)
	assert.Len(t, p.Weights, 2)
	assert.Equal(t, 20, p.Thresholds.Log)
	// Unset fields fall back to defaults.
	assert.Equal(t, "v1", p.ThresholdVersion)
}

func TestLoadRiskProfile_InvalidThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := `
thresholds:
  log: 90
  ops_review: 60
  risk_escalation: 80
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := config.LoadRiskProfile(path)
	assert.Error(t, err)
}
