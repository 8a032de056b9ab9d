package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/config"
)

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)

	assert.Equal(t, "ERS-v1.0.0", r.ModelVersion())
	assert.Equal(t, uint64(1), r.SemVer().Major())
	assert.Len(t, r.WeightHash(), 64)
	assert.InDelta(t, 0.20, r.Weight("velocity_anomaly"), 1e-9)
	assert.Zero(t, r.Weight("unknown_factor"))
}

func TestNewRegistry_RejectsBadVersion(t *testing.T) {
	p := config.DefaultRiskProfile()
	p.ModelVersion = "v1.0.0"
	_, err := NewRegistry(p)
	require.Error(t, err)

	p.ModelVersion = "ERS-vnot.a.version"
	_, err = NewRegistry(p)
	require.Error(t, err)
}

func TestWeightHashTracksWeights(t *testing.T) {
	r1, err := NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)

	p2 := config.DefaultRiskProfile()
	p2.Weights["geo_risk"] = 0.10
	p2.Weights["velocity_anomaly"] = 0.25
	r2, err := NewRegistry(p2)
	require.NoError(t, err)

	assert.NotEqual(t, r1.WeightHash(), r2.WeightHash())

	r3, err := NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)
	assert.Equal(t, r1.WeightHash(), r3.WeightHash())
}

func TestNewerThan(t *testing.T) {
	p := config.DefaultRiskProfile()
	p.ModelVersion = "ERS-v1.1.0"
	r, err := NewRegistry(p)
	require.NoError(t, err)

	newer, err := r.NewerThan("ERS-v1.0.0")
	require.NoError(t, err)
	assert.True(t, newer)

	newer, err = r.NewerThan("ERS-v2.0.0")
	require.NoError(t, err)
	assert.False(t, newer)

	_, err = r.NewerThan("1.0.0")
	assert.Error(t, err)
}

func TestDriftStatus(t *testing.T) {
	r, err := NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)

	assert.Equal(t, DriftNormal, r.DriftStatus(0.1))
	assert.Equal(t, DriftWarning, r.DriftStatus(0.35))
	assert.Equal(t, DriftCritical, r.DriftStatus(0.51))
}

func TestWeightsReturnsCopy(t *testing.T) {
	r, err := NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)

	w := r.Weights()
	w["velocity_anomaly"] = 0.99
	assert.InDelta(t, 0.20, r.Weight("velocity_anomaly"), 1e-9)
}
