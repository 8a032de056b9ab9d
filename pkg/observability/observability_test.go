package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordEvent(ctx, "api")
	p.RecordDecision(ctx, "LOG")
	p.RecordLineage(ctx)
	p.RecordReplay(ctx, "RISK_COMMITTEE")
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDuration(ctx, "score", 12*time.Millisecond)
	p.CaseOpened(ctx)
	p.CaseClosed(ctx)

	_, span := p.StartSpan(ctx, "pipeline.score")
	span.End()

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "veritrail-core", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestSLOTrackerRegisterValidation(t *testing.T) {
	tr := NewSLOTracker()
	assert.Error(t, tr.RegisterTarget(&SLOTarget{Operation: "score"}))
	assert.Error(t, tr.RegisterTarget(&SLOTarget{SLOID: "x", Operation: "score", SuccessRate: 1.5}))
	assert.NoError(t, tr.RegisterTarget(&SLOTarget{
		SLOID: "slo-score", Operation: "score",
		LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 24,
	}))
}

func TestSLOTrackerCompliance(t *testing.T) {
	tr := NewSLOTracker()
	require.NoError(t, tr.RegisterTarget(&SLOTarget{
		SLOID: "slo-score", Operation: "score",
		LatencyP99: 100 * time.Millisecond, SuccessRate: 0.9, WindowHours: 24,
	}))

	for i := 0; i < 100; i++ {
		tr.Observe("score", 10*time.Millisecond, true)
	}

	s, err := tr.Status("score")
	require.NoError(t, err)
	assert.True(t, s.InCompliance)
	assert.Equal(t, 100, s.ObservationCount)
	assert.Equal(t, 1.0, s.CurrentSuccess)
	assert.Equal(t, 0.0, s.BurnRate)
	assert.Equal(t, 100.0, s.ErrorBudgetLeft)
}

func TestSLOTrackerBurnRate(t *testing.T) {
	tr := NewSLOTracker()
	require.NoError(t, tr.RegisterTarget(&SLOTarget{
		SLOID: "slo-freeze", Operation: "freeze_evidence",
		LatencyP99: time.Second, SuccessRate: 0.95, WindowHours: 24,
	}))

	// 10% failures against a 5% budget burns at 2x
	for i := 0; i < 90; i++ {
		tr.Observe("freeze_evidence", 50*time.Millisecond, true)
	}
	for i := 0; i < 10; i++ {
		tr.Observe("freeze_evidence", 50*time.Millisecond, false)
	}

	s, err := tr.Status("freeze_evidence")
	require.NoError(t, err)
	assert.False(t, s.InCompliance)
	assert.InDelta(t, 2.0, s.BurnRate, 1e-9)
	assert.Equal(t, 0.0, s.ErrorBudgetLeft)
}

func TestSLOTrackerLatencyBreach(t *testing.T) {
	tr := NewSLOTracker()
	require.NoError(t, tr.RegisterTarget(&SLOTarget{
		SLOID: "slo-ingest", Operation: "ingest",
		LatencyP99: 100 * time.Millisecond, SuccessRate: 0.9, WindowHours: 24,
	}))

	for i := 0; i < 100; i++ {
		tr.Observe("ingest", 500*time.Millisecond, true)
	}

	s, err := tr.Status("ingest")
	require.NoError(t, err)
	assert.False(t, s.InCompliance)
	assert.Equal(t, 1.0, s.CurrentSuccess)
}

func TestSLOTrackerWindowExpiry(t *testing.T) {
	tr := NewSLOTracker()
	require.NoError(t, tr.RegisterTarget(&SLOTarget{
		SLOID: "slo-replay", Operation: "replay",
		LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 1,
	}))

	now := time.Now()
	tr.clock = func() time.Time { return now.Add(-2 * time.Hour) }
	tr.Observe("replay", 10*time.Millisecond, false)
	tr.clock = func() time.Time { return now }
	tr.Observe("replay", 10*time.Millisecond, true)

	s, err := tr.Status("replay")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ObservationCount)
	assert.True(t, s.InCompliance)
}

func TestSLOTrackerUnknownOperation(t *testing.T) {
	tr := NewSLOTracker()
	_, err := tr.Status("nope")
	assert.Error(t, err)
}

func TestDefaultTargetsCoverPipeline(t *testing.T) {
	tr := NewSLOTracker()
	for _, target := range DefaultTargets() {
		require.NoError(t, tr.RegisterTarget(target))
	}
	tr.Observe("score", time.Millisecond, true)

	statuses := tr.AllStatuses()
	assert.Len(t, statuses, 5)
	for _, s := range statuses {
		assert.True(t, s.InCompliance)
	}
}
