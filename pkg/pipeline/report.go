package pipeline

import (
	"context"
	"math"
	"time"
)

// ExposureReport is the rolling 30-day board view of a tenant's risk
// posture. Rates are fractions of total events, not percentages.
type ExposureReport struct {
	TenantID          string  `json:"tenant_id"`
	WindowDays        int     `json:"window_days"`
	TotalEvents       int     `json:"total_events"`
	AnomalyRate       float64 `json:"anomaly_rate"`
	LockRatio         float64 `json:"lock_ratio"`
	OverrideFrequency int     `json:"override_frequency"`
	AvgDrift          float64 `json:"avg_drift"`
	FrozenCases       int     `json:"frozen_cases"`
	SLABreachCount    int     `json:"sla_breach_count"`
	ModelVersion      string  `json:"model_version"`
	GeneratedAt       string  `json:"generated_at"`
}

// ReportExposure aggregates the tenant's last 30 days of pipeline
// activity into the board exposure report.
func (e *Engine) ReportExposure(ctx context.Context, tenantID string) (*ExposureReport, error) {
	now := e.store.Now()
	counts, err := e.store.ExposureSince(ctx, tenantID, now.Add(-30*24*time.Hour), now)
	if err != nil {
		return nil, err
	}

	report := &ExposureReport{
		TenantID:          tenantID,
		WindowDays:        30,
		TotalEvents:       counts.TotalEvents,
		OverrideFrequency: counts.Overrides,
		AvgDrift:          math.Round(counts.AvgDrift*100) / 100,
		FrozenCases:       counts.FrozenCases,
		SLABreachCount:    counts.SLABreaches,
		ModelVersion:      e.registry.ModelVersion(),
		GeneratedAt:       e.store.NowString(),
	}
	if counts.TotalEvents > 0 {
		report.AnomalyRate = float64(counts.Anomalies) / float64(counts.TotalEvents)
		report.LockRatio = float64(counts.Locks) / float64(counts.TotalEvents)
	}
	return report, nil
}
