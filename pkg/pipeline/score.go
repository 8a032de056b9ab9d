package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/store"
)

// Neutral 30-day average used when a tenant has no scoring history, so
// first events never alert on drift.
const driftBaseline = 50.0

// Contribution breaks one factor's share of the score out for audit.
type Contribution struct {
	RawValue        float64 `json:"raw_value"`
	Weight          float64 `json:"weight"`
	DecayMultiplier float64 `json:"decay_multiplier"`
	Contribution    int     `json:"contribution"`
}

// ScoreResult is one immutable ERS computation.
type ScoreResult struct {
	ScoreID       string                  `json:"score_id"`
	EventID       string                  `json:"event_id"`
	ERS           int                     `json:"ers"`
	ModelVersion  string                  `json:"model_version"`
	WeightHash    string                  `json:"weight_hash"`
	Contributions map[string]Contribution `json:"contributions"`
	DriftIndex    float64                 `json:"drift_index"`
	TenantID      string                  `json:"tenant_id,omitempty"`
}

// ScoreRisk computes ERS = min(100, round(100 * Σ weight * factor *
// decay^days)) over the registry's weight vector and persists the score
// together with the model version and weight hash that produced it. The
// drift index compares against the tenant's 30-day rolling average.
func (e *Engine) ScoreRisk(ctx context.Context, eventID, tenantID string, factors map[string]float64, daysSince float64) (*ScoreResult, error) {
	weights := e.registry.Weights()
	decay := math.Pow(e.registry.DecayFactor(), daysSince)

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var raw float64
	contributions := make(map[string]Contribution, len(weights))
	for _, name := range names {
		value := factors[name]
		c := weights[name] * value * decay
		contributions[name] = Contribution{
			RawValue:        value,
			Weight:          weights[name],
			DecayMultiplier: decay,
			Contribution:    int(math.Round(c * 100)),
		}
		raw += c
	}
	ers := int(math.Min(100, math.Round(raw*100)))

	avg, ok, err := e.store.AvgERSSince(ctx, tenantID, e.store.Now().Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	if !ok || avg == 0 {
		avg = driftBaseline
	}
	drift := math.Abs(float64(ers)-avg) / avg
	drift = math.Round(drift*100) / 100

	rawContribs, err := json.Marshal(contributions)
	if err != nil {
		return nil, err
	}
	scoreID := uuid.New().String()
	if err := e.store.InsertRiskScore(ctx, &store.RiskScoreRow{
		ID:                  scoreID,
		EventID:             eventID,
		TenantID:            tenantID,
		ERS:                 ers,
		ModelVersion:        e.registry.ModelVersion(),
		WeightHash:          e.registry.WeightHash(),
		FactorContributions: string(rawContribs),
		DriftIndex:          drift,
		CreatedAt:           e.store.NowString(),
	}); err != nil {
		return nil, err
	}

	return &ScoreResult{
		ScoreID:       scoreID,
		EventID:       eventID,
		ERS:           ers,
		ModelVersion:  e.registry.ModelVersion(),
		WeightHash:    e.registry.WeightHash(),
		Contributions: contributions,
		DriftIndex:    drift,
		TenantID:      tenantID,
	}, nil
}
