package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RiskProfile is the deployable risk-model configuration: factor weights,
// per-day decay, decision thresholds and the Line-3 escalation rule.
type RiskProfile struct {
	ModelVersion      string             `yaml:"model_version" json:"model_version"`
	ThresholdVersion  string             `yaml:"threshold_version" json:"threshold_version"`
	FeatureSetVersion string             `yaml:"feature_set_version" json:"feature_set_version"`
	Weights           map[string]float64 `yaml:"weights" json:"weights"`
	DecayFactor       float64            `yaml:"decay_factor" json:"decay_factor"`
	Thresholds        Thresholds         `yaml:"thresholds" json:"thresholds"`
	Line3Rule         string             `yaml:"line3_rule,omitempty" json:"line3_rule,omitempty"`
}

// Thresholds are the inclusive upper bounds of each decision band.
type Thresholds struct {
	Log            int `yaml:"log" json:"log"`
	OpsReview      int `yaml:"ops_review" json:"ops_review"`
	RiskEscalation int `yaml:"risk_escalation" json:"risk_escalation"`
}

// DefaultRiskProfile returns the ERS-v1.0.0 production profile.
func DefaultRiskProfile() *RiskProfile {
	return &RiskProfile{
		ModelVersion:      "ERS-v1.0.0",
		ThresholdVersion:  "v1",
		FeatureSetVersion: "default",
		Weights: map[string]float64{
			"velocity_anomaly":  0.20,
			"geo_risk":          0.15,
			"device_mismatch":   0.15,
			"historical_batch":  0.15,
			"distributor_trust": 0.20,
			"duplicate_cluster": 0.15,
		},
		DecayFactor: 0.95,
		Thresholds:  Thresholds{Log: 30, OpsReview: 60, RiskEscalation: 80},
		Line3Rule:   `override_count_7d > 3 || ers >= 90 || drift > 0.5`,
	}
}

// LoadRiskProfile loads a profile YAML from path. Fields not set in the
// file fall back to the default profile.
func LoadRiskProfile(path string) (*RiskProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load risk profile: %w", err)
	}

	profile := DefaultRiskProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse risk profile: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// Validate rejects profiles that would make scoring degenerate.
func (p *RiskProfile) Validate() error {
	if p.ModelVersion == "" {
		return fmt.Errorf("risk profile: model_version is required")
	}
	if len(p.Weights) == 0 {
		return fmt.Errorf("risk profile: at least one factor weight is required")
	}
	for name, w := range p.Weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("risk profile: weight %q out of range [0,1]: %v", name, w)
		}
	}
	if p.DecayFactor <= 0 || p.DecayFactor > 1 {
		return fmt.Errorf("risk profile: decay_factor out of range (0,1]: %v", p.DecayFactor)
	}
	t := p.Thresholds
	if !(t.Log < t.OpsReview && t.OpsReview < t.RiskEscalation && t.RiskEscalation < 100) {
		return fmt.Errorf("risk profile: thresholds must be strictly increasing below 100")
	}
	return nil
}
