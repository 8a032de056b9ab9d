// Package model pins the scoring model identity: version, factor weights
// and their hash. Every score and lineage record references a registry
// snapshot so decisions stay reproducible after recalibration.
package model

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/config"
)

const versionPrefix = "ERS-v"

// Drift classification bands over the drift index.
const (
	DriftNormal   = "normal"
	DriftWarning  = "warning"
	DriftCritical = "critical"
)

// Registry is an immutable view of one risk profile. Build a new one to
// roll the model forward.
type Registry struct {
	profile    *config.RiskProfile
	version    *semver.Version
	weightHash string
}

// NewRegistry validates the profile and precomputes the weight hash.
func NewRegistry(p *config.RiskProfile) (*Registry, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("risk profile: %w", err)
	}
	raw, ok := strings.CutPrefix(p.ModelVersion, versionPrefix)
	if !ok {
		return nil, fmt.Errorf("model version %q: missing %q prefix", p.ModelVersion, versionPrefix)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("model version %q: %w", p.ModelVersion, err)
	}
	hash, err := canonical.Hash(p.Weights)
	if err != nil {
		return nil, fmt.Errorf("weight hash: %w", err)
	}
	return &Registry{profile: p, version: v, weightHash: hash}, nil
}

// ModelVersion returns the full model version string, prefix included.
func (r *Registry) ModelVersion() string { return r.profile.ModelVersion }

// SemVer returns the parsed model version.
func (r *Registry) SemVer() *semver.Version { return r.version }

// ThresholdVersion returns the decision threshold set version.
func (r *Registry) ThresholdVersion() string { return r.profile.ThresholdVersion }

// FeatureSetVersion returns the feature derivation version.
func (r *Registry) FeatureSetVersion() string { return r.profile.FeatureSetVersion }

// WeightHash returns the canonical hash of the factor weight map.
func (r *Registry) WeightHash() string { return r.weightHash }

// DecayFactor returns the per-day temporal decay base.
func (r *Registry) DecayFactor() float64 { return r.profile.DecayFactor }

// Thresholds returns the action cut-offs.
func (r *Registry) Thresholds() config.Thresholds { return r.profile.Thresholds }

// Line3Rule returns the CEL expression gating third-line escalation.
func (r *Registry) Line3Rule() string { return r.profile.Line3Rule }

// Weight returns the weight of one risk factor, zero for unknown factors.
func (r *Registry) Weight(factor string) float64 { return r.profile.Weights[factor] }

// Weights returns a copy of the factor weight map.
func (r *Registry) Weights() map[string]float64 {
	out := make(map[string]float64, len(r.profile.Weights))
	for k, v := range r.profile.Weights {
		out[k] = v
	}
	return out
}

// NewerThan reports whether this registry's model version strictly
// supersedes another full version string.
func (r *Registry) NewerThan(other string) (bool, error) {
	raw, ok := strings.CutPrefix(other, versionPrefix)
	if !ok {
		return false, fmt.Errorf("model version %q: missing %q prefix", other, versionPrefix)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return false, fmt.Errorf("model version %q: %w", other, err)
	}
	return r.version.GreaterThan(v), nil
}

// DriftStatus classifies a drift index reading.
func (r *Registry) DriftStatus(drift float64) string {
	switch {
	case drift > 0.5:
		return DriftCritical
	case drift >= 0.3:
		return DriftWarning
	default:
		return DriftNormal
	}
}
