package trustgraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/store"
)

// caseReasonPrefix tags snapshots frozen by the evidence pipeline.
const caseReasonPrefix = "case_confirmed:"

var snapshotReasons = map[string]bool{
	"carbon_mint":            true,
	"high_risk_cluster":      true,
	"regulatory_export":      true,
	"quarterly_review":       true,
	"override_critical_path": true,
	"manual_governance":      true,
	"auto":                   true,
}

// ValidSnapshotReason reports whether a snapshot reason is allowed.
func ValidSnapshotReason(reason string) bool {
	if strings.HasPrefix(reason, caseReasonPrefix) {
		return len(reason) > len(caseReasonPrefix)
	}
	return snapshotReasons[reason]
}

// SnapshotResult is the outcome of freezing a graph.
type SnapshotResult struct {
	SnapshotID   string    `json:"snapshot_id"`
	SnapshotHash string    `json:"snapshot_hash"`
	Reason       string    `json:"reason"`
	NodeCount    int       `json:"node_count"`
	EdgeCount    int       `json:"edge_count"`
	Integrity    Integrity `json:"integrity"`
	Anomalies    []Anomaly `json:"anomalies"`
	CreatedAt    string    `json:"created_at"`
}

// CreateSnapshot loads the tenant graph, runs the full analysis, hashes
// the composite result and persists it as an immutable row.
func (e *Engine) CreateSnapshot(ctx context.Context, tenantID, reason string) (*SnapshotResult, error) {
	if !ValidSnapshotReason(reason) {
		return nil, fmt.Errorf("invalid snapshot reason %q", reason)
	}
	g, err := e.LoadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	integrity := g.ComputeIntegrityScore()
	anomalies := g.DetectAnomalies()
	now := e.store.NowString()

	composite := map[string]interface{}{
		"tenant_id":  tenantID,
		"reason":     reason,
		"node_count": len(g.NodeOrder),
		"edge_count": len(g.Edges),
		"integrity":  integrity,
		"anomalies":  anomalies,
		"created_at": now,
	}
	hash, err := canonical.Hash(composite)
	if err != nil {
		return nil, fmt.Errorf("snapshot hash: %w", err)
	}
	data, err := canonical.Marshal(composite)
	if err != nil {
		return nil, fmt.Errorf("snapshot data: %w", err)
	}

	row := &store.SnapshotRow{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		SnapshotHash:   hash,
		Reason:         reason,
		NodeCount:      len(g.NodeOrder),
		EdgeCount:      len(g.Edges),
		IntegrityScore: integrity.Score,
		IntegrityGrade: integrity.Grade,
		AnomalyCount:   len(anomalies),
		SnapshotData:   string(data),
		CreatedAt:      now,
	}
	if err := e.store.InsertSnapshot(ctx, row); err != nil {
		return nil, err
	}

	return &SnapshotResult{
		SnapshotID:   row.ID,
		SnapshotHash: hash,
		Reason:       reason,
		NodeCount:    row.NodeCount,
		EdgeCount:    row.EdgeCount,
		Integrity:    integrity,
		Anomalies:    anomalies,
		CreatedAt:    now,
	}, nil
}

// SnapshotForCase freezes the graph after a case is confirmed. Satisfies
// the pipeline's GraphSnapshotter collaborator.
func (e *Engine) SnapshotForCase(ctx context.Context, tenantID, caseID string) (string, error) {
	res, err := e.CreateSnapshot(ctx, tenantID, caseReasonPrefix+caseID)
	if err != nil {
		return "", err
	}
	return res.SnapshotID, nil
}

// Analysis bundles every metric over one loaded graph.
type Analysis struct {
	TenantID    string             `json:"tenant_id"`
	NodeCount   int                `json:"node_count"`
	EdgeCount   int                `json:"edge_count"`
	Centrality  []Centrality       `json:"centrality"`
	Betweenness map[string]float64 `json:"betweenness"`
	Anomalies   []Anomaly          `json:"anomalies"`
	Integrity   Integrity          `json:"integrity"`
}

// FullAnalysis loads a tenant graph and computes everything at once.
func (e *Engine) FullAnalysis(ctx context.Context, tenantID string) (*Analysis, error) {
	g, err := e.LoadGraph(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Analysis{
		TenantID:    tenantID,
		NodeCount:   len(g.NodeOrder),
		EdgeCount:   len(g.Edges),
		Centrality:  g.ComputeCentrality(),
		Betweenness: g.ComputeBetweenness(),
		Anomalies:   g.DetectAnomalies(),
		Integrity:   g.ComputeIntegrityScore(),
	}, nil
}
