package graphgov

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/trustgraph"
)

// Roles allowed to create transactional nodes and edges.
var structuralWriters = map[string]bool{
	RoleOps:          true,
	RoleAdminCompany: true,
	RoleSA:           true,
}

// NodeResult is a governed node creation outcome.
type NodeResult struct {
	Node *store.NodeRow `json:"node"`
	GSV  *GSV           `json:"gsv"`
}

// GovernedAddNode creates a node, stamps a GSV, and records the artifact.
func (s *Service) GovernedAddNode(ctx context.Context, tenantID string, in trustgraph.NodeInput, actorID, actorRole string) (*NodeResult, error) {
	if !structuralWriters[actorRole] {
		return nil, fmt.Errorf("%w: role %s cannot add nodes", ErrAccessDenied, actorRole)
	}
	node, err := s.engine.AddNode(ctx, tenantID, in)
	if err != nil {
		return nil, err
	}
	gsv, err := s.createGSV(ctx, tenantID, "node_create", map[string]interface{}{
		"node_id": node.ID, "node_type": node.NodeType, "entity_name": node.EntityName,
	}, actorID, actorRole)
	if err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "node_created", map[string]interface{}{
		"node_id": node.ID, "node_type": node.NodeType, "actor": actorRole, "gsv": gsv.Version,
	}); err != nil {
		return nil, err
	}
	return &NodeResult{Node: node, GSV: gsv}, nil
}

// EdgeResult is a governed edge creation outcome.
type EdgeResult struct {
	Edge *store.EdgeRow `json:"edge"`
	GSV  *GSV           `json:"gsv"`
}

// GovernedAddEdge creates an append-only edge with the acting role
// recorded on the row, stamps a GSV, and records the artifact.
func (s *Service) GovernedAddEdge(ctx context.Context, tenantID string, in trustgraph.EdgeInput, actorID, actorRole string) (*EdgeResult, error) {
	if !structuralWriters[actorRole] {
		return nil, fmt.Errorf("%w: role %s cannot create edges", ErrAccessDenied, actorRole)
	}
	in.CreatedByRole = actorRole
	edge, err := s.engine.AddEdge(ctx, tenantID, in)
	if err != nil {
		return nil, err
	}
	gsv, err := s.createGSV(ctx, tenantID, "edge_create", map[string]interface{}{
		"edge_id": edge.ID, "edge_type": edge.EdgeType, "from": edge.FromID, "to": edge.ToID,
	}, actorID, actorRole)
	if err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "edge_created", map[string]interface{}{
		"edge_id": edge.ID, "edge_type": edge.EdgeType, "actor": actorRole, "gsv": gsv.Version,
	}); err != nil {
		return nil, err
	}
	return &EdgeResult{Edge: edge, GSV: gsv}, nil
}

// Approver is one identity in a 4-eyes approval.
type Approver struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// OverrideData describes a trust override on a node.
type OverrideData struct {
	Type          string `json:"type,omitempty"`
	OldValue      string `json:"old_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
	Justification string `json:"justification"`
}

// OverrideResult is a recorded governed override.
type OverrideResult struct {
	OverrideID string `json:"override_id"`
	GSV        *GSV   `json:"gsv"`
}

// minJustification is the minimum override justification length.
const minJustification = 20

// GovernedOverride records a trust override on a node. It requires at
// least two approvers whose roles include both Risk Committee and
// Compliance, and a justification of at least 20 characters.
func (s *Service) GovernedOverride(ctx context.Context, tenantID, nodeID string, data OverrideData, approvers []Approver) (*OverrideResult, error) {
	if len(approvers) < 2 {
		return nil, fmt.Errorf("%w: 4-eyes override requires minimum 2 approvers", ErrValidation)
	}
	roles := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		roles[a.Role] = true
	}
	if !roles[RoleRiskCommittee] || !roles[RoleCompliance] {
		return nil, fmt.Errorf("%w: override requires both Risk Committee and Compliance approval", ErrAccessDenied)
	}
	if len(strings.TrimSpace(data.Justification)) < minJustification {
		return nil, fmt.Errorf("%w: override justification requires at least %d characters", ErrValidation, minJustification)
	}
	if _, err := s.store.GetNode(ctx, tenantID, nodeID); err != nil {
		return nil, err
	}

	overrideType := data.Type
	if overrideType == "" {
		overrideType = "trust_score"
	}
	row := &store.GraphOverrideRow{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		NodeID:        nodeID,
		OverrideType:  overrideType,
		OldValue:      data.OldValue,
		NewValue:      data.NewValue,
		Justification: data.Justification,
		Approver1ID:   approvers[0].ID,
		Approver1Role: approvers[0].Role,
		Approver2ID:   approvers[1].ID,
		Approver2Role: approvers[1].Role,
		CreatedAt:     s.store.NowString(),
	}
	if err := s.store.InsertGraphOverride(ctx, row); err != nil {
		return nil, err
	}

	gsv, err := s.createGSV(ctx, tenantID, "override", map[string]interface{}{
		"node_id": nodeID, "override_id": row.ID,
	}, approvers[0].ID, approvers[0].Role)
	if err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "graph_override", map[string]interface{}{
		"override_id": row.ID, "node_id": nodeID, "gsv": gsv.Version,
	}); err != nil {
		return nil, err
	}
	return &OverrideResult{OverrideID: row.ID, GSV: gsv}, nil
}

// snapshotTriggerRoles may request manual snapshots.
var snapshotTriggerRoles = map[string]bool{
	RoleRiskCommittee: true,
	RoleCompliance:    true,
	RoleSA:            true,
	RoleGGC:           true,
}

// GovernedSnapshot freezes the tenant graph. Manual reasons are limited
// to governance and risk-control roles; pipeline-tagged and automatic
// snapshots bypass the role gate.
func (s *Service) GovernedSnapshot(ctx context.Context, tenantID, reason, actorID, actorRole string) (*trustgraph.SnapshotResult, error) {
	automatic := reason == "auto" || strings.HasPrefix(reason, "case_confirmed:")
	if !automatic && !snapshotTriggerRoles[actorRole] {
		return nil, fmt.Errorf("%w: role %s cannot trigger manual snapshots", ErrAccessDenied, actorRole)
	}
	snap, err := s.engine.CreateSnapshot(ctx, tenantID, reason)
	if err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "snapshot_created", map[string]interface{}{
		"snapshot_id": snap.SnapshotID, "reason": reason, "actor": actorRole,
	}); err != nil {
		return nil, err
	}

	if _, err := s.createGSV(ctx, tenantID, "snapshot", map[string]interface{}{
		"snapshot_id": snap.SnapshotID, "reason": reason,
	}, actorID, actorRole); err != nil {
		return nil, err
	}
	return snap, nil
}

// IsolationDecision reports a cross-tenant access check.
type IsolationDecision struct {
	Allowed     bool   `json:"allowed"`
	Mode        string `json:"mode,omitempty"`
	AuditLogged bool   `json:"audit_logged,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ValidateTenantIsolation denies cross-tenant graph access for all roles
// except GGC (unrestricted) and SA (audit-only). Both are audit-logged.
func (s *Service) ValidateTenantIsolation(ctx context.Context, requestingTenant, targetTenant, actorRole string) (*IsolationDecision, error) {
	if requestingTenant == targetTenant {
		return &IsolationDecision{Allowed: true}, nil
	}

	switch actorRole {
	case RoleGGC:
		if err := s.logArtifact(ctx, "cross_tenant_access", map[string]interface{}{
			"from": requestingTenant, "to": targetTenant, "role": actorRole,
		}); err != nil {
			return nil, err
		}
		return &IsolationDecision{Allowed: true, AuditLogged: true}, nil
	case RoleSA:
		if err := s.logArtifact(ctx, "cross_tenant_access", map[string]interface{}{
			"from": requestingTenant, "to": targetTenant, "role": actorRole, "mode": "audit_only",
		}); err != nil {
			return nil, err
		}
		return &IsolationDecision{Allowed: true, Mode: "audit_only", AuditLogged: true}, nil
	}
	return &IsolationDecision{
		Allowed: false,
		Reason:  "cross-tenant access denied; only GGC and SA (audit-only) permitted",
	}, nil
}

// BoardMetrics are the strategic KPIs shown to the board, never the raw
// graph.
type BoardMetrics struct {
	TenantID          string               `json:"tenant_id"`
	Period            string               `json:"period"`
	Integrity         trustgraph.Integrity `json:"integrity"`
	AnomalyCount      int                  `json:"anomaly_count"`
	CriticalAnomalies int                  `json:"critical_anomalies"`
	OverrideFrequency int                  `json:"override_frequency"`
	SchemaChanges90d  int                  `json:"schema_changes_90d"`
	WeightChanges30d  int                  `json:"weight_recalibrations_30d"`
	GraphStateVersion int64                `json:"graph_state_version"`
	GeneratedAt       string               `json:"generated_at"`
}

// BoardDashboard aggregates governance KPIs over rolling windows.
func (s *Service) BoardDashboard(ctx context.Context, tenantID string) (*BoardMetrics, error) {
	analysis, err := s.engine.FullAnalysis(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	critical := 0
	for _, a := range analysis.Anomalies {
		if a.Severity == trustgraph.SeverityCritical {
			critical++
		}
	}

	overrides, err := s.store.CountGraphOverridesSince(ctx, tenantID, s.windowStart(30))
	if err != nil {
		return nil, err
	}
	schemaChanges, err := s.store.CountSchemaChangesDeployedSince(ctx, s.windowStart(90))
	if err != nil {
		return nil, err
	}
	weightChanges, err := s.store.CountWeightChangesApprovedSince(ctx, s.windowStart(30))
	if err != nil {
		return nil, err
	}
	gsv, err := s.store.CurrentGSV(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return &BoardMetrics{
		TenantID:          tenantID,
		Period:            "30 days",
		Integrity:         analysis.Integrity,
		AnomalyCount:      len(analysis.Anomalies),
		CriticalAnomalies: critical,
		OverrideFrequency: overrides,
		SchemaChanges90d:  schemaChanges,
		WeightChanges30d:  weightChanges,
		GraphStateVersion: gsv,
		GeneratedAt:       s.store.NowString(),
	}, nil
}

// artifactTypes is the full audit artifact taxonomy.
var artifactTypes = []string{
	"schema_change_proposed", "schema_change_approved", "schema_change_deployed",
	"weight_change_proposed", "weight_change_approved",
	"node_created", "edge_created",
	"graph_override", "snapshot_created",
	"privileged_access", "cross_tenant_access",
}

// ArtifactRegistry summarizes recorded artifacts per type.
type ArtifactRegistry struct {
	ArtifactTypes int                           `json:"artifact_types"`
	Registry      map[string]store.ArtifactStat `json:"registry"`
}

// AuditArtifactRegistry reports per-type artifact counts and recency.
func (s *Service) AuditArtifactRegistry(ctx context.Context) (*ArtifactRegistry, error) {
	stats, err := s.store.AuditArtifactStats(ctx, artifactTypes)
	if err != nil {
		return nil, err
	}
	return &ArtifactRegistry{ArtifactTypes: len(artifactTypes), Registry: stats}, nil
}
