package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NodeRow is one trust graph entity.
type NodeRow struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	EntityID   string  `json:"entity_id,omitempty"`
	NodeType   string  `json:"node_type"`
	EntityName string  `json:"entity_name,omitempty"`
	TrustScore float64 `json:"trust_score"`
	RiskLevel  string  `json:"risk_level"`
	CreatedAt  string  `json:"created_at"`
}

// EdgeRow is one directed trust relation.
type EdgeRow struct {
	ID               string  `json:"id"`
	TenantID         string  `json:"tenant_id"`
	FromID           string  `json:"from_id"`
	ToID             string  `json:"to_id"`
	EdgeType         string  `json:"edge_type"`
	Weight           float64 `json:"weight"`
	RiskContribution float64 `json:"risk_contribution"`
	Confidence       float64 `json:"confidence"`
	EvidenceHash     string  `json:"evidence_hash,omitempty"`
	CreatedByRole    string  `json:"created_by_role,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// SnapshotRow is an immutable point-in-time graph capture.
type SnapshotRow struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	SnapshotHash   string `json:"snapshot_hash"`
	Reason         string `json:"reason"`
	NodeCount      int    `json:"node_count"`
	EdgeCount      int    `json:"edge_count"`
	IntegrityScore int    `json:"integrity_score"`
	IntegrityGrade string `json:"integrity_grade"`
	AnomalyCount   int    `json:"anomaly_count"`
	SnapshotData   string `json:"snapshot_data"`
	CreatedAt      string `json:"created_at"`
}

// InsertNode writes a graph node.
func (s *Store) InsertNode(ctx context.Context, n *NodeRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO trust_graph_nodes (
            id, tenant_id, entity_id, node_type, entity_name,
            trust_score, risk_level, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, nullable(n.EntityID), n.NodeType, nullable(n.EntityName),
		n.TrustScore, n.RiskLevel, n.CreatedAt)
	return err
}

// GetNode loads a node scoped to a tenant.
func (s *Store) GetNode(ctx context.Context, tenantID, id string) (*NodeRow, error) {
	var n NodeRow
	var entityID, entityName sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, tenant_id, entity_id, node_type, entity_name,
               trust_score, risk_level, created_at
        FROM trust_graph_nodes WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&n.ID, &n.TenantID, &entityID, &n.NodeType,
		&entityName, &n.TrustScore, &n.RiskLevel, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.EntityID = entityID.String
	n.EntityName = entityName.String
	return &n, nil
}

// UpdateNodeTrust sets a node's trust score and risk level.
func (s *Store) UpdateNodeTrust(ctx context.Context, tenantID, id string, trust float64, riskLevel string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE trust_graph_nodes SET trust_score = ?, risk_level = ?
        WHERE tenant_id = ? AND id = ?`,
		trust, riskLevel, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNodes returns every node of a tenant's graph.
func (s *Store) ListNodes(ctx context.Context, tenantID string) ([]NodeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, entity_id, node_type, entity_name,
               trust_score, risk_level, created_at
        FROM trust_graph_nodes WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []NodeRow
	for rows.Next() {
		var n NodeRow
		var entityID, entityName sql.NullString
		if err := rows.Scan(&n.ID, &n.TenantID, &entityID, &n.NodeType,
			&entityName, &n.TrustScore, &n.RiskLevel, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.EntityID = entityID.String
		n.EntityName = entityName.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertEdge writes a directed edge.
func (s *Store) InsertEdge(ctx context.Context, e *EdgeRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO trust_graph_edges (
            id, tenant_id, from_id, to_id, edge_type, weight,
            risk_contribution, confidence, evidence_hash, created_by_role, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.FromID, e.ToID, e.EdgeType, e.Weight,
		e.RiskContribution, e.Confidence, nullable(e.EvidenceHash),
		nullable(e.CreatedByRole), e.CreatedAt)
	return err
}

// GetEdge loads an edge scoped to a tenant.
func (s *Store) GetEdge(ctx context.Context, tenantID, id string) (*EdgeRow, error) {
	var e EdgeRow
	var evidence, role sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, tenant_id, from_id, to_id, edge_type, weight,
               risk_contribution, confidence, evidence_hash, created_by_role, created_at
        FROM trust_graph_edges WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&e.ID, &e.TenantID, &e.FromID, &e.ToID, &e.EdgeType,
		&e.Weight, &e.RiskContribution, &e.Confidence, &evidence, &role, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.EvidenceHash = evidence.String
	e.CreatedByRole = role.String
	return &e, nil
}

// UpdateEdgeWeight sets an edge's weight.
func (s *Store) UpdateEdgeWeight(ctx context.Context, tenantID, id string, weight float64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE trust_graph_edges SET weight = ? WHERE tenant_id = ? AND id = ?`,
		weight, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEdges returns every edge of a tenant's graph.
func (s *Store) ListEdges(ctx context.Context, tenantID string) ([]EdgeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, from_id, to_id, edge_type, weight,
               risk_contribution, confidence, evidence_hash, created_by_role, created_at
        FROM trust_graph_edges WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EdgeRow
	for rows.Next() {
		var e EdgeRow
		var evidence, role sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.FromID, &e.ToID, &e.EdgeType,
			&e.Weight, &e.RiskContribution, &e.Confidence, &evidence, &role, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EvidenceHash = evidence.String
		e.CreatedByRole = role.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEdgesSince counts a tenant's edges created after the cutoff.
func (s *Store) CountEdgesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM trust_graph_edges WHERE tenant_id = ? AND created_at > ?`,
		tenantID, s.ts(since)).Scan(&c)
	return c, err
}

// InsertSnapshot writes an immutable snapshot row.
func (s *Store) InsertSnapshot(ctx context.Context, snap *SnapshotRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO trust_graph_snapshots (
            id, tenant_id, snapshot_hash, reason, node_count, edge_count,
            integrity_score, integrity_grade, anomaly_count, snapshot_data, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TenantID, snap.SnapshotHash, snap.Reason, snap.NodeCount,
		snap.EdgeCount, snap.IntegrityScore, snap.IntegrityGrade,
		snap.AnomalyCount, snap.SnapshotData, snap.CreatedAt)
	return err
}

// GetSnapshot loads one snapshot scoped to a tenant.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, id string) (*SnapshotRow, error) {
	var snap SnapshotRow
	err := s.db.QueryRowContext(ctx, `
        SELECT id, tenant_id, snapshot_hash, reason, node_count, edge_count,
               integrity_score, integrity_grade, anomaly_count, snapshot_data, created_at
        FROM trust_graph_snapshots WHERE tenant_id = ? AND id = ?`,
		tenantID, id).Scan(&snap.ID, &snap.TenantID, &snap.SnapshotHash, &snap.Reason,
		&snap.NodeCount, &snap.EdgeCount, &snap.IntegrityScore, &snap.IntegrityGrade,
		&snap.AnomalyCount, &snap.SnapshotData, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns a tenant's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, tenantID string, limit int) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, snapshot_hash, reason, node_count, edge_count,
               integrity_score, integrity_grade, anomaly_count, snapshot_data, created_at
        FROM trust_graph_snapshots WHERE tenant_id = ?
        ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SnapshotRow
	for rows.Next() {
		var snap SnapshotRow
		if err := rows.Scan(&snap.ID, &snap.TenantID, &snap.SnapshotHash, &snap.Reason,
			&snap.NodeCount, &snap.EdgeCount, &snap.IntegrityScore, &snap.IntegrityGrade,
			&snap.AnomalyCount, &snap.SnapshotData, &snap.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
