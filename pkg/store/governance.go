package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SchemaChangeRow is one schema RFC in the propose/approve/deploy workflow.
type SchemaChangeRow struct {
	ID                 string `json:"id"`
	VersionID          string `json:"version_id"`
	ProposerID         string `json:"proposer_id"`
	ProposerRole       string `json:"proposer_role"`
	Title              string `json:"title"`
	ImpactAnalysis     string `json:"impact_analysis,omitempty"`
	BackwardCompatible bool   `json:"backward_compatible"`
	ModelImpact        string `json:"model_impact,omitempty"`
	Status             string `json:"status"`
	DeployedBy         string `json:"deployed_by,omitempty"`
	DeployedAt         string `json:"deployed_at,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// ApprovalRow is one approval vote on a schema RFC or weight proposal.
type ApprovalRow struct {
	ID           string `json:"id"`
	TargetID     string `json:"target_id"`
	ApproverID   string `json:"approver_id"`
	ApproverRole string `json:"approver_role"`
	ApprovedAt   string `json:"approved_at"`
}

// WeightChangeRow is one edge-weight recalibration proposal.
type WeightChangeRow struct {
	ID                    string   `json:"id"`
	ProposerID            string   `json:"proposer_id"`
	ProposerRole          string   `json:"proposer_role"`
	EdgeType              string   `json:"edge_type"`
	CurrentWeight         *float64 `json:"current_weight,omitempty"`
	NewWeight             float64  `json:"new_weight"`
	Justification         string   `json:"justification"`
	ModelImpactAssessment string   `json:"model_impact_assessment,omitempty"`
	Status                string   `json:"status"`
	CreatedAt             string   `json:"created_at"`
}

// GSVRow is one graph state version entry. Version numbers increase by
// exactly one per tenant with no gaps.
type GSVRow struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	VersionNumber int64  `json:"version_number"`
	ChangeType    string `json:"change_type"`
	ChangeDetail  string `json:"change_detail,omitempty"`
	ChangeHash    string `json:"change_hash"`
	ActorID       string `json:"actor_id,omitempty"`
	ActorRole     string `json:"actor_role,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// GraphOverrideRow is a 4-eyes trust graph override record.
type GraphOverrideRow struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	NodeID        string `json:"node_id"`
	OverrideType  string `json:"override_type"`
	OldValue      string `json:"old_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
	Justification string `json:"justification"`
	Approver1ID   string `json:"approver_1_id"`
	Approver1Role string `json:"approver_1_role"`
	Approver2ID   string `json:"approver_2_id"`
	Approver2Role string `json:"approver_2_role"`
	CreatedAt     string `json:"created_at"`
}

// AuditArtifactRow is one governance audit artifact.
type AuditArtifactRow struct {
	ID           string `json:"id"`
	ArtifactType string `json:"artifact_type"`
	Data         string `json:"data,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// InsertSchemaChange writes a schema RFC in proposed state.
func (s *Store) InsertSchemaChange(ctx context.Context, c *SchemaChangeRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tg_schema_changes (
            id, version_id, proposer_id, proposer_role, title, impact_analysis,
            backward_compatible, model_impact, status, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.VersionID, c.ProposerID, c.ProposerRole, c.Title,
		nullable(c.ImpactAnalysis), boolToInt(c.BackwardCompatible),
		nullable(c.ModelImpact), c.Status, c.CreatedAt)
	return err
}

// GetSchemaChange loads one schema RFC.
func (s *Store) GetSchemaChange(ctx context.Context, id string) (*SchemaChangeRow, error) {
	var c SchemaChangeRow
	var impact, modelImpact, deployedBy, deployedAt sql.NullString
	var compat int
	err := s.db.QueryRowContext(ctx, `
        SELECT id, version_id, proposer_id, proposer_role, title, impact_analysis,
               backward_compatible, model_impact, status, deployed_by, deployed_at, created_at
        FROM tg_schema_changes WHERE id = ?`, id).Scan(
		&c.ID, &c.VersionID, &c.ProposerID, &c.ProposerRole, &c.Title, &impact,
		&compat, &modelImpact, &c.Status, &deployedBy, &deployedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ImpactAnalysis = impact.String
	c.ModelImpact = modelImpact.String
	c.DeployedBy = deployedBy.String
	c.DeployedAt = deployedAt.String
	c.BackwardCompatible = compat == 1
	return &c, nil
}

// SetSchemaChangeStatus moves an RFC through the workflow.
func (s *Store) SetSchemaChangeStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tg_schema_changes SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSchemaChangeDeployed records who deployed an approved RFC and when.
func (s *Store) MarkSchemaChangeDeployed(ctx context.Context, id, deployerID, deployedAt string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tg_schema_changes SET status = 'deployed', deployed_by = ?, deployed_at = ?
        WHERE id = ? AND status = 'approved'`,
		deployerID, deployedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schema change %s not in approved state: %w", id, ErrNotFound)
	}
	return nil
}

// InsertSchemaApproval records an approval vote on an RFC.
func (s *Store) InsertSchemaApproval(ctx context.Context, a *ApprovalRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tg_schema_approvals (id, rfc_id, approver_id, approver_role, approved_at)
        VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TargetID, a.ApproverID, a.ApproverRole, a.ApprovedAt)
	return err
}

// ListSchemaApprovals returns the approvals accrued by an RFC.
func (s *Store) ListSchemaApprovals(ctx context.Context, rfcID string) ([]ApprovalRow, error) {
	return s.listApprovals(ctx,
		`SELECT id, rfc_id, approver_id, approver_role, approved_at
         FROM tg_schema_approvals WHERE rfc_id = ? ORDER BY approved_at`, rfcID)
}

// InsertWeightChange writes a weight recalibration proposal.
func (s *Store) InsertWeightChange(ctx context.Context, w *WeightChangeRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tg_weight_changes (
            id, proposer_id, proposer_role, edge_type, current_weight, new_weight,
            justification, model_impact_assessment, status, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProposerID, w.ProposerRole, w.EdgeType, nullableF(w.CurrentWeight),
		w.NewWeight, w.Justification, nullable(w.ModelImpactAssessment),
		w.Status, w.CreatedAt)
	return err
}

// GetWeightChange loads one weight proposal.
func (s *Store) GetWeightChange(ctx context.Context, id string) (*WeightChangeRow, error) {
	var w WeightChangeRow
	var current sql.NullFloat64
	var assessment sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, proposer_id, proposer_role, edge_type, current_weight, new_weight,
               justification, model_impact_assessment, status, created_at
        FROM tg_weight_changes WHERE id = ?`, id).Scan(
		&w.ID, &w.ProposerID, &w.ProposerRole, &w.EdgeType, &current, &w.NewWeight,
		&w.Justification, &assessment, &w.Status, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if current.Valid {
		w.CurrentWeight = &current.Float64
	}
	w.ModelImpactAssessment = assessment.String
	return &w, nil
}

// SetWeightChangeStatus moves a weight proposal through the workflow.
func (s *Store) SetWeightChangeStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tg_weight_changes SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertWeightApproval records an approval vote on a weight proposal.
func (s *Store) InsertWeightApproval(ctx context.Context, a *ApprovalRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tg_weight_approvals (id, proposal_id, approver_id, approver_role, approved_at)
        VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TargetID, a.ApproverID, a.ApproverRole, a.ApprovedAt)
	return err
}

// ListWeightApprovals returns the approvals accrued by a weight proposal.
func (s *Store) ListWeightApprovals(ctx context.Context, proposalID string) ([]ApprovalRow, error) {
	return s.listApprovals(ctx,
		`SELECT id, proposal_id, approver_id, approver_role, approved_at
         FROM tg_weight_approvals WHERE proposal_id = ? ORDER BY approved_at`, proposalID)
}

func (s *Store) listApprovals(ctx context.Context, query, targetID string) ([]ApprovalRow, error) {
	rows, err := s.db.QueryContext(ctx, query, targetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ApprovalRow
	for rows.Next() {
		var a ApprovalRow
		if err := rows.Scan(&a.ID, &a.TargetID, &a.ApproverID, &a.ApproverRole, &a.ApprovedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// NextGSV appends the next graph state version for a tenant. The mutex
// serializes readers of the current maximum so the sequence stays gapless
// under concurrent writers; the UNIQUE constraint backstops it.
func (s *Store) NextGSV(ctx context.Context, tenantID string,
	build func(version int64) (*GSVRow, error)) (*GSVRow, error) {

	s.gsvMu.Lock()
	defer s.gsvMu.Unlock()

	var row *GSVRow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(version_number) FROM tg_graph_state_versions WHERE tenant_id = ?`,
			tenantID).Scan(&max); err != nil {
			return err
		}
		var err error
		row, err = build(max.Int64 + 1)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
            INSERT INTO tg_graph_state_versions (
                id, tenant_id, version_number, change_type, change_detail,
                change_hash, actor_id, actor_role, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.TenantID, row.VersionNumber, row.ChangeType,
			nullable(row.ChangeDetail), row.ChangeHash, nullable(row.ActorID),
			nullable(row.ActorRole), row.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: graph state version %d", ErrDuplicateKey, row.VersionNumber)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// CurrentGSV returns a tenant's latest graph state version number. Zero
// when the tenant has no versions yet.
func (s *Store) CurrentGSV(ctx context.Context, tenantID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version_number) FROM tg_graph_state_versions WHERE tenant_id = ?`,
		tenantID).Scan(&max)
	return max.Int64, err
}

// ListGSV returns a tenant's version history in ascending order.
func (s *Store) ListGSV(ctx context.Context, tenantID string) ([]GSVRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, version_number, change_type, change_detail,
               change_hash, actor_id, actor_role, created_at
        FROM tg_graph_state_versions WHERE tenant_id = ?
        ORDER BY version_number`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GSVRow
	for rows.Next() {
		var g GSVRow
		var detail, actorID, actorRole sql.NullString
		if err := rows.Scan(&g.ID, &g.TenantID, &g.VersionNumber, &g.ChangeType,
			&detail, &g.ChangeHash, &actorID, &actorRole, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.ChangeDetail = detail.String
		g.ActorID = actorID.String
		g.ActorRole = actorRole.String
		out = append(out, g)
	}
	return out, rows.Err()
}

// InsertGraphOverride writes a graph override record.
func (s *Store) InsertGraphOverride(ctx context.Context, o *GraphOverrideRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tg_overrides (
            id, tenant_id, node_id, override_type, old_value, new_value,
            justification, approver_1_id, approver_1_role, approver_2_id,
            approver_2_role, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, o.NodeID, o.OverrideType, nullable(o.OldValue),
		nullable(o.NewValue), o.Justification, o.Approver1ID, o.Approver1Role,
		o.Approver2ID, o.Approver2Role, o.CreatedAt)
	return err
}

// CountGraphOverridesSince counts a tenant's graph overrides after the
// cutoff.
func (s *Store) CountGraphOverridesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tg_overrides WHERE tenant_id = ? AND created_at > ?`,
		tenantID, s.ts(since)).Scan(&c)
	return c, err
}

// CountSchemaChangesDeployedSince counts deployed schema RFCs after the
// cutoff.
func (s *Store) CountSchemaChangesDeployedSince(ctx context.Context, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tg_schema_changes WHERE status = 'deployed' AND deployed_at > ?`,
		s.ts(since)).Scan(&c)
	return c, err
}

// CountWeightChangesApprovedSince counts approved weight proposals after
// the cutoff.
func (s *Store) CountWeightChangesApprovedSince(ctx context.Context, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tg_weight_changes WHERE status = 'approved' AND created_at > ?`,
		s.ts(since)).Scan(&c)
	return c, err
}

// ArtifactStat summarizes one audit artifact type.
type ArtifactStat struct {
	Count        int    `json:"count"`
	LastRecorded string `json:"last_recorded,omitempty"`
}

// AuditArtifactStats returns count and last-recorded time per artifact
// type.
func (s *Store) AuditArtifactStats(ctx context.Context, types []string) (map[string]ArtifactStat, error) {
	out := make(map[string]ArtifactStat, len(types))
	for _, typ := range types {
		var stat ArtifactStat
		var last sql.NullString
		err := s.db.QueryRowContext(ctx, `
            SELECT COUNT(*), MAX(created_at) FROM tg_audit_log WHERE artifact_type = ?`,
			typ).Scan(&stat.Count, &last)
		if err != nil {
			return nil, err
		}
		stat.LastRecorded = last.String
		out[typ] = stat
	}
	return out, nil
}

// InsertAuditArtifact writes a governance audit artifact.
func (s *Store) InsertAuditArtifact(ctx context.Context, a *AuditArtifactRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tg_audit_log (id, artifact_type, data, created_at)
        VALUES (?, ?, ?, ?)`,
		a.ID, a.ArtifactType, nullable(a.Data), a.CreatedAt)
	return err
}

// ListAuditArtifacts returns artifacts of one type, newest first.
func (s *Store) ListAuditArtifacts(ctx context.Context, artifactType string, limit int) ([]AuditArtifactRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, artifact_type, data, created_at FROM tg_audit_log
        WHERE artifact_type = ? ORDER BY created_at DESC LIMIT ?`,
		artifactType, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditArtifactRow
	for rows.Next() {
		var a AuditArtifactRow
		var data sql.NullString
		if err := rows.Scan(&a.ID, &a.ArtifactType, &data, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Data = data.String
		out = append(out, a)
	}
	return out, rows.Err()
}
