package graphgov

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/trustgraph"
)

// Workflow statuses.
const (
	StatusProposed          = "proposed"
	StatusPartiallyApproved = "partially_approved"
	StatusApproved          = "approved"
	StatusDeployed          = "deployed"
)

// Service enforces governance over the raw trust graph engine.
type Service struct {
	store  *store.Store
	engine *trustgraph.Engine
	audit  audit.Logger
}

// NewService wires the governance layer.
func NewService(st *store.Store, engine *trustgraph.Engine, auditLog audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Service{store: st, engine: engine, audit: auditLog}
}

// logArtifact writes the durable audit artifact row and emits the ambient
// audit record. The ambient write is best-effort.
func (s *Service) logArtifact(ctx context.Context, artifactType string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := s.store.InsertAuditArtifact(ctx, &store.AuditArtifactRow{
		ID:           uuid.New().String(),
		ArtifactType: artifactType,
		Data:         string(raw),
		CreatedAt:    s.store.NowString(),
	}); err != nil {
		return err
	}
	_ = s.audit.Record(ctx, audit.EventGovernance, artifactType, "trust_graph", data)
	return nil
}

// RFCDocument is a schema change request.
type RFCDocument struct {
	Title                 string `json:"title"`
	ImpactAnalysis        string `json:"impact_analysis"`
	BackwardCompatibility bool   `json:"backward_compatibility"`
	ModelImpact           string `json:"model_impact,omitempty"`
}

// ProposalResult reports a freshly filed proposal.
type ProposalResult struct {
	RFCID     string `json:"rfc_id"`
	VersionID string `json:"version_id"`
	Status    string `json:"status"`
}

// ProposeSchemaChange files a schema RFC. Only GGC and SA may propose.
func (s *Service) ProposeSchemaChange(ctx context.Context, proposerID, proposerRole string, rfc RFCDocument) (*ProposalResult, error) {
	if proposerRole != RoleGGC && proposerRole != RoleSA {
		return nil, fmt.Errorf("%w: only GGC or SA can propose schema changes", ErrAccessDenied)
	}
	if rfc.Title == "" || rfc.ImpactAnalysis == "" {
		return nil, fmt.Errorf("%w: RFC requires title and impact_analysis", ErrValidation)
	}

	now := s.store.Now()
	row := &store.SchemaChangeRow{
		ID:                 uuid.New().String(),
		VersionID:          "GSV-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)),
		ProposerID:         proposerID,
		ProposerRole:       proposerRole,
		Title:              rfc.Title,
		ImpactAnalysis:     rfc.ImpactAnalysis,
		BackwardCompatible: rfc.BackwardCompatibility,
		ModelImpact:        rfc.ModelImpact,
		Status:             StatusProposed,
		CreatedAt:          s.store.NowString(),
	}
	if err := s.store.InsertSchemaChange(ctx, row); err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "schema_change_proposed", map[string]interface{}{
		"rfc_id": row.ID, "title": rfc.Title, "proposer": proposerRole,
	}); err != nil {
		return nil, err
	}
	return &ProposalResult{RFCID: row.ID, VersionID: row.VersionID, Status: StatusProposed}, nil
}

// ApprovalResult reports the state of a dual-approval workflow after one
// vote.
type ApprovalResult struct {
	ID             string   `json:"id"`
	Status         string   `json:"status"`
	ApprovedBy     []string `json:"approved_by,omitempty"`
	Needs          []string `json:"needs,omitempty"`
	ReadyForDeploy bool     `json:"ready_for_deploy,omitempty"`
}

// ApproveSchemaChange records one approval vote. The RFC becomes approved
// once both GGC and Compliance have voted; the proposer may never
// self-approve.
func (s *Service) ApproveSchemaChange(ctx context.Context, rfcID, approverID, approverRole string) (*ApprovalResult, error) {
	if approverRole != RoleGGC && approverRole != RoleCompliance {
		return nil, fmt.Errorf("%w: schema change requires GGC or Compliance approval", ErrAccessDenied)
	}
	rfc, err := s.store.GetSchemaChange(ctx, rfcID)
	if err != nil {
		return nil, err
	}
	if rfc.Status == StatusDeployed {
		return nil, fmt.Errorf("%w: RFC already deployed", ErrValidation)
	}
	if rfc.ProposerID == approverID {
		return nil, fmt.Errorf("%w: proposer cannot approve own schema change", ErrSoDViolation)
	}

	if err := s.store.InsertSchemaApproval(ctx, &store.ApprovalRow{
		ID:           uuid.New().String(),
		TargetID:     rfcID,
		ApproverID:   approverID,
		ApproverRole: approverRole,
		ApprovedAt:   s.store.NowString(),
	}); err != nil {
		return nil, err
	}

	approvals, err := s.store.ListSchemaApprovals(ctx, rfcID)
	if err != nil {
		return nil, err
	}
	roles := approvedRoles(approvals)

	if roles[RoleGGC] && roles[RoleCompliance] {
		if err := s.store.SetSchemaChangeStatus(ctx, rfcID, StatusApproved); err != nil {
			return nil, err
		}
		if err := s.logArtifact(ctx, "schema_change_approved", map[string]interface{}{
			"rfc_id": rfcID, "approved_by": roleList(roles),
		}); err != nil {
			return nil, err
		}
		return &ApprovalResult{ID: rfcID, Status: StatusApproved, ApprovedBy: roleList(roles), ReadyForDeploy: true}, nil
	}

	return &ApprovalResult{
		ID:         rfcID,
		Status:     StatusPartiallyApproved,
		ApprovedBy: roleList(roles),
		Needs:      missingRoles(roles, RoleGGC, RoleCompliance),
	}, nil
}

// DeployResult reports a deployed schema change.
type DeployResult struct {
	RFCID     string `json:"rfc_id"`
	VersionID string `json:"version_id"`
	Status    string `json:"status"`
}

// DeploySchemaChange moves an approved RFC to deployed. No approver of
// the RFC may be the deployer.
func (s *Service) DeploySchemaChange(ctx context.Context, rfcID, deployerID string) (*DeployResult, error) {
	rfc, err := s.store.GetSchemaChange(ctx, rfcID)
	if err != nil {
		return nil, err
	}
	if rfc.Status != StatusApproved {
		return nil, fmt.Errorf("%w: RFC not yet fully approved", ErrValidation)
	}
	approvals, err := s.store.ListSchemaApprovals(ctx, rfcID)
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		if a.ApproverID == deployerID {
			return nil, fmt.Errorf("%w: approver cannot deploy schema change", ErrSoDViolation)
		}
	}

	if err := s.store.MarkSchemaChangeDeployed(ctx, rfcID, deployerID, s.store.NowString()); err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "schema_change_deployed", map[string]interface{}{
		"rfc_id": rfcID, "version_id": rfc.VersionID, "deployed_by": deployerID,
	}); err != nil {
		return nil, err
	}
	return &DeployResult{RFCID: rfcID, VersionID: rfc.VersionID, Status: StatusDeployed}, nil
}

// WeightChangeSpec is a weight recalibration request.
type WeightChangeSpec struct {
	EdgeType      string   `json:"edge_type"`
	CurrentWeight *float64 `json:"current_weight,omitempty"`
	NewWeight     float64  `json:"new_weight"`
	Justification string   `json:"justification"`
	ModelImpact   string   `json:"model_impact,omitempty"`
}

// ProposeWeightChange files a weight recalibration proposal. Authority is
// gated on propose_weight_recalibration, held only by the Risk Committee.
func (s *Service) ProposeWeightChange(ctx context.Context, proposerID, proposerRole string, spec WeightChangeSpec) (*ProposalResult, error) {
	if err := CheckAuthority(proposerRole, "propose_weight_recalibration"); err != nil {
		return nil, err
	}
	if spec.EdgeType == "" || spec.Justification == "" {
		return nil, fmt.Errorf("%w: requires edge_type, new_weight, justification", ErrValidation)
	}
	if !trustgraph.EdgeTypes[spec.EdgeType] {
		return nil, fmt.Errorf("%w: unknown edge type %q", ErrValidation, spec.EdgeType)
	}

	row := &store.WeightChangeRow{
		ID:                    uuid.New().String(),
		ProposerID:            proposerID,
		ProposerRole:          proposerRole,
		EdgeType:              spec.EdgeType,
		CurrentWeight:         spec.CurrentWeight,
		NewWeight:             spec.NewWeight,
		Justification:         spec.Justification,
		ModelImpactAssessment: spec.ModelImpact,
		Status:                StatusProposed,
		CreatedAt:             s.store.NowString(),
	}
	if err := s.store.InsertWeightChange(ctx, row); err != nil {
		return nil, err
	}
	if err := s.logArtifact(ctx, "weight_change_proposed", map[string]interface{}{
		"proposal_id": row.ID, "edge_type": spec.EdgeType,
	}); err != nil {
		return nil, err
	}
	return &ProposalResult{RFCID: row.ID, Status: StatusProposed}, nil
}

// ApproveWeightChange records one approval vote. The proposal becomes
// approved once both Risk Committee and Compliance have voted.
func (s *Service) ApproveWeightChange(ctx context.Context, proposalID, approverID, approverRole string) (*ApprovalResult, error) {
	if approverRole != RoleRiskCommittee && approverRole != RoleCompliance {
		return nil, fmt.Errorf("%w: weight change requires Risk Committee or Compliance approval", ErrAccessDenied)
	}
	proposal, err := s.store.GetWeightChange(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.ProposerID == approverID {
		return nil, fmt.Errorf("%w: proposer cannot approve own weight change", ErrSoDViolation)
	}

	if err := s.store.InsertWeightApproval(ctx, &store.ApprovalRow{
		ID:           uuid.New().String(),
		TargetID:     proposalID,
		ApproverID:   approverID,
		ApproverRole: approverRole,
		ApprovedAt:   s.store.NowString(),
	}); err != nil {
		return nil, err
	}

	approvals, err := s.store.ListWeightApprovals(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	roles := approvedRoles(approvals)

	if roles[RoleRiskCommittee] && roles[RoleCompliance] {
		if err := s.store.SetWeightChangeStatus(ctx, proposalID, StatusApproved); err != nil {
			return nil, err
		}
		if err := s.logArtifact(ctx, "weight_change_approved", map[string]interface{}{
			"proposal_id": proposalID, "approved_by": roleList(roles),
		}); err != nil {
			return nil, err
		}
		return &ApprovalResult{ID: proposalID, Status: StatusApproved, ApprovedBy: roleList(roles), ReadyForDeploy: true}, nil
	}

	return &ApprovalResult{
		ID:         proposalID,
		Status:     StatusPartiallyApproved,
		ApprovedBy: roleList(roles),
		Needs:      missingRoles(roles, RoleRiskCommittee, RoleCompliance),
	}, nil
}

// GSV is the version stamp attached to every governed mutation.
type GSV struct {
	ID         string `json:"gsv_id"`
	Version    int64  `json:"version"`
	ChangeHash string `json:"change_hash"`
}

// createGSV appends the next graph state version for a tenant, hashing
// the change content.
func (s *Service) createGSV(ctx context.Context, tenantID, changeType string, changeDetail map[string]interface{}, actorID, actorRole string) (*GSV, error) {
	detail, err := json.Marshal(changeDetail)
	if err != nil {
		return nil, err
	}
	now := s.store.Now()

	row, err := s.store.NextGSV(ctx, tenantID, func(version int64) (*store.GSVRow, error) {
		hash, err := canonical.Hash(map[string]interface{}{
			"tenant_id":      tenantID,
			"change_type":    changeType,
			"change_detail":  changeDetail,
			"version_number": version,
			"timestamp":      store.FormatTime(now),
		})
		if err != nil {
			return nil, err
		}
		return &store.GSVRow{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			VersionNumber: version,
			ChangeType:    changeType,
			ChangeDetail:  string(detail),
			ChangeHash:    hash,
			ActorID:       actorID,
			ActorRole:     actorRole,
			CreatedAt:     store.FormatTime(now),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &GSV{ID: row.ID, Version: row.VersionNumber, ChangeHash: row.ChangeHash}, nil
}

func approvedRoles(approvals []store.ApprovalRow) map[string]bool {
	out := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		out[a.ApproverRole] = true
	}
	return out
}

func roleList(roles map[string]bool) []string {
	out := make([]string, 0, len(roles))
	for _, r := range []string{RoleGGC, RoleSA, RoleRiskCommittee, RoleCompliance} {
		if roles[r] {
			out = append(out, r)
		}
	}
	return out
}

func missingRoles(have map[string]bool, want ...string) []string {
	var out []string
	for _, r := range want {
		if !have[r] {
			out = append(out, r)
		}
	}
	return out
}

// windowStart is a small helper for rolling dashboard windows.
func (s *Service) windowStart(days int) time.Time {
	return s.store.Now().AddDate(0, 0, -days)
}
