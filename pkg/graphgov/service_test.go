package graphgov

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/trustgraph"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st, trustgraph.NewEngine(st), audit.Nop()), st
}

func TestSchemaChangeWorkflow(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	rfc := RFCDocument{
		Title:                 "Add cold_chain edge type",
		ImpactAnalysis:        "affects propagation over refrigerated routes",
		BackwardCompatibility: true,
	}
	proposed, err := s.ProposeSchemaChange(ctx, "u-ggc-1", RoleGGC, rfc)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, proposed.Status)
	assert.NotEmpty(t, proposed.VersionID)

	// first approval only partially approves
	res, err := s.ApproveSchemaChange(ctx, proposed.RFCID, "u-ggc-2", RoleGGC)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyApproved, res.Status)
	assert.Equal(t, []string{RoleCompliance}, res.Needs)

	// second approval from Compliance completes the dual approval
	res, err = s.ApproveSchemaChange(ctx, proposed.RFCID, "u-comp-1", RoleCompliance)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.True(t, res.ReadyForDeploy)

	// neither approver may deploy
	_, err = s.DeploySchemaChange(ctx, proposed.RFCID, "u-comp-1")
	assert.ErrorIs(t, err, ErrSoDViolation)

	deployed, err := s.DeploySchemaChange(ctx, proposed.RFCID, "u-sa-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, deployed.Status)
}

func TestProposeSchemaChange_Validation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.ProposeSchemaChange(ctx, "u-1", RoleOps, RFCDocument{Title: "x", ImpactAnalysis: "y"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = s.ProposeSchemaChange(ctx, "u-1", RoleGGC, RFCDocument{Title: "no impact analysis"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApproveSchemaChange_SoD(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	proposed, err := s.ProposeSchemaChange(ctx, "u-ggc-1", RoleGGC, RFCDocument{
		Title: "t", ImpactAnalysis: "i", BackwardCompatibility: true,
	})
	require.NoError(t, err)

	_, err = s.ApproveSchemaChange(ctx, proposed.RFCID, "u-ggc-1", RoleGGC)
	assert.ErrorIs(t, err, ErrSoDViolation, "proposer cannot self-approve")

	_, err = s.ApproveSchemaChange(ctx, proposed.RFCID, "u-ops-1", RoleOps)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestDeploySchemaChange_RequiresApproval(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	proposed, err := s.ProposeSchemaChange(ctx, "u-ggc-1", RoleGGC, RFCDocument{
		Title: "t", ImpactAnalysis: "i",
	})
	require.NoError(t, err)

	_, err = s.DeploySchemaChange(ctx, proposed.RFCID, "u-sa-1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWeightChangeWorkflow(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	spec := WeightChangeSpec{
		EdgeType:      "ships_to",
		NewWeight:     0.7,
		Justification: "recalibration after quarterly loss review",
	}
	proposed, err := s.ProposeWeightChange(ctx, "u-rc-1", RoleRiskCommittee, spec)
	require.NoError(t, err)

	// proposer cannot approve
	_, err = s.ApproveWeightChange(ctx, proposed.RFCID, "u-rc-1", RoleRiskCommittee)
	assert.ErrorIs(t, err, ErrSoDViolation)

	res, err := s.ApproveWeightChange(ctx, proposed.RFCID, "u-rc-2", RoleRiskCommittee)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyApproved, res.Status)

	res, err = s.ApproveWeightChange(ctx, proposed.RFCID, "u-comp-1", RoleCompliance)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
}

func TestProposeWeightChange_Authority(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.ProposeWeightChange(ctx, "u-1", RoleCompliance, WeightChangeSpec{
		EdgeType: "ships_to", NewWeight: 0.5, Justification: "j",
	})
	assert.ErrorIs(t, err, ErrAccessDenied, "Compliance may dual-approve but not propose")

	_, err = s.ProposeWeightChange(ctx, "u-rc-1", RoleRiskCommittee, WeightChangeSpec{
		EdgeType: "warp_drive", NewWeight: 0.5, Justification: "j",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGovernedAddNodeAndEdge(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	nodeRes, err := s.GovernedAddNode(ctx, "t-1", trustgraph.NodeInput{
		NodeType: "distributor", EntityName: "Acme", TrustScore: 70,
	}, "u-ops-1", RoleOps)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nodeRes.GSV.Version)

	nodeRes2, err := s.GovernedAddNode(ctx, "t-1", trustgraph.NodeInput{
		NodeType: "warehouse",
	}, "u-ops-1", RoleOps)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nodeRes2.GSV.Version, "every governed mutation bumps the GSV")

	edgeRes, err := s.GovernedAddEdge(ctx, "t-1", trustgraph.EdgeInput{
		FromID: nodeRes.Node.ID, ToID: nodeRes2.Node.ID, EdgeType: "ships_to",
		Weight: 0.8, RiskContribution: 0.3, Confidence: 0.9,
	}, "u-ops-1", RoleOps)
	require.NoError(t, err)
	assert.Equal(t, int64(3), edgeRes.GSV.Version)
	assert.Equal(t, RoleOps, edgeRes.Edge.CreatedByRole)

	_, err = s.GovernedAddNode(ctx, "t-1", trustgraph.NodeInput{NodeType: "company"}, "u-ceo", RoleCEO)
	assert.ErrorIs(t, err, ErrAccessDenied)

	cur, err := st.CurrentGSV(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)
}

func TestGovernedOverride(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	nodeRes, err := s.GovernedAddNode(ctx, "t-1", trustgraph.NodeInput{
		NodeType: "distributor", TrustScore: 20,
	}, "u-ops-1", RoleOps)
	require.NoError(t, err)

	dual := []Approver{
		{ID: "u-rc-1", Role: RoleRiskCommittee},
		{ID: "u-comp-1", Role: RoleCompliance},
	}

	// too few approvers
	_, err = s.GovernedOverride(ctx, "t-1", nodeRes.Node.ID, OverrideData{
		Justification: "verified supplier after on-site inspection",
	}, dual[:1])
	assert.ErrorIs(t, err, ErrValidation)

	// wrong role pair
	_, err = s.GovernedOverride(ctx, "t-1", nodeRes.Node.ID, OverrideData{
		Justification: "verified supplier after on-site inspection",
	}, []Approver{{ID: "a", Role: RoleRiskCommittee}, {ID: "b", Role: RoleRiskCommittee}})
	assert.ErrorIs(t, err, ErrAccessDenied)

	// short justification
	_, err = s.GovernedOverride(ctx, "t-1", nodeRes.Node.ID, OverrideData{
		Justification: "looks fine",
	}, dual)
	assert.ErrorIs(t, err, ErrValidation)

	res, err := s.GovernedOverride(ctx, "t-1", nodeRes.Node.ID, OverrideData{
		OldValue: "20", NewValue: "65",
		Justification: "verified supplier after on-site inspection",
	}, dual)
	require.NoError(t, err)
	assert.NotEmpty(t, res.OverrideID)
	assert.Equal(t, int64(2), res.GSV.Version)
}

func TestGovernedSnapshot_RoleGate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.GovernedSnapshot(ctx, "t-1", "quarterly_review", "u-ops-1", RoleOps)
	assert.ErrorIs(t, err, ErrAccessDenied)

	snap, err := s.GovernedSnapshot(ctx, "t-1", "quarterly_review", "u-rc-1", RoleRiskCommittee)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.SnapshotHash)

	// pipeline-tagged snapshots bypass the role gate
	_, err = s.GovernedSnapshot(ctx, "t-1", "case_confirmed:case-1", "system", "system")
	require.NoError(t, err)
}

func TestValidateTenantIsolation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	same, err := s.ValidateTenantIsolation(ctx, "t-1", "t-1", RoleOps)
	require.NoError(t, err)
	assert.True(t, same.Allowed)

	ggc, err := s.ValidateTenantIsolation(ctx, "t-1", "t-2", RoleGGC)
	require.NoError(t, err)
	assert.True(t, ggc.Allowed)
	assert.True(t, ggc.AuditLogged)

	sa, err := s.ValidateTenantIsolation(ctx, "t-1", "t-2", RoleSA)
	require.NoError(t, err)
	assert.True(t, sa.Allowed)
	assert.Equal(t, "audit_only", sa.Mode)

	denied, err := s.ValidateTenantIsolation(ctx, "t-1", "t-2", RoleAdminCompany)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.NotEmpty(t, denied.Reason)
}

func TestBoardDashboardAndArtifactRegistry(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	nodeRes, err := s.GovernedAddNode(ctx, "t-1", trustgraph.NodeInput{NodeType: "distributor"}, "u-ops-1", RoleOps)
	require.NoError(t, err)
	_, err = s.GovernedOverride(ctx, "t-1", nodeRes.Node.ID, OverrideData{
		Justification: "verified supplier after on-site inspection",
	}, []Approver{{ID: "a", Role: RoleRiskCommittee}, {ID: "b", Role: RoleCompliance}})
	require.NoError(t, err)

	board, err := s.BoardDashboard(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, board.OverrideFrequency)
	assert.Equal(t, int64(2), board.GraphStateVersion)
	assert.Equal(t, "A", board.Integrity.Grade)

	reg, err := s.AuditArtifactRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, reg.ArtifactTypes)
	assert.Equal(t, 1, reg.Registry["node_created"].Count)
	assert.Equal(t, 1, reg.Registry["graph_override"].Count)
	assert.Zero(t, reg.Registry["schema_change_proposed"].Count)
}
