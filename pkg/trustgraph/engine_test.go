package trustgraph

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veritrail/core/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))
	return NewEngine(st), st
}

func TestAddNodeValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	n, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "distributor", EntityName: "Acme", TrustScore: 70})
	require.NoError(t, err)
	assert.Equal(t, "medium", n.RiskLevel)

	_, err = e.AddNode(ctx, "t-1", NodeInput{NodeType: "spaceship"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid node type")
}

func TestAddEdgeValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "warehouse"})
	require.NoError(t, err)
	b, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "distributor"})
	require.NoError(t, err)

	got, err := e.AddEdge(ctx, "t-1", EdgeInput{
		FromID: a.ID, ToID: b.ID, EdgeType: "ships_to",
		Weight: 1.5, RiskContribution: -0.2, Confidence: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Weight, "weight clamped to [0,1]")
	assert.Equal(t, 0.0, got.RiskContribution)

	_, err = e.AddEdge(ctx, "t-1", EdgeInput{FromID: a.ID, ToID: b.ID, EdgeType: "teleports_to"})
	require.Error(t, err)

	_, err = e.AddEdge(ctx, "t-1", EdgeInput{FromID: a.ID, ToID: "missing", EdgeType: "ships_to"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddEdgeTenantIsolation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "warehouse"})
	require.NoError(t, err)
	other, err := e.AddNode(ctx, "t-2", NodeInput{NodeType: "distributor"})
	require.NoError(t, err)

	_, err = e.AddEdge(ctx, "t-1", EdgeInput{FromID: a.ID, ToID: other.ID, EdgeType: "ships_to"})
	assert.ErrorIs(t, err, store.ErrNotFound, "edges may not cross tenants")
}

func TestCreateSnapshot(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	a, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "company", TrustScore: 90})
	require.NoError(t, err)
	b, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "batch", TrustScore: 80})
	require.NoError(t, err)
	_, err = e.AddEdge(ctx, "t-1", EdgeInput{
		FromID: a.ID, ToID: b.ID, EdgeType: "supplied_by",
		Weight: 0.9, RiskContribution: 0.2, Confidence: 0.9, EvidenceHash: "h",
	})
	require.NoError(t, err)

	res, err := e.CreateSnapshot(ctx, "t-1", "manual_governance")
	require.NoError(t, err)
	assert.Len(t, res.SnapshotHash, 64)
	assert.Equal(t, 2, res.NodeCount)
	assert.Equal(t, 1, res.EdgeCount)
	assert.Equal(t, 100, res.Integrity.Score)

	row, err := st.GetSnapshot(ctx, "t-1", res.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, res.SnapshotHash, row.SnapshotHash)
	assert.Equal(t, "A", row.IntegrityGrade)
}

func TestCreateSnapshot_RejectsUnknownReason(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateSnapshot(context.Background(), "t-1", "because")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid snapshot reason")
}

func TestValidSnapshotReason(t *testing.T) {
	assert.True(t, ValidSnapshotReason("carbon_mint"))
	assert.True(t, ValidSnapshotReason("case_confirmed:case-1"))
	assert.False(t, ValidSnapshotReason("case_confirmed:"))
	assert.False(t, ValidSnapshotReason("whatever"))
}

func TestFullAnalysis(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "company"})
	require.NoError(t, err)
	b, err := e.AddNode(ctx, "t-1", NodeInput{NodeType: "warehouse"})
	require.NoError(t, err)
	_, err = e.AddEdge(ctx, "t-1", EdgeInput{FromID: a.ID, ToID: b.ID, EdgeType: "ships_to", Weight: 1, RiskContribution: 0.3, Confidence: 0.8})
	require.NoError(t, err)

	analysis, err := e.FullAnalysis(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, analysis.NodeCount)
	assert.Equal(t, 1, analysis.EdgeCount)
	assert.Len(t, analysis.Centrality, 2)
	assert.Empty(t, analysis.Anomalies)
}

func TestSimulateRiskPropagation(t *testing.T) {
	hot := func(id, from, to string) store.EdgeRow {
		e := edge(id, from, to)
		e.Weight = 0.9
		e.RiskContribution = 0.5
		return e
	}
	g := buildGraph(
		[]store.NodeRow{node("A"), node("B"), node("C"), node("D")},
		[]store.EdgeRow{hot("e1", "A", "B"), hot("e2", "B", "C"), hot("e3", "C", "D")},
	)

	exposures, err := g.SimulateRiskPropagation("A", 1.0, 5)
	require.NoError(t, err)
	require.Len(t, exposures, 3)

	byID := map[string]Exposure{}
	for _, e := range exposures {
		byID[e.NodeID] = e
	}
	assert.InDelta(t, 0.45, byID["B"].Risk, 1e-9)
	assert.InDelta(t, 0.2025, byID["C"].Risk, 1e-9)
	assert.Equal(t, 3, byID["D"].Hops)
	assert.Equal(t, []string{"A", "B", "C", "D"}, byID["D"].Path)
}

func TestSimulateRiskPropagation_CutoffAndHops(t *testing.T) {
	weak := edge("e1", "A", "B")
	weak.Weight = 0.05
	weak.RiskContribution = 0.1
	g := buildGraph([]store.NodeRow{node("A"), node("B")}, []store.EdgeRow{weak})

	exposures, err := g.SimulateRiskPropagation("A", 1.0, 5)
	require.NoError(t, err)
	assert.Empty(t, exposures, "risk below cutoff never lands")

	_, err = g.SimulateRiskPropagation("missing", 1.0, 5)
	assert.Error(t, err)
}

func TestComputeCarbonLinkage(t *testing.T) {
	project := node("cp-1")
	project.NodeType = "carbon_project"
	project.TrustScore = 90
	trusted := node("n-1")
	trusted.TrustScore = 80
	shaky := node("n-2")
	shaky.TrustScore = 20
	isolated := node("n-3")
	isolated.TrustScore = 5

	g := buildGraph(
		[]store.NodeRow{project, trusted, shaky, isolated},
		[]store.EdgeRow{edge("e1", "n-1", "cp-1"), edge("e2", "n-2", "n-1")},
	)

	linkage, err := g.ComputeCarbonLinkage("cp-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cp-1", "n-1", "n-2"}, linkage.ConnectedNodes)
	// deficits: 0.1, 0.2, 0.8 → avg ≈ 0.3667 → integrity ≈ 63.3
	assert.InDelta(t, 63.333, linkage.Integrity, 0.01)
	assert.True(t, linkage.MintAllowed)

	_, err = g.ComputeCarbonLinkage("n-1")
	require.Error(t, err, "not a carbon project node")
}

func TestComputeCarbonLinkage_BlocksLowIntegrity(t *testing.T) {
	project := node("cp-1")
	project.NodeType = "carbon_project"
	project.TrustScore = 30
	shady := node("n-1")
	shady.TrustScore = 10

	g := buildGraph(
		[]store.NodeRow{project, shady},
		[]store.EdgeRow{edge("e1", "n-1", "cp-1")},
	)
	linkage, err := g.ComputeCarbonLinkage("cp-1")
	require.NoError(t, err)
	assert.False(t, linkage.MintAllowed)
	assert.Less(t, linkage.Integrity, 60.0)
}
