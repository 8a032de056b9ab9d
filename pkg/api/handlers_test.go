package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/config"
	"github.com/veritrail/core/pkg/graphgov"
	"github.com/veritrail/core/pkg/lineage"
	"github.com/veritrail/core/pkg/model"
	"github.com/veritrail/core/pkg/pipeline"
	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/trustgraph"
)

type testIdentity struct {
	actorID  string
	tenantID string
	role     string
}

func newTestServer(t *testing.T, id *testIdentity) *Server {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))

	registry, err := model.NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)
	lineageSvc := lineage.NewService(st, audit.Nop())
	engine, err := pipeline.NewEngine(st, registry, audit.Nop())
	require.NoError(t, err)
	engine.WithLineage(lineageSvc)
	trust := trustgraph.NewEngine(st)

	return &Server{
		Pipeline: engine,
		Lineage:  lineageSvc,
		Graph:    graphgov.NewService(st, trust, audit.Nop()),
		Trust:    trust,
		Identity: func(context.Context) (string, string, string, bool) {
			if id == nil {
				return "", "", "", false
			}
			return id.actorID, id.tenantID, id.role, true
		},
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	mux := newTestServer(t, nil).Routes()
	rec := doJSON(t, mux, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessEventEndpoint(t *testing.T) {
	mux := newTestServer(t, &testIdentity{"u-1", "t-1", "OPS"}).Routes()

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/events", ProcessEventRequest{
		Event: pipeline.EventInput{
			EventType:      "shipment_scan",
			IdempotencyKey: "key-1",
			Payload:        map[string]interface{}{"batch": "b-1"},
		},
		Source:  pipeline.SourceMetadata{Source: "qr_scan"},
		Factors: map[string]float64{"velocity_anomaly": 0.5},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res pipeline.PipelineResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 10, res.ERS)
	assert.Equal(t, pipeline.ActionLog, res.Action)
	assert.NotEmpty(t, res.GDLI)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/events", ProcessEventRequest{
		Event: pipeline.EventInput{EventType: "shipment_scan", IdempotencyKey: "key-1"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, "duplicate is not a creation")

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/events", ProcessEventRequest{
		Event: pipeline.EventInput{EventType: ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestLineageEndpointsGovernedByRole(t *testing.T) {
	server := newTestServer(t, &testIdentity{"u-1", "t-1", lineage.RoleOps})
	mux := server.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/events", ProcessEventRequest{
		Event:   pipeline.EventInput{EventType: "shipment_scan"},
		Factors: map[string]float64{"velocity_anomaly": 1.0, "geo_risk": 1.0},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var res pipeline.PipelineResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.GDLI)

	// OPS holds no replay grant
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/lineage/"+res.GDLI+"/replay", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	committee := newTestServer(t, &testIdentity{"u-2", "t-1", lineage.RoleRiskCommittee})
	committeeMux := committee.Routes()
	rec = doJSON(t, committeeMux, http.MethodPost, "/api/v1/events", ProcessEventRequest{
		Event:   pipeline.EventInput{EventType: "shipment_scan"},
		Factors: map[string]float64{"velocity_anomaly": 1.0, "geo_risk": 1.0},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	rec = doJSON(t, committeeMux, http.MethodPost, "/api/v1/lineage/"+res.GDLI+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replay lineage.ReplayResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.True(t, replay.Deterministic)

	rec = doJSON(t, committeeMux, http.MethodGet, "/api/v1/lineage/"+res.GDLI, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, committeeMux, http.MethodPost, "/api/v1/lineage/missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGraphEndpoints(t *testing.T) {
	mux := newTestServer(t, &testIdentity{"u-1", "t-1", graphgov.RoleOps}).Routes()

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/graph/nodes", NodeRequest{
		EntityID: "d-1", NodeType: "distributor", EntityName: "Acme Nord",
		TrustScore: 0.8, RiskLevel: "low",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	readonly := newTestServer(t, &testIdentity{"u-2", "t-1", graphgov.RoleIVU}).Routes()
	rec = doJSON(t, readonly, http.MethodPost, "/api/v1/graph/nodes", NodeRequest{
		EntityID: "d-2", NodeType: "distributor", EntityName: "Acme Sud",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGraphAnalysisEndpoint(t *testing.T) {
	mux := newTestServer(t, &testIdentity{"u-1", "t-1", graphgov.RoleOps}).Routes()

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/graph/nodes", NodeRequest{
		EntityID: "d-1", NodeType: "distributor", EntityName: "Acme Nord",
		TrustScore: 0.8, RiskLevel: "low",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/graph/analysis", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res trustgraph.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.NodeCount)
}

func TestEndpointsRequireIdentity(t *testing.T) {
	mux := newTestServer(t, nil).Routes()

	for _, path := range []string{
		"/api/v1/exposure",
		"/api/v1/graph/dashboard",
		"/api/v1/lineage/some-gdli",
	} {
		rec := doJSON(t, mux, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestOverrideEndpointValidation(t *testing.T) {
	server := newTestServer(t, &testIdentity{"u-1", "t-1", "OPS"})
	mux := server.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/decisions/dec-1/override", OverrideRequest{
		Data:      pipeline.OverrideData{Justification: "short", NewAction: "OPS_REVIEW"},
		Approvers: []pipeline.Approver{{ID: "a", Role: "risk_officer"}, {ID: "b", Role: "compliance"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnchorEndpointWhitelist(t *testing.T) {
	mux := newTestServer(t, &testIdentity{"u-1", "t-1", "OPS"}).Routes()

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/anchors", AnchorRequest{
		Evidence:      pipeline.EvidenceResult{CaseID: "c-1", ChainID: "ch-1", EvidenceHash: "eh"},
		TriggerReason: "routine_audit",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/anchors", AnchorRequest{
		Evidence:      pipeline.EvidenceResult{CaseID: "c-1", ChainID: "ch-1", EvidenceHash: "eh"},
		TriggerReason: "regulatory_reporting",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestExposureEndpoint(t *testing.T) {
	mux := newTestServer(t, &testIdentity{"u-1", "t-1", "OPS"}).Routes()

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/exposure", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report pipeline.ExposureReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "t-1", report.TenantID)
	assert.Equal(t, 0, report.TotalEvents)
}
