package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/config"
	"github.com/veritrail/core/pkg/lineage"
	"github.com/veritrail/core/pkg/model"
	"github.com/veritrail/core/pkg/observability"
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

	registry, err := model.NewRegistry(config.DefaultRiskProfile())
	require.NoError(t, err)
	engine, err := NewEngine(st, registry, audit.Nop())
	require.NoError(t, err)
	return engine, st
}

func TestIngestRejectsMissingEventType(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Ingest(context.Background(), EventInput{}, SourceMetadata{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIngestIdempotency(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Ingest(ctx, EventInput{
		EventType:      "shipment_scan",
		TenantID:       "t-1",
		IdempotencyKey: "key-1",
		Payload:        map[string]interface{}{"batch": "b-1"},
	}, SourceMetadata{Source: "qr_scan"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Len(t, first.EventHash, 64)
	assert.Equal(t, "verified", first.IntegrityStatus)

	second, err := e.Ingest(ctx, EventInput{
		EventType:      "shipment_scan",
		TenantID:       "t-1",
		IdempotencyKey: "key-1",
	}, SourceMetadata{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.ExistingEventID)
}

func TestIngestDefaultsSourceToAPI(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, EventInput{EventType: "shipment_scan"}, SourceMetadata{})
	require.NoError(t, err)
	row, err := st.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "api", row.Source)
}

func TestValidateRouteGeoFence(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	lat, lng := 40.0, 40.0

	res, err := e.ValidateRoute(ctx, "evt-1", RouteData{
		GeoLat: &lat, GeoLng: &lng,
		ExpectedZone: &Zone{MinLat: 50, MaxLat: 55, MinLng: 10, MaxLng: 15},
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ViolationGeoFence, res.Violations[0].Type)
	assert.Equal(t, "high", res.Violations[0].Severity)
}

func TestValidateRouteReverseFlow(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.ValidateRoute(context.Background(), "evt-1", RouteData{
		FromNode:          "retailer-1",
		ToNode:            "distributor-1",
		ExpectedDirection: &Direction{From: "distributor-1", To: "retailer-1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ViolationReverse, res.Violations[0].Type)
	assert.Equal(t, "critical", res.Violations[0].Severity)
}

func TestValidateRouteDeviationSeverity(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		actual, expected float64
		violations       int
		severity         string
	}{
		{12, 10, 0, ""},
		{14, 10, 1, "medium"},
		{16, 10, 1, "high"},
	}
	for _, tc := range cases {
		res, err := e.ValidateRoute(ctx, "evt-1", RouteData{
			ActualDuration: tc.actual, ExpectedDuration: tc.expected,
		})
		require.NoError(t, err)
		require.Len(t, res.Violations, tc.violations, "actual=%v", tc.actual)
		if tc.violations > 0 {
			assert.Equal(t, ViolationDeviation, res.Violations[0].Type)
			assert.Equal(t, tc.severity, res.Violations[0].Severity)
		}
	}
}

func TestScoreRiskWeightedSum(t *testing.T) {
	e, _ := newTestEngine(t)

	// 0.2*0.5 + 0.15*0.4 + 0.2*0.5 = 0.26
	score, err := e.ScoreRisk(context.Background(), "evt-1", "t-1", map[string]float64{
		"velocity_anomaly":  0.5,
		"geo_risk":          0.4,
		"distributor_trust": 0.5,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 26, score.ERS)
	assert.Equal(t, "ERS-v1.0.0", score.ModelVersion)
	assert.NotEmpty(t, score.WeightHash)
	assert.Equal(t, 26, score.Contributions["geo_risk"].Contribution+
		score.Contributions["velocity_anomaly"].Contribution+
		score.Contributions["distributor_trust"].Contribution)
}

func TestScoreRiskCapsAt100(t *testing.T) {
	e, _ := newTestEngine(t)

	factors := map[string]float64{}
	for name := range config.DefaultRiskProfile().Weights {
		factors[name] = 1.0
	}
	factors["velocity_anomaly"] = 5.0

	score, err := e.ScoreRisk(context.Background(), "evt-1", "t-1", factors, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, score.ERS)
}

func TestScoreRiskDecay(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	fresh, err := e.ScoreRisk(ctx, "evt-1", "t-1", map[string]float64{"velocity_anomaly": 1.0}, 0)
	require.NoError(t, err)
	aged, err := e.ScoreRisk(ctx, "evt-2", "t-2", map[string]float64{"velocity_anomaly": 1.0}, 10)
	require.NoError(t, err)
	assert.Equal(t, 20, fresh.ERS)
	assert.Less(t, aged.ERS, fresh.ERS)
	assert.InDelta(t, 0.5987, aged.Contributions["velocity_anomaly"].DecayMultiplier, 1e-4)
}

func TestScoreRiskDriftFallbackBaseline(t *testing.T) {
	e, _ := newTestEngine(t)

	// no history: drift measured against the neutral baseline of 50
	score, err := e.ScoreRisk(context.Background(), "evt-1", "t-new", map[string]float64{
		"velocity_anomaly": 0.5,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, score.ERS)
	assert.InDelta(t, 0.8, score.DriftIndex, 1e-9)
}

func TestScoreRiskDriftAgainstTenantHistory(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	for i, ers := range []int{20, 30, 40} {
		require.NoError(t, st.InsertRiskScore(ctx, &store.RiskScoreRow{
			ID: fmt.Sprintf("rs-%d", i), EventID: fmt.Sprintf("evt-%d", i),
			TenantID: "t-1", ERS: ers, ModelVersion: "ERS-v1.0.0",
			WeightHash: "wh", CreatedAt: st.NowString(),
		}))
	}

	score, err := e.ScoreRisk(ctx, "evt-x", "t-1", map[string]float64{
		"velocity_anomaly": 3.0,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 60, score.ERS)
	// |60 - 30| / 30
	assert.InDelta(t, 1.0, score.DriftIndex, 1e-9)
}

func TestDecideBands(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		ers        int
		action     string
		sla        string
		escalation int
	}{
		{0, ActionLog, "", 0},
		{30, ActionLog, "", 0},
		{31, ActionOpsReview, "24h", 1},
		{60, ActionOpsReview, "24h", 1},
		{61, ActionRiskEscalation, "4h", 2},
		{80, ActionRiskEscalation, "4h", 2},
		{81, ActionLockCEONotify, "1h", 3},
		{100, ActionLockCEONotify, "1h", 3},
	}
	for i, tc := range cases {
		d, err := e.Decide(ctx, &ScoreResult{
			ScoreID: fmt.Sprintf("rs-%d", i),
			EventID: fmt.Sprintf("evt-%d", i),
			ERS:     tc.ers,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.action, d.Action, "ers=%d", tc.ers)
		assert.Equal(t, tc.sla, d.SLA, "ers=%d", tc.ers)
		assert.Equal(t, tc.escalation, d.EscalationLevel, "ers=%d", tc.ers)
		if tc.sla == "" {
			assert.Empty(t, d.SLADeadline)
		} else {
			assert.NotEmpty(t, d.SLADeadline)
		}
	}
}

func TestParseSLA(t *testing.T) {
	assert.Equal(t, 24*time.Hour, parseSLA("24h"))
	assert.Equal(t, time.Hour, parseSLA("1h"))
	assert.Equal(t, 30*time.Minute, parseSLA("30m"))
	assert.Equal(t, 72*time.Hour, parseSLA("3d"))
	assert.Equal(t, 24*time.Hour, parseSLA("soon"))
	assert.Equal(t, 24*time.Hour, parseSLA(""))
}

func TestOverrideDecisionFourEyes(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.InsertDecision(ctx, &store.DecisionRow{
		ID: "dec-1", ScoreID: "rs-1", EventID: "evt-1", TenantID: "t-1",
		ERS: 85, Action: ActionLockCEONotify, DecidedAt: st.NowString(),
	}))

	valid := OverrideData{
		Justification: "verified false positive after carrier confirmation",
		NewAction:     ActionOpsReview,
	}
	two := []Approver{{ID: "u-1", Role: "risk_officer"}, {ID: "u-2", Role: "compliance"}}

	_, err := e.OverrideDecision(ctx, "dec-1", valid, two[:1])
	assert.ErrorIs(t, err, ErrValidation)

	sameRole := []Approver{{ID: "u-1", Role: "risk_officer"}, {ID: "u-2", Role: "risk_officer"}}
	_, err = e.OverrideDecision(ctx, "dec-1", valid, sameRole)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.OverrideDecision(ctx, "dec-1", OverrideData{
		Justification: "too short", NewAction: ActionOpsReview,
	}, two)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.OverrideDecision(ctx, "dec-1", OverrideData{
		Justification: "verified false positive after carrier confirmation",
	}, two)
	assert.ErrorIs(t, err, ErrValidation)

	res, err := e.OverrideDecision(ctx, "dec-1", valid, two)
	require.NoError(t, err)
	assert.Len(t, res.ApprovedBy, 2)

	d, err := st.GetDecision(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, ActionOpsReview, d.Action)
	assert.True(t, d.OverrideApplied)
}

func TestAssignCaseBelowThreshold(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.AssignCase(context.Background(), &DecisionResult{
		DecisionID: "dec-1", EventID: "evt-1", ERS: 20, Action: ActionLog,
	})
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Equal(t, "Below threshold", res.Reason)
	assert.Empty(t, res.CaseID)
}

func TestAssignCaseLines(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	ops, err := e.AssignCase(ctx, &DecisionResult{
		DecisionID: "dec-1", EventID: "evt-1", ERS: 45,
		Action: ActionOpsReview, SLA: "24h",
	})
	require.NoError(t, err)
	assert.True(t, ops.Assigned)
	assert.Equal(t, 1, ops.AssignedLine)
	assert.Equal(t, "operator", ops.AssignedRole)
	assert.Contains(t, ops.Permissions, "verify_shipment")
	assert.Contains(t, ops.Restrictions, "CANNOT modify ERS weight")
	assert.False(t, ops.Line3Triggered)

	lock, err := e.AssignCase(ctx, &DecisionResult{
		DecisionID: "dec-2", EventID: "evt-2", ERS: 95,
		Action: ActionLockCEONotify, SLA: "1h",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, lock.AssignedLine)
	assert.Equal(t, "risk_officer", lock.AssignedRole)
	assert.Contains(t, lock.Permissions, "freeze_evidence")
	assert.True(t, lock.Line3Triggered, "ERS >= 90 escalates to line 3")

	row, err := st.GetCase(ctx, lock.CaseID)
	require.NoError(t, err)
	assert.Equal(t, "open", row.Status)
	assert.True(t, row.Line3Triggered)
}

func TestLine3TriggerOnOverrideVolume(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		decisionID := fmt.Sprintf("dec-%d", i)
		require.NoError(t, st.InsertDecision(ctx, &store.DecisionRow{
			ID: decisionID, ScoreID: fmt.Sprintf("rs-%d", i),
			EventID: fmt.Sprintf("evt-%d", i), ERS: 70,
			Action: ActionRiskEscalation, DecidedAt: st.NowString(),
		}))
		require.NoError(t, st.ApplyDecisionOverride(ctx, &store.OverrideRow{
			ID: fmt.Sprintf("ovr-%d", i), DecisionID: decisionID,
			OverrideType:  "manual",
			Justification: "verified false positive after carrier confirmation",
			NewAction:     ActionOpsReview,
			Approver1ID:   "u-1", Approver1Role: "risk_officer",
			Approver2ID: "u-2", Approver2Role: "compliance",
			CreatedAt: st.NowString(),
		}))
	}

	res, err := e.AssignCase(ctx, &DecisionResult{
		DecisionID: "dec-x", EventID: "evt-x", ERS: 45,
		Action: ActionOpsReview, SLA: "24h",
	})
	require.NoError(t, err)
	assert.True(t, res.Line3Triggered, "more than 3 overrides in 7 days")
}

func TestFreezeEvidenceChains(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	caseIDs := make([]string, 2)
	for i := range caseIDs {
		ingest, err := e.Ingest(ctx, EventInput{
			EventType: "shipment_scan", TenantID: "t-1",
			Payload: map[string]interface{}{"batch": fmt.Sprintf("b-%d", i)},
		}, SourceMetadata{})
		require.NoError(t, err)
		score, err := e.ScoreRisk(ctx, ingest.EventID, "t-1", map[string]float64{
			"velocity_anomaly":  1.0,
			"geo_risk":          1.0,
			"distributor_trust": 1.0,
			"device_mismatch":   1.0,
		}, 0)
		require.NoError(t, err)
		decision, err := e.Decide(ctx, score)
		require.NoError(t, err)
		c, err := e.AssignCase(ctx, decision)
		require.NoError(t, err)
		require.True(t, c.Assigned)
		caseIDs[i] = c.CaseID
	}

	first, err := e.FreezeEvidence(ctx, caseIDs[0])
	require.NoError(t, err)
	assert.Equal(t, canonical.GenesisHash, first.PrevHash)
	assert.Equal(t, int64(1), first.Seq)
	assert.NotEmpty(t, first.WeightHash)

	second, err := e.FreezeEvidence(ctx, caseIDs[1])
	require.NoError(t, err)
	assert.Equal(t, first.EvidenceHash, second.PrevHash)
	assert.Equal(t, int64(2), second.Seq)

	_, err = e.FreezeEvidence(ctx, caseIDs[0])
	assert.ErrorIs(t, err, store.ErrAlreadyFrozen)

	chain, err := st.ListEvidenceChain(ctx)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	for _, link := range chain {
		recomputed, err := canonical.ChainHash(link.PrevHash, []byte(link.EvidencePackage))
		require.NoError(t, err)
		assert.Equal(t, link.EvidenceHash, recomputed)
		assert.True(t, link.Frozen)
	}
}

func TestAnchorBlockchainWhitelist(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	evidence := &EvidenceResult{
		CaseID: "case-1", ChainID: "chain-1",
		EvidenceHash: "eh", WeightHash: "wh",
	}

	refused, err := e.AnchorBlockchain(ctx, evidence, "routine_audit")
	require.NoError(t, err)
	assert.False(t, refused.Anchored)
	assert.Contains(t, refused.Reason, "routine_audit")

	anchored, err := e.AnchorBlockchain(ctx, evidence, "high_risk_batch_lock")
	require.NoError(t, err)
	assert.True(t, anchored.Anchored)
	assert.Len(t, anchored.AnchorHash, 64)
	assert.NotEmpty(t, anchored.AnchorID)
}

func TestReportExposure(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	hot := map[string]float64{
		"velocity_anomaly":  1.0,
		"geo_risk":          1.0,
		"distributor_trust": 1.0,
		"device_mismatch":   1.0,
		"historical_batch":  1.0,
		"duplicate_cluster": 1.0,
	}
	cold := map[string]float64{"geo_risk": 0.1}

	res, err := e.ProcessEvent(ctx, EventInput{EventType: "shipment_scan", TenantID: "t-1"},
		SourceMetadata{}, hot)
	require.NoError(t, err)
	require.Equal(t, ActionLockCEONotify, res.Action)
	_, err = e.FreezeEvidence(ctx, res.CaseID)
	require.NoError(t, err)

	_, err = e.ProcessEvent(ctx, EventInput{EventType: "shipment_scan", TenantID: "t-1"},
		SourceMetadata{}, cold)
	require.NoError(t, err)

	report, err := e.ReportExposure(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalEvents)
	assert.InDelta(t, 0.5, report.AnomalyRate, 1e-9)
	assert.InDelta(t, 0.5, report.LockRatio, 1e-9)
	assert.Equal(t, 0, report.OverrideFrequency)
	assert.Equal(t, 1, report.FrozenCases)
	assert.Equal(t, "ERS-v1.0.0", report.ModelVersion)
	assert.Equal(t, 30, report.WindowDays)
}

func TestProcessEventWithObservability(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = false
	obs, err := observability.New(ctx, obsCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Shutdown(context.Background()) })

	e.WithLineage(lineage.NewService(st, audit.Nop())).WithObservability(obs)

	res, err := e.ProcessEvent(ctx, EventInput{
		EventType: "shipment_scan", TenantID: "t-1",
	}, SourceMetadata{Source: "qr_scan"}, map[string]float64{
		"velocity_anomaly":  1.0,
		"geo_risk":          1.0,
		"distributor_trust": 1.0,
		"device_mismatch":   1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRiskEscalation, res.Action)
	assert.True(t, res.FlowComplete)

	frozen, err := e.FreezeEvidence(ctx, res.CaseID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), frozen.Seq)

	_, err = e.ProcessEvent(ctx, EventInput{}, SourceMetadata{}, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProcessEventFullFlow(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	svc := lineage.NewService(st, audit.Nop())
	e.WithLineage(svc)

	lat, lng := 40.0, 40.0
	res, err := e.ProcessEvent(ctx, EventInput{
		EventType: "shipment_scan",
		TenantID:  "t-1",
		Payload:   map[string]interface{}{"batch": "b-1"},
		Route: &RouteData{
			GeoLat: &lat, GeoLng: &lng,
			ExpectedZone: &Zone{MinLat: 50, MaxLat: 55, MinLng: 10, MaxLng: 15},
		},
	}, SourceMetadata{Source: "qr_scan", DeviceFingerprint: "fp-1"}, map[string]float64{
		"velocity_anomaly":  0.9,
		"geo_risk":          0.9,
		"device_mismatch":   0.8,
		"historical_batch":  0.8,
		"distributor_trust": 0.9,
		"duplicate_cluster": 0.9,
	})
	require.NoError(t, err)

	assert.False(t, res.RouteValid)
	assert.Equal(t, 1, res.RouteViolations)
	// weighted sum 0.87, plus the 0.1 velocity bump for the violation
	assert.Equal(t, 89, res.ERS)
	assert.Equal(t, ActionLockCEONotify, res.Action)
	assert.Equal(t, "1h", res.SLA)
	assert.Equal(t, 2, res.AssignedLine)
	assert.True(t, res.Line3Triggered, "drift above 0.5 escalates to line 3")
	assert.True(t, res.FlowComplete)

	require.NotEmpty(t, res.GDLI)
	replay, err := svc.ReplayDecision(ctx, res.GDLI)
	require.NoError(t, err)
	assert.True(t, replay.Deterministic)

	dup, err := e.ProcessEvent(ctx, EventInput{
		EventType:      "shipment_scan",
		TenantID:       "t-1",
		IdempotencyKey: "only-once",
	}, SourceMetadata{}, map[string]float64{"geo_risk": 0.1})
	require.NoError(t, err)
	assert.False(t, dup.Duplicate)
	again, err := e.ProcessEvent(ctx, EventInput{
		EventType:      "shipment_scan",
		TenantID:       "t-1",
		IdempotencyKey: "only-once",
	}, SourceMetadata{}, map[string]float64{"geo_risk": 0.1})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, dup.EventID, again.ExistingEventID)
}
