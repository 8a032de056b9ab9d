// Package pipeline is the L-RGF risk pipeline: ingestion, route
// validation, risk scoring, thresholded decisioning, case assignment,
// evidence freezing and optional blockchain anchoring, with board-level
// exposure reporting. Each step is independently callable; ProcessEvent
// runs the full flow for one inbound logistics event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/lineage"
	"github.com/veritrail/core/pkg/model"
	"github.com/veritrail/core/pkg/observability"
	"github.com/veritrail/core/pkg/store"
)

// Sentinel errors callers can branch on.
var (
	ErrValidation = errors.New("validation failed")
)

// LineageRecorder receives the full decision chain after a pipeline run.
// Recording is best-effort: a failing recorder never blocks the flow.
type LineageRecorder interface {
	RecordFullLineage(ctx context.Context, chain lineage.Chain) (*lineage.RecordResult, error)
}

// GraphSnapshotter freezes a trust graph snapshot when evidence is
// frozen. Also best-effort.
type GraphSnapshotter interface {
	SnapshotForCase(ctx context.Context, tenantID, caseID string) (string, error)
}

// eventSchema gates what an inbound event must minimally carry.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "event_type": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string"},
    "idempotency_key": {"type": "string"}
  },
  "required": ["event_type"]
}`

// Engine runs the pipeline against the shared store.
type Engine struct {
	store     *store.Store
	registry  *model.Registry
	audit     audit.Logger
	lineage   LineageRecorder
	snapshots GraphSnapshotter
	obs       *observability.Provider
	line3     cel.Program
	schema    *jsonschema.Schema
}

// NewEngine compiles the Line-3 escalation rule and the ingest schema
// and wires the pipeline. Lineage and snapshot collaborators are
// optional; attach them with WithLineage and WithSnapshots.
func NewEngine(st *store.Store, registry *model.Registry, auditLog audit.Logger) (*Engine, error) {
	if auditLog == nil {
		auditLog = audit.Nop()
	}

	env, err := cel.NewEnv(
		cel.Variable("override_count_7d", cel.IntType),
		cel.Variable("ers", cel.IntType),
		cel.Variable("drift", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("line3 env: %w", err)
	}
	ast, iss := env.Compile(registry.Line3Rule())
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("line3 rule: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("line3 program: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("event.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("event schema: %w", err)
	}

	return &Engine{
		store:    st,
		registry: registry,
		audit:    auditLog,
		line3:    prg,
		schema:   schema,
	}, nil
}

// WithLineage attaches the lineage recorder.
func (e *Engine) WithLineage(r LineageRecorder) *Engine {
	e.lineage = r
	return e
}

// WithSnapshots attaches the graph snapshotter.
func (e *Engine) WithSnapshots(g GraphSnapshotter) *Engine {
	e.snapshots = g
	return e
}

// WithObservability attaches the metrics/tracing provider.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// PipelineResult is the full-flow summary for one processed event.
type PipelineResult struct {
	Duplicate       bool    `json:"duplicate,omitempty"`
	ExistingEventID string  `json:"existing_event_id,omitempty"`
	EventID         string  `json:"event_id,omitempty"`
	EventHash       string  `json:"event_hash,omitempty"`
	RouteValid      bool    `json:"route_valid"`
	RouteViolations int     `json:"route_violations"`
	ERS             int     `json:"ers"`
	ModelVersion    string  `json:"model_version,omitempty"`
	DriftIndex      float64 `json:"drift_index"`
	Action          string  `json:"action,omitempty"`
	SLA             string  `json:"sla,omitempty"`
	CaseID          string  `json:"case_id,omitempty"`
	AssignedLine    int     `json:"assigned_line,omitempty"`
	Line3Triggered  bool    `json:"line3_triggered"`
	GDLI            string  `json:"gdli,omitempty"`
	FlowComplete    bool    `json:"flow_complete"`
}

// ProcessEvent runs ingest, route validation, scoring, decision and case
// assignment, then records the lineage chain. A duplicate ingestion ends
// the flow early and is a normal outcome, not an error. Lineage
// recording failures are swallowed; the risk path never waits on the
// audit subsystem.
func (e *Engine) ProcessEvent(ctx context.Context, event EventInput, src SourceMetadata, factors map[string]float64) (*PipelineResult, error) {
	start := time.Now()
	if e.obs != nil {
		var span trace.Span
		ctx, span = e.obs.StartSpan(ctx, "pipeline.process_event")
		defer span.End()
		defer func() { e.obs.RecordDuration(ctx, "process_event", time.Since(start)) }()
	}

	ingestion, err := e.Ingest(ctx, event, src)
	if err != nil {
		return nil, e.observeErr(ctx, err)
	}
	if ingestion.Duplicate {
		return &PipelineResult{Duplicate: true, ExistingEventID: ingestion.ExistingEventID}, nil
	}

	route := event.Route
	if route == nil {
		route = &RouteData{}
	}
	if route.GeoLat == nil {
		route.GeoLat = src.Latitude
	}
	if route.GeoLng == nil {
		route.GeoLng = src.Longitude
	}
	validation, err := e.ValidateRoute(ctx, ingestion.EventID, *route)
	if err != nil {
		return nil, e.observeErr(ctx, err)
	}

	// route violations inflate the velocity factor rather than block
	adjusted := make(map[string]float64, len(factors))
	for k, v := range factors {
		adjusted[k] = v
	}
	adjusted["velocity_anomaly"] += float64(len(validation.Violations)) * 0.1

	score, err := e.ScoreRisk(ctx, ingestion.EventID, event.TenantID, adjusted, event.DaysSince)
	if err != nil {
		return nil, e.observeErr(ctx, err)
	}

	decision, err := e.Decide(ctx, score)
	if err != nil {
		return nil, e.observeErr(ctx, err)
	}

	caseResult, err := e.AssignCase(ctx, decision)
	if err != nil {
		return nil, e.observeErr(ctx, err)
	}

	gdli := e.recordLineage(ctx, ingestion, event, src, score, decision, caseResult, factors)

	return &PipelineResult{
		EventID:         ingestion.EventID,
		EventHash:       ingestion.EventHash,
		RouteValid:      validation.Valid,
		RouteViolations: len(validation.Violations),
		ERS:             score.ERS,
		ModelVersion:    score.ModelVersion,
		DriftIndex:      score.DriftIndex,
		Action:          decision.Action,
		SLA:             decision.SLA,
		CaseID:          caseResult.CaseID,
		AssignedLine:    caseResult.AssignedLine,
		Line3Triggered:  caseResult.Line3Triggered,
		GDLI:            gdli,
		FlowComplete:    true,
	}, nil
}

// observeErr counts a pipeline failure when a provider is attached.
func (e *Engine) observeErr(ctx context.Context, err error) error {
	if err != nil && e.obs != nil {
		e.obs.RecordError(ctx, err)
	}
	return err
}

// recordLineage hands the decision chain to the lineage recorder. Any
// failure is logged to the ambient audit stream and otherwise ignored.
func (e *Engine) recordLineage(ctx context.Context, ingestion *IngestResult, event EventInput,
	src SourceMetadata, score *ScoreResult, decision *DecisionResult, caseResult *CaseResult,
	factors map[string]float64) string {

	if e.lineage == nil {
		return ""
	}
	var gsv string
	if event.TenantID != "" {
		if v, err := e.store.CurrentGSV(ctx, event.TenantID); err == nil && v > 0 {
			gsv = fmt.Sprintf("%d", v)
		}
	}
	res, err := e.lineage.RecordFullLineage(ctx, lineage.Chain{
		TenantID:          event.TenantID,
		EventID:           ingestion.EventID,
		EventHash:         ingestion.EventHash,
		Source:            src.Source,
		EventType:         event.EventType,
		Timestamp:         ingestion.Timestamp,
		IdempotencyKey:    event.IdempotencyKey,
		GeoLat:            src.Latitude,
		GeoLng:            src.Longitude,
		DeviceFingerprint: src.DeviceFingerprint,
		GraphStateVersion: gsv,
		Features:          factors,
		FeatureSetVersion: e.registry.FeatureSetVersion(),
		ModelVersion:      score.ModelVersion,
		WeightHash:        score.WeightHash,
		DriftIndex:        score.DriftIndex,
		ThresholdVersion:  e.registry.ThresholdVersion(),
		ERS:               score.ERS,
		DecisionAction:    decision.Action,
		DecisionID:        decision.DecisionID,
		CaseID:            caseResult.CaseID,
	})
	if err != nil {
		_ = e.audit.Record(ctx, audit.EventSystem, "lineage_record_failed", ingestion.EventID,
			map[string]interface{}{"error": err.Error()})
		return ""
	}
	return res.GDLI
}
