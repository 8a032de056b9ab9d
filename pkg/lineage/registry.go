package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/observability"
	"github.com/veritrail/core/pkg/store"
)

// Defaults applied when a chain omits version fields.
const (
	defaultModelID          = "ERS"
	defaultFeatureSet       = "default"
	defaultFeatureVersion   = "v1"
	defaultThresholdVersion = "v1"
	defaultSourceSystem     = "api"
)

// Service records and serves decision lineage.
type Service struct {
	store *store.Store
	audit audit.Logger
	obs   *observability.Provider
}

// NewService wires the lineage registry.
func NewService(st *store.Store, auditLog audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Service{store: st, audit: auditLog}
}

// WithObservability attaches the metrics provider.
func (s *Service) WithObservability(p *observability.Provider) *Service {
	s.obs = p
	return s
}

// GDLIComponents are the version inputs pinned at the moment of
// decision. The GDLI is a SHA-256 over their canonical JSON form.
type GDLIComponents struct {
	EventID           string `json:"event_id"`
	EventHash         string `json:"event_hash"`
	GraphStateVersion string `json:"graph_state_version"`
	FeatureSetVersion string `json:"feature_set_version"`
	ModelVersion      string `json:"model_version"`
	ThresholdVersion  string `json:"threshold_version"`
	Timestamp         string `json:"timestamp"`
}

// ComputeGDLI derives the Global Decision Lineage ID. Identical inputs
// always produce the identical id; changing any one component changes it.
func ComputeGDLI(c GDLIComponents) (string, error) {
	return canonical.Hash(c)
}

// Chain is the one-call input for recording all five lineage layers.
type Chain struct {
	TenantID          string             `json:"tenant_id,omitempty"`
	EventID           string             `json:"event_id"`
	EventHash         string             `json:"event_hash"`
	Source            string             `json:"source,omitempty"`
	EventType         string             `json:"event_type,omitempty"`
	Timestamp         string             `json:"timestamp,omitempty"`
	IdempotencyKey    string             `json:"idempotency_key,omitempty"`
	GeoLat            *float64           `json:"geo_lat,omitempty"`
	GeoLng            *float64           `json:"geo_lng,omitempty"`
	DeviceFingerprint string             `json:"device_fingerprint,omitempty"`
	GraphStateVersion string             `json:"graph_state_version,omitempty"`
	NodesCreated      int                `json:"nodes_created,omitempty"`
	EdgesCreated      int                `json:"edges_created,omitempty"`
	PropagationDepth  int                `json:"propagation_depth,omitempty"`
	RiskDelta         float64            `json:"risk_delta,omitempty"`
	AffectedNodes     []string           `json:"affected_nodes,omitempty"`
	AffectedEdges     []string           `json:"affected_edges,omitempty"`
	Features          map[string]float64 `json:"features,omitempty"`
	FeatureSources    map[string]string  `json:"feature_sources,omitempty"`
	FeatureSetVersion string             `json:"feature_set_version,omitempty"`
	ModelVersion      string             `json:"model_version"`
	WeightHash        string             `json:"weight_hash,omitempty"`
	DriftIndex        float64            `json:"drift_index,omitempty"`
	ThresholdVersion  string             `json:"threshold_version,omitempty"`
	ERS               int                `json:"ers_score"`
	DecisionAction    string             `json:"decision_action"`
	DecisionID        string             `json:"decision_id"`
	CaseID            string             `json:"case_id,omitempty"`
	OverrideFlag      bool               `json:"override_flag,omitempty"`
	SnapshotID        string             `json:"snapshot_id,omitempty"`
}

// LayerCounts reports how many records each layer received.
type LayerCounts struct {
	Event          int `json:"event"`
	GraphTransform int `json:"graph_transform"`
	Features       int `json:"features"`
	Model          int `json:"model"`
	Decision       int `json:"decision"`
}

// RecordResult is the outcome of a full chain write.
type RecordResult struct {
	GDLI          string      `json:"gdli"`
	Layers        LayerCounts `json:"layers"`
	ChainComplete bool        `json:"chain_complete"`
}

// RecordFullLineage writes layers 1 through 5 in order and registers the
// GDLI. The registry row's creation timestamp is the same timestamp that
// went into the GDLI, so a later replay recomputes against the exact
// recorded inputs.
func (s *Service) RecordFullLineage(ctx context.Context, chain Chain) (*RecordResult, error) {
	if chain.EventID == "" || chain.ModelVersion == "" {
		return nil, fmt.Errorf("%w: chain requires event_id and model_version", ErrValidation)
	}
	now := s.store.NowString()
	ts := chain.Timestamp
	if ts == "" {
		ts = now
	}
	fsv := chain.FeatureSetVersion
	if fsv == "" {
		fsv = defaultFeatureSet
	}
	tv := chain.ThresholdVersion
	if tv == "" {
		tv = defaultThresholdVersion
	}

	if err := s.recordEventLayer(ctx, chain, ts, now); err != nil {
		return nil, err
	}
	if err := s.recordGraphLayer(ctx, chain, now); err != nil {
		return nil, err
	}
	featureCount, err := s.recordFeatureLayer(ctx, chain, now)
	if err != nil {
		return nil, err
	}
	if err := s.recordModelLayer(ctx, chain, fsv, ts, now); err != nil {
		return nil, err
	}

	gdli, err := ComputeGDLI(GDLIComponents{
		EventID:           chain.EventID,
		EventHash:         chain.EventHash,
		GraphStateVersion: chain.GraphStateVersion,
		FeatureSetVersion: fsv,
		ModelVersion:      chain.ModelVersion,
		ThresholdVersion:  tv,
		Timestamp:         ts,
	})
	if err != nil {
		return nil, err
	}
	approvers, err := json.Marshal([]string{})
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertRegistry(ctx, &store.RegistryRow{
		GDLI:              gdli,
		EventID:           chain.EventID,
		EventHash:         chain.EventHash,
		GraphStateVersion: chain.GraphStateVersion,
		FeatureSetVersion: fsv,
		ModelVersion:      chain.ModelVersion,
		WeightHash:        chain.WeightHash,
		ThresholdVersion:  tv,
		ERS:               chain.ERS,
		DecisionAction:    chain.DecisionAction,
		DecisionID:        chain.DecisionID,
		CaseID:            chain.CaseID,
		OverrideFlag:      chain.OverrideFlag,
		OverrideApprovers: string(approvers),
		SnapshotID:        chain.SnapshotID,
		TenantID:          chain.TenantID,
		CreatedAt:         ts,
	}); err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, audit.EventLineage, "record_full_lineage", chain.EventID,
		map[string]interface{}{"gdli": gdli, "features": featureCount})
	if s.obs != nil {
		s.obs.RecordLineage(ctx)
	}

	return &RecordResult{
		GDLI: gdli,
		Layers: LayerCounts{
			Event:          1,
			GraphTransform: 1,
			Features:       featureCount,
			Model:          1,
			Decision:       1,
		},
		ChainComplete: true,
	}, nil
}

func (s *Service) recordEventLayer(ctx context.Context, chain Chain, ts, now string) error {
	src := chain.Source
	if src == "" {
		src = defaultSourceSystem
	}
	typ := chain.EventType
	if typ == "" {
		typ = "unknown"
	}
	return s.store.InsertLineageEvent(ctx, &store.LineageEventRow{
		ID:                uuid.New().String(),
		EventID:           chain.EventID,
		EventHash:         chain.EventHash,
		SourceSystem:      src,
		EventType:         typ,
		IngestTimestamp:   ts,
		IdempotencyKey:    chain.IdempotencyKey,
		GeoLat:            chain.GeoLat,
		GeoLng:            chain.GeoLng,
		DeviceFingerprint: chain.DeviceFingerprint,
		TenantID:          chain.TenantID,
		CreatedAt:         now,
	})
}

func (s *Service) recordGraphLayer(ctx context.Context, chain Chain, now string) error {
	nodes, err := json.Marshal(orEmpty(chain.AffectedNodes))
	if err != nil {
		return err
	}
	edges, err := json.Marshal(orEmpty(chain.AffectedEdges))
	if err != nil {
		return err
	}
	weights, err := json.Marshal([]string{})
	if err != nil {
		return err
	}
	return s.store.InsertGraphTransform(ctx, &store.GraphTransformRow{
		ID:                    uuid.New().String(),
		EventID:               chain.EventID,
		GraphStateVersion:     chain.GraphStateVersion,
		NodesCreated:          chain.NodesCreated,
		EdgesCreated:          chain.EdgesCreated,
		WeightChanges:         string(weights),
		PropagationDepth:      chain.PropagationDepth,
		RiskContributionDelta: chain.RiskDelta,
		AffectedNodeIDs:       string(nodes),
		AffectedEdgeIDs:       string(edges),
		TenantID:              chain.TenantID,
		CreatedAt:             now,
	})
}

func (s *Service) recordFeatureLayer(ctx context.Context, chain Chain, now string) (int, error) {
	if len(chain.Features) == 0 {
		return 0, nil
	}
	fv := chain.FeatureSetVersion
	if fv == "" {
		fv = defaultFeatureVersion
	}
	ids := make([]string, 0, len(chain.Features))
	for id := range chain.Features {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	inputs, err := json.Marshal([]string{chain.EventID})
	if err != nil {
		return 0, err
	}
	for _, featureID := range ids {
		sourceType := "derived"
		if st, ok := chain.FeatureSources[featureID]; ok && st != "" {
			sourceType = st
		}
		compHash, err := canonical.ShortHash(map[string]interface{}{
			"feature_id": featureID,
			"version":    fv,
			"inputs":     []string{chain.EventID},
			"edges":      []string{},
		}, 32)
		if err != nil {
			return 0, err
		}
		if err := s.store.InsertFeatureMap(ctx, &store.FeatureMapRow{
			ID:                uuid.New().String(),
			FeatureID:         featureID,
			FeatureVersion:    fv,
			SourceType:        sourceType,
			InputEventIDs:     string(inputs),
			GraphStateVersion: chain.GraphStateVersion,
			ComputationHash:   compHash,
			ValueAtTime:       chain.Features[featureID],
			TenantID:          chain.TenantID,
			CreatedAt:         now,
		}); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *Service) recordModelLayer(ctx context.Context, chain Chain, fsv, ts, now string) error {
	driftStatus := "normal"
	if chain.DriftIndex > 0.3 {
		driftStatus = "elevated"
	}
	return s.store.InsertModelRecord(ctx, &store.ModelRecordRow{
		ID:                 uuid.New().String(),
		ModelID:            defaultModelID,
		ModelVersion:       chain.ModelVersion,
		FeatureSetVersion:  fsv,
		WeightHash:         chain.WeightHash,
		DriftStatus:        driftStatus,
		DriftIndex:         chain.DriftIndex,
		InferenceTimestamp: ts,
		TenantID:           chain.TenantID,
		CreatedAt:          now,
	})
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ReplayFeature is one feature record surfaced during replay.
type ReplayFeature struct {
	FeatureID       string `json:"feature_id"`
	Version         string `json:"version"`
	SourceType      string `json:"source_type"`
	ComputationHash string `json:"computation_hash"`
}

// ReplayResult is a rehydrated decision plus the determinism verdict.
type ReplayResult struct {
	GDLI             string                  `json:"gdli"`
	Replayable       bool                    `json:"replayable"`
	Deterministic    bool                    `json:"deterministic"`
	DeterminismAlert bool                    `json:"determinism_alert"`
	Event            *store.LineageEventRow  `json:"event,omitempty"`
	Graph            *store.GraphTransformRow `json:"graph,omitempty"`
	Features         []ReplayFeature         `json:"features"`
	Model            *store.ModelRecordRow   `json:"model,omitempty"`
	Decision         *store.RegistryRow      `json:"decision"`
}

// ReplayDecision loads all five layers and recomputes the GDLI from the
// stored values. A mismatch means some stored input no longer matches
// what the decision was computed from; it is reported, never raised.
func (s *Service) ReplayDecision(ctx context.Context, gdli string) (*ReplayResult, error) {
	record, err := s.store.GetRegistry(ctx, gdli)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", gdli, err)
	}

	event, err := s.store.GetLineageEvent(ctx, record.EventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	graph, err := s.store.GetGraphTransform(ctx, record.EventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	featureRows, err := s.store.ListFeatureMapsByGSV(ctx, record.GraphStateVersion)
	if err != nil {
		return nil, err
	}
	model, err := s.store.GetLatestModelRecord(ctx, record.ModelVersion)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	recomputed, err := ComputeGDLI(GDLIComponents{
		EventID:           record.EventID,
		EventHash:         record.EventHash,
		GraphStateVersion: record.GraphStateVersion,
		FeatureSetVersion: record.FeatureSetVersion,
		ModelVersion:      record.ModelVersion,
		ThresholdVersion:  record.ThresholdVersion,
		Timestamp:         record.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	features := make([]ReplayFeature, 0, len(featureRows))
	for _, f := range featureRows {
		features = append(features, ReplayFeature{
			FeatureID:       f.FeatureID,
			Version:         f.FeatureVersion,
			SourceType:      f.SourceType,
			ComputationHash: f.ComputationHash,
		})
	}

	deterministic := recomputed == gdli
	return &ReplayResult{
		GDLI:             gdli,
		Replayable:       true,
		Deterministic:    deterministic,
		DeterminismAlert: !deterministic,
		Event:            event,
		Graph:            graph,
		Features:         features,
		Model:            model,
		Decision:         record,
	}, nil
}

// ContaminationReport is the blast radius of one compromised element.
type ContaminationReport struct {
	ContaminationType string   `json:"contamination_type"`
	ContaminatedID    string   `json:"contaminated_id"`
	AffectedDecisions int      `json:"affected_decisions"`
	AffectedOverrides int      `json:"affected_overrides"`
	AffectedEvidence  int      `json:"affected_evidence_chains"`
	AffectedCases     int      `json:"affected_cases"`
	Severity          string   `json:"severity"`
	AffectedGDLIs     []string `json:"affected_gdlis"`
	Remediation       string   `json:"remediation"`
}

// Contamination element kinds.
const (
	ContaminationEvent        = "event"
	ContaminationEdge         = "edge"
	ContaminationGraphVersion = "graph_version"
	ContaminationModel        = "model"
)

// AnalyzeContamination walks the registry downstream of a compromised
// element and sizes the blast radius.
func (s *Service) AnalyzeContamination(ctx context.Context, contaminationType, contaminatedID, tenantID string) (*ContaminationReport, error) {
	var affected []store.RegistryRow
	var err error
	switch contaminationType {
	case ContaminationEvent:
		affected, err = s.store.ListRegistryByEventID(ctx, contaminatedID)
	case ContaminationEdge:
		var eventIDs []string
		eventIDs, err = s.store.ListTransformEventsByEdge(ctx, contaminatedID)
		if err == nil {
			affected, err = s.store.ListRegistryByEventIDs(ctx, eventIDs)
		}
	case ContaminationGraphVersion:
		affected, err = s.store.ListRegistryFromGSV(ctx, tenantID, contaminatedID)
	case ContaminationModel:
		affected, err = s.store.ListRegistryByModelVersion(ctx, contaminatedID)
	default:
		return nil, fmt.Errorf("%w: unknown contamination type %s", ErrValidation, contaminationType)
	}
	if err != nil {
		return nil, err
	}

	var overrides int
	var caseIDs []string
	gdlis := make([]string, 0, len(affected))
	for _, d := range affected {
		gdlis = append(gdlis, d.GDLI)
		if d.OverrideFlag {
			overrides++
		}
		if d.CaseID != "" {
			caseIDs = append(caseIDs, d.CaseID)
		}
	}

	var evidence int
	if len(caseIDs) > 0 {
		evidence, err = s.store.CountEvidenceLinksByCases(ctx, caseIDs)
		if err != nil {
			return nil, err
		}
	}

	severity := "medium"
	switch {
	case len(affected) > 10:
		severity = "critical"
	case len(affected) > 3:
		severity = "high"
	}
	remediation := "No downstream impact detected."
	if len(affected) > 0 {
		remediation = "REQUIRED: Review all affected decisions. Consider evidence re-freeze."
	}

	return &ContaminationReport{
		ContaminationType: contaminationType,
		ContaminatedID:    contaminatedID,
		AffectedDecisions: len(affected),
		AffectedOverrides: overrides,
		AffectedEvidence:  evidence,
		AffectedCases:     len(caseIDs),
		Severity:          severity,
		AffectedGDLIs:     gdlis,
		Remediation:       remediation,
	}, nil
}

// LockedVersions are the version pins fixed by a freeze.
type LockedVersions struct {
	GraphStateVersion string `json:"graph_state_version"`
	ModelVersion      string `json:"model_version"`
	FeatureSetVersion string `json:"feature_set_version"`
	ThresholdVersion  string `json:"threshold_version"`
}

// FreezeResult reports a successful freeze.
type FreezeResult struct {
	GDLI           string         `json:"gdli"`
	Frozen         bool           `json:"frozen"`
	LockedVersions LockedVersions `json:"locked_versions"`
}

// FreezeLineage locks a registry record's version pins. The flag is
// one-way; freezing twice returns store.ErrAlreadyFrozen.
func (s *Service) FreezeLineage(ctx context.Context, gdli string) (*FreezeResult, error) {
	record, err := s.store.GetRegistry(ctx, gdli)
	if err != nil {
		return nil, err
	}
	if err := s.store.FreezeRegistry(ctx, gdli); err != nil {
		return nil, err
	}
	_ = s.audit.Record(ctx, audit.EventLineage, "freeze_lineage", gdli, nil)
	return &FreezeResult{
		GDLI:   gdli,
		Frozen: true,
		LockedVersions: LockedVersions{
			GraphStateVersion: record.GraphStateVersion,
			ModelVersion:      record.ModelVersion,
			FeatureSetVersion: record.FeatureSetVersion,
			ThresholdVersion:  record.ThresholdVersion,
		},
	}, nil
}

// MaskResult reports a PII masking pass.
type MaskResult struct {
	GDLI              string   `json:"gdli"`
	PIIMasked         bool     `json:"pii_masked"`
	Preserved         []string `json:"preserved"`
	Removed           []string `json:"removed"`
	DeterminismIntact bool     `json:"determinism_intact"`
}

// MaskPII strips geo coordinates and the device fingerprint from the
// event node behind a GDLI. The GDLI does not derive from those fields,
// so replay determinism survives the masking.
func (s *Service) MaskPII(ctx context.Context, gdli string) (*MaskResult, error) {
	record, err := s.store.GetRegistry(ctx, gdli)
	if err != nil {
		return nil, err
	}
	if err := s.store.MaskLineageEventPII(ctx, record.EventID); err != nil {
		return nil, err
	}
	_ = s.audit.Record(ctx, audit.EventLineage, "mask_pii", gdli, nil)
	return &MaskResult{
		GDLI:              gdli,
		PIIMasked:         true,
		Preserved:         []string{"event_hash", "gdli", "graph_state_version", "model_version", "computation_hash"},
		Removed:           []string{"geo_lat", "geo_lng", "device_fingerprint"},
		DeterminismIntact: true,
	}, nil
}

// ChainLayer is one rung of a full lineage readout.
type ChainLayer struct {
	Layer int         `json:"layer"`
	Name  string      `json:"name"`
	Data  interface{} `json:"data"`
	Count int         `json:"count,omitempty"`
}

// FullLineage is the complete five layer chain for one GDLI.
type FullLineage struct {
	GDLI     string       `json:"gdli"`
	Frozen   bool         `json:"frozen"`
	Chain    []ChainLayer `json:"chain"`
	Depth    int          `json:"depth"`
	Complete bool         `json:"complete"`
}

// DecisionSummary is the decision layer of a registry record.
type DecisionSummary struct {
	ERS        int    `json:"ers_score"`
	Action     string `json:"action"`
	DecisionID string `json:"decision_id,omitempty"`
	CaseID     string `json:"case_id,omitempty"`
	Override   bool   `json:"override"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// GetFullLineage returns all five layers for a GDLI.
func (s *Service) GetFullLineage(ctx context.Context, gdli string) (*FullLineage, error) {
	record, err := s.store.GetRegistry(ctx, gdli)
	if err != nil {
		return nil, err
	}
	event, err := s.store.GetLineageEvent(ctx, record.EventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	transform, err := s.store.GetGraphTransform(ctx, record.EventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	features, err := s.store.ListFeatureMapsByGSV(ctx, record.GraphStateVersion)
	if err != nil {
		return nil, err
	}
	model, err := s.store.GetLatestModelRecord(ctx, record.ModelVersion)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return &FullLineage{
		GDLI:   gdli,
		Frozen: record.Frozen,
		Chain: []ChainLayer{
			{Layer: 1, Name: "Event", Data: event},
			{Layer: 2, Name: "Graph Transform", Data: transform},
			{Layer: 3, Name: "Features", Data: features, Count: len(features)},
			{Layer: 4, Name: "Model", Data: model},
			{Layer: 5, Name: "Decision", Data: &DecisionSummary{
				ERS:        record.ERS,
				Action:     record.DecisionAction,
				DecisionID: record.DecisionID,
				CaseID:     record.CaseID,
				Override:   record.OverrideFlag,
				SnapshotID: record.SnapshotID,
			}},
		},
		Depth:    5,
		Complete: event != nil && model != nil,
	}, nil
}

// BoardKPIs are executive lineage health metrics.
type BoardKPIs struct {
	TotalDecisionsTracked int     `json:"total_decisions_tracked"`
	ReplayableDecisions   int     `json:"replayable_decisions"`
	ReplayabilityRate     float64 `json:"replayability_rate"`
	FrozenDecisions       int     `json:"frozen_decisions"`
	OverrideLineageRate   float64 `json:"override_lineage_rate"`
	TotalReplaysLogged    int     `json:"total_replays_logged"`
	AvgLineageDepth       int     `json:"avg_lineage_depth"`
	GeneratedAt           string  `json:"generated_at"`
}

// BoardLineageKPIs aggregates registry health for the board dashboard.
// Every registered decision carries all version pins, so replayability
// tracks GDLI coverage.
func (s *Service) BoardLineageKPIs(ctx context.Context) (*BoardKPIs, error) {
	kpis, err := s.store.LineageKPIs(ctx)
	if err != nil {
		return nil, err
	}
	replays, err := s.store.CountAccessLogByAction(ctx, "replay")
	if err != nil {
		return nil, err
	}
	out := &BoardKPIs{
		TotalDecisionsTracked: kpis.TotalDecisions,
		ReplayableDecisions:   kpis.WithGDLI,
		FrozenDecisions:       kpis.Frozen,
		TotalReplaysLogged:    replays,
		AvgLineageDepth:       5,
		GeneratedAt:           s.store.NowString(),
	}
	if kpis.TotalDecisions > 0 {
		out.ReplayabilityRate = float64(kpis.WithGDLI) / float64(kpis.TotalDecisions)
		out.OverrideLineageRate = float64(kpis.Overridden) / float64(kpis.TotalDecisions)
	}
	return out, nil
}
