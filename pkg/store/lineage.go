package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// LineageEventRow is the ingestion layer record for one event.
type LineageEventRow struct {
	ID                string   `json:"id"`
	EventID           string   `json:"event_id"`
	EventHash         string   `json:"event_hash,omitempty"`
	SourceSystem      string   `json:"source_system,omitempty"`
	EventType         string   `json:"event_type,omitempty"`
	IngestTimestamp   string   `json:"ingest_timestamp,omitempty"`
	IdempotencyKey    string   `json:"idempotency_key,omitempty"`
	GeoLat            *float64 `json:"geo_lat,omitempty"`
	GeoLng            *float64 `json:"geo_lng,omitempty"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	TenantID          string   `json:"tenant_id,omitempty"`
	CreatedAt         string   `json:"created_at"`
}

// GraphTransformRow is the graph transformation layer record.
type GraphTransformRow struct {
	ID                    string  `json:"id"`
	EventID               string  `json:"event_id"`
	GraphStateVersion     string  `json:"graph_state_version,omitempty"`
	NodesCreated          int     `json:"nodes_created"`
	EdgesCreated          int     `json:"edges_created"`
	WeightChanges         string  `json:"weight_changes,omitempty"`
	PropagationDepth      int     `json:"propagation_depth"`
	RiskContributionDelta float64 `json:"risk_contribution_delta"`
	AffectedNodeIDs       string  `json:"affected_node_ids,omitempty"`
	AffectedEdgeIDs       string  `json:"affected_edge_ids,omitempty"`
	TenantID              string  `json:"tenant_id,omitempty"`
	CreatedAt             string  `json:"created_at"`
}

// FeatureMapRow is the feature derivation layer record.
type FeatureMapRow struct {
	ID                string  `json:"id"`
	FeatureID         string  `json:"feature_id"`
	FeatureVersion    string  `json:"feature_version"`
	SourceType        string  `json:"source_type"`
	InputEventIDs     string  `json:"input_event_ids,omitempty"`
	InputNodeIDs      string  `json:"input_node_ids,omitempty"`
	InputEdgeIDs      string  `json:"input_edge_ids,omitempty"`
	GraphStateVersion string  `json:"graph_state_version,omitempty"`
	ComputationHash   string  `json:"computation_hash,omitempty"`
	ValueAtTime       float64 `json:"value_at_time"`
	TenantID          string  `json:"tenant_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// ModelRecordRow is the model layer record for one inference.
type ModelRecordRow struct {
	ID                 string  `json:"id"`
	ModelID            string  `json:"model_id"`
	ModelVersion       string  `json:"model_version"`
	TrainingRunID      string  `json:"training_run_id,omitempty"`
	FeatureSetVersion  string  `json:"feature_set_version,omitempty"`
	WeightHash         string  `json:"weight_hash,omitempty"`
	DriftStatus        string  `json:"drift_status"`
	DriftIndex         float64 `json:"drift_index"`
	InferenceTimestamp string  `json:"inference_timestamp,omitempty"`
	TenantID           string  `json:"tenant_id,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

// RegistryRow is the decision layer record, keyed by GDLI.
type RegistryRow struct {
	GDLI              string `json:"gdli"`
	EventID           string `json:"event_id"`
	EventHash         string `json:"event_hash,omitempty"`
	GraphStateVersion string `json:"graph_state_version,omitempty"`
	FeatureSetVersion string `json:"feature_set_version,omitempty"`
	ModelVersion      string `json:"model_version"`
	WeightHash        string `json:"weight_hash,omitempty"`
	ThresholdVersion  string `json:"threshold_version"`
	ERS               int    `json:"ers_score"`
	DecisionAction    string `json:"decision_action,omitempty"`
	DecisionID        string `json:"decision_id,omitempty"`
	CaseID            string `json:"case_id,omitempty"`
	OverrideFlag      bool   `json:"override_flag"`
	OverrideApprovers string `json:"override_approvers,omitempty"`
	SnapshotID        string `json:"snapshot_id,omitempty"`
	TenantID          string `json:"tenant_id,omitempty"`
	Frozen            bool   `json:"frozen"`
	CreatedAt         string `json:"created_at"`
}

// AccessLogRow records one governed lineage access.
type AccessLogRow struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Action     string `json:"action"`
	TargetGDLI string `json:"target_gdli,omitempty"`
	Metadata   string `json:"metadata,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// InsertLineageEvent writes an ingestion layer record.
func (s *Store) InsertLineageEvent(ctx context.Context, e *LineageEventRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lineage_event_nodes (
            id, event_id, event_hash, source_system, event_type, ingest_timestamp,
            idempotency_key, geo_lat, geo_lng, device_fingerprint, tenant_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventID, nullable(e.EventHash), nullable(e.SourceSystem),
		nullable(e.EventType), nullable(e.IngestTimestamp), nullable(e.IdempotencyKey),
		nullableF(e.GeoLat), nullableF(e.GeoLng), nullable(e.DeviceFingerprint),
		nullable(e.TenantID), e.CreatedAt)
	return err
}

// GetLineageEvent loads the ingestion record for an event.
func (s *Store) GetLineageEvent(ctx context.Context, eventID string) (*LineageEventRow, error) {
	var e LineageEventRow
	var hash, src, typ, ingest, idem, device, tenant sql.NullString
	var lat, lng sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
        SELECT id, event_id, event_hash, source_system, event_type, ingest_timestamp,
               idempotency_key, geo_lat, geo_lng, device_fingerprint, tenant_id, created_at
        FROM lineage_event_nodes WHERE event_id = ?`, eventID).Scan(
		&e.ID, &e.EventID, &hash, &src, &typ, &ingest, &idem, &lat, &lng,
		&device, &tenant, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.EventHash = hash.String
	e.SourceSystem = src.String
	e.EventType = typ.String
	e.IngestTimestamp = ingest.String
	e.IdempotencyKey = idem.String
	e.DeviceFingerprint = device.String
	e.TenantID = tenant.String
	if lat.Valid {
		e.GeoLat = &lat.Float64
	}
	if lng.Valid {
		e.GeoLng = &lng.Float64
	}
	return &e, nil
}

// InsertGraphTransform writes a graph transformation layer record.
func (s *Store) InsertGraphTransform(ctx context.Context, g *GraphTransformRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lineage_graph_transforms (
            id, event_id, graph_state_version, nodes_created, edges_created,
            weight_changes, propagation_depth, risk_contribution_delta,
            affected_node_ids, affected_edge_ids, tenant_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.EventID, nullable(g.GraphStateVersion), g.NodesCreated,
		g.EdgesCreated, nullable(g.WeightChanges), g.PropagationDepth,
		g.RiskContributionDelta, nullable(g.AffectedNodeIDs),
		nullable(g.AffectedEdgeIDs), nullable(g.TenantID), g.CreatedAt)
	return err
}

// GetGraphTransform loads the graph layer record for an event.
func (s *Store) GetGraphTransform(ctx context.Context, eventID string) (*GraphTransformRow, error) {
	var g GraphTransformRow
	var gsv, weights, nodeIDs, edgeIDs, tenant sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, event_id, graph_state_version, nodes_created, edges_created,
               weight_changes, propagation_depth, risk_contribution_delta,
               affected_node_ids, affected_edge_ids, tenant_id, created_at
        FROM lineage_graph_transforms WHERE event_id = ?`, eventID).Scan(
		&g.ID, &g.EventID, &gsv, &g.NodesCreated, &g.EdgesCreated, &weights,
		&g.PropagationDepth, &g.RiskContributionDelta, &nodeIDs, &edgeIDs,
		&tenant, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.GraphStateVersion = gsv.String
	g.WeightChanges = weights.String
	g.AffectedNodeIDs = nodeIDs.String
	g.AffectedEdgeIDs = edgeIDs.String
	g.TenantID = tenant.String
	return &g, nil
}

// InsertFeatureMap writes a feature derivation layer record.
func (s *Store) InsertFeatureMap(ctx context.Context, f *FeatureMapRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lineage_feature_map (
            id, feature_id, feature_version, source_type, input_event_ids,
            input_node_ids, input_edge_ids, graph_state_version, computation_hash,
            value_at_time, tenant_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.FeatureID, f.FeatureVersion, f.SourceType, nullable(f.InputEventIDs),
		nullable(f.InputNodeIDs), nullable(f.InputEdgeIDs), nullable(f.GraphStateVersion),
		nullable(f.ComputationHash), f.ValueAtTime, nullable(f.TenantID), f.CreatedAt)
	return err
}

// ListFeatureMapsByEvent returns feature records whose inputs reference an
// event id. Input event ids are stored as a JSON array of strings.
func (s *Store) ListFeatureMapsByEvent(ctx context.Context, eventID string) ([]FeatureMapRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, feature_id, feature_version, source_type, input_event_ids,
               input_node_ids, input_edge_ids, graph_state_version, computation_hash,
               value_at_time, tenant_id, created_at
        FROM lineage_feature_map
        WHERE input_event_ids LIKE '%' || ? || '%'
        ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFeatureMaps(rows)
}

// ListFeatureMapsByGSV returns feature records derived at a graph state
// version.
func (s *Store) ListFeatureMapsByGSV(ctx context.Context, gsv string) ([]FeatureMapRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, feature_id, feature_version, source_type, input_event_ids,
               input_node_ids, input_edge_ids, graph_state_version, computation_hash,
               value_at_time, tenant_id, created_at
        FROM lineage_feature_map WHERE graph_state_version = ?
        ORDER BY created_at, id`, gsv)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFeatureMaps(rows)
}

func scanFeatureMaps(rows *sql.Rows) ([]FeatureMapRow, error) {
	var out []FeatureMapRow
	for rows.Next() {
		var f FeatureMapRow
		var eventIDs, nodeIDs, edgeIDs, gsv, hash, tenant sql.NullString
		if err := rows.Scan(&f.ID, &f.FeatureID, &f.FeatureVersion, &f.SourceType,
			&eventIDs, &nodeIDs, &edgeIDs, &gsv, &hash, &f.ValueAtTime,
			&tenant, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.InputEventIDs = eventIDs.String
		f.InputNodeIDs = nodeIDs.String
		f.InputEdgeIDs = edgeIDs.String
		f.GraphStateVersion = gsv.String
		f.ComputationHash = hash.String
		f.TenantID = tenant.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertModelRecord writes a model layer record.
func (s *Store) InsertModelRecord(ctx context.Context, m *ModelRecordRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lineage_model_records (
            id, model_id, model_version, training_run_id, feature_set_version,
            weight_hash, drift_status, drift_index, inference_timestamp,
            tenant_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ModelID, m.ModelVersion, nullable(m.TrainingRunID),
		nullable(m.FeatureSetVersion), nullable(m.WeightHash), m.DriftStatus,
		m.DriftIndex, nullable(m.InferenceTimestamp), nullable(m.TenantID), m.CreatedAt)
	return err
}

// GetModelRecord loads one model layer record.
func (s *Store) GetModelRecord(ctx context.Context, id string) (*ModelRecordRow, error) {
	var m ModelRecordRow
	var training, fsv, hash, inference, tenant sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, model_id, model_version, training_run_id, feature_set_version,
               weight_hash, drift_status, drift_index, inference_timestamp,
               tenant_id, created_at
        FROM lineage_model_records WHERE id = ?`, id).Scan(
		&m.ID, &m.ModelID, &m.ModelVersion, &training, &fsv, &hash,
		&m.DriftStatus, &m.DriftIndex, &inference, &tenant, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.TrainingRunID = training.String
	m.FeatureSetVersion = fsv.String
	m.WeightHash = hash.String
	m.InferenceTimestamp = inference.String
	m.TenantID = tenant.String
	return &m, nil
}

// GetLatestModelRecord loads the most recent model layer record for a
// model version.
func (s *Store) GetLatestModelRecord(ctx context.Context, modelVersion string) (*ModelRecordRow, error) {
	var m ModelRecordRow
	var training, fsv, hash, inference, tenant sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, model_id, model_version, training_run_id, feature_set_version,
               weight_hash, drift_status, drift_index, inference_timestamp,
               tenant_id, created_at
        FROM lineage_model_records WHERE model_version = ?
        ORDER BY created_at DESC, id LIMIT 1`, modelVersion).Scan(
		&m.ID, &m.ModelID, &m.ModelVersion, &training, &fsv, &hash,
		&m.DriftStatus, &m.DriftIndex, &inference, &tenant, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.TrainingRunID = training.String
	m.FeatureSetVersion = fsv.String
	m.WeightHash = hash.String
	m.InferenceTimestamp = inference.String
	m.TenantID = tenant.String
	return &m, nil
}

// InsertRegistry writes a decision lineage registry record.
func (s *Store) InsertRegistry(ctx context.Context, r *RegistryRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO decision_lineage_registry (
            gdli, event_id, event_hash, graph_state_version, feature_set_version,
            model_version, weight_hash, threshold_version, ers_score,
            decision_action, decision_id, case_id, override_flag,
            override_approvers, snapshot_id, tenant_id, frozen, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.GDLI, r.EventID, nullable(r.EventHash), nullable(r.GraphStateVersion),
		nullable(r.FeatureSetVersion), r.ModelVersion, nullable(r.WeightHash),
		r.ThresholdVersion, r.ERS, nullable(r.DecisionAction), nullable(r.DecisionID),
		nullable(r.CaseID), boolToInt(r.OverrideFlag), nullable(r.OverrideApprovers),
		nullable(r.SnapshotID), nullable(r.TenantID), boolToInt(r.Frozen), r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetRegistry loads a registry record by GDLI.
func (s *Store) GetRegistry(ctx context.Context, gdli string) (*RegistryRow, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry WHERE gdli = ?`, gdli)
	return scanRegistry(row)
}

// GetRegistryByEvent loads the registry record written for an event.
func (s *Store) GetRegistryByEvent(ctx context.Context, eventID string) (*RegistryRow, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry WHERE event_id = ?
        ORDER BY created_at DESC LIMIT 1`, eventID)
	return scanRegistry(row)
}

func scanRegistry(row *sql.Row) (*RegistryRow, error) {
	var r RegistryRow
	var hash, gsv, fsv, weightHash, action, decisionID, caseID sql.NullString
	var approvers, snapshotID, tenant sql.NullString
	var override, frozen int
	err := row.Scan(&r.GDLI, &r.EventID, &hash, &gsv, &fsv, &r.ModelVersion,
		&weightHash, &r.ThresholdVersion, &r.ERS, &action, &decisionID, &caseID,
		&override, &approvers, &snapshotID, &tenant, &frozen, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.EventHash = hash.String
	r.GraphStateVersion = gsv.String
	r.FeatureSetVersion = fsv.String
	r.WeightHash = weightHash.String
	r.DecisionAction = action.String
	r.DecisionID = decisionID.String
	r.CaseID = caseID.String
	r.OverrideApprovers = approvers.String
	r.SnapshotID = snapshotID.String
	r.TenantID = tenant.String
	r.OverrideFlag = override == 1
	r.Frozen = frozen == 1
	return &r, nil
}

// ListRegistryByModelVersion returns registry records produced by one
// model version, ascending by creation time.
func (s *Store) ListRegistryByModelVersion(ctx context.Context, modelVersion string) ([]RegistryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry WHERE model_version = ?
        ORDER BY created_at, gdli`, modelVersion)
	if err != nil {
		return nil, err
	}
	return collectRegistry(rows)
}

// ListRegistryByGSV returns registry records pinned to one graph state
// version.
func (s *Store) ListRegistryByGSV(ctx context.Context, gsv string) ([]RegistryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry WHERE graph_state_version = ?
        ORDER BY created_at, gdli`, gsv)
	if err != nil {
		return nil, err
	}
	return collectRegistry(rows)
}

func collectRegistry(rows *sql.Rows) ([]RegistryRow, error) {
	defer func() { _ = rows.Close() }()
	var out []RegistryRow
	for rows.Next() {
		var r RegistryRow
		var hash, gsv, fsv, weightHash, action, decisionID, caseID sql.NullString
		var approvers, snapshotID, tenant sql.NullString
		var override, frozen int
		if err := rows.Scan(&r.GDLI, &r.EventID, &hash, &gsv, &fsv, &r.ModelVersion,
			&weightHash, &r.ThresholdVersion, &r.ERS, &action, &decisionID, &caseID,
			&override, &approvers, &snapshotID, &tenant, &frozen, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.EventHash = hash.String
		r.GraphStateVersion = gsv.String
		r.FeatureSetVersion = fsv.String
		r.WeightHash = weightHash.String
		r.DecisionAction = action.String
		r.DecisionID = decisionID.String
		r.CaseID = caseID.String
		r.OverrideApprovers = approvers.String
		r.SnapshotID = snapshotID.String
		r.TenantID = tenant.String
		r.OverrideFlag = override == 1
		r.Frozen = frozen == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// FreezeRegistry flips a registry record's frozen flag. The flag is
// one-way: freezing an already-frozen record returns ErrAlreadyFrozen.
func (s *Store) FreezeRegistry(ctx context.Context, gdli string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decision_lineage_registry SET frozen = 1 WHERE gdli = ? AND frozen = 0`, gdli)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRegistry(ctx, gdli); err != nil {
			return err
		}
		return ErrAlreadyFrozen
	}
	return nil
}

// MaskLineageEventPII nulls geo coordinates and replaces the device
// fingerprint on an event's ingestion record. Hash fields are untouched.
func (s *Store) MaskLineageEventPII(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE lineage_event_nodes
        SET geo_lat = NULL, geo_lng = NULL, device_fingerprint = 'MASKED'
        WHERE event_id = ?`, eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRegistryByEventID returns every registry record written for one
// event, ascending by creation time.
func (s *Store) ListRegistryByEventID(ctx context.Context, eventID string) ([]RegistryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry WHERE event_id = ?
        ORDER BY created_at, gdli`, eventID)
	if err != nil {
		return nil, err
	}
	return collectRegistry(rows)
}

// ListRegistryByEventIDs returns registry records for a set of events.
func (s *Store) ListRegistryByEventIDs(ctx context.Context, eventIDs []string) ([]RegistryRow, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(eventIDs)-1) + "?"
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry WHERE event_id IN (`+placeholders+`)
        ORDER BY created_at, gdli`, args...)
	if err != nil {
		return nil, err
	}
	return collectRegistry(rows)
}

// ListRegistryFromGSV returns a tenant's registry records pinned at or
// after a graph state version.
func (s *Store) ListRegistryFromGSV(ctx context.Context, tenantID, gsv string) ([]RegistryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT gdli, event_id, event_hash, graph_state_version, feature_set_version,
               model_version, weight_hash, threshold_version, ers_score,
               decision_action, decision_id, case_id, override_flag,
               override_approvers, snapshot_id, tenant_id, frozen, created_at
        FROM decision_lineage_registry
        WHERE graph_state_version >= ? AND tenant_id = ?
        ORDER BY created_at, gdli`, gsv, tenantID)
	if err != nil {
		return nil, err
	}
	return collectRegistry(rows)
}

// ListTransformEventsByEdge returns the event ids of graph transforms
// whose affected edge list references an edge id. Affected edge ids are
// stored as a JSON array of strings.
func (s *Store) ListTransformEventsByEdge(ctx context.Context, edgeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT event_id FROM lineage_graph_transforms
        WHERE affected_edge_ids LIKE '%' || ? || '%'
        ORDER BY event_id`, edgeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertAccessLog records a governed lineage access.
func (s *Store) InsertAccessLog(ctx context.Context, a *AccessLogRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lineage_access_log (id, actor_id, actor_role, action, target_gdli, metadata, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActorID, a.ActorRole, a.Action, nullable(a.TargetGDLI),
		nullable(a.Metadata), a.CreatedAt)
	return err
}

// CountAccessesSince counts an actor's logged accesses of one action kind
// after the cutoff. Backs the replay rate limit.
func (s *Store) CountAccessesSince(ctx context.Context, actorID, action string, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM lineage_access_log
        WHERE actor_id = ? AND action = ? AND created_at > ?`,
		actorID, action, s.ts(since)).Scan(&c)
	return c, err
}

// CountAccessLogByAction counts all logged accesses of one action kind.
func (s *Store) CountAccessLogByAction(ctx context.Context, action string) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lineage_access_log WHERE action = ?`, action).Scan(&c)
	return c, err
}

// ActorActionCount is one actor's access tally for a single action.
type ActorActionCount struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Count     int    `json:"count"`
}

// CountAccessesByActor tallies logged accesses of one action kind per
// actor after the cutoff, busiest actors first.
func (s *Store) CountAccessesByActor(ctx context.Context, action string, since time.Time) ([]ActorActionCount, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT actor_id, actor_role, COUNT(*)
        FROM lineage_access_log
        WHERE action = ? AND created_at > ?
        GROUP BY actor_id, actor_role
        ORDER BY COUNT(*) DESC, actor_id`, action, s.ts(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []ActorActionCount
	for rows.Next() {
		var c ActorActionCount
		if err := rows.Scan(&c.ActorID, &c.ActorRole, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LineageKPIRow aggregates registry coverage figures.
type LineageKPIRow struct {
	TotalDecisions int
	WithGDLI       int
	WithGSV        int
	WithModel      int
	Frozen         int
	Overridden     int
}

// LineageKPIs computes registry completeness aggregates.
func (s *Store) LineageKPIs(ctx context.Context) (*LineageKPIRow, error) {
	var k LineageKPIRow
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(CASE WHEN gdli IS NOT NULL AND gdli != '' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN graph_state_version IS NOT NULL THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN model_version IS NOT NULL AND model_version != '' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN frozen = 1 THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN override_flag = 1 THEN 1 ELSE 0 END), 0)
        FROM decision_lineage_registry`).Scan(
		&k.TotalDecisions, &k.WithGDLI, &k.WithGSV, &k.WithModel, &k.Frozen, &k.Overridden)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
