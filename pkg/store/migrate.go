package store

import "context"

// Migrate creates the full relational schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS lrgf_events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    source TEXT NOT NULL,
    tenant_id TEXT,
    idempotency_key TEXT UNIQUE,
    event_hash TEXT NOT NULL,
    device_fingerprint TEXT,
    geo_lat REAL,
    geo_lng REAL,
    ip_address TEXT,
    user_agent TEXT,
    payload TEXT,
    created_at TEXT NOT NULL,
    integrity_status TEXT DEFAULT 'verified'
);

CREATE TABLE IF NOT EXISTS lrgf_validations (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    violation_count INTEGER DEFAULT 0,
    violations TEXT,
    validated_at TEXT
);

CREATE TABLE IF NOT EXISTS lrgf_risk_scores (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    tenant_id TEXT,
    ers_score INTEGER NOT NULL,
    model_version TEXT NOT NULL,
    weight_hash TEXT NOT NULL,
    factor_contributions TEXT,
    drift_index REAL DEFAULT 0,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lrgf_decisions (
    id TEXT PRIMARY KEY,
    score_id TEXT,
    event_id TEXT NOT NULL,
    tenant_id TEXT,
    ers_score INTEGER,
    action TEXT NOT NULL,
    sla TEXT,
    sla_deadline TEXT,
    escalation_level INTEGER DEFAULT 0,
    override_applied INTEGER DEFAULT 0,
    decided_at TEXT
);

CREATE TABLE IF NOT EXISTS lrgf_overrides (
    id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL,
    override_type TEXT DEFAULT 'manual',
    justification TEXT NOT NULL,
    new_action TEXT NOT NULL,
    approver_1_id TEXT NOT NULL,
    approver_1_role TEXT NOT NULL,
    approver_2_id TEXT NOT NULL,
    approver_2_role TEXT NOT NULL,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lrgf_cases (
    id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    tenant_id TEXT,
    assigned_line INTEGER NOT NULL,
    assigned_role TEXT NOT NULL,
    permissions TEXT,
    restrictions TEXT,
    sla TEXT,
    sla_deadline TEXT,
    line3_triggered INTEGER DEFAULT 0,
    status TEXT DEFAULT 'open',
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lrgf_evidence_chain (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    evidence_hash TEXT NOT NULL,
    prev_hash TEXT NOT NULL,
    evidence_package TEXT,
    timestamp_authority TEXT,
    frozen INTEGER DEFAULT 0,
    created_at TEXT,
    seq INTEGER
);

CREATE TABLE IF NOT EXISTS lrgf_blockchain_anchors (
    id TEXT PRIMARY KEY,
    evidence_chain_id TEXT NOT NULL,
    anchor_hash TEXT NOT NULL,
    anchor_data TEXT,
    trigger_reason TEXT NOT NULL,
    anchored_at TEXT
);

CREATE TABLE IF NOT EXISTS trust_graph_nodes (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT,
    node_type TEXT NOT NULL,
    entity_name TEXT,
    trust_score REAL DEFAULT 50,
    risk_level TEXT DEFAULT 'medium',
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS trust_graph_edges (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    weight REAL DEFAULT 1.0,
    risk_contribution REAL DEFAULT 0.1,
    confidence REAL DEFAULT 0.8,
    evidence_hash TEXT,
    created_by_role TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS trust_graph_snapshots (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    snapshot_hash TEXT NOT NULL,
    reason TEXT,
    node_count INTEGER,
    edge_count INTEGER,
    integrity_score INTEGER,
    integrity_grade TEXT,
    anomaly_count INTEGER,
    snapshot_data TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS tg_schema_changes (
    id TEXT PRIMARY KEY,
    version_id TEXT NOT NULL,
    proposer_id TEXT NOT NULL,
    proposer_role TEXT NOT NULL,
    title TEXT NOT NULL,
    impact_analysis TEXT,
    backward_compatible INTEGER DEFAULT 1,
    model_impact TEXT,
    status TEXT DEFAULT 'proposed',
    deployed_by TEXT,
    deployed_at TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS tg_schema_approvals (
    id TEXT PRIMARY KEY,
    rfc_id TEXT NOT NULL,
    approver_id TEXT NOT NULL,
    approver_role TEXT NOT NULL,
    approved_at TEXT
);

CREATE TABLE IF NOT EXISTS tg_weight_changes (
    id TEXT PRIMARY KEY,
    proposer_id TEXT NOT NULL,
    proposer_role TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    current_weight REAL,
    new_weight REAL NOT NULL,
    justification TEXT NOT NULL,
    model_impact_assessment TEXT,
    status TEXT DEFAULT 'proposed',
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS tg_weight_approvals (
    id TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL,
    approver_id TEXT NOT NULL,
    approver_role TEXT NOT NULL,
    approved_at TEXT
);

CREATE TABLE IF NOT EXISTS tg_graph_state_versions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version_number INTEGER NOT NULL,
    change_type TEXT NOT NULL,
    change_detail TEXT,
    change_hash TEXT NOT NULL,
    actor_id TEXT,
    actor_role TEXT,
    created_at TEXT,
    UNIQUE (tenant_id, version_number)
);

CREATE TABLE IF NOT EXISTS tg_overrides (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    override_type TEXT DEFAULT 'trust_score',
    old_value TEXT,
    new_value TEXT,
    justification TEXT NOT NULL,
    approver_1_id TEXT NOT NULL,
    approver_1_role TEXT NOT NULL,
    approver_2_id TEXT NOT NULL,
    approver_2_role TEXT NOT NULL,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS tg_audit_log (
    id TEXT PRIMARY KEY,
    artifact_type TEXT NOT NULL,
    data TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lineage_event_nodes (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    event_hash TEXT,
    source_system TEXT,
    event_type TEXT,
    ingest_timestamp TEXT,
    idempotency_key TEXT,
    geo_lat REAL,
    geo_lng REAL,
    device_fingerprint TEXT,
    tenant_id TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lineage_graph_transforms (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    graph_state_version TEXT,
    nodes_created INTEGER DEFAULT 0,
    edges_created INTEGER DEFAULT 0,
    weight_changes TEXT,
    propagation_depth INTEGER DEFAULT 0,
    risk_contribution_delta REAL DEFAULT 0,
    affected_node_ids TEXT,
    affected_edge_ids TEXT,
    tenant_id TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lineage_feature_map (
    id TEXT PRIMARY KEY,
    feature_id TEXT NOT NULL,
    feature_version TEXT DEFAULT 'v1',
    source_type TEXT DEFAULT 'derived',
    input_event_ids TEXT,
    input_node_ids TEXT,
    input_edge_ids TEXT,
    graph_state_version TEXT,
    computation_hash TEXT,
    value_at_time REAL,
    tenant_id TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lineage_model_records (
    id TEXT PRIMARY KEY,
    model_id TEXT DEFAULT 'ERS',
    model_version TEXT NOT NULL,
    training_run_id TEXT,
    feature_set_version TEXT,
    weight_hash TEXT,
    drift_status TEXT DEFAULT 'normal',
    drift_index REAL DEFAULT 0,
    inference_timestamp TEXT,
    tenant_id TEXT,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS decision_lineage_registry (
    gdli TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    event_hash TEXT,
    graph_state_version TEXT,
    feature_set_version TEXT,
    model_version TEXT NOT NULL,
    weight_hash TEXT,
    threshold_version TEXT DEFAULT 'v1',
    ers_score INTEGER,
    decision_action TEXT,
    decision_id TEXT,
    case_id TEXT,
    override_flag INTEGER DEFAULT 0,
    override_approvers TEXT,
    snapshot_id TEXT,
    tenant_id TEXT,
    frozen INTEGER DEFAULT 0,
    created_at TEXT
);

CREATE TABLE IF NOT EXISTS lineage_access_log (
    id TEXT PRIMARY KEY,
    actor_id TEXT NOT NULL,
    actor_role TEXT NOT NULL,
    action TEXT NOT NULL,
    target_gdli TEXT,
    metadata TEXT,
    created_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_lrgf_events_tenant ON lrgf_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_lrgf_events_hash ON lrgf_events(event_hash);
CREATE INDEX IF NOT EXISTS idx_lrgf_scores_event ON lrgf_risk_scores(event_id);
CREATE INDEX IF NOT EXISTS idx_lrgf_decisions_event ON lrgf_decisions(event_id);
CREATE INDEX IF NOT EXISTS idx_lrgf_cases_status ON lrgf_cases(status);
CREATE INDEX IF NOT EXISTS idx_lrgf_chain_seq ON lrgf_evidence_chain(seq);
CREATE INDEX IF NOT EXISTS idx_tg_nodes_tenant ON trust_graph_nodes(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tg_edges_tenant ON trust_graph_edges(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tg_edges_from ON trust_graph_edges(from_id);
CREATE INDEX IF NOT EXISTS idx_tg_edges_to ON trust_graph_edges(to_id);
CREATE INDEX IF NOT EXISTS idx_tg_snapshots_tenant ON trust_graph_snapshots(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tg_schema_status ON tg_schema_changes(status);
CREATE INDEX IF NOT EXISTS idx_tg_weight_status ON tg_weight_changes(status);
CREATE INDEX IF NOT EXISTS idx_tg_gsv_tenant ON tg_graph_state_versions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tg_overrides_tenant ON tg_overrides(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tg_audit_type ON tg_audit_log(artifact_type);
CREATE INDEX IF NOT EXISTS idx_lineage_events_eid ON lineage_event_nodes(event_id);
CREATE INDEX IF NOT EXISTS idx_lineage_graph_eid ON lineage_graph_transforms(event_id);
CREATE INDEX IF NOT EXISTS idx_lineage_feature_gsv ON lineage_feature_map(graph_state_version);
CREATE INDEX IF NOT EXISTS idx_lineage_model_ver ON lineage_model_records(model_version);
CREATE INDEX IF NOT EXISTS idx_dlr_event ON decision_lineage_registry(event_id);
CREATE INDEX IF NOT EXISTS idx_dlr_tenant ON decision_lineage_registry(tenant_id);
CREATE INDEX IF NOT EXISTS idx_dlr_model ON decision_lineage_registry(model_version);
CREATE INDEX IF NOT EXISTS idx_lacl_actor ON lineage_access_log(actor_id);
CREATE INDEX IF NOT EXISTS idx_lacl_action ON lineage_access_log(action);
`
