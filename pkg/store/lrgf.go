package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EventRow is one immutable ingested logistics event.
type EventRow struct {
	ID                string   `json:"id"`
	EventType         string   `json:"event_type"`
	Source            string   `json:"source"`
	TenantID          string   `json:"tenant_id,omitempty"`
	IdempotencyKey    string   `json:"idempotency_key,omitempty"`
	EventHash         string   `json:"event_hash"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	GeoLat            *float64 `json:"geo_lat,omitempty"`
	GeoLng            *float64 `json:"geo_lng,omitempty"`
	IPAddress         string   `json:"ip_address,omitempty"`
	UserAgent         string   `json:"user_agent,omitempty"`
	Payload           string   `json:"payload,omitempty"`
	CreatedAt         string   `json:"created_at"`
	IntegrityStatus   string   `json:"integrity_status"`
}

// ValidationRow is the per-event route validation result.
type ValidationRow struct {
	ID             string `json:"id"`
	EventID        string `json:"event_id"`
	ViolationCount int    `json:"violation_count"`
	Violations     string `json:"violations"`
	ValidatedAt    string `json:"validated_at"`
}

// RiskScoreRow is one immutable ERS computation.
type RiskScoreRow struct {
	ID                  string  `json:"id"`
	EventID             string  `json:"event_id"`
	TenantID            string  `json:"tenant_id,omitempty"`
	ERS                 int     `json:"ers_score"`
	ModelVersion        string  `json:"model_version"`
	WeightHash          string  `json:"weight_hash"`
	FactorContributions string  `json:"factor_contributions"`
	DriftIndex          float64 `json:"drift_index"`
	CreatedAt           string  `json:"created_at"`
}

// DecisionRow is one threshold decision. The action mutates at most once,
// through an override; override_applied flips 0→1 and never back.
type DecisionRow struct {
	ID              string `json:"id"`
	ScoreID         string `json:"score_id"`
	EventID         string `json:"event_id"`
	TenantID        string `json:"tenant_id,omitempty"`
	ERS             int    `json:"ers_score"`
	Action          string `json:"action"`
	SLA             string `json:"sla,omitempty"`
	SLADeadline     string `json:"sla_deadline,omitempty"`
	EscalationLevel int    `json:"escalation_level"`
	OverrideApplied bool   `json:"override_applied"`
	DecidedAt       string `json:"decided_at"`
}

// OverrideRow is an immutable 4-eyes override record.
type OverrideRow struct {
	ID            string `json:"id"`
	DecisionID    string `json:"decision_id"`
	OverrideType  string `json:"override_type"`
	Justification string `json:"justification"`
	NewAction     string `json:"new_action"`
	Approver1ID   string `json:"approver_1_id"`
	Approver1Role string `json:"approver_1_role"`
	Approver2ID   string `json:"approver_2_id"`
	Approver2Role string `json:"approver_2_role"`
	CreatedAt     string `json:"created_at"`
}

// CaseRow is a work item; status only ever transitions open → frozen.
type CaseRow struct {
	ID             string `json:"id"`
	DecisionID     string `json:"decision_id"`
	EventID        string `json:"event_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	AssignedLine   int    `json:"assigned_line"`
	AssignedRole   string `json:"assigned_role"`
	Permissions    string `json:"permissions"`
	Restrictions   string `json:"restrictions"`
	SLA            string `json:"sla,omitempty"`
	SLADeadline    string `json:"sla_deadline,omitempty"`
	Line3Triggered bool   `json:"line3_triggered"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// EvidenceLinkRow is one link of the append-only evidence hash chain.
type EvidenceLinkRow struct {
	ID                 string `json:"id"`
	CaseID             string `json:"case_id"`
	EvidenceHash       string `json:"evidence_hash"`
	PrevHash           string `json:"prev_hash"`
	EvidencePackage    string `json:"evidence_package"`
	TimestampAuthority string `json:"timestamp_authority"`
	Frozen             bool   `json:"frozen"`
	CreatedAt          string `json:"created_at"`
	Seq                int64  `json:"seq"`
}

// AnchorRow stores only derived hashes, never raw event content.
type AnchorRow struct {
	ID              string `json:"id"`
	EvidenceChainID string `json:"evidence_chain_id"`
	AnchorHash      string `json:"anchor_hash"`
	AnchorData      string `json:"anchor_data"`
	TriggerReason   string `json:"trigger_reason"`
	AnchoredAt      string `json:"anchored_at"`
}

// InsertEvent writes an immutable event row. A colliding idempotency key
// returns ErrDuplicateKey; callers resolve the winner via
// FindEventByIdempotencyKey.
func (s *Store) InsertEvent(ctx context.Context, e *EventRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lrgf_events (
            id, event_type, source, tenant_id, idempotency_key,
            event_hash, device_fingerprint, geo_lat, geo_lng,
            ip_address, user_agent, payload, created_at, integrity_status
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.Source, nullable(e.TenantID), nullable(e.IdempotencyKey),
		e.EventHash, nullable(e.DeviceFingerprint), nullableF(e.GeoLat), nullableF(e.GeoLng),
		nullable(e.IPAddress), nullable(e.UserAgent), e.Payload, e.CreatedAt, e.IntegrityStatus,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, e.IdempotencyKey)
	}
	return err
}

// FindEventByIdempotencyKey returns the id of the event holding the key.
func (s *Store) FindEventByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM lrgf_events WHERE idempotency_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// GetEvent loads a single event row.
func (s *Store) GetEvent(ctx context.Context, id string) (*EventRow, error) {
	var e EventRow
	var tenant, idemKey, device, ip, ua, payload sql.NullString
	var lat, lng sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
        SELECT id, event_type, source, tenant_id, idempotency_key, event_hash,
               device_fingerprint, geo_lat, geo_lng, ip_address, user_agent,
               payload, created_at, integrity_status
        FROM lrgf_events WHERE id = ?`, id).Scan(
		&e.ID, &e.EventType, &e.Source, &tenant, &idemKey, &e.EventHash,
		&device, &lat, &lng, &ip, &ua, &payload, &e.CreatedAt, &e.IntegrityStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.TenantID = tenant.String
	e.IdempotencyKey = idemKey.String
	e.DeviceFingerprint = device.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.Payload = payload.String
	if lat.Valid {
		e.GeoLat = &lat.Float64
	}
	if lng.Valid {
		e.GeoLng = &lng.Float64
	}
	return &e, nil
}

// InsertValidation records the route validation outcome for an event.
func (s *Store) InsertValidation(ctx context.Context, v *ValidationRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lrgf_validations (id, event_id, violation_count, violations, validated_at)
        VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.EventID, v.ViolationCount, v.Violations, v.ValidatedAt)
	return err
}

// InsertRiskScore writes an immutable score row.
func (s *Store) InsertRiskScore(ctx context.Context, r *RiskScoreRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lrgf_risk_scores (
            id, event_id, tenant_id, ers_score, model_version, weight_hash,
            factor_contributions, drift_index, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EventID, nullable(r.TenantID), r.ERS, r.ModelVersion,
		r.WeightHash, r.FactorContributions, r.DriftIndex, r.CreatedAt)
	return err
}

// AvgERSSince returns the tenant's rolling average ERS over scores created
// after the cutoff. ok is false when the tenant has no history yet.
func (s *Store) AvgERSSince(ctx context.Context, tenantID string, since time.Time) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
        SELECT AVG(ers_score) FROM lrgf_risk_scores
        WHERE tenant_id = ? AND created_at > ?`,
		tenantID, s.ts(since)).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	return avg.Float64, avg.Valid, nil
}

// GetRiskScoreByEvent loads the score written for an event.
func (s *Store) GetRiskScoreByEvent(ctx context.Context, eventID string) (*RiskScoreRow, error) {
	var r RiskScoreRow
	var tenant sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT id, event_id, tenant_id, ers_score, model_version, weight_hash,
               factor_contributions, drift_index, created_at
        FROM lrgf_risk_scores WHERE event_id = ?`, eventID).Scan(
		&r.ID, &r.EventID, &tenant, &r.ERS, &r.ModelVersion, &r.WeightHash,
		&r.FactorContributions, &r.DriftIndex, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.TenantID = tenant.String
	return &r, nil
}

// InsertDecision writes a decision row.
func (s *Store) InsertDecision(ctx context.Context, d *DecisionRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lrgf_decisions (
            id, score_id, event_id, tenant_id, ers_score, action, sla,
            sla_deadline, escalation_level, override_applied, decided_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ScoreID, d.EventID, nullable(d.TenantID), d.ERS, d.Action,
		nullable(d.SLA), nullable(d.SLADeadline), d.EscalationLevel,
		boolToInt(d.OverrideApplied), d.DecidedAt)
	return err
}

// GetDecision loads a decision row.
func (s *Store) GetDecision(ctx context.Context, id string) (*DecisionRow, error) {
	var d DecisionRow
	var tenant, slaStr, deadline sql.NullString
	var overridden int
	err := s.db.QueryRowContext(ctx, `
        SELECT id, score_id, event_id, tenant_id, ers_score, action, sla,
               sla_deadline, escalation_level, override_applied, decided_at
        FROM lrgf_decisions WHERE id = ?`, id).Scan(
		&d.ID, &d.ScoreID, &d.EventID, &tenant, &d.ERS, &d.Action, &slaStr,
		&deadline, &d.EscalationLevel, &overridden, &d.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.TenantID = tenant.String
	d.SLA = slaStr.String
	d.SLADeadline = deadline.String
	d.OverrideApplied = overridden == 1
	return &d, nil
}

// ApplyDecisionOverride records the override and mutates the decision
// action in one transaction. The original decision row otherwise persists.
func (s *Store) ApplyDecisionOverride(ctx context.Context, o *OverrideRow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO lrgf_overrides (
                id, decision_id, override_type, justification, new_action,
                approver_1_id, approver_1_role, approver_2_id, approver_2_role, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.DecisionID, o.OverrideType, o.Justification, o.NewAction,
			o.Approver1ID, o.Approver1Role, o.Approver2ID, o.Approver2Role, o.CreatedAt,
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE lrgf_decisions SET override_applied = 1, action = ? WHERE id = ?`,
			o.NewAction, o.DecisionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("decision %s: %w", o.DecisionID, ErrNotFound)
		}
		return nil
	})
}

// ListOverridesByDecision returns the override history of a decision.
func (s *Store) ListOverridesByDecision(ctx context.Context, decisionID string) ([]OverrideRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, decision_id, override_type, justification, new_action,
               approver_1_id, approver_1_role, approver_2_id, approver_2_role, created_at
        FROM lrgf_overrides WHERE decision_id = ? ORDER BY created_at`, decisionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OverrideRow
	for rows.Next() {
		var o OverrideRow
		if err := rows.Scan(&o.ID, &o.DecisionID, &o.OverrideType, &o.Justification,
			&o.NewAction, &o.Approver1ID, &o.Approver1Role, &o.Approver2ID,
			&o.Approver2Role, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOverridesSince counts override records created after the cutoff.
func (s *Store) CountOverridesSince(ctx context.Context, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lrgf_overrides WHERE created_at > ?`,
		s.ts(since)).Scan(&c)
	return c, err
}

// InsertCase writes a case work item.
func (s *Store) InsertCase(ctx context.Context, c *CaseRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lrgf_cases (
            id, decision_id, event_id, tenant_id, assigned_line, assigned_role,
            permissions, restrictions, sla, sla_deadline, line3_triggered,
            status, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DecisionID, c.EventID, nullable(c.TenantID), c.AssignedLine,
		c.AssignedRole, c.Permissions, c.Restrictions, nullable(c.SLA),
		nullable(c.SLADeadline), boolToInt(c.Line3Triggered), c.Status, c.CreatedAt)
	return err
}

// GetCase loads a case row.
func (s *Store) GetCase(ctx context.Context, id string) (*CaseRow, error) {
	var c CaseRow
	var tenant, slaStr, deadline sql.NullString
	var line3 int
	err := s.db.QueryRowContext(ctx, `
        SELECT id, decision_id, event_id, tenant_id, assigned_line, assigned_role,
               permissions, restrictions, sla, sla_deadline, line3_triggered,
               status, created_at
        FROM lrgf_cases WHERE id = ?`, id).Scan(
		&c.ID, &c.DecisionID, &c.EventID, &tenant, &c.AssignedLine, &c.AssignedRole,
		&c.Permissions, &c.Restrictions, &slaStr, &deadline, &line3, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.TenantID = tenant.String
	c.SLA = slaStr.String
	c.SLADeadline = deadline.String
	c.Line3Triggered = line3 == 1
	return &c, nil
}

// FreezeCase transitions a case open → frozen. Freezing a case that is
// already frozen returns ErrAlreadyFrozen.
func (s *Store) FreezeCase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lrgf_cases SET status = 'frozen' WHERE id = ? AND status = 'open'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetCase(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyFrozen
	}
	return nil
}

// AppendEvidenceLink serializes "read last hash, then append". The build
// callback receives the previous link's hash (genesis when the chain is
// empty) and the next sequence number, and returns the completed link.
func (s *Store) AppendEvidenceLink(ctx context.Context, genesisHash string,
	build func(prevHash string, seq int64) (*EvidenceLinkRow, error)) (*EvidenceLinkRow, error) {

	s.chainMu.Lock()
	defer s.chainMu.Unlock()

	var link *EvidenceLinkRow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prevHash := genesisHash
		var seq int64
		var lastHash sql.NullString
		var lastSeq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT evidence_hash, seq FROM lrgf_evidence_chain ORDER BY seq DESC LIMIT 1`).
			Scan(&lastHash, &lastSeq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			seq = 1
		case err != nil:
			return err
		default:
			prevHash = lastHash.String
			seq = lastSeq.Int64 + 1
		}

		link, err = build(prevHash, seq)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
            INSERT INTO lrgf_evidence_chain (
                id, case_id, evidence_hash, prev_hash, evidence_package,
                timestamp_authority, frozen, created_at, seq
            ) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			link.ID, link.CaseID, link.EvidenceHash, link.PrevHash,
			link.EvidencePackage, link.TimestampAuthority, link.CreatedAt, link.Seq)
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// ListEvidenceChain returns the chain in append order for verification.
func (s *Store) ListEvidenceChain(ctx context.Context) ([]EvidenceLinkRow, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, case_id, evidence_hash, prev_hash, evidence_package,
               timestamp_authority, frozen, created_at, seq
        FROM lrgf_evidence_chain ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EvidenceLinkRow
	for rows.Next() {
		var l EvidenceLinkRow
		var frozen int
		if err := rows.Scan(&l.ID, &l.CaseID, &l.EvidenceHash, &l.PrevHash,
			&l.EvidencePackage, &l.TimestampAuthority, &frozen, &l.CreatedAt, &l.Seq); err != nil {
			return nil, err
		}
		l.Frozen = frozen == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountEvidenceLinksByCases counts chain links referencing any of caseIDs.
func (s *Store) CountEvidenceLinksByCases(ctx context.Context, caseIDs []string) (int, error) {
	if len(caseIDs) == 0 {
		return 0, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(caseIDs))
	for i, id := range caseIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	var c int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lrgf_evidence_chain WHERE case_id IN (`+placeholders+`)`,
		args...).Scan(&c)
	return c, err
}

// InsertAnchor writes a blockchain anchor record.
func (s *Store) InsertAnchor(ctx context.Context, a *AnchorRow) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO lrgf_blockchain_anchors (
            id, evidence_chain_id, anchor_hash, anchor_data, trigger_reason, anchored_at
        ) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.EvidenceChainID, a.AnchorHash, a.AnchorData, a.TriggerReason, a.AnchoredAt)
	return err
}

// ExposureCounts aggregates the rolling-window board metrics for a tenant.
type ExposureCounts struct {
	TotalEvents int
	Anomalies   int
	Locks       int
	Overrides   int
	AvgDrift    float64
	FrozenCases int
	SLABreaches int
}

// ExposureSince computes the board exposure aggregates for events,
// decisions and cases created after the cutoff.
func (s *Store) ExposureSince(ctx context.Context, tenantID string, since, now time.Time) (*ExposureCounts, error) {
	out := &ExposureCounts{}
	cutoff := s.ts(since)

	q := func(dst *int, query string, args ...interface{}) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(dst)
	}

	if err := q(&out.TotalEvents,
		`SELECT COUNT(*) FROM lrgf_events WHERE tenant_id = ? AND created_at > ?`,
		tenantID, cutoff); err != nil {
		return nil, err
	}
	if err := q(&out.Anomalies,
		`SELECT COUNT(*) FROM lrgf_decisions WHERE tenant_id = ? AND action != 'LOG' AND decided_at > ?`,
		tenantID, cutoff); err != nil {
		return nil, err
	}
	if err := q(&out.Locks,
		`SELECT COUNT(*) FROM lrgf_decisions WHERE tenant_id = ? AND action = 'LOCK_CEO_NOTIFY' AND decided_at > ?`,
		tenantID, cutoff); err != nil {
		return nil, err
	}
	if err := q(&out.Overrides, `
        SELECT COUNT(*) FROM lrgf_overrides o
        JOIN lrgf_decisions d ON d.id = o.decision_id
        WHERE d.tenant_id = ? AND o.created_at > ?`,
		tenantID, cutoff); err != nil {
		return nil, err
	}
	var drift sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(drift_index) FROM lrgf_risk_scores WHERE tenant_id = ? AND created_at > ?`,
		tenantID, cutoff).Scan(&drift); err != nil {
		return nil, err
	}
	out.AvgDrift = drift.Float64
	if err := q(&out.FrozenCases,
		`SELECT COUNT(*) FROM lrgf_cases WHERE tenant_id = ? AND status = 'frozen' AND created_at > ?`,
		tenantID, cutoff); err != nil {
		return nil, err
	}
	if err := q(&out.SLABreaches,
		`SELECT COUNT(*) FROM lrgf_cases WHERE tenant_id = ? AND status = 'open' AND sla_deadline IS NOT NULL AND sla_deadline < ?`,
		tenantID, s.ts(now)); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
