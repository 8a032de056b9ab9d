package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/store"
)

// Decision actions, by escalating band.
const (
	ActionLog            = "LOG"
	ActionOpsReview      = "OPS_REVIEW"
	ActionRiskEscalation = "RISK_ESCALATION"
	ActionLockCEONotify  = "LOCK_CEO_NOTIFY"
)

// DecisionResult is one threshold decision.
type DecisionResult struct {
	DecisionID      string `json:"decision_id"`
	EventID         string `json:"event_id"`
	ERS             int    `json:"ers"`
	Action          string `json:"action"`
	SLA             string `json:"sla,omitempty"`
	SLADeadline     string `json:"sla_deadline,omitempty"`
	EscalationLevel int    `json:"escalation_level"`
	OverrideApplied bool   `json:"override_applied"`
	TenantID        string `json:"tenant_id,omitempty"`
}

// Decide maps an ERS to its action band and writes the decision row with
// the computed SLA deadline.
func (e *Engine) Decide(ctx context.Context, score *ScoreResult) (*DecisionResult, error) {
	t := e.registry.Thresholds()

	var action, sla string
	var escalation int
	switch {
	case score.ERS <= t.Log:
		action, sla, escalation = ActionLog, "", 0
	case score.ERS <= t.OpsReview:
		action, sla, escalation = ActionOpsReview, "24h", 1
	case score.ERS <= t.RiskEscalation:
		action, sla, escalation = ActionRiskEscalation, "4h", 2
	default:
		action, sla, escalation = ActionLockCEONotify, "1h", 3
	}

	now := e.store.Now()
	var deadline string
	if sla != "" {
		deadline = store.FormatTime(now.Add(parseSLA(sla)))
	}

	decisionID := uuid.New().String()
	if err := e.store.InsertDecision(ctx, &store.DecisionRow{
		ID:              decisionID,
		ScoreID:         score.ScoreID,
		EventID:         score.EventID,
		TenantID:        score.TenantID,
		ERS:             score.ERS,
		Action:          action,
		SLA:             sla,
		SLADeadline:     deadline,
		EscalationLevel: escalation,
		DecidedAt:       store.FormatTime(now),
	}); err != nil {
		return nil, err
	}

	_ = e.audit.Record(ctx, audit.EventDecision, action, score.EventID,
		map[string]interface{}{"ers": score.ERS, "decision_id": decisionID})
	if e.obs != nil {
		e.obs.RecordDecision(ctx, action)
	}

	return &DecisionResult{
		DecisionID:      decisionID,
		EventID:         score.EventID,
		ERS:             score.ERS,
		Action:          action,
		SLA:             sla,
		SLADeadline:     deadline,
		EscalationLevel: escalation,
		TenantID:        score.TenantID,
	}, nil
}

var slaPattern = regexp.MustCompile(`^(\d+)(h|d|m)$`)

// parseSLA turns "24h", "3d" or "30m" into a duration, defaulting to 24h
// for anything unparseable.
func parseSLA(sla string) time.Duration {
	m := slaPattern.FindStringSubmatch(sla)
	if m == nil {
		return 24 * time.Hour
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute
	case "d":
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Duration(n) * time.Hour
	}
}

// Approver identifies one override signatory.
type Approver struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// OverrideData describes the requested decision change.
type OverrideData struct {
	Type          string `json:"type,omitempty"`
	Justification string `json:"justification"`
	NewAction     string `json:"new_action"`
}

// OverrideResult reports a recorded override.
type OverrideResult struct {
	OverrideID string     `json:"override_id"`
	DecisionID string     `json:"decision_id"`
	ApprovedBy []Approver `json:"approved_by"`
}

const minJustification = 20

// OverrideDecision mutates a decision's action under the 4-eyes rule:
// at least two approvers, at least two distinct roles, and a
// justification of 20 characters or more. The override record itself is
// append-only; the decision keeps both its original row and the flag.
func (e *Engine) OverrideDecision(ctx context.Context, decisionID string, data OverrideData, approvers []Approver) (*OverrideResult, error) {
	if len(approvers) < 2 {
		return nil, fmt.Errorf("%w: 4-eyes rule requires at least 2 approvers", ErrValidation)
	}
	roles := make(map[string]struct{}, len(approvers))
	for _, a := range approvers {
		roles[a.Role] = struct{}{}
	}
	if len(roles) < 2 {
		return nil, fmt.Errorf("%w: 4-eyes rule requires approvers with different roles", ErrValidation)
	}
	if len(data.Justification) < minJustification {
		return nil, fmt.Errorf("%w: override justification requires at least %d characters", ErrValidation, minJustification)
	}
	if data.NewAction == "" {
		return nil, fmt.Errorf("%w: override requires a new action", ErrValidation)
	}

	overrideType := data.Type
	if overrideType == "" {
		overrideType = "manual"
	}
	overrideID := uuid.New().String()
	if err := e.store.ApplyDecisionOverride(ctx, &store.OverrideRow{
		ID:            overrideID,
		DecisionID:    decisionID,
		OverrideType:  overrideType,
		Justification: data.Justification,
		NewAction:     data.NewAction,
		Approver1ID:   approvers[0].ID,
		Approver1Role: approvers[0].Role,
		Approver2ID:   approvers[1].ID,
		Approver2Role: approvers[1].Role,
		CreatedAt:     e.store.NowString(),
	}); err != nil {
		return nil, err
	}

	_ = e.audit.Record(ctx, audit.EventOverride, data.NewAction, decisionID,
		map[string]interface{}{"override_id": overrideID, "approvers": len(approvers)})

	approved := make([]Approver, len(approvers))
	copy(approved, approvers)
	return &OverrideResult{
		OverrideID: overrideID,
		DecisionID: decisionID,
		ApprovedBy: approved,
	}, nil
}
