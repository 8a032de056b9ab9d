package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/store"
)

// caseTemplate is the three-lines assignment for one action band.
// Line 1 is Ops, line 2 is Risk and Compliance; line 3 (Internal Audit)
// is a trigger flag, not an assignment.
type caseTemplate struct {
	line         int
	role         string
	permissions  []string
	restrictions []string
}

var caseTemplates = map[string]caseTemplate{
	ActionOpsReview: {
		line: 1,
		role: "operator",
		permissions: []string{"verify_shipment", "confirm_docs",
			"contact_distributor", "attach_evidence"},
		restrictions: []string{"CANNOT modify ERS weight", "CANNOT modify threshold",
			"CANNOT delete event"},
	},
	ActionRiskEscalation: {
		line: 2,
		role: "risk_officer",
		permissions: []string{"validate_anomaly", "approve_recalibration",
			"request_model_retrain"},
		restrictions: []string{"CANNOT deploy model without co-signer",
			"CANNOT override without 4-eyes"},
	},
	ActionLockCEONotify: {
		line:         2,
		role:         "risk_officer",
		permissions:  []string{"full_investigation", "freeze_evidence", "trigger_legal_hold"},
		restrictions: []string{"CANNOT release lock without CEO sign-off"},
	},
}

// CaseResult reports a case assignment. LOG decisions assign nothing.
type CaseResult struct {
	CaseID         string   `json:"case_id,omitempty"`
	Assigned       bool     `json:"assigned"`
	Reason         string   `json:"reason,omitempty"`
	AssignedLine   int      `json:"assigned_line,omitempty"`
	AssignedRole   string   `json:"assigned_role,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Restrictions   []string `json:"restrictions,omitempty"`
	Line3Triggered bool     `json:"line3_triggered"`
	SLA            string   `json:"sla,omitempty"`
}

// AssignCase opens a work item for any decision above the LOG band,
// derives the line assignment from the action, and independently
// evaluates the Line-3 escalation rule.
func (e *Engine) AssignCase(ctx context.Context, decision *DecisionResult) (*CaseResult, error) {
	if decision.Action == ActionLog {
		return &CaseResult{Assigned: false, Reason: "Below threshold"}, nil
	}
	tmpl, ok := caseTemplates[decision.Action]
	if !ok {
		return &CaseResult{Assigned: false, Reason: "No workflow for action"}, nil
	}

	line3, err := e.checkLine3Trigger(ctx, decision)
	if err != nil {
		return nil, err
	}

	perms, err := json.Marshal(tmpl.permissions)
	if err != nil {
		return nil, err
	}
	restr, err := json.Marshal(tmpl.restrictions)
	if err != nil {
		return nil, err
	}
	caseID := uuid.New().String()
	if err := e.store.InsertCase(ctx, &store.CaseRow{
		ID:             caseID,
		DecisionID:     decision.DecisionID,
		EventID:        decision.EventID,
		TenantID:       decision.TenantID,
		AssignedLine:   tmpl.line,
		AssignedRole:   tmpl.role,
		Permissions:    string(perms),
		Restrictions:   string(restr),
		SLA:            decision.SLA,
		SLADeadline:    decision.SLADeadline,
		Line3Triggered: line3,
		Status:         "open",
		CreatedAt:      e.store.NowString(),
	}); err != nil {
		return nil, err
	}

	if e.obs != nil {
		e.obs.CaseOpened(ctx)
	}

	return &CaseResult{
		CaseID:         caseID,
		Assigned:       true,
		AssignedLine:   tmpl.line,
		AssignedRole:   tmpl.role,
		Permissions:    tmpl.permissions,
		Restrictions:   tmpl.restrictions,
		Line3Triggered: line3,
		SLA:            decision.SLA,
	}, nil
}

// checkLine3Trigger evaluates the Internal Audit escalation rule over
// the recent override count, the decision's score and its drift index.
func (e *Engine) checkLine3Trigger(ctx context.Context, decision *DecisionResult) (bool, error) {
	overrides, err := e.store.CountOverridesSince(ctx, e.store.Now().Add(-7*24*time.Hour))
	if err != nil {
		return false, err
	}

	var drift float64
	score, err := e.store.GetRiskScoreByEvent(ctx, decision.EventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if score != nil {
		drift = score.DriftIndex
	}

	out, _, err := e.line3.Eval(map[string]interface{}{
		"override_count_7d": int64(overrides),
		"ers":               int64(decision.ERS),
		"drift":             drift,
	})
	if err != nil {
		return false, err
	}
	triggered, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}
	return triggered, nil
}
