// Package graphgov is the governance layer over the trust graph engine.
// It enforces an 11-role authority matrix, graph-specific separation of
// duties, proposal/dual-approval/deploy workflows for schema and weight
// changes, and per-tenant graph state versioning.
package graphgov

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can branch on.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrSoDViolation = errors.New("separation of duties violation")
	ErrValidation   = errors.New("validation failed")
)

// Governance roles, four tiers.
const (
	RoleGGC           = "GGC"
	RoleSA            = "SA"
	RoleRiskCommittee = "RISK_COMMITTEE"
	RoleCompliance    = "COMPLIANCE"
	RoleIVU           = "IVU"
	RoleAdminCompany  = "ADMIN_COMPANY"
	RoleCEO           = "CEO"
	RoleOps           = "OPS"
	RoleIT            = "IT"
	RoleSCM           = "SCM"
	RoleBlockchainOp  = "BLOCKCHAIN_OP"
)

// RoleDef is one role's explicit authority: anything not in Can, or
// present in Cannot, is denied.
type RoleDef struct {
	Tier   string
	Name   string
	Can    []string
	Cannot []string
}

// GovernanceRoles is the full authority matrix.
var GovernanceRoles = map[string]RoleDef{
	RoleGGC: {
		Tier: "governance",
		Name: "Graph Governance Committee",
		Can: []string{"approve_schema_change", "approve_edge_type", "approve_propagation_logic",
			"approve_metric_change", "approve_structural_recalibration", "cross_tenant_query"},
		Cannot: []string{"modify_weight", "override_trust", "deploy_model", "access_raw_data"},
	},
	RoleSA: {
		Tier: "risk_control",
		Name: "Super Admin",
		Can: []string{"deploy_schema", "manage_tenant_isolation", "audit_access",
			"manage_snapshot_storage", "cross_tenant_query_audit_only"},
		Cannot: []string{"modify_weight", "override_trust", "change_model_feature",
			"approve_schema_change", "access_tenant_raw_graph"},
	},
	RoleRiskCommittee: {
		Tier: "risk_control",
		Name: "Risk Committee",
		Can: []string{"propose_weight_recalibration", "approve_override", "set_risk_threshold",
			"trigger_forensic_snapshot", "review_model_impact"},
		Cannot: []string{"change_schema", "cross_tenant_raw_graph", "deploy_schema"},
	},
	RoleCompliance: {
		Tier: "risk_control",
		Name: "Compliance",
		Can: []string{"dual_approve_weight", "approve_high_risk_override",
			"approve_regulatory_export", "data_access_review"},
		Cannot: []string{"change_schema", "propose_weight", "deploy_model"},
	},
	RoleIVU: {
		Tier: "risk_control",
		Name: "Model Validation Unit",
		Can: []string{"validate_model", "monitor_drift", "review_bias",
			"audit_feature_lineage", "recommend_rollback", "view_graph_readonly"},
		Cannot: []string{"modify_weight", "change_schema", "override_trust", "deploy_model"},
	},
	RoleAdminCompany: {
		Tier: "business",
		Name: "Admin Company (Tenant)",
		Can: []string{"add_distributor", "configure_supply_route", "define_geo_zone",
			"adjust_alert_threshold_in_band", "view_tenant_graph"},
		Cannot: []string{"change_schema", "modify_edge_weight", "change_propagation_logic",
			"override_trust", "cross_tenant_query"},
	},
	RoleCEO: {
		Tier: "business",
		Name: "CEO (Tenant Executive)",
		Can: []string{"view_dashboard_summary", "view_cluster_risk", "view_override_log",
			"request_special_review"},
		Cannot: []string{"structural_manipulation", "modify_weight", "override_trust"},
	},
	RoleOps: {
		Tier: "business",
		Name: "Operations",
		Can: []string{"execute_shipment", "scan_event", "trigger_event_node",
			"update_status", "view_tenant_graph"},
		Cannot: []string{"modify_weight", "override_trust", "trigger_schema_change"},
	},
	RoleIT: {
		Tier:   "technical",
		Name:   "IT (Tenant)",
		Can:    []string{"manage_integration", "device_management", "api_configuration"},
		Cannot: []string{"access_trust_logic", "modify_graph_weight"},
	},
	RoleSCM: {
		Tier:   "technical",
		Name:   "SCM Function",
		Can:    []string{"view_route_risk", "view_cluster_exposure", "analyze_network"},
		Cannot: []string{"structural_modification", "modify_weight"},
	},
	RoleBlockchainOp: {
		Tier:   "technical",
		Name:   "Blockchain Node Operator",
		Can:    []string{"anchor_snapshot_hash", "verify_integrity"},
		Cannot: []string{"access_internal_graph", "modify_weight"},
	},
}

// sodConflicts are action pairs that must never be held by the same actor
// within one approval flow.
var sodConflicts = [][2]string{
	{"approve_schema_change", "deploy_schema"},
	{"propose_weight_recalibration", "approve_weight_recalibration"},
	{"propose_weight_recalibration", "deploy_weight_change"},
	{"approve_override", "execute_override"},
	{"trigger_forensic_snapshot", "delete_snapshot"},
	{"validate_model", "deploy_model"},
	{"create_edge", "approve_edge_weight"},
}

// CheckAuthority enforces default-deny: the action must be listed in Can
// and absent from Cannot.
func CheckAuthority(role, action string) error {
	def, ok := GovernanceRoles[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrAccessDenied, role)
	}
	for _, a := range def.Cannot {
		if a == action {
			return fmt.Errorf("%w: role %s explicitly cannot %s", ErrAccessDenied, role, action)
		}
	}
	for _, a := range def.Can {
		if a == action {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s not authorized for %s", ErrAccessDenied, role, action)
}

// CheckSoD reports whether two actions form a prohibited pair.
func CheckSoD(actionA, actionB string) error {
	for _, pair := range sodConflicts {
		if (actionA == pair[0] && actionB == pair[1]) || (actionA == pair[1] && actionB == pair[0]) {
			return fmt.Errorf("%w: %q and %q cannot be held by the same actor", ErrSoDViolation, pair[0], pair[1])
		}
	}
	return nil
}
