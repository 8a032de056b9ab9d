// Package lineage is the decision lineage registry. Every risk decision
// gets a five layer chain (event, graph transform, features, model,
// decision) rooted at a deterministic Global Decision Lineage ID. The
// chain is append-only: no role can modify or delete a recorded layer.
// Reads go through a role matrix separate from graph governance, with
// privileged access logging and a replay rate limit.
package lineage

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can branch on.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrRateLimited  = errors.New("rate limited")
	ErrValidation   = errors.New("validation failed")
)

// Roles known to the lineage access matrix.
const (
	RoleSA               = "SA"
	RolePlatformSecurity = "PLATFORM_SECURITY"
	RoleDataGovOfficer   = "DATA_GOV_OFFICER"
	RoleAdminCompany     = "ADMIN_COMPANY"
	RoleCEO              = "CEO"
	RoleRiskCommittee    = "RISK_COMMITTEE"
	RoleCompliance       = "COMPLIANCE"
	RoleIVU              = "IVU"
	RoleOps              = "OPS"
	RoleCarbonOfficer    = "CARBON_OFFICER"
	RoleIT               = "IT"
	RoleBlockchainOp     = "BLOCKCHAIN_OP"
	RoleAuditor          = "AUDITOR"
	RoleGGC              = "GGC"
)

// Visibility depths. Each role gets exactly one; the governed view
// routes on it.
const (
	AccessFullChain       = "full_chain"
	AccessSummaryOnly     = "summary_only"
	AccessTenantScoped    = "tenant_scoped"
	AccessDashboardOnly   = "dashboard_only"
	AccessMetadataOnly    = "metadata_only"
	AccessDecisionOutcome = "decision_outcome_only"
	AccessIngestionOnly   = "ingestion_only"
	AccessHashReference   = "hash_reference_only"
	AccessNone            = "none"
)

// AccessDef is one role's lineage authority across four dimensions:
// visibility depth, triggerable operations, visible fields, and an
// explicit can/cannot list. Influence is always none; lineage records
// cannot be shaped by any role.
type AccessDef struct {
	Tier       string
	Access     string
	Trigger    []string
	Visibility []string
	Can        []string
	Cannot     []string
}

// LineageAccessControl is the full matrix. Anything not in Can, or
// present in Cannot, is denied.
var LineageAccessControl = map[string]AccessDef{
	RoleSA: {
		Tier:       "infrastructure_custodian",
		Access:     AccessMetadataOnly,
		Visibility: []string{"lineage_exists", "integrity_hash", "storage_metrics"},
		Can: []string{"backup_lineage", "check_integrity_hash", "manage_storage",
			"audit_cross_tenant_metadata"},
		Cannot: []string{"modify_lineage", "replay_decision", "export_detail_without_compliance",
			"change_gdli", "view_full_chain", "view_feature_computation", "view_model_internals"},
	},
	RolePlatformSecurity: {
		Tier:   "security_control",
		Access: AccessNone,
		Can:    []string{"view_access_log"},
		Cannot: []string{"view_lineage", "replay", "impact_analysis", "modify_lineage",
			"view_model", "view_graph", "deploy_schema", "mint_assets"},
	},
	RoleDataGovOfficer: {
		Tier:       "data_boundary",
		Access:     AccessSummaryOnly,
		Visibility: []string{"lineage_summary", "data_classification_status"},
		Can:        []string{"view_lineage_summary", "approve_lineage_export", "configure_gdpr_masking"},
		Cannot: []string{"replay_decision", "modify_lineage", "view_full_chain",
			"view_model_internals", "approve_risk_override"},
	},
	RoleAdminCompany: {
		Tier:       "evaluated_party",
		Access:     AccessTenantScoped,
		Visibility: []string{"decision_outcome", "event_chain_summary", "override_log"},
		Can:        []string{"view_tenant_lineage_summary", "view_decision_path", "view_override_log_tenant"},
		Cannot: []string{"replay_decision", "view_model_weight", "view_cross_tenant",
			"view_graph_propagation_detail", "trigger_contamination",
			"view_feature_computation", "modify_lineage"},
	},
	RoleCEO: {
		Tier:       "executive_oversight",
		Access:     AccessDashboardOnly,
		Visibility: []string{"lineage_summary", "blast_radius_summary", "override_pattern"},
		Can:        []string{"view_lineage_dashboard", "view_blast_radius", "view_override_pattern"},
		Cannot:     []string{"view_feature_hash", "view_model_internals", "replay_decision", "modify_lineage"},
	},
	RoleRiskCommittee: {
		Tier:       "decision_owner",
		Access:     AccessFullChain,
		Trigger:    []string{"replay", "impact_analysis", "version_drift_comparison"},
		Visibility: []string{"event", "graph_transform", "feature_dependency", "model", "decision"},
		Can: []string{"view_full_lineage", "replay_decision", "trigger_impact_analysis",
			"compare_version_drift", "view_feature_dependency"},
		Cannot: []string{"modify_lineage", "delete_lineage", "override_lineage_record"},
	},
	RoleCompliance: {
		Tier:       "legal_defender",
		Access:     AccessFullChain,
		Trigger:    []string{"replay", "regulatory_export", "gdpr_masking"},
		Visibility: []string{"event", "graph_transform", "feature_dependency", "model", "decision"},
		Can: []string{"view_full_lineage", "replay_decision", "approve_regulatory_export",
			"validate_gdpr_masking"},
		Cannot: []string{"modify_lineage", "delete_lineage", "impact_analysis"},
	},
	RoleIVU: {
		Tier:       "independent_validator",
		Access:     AccessFullChain,
		Trigger:    []string{"replay", "feature_drift_check", "determinism_check", "bias_audit"},
		Visibility: []string{"event", "graph_transform", "feature_dependency", "model", "decision"},
		Can: []string{"view_full_lineage", "replay_decision", "check_feature_drift",
			"verify_determinism", "audit_bias", "view_model_version"},
		Cannot: []string{"modify_lineage", "edit_tenant_raw_event", "override_decision", "impact_analysis"},
	},
	RoleOps: {
		Tier:       "execution_only",
		Access:     AccessDecisionOutcome,
		Visibility: []string{"decision_action"},
		Can:        []string{"view_decision_outcome"},
		Cannot: []string{"view_lineage", "replay", "impact_analysis", "feature_visibility",
			"modify_lineage", "view_model", "view_graph"},
	},
	RoleCarbonOfficer: {
		Tier:       "tenant_governance",
		Access:     AccessDecisionOutcome,
		Visibility: []string{"decision_action", "carbon_lineage_summary"},
		Can:        []string{"view_decision_outcome", "view_carbon_lineage"},
		Cannot: []string{"view_full_chain", "replay", "impact_analysis", "modify_lineage",
			"view_model", "view_graph"},
	},
	RoleIT: {
		Tier:       "technical_support",
		Access:     AccessIngestionOnly,
		Visibility: []string{"ingestion_chain", "api_level_lineage"},
		Can:        []string{"view_ingestion_chain", "check_api_lineage"},
		Cannot:     []string{"view_risk_propagation", "view_model_feature", "replay", "modify_lineage"},
	},
	RoleBlockchainOp: {
		Tier:       "anchor_only",
		Access:     AccessHashReference,
		Visibility: []string{"snapshot_hash", "gdli_reference"},
		Can:        []string{"view_snapshot_hash", "view_gdli_reference"},
		Cannot:     []string{"view_raw_event", "view_decision_detail", "replay", "modify_lineage"},
	},
	RoleAuditor: {
		Tier:       "read_only_audit",
		Access:     AccessSummaryOnly,
		Visibility: []string{"audit_log", "lineage_summary", "compliance_status"},
		Can:        []string{"view_audit_log", "view_lineage_summary", "view_compliance_status"},
		Cannot: []string{"view_full_chain", "replay", "impact_analysis", "modify_lineage",
			"export", "view_model", "view_graph", "view_feature"},
	},
	RoleGGC: {
		Tier:       "governance_oversight",
		Access:     AccessSummaryOnly,
		Visibility: []string{"lineage_summary", "governance_linkage"},
		Can:        []string{"view_lineage_summary", "view_governance_linkage"},
		Cannot: []string{"replay_decision", "modify_lineage", "view_full_chain",
			"view_model_internals", "trigger_contamination"},
	},
}

// LineageSoDConflicts are capability pairs no single actor may hold.
var LineageSoDConflicts = [][2]string{
	{"lineage:record", "lineage:modify"},
	{"lineage:replay", "lineage:delete"},
	{"lineage:view_full", "lineage:export_without_approval"},
	{"lineage:approve_export", "lineage:perform_export"},
}

// CheckPermission resolves a role's authority for one lineage action.
// Unknown roles, explicit denials, and absent grants all fail.
func CheckPermission(role, action string) error {
	acl, ok := LineageAccessControl[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %s", ErrAccessDenied, role)
	}
	for _, c := range acl.Cannot {
		if c == action {
			return fmt.Errorf("%w: role %s explicitly denied %s", ErrAccessDenied, role, action)
		}
	}
	for _, c := range acl.Can {
		if c == action {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s not authorized for %s", ErrAccessDenied, role, action)
}

// CheckSoD rejects conflicting capability pairs, order-insensitive.
func CheckSoD(a, b string) error {
	for _, pair := range LineageSoDConflicts {
		if (pair[0] == a && pair[1] == b) || (pair[0] == b && pair[1] == a) {
			return fmt.Errorf("separation of duties conflict: %s and %s", a, b)
		}
	}
	return nil
}

// AccessLevel returns a role's visibility depth, AccessNone for
// unknown roles.
func AccessLevel(role string) string {
	acl, ok := LineageAccessControl[role]
	if !ok {
		return AccessNone
	}
	return acl.Access
}
