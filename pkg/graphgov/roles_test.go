package graphgov

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAuthority_DefaultDeny(t *testing.T) {
	// explicit can
	assert.NoError(t, CheckAuthority(RoleGGC, "approve_schema_change"))
	assert.NoError(t, CheckAuthority(RoleRiskCommittee, "propose_weight_recalibration"))

	// explicit cannot wins
	err := CheckAuthority(RoleGGC, "modify_weight")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// absent from can is denied too
	err = CheckAuthority(RoleOps, "approve_schema_change")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// unknown role
	err = CheckAuthority("WIZARD", "approve_schema_change")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestCheckAuthority_EveryRoleDefined(t *testing.T) {
	roles := []string{
		RoleGGC, RoleSA, RoleRiskCommittee, RoleCompliance, RoleIVU,
		RoleAdminCompany, RoleCEO, RoleOps, RoleIT, RoleSCM, RoleBlockchainOp,
	}
	assert.Len(t, GovernanceRoles, 11)
	for _, r := range roles {
		def, ok := GovernanceRoles[r]
		assert.True(t, ok, r)
		assert.NotEmpty(t, def.Can, r)
		assert.NotEmpty(t, def.Cannot, r)
	}
}

func TestCheckSoD(t *testing.T) {
	assert.ErrorIs(t, CheckSoD("approve_schema_change", "deploy_schema"), ErrSoDViolation)
	// order does not matter
	assert.ErrorIs(t, CheckSoD("deploy_schema", "approve_schema_change"), ErrSoDViolation)
	assert.ErrorIs(t, CheckSoD("approve_override", "execute_override"), ErrSoDViolation)

	assert.NoError(t, CheckSoD("approve_schema_change", "view_tenant_graph"))
}
