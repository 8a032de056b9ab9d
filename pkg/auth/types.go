// Package auth authenticates API callers and binds every request to a
// tenant and a governance role. The role string feeds the lineage and
// governance permission matrices downstream.
package auth

import "time"

// Tenant is a strict isolation boundary. Every event, score, decision
// and lineage record carries a tenant id.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is any authenticated caller: a user, a scanner device or a
// service account.
type Principal interface {
	GetID() string
	GetTenantID() string
	GetRole() string
}

// BasePrincipal is the claims-backed Principal implementation.
type BasePrincipal struct {
	ID       string
	TenantID string
	Role     string
}

func (b *BasePrincipal) GetID() string       { return b.ID }
func (b *BasePrincipal) GetTenantID() string { return b.TenantID }
func (b *BasePrincipal) GetRole() string     { return b.Role }
