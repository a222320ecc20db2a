package backup

import (
	"fmt"
	"strings"
)

// DefaultPrivilegedRoles may operate on backups of any tenant
var DefaultPrivilegedRoles = []string{"super_admin"}

// Scope is the tenant capability an operation runs under. It is built once
// per call and passed to every store and data-layer method.
type Scope struct {
	ActorID    string
	TenantID   string
	Privileged bool
}

// Allows reports whether the scope may see record
func (s Scope) Allows(record *BackupRecord) bool {
	if record == nil {
		return false
	}
	return s.Privileged || record.TenantID == s.TenantID
}

// Check returns a forbidden error when the scope may not see record
func (s Scope) Check(record *BackupRecord) error {
	if s.Allows(record) {
		return nil
	}
	return NewForbiddenError(fmt.Sprintf("backup %s belongs to another tenant", record.ID)).
		WithContext("actor_id", s.ActorID)
}

// ForTenant narrows a privileged scope to tenantID. Non-privileged scopes
// may only target their own tenant.
func (s Scope) ForTenant(tenantID string) (Scope, error) {
	if tenantID == "" || tenantID == s.TenantID {
		return s, nil
	}
	if !s.Privileged {
		return Scope{}, NewForbiddenError("cannot act on behalf of another tenant").
			WithContext("actor_id", s.ActorID)
	}
	return Scope{ActorID: s.ActorID, TenantID: tenantID, Privileged: true}, nil
}

// Authorizer turns actors into scopes
type Authorizer struct {
	privileged map[string]bool
}

// NewAuthorizer creates an authorizer. With no roles the defaults apply.
func NewAuthorizer(privilegedRoles ...string) *Authorizer {
	if len(privilegedRoles) == 0 {
		privilegedRoles = DefaultPrivilegedRoles
	}
	a := &Authorizer{privileged: make(map[string]bool, len(privilegedRoles))}
	for _, role := range privilegedRoles {
		a.privileged[strings.ToLower(role)] = true
	}
	return a
}

// ScopeFor validates actor and returns its scope. An actor without an ID or
// tenant is rejected as not found.
func (a *Authorizer) ScopeFor(actor Actor) (Scope, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return Scope{}, NewNotFoundError("actor not found", nil)
	}
	if strings.TrimSpace(actor.TenantID) == "" {
		return Scope{}, NewNotFoundError("tenant not found", nil).WithContext("actor_id", actor.ID)
	}

	scope := Scope{ActorID: actor.ID, TenantID: actor.TenantID}
	for _, role := range actor.Roles {
		if a.privileged[strings.ToLower(role)] {
			scope.Privileged = true
			break
		}
	}
	return scope, nil
}
