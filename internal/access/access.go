// Package access provides role-based capability checks for permissioned
// operations. Core components depend only on the Checker interface so the
// policy source can be swapped without touching them.
package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Role names a capability.
type Role string

const (
	RoleAdmin       Role = "admin"        // weights, fees, role grants
	RoleFeedWriter  Role = "feed_writer"  // risk, validator and protocol updates
	RoleAllocator   Role = "allocator"    // strategy add/remove/settle
	RoleRiskManager Role = "risk_manager" // rebalancing on behalf of users
	RoleEmergency   Role = "emergency"    // trigger and clear the halt
)

// AllRoles lists every known role.
var AllRoles = []Role{RoleAdmin, RoleFeedWriter, RoleAllocator, RoleRiskManager, RoleEmergency}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Checker reports whether caller holds role.
type Checker interface {
	HasRole(caller string, role Role) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(caller string, role Role) bool

// HasRole calls f.
func (f CheckerFunc) HasRole(caller string, role Role) bool {
	return f(caller, role)
}

// AllowAll grants every role to every caller. Test use only.
var AllowAll Checker = CheckerFunc(func(string, Role) bool { return true })

// ACL is an in-process role table keyed by lower-cased caller address.
type ACL struct {
	mu     sync.RWMutex
	grants map[string]map[Role]bool
}

// NewACL creates an empty ACL.
func NewACL() *ACL {
	return &ACL{grants: make(map[string]map[Role]bool)}
}

// Grant gives role to caller.
func (a *ACL) Grant(caller string, role Role) {
	caller = strings.ToLower(caller)
	a.mu.Lock()
	defer a.mu.Unlock()
	roles, ok := a.grants[caller]
	if !ok {
		roles = make(map[Role]bool)
		a.grants[caller] = roles
	}
	roles[role] = true
}

// Revoke removes role from caller.
func (a *ACL) Revoke(caller string, role Role) {
	caller = strings.ToLower(caller)
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[caller], role)
}

// HasRole implements Checker.
func (a *ACL) HasRole(caller string, role Role) bool {
	if caller == "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grants[strings.ToLower(caller)][role]
}

// Roles returns the caller's roles in sorted order.
func (a *ACL) Roles(caller string) []Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Role
	for r, ok := range a.grants[strings.ToLower(caller)] {
		if ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromGrants builds an ACL from a role → callers table.
func FromGrants(grants map[Role][]string) *ACL {
	acl := NewACL()
	for role, callers := range grants {
		for _, c := range callers {
			acl.Grant(c, role)
		}
	}
	return acl
}
