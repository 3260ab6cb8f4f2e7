package authz

import (
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/opctx"
)

// DefaultPolicy is the coarse last-resort authorization applied when
// prescriptive access control is disabled: the administrator and members
// of the administrators group may do anything; other authenticated users
// may read their own entries; protected subtrees and the admin account are
// write-restricted to administrators.
type DefaultPolicy struct {
	AdminDN    *dn.DN
	AdminGroup *dn.DN
	Users      *dn.DN // ou=users subtree
	Groups     *dn.DN // ou=groups subtree

	GroupCache *GroupCache
}

// OpKind classifies an operation for the default policy.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpDelete
	OpRename
)

// IsAdministrator reports whether the principal is the admin account or a
// member of the administrators group.
func (p *DefaultPolicy) IsAdministrator(principal *opctx.Principal) bool {
	if principal == nil || principal.DN == nil || principal.DN.IsEmpty() {
		return false
	}

	if principal.DN.Equal(p.AdminDN) {
		return true
	}

	return p.GroupCache != nil && p.AdminGroup != nil &&
		p.GroupCache.IsMember(p.AdminGroup.Norm(), principal.DN.Norm())
}

// Check decides whether the principal may perform op against target.
func (p *DefaultPolicy) Check(principal *opctx.Principal, target *dn.DN, op OpKind) bool {
	if p.IsAdministrator(principal) {
		// Even administrators may not remove the root DSE or the admin
		// account itself.
		if (op == OpDelete || op == OpRename) && (target.IsEmpty() || target.Equal(p.AdminDN)) {
			return false
		}

		return true
	}

	if op == OpDelete || op == OpRename {
		if target.IsEmpty() || target.Equal(p.AdminDN) {
			return false
		}
	}

	switch op {
	case OpRead:
		// The root DSE is world-readable; everything else only by its owner.
		if target.IsEmpty() {
			return true
		}

		return principal != nil && principal.DN != nil && principal.DN.Equal(target)
	case OpWrite, OpDelete, OpRename:
		if p.Users != nil && p.Users.AncestorOf(target) {
			return false
		}
		if p.Groups != nil && p.Groups.AncestorOf(target) {
			return false
		}

		// Users may touch their own entry only.
		return principal != nil && principal.DN != nil && principal.DN.Equal(target)
	}

	return false
}
