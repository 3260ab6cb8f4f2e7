package authz

import (
	"sort"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
)

// Request is one access-control question: may the principal perform the
// requested micro-operations against the target (and, when set, the
// specific attribute type or value)?
type Request struct {
	Principal  *opctx.Principal
	UserGroups map[string]bool // normalized DNs of groups containing the principal

	TargetDN    *dn.DN
	TargetEntry *entry.Entry

	// AttrOID and ValueNorm narrow the question to an attribute type or a
	// single value; both empty means entry scope.
	AttrOID   string
	ValueNorm string

	Ops []Permission
}

type ranked struct {
	tuple       *Tuple
	specificity int
}

// Decide runs the access control decision function over the tuple set:
// filter by subject, coverage, and authentication level; rank survivors by
// precedence (ties broken by protected-item specificity); an explicit
// denial at the winning rank refuses, otherwise any grant of every
// requested micro-operation allows. No matching tuple means deny.
func Decide(tuples []*Tuple, req Request) bool {
	var surviving []ranked
	for _, t := range tuples {
		if !subjectMatches(t, req) {
			continue
		}
		spec, covered := coverage(t, req)
		if !covered {
			continue
		}
		if t.AuthLevel > req.Principal.Level {
			continue
		}
		surviving = append(surviving, ranked{tuple: t, specificity: spec})
	}

	if len(surviving) == 0 {
		return false
	}

	sort.SliceStable(surviving, func(i, j int) bool {
		if surviving[i].tuple.Precedence != surviving[j].tuple.Precedence {
			return surviving[i].tuple.Precedence > surviving[j].tuple.Precedence
		}

		return surviving[i].specificity > surviving[j].specificity
	})

	for _, op := range req.Ops {
		if !decideOp(surviving, op) {
			return false
		}
	}

	return true
}

func decideOp(surviving []ranked, op Permission) bool {
	top := -1
	granted := false

	for _, r := range surviving {
		relevant := r.tuple.Grants[op] || r.tuple.Denials[op]
		if !relevant {
			continue
		}

		if top == -1 {
			top = r.tuple.Precedence
		}
		if r.tuple.Precedence < top {
			break
		}

		// Within the winning precedence the slice is already
		// specificity-ordered; an explicit denial beats a grant.
		if r.tuple.Denials[op] {
			return false
		}
		if r.tuple.Grants[op] {
			granted = true
		}
	}

	return granted
}

func subjectMatches(t *Tuple, req Request) bool {
	principalDN := req.Principal.DN

	for _, uc := range t.UserClasses {
		switch uc.Kind {
		case UCAllUsers:
			return true
		case UCThisEntry:
			if principalDN != nil && req.TargetDN != nil && principalDN.Equal(req.TargetDN) {
				return true
			}
		case UCName:
			for _, d := range uc.DNs {
				if principalDN != nil && principalDN.Equal(d) {
					return true
				}
			}
		case UCUserGroup:
			for _, d := range uc.DNs {
				if req.UserGroups[d.Norm()] {
					return true
				}
			}
		case UCSubtree:
			for _, d := range uc.DNs {
				if principalDN != nil && d.AncestorOf(principalDN) {
					return true
				}
			}
		}
	}

	return false
}

// coverage reports whether any protected item of the tuple covers the
// request, returning the specificity of the best covering item.
func coverage(t *Tuple, req Request) (int, bool) {
	best := -1

	for _, pi := range t.ProtectedItems {
		if !itemCovers(pi, req) {
			continue
		}
		if s := pi.Kind.specificity(); s > best {
			best = s
		}
	}

	return best, best >= 0
}

func itemCovers(pi ProtectedItem, req Request) bool {
	switch pi.Kind {
	case PIEntry:
		return req.AttrOID == ""
	case PIAllUserAttributeTypes, PIAllUserAttributeTypesAndValues:
		return req.AttrOID != ""
	case PIAttributeType:
		if req.AttrOID == "" {
			return false
		}
		for _, oid := range pi.Attrs {
			if oid == req.AttrOID {
				return true
			}
		}

		return false
	case PIAttributeValue:
		if req.AttrOID == "" || req.ValueNorm == "" {
			return false
		}
		for _, av := range pi.Values {
			if av.OID == req.AttrOID && av.Norm == req.ValueNorm {
				return true
			}
		}

		return false
	}

	return false
}
