package authz

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/schema"
)

// GroupCache maps normalized group DNs to their normalized member DN sets,
// derived from member (groupOfNames) or uniqueMember (groupOfUniqueNames).
// It is seeded by a bypassed subtree scan at startup and kept current by
// post-commit hooks on the committing goroutine.
type GroupCache struct {
	mu     sync.RWMutex
	groups map[string]map[string]bool
}

// NewGroupCache returns an empty cache.
func NewGroupCache() *GroupCache {
	return &GroupCache{groups: make(map[string]map[string]bool)}
}

// memberOID picks the membership attribute the entry's objectClass
// dictates, or empty if the entry is not a tracked group class.
func memberOID(e *entry.Entry) string {
	switch {
	case e.HasObjectClass("groupOfNames"):
		return schema.OIDMember
	case e.HasObjectClass("groupOfUniqueNames"):
		return schema.OIDUniqueMember
	}

	return ""
}

// IsGroup reports whether the entry carries a tracked group objectClass.
func IsGroup(e *entry.Entry) bool {
	return memberOID(e) != ""
}

// Update (re)derives the member set of a group entry; called on add and on
// modify of a group.
func (c *GroupCache) Update(e *entry.Entry) {
	oid := memberOID(e)
	if oid == "" {
		return
	}

	members := make(map[string]bool)
	if attr := e.Get(oid); attr != nil {
		for _, v := range attr.Values {
			members[v.Norm] = true
		}
	}

	c.mu.Lock()
	c.groups[e.DN().Norm()] = members
	c.mu.Unlock()

	log.Debug().Str("group", e.DN().User()).Int("members", len(members)).Msg("group cache updated")
}

// Remove drops a group from the cache; called on delete.
func (c *GroupCache) Remove(d *dn.DN) {
	c.mu.Lock()
	delete(c.groups, d.Norm())
	c.mu.Unlock()
}

// Rename moves a group's member set to its new DN.
func (c *GroupCache) Rename(old, updated *dn.DN) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if members, ok := c.groups[old.Norm()]; ok {
		delete(c.groups, old.Norm())
		c.groups[updated.Norm()] = members
	}
}

// ApplyMods diffs member-attribute modifications into the cached set
// without rereading the whole entry: ADD unions, REMOVE subtracts (empty
// list clears), REPLACE resets.
func (c *GroupCache) ApplyMods(group *dn.DN, mods []entry.Modification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.groups[group.Norm()]
	if !ok {
		return
	}

	for _, m := range mods {
		oid := m.Attr.Type.OID
		if oid != schema.OIDMember && oid != schema.OIDUniqueMember {
			continue
		}

		switch m.Op {
		case entry.ModAdd:
			for _, v := range m.Attr.Values {
				members[v.Norm] = true
			}
		case entry.ModRemove:
			if len(m.Attr.Values) == 0 {
				members = make(map[string]bool)
			} else {
				for _, v := range m.Attr.Values {
					delete(members, v.Norm)
				}
			}
		case entry.ModReplace:
			members = make(map[string]bool)
			for _, v := range m.Attr.Values {
				members[v.Norm] = true
			}
		}
	}

	c.groups[group.Norm()] = members
}

// GroupsFor returns the normalized DNs of every cached group containing
// the member.
func (c *GroupCache) GroupsFor(memberNorm string) map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]bool)
	for group, members := range c.groups {
		if members[memberNorm] {
			out[group] = true
		}
	}

	return out
}

// IsMember reports direct membership.
func (c *GroupCache) IsMember(groupNorm, memberNorm string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.groups[groupNorm][memberNorm]
}

// Count returns the number of cached groups.
func (c *GroupCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.groups)
}

// TupleCache maps normalized access-control-subentry DNs to the tuples
// parsed from their prescriptiveACI values.
type TupleCache struct {
	reg *schema.Registries

	mu     sync.RWMutex
	tuples map[string][]*Tuple
	dns    map[string]*dn.DN
}

// NewTupleCache returns an empty cache.
func NewTupleCache(reg *schema.Registries) *TupleCache {
	return &TupleCache{
		reg:    reg,
		tuples: make(map[string][]*Tuple),
		dns:    make(map[string]*dn.DN),
	}
}

// IsAccessControlSubentry reports whether the entry contributes tuples.
func IsAccessControlSubentry(e *entry.Entry) bool {
	return e.HasObjectClass("accessControlSubentry")
}

// Update parses the entry's prescriptiveACI values into tuples. A subentry
// without prescriptiveACI contributes nothing, which is legal; individual
// unparseable values are logged and skipped so one bad ACI cannot disable
// the rest.
func (c *TupleCache) Update(e *entry.Entry) {
	if !IsAccessControlSubentry(e) {
		return
	}

	var parsed []*Tuple
	if attr := e.Get(schema.OIDPrescriptiveACI); attr != nil {
		for _, v := range attr.UserValues() {
			tuples, err := ParseACI(v, c.reg)
			if err != nil {
				log.Warn().Err(err).Str("subentry", e.DN().User()).Msg("skipping unparseable prescriptiveACI")

				continue
			}
			parsed = append(parsed, tuples...)
		}
	}

	c.mu.Lock()
	c.tuples[e.DN().Norm()] = parsed
	c.dns[e.DN().Norm()] = e.DN()
	c.mu.Unlock()

	log.Debug().Str("subentry", e.DN().User()).Int("tuples", len(parsed)).Msg("tuple cache updated")
}

// Remove drops a subentry's tuples.
func (c *TupleCache) Remove(d *dn.DN) {
	c.mu.Lock()
	delete(c.tuples, d.Norm())
	delete(c.dns, d.Norm())
	c.mu.Unlock()
}

// ApplicableTo returns the tuples of every cached subentry whose
// administrative parent is an ancestor of target. The subentry itself is
// not in its own scope.
func (c *TupleCache) ApplicableTo(target *dn.DN) []*Tuple {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Tuple
	for norm, d := range c.dns {
		if d.Equal(target) {
			continue
		}
		if d.Parent().AncestorOf(target) {
			out = append(out, c.tuples[norm]...)
		}
	}

	return out
}

// TuplesFor flattens the tuples of the given subentry DNs, in order.
func (c *TupleCache) TuplesFor(subentryNorms []string) []*Tuple {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Tuple
	for _, norm := range subentryNorms {
		out = append(out, c.tuples[norm]...)
	}

	return out
}

// Count returns the number of cached subentries.
func (c *TupleCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tuples)
}
