package referral

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// Referral is one tracked referral entry: its normalized DN and the sorted
// ref URLs.
type Referral struct {
	DN   *dn.DN
	URLs []string
}

// Manager is the referral cache: normalized referral DNs with their ref
// URL sets, indexed by a prefix trie over RDN components so ancestor
// lookups walk root-side down. A single reader-writer lock serializes
// cache mutation with the operation manager's pre-dispatch decisions.
type Manager struct {
	reg *schema.Registries

	mu   sync.RWMutex
	byDN map[string]*Referral
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	ref      *Referral
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NewManager returns an empty referral cache.
func NewManager(reg *schema.Registries) *Manager {
	return &Manager{
		reg:  reg,
		byDN: make(map[string]*Referral),
		root: newTrieNode(),
	}
}

// IsEligible reports whether an entry would be tracked: objectClass
// referral with a non-empty ref.
func IsEligible(e *entry.Entry) bool {
	if !e.HasObjectClass("referral") {
		return false
	}

	ref := e.Get(schema.OIDRef)

	return ref != nil && len(ref.Values) > 0
}

// Add tracks a referral entry. Entries without referral objectClass or ref
// values are ignored.
func (m *Manager) Add(e *entry.Entry) {
	if !IsEligible(e) {
		return
	}

	urls := append([]string(nil), e.Get(schema.OIDRef).UserValues()...)
	sort.Strings(urls)

	ref := &Referral{DN: e.DN(), URLs: urls}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byDN[e.DN().Norm()] = ref

	node := m.root
	rdns := e.DN().RDNs()
	for i := len(rdns) - 1; i >= 0; i-- {
		key := rdns[i].Norm()
		child, ok := node.children[key]
		if !ok {
			child = newTrieNode()
			node.children[key] = child
		}
		node = child
	}
	node.ref = ref

	log.Debug().Str("dn", e.DN().User()).Strs("urls", urls).Msg("referral tracked")
}

// Remove untracks the referral at d, if any.
func (m *Manager) Remove(d *dn.DN) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byDN[d.Norm()]; !ok {
		return
	}
	delete(m.byDN, d.Norm())

	node := m.root
	rdns := d.RDNs()
	for i := len(rdns) - 1; i >= 0; i-- {
		child, ok := node.children[rdns[i].Norm()]
		if !ok {
			return
		}
		node = child
	}
	node.ref = nil
}

// IsReferral reports whether an entry exactly at d is a tracked referral.
func (m *Manager) IsReferral(d *dn.DN) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.byDN[d.Norm()]

	return ok
}

// ParentReferral returns the deepest tracked referral strictly above d.
func (m *Manager) ParentReferral(d *dn.DN) (*Referral, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.parentLocked(d)
}

// HasParentReferral reports whether any tracked referral sits strictly
// above d.
func (m *Manager) HasParentReferral(d *dn.DN) bool {
	_, ok := m.ParentReferral(d)

	return ok
}

func (m *Manager) parentLocked(d *dn.DN) (*Referral, bool) {
	var deepest *Referral

	node := m.root
	rdns := d.RDNs()
	for i := len(rdns) - 1; i >= 1; i-- { // stop before d itself
		child, ok := node.children[rdns[i].Norm()]
		if !ok {
			break
		}
		node = child
		if node.ref != nil {
			deepest = node.ref
		}
	}

	return deepest, deepest != nil
}

func (m *Manager) exactLocked(d *dn.DN) (*Referral, bool) {
	ref, ok := m.byDN[d.Norm()]

	return ref, ok
}

// CheckTarget runs the pre-dispatch referral decision for a non-search
// operation, holding the read lock for the span of the whole decision. It
// returns nil when the operation may proceed against the local DIT.
func (m *Manager) CheckTarget(target *dn.DN, mode opctx.ReferralMode) error {
	if mode == opctx.ReferralIgnore {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if ref, ok := m.exactLocked(target); ok {
		return ldaperr.Referral(m.rewrite(ref, target, ""))
	}

	if ref, ok := m.parentLocked(target); ok {
		if mode == opctx.ReferralFollow {
			// No chaining client in the core: surface the unresolved part as
			// a partial result instead.
			return ldaperr.PartialResults(ref.DN.User(), m.rewrite(ref, target, ""))
		}

		return ldaperr.Referral(m.rewrite(ref, target, ""))
	}

	return nil
}

// CheckSearchBase runs the decision for a search base; continuation URLs
// get the scope suffix appended.
func (m *Manager) CheckSearchBase(base *dn.DN, mode opctx.ReferralMode, scope opctx.Scope) error {
	if mode == opctx.ReferralIgnore {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if ref, ok := m.exactLocked(base); ok {
		return ldaperr.Referral(m.rewrite(ref, base, scope.String()))
	}

	if ref, ok := m.parentLocked(base); ok {
		if mode == opctx.ReferralFollow {
			return ldaperr.PartialResults(ref.DN.User(), m.rewrite(ref, base, scope.String()))
		}

		return ldaperr.Referral(m.rewrite(ref, base, scope.String()))
	}

	return nil
}

// CheckDestination guards move/rename destinations: relocating an entry to
// a spot owned by another DSA cannot be done locally.
func (m *Manager) CheckDestination(dest *dn.DN, mode opctx.ReferralMode) error {
	if mode == opctx.ReferralIgnore {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.exactLocked(dest); ok {
		return ldaperr.AffectsMultipleDSAs("destination %q is a referral", dest.User())
	}
	if ref, ok := m.parentLocked(dest); ok {
		return ldaperr.AffectsMultipleDSAs("destination %q is under referral %q", dest.User(), ref.DN.User())
	}

	return nil
}

// rewrite builds the continuation URLs for a referral found at or above
// target. For non-search operations scopeSuffix is empty; for searches it
// carries base/one/sub. Malformed ref URLs are logged and passed through
// unchanged.
func (m *Manager) rewrite(ref *Referral, target *dn.DN, scopeSuffix string) []string {
	out := make([]string, 0, len(ref.URLs))

	for _, raw := range ref.URLs {
		u, err := ParseURL(raw, m.reg)
		if err != nil {
			log.Warn().Err(err).Str("url", raw).Msg("unparseable referral URL passed through")
			out = append(out, raw)

			continue
		}

		if !u.wellFormedParts() {
			log.Warn().Str("url", raw).Msg("referral URL with extra components passed through")
			out = append(out, raw)

			continue
		}

		if scopeSuffix != "" {
			if u.DN.IsEmpty() {
				u.DN = ref.DN
			}
			u = rebase(u, ref, target)
			u.Scope = scopeSuffix
			u.Attrs = nil
			out = append(out, u.String())

			continue
		}

		if u.DN.IsEmpty() {
			log.Warn().Str("url", raw).Msg("referral URL without a DN passed through")
			out = append(out, raw)

			continue
		}

		if u.DN.Equal(ref.DN) {
			out = append(out, u.HostOnly())

			continue
		}

		u = rebase(u, ref, target)
		out = append(out, u.String())
	}

	return out
}

// rebase appends the target's extra RDNs below the referral onto the URL's
// DN, so the continuation points at the same relative spot.
func rebase(u *URL, ref *Referral, target *dn.DN) *URL {
	extra, err := target.Descend(ref.DN)
	if err != nil || extra.IsEmpty() {
		return u
	}

	rebased := *u
	rebased.DN = dn.Append(extra, u.DN)

	return &rebased
}
