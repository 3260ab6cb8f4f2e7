package partition

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/filter"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/password"
	"github.com/netresearch/directoryd/internal/schema"
	"github.com/netresearch/directoryd/internal/txn"
)

// memStore is the committed state of one partition: an immutable entry map
// swapped wholesale on commit, plus per-DN commit versions for conflict
// detection. It implements txn.Store.
type memStore struct {
	id string

	mu       sync.RWMutex
	entries  map[string]*entry.Entry
	versions map[string]uint64

	// persist, when set, is called under the commit lock with every applied
	// batch; the bolt-backed partition hooks durability in here.
	persist func(writes []txn.Write) error
}

func newMemStore(id string) *memStore {
	return &memStore{
		id:       id,
		entries:  make(map[string]*entry.Entry),
		versions: make(map[string]uint64),
	}
}

func (s *memStore) ID() string { return s.id }

type memSnapshot struct {
	entries map[string]*entry.Entry
}

func (s *memStore) Snapshot() txn.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return memSnapshot{entries: s.entries}
}

func (s memSnapshot) Lookup(norm string) (*entry.Entry, bool) {
	e, ok := s.entries[norm]

	return e, ok
}

func (s memSnapshot) Entries() []*entry.Entry {
	out := make([]*entry.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DN().Norm() < out[j].DN().Norm() })

	return out
}

func (s *memStore) LastModified(norm string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.versions[norm]
}

// Apply installs a committed batch by building a fresh map, so snapshots
// taken earlier keep observing their own state.
func (s *memStore) Apply(writes []txn.Write, version uint64) error {
	s.mu.Lock()

	next := make(map[string]*entry.Entry, len(s.entries)+len(writes))
	for k, v := range s.entries {
		next[k] = v
	}

	for _, w := range writes {
		if w.Entry == nil {
			delete(next, w.DN)
		} else {
			next[w.DN] = w.Entry
		}
		s.versions[w.DN] = version
	}
	s.entries = next
	s.mu.Unlock()

	if s.persist != nil {
		return s.persist(writes)
	}

	return nil
}

// load replaces the committed image; used when a persistent partition
// rebuilds its in-memory state at startup.
func (s *memStore) load(entries []*entry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*entry.Entry, len(entries))
	for _, e := range entries {
		next[e.DN().Norm()] = e
	}
	s.entries = next
}

// Memory is the in-memory partition implementation.
type Memory struct {
	id     string
	suffix *dn.DN
	reg    *schema.Registries
	store  *memStore
}

// NewMemory creates a partition rooted at suffix. The suffix DN must be
// normalized.
func NewMemory(id string, suffix *dn.DN, reg *schema.Registries) *Memory {
	return &Memory{id: id, suffix: suffix, reg: reg, store: newMemStore(id)}
}

func (p *Memory) ID() string       { return p.id }
func (p *Memory) Suffix() *dn.DN   { return p.suffix }
func (p *Memory) Store() txn.Store { return p.store }

func (p *Memory) Init() error {
	log.Debug().Str("partition", p.id).Str("suffix", p.suffix.User()).Msg("partition initialized")

	return nil
}

func (p *Memory) Destroy() error { return nil }
func (p *Memory) Sync() error    { return nil }

func tx(ctx *opctx.Context) *txn.Txn {
	t, _ := ctx.Txn.(*txn.Txn)

	return t
}

// Add inserts a new entry. The parent must exist unless the entry is the
// partition suffix itself.
func (p *Memory) Add(ctx *opctx.AddContext) error {
	t := tx(&ctx.Context)
	norm := ctx.DN.Norm()

	if _, exists := t.Lookup(p.id, norm); exists {
		return ldaperr.AlreadyExists(ctx.DN.User())
	}

	if !ctx.DN.Equal(p.suffix) {
		parent := ctx.DN.Parent()
		if _, ok := t.Lookup(p.id, parent.Norm()); !ok {
			return ldaperr.NoSuchObject(parent.User())
		}
	}

	return t.Put(p.id, norm, ctx.Entry)
}

// Bind verifies the bind credentials against the entry's userPassword.
func (p *Memory) Bind(ctx *opctx.BindContext) error {
	t := tx(&ctx.Context)

	e, ok := t.Lookup(p.id, ctx.DN.Norm())
	if !ok {
		return ldaperr.InvalidCredentials()
	}

	pw := e.Get(schema.OIDUserPassword)
	if pw == nil {
		return ldaperr.InvalidCredentials()
	}

	for _, stored := range pw.UserValues() {
		if password.Verify(stored, ctx.Credentials) {
			return nil
		}
	}

	return ldaperr.InvalidCredentials()
}

// Compare checks an attribute-value assertion against the stored entry.
func (p *Memory) Compare(ctx *opctx.CompareContext) (bool, error) {
	t := tx(&ctx.Context)

	e, ok := t.Lookup(p.id, ctx.DN.Norm())
	if !ok {
		return false, ldaperr.NoSuchObject(ctx.DN.User())
	}

	at, err := p.reg.AttributeType(ctx.AttrID)
	if err != nil {
		return false, ldaperr.UndefinedAttributeType(ctx.AttrID)
	}

	norm, err := p.reg.NormalizeValue(at, ctx.Value)
	if err != nil {
		return false, ldaperr.InvalidAttributeSyntax(ctx.AttrID, err)
	}

	attr := e.Get(at.OID)
	if attr == nil {
		return false, ldaperr.NoSuchAttribute(ctx.AttrID)
	}

	return attr.Contains(norm), nil
}

// Delete removes a leaf entry.
func (p *Memory) Delete(ctx *opctx.DeleteContext) error {
	t := tx(&ctx.Context)
	norm := ctx.DN.Norm()

	if _, ok := t.Lookup(p.id, norm); !ok {
		return ldaperr.NoSuchObject(ctx.DN.User())
	}

	if len(p.children(t, ctx.DN)) > 0 {
		return ldaperr.NotAllowedOnNonLeaf(ctx.DN.User())
	}

	return t.Delete(p.id, norm)
}

func (p *Memory) HasEntry(ctx *opctx.HasEntryContext) (bool, error) {
	t := tx(&ctx.Context)
	_, ok := t.Lookup(p.id, ctx.DN.Norm())

	return ok, nil
}

// List returns a cursor over the direct subordinates of the target.
func (p *Memory) List(ctx *opctx.ListContext) (cursor.Cursor, error) {
	t := tx(&ctx.Context)

	if _, ok := t.Lookup(p.id, ctx.DN.Norm()); !ok {
		return nil, ldaperr.NoSuchObject(ctx.DN.User())
	}

	children := p.children(t, ctx.DN)
	out := make([]*entry.Entry, len(children))
	for i, e := range children {
		out[i] = e.Clone()
	}

	return cursor.FromSlice(out), nil
}

func (p *Memory) Lookup(ctx *opctx.LookupContext) (*entry.Entry, error) {
	t := tx(&ctx.Context)

	e, ok := t.Lookup(p.id, ctx.DN.Norm())
	if !ok {
		return nil, ldaperr.NoSuchObject(ctx.DN.User())
	}

	return e.Clone(), nil
}

// Modify applies the modification list to the stored entry.
func (p *Memory) Modify(ctx *opctx.ModifyContext) error {
	t := tx(&ctx.Context)
	norm := ctx.DN.Norm()

	stored, ok := t.Lookup(p.id, norm)
	if !ok {
		return ldaperr.NoSuchObject(ctx.DN.User())
	}

	updated := stored.Clone()
	if err := entry.Apply(updated, ctx.Mods); err != nil {
		return err
	}

	return t.Put(p.id, norm, updated)
}

// Move re-parents the target and its whole subtree under the new superior.
func (p *Memory) Move(ctx *opctx.MoveContext) error {
	return p.relocate(&ctx.Context, ctx.DN, ctx.NewDN(), nil, false)
}

// MoveAndRename re-parents and renames in one step.
func (p *Memory) MoveAndRename(ctx *opctx.MoveAndRenameContext) error {
	newRDN := ctx.NewRDN

	return p.relocate(&ctx.Context, ctx.DN, ctx.NewDN(), &newRDN, ctx.DeleteOldRDN)
}

// Rename replaces the target's RDN in place.
func (p *Memory) Rename(ctx *opctx.RenameContext) error {
	newRDN := ctx.NewRDN

	return p.relocate(&ctx.Context, ctx.DN, ctx.NewDN(), &newRDN, ctx.DeleteOldRDN)
}

// relocate rewrites the DNs of the target subtree from oldDN to newDN and,
// when newRDN is set, adjusts the RDN attribute values on the target entry.
func (p *Memory) relocate(ctx *opctx.Context, oldDN, newDN *dn.DN, newRDN *dn.RDN, deleteOldRDN bool) error {
	t := tx(ctx)

	if _, ok := t.Lookup(p.id, oldDN.Norm()); !ok {
		return ldaperr.NoSuchObject(oldDN.User())
	}

	if _, exists := t.Lookup(p.id, newDN.Norm()); exists {
		return ldaperr.AlreadyExists(newDN.User())
	}

	if !newDN.Equal(p.suffix) {
		if _, ok := t.Lookup(p.id, newDN.Parent().Norm()); !ok {
			return ldaperr.NoSuchObject(newDN.Parent().User())
		}
	}

	subtree := p.subtree(t, oldDN)
	for _, e := range subtree {
		rel, err := e.DN().Descend(oldDN)
		if err != nil {
			return err
		}

		moved := e.Clone()
		moved.SetDN(dn.Append(rel, newDN))

		if e.DN().Equal(oldDN) && newRDN != nil {
			adjustRDNAttributes(p.reg, moved, oldDN.RDN(), *newRDN, deleteOldRDN)
		}

		if err := t.Delete(p.id, e.DN().Norm()); err != nil {
			return err
		}
		if err := t.Put(p.id, moved.DN().Norm(), moved); err != nil {
			return err
		}
	}

	return nil
}

// adjustRDNAttributes adds the new RDN's attribute values to the entry and
// removes the old ones when deleteOldRDN is set.
func adjustRDNAttributes(reg *schema.Registries, e *entry.Entry, oldRDN, newRDN dn.RDN, deleteOldRDN bool) {
	for _, ava := range newRDN.Avas {
		if attr, err := entry.NewAttribute(reg, ava.Type, ava.Value); err == nil {
			e.Add(attr)
		}
	}

	if !deleteOldRDN {
		return
	}

	for _, ava := range oldRDN.Avas {
		at, err := reg.AttributeType(ava.Type)
		if err != nil {
			continue
		}

		keep := false
		for _, nava := range newRDN.Avas {
			if nava.TypeOID == at.OID && nava.NormValue == ava.NormValue {
				keep = true
			}
		}
		if !keep {
			e.Remove(at.OID, []entry.Value{{User: ava.Value, Norm: ava.NormValue}})
		}
	}
}

// Search evaluates the filter over the scope candidates, dereferencing
// aliases per the requested mode.
func (p *Memory) Search(ctx *opctx.SearchContext) (cursor.Cursor, error) {
	t := tx(&ctx.Context)

	base, ok := t.Lookup(p.id, ctx.DN.Norm())
	if !ok {
		return nil, ldaperr.NoSuchObject(ctx.DN.User())
	}

	if ctx.Deref == opctx.DerefFindingBase || ctx.Deref == opctx.DerefAlways {
		resolved, err := p.derefAlias(t, base, map[string]bool{})
		if err != nil {
			return nil, err
		}
		base = resolved
	}

	baseDN := base.DN()

	var candidates []*entry.Entry
	switch ctx.Scope {
	case opctx.ScopeBase:
		candidates = []*entry.Entry{base}
	case opctx.ScopeOne:
		candidates = p.children(t, baseDN)
	case opctx.ScopeSubtree:
		candidates = p.subtree(t, baseDN)
	default:
		return nil, ldaperr.UnwillingToPerform("unsupported search scope %d", ctx.Scope)
	}

	derefSearch := ctx.Deref == opctx.DerefInSearching || ctx.Deref == opctx.DerefAlways
	visited := map[string]bool{}

	var matches []*entry.Entry
	for _, e := range candidates {
		if derefSearch && e.HasObjectClass("alias") && !e.DN().Equal(baseDN) {
			resolved, err := p.derefAlias(t, e, visited)
			if err != nil {
				return nil, err
			}
			e = resolved
		}

		if filter.Evaluate(ctx.Filter, e, p.reg) == filter.True {
			matches = append(matches, e.Clone())
		}
	}

	return cursor.FromSlice(matches), nil
}

// derefAlias chases aliasedObjectName links within this partition, keeping
// a visited set so cycles surface as aliasProblem instead of looping.
func (p *Memory) derefAlias(t *txn.Txn, e *entry.Entry, visited map[string]bool) (*entry.Entry, error) {
	for e.HasObjectClass("alias") {
		norm := e.DN().Norm()
		if visited[norm] {
			return nil, ldaperr.AliasProblem("alias cycle at %q", e.DN().User())
		}
		visited[norm] = true

		target := e.Get(schema.OIDAliasedObjectName)
		if target == nil || len(target.Values) == 0 {
			return nil, ldaperr.AliasProblem("alias %q has no aliasedObjectName", e.DN().User())
		}

		next, ok := t.Lookup(p.id, target.Values[0].Norm)
		if !ok {
			return nil, ldaperr.AliasProblem("alias target %q does not exist", target.Values[0].User)
		}
		e = next
	}

	return e, nil
}

func (p *Memory) Unbind(*opctx.UnbindContext) error { return nil }

func (p *Memory) children(t *txn.Txn, parent *dn.DN) []*entry.Entry {
	var out []*entry.Entry
	for _, e := range t.Entries(p.id) {
		if e.DN().Size() == parent.Size()+1 && parent.AncestorOf(e.DN()) {
			out = append(out, e)
		}
	}

	return out
}

func (p *Memory) subtree(t *txn.Txn, base *dn.DN) []*entry.Entry {
	var out []*entry.Entry
	for _, e := range t.Entries(p.id) {
		if base.AncestorOf(e.DN()) {
			out = append(out, e)
		}
	}

	return out
}
