package interceptor

import (
	"sync"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// Subentry implements subentry visibility and collective attributes:
// subentries stay invisible to ordinary searches (the Subentries control
// flips visibility the other way, per RFC 3672), and entries inside a
// collective attribute subentry's administrative area have its c-*
// attributes materialized onto read results.
type Subentry struct {
	Base

	reg *schema.Registries

	mu         sync.RWMutex
	collective map[string]*entry.Entry // normalized subentry DN -> subentry
}

// NewSubentry creates the subentry stage.
func NewSubentry(reg *schema.Registries) *Subentry {
	return &Subentry{reg: reg, collective: make(map[string]*entry.Entry)}
}

func (*Subentry) Name() string { return NameSubentry }

// Track registers a collective attribute subentry; the directory calls it
// from the startup seed scan and from post-commit hooks.
func (s *Subentry) Track(e *entry.Entry) {
	if !e.HasObjectClass("collectiveAttributeSubentry") {
		return
	}

	s.mu.Lock()
	s.collective[e.DN().Norm()] = e.Clone()
	s.mu.Unlock()
}

// Untrack drops a collective attribute subentry.
func (s *Subentry) Untrack(d *dn.DN) {
	s.mu.Lock()
	delete(s.collective, d.Norm())
	s.mu.Unlock()
}

func (s *Subentry) Add(c *Chain, ctx *opctx.AddContext) error {
	if err := c.Add(ctx); err != nil {
		return err
	}

	if ctx.Entry.HasObjectClass("collectiveAttributeSubentry") {
		added := ctx.Entry.Clone()
		onCommit(&ctx.Context, func() { s.Track(added) })
	}

	return nil
}

func (s *Subentry) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	if err := c.Delete(ctx); err != nil {
		return err
	}

	if ctx.OriginalEntry != nil && ctx.OriginalEntry.HasObjectClass("collectiveAttributeSubentry") {
		gone := ctx.DN
		onCommit(&ctx.Context, func() { s.Untrack(gone) })
	}

	return nil
}

func (s *Subentry) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	before := ctx.OriginalEntry

	if err := c.Modify(ctx); err != nil {
		return err
	}

	if before == nil || !before.HasObjectClass("collectiveAttributeSubentry") {
		return nil
	}

	after := before.Clone()
	if err := entry.Apply(after, ctx.Mods); err == nil {
		updated := after.Clone()
		onCommit(&ctx.Context, func() { s.Track(updated) })
	}

	return nil
}

func (s *Subentry) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	e, err := c.Lookup(ctx)
	if err != nil || e == nil {
		return e, err
	}

	return s.decorate(e), nil
}

func (s *Subentry) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	cur, err := c.Search(ctx)
	if err != nil {
		return nil, err
	}

	subentriesOnly := ctx.HasControl(opctx.ControlSubentries)
	baseScope := ctx.Scope == opctx.ScopeBase

	return cursor.Mapped(cur, func(e *entry.Entry) *entry.Entry {
		isSub := e.HasObjectClass("subentry")

		switch {
		case subentriesOnly && !isSub:
			return nil
		case !subentriesOnly && isSub && !baseScope:
			return nil
		}

		return s.decorate(e)
	}), nil
}

// decorate merges applicable collective attributes into a read result.
// Subentries themselves and entries listing the attribute in
// collectiveExclusions stay untouched.
func (s *Subentry) decorate(e *entry.Entry) *entry.Entry {
	if e.HasObjectClass("subentry") {
		return e
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.collective) == 0 {
		return e
	}

	excluded := map[string]bool{}
	if excl := e.Get(schema.OIDCollectiveExclusions); excl != nil {
		for _, v := range excl.Values {
			excluded[v.Norm] = true
		}
	}

	var out *entry.Entry
	for _, sub := range s.collective {
		if !sub.DN().Parent().AncestorOf(e.DN()) {
			continue
		}

		for _, attr := range sub.Attributes() {
			if !attr.Type.Collective || excluded[attr.Type.OID] {
				continue
			}

			if out == nil {
				out = e.Clone()
			}
			out.Add(attr.Clone())
		}
	}

	if out == nil {
		return e
	}

	return out
}
