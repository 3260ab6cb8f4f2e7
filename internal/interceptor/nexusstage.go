package interceptor

import (
	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/filter"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/nexus"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// NexusStage is the terminal interceptor: it routes every operation to the
// partition owning the normalized target and serves the root DSE itself. A
// base-object search on the empty DN with an objectClass presence filter
// short-circuits to the root DSE without touching any partition.
type NexusStage struct {
	nx  *nexus.Nexus
	reg *schema.Registries
}

// NewNexusStage creates the terminal stage.
func NewNexusStage(nx *nexus.Nexus, reg *schema.Registries) *NexusStage {
	return &NexusStage{nx: nx, reg: reg}
}

func (*NexusStage) Name() string { return NameNexus }

func (n *NexusStage) Add(_ *Chain, ctx *opctx.AddContext) error {
	if ctx.DN.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return err
	}

	return p.Add(ctx)
}

func (n *NexusStage) Bind(_ *Chain, ctx *opctx.BindContext) error {
	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return ldaperr.InvalidCredentials()
	}

	return p.Bind(ctx)
}

func (n *NexusStage) Compare(_ *Chain, ctx *opctx.CompareContext) (bool, error) {
	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return false, err
	}

	return p.Compare(ctx)
}

func (n *NexusStage) Delete(_ *Chain, ctx *opctx.DeleteContext) error {
	if ctx.DN.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return err
	}

	return p.Delete(ctx)
}

func (n *NexusStage) GetRootDSE(_ *Chain, _ *opctx.GetRootDSEContext) (*entry.Entry, error) {
	return n.nx.RootDSE(), nil
}

func (n *NexusStage) HasEntry(_ *Chain, ctx *opctx.HasEntryContext) (bool, error) {
	if ctx.DN.IsEmpty() {
		return true, nil
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return false, nil
	}

	return p.HasEntry(ctx)
}

func (n *NexusStage) List(_ *Chain, ctx *opctx.ListContext) (cursor.Cursor, error) {
	if ctx.DN.IsEmpty() {
		return n.listSuffixes(ctx)
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return nil, err
	}

	return p.List(ctx)
}

// listSuffixes lists the partition suffix entries, the subordinates of the
// root DSE.
func (n *NexusStage) listSuffixes(ctx *opctx.ListContext) (cursor.Cursor, error) {
	var out []*entry.Entry
	for _, p := range n.nx.Partitions() {
		sub := *ctx
		sub.DN = p.Suffix()
		e, err := p.Lookup(&opctx.LookupContext{Context: sub.Context})
		if err == nil {
			out = append(out, e)
		}
	}

	return cursor.FromSlice(out), nil
}

func (n *NexusStage) Lookup(_ *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	if ctx.DN.IsEmpty() {
		return n.nx.RootDSE(), nil
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return nil, err
	}

	return p.Lookup(ctx)
}

func (n *NexusStage) Modify(_ *Chain, ctx *opctx.ModifyContext) error {
	if ctx.DN.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return err
	}

	return p.Modify(ctx)
}

func (n *NexusStage) Move(_ *Chain, ctx *opctx.MoveContext) error {
	if ctx.DN.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	src, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return err
	}

	dst, err := n.nx.PartitionOf(ctx.NewDN())
	if err != nil {
		return err
	}
	if dst.ID() != src.ID() {
		return ldaperr.AffectsMultipleDSAs("cannot move %q across partitions", ctx.DN.User())
	}

	return src.Move(ctx)
}

func (n *NexusStage) MoveAndRename(_ *Chain, ctx *opctx.MoveAndRenameContext) error {
	if ctx.DN.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	src, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return err
	}

	dst, err := n.nx.PartitionOf(ctx.NewDN())
	if err != nil {
		return err
	}
	if dst.ID() != src.ID() {
		return ldaperr.AffectsMultipleDSAs("cannot move %q across partitions", ctx.DN.User())
	}

	return src.MoveAndRename(ctx)
}

func (n *NexusStage) Rename(_ *Chain, ctx *opctx.RenameContext) error {
	if ctx.DN.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	p, err := n.nx.PartitionOf(ctx.DN)
	if err != nil {
		return err
	}

	return p.Rename(ctx)
}

func (n *NexusStage) Search(_ *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	if !ctx.DN.IsEmpty() {
		p, err := n.nx.PartitionOf(ctx.DN)
		if err != nil {
			return nil, err
		}

		return p.Search(ctx)
	}

	// The root DSE answers base-object searches on the empty DN itself.
	if ctx.Scope == opctx.ScopeBase {
		dse := n.nx.RootDSE()
		if filter.Evaluate(ctx.Filter, dse, n.reg) == filter.True {
			return cursor.FromSlice([]*entry.Entry{dse}), nil
		}

		return cursor.FromSlice(nil), nil
	}

	// Empty base with a wider scope fans out over every partition.
	var cursors []cursor.Cursor
	for _, p := range n.nx.Partitions() {
		sub := *ctx
		sub.DN = p.Suffix()

		cur, err := p.Search(&sub)
		if err != nil {
			if ldaperr.IsCode(err, ldap.LDAPResultNoSuchObject) { // suffix entry not created yet
				continue
			}
			for _, c := range cursors {
				_ = c.Close()
			}

			return nil, err
		}
		cursors = append(cursors, cur)
	}

	return cursor.Concat(cursors...), nil
}

func (n *NexusStage) Unbind(_ *Chain, ctx *opctx.UnbindContext) error {
	for _, p := range n.nx.Partitions() {
		if err := p.Unbind(ctx); err != nil {
			return err
		}
	}

	return nil
}
