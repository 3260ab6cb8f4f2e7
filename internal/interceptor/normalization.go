package interceptor

import (
	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// Normalization is the first stage: every DN the context carries (target,
// new superior, new RDN) is brought into canonical form, and an added
// entry is guaranteed to carry its own RDN attribute values.
type Normalization struct {
	Base

	reg *schema.Registries
}

// NewNormalization creates the normalization stage.
func NewNormalization(reg *schema.Registries) *Normalization {
	return &Normalization{reg: reg}
}

func (*Normalization) Name() string { return NameNormalization }

func (n *Normalization) normalizeDN(d *dn.DN) (*dn.DN, error) {
	if d == nil {
		return dn.MustParse(""), nil
	}

	return d.Normalize(n.reg)
}

func (n *Normalization) Add(c *Chain, ctx *opctx.AddContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm
	ctx.Entry.SetDN(norm)

	// The naming attribute values belong on the entry even when the client
	// only put them in the DN.
	if !norm.IsEmpty() {
		for _, ava := range norm.RDN().Avas {
			attr, err := entry.NewAttribute(n.reg, ava.Type, ava.Value)
			if err != nil {
				return err
			}
			ctx.Entry.Add(attr)
		}
	}

	return c.Add(ctx)
}

func (n *Normalization) Bind(c *Chain, ctx *opctx.BindContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm

	return c.Bind(ctx)
}

func (n *Normalization) Compare(c *Chain, ctx *opctx.CompareContext) (bool, error) {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return false, err
	}
	ctx.DN = norm

	return c.Compare(ctx)
}

func (n *Normalization) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm

	return c.Delete(ctx)
}

func (n *Normalization) HasEntry(c *Chain, ctx *opctx.HasEntryContext) (bool, error) {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return false, err
	}
	ctx.DN = norm

	return c.HasEntry(ctx)
}

func (n *Normalization) List(c *Chain, ctx *opctx.ListContext) (cursor.Cursor, error) {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return nil, err
	}
	ctx.DN = norm

	return c.List(ctx)
}

func (n *Normalization) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return nil, err
	}
	ctx.DN = norm

	return c.Lookup(ctx)
}

func (n *Normalization) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm

	return c.Modify(ctx)
}

func (n *Normalization) Move(c *Chain, ctx *opctx.MoveContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm

	if ctx.NewSuperior, err = n.normalizeDN(ctx.NewSuperior); err != nil {
		return err
	}

	return c.Move(ctx)
}

func (n *Normalization) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm

	if ctx.NewSuperior, err = n.normalizeDN(ctx.NewSuperior); err != nil {
		return err
	}

	if ctx.NewRDN, err = n.normalizeRDN(ctx.NewRDN); err != nil {
		return err
	}

	return c.MoveAndRename(ctx)
}

func (n *Normalization) Rename(c *Chain, ctx *opctx.RenameContext) error {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return err
	}
	ctx.DN = norm

	if ctx.NewRDN, err = n.normalizeRDN(ctx.NewRDN); err != nil {
		return err
	}

	return c.Rename(ctx)
}

func (n *Normalization) normalizeRDN(rdn dn.RDN) (dn.RDN, error) {
	single := dn.MustParse("").Child(rdn)

	norm, err := single.Normalize(n.reg)
	if err != nil {
		return dn.RDN{}, err
	}

	return norm.RDN(), nil
}

func (n *Normalization) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	norm, err := n.normalizeDN(ctx.DN)
	if err != nil {
		return nil, err
	}
	ctx.DN = norm

	return c.Search(ctx)
}
