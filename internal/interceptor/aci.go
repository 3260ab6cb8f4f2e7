package interceptor

import (
	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/authn"
	"github.com/netresearch/directoryd/internal/authz"
	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// ACI enforces Basic Access Control when prescriptive access control is
// enabled. Tuples come from the TupleCache (prescriptive ACI scoped by
// subentry), from entryACI on the target, and — for subentry targets —
// from subentryACI on the administrative parent. The administrator
// principal bypasses the decision function entirely.
type ACI struct {
	Base

	enabled bool
	reg     *schema.Registries
	tuples  *authz.TupleCache
	groups  *authz.GroupCache
	adminDN *dn.DN
	lookup  authn.EntryLookup
}

// NewACI creates the access-control stage.
func NewACI(
	enabled bool,
	reg *schema.Registries,
	tuples *authz.TupleCache,
	groups *authz.GroupCache,
	adminDN *dn.DN,
	lookup authn.EntryLookup,
) *ACI {
	return &ACI{enabled: enabled, reg: reg, tuples: tuples, groups: groups, adminDN: adminDN, lookup: lookup}
}

func (*ACI) Name() string { return NameACI }

func (a *ACI) skip(ctx *opctx.Context) bool {
	if !a.enabled {
		return true
	}

	p := ctx.Principal()

	return p.DN != nil && p.DN.Equal(a.adminDN)
}

// tuplesFor assembles the tuple set governing the target.
func (a *ACI) tuplesFor(target *dn.DN, targetEntry *entry.Entry) []*authz.Tuple {
	tuples := a.tuples.ApplicableTo(target)

	if targetEntry != nil {
		if attr := targetEntry.Get(schema.OIDEntryACI); attr != nil {
			for _, v := range attr.UserValues() {
				parsed, err := authz.ParseACI(v, a.reg)
				if err != nil {
					log.Warn().Err(err).Str("dn", target.User()).Msg("skipping unparseable entryACI")

					continue
				}
				tuples = append(tuples, parsed...)
			}
		}
	}

	if targetEntry != nil && targetEntry.HasObjectClass("subentry") && a.lookup != nil {
		if parent, err := a.lookup(target.Parent()); err == nil {
			if attr := parent.Get(schema.OIDSubentryACI); attr != nil {
				for _, v := range attr.UserValues() {
					parsed, err := authz.ParseACI(v, a.reg)
					if err != nil {
						log.Warn().Err(err).Str("dn", target.Parent().User()).Msg("skipping unparseable subentryACI")

						continue
					}
					tuples = append(tuples, parsed...)
				}
			}
		}
	}

	return tuples
}

func (a *ACI) check(ctx *opctx.Context, target *dn.DN, targetEntry *entry.Entry, attrOID, valueNorm string, ops ...authz.Permission) error {
	principal := ctx.Principal()

	req := authz.Request{
		Principal:   principal,
		UserGroups:  a.groups.GroupsFor(principal.DN.Norm()),
		TargetDN:    target,
		TargetEntry: targetEntry,
		AttrOID:     attrOID,
		ValueNorm:   valueNorm,
		Ops:         ops,
	}

	if !authz.Decide(a.tuplesFor(target, targetEntry), req) {
		return ldaperr.InsufficientAccessRights("access to %q denied", target.User())
	}

	return nil
}

// Add is checked for entry-scope Add and for attribute Add of every
// asserted value.
func (a *ACI) Add(c *Chain, ctx *opctx.AddContext) error {
	if a.skip(&ctx.Context) {
		return c.Add(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.Entry, "", "", authz.PermAdd); err != nil {
		return err
	}

	for _, attr := range ctx.Entry.Attributes() {
		if attr.Type.Operational() {
			continue
		}
		for _, v := range attr.Values {
			if err := a.check(&ctx.Context, ctx.DN, ctx.Entry, attr.Type.OID, v.Norm, authz.PermAdd); err != nil {
				return err
			}
		}
	}

	return c.Add(ctx)
}

func (a *ACI) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	if a.skip(&ctx.Context) {
		return c.Delete(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, "", "", authz.PermRemove); err != nil {
		return err
	}

	return c.Delete(ctx)
}

func (a *ACI) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	if a.skip(&ctx.Context) {
		return c.Modify(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, "", "", authz.PermModify); err != nil {
		return err
	}

	for _, m := range ctx.Mods {
		perm := authz.PermAdd
		if m.Op == entry.ModRemove {
			perm = authz.PermRemove
		}

		if len(m.Attr.Values) == 0 {
			if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, m.Attr.Type.OID, "", perm); err != nil {
				return err
			}

			continue
		}

		for _, v := range m.Attr.Values {
			if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, m.Attr.Type.OID, v.Norm, perm); err != nil {
				return err
			}
		}
	}

	return c.Modify(ctx)
}

// Compare checks Read on the entry and Compare on the asserted value.
func (a *ACI) Compare(c *Chain, ctx *opctx.CompareContext) (bool, error) {
	if a.skip(&ctx.Context) {
		return c.Compare(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, "", "", authz.PermRead); err != nil {
		return false, err
	}

	at, err := a.reg.AttributeType(ctx.AttrID)
	if err != nil {
		return false, ldaperr.UndefinedAttributeType(ctx.AttrID)
	}
	norm, err := a.reg.NormalizeValue(at, ctx.Value)
	if err != nil {
		return false, ldaperr.InvalidAttributeSyntax(ctx.AttrID, err)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, at.OID, norm, authz.PermCompare); err != nil {
		return false, err
	}

	return c.Compare(ctx)
}

func (a *ACI) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	e, err := c.Lookup(ctx)
	if err != nil || a.skip(&ctx.Context) {
		return e, err
	}

	if err := a.check(&ctx.Context, ctx.DN, e, "", "", authz.PermRead); err != nil {
		return nil, err
	}

	return a.filterEntry(&ctx.Context, e), nil
}

func (a *ACI) List(c *Chain, ctx *opctx.ListContext) (cursor.Cursor, error) {
	cur, err := c.List(ctx)
	if err != nil || a.skip(&ctx.Context) {
		return cur, err
	}

	return a.filterCursor(&ctx.Context, cur), nil
}

func (a *ACI) Rename(c *Chain, ctx *opctx.RenameContext) error {
	if a.skip(&ctx.Context) {
		return c.Rename(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, "", "", authz.PermRename); err != nil {
		return err
	}

	return c.Rename(ctx)
}

func (a *ACI) Move(c *Chain, ctx *opctx.MoveContext) error {
	if a.skip(&ctx.Context) {
		return c.Move(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, "", "", authz.PermExport); err != nil {
		return err
	}
	if err := a.check(&ctx.Context, ctx.NewDN(), ctx.OriginalEntry, "", "", authz.PermImport); err != nil {
		return err
	}

	return c.Move(ctx)
}

func (a *ACI) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	if a.skip(&ctx.Context) {
		return c.MoveAndRename(ctx)
	}

	if err := a.check(&ctx.Context, ctx.DN, ctx.OriginalEntry, "", "", authz.PermExport, authz.PermRename); err != nil {
		return err
	}
	if err := a.check(&ctx.Context, ctx.NewDN(), ctx.OriginalEntry, "", "", authz.PermImport); err != nil {
		return err
	}

	return c.MoveAndRename(ctx)
}

// Search filters results entry by entry: entries the caller may not browse
// disappear, unreadable attributes and values are stripped.
func (a *ACI) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	cur, err := c.Search(ctx)
	if err != nil || a.skip(&ctx.Context) {
		return cur, err
	}

	return a.filterCursor(&ctx.Context, cur), nil
}

func (a *ACI) filterCursor(ctx *opctx.Context, cur cursor.Cursor) cursor.Cursor {
	return cursor.Mapped(cur, func(e *entry.Entry) *entry.Entry {
		if err := a.check(ctx, e.DN(), e, "", "", authz.PermBrowse, authz.PermReturnDN); err != nil {
			return nil
		}

		return a.filterEntry(ctx, e)
	})
}

// filterEntry strips the attribute types and values the principal cannot
// read.
func (a *ACI) filterEntry(ctx *opctx.Context, e *entry.Entry) *entry.Entry {
	out := e.Clone()

	for _, attr := range e.Attributes() {
		if attr.Type.Operational() {
			continue
		}

		if err := a.check(ctx, e.DN(), e, attr.Type.OID, "", authz.PermRead); err != nil {
			out.Remove(attr.Type.OID, nil)

			continue
		}

		for _, v := range attr.Values {
			if err := a.check(ctx, e.DN(), e, attr.Type.OID, v.Norm, authz.PermRead); err != nil {
				out.Remove(attr.Type.OID, []entry.Value{v})
			}
		}
	}

	return out
}
