package interceptor

import (
	"github.com/netresearch/directoryd/internal/authz"
	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
)

// DefaultAuthz applies the static last-resort policy when prescriptive
// access control is disabled: administrators may do anything except remove
// the root DSE or the admin account, everyone else reads their own entry
// only, and the users/groups subtrees are admin-writable only.
type DefaultAuthz struct {
	Base

	enabled bool
	policy  *authz.DefaultPolicy
}

// NewDefaultAuthz creates the default authorization stage.
func NewDefaultAuthz(enabled bool, policy *authz.DefaultPolicy) *DefaultAuthz {
	return &DefaultAuthz{enabled: enabled, policy: policy}
}

func (*DefaultAuthz) Name() string { return NameDefaultAuthz }

func (d *DefaultAuthz) deny(ctx *opctx.Context, kind authz.OpKind) error {
	if !d.enabled {
		return nil
	}

	if !d.policy.Check(ctx.Principal(), ctx.DN, kind) {
		return ldaperr.InsufficientAccessRights("access to %q denied", ctx.DN.User())
	}

	return nil
}

func (d *DefaultAuthz) Add(c *Chain, ctx *opctx.AddContext) error {
	if err := d.deny(&ctx.Context, authz.OpWrite); err != nil {
		return err
	}

	return c.Add(ctx)
}

func (d *DefaultAuthz) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	if err := d.deny(&ctx.Context, authz.OpDelete); err != nil {
		return err
	}

	return c.Delete(ctx)
}

func (d *DefaultAuthz) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	if err := d.deny(&ctx.Context, authz.OpWrite); err != nil {
		return err
	}

	return c.Modify(ctx)
}

func (d *DefaultAuthz) Rename(c *Chain, ctx *opctx.RenameContext) error {
	if err := d.deny(&ctx.Context, authz.OpRename); err != nil {
		return err
	}

	return c.Rename(ctx)
}

func (d *DefaultAuthz) Move(c *Chain, ctx *opctx.MoveContext) error {
	if err := d.deny(&ctx.Context, authz.OpRename); err != nil {
		return err
	}

	return c.Move(ctx)
}

func (d *DefaultAuthz) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	if err := d.deny(&ctx.Context, authz.OpRename); err != nil {
		return err
	}

	return c.MoveAndRename(ctx)
}

func (d *DefaultAuthz) Compare(c *Chain, ctx *opctx.CompareContext) (bool, error) {
	if err := d.deny(&ctx.Context, authz.OpRead); err != nil {
		return false, err
	}

	return c.Compare(ctx)
}

func (d *DefaultAuthz) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	if err := d.deny(&ctx.Context, authz.OpRead); err != nil {
		return nil, err
	}

	return c.Lookup(ctx)
}

func (d *DefaultAuthz) HasEntry(c *Chain, ctx *opctx.HasEntryContext) (bool, error) {
	if err := d.deny(&ctx.Context, authz.OpRead); err != nil {
		return false, err
	}

	return c.HasEntry(ctx)
}

func (d *DefaultAuthz) List(c *Chain, ctx *opctx.ListContext) (cursor.Cursor, error) {
	cur, err := c.List(ctx)
	if err != nil || !d.enabled {
		return cur, err
	}

	return d.filterCursor(&ctx.Context, cur), nil
}

// Search does not fail outright on a base the caller cannot read; entries
// the caller may not see are filtered from the result stream instead.
func (d *DefaultAuthz) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	cur, err := c.Search(ctx)
	if err != nil || !d.enabled {
		return cur, err
	}

	return d.filterCursor(&ctx.Context, cur), nil
}

func (d *DefaultAuthz) filterCursor(ctx *opctx.Context, cur cursor.Cursor) cursor.Cursor {
	principal := ctx.Principal()
	if d.policy.IsAdministrator(principal) {
		return cur
	}

	return cursor.Filtered(cur, func(e *entry.Entry) bool {
		return d.policy.Check(principal, e.DN(), authz.OpRead)
	})
}
