package interceptor

import (
	"errors"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/txn"
)

// Exception is the safety net above the partition layer: typed directory
// errors pass through unchanged, write attempts on read-only transactions
// become unwillingToPerform, and anything else is wrapped as Other so no
// raw internal error reaches the protocol surface. Transaction conflicts
// are exempt — the operation manager's retry loop consumes those.
type Exception struct {
	Base
}

// NewException creates the exception mapping stage.
func NewException() *Exception {
	return &Exception{}
}

func (*Exception) Name() string { return NameException }

func mapError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := ldaperr.As(err); ok {
		return err
	}

	if errors.Is(err, txn.ErrConflict) {
		return err
	}

	if errors.Is(err, txn.ErrReadOnly) {
		return ldaperr.UnwillingToPerform("write refused outside a read-write transaction")
	}

	return ldaperr.Other(err)
}

func (x *Exception) Add(c *Chain, ctx *opctx.AddContext) error {
	return mapError(c.Add(ctx))
}

func (x *Exception) Bind(c *Chain, ctx *opctx.BindContext) error {
	return mapError(c.Bind(ctx))
}

func (x *Exception) Compare(c *Chain, ctx *opctx.CompareContext) (bool, error) {
	matched, err := c.Compare(ctx)

	return matched, mapError(err)
}

func (x *Exception) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	return mapError(c.Delete(ctx))
}

func (x *Exception) GetRootDSE(c *Chain, ctx *opctx.GetRootDSEContext) (*entry.Entry, error) {
	e, err := c.GetRootDSE(ctx)

	return e, mapError(err)
}

func (x *Exception) HasEntry(c *Chain, ctx *opctx.HasEntryContext) (bool, error) {
	ok, err := c.HasEntry(ctx)

	return ok, mapError(err)
}

func (x *Exception) List(c *Chain, ctx *opctx.ListContext) (cursor.Cursor, error) {
	cur, err := c.List(ctx)

	return cur, mapError(err)
}

func (x *Exception) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	e, err := c.Lookup(ctx)

	return e, mapError(err)
}

func (x *Exception) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	return mapError(c.Modify(ctx))
}

func (x *Exception) Move(c *Chain, ctx *opctx.MoveContext) error {
	return mapError(c.Move(ctx))
}

func (x *Exception) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	return mapError(c.MoveAndRename(ctx))
}

func (x *Exception) Rename(c *Chain, ctx *opctx.RenameContext) error {
	return mapError(c.Rename(ctx))
}

func (x *Exception) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	cur, err := c.Search(ctx)

	return cur, mapError(err)
}

func (x *Exception) Unbind(c *Chain, ctx *opctx.UnbindContext) error {
	return mapError(c.Unbind(ctx))
}
