// Package interceptor implements the operation pipeline: an ordered,
// composable chain of processors sharing one operation surface. Dispatch
// is a depth counter on the context rather than per-interceptor next
// pointers, which makes restarting an operation after a transaction
// conflict a plain counter reset.
package interceptor

import (
	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
)

// Canonical interceptor names; bypass sets reference these.
const (
	NameNormalization   = "normalization"
	NameAuthentication  = "authentication"
	NameReferral        = "referral"
	NameACI             = "aci"
	NameDefaultAuthz    = "defaultAuthorization"
	NameSchema          = "schema"
	NameSubentry        = "subentry"
	NameOperational     = "operationalAttributes"
	NameEvent           = "event"
	NameTrigger         = "trigger"
	NameException       = "exception"
	NameNexus           = "nexus"
)

// Interceptor is one pipeline stage. Every method either handles the
// operation, delegates onward via the chain, or both.
type Interceptor interface {
	Name() string

	Add(c *Chain, ctx *opctx.AddContext) error
	Bind(c *Chain, ctx *opctx.BindContext) error
	Compare(c *Chain, ctx *opctx.CompareContext) (bool, error)
	Delete(c *Chain, ctx *opctx.DeleteContext) error
	GetRootDSE(c *Chain, ctx *opctx.GetRootDSEContext) (*entry.Entry, error)
	HasEntry(c *Chain, ctx *opctx.HasEntryContext) (bool, error)
	List(c *Chain, ctx *opctx.ListContext) (cursor.Cursor, error)
	Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error)
	Modify(c *Chain, ctx *opctx.ModifyContext) error
	Move(c *Chain, ctx *opctx.MoveContext) error
	MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error
	Rename(c *Chain, ctx *opctx.RenameContext) error
	Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error)
	Unbind(c *Chain, ctx *opctx.UnbindContext) error
}

// Chain is the static interceptor sequence configured at startup. Calling
// an operation dispatches to the stage at the context's depth, skipping
// bypassed stages.
type Chain struct {
	stages []Interceptor
}

// NewChain builds a chain from stages in execution order; the last stage
// must be terminal (it never delegates).
func NewChain(stages ...Interceptor) *Chain {
	return &Chain{stages: stages}
}

// Stages returns the configured stage names in order.
func (c *Chain) Stages() []string {
	out := make([]string, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.Name()
	}

	return out
}

func (c *Chain) next(ctx *opctx.Context) (Interceptor, error) {
	for ctx.Depth < len(c.stages) {
		s := c.stages[ctx.Depth]
		ctx.Depth++
		if ctx.Bypassed(s.Name()) {
			continue
		}

		return s, nil
	}

	return nil, ldaperr.UnwillingToPerform("operation fell off the end of the interceptor chain")
}

func (c *Chain) Add(ctx *opctx.AddContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Add(c, ctx)
}

func (c *Chain) Bind(ctx *opctx.BindContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Bind(c, ctx)
}

func (c *Chain) Compare(ctx *opctx.CompareContext) (bool, error) {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return false, err
	}

	return s.Compare(c, ctx)
}

func (c *Chain) Delete(ctx *opctx.DeleteContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Delete(c, ctx)
}

func (c *Chain) GetRootDSE(ctx *opctx.GetRootDSEContext) (*entry.Entry, error) {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return nil, err
	}

	return s.GetRootDSE(c, ctx)
}

func (c *Chain) HasEntry(ctx *opctx.HasEntryContext) (bool, error) {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return false, err
	}

	return s.HasEntry(c, ctx)
}

func (c *Chain) List(ctx *opctx.ListContext) (cursor.Cursor, error) {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return nil, err
	}

	return s.List(c, ctx)
}

func (c *Chain) Lookup(ctx *opctx.LookupContext) (*entry.Entry, error) {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return nil, err
	}

	return s.Lookup(c, ctx)
}

func (c *Chain) Modify(ctx *opctx.ModifyContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Modify(c, ctx)
}

func (c *Chain) Move(ctx *opctx.MoveContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Move(c, ctx)
}

func (c *Chain) MoveAndRename(ctx *opctx.MoveAndRenameContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.MoveAndRename(c, ctx)
}

func (c *Chain) Rename(ctx *opctx.RenameContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Rename(c, ctx)
}

func (c *Chain) Search(ctx *opctx.SearchContext) (cursor.Cursor, error) {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return nil, err
	}

	return s.Search(c, ctx)
}

func (c *Chain) Unbind(ctx *opctx.UnbindContext) error {
	s, err := c.next(&ctx.Context)
	if err != nil {
		return err
	}

	return s.Unbind(c, ctx)
}

// Base is the pass-through stage; interceptors embed it and override the
// operations they care about.
type Base struct{}

func (Base) Add(c *Chain, ctx *opctx.AddContext) error         { return c.Add(ctx) }
func (Base) Bind(c *Chain, ctx *opctx.BindContext) error       { return c.Bind(ctx) }
func (Base) Delete(c *Chain, ctx *opctx.DeleteContext) error   { return c.Delete(ctx) }
func (Base) Modify(c *Chain, ctx *opctx.ModifyContext) error   { return c.Modify(ctx) }
func (Base) Move(c *Chain, ctx *opctx.MoveContext) error       { return c.Move(ctx) }
func (Base) Rename(c *Chain, ctx *opctx.RenameContext) error   { return c.Rename(ctx) }
func (Base) Unbind(c *Chain, ctx *opctx.UnbindContext) error   { return c.Unbind(ctx) }

func (Base) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	return c.MoveAndRename(ctx)
}

func (Base) Compare(c *Chain, ctx *opctx.CompareContext) (bool, error) {
	return c.Compare(ctx)
}

func (Base) GetRootDSE(c *Chain, ctx *opctx.GetRootDSEContext) (*entry.Entry, error) {
	return c.GetRootDSE(ctx)
}

func (Base) HasEntry(c *Chain, ctx *opctx.HasEntryContext) (bool, error) {
	return c.HasEntry(ctx)
}

func (Base) List(c *Chain, ctx *opctx.ListContext) (cursor.Cursor, error) {
	return c.List(ctx)
}

func (Base) Lookup(c *Chain, ctx *opctx.LookupContext) (*entry.Entry, error) {
	return c.Lookup(ctx)
}

func (Base) Search(c *Chain, ctx *opctx.SearchContext) (cursor.Cursor, error) {
	return c.Search(ctx)
}
