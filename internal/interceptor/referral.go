package interceptor

import (
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/referral"
	"github.com/netresearch/directoryd/internal/txn"
)

// Referral keeps the referral cache synchronized with successful writes.
// The pre-dispatch referral decisions happen in the operation manager; this
// stage only watches entries with objectClass referral flow past and queues
// cache updates on the committing transaction, so a conflict retry never
// leaves a stale cache behind.
type Referral struct {
	Base

	refs *referral.Manager
}

// NewReferral creates the referral cache maintenance stage.
func NewReferral(refs *referral.Manager) *Referral {
	return &Referral{refs: refs}
}

func (*Referral) Name() string { return NameReferral }

func onCommit(ctx *opctx.Context, hook func()) {
	if t, ok := ctx.Txn.(*txn.Txn); ok && t != nil {
		t.OnCommit(hook)

		return
	}

	hook()
}

func (r *Referral) Add(c *Chain, ctx *opctx.AddContext) error {
	if err := c.Add(ctx); err != nil {
		return err
	}

	if referral.IsEligible(ctx.Entry) {
		added := ctx.Entry.Clone()
		onCommit(&ctx.Context, func() { r.refs.Add(added) })
	}

	return nil
}

func (r *Referral) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	if err := c.Delete(ctx); err != nil {
		return err
	}

	if ctx.OriginalEntry != nil && referral.IsEligible(ctx.OriginalEntry) {
		gone := ctx.DN
		onCommit(&ctx.Context, func() { r.refs.Remove(gone) })
	}

	return nil
}

func (r *Referral) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	before := ctx.OriginalEntry

	if err := c.Modify(ctx); err != nil {
		return err
	}

	if before == nil {
		return nil
	}

	after := before.Clone()
	if err := entry.Apply(after, ctx.Mods); err == nil {
		r.queueRefresh(&ctx.Context, before, after)
	}

	return nil
}

func (r *Referral) queueRefresh(ctx *opctx.Context, before, after *entry.Entry) {
	wasRef := referral.IsEligible(before)
	isRef := referral.IsEligible(after)

	if !wasRef && !isRef {
		return
	}

	updated := after.Clone()
	onCommit(ctx, func() {
		if wasRef {
			r.refs.Remove(before.DN())
		}
		if isRef {
			r.refs.Add(updated)
		}
	})
}

func (r *Referral) Rename(c *Chain, ctx *opctx.RenameContext) error {
	if err := c.Rename(ctx); err != nil {
		return err
	}

	r.queueRelocate(&ctx.Context, ctx.OriginalEntry, ctx.NewDN())

	return nil
}

func (r *Referral) Move(c *Chain, ctx *opctx.MoveContext) error {
	if err := c.Move(ctx); err != nil {
		return err
	}

	r.queueRelocate(&ctx.Context, ctx.OriginalEntry, ctx.NewDN())

	return nil
}

func (r *Referral) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	if err := c.MoveAndRename(ctx); err != nil {
		return err
	}

	r.queueRelocate(&ctx.Context, ctx.OriginalEntry, ctx.NewDN())

	return nil
}

func (r *Referral) queueRelocate(ctx *opctx.Context, original *entry.Entry, newDN *dn.DN) {
	if original == nil || !referral.IsEligible(original) {
		return
	}

	moved := original.Clone()
	moved.SetDN(newDN)

	onCommit(ctx, func() {
		r.refs.Remove(original.DN())
		r.refs.Add(moved)
	})
}
