package interceptor

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/opctx"
)

// StoredProcedure is a callback bound to a DIT trigger specification; it
// runs on the committing goroutine after the transaction applied.
type StoredProcedure func(ChangeEvent)

// TriggerSpec binds a stored procedure to an operation kind within a
// subtree.
type TriggerSpec struct {
	Name string
	On   EventType
	Base *dn.DN
	Proc StoredProcedure
}

// TriggerRegistry holds the configured trigger specifications.
type TriggerRegistry struct {
	mu    sync.RWMutex
	specs []TriggerSpec
}

// NewTriggerRegistry returns an empty registry.
func NewTriggerRegistry() *TriggerRegistry {
	return &TriggerRegistry{}
}

// Register installs a trigger specification.
func (r *TriggerRegistry) Register(spec TriggerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.specs = append(r.specs, spec)
}

// matching returns the specs firing for an operation at d.
func (r *TriggerRegistry) matching(on EventType, d *dn.DN) []TriggerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []TriggerSpec
	for _, spec := range r.specs {
		if spec.On == on && spec.Base.AncestorOf(d) {
			out = append(out, spec)
		}
	}

	return out
}

// Trigger invokes stored procedures bound to DIT trigger specifications
// after their operation commits.
type Trigger struct {
	Base

	registry *TriggerRegistry
}

// NewTrigger creates the trigger stage.
func NewTrigger(registry *TriggerRegistry) *Trigger {
	return &Trigger{registry: registry}
}

func (*Trigger) Name() string { return NameTrigger }

func (t *Trigger) fire(ctx *opctx.Context, ev ChangeEvent) {
	specs := t.registry.matching(ev.Type, ev.DN)
	if len(specs) == 0 {
		return
	}

	onCommit(ctx, func() {
		for _, spec := range specs {
			log.Debug().Str("trigger", spec.Name).Str("dn", ev.DN.User()).Msg("firing trigger")
			spec.Proc(ev)
		}
	})
}

func (t *Trigger) Add(c *Chain, ctx *opctx.AddContext) error {
	if err := c.Add(ctx); err != nil {
		return err
	}

	t.fire(&ctx.Context, ChangeEvent{Type: EntryAdded, DN: ctx.DN, Entry: ctx.Entry.Clone()})

	return nil
}

func (t *Trigger) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	if err := c.Delete(ctx); err != nil {
		return err
	}

	t.fire(&ctx.Context, ChangeEvent{Type: EntryDeleted, DN: ctx.DN, Entry: ctx.OriginalEntry})

	return nil
}

func (t *Trigger) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	if err := c.Modify(ctx); err != nil {
		return err
	}

	t.fire(&ctx.Context, ChangeEvent{Type: EntryModified, DN: ctx.DN, Mods: ctx.Mods})

	return nil
}

func (t *Trigger) Rename(c *Chain, ctx *opctx.RenameContext) error {
	if err := c.Rename(ctx); err != nil {
		return err
	}

	t.fire(&ctx.Context, ChangeEvent{Type: EntryRenamed, DN: ctx.DN, NewDN: ctx.NewDN()})

	return nil
}

func (t *Trigger) Move(c *Chain, ctx *opctx.MoveContext) error {
	if err := c.Move(ctx); err != nil {
		return err
	}

	t.fire(&ctx.Context, ChangeEvent{Type: EntryMoved, DN: ctx.DN, NewDN: ctx.NewDN()})

	return nil
}

func (t *Trigger) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	if err := c.MoveAndRename(ctx); err != nil {
		return err
	}

	t.fire(&ctx.Context, ChangeEvent{Type: EntryMoved, DN: ctx.DN, NewDN: ctx.NewDN()})

	return nil
}
