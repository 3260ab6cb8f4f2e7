package interceptor

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
)

// EventType classifies a directory change notification.
type EventType int

const (
	EntryAdded EventType = iota
	EntryDeleted
	EntryModified
	EntryRenamed
	EntryMoved
)

func (t EventType) String() string {
	switch t {
	case EntryAdded:
		return "added"
	case EntryDeleted:
		return "deleted"
	case EntryModified:
		return "modified"
	case EntryRenamed:
		return "renamed"
	case EntryMoved:
		return "moved"
	}

	return "unknown"
}

// ChangeEvent describes one committed change.
type ChangeEvent struct {
	Type  EventType
	DN    *dn.DN
	NewDN *dn.DN       // renames and moves
	Entry *entry.Entry // the entry as written, when available
	Mods  []entry.Modification
}

// Listener consumes change events on the committing goroutine.
type Listener func(ChangeEvent)

// Dispatcher fans committed change events out to registered listeners.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a listener for all future changes.
func (d *Dispatcher) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, l)
}

// Publish delivers an event to every listener.
func (d *Dispatcher) Publish(ev ChangeEvent) {
	d.mu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}

	log.Trace().Str("type", ev.Type.String()).Str("dn", ev.DN.User()).Msg("change event published")
}

// Event publishes change notifications for committed writes; delivery is
// queued on the transaction so a conflict retry never emits phantom
// events.
type Event struct {
	Base

	dispatcher *Dispatcher
}

// NewEvent creates the event stage.
func NewEvent(dispatcher *Dispatcher) *Event {
	return &Event{dispatcher: dispatcher}
}

func (*Event) Name() string { return NameEvent }

func (ev *Event) Add(c *Chain, ctx *opctx.AddContext) error {
	if err := c.Add(ctx); err != nil {
		return err
	}

	e := ctx.Entry.Clone()
	onCommit(&ctx.Context, func() {
		ev.dispatcher.Publish(ChangeEvent{Type: EntryAdded, DN: e.DN(), Entry: e})
	})

	return nil
}

func (ev *Event) Delete(c *Chain, ctx *opctx.DeleteContext) error {
	if err := c.Delete(ctx); err != nil {
		return err
	}

	d, original := ctx.DN, ctx.OriginalEntry
	onCommit(&ctx.Context, func() {
		ev.dispatcher.Publish(ChangeEvent{Type: EntryDeleted, DN: d, Entry: original})
	})

	return nil
}

func (ev *Event) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	if err := c.Modify(ctx); err != nil {
		return err
	}

	d, mods := ctx.DN, ctx.Mods
	onCommit(&ctx.Context, func() {
		ev.dispatcher.Publish(ChangeEvent{Type: EntryModified, DN: d, Mods: mods})
	})

	return nil
}

func (ev *Event) Rename(c *Chain, ctx *opctx.RenameContext) error {
	if err := c.Rename(ctx); err != nil {
		return err
	}

	d, newDN := ctx.DN, ctx.NewDN()
	onCommit(&ctx.Context, func() {
		ev.dispatcher.Publish(ChangeEvent{Type: EntryRenamed, DN: d, NewDN: newDN})
	})

	return nil
}

func (ev *Event) Move(c *Chain, ctx *opctx.MoveContext) error {
	if err := c.Move(ctx); err != nil {
		return err
	}

	d, newDN := ctx.DN, ctx.NewDN()
	onCommit(&ctx.Context, func() {
		ev.dispatcher.Publish(ChangeEvent{Type: EntryMoved, DN: d, NewDN: newDN})
	})

	return nil
}

func (ev *Event) MoveAndRename(c *Chain, ctx *opctx.MoveAndRenameContext) error {
	if err := c.MoveAndRename(ctx); err != nil {
		return err
	}

	d, newDN := ctx.DN, ctx.NewDN()
	onCommit(&ctx.Context, func() {
		ev.dispatcher.Publish(ChangeEvent{Type: EntryMoved, DN: d, NewDN: newDN})
	})

	return nil
}
