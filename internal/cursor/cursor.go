// Package cursor provides the lazy result cursors handed out by search and
// list operations. Cursors compose: a base cursor over partition results is
// wrapped with filtering, projection, limit enforcement, cancellation, and
// transaction-release layers.
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
)

// Cursor is a single-direction lazy iterator over entries. Next returns
// (nil, nil) once the cursor is exhausted. Close releases any resources the
// cursor pins, including its read transaction.
type Cursor interface {
	Next() (*entry.Entry, error)
	Close() error
}

// slice is the base cursor over a materialized result set.
type slice struct {
	entries []*entry.Entry
	pos     int
	closed  bool
}

// FromSlice returns a cursor over a fixed result set.
func FromSlice(entries []*entry.Entry) Cursor {
	return &slice{entries: entries}
}

func (c *slice) Next() (*entry.Entry, error) {
	if c.closed || c.pos >= len(c.entries) {
		return nil, nil
	}

	e := c.entries[c.pos]
	c.pos++

	return e, nil
}

func (c *slice) Close() error {
	c.closed = true

	return nil
}

type filtered struct {
	inner Cursor
	keep  func(*entry.Entry) bool
}

// Filtered wraps a cursor, skipping entries the predicate rejects.
func Filtered(inner Cursor, keep func(*entry.Entry) bool) Cursor {
	return &filtered{inner: inner, keep: keep}
}

func (c *filtered) Next() (*entry.Entry, error) {
	for {
		e, err := c.inner.Next()
		if err != nil || e == nil {
			return nil, err
		}
		if c.keep(e) {
			return e, nil
		}
	}
}

func (c *filtered) Close() error { return c.inner.Close() }

type mapped struct {
	inner Cursor
	fn    func(*entry.Entry) *entry.Entry
}

// Mapped wraps a cursor, transforming every entry; used for
// returning-attribute projection. A nil result drops the entry.
func Mapped(inner Cursor, fn func(*entry.Entry) *entry.Entry) Cursor {
	return &mapped{inner: inner, fn: fn}
}

func (c *mapped) Next() (*entry.Entry, error) {
	for {
		e, err := c.inner.Next()
		if err != nil || e == nil {
			return nil, err
		}
		if out := c.fn(e); out != nil {
			return out, nil
		}
	}
}

func (c *mapped) Close() error { return c.inner.Close() }

type limited struct {
	inner     Cursor
	sizeLimit int64
	deadline  time.Time
	returned  int64
}

// Limited enforces the search size and time limits. A size limit of zero
// means unlimited; the limit-th entry is still delivered and the failure
// surfaces on the following Next, per LDAP semantics. The deadline is
// checked on every Next.
func Limited(inner Cursor, sizeLimit int64, timeLimit time.Duration) Cursor {
	var deadline time.Time
	if timeLimit > 0 {
		deadline = time.Now().Add(timeLimit)
	}

	return &limited{inner: inner, sizeLimit: sizeLimit, deadline: deadline}
}

func (c *limited) Next() (*entry.Entry, error) {
	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		return nil, ldaperr.TimeLimitExceeded()
	}

	e, err := c.inner.Next()
	if err != nil || e == nil {
		return nil, err
	}

	if c.sizeLimit > 0 && c.returned >= c.sizeLimit {
		return nil, ldaperr.SizeLimitExceeded(c.sizeLimit)
	}
	c.returned++

	return e, nil
}

func (c *limited) Close() error { return c.inner.Close() }

// Cancelable adds an abandon hook: after Cancel, the next Next fails with
// Canceled. Entries already delivered stay delivered.
type Cancelable struct {
	inner    Cursor
	canceled atomic.Bool
}

// WithCancel wraps a cursor with abandon support.
func WithCancel(inner Cursor) *Cancelable {
	return &Cancelable{inner: inner}
}

// Cancel marks the cursor abandoned; safe from any goroutine.
func (c *Cancelable) Cancel() {
	c.canceled.Store(true)
}

func (c *Cancelable) Next() (*entry.Entry, error) {
	if c.canceled.Load() {
		return nil, ldaperr.Canceled()
	}

	return c.inner.Next()
}

func (c *Cancelable) Close() error { return c.inner.Close() }

type released struct {
	inner   Cursor
	release func()
	once    sync.Once
}

// WithRelease runs release exactly once when the cursor is closed; the
// operation manager uses it to close the read transaction a search cursor
// pins.
func WithRelease(inner Cursor, release func()) Cursor {
	return &released{inner: inner, release: release}
}

func (c *released) Next() (*entry.Entry, error) { return c.inner.Next() }

func (c *released) Close() error {
	err := c.inner.Close()
	c.once.Do(c.release)

	return err
}

type concat struct {
	cursors []Cursor
	pos     int
}

// Concat chains cursors back to back; closing closes every underlying
// cursor.
func Concat(cursors ...Cursor) Cursor {
	return &concat{cursors: cursors}
}

func (c *concat) Next() (*entry.Entry, error) {
	for c.pos < len(c.cursors) {
		e, err := c.cursors[c.pos].Next()
		if err != nil || e != nil {
			return e, err
		}
		c.pos++
	}

	return nil, nil
}

func (c *concat) Close() error {
	var firstErr error
	for _, cur := range c.cursors {
		if err := cur.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Drain exhausts a cursor into a slice and closes it; test and seed-scan
// helper.
func Drain(c Cursor) ([]*entry.Entry, error) {
	defer func() { _ = c.Close() }()

	var out []*entry.Entry
	for {
		e, err := c.Next()
		if err != nil {
			return out, err
		}
		if e == nil {
			return out, nil
		}
		out = append(out, e)
	}
}
