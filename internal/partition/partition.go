// Package partition defines the pluggable entry-store abstraction and
// ships the two bundled implementations: a pure in-memory partition and a
// bbolt-backed one that persists committed batches write-through.
package partition

import (
	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
)

// Partition owns a contiguous subtree rooted at its suffix. Reads are
// re-entrant within a transaction; writes are refused outside a read-write
// transaction by the transaction layer itself.
type Partition interface {
	ID() string
	Suffix() *dn.DN

	Init() error
	Destroy() error
	Sync() error

	Add(ctx *opctx.AddContext) error
	Bind(ctx *opctx.BindContext) error
	Compare(ctx *opctx.CompareContext) (bool, error)
	Delete(ctx *opctx.DeleteContext) error
	HasEntry(ctx *opctx.HasEntryContext) (bool, error)
	List(ctx *opctx.ListContext) (cursor.Cursor, error)
	Lookup(ctx *opctx.LookupContext) (*entry.Entry, error)
	Modify(ctx *opctx.ModifyContext) error
	Move(ctx *opctx.MoveContext) error
	MoveAndRename(ctx *opctx.MoveAndRenameContext) error
	Rename(ctx *opctx.RenameContext) error
	Search(ctx *opctx.SearchContext) (cursor.Cursor, error)
	Unbind(ctx *opctx.UnbindContext) error
}
