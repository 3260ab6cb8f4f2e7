// Package txn coordinates transactional execution across partitions. A
// read-write transaction buffers its writes in an overlay over immutable
// store snapshots, validates its read set optimistically at commit, and
// surfaces ErrConflict for the operation manager's retry loop. Read-only
// transactions pin their snapshots for as long as a cursor needs them and
// can never conflict.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/entry"
)

// ErrConflict is returned by Commit when another transaction committed a
// conflicting write first. It never escapes the operation manager.
var ErrConflict = errors.New("transaction conflict")

// ErrReadOnly is returned when a write reaches a read-only transaction.
var ErrReadOnly = errors.New("write refused outside a read-write transaction")

// Snapshot is an immutable view of one store's committed state.
type Snapshot interface {
	// Lookup returns the entry at a normalized DN.
	Lookup(norm string) (*entry.Entry, bool)
	// Entries returns every entry in the snapshot.
	Entries() []*entry.Entry
}

// Store is the persistence surface a partition registers with the manager.
// Apply runs under the manager's commit lock and must install the batch
// atomically and durably.
type Store interface {
	ID() string
	Snapshot() Snapshot
	// LastModified returns the commit version that last wrote the DN, zero
	// if never written.
	LastModified(norm string) uint64
	// Apply installs a committed batch at the given version.
	Apply(writes []Write, version uint64) error
}

// Write is one buffered mutation; a nil Entry is a deletion.
type Write struct {
	DN    string
	Entry *entry.Entry
}

// Manager hands out transaction handles and owns the global commit order.
type Manager struct {
	mu      sync.Mutex
	version uint64
	stores  map[string]Store

	pendMu  sync.Mutex
	pending []func()

	nextID atomic.Uint64
}

// NewManager returns a manager with no stores registered.
func NewManager() *Manager {
	return &Manager{stores: make(map[string]Store)}
}

// RegisterStore adds a store to the commit scope.
func (m *Manager) RegisterStore(s Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stores[s.ID()] = s
}

// UnregisterStore removes a store from the commit scope.
func (m *Manager) UnregisterStore(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.stores, id)
}

// Begin opens a transaction observing a consistent snapshot of every
// registered store.
func (m *Manager) Begin(readonly bool) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Txn{
		mgr:      m,
		id:       m.nextID.Add(1),
		readonly: readonly,
	}
	t.snapshotLocked()

	return t
}

// ApplyPending drains queued post-commit hooks in commit order on the
// calling goroutine.
func (m *Manager) ApplyPending() {
	for {
		m.pendMu.Lock()
		if len(m.pending) == 0 {
			m.pendMu.Unlock()

			return
		}
		hook := m.pending[0]
		m.pending = m.pending[1:]
		m.pendMu.Unlock()

		hook()
	}
}

// Version returns the current commit version; useful for diagnostics.
func (m *Manager) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.version
}

// Txn is a transaction handle. It is not safe for concurrent use; one
// operation owns it at a time.
type Txn struct {
	mgr      *Manager
	id       uint64
	readonly bool

	readVersion uint64
	snaps       map[string]Snapshot
	overlay     map[string]map[string]*entry.Entry
	order       []orderedWrite
	reads       map[string]map[string]struct{}
	hooks       []func()
	done        bool
}

type orderedWrite struct {
	store string
	dn    string
}

func (t *Txn) snapshotLocked() {
	t.readVersion = t.mgr.version
	t.snaps = make(map[string]Snapshot, len(t.mgr.stores))
	for id, s := range t.mgr.stores {
		t.snaps[id] = s.Snapshot()
	}
	t.overlay = make(map[string]map[string]*entry.Entry)
	t.order = nil
	t.reads = make(map[string]map[string]struct{})
	t.hooks = nil
}

// ID identifies the handle for logging; it survives Retry.
func (t *Txn) ID() uint64 { return t.id }

// ReadOnly reports whether the transaction refuses writes.
func (t *Txn) ReadOnly() bool { return t.readonly }

func (t *Txn) snap(storeID string) Snapshot {
	if s, ok := t.snaps[storeID]; ok {
		return s
	}

	// A store registered after Begin: capture it now.
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	if s, ok := t.mgr.stores[storeID]; ok {
		t.snaps[storeID] = s.Snapshot()

		return t.snaps[storeID]
	}

	return emptySnapshot{}
}

func (t *Txn) recordRead(storeID, norm string) {
	set, ok := t.reads[storeID]
	if !ok {
		set = make(map[string]struct{})
		t.reads[storeID] = set
	}
	set[norm] = struct{}{}
}

// Lookup reads an entry, observing the transaction's own prior writes
// first.
func (t *Txn) Lookup(storeID, norm string) (*entry.Entry, bool) {
	t.recordRead(storeID, norm)

	if over, ok := t.overlay[storeID]; ok {
		if e, ok := over[norm]; ok {
			return e, e != nil
		}
	}

	return t.snap(storeID).Lookup(norm)
}

// Entries returns the store's entries as this transaction sees them:
// the snapshot merged with the transaction's own overlay.
func (t *Txn) Entries(storeID string) []*entry.Entry {
	base := t.snap(storeID).Entries()
	over := t.overlay[storeID]

	out := make([]*entry.Entry, 0, len(base)+len(over))
	for _, e := range base {
		norm := e.DN().Norm()
		t.recordRead(storeID, norm)

		if over != nil {
			if oe, touched := over[norm]; touched {
				if oe != nil {
					out = append(out, oe)
				}

				continue
			}
		}
		out = append(out, e)
	}

	for norm, oe := range over {
		if oe == nil {
			continue
		}
		if _, existed := t.snap(storeID).Lookup(norm); !existed {
			out = append(out, oe)
		}
	}

	return out
}

// Put buffers an entry write.
func (t *Txn) Put(storeID, norm string, e *entry.Entry) error {
	return t.write(storeID, norm, e)
}

// Delete buffers an entry deletion.
func (t *Txn) Delete(storeID, norm string) error {
	return t.write(storeID, norm, nil)
}

func (t *Txn) write(storeID, norm string, e *entry.Entry) error {
	if t.readonly {
		return ErrReadOnly
	}

	over, ok := t.overlay[storeID]
	if !ok {
		over = make(map[string]*entry.Entry)
		t.overlay[storeID] = over
	}

	if _, existed := over[norm]; !existed {
		t.order = append(t.order, orderedWrite{store: storeID, dn: norm})
	}
	over[norm] = e

	return nil
}

// OnCommit queues a hook to run after this transaction commits. Hooks of
// committed transactions apply in commit order via Manager.ApplyPending.
func (t *Txn) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// Commit validates the read set against commits since Begin and installs
// the overlay. Read-only transactions never conflict.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction %d already finished", t.id)
	}

	if t.readonly {
		if len(t.order) != 0 {
			// Reads must stay reads; this indicates a partition bug.
			panic("read-only transaction accumulated writes")
		}
		t.done = true

		return nil
	}

	m := t.mgr
	m.mu.Lock()

	for storeID, set := range t.reads {
		s, ok := m.stores[storeID]
		if !ok {
			continue
		}
		for norm := range set {
			if s.LastModified(norm) > t.readVersion {
				m.mu.Unlock()
				log.Debug().Uint64("txn", t.id).Str("dn", norm).Msg("commit conflict")

				return ErrConflict
			}
		}
	}

	m.version++
	version := m.version

	batches := make(map[string][]Write)
	for _, w := range t.order {
		batches[w.store] = append(batches[w.store], Write{DN: w.dn, Entry: t.overlay[w.store][w.dn]})
	}

	for storeID, batch := range batches {
		s, ok := m.stores[storeID]
		if !ok {
			continue
		}
		if err := s.Apply(batch, version); err != nil {
			m.mu.Unlock()

			return fmt.Errorf("applying batch to partition %q: %w", storeID, err)
		}
	}

	m.pendMu.Lock()
	m.pending = append(m.pending, t.hooks...)
	m.pendMu.Unlock()

	m.mu.Unlock()

	t.done = true

	return nil
}

// Abort discards the transaction.
func (t *Txn) Abort() {
	t.done = true
	t.overlay = nil
	t.order = nil
	t.reads = nil
	t.hooks = nil
}

// Retry resets the read set and overlay and re-snapshots, keeping the
// handle identity for logging.
func (t *Txn) Retry() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	t.done = false
	t.snapshotLocked()
}

// ApplyPending drains the manager's post-commit queue; convenience so the
// retry loop can call it on the handle it holds.
func (t *Txn) ApplyPending() {
	t.mgr.ApplyPending()
}

type emptySnapshot struct{}

func (emptySnapshot) Lookup(string) (*entry.Entry, bool) { return nil, false }
func (emptySnapshot) Entries() []*entry.Entry            { return nil }
