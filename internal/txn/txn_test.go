package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/schema"
)

// fakeStore is a minimal Store for exercising the manager without pulling
// in the partition package.
type fakeStore struct {
	id       string
	entries  map[string]*entry.Entry
	versions map[string]uint64
}

func newFakeStore(id string) *fakeStore {
	return &fakeStore{
		id:       id,
		entries:  make(map[string]*entry.Entry),
		versions: make(map[string]uint64),
	}
}

func (s *fakeStore) ID() string { return s.id }

func (s *fakeStore) Snapshot() Snapshot {
	snap := make(map[string]*entry.Entry, len(s.entries))
	for k, v := range s.entries {
		snap[k] = v
	}

	return fakeSnapshot{entries: snap}
}

func (s *fakeStore) LastModified(norm string) uint64 { return s.versions[norm] }

func (s *fakeStore) Apply(writes []Write, version uint64) error {
	for _, w := range writes {
		if w.Entry == nil {
			delete(s.entries, w.DN)
		} else {
			s.entries[w.DN] = w.Entry
		}
		s.versions[w.DN] = version
	}

	return nil
}

type fakeSnapshot struct {
	entries map[string]*entry.Entry
}

func (s fakeSnapshot) Lookup(norm string) (*entry.Entry, bool) {
	e, ok := s.entries[norm]

	return e, ok
}

func (s fakeSnapshot) Entries() []*entry.Entry {
	out := make([]*entry.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}

	return out
}

func testEntry(t *testing.T, raw string) *entry.Entry {
	t.Helper()

	reg := schema.Bootstrap()
	parsed, err := dn.Parse(raw)
	require.NoError(t, err)
	norm, err := parsed.Normalize(reg)
	require.NoError(t, err)

	return entry.New(norm)
}

func TestReadYourWrites(t *testing.T) {
	m := NewManager()
	store := newFakeStore("p1")
	m.RegisterStore(store)

	tx := m.Begin(false)

	e := testEntry(t, "ou=a,ou=system")
	require.NoError(t, tx.Put("p1", e.DN().Norm(), e))

	got, ok := tx.Lookup("p1", e.DN().Norm())
	require.True(t, ok)
	assert.Same(t, e, got)

	require.NoError(t, tx.Commit())

	// Committed state is visible to later transactions.
	tx2 := m.Begin(true)
	_, ok = tx2.Lookup("p1", e.DN().Norm())
	assert.True(t, ok)
	require.NoError(t, tx2.Commit())
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewManager()
	store := newFakeStore("p1")
	m.RegisterStore(store)

	reader := m.Begin(true)

	writer := m.Begin(false)
	e := testEntry(t, "ou=new,ou=system")
	require.NoError(t, writer.Put("p1", e.DN().Norm(), e))
	require.NoError(t, writer.Commit())

	// The reader's snapshot predates the commit.
	_, ok := reader.Lookup("p1", e.DN().Norm())
	assert.False(t, ok)
	require.NoError(t, reader.Commit())
}

func TestWriteConflictDetectedAtCommit(t *testing.T) {
	m := NewManager()
	store := newFakeStore("p1")
	m.RegisterStore(store)

	seed := m.Begin(false)
	e := testEntry(t, "ou=x,ou=system")
	require.NoError(t, seed.Put("p1", e.DN().Norm(), e))
	require.NoError(t, seed.Commit())

	t1 := m.Begin(false)
	t2 := m.Begin(false)

	_, _ = t1.Lookup("p1", e.DN().Norm())
	_, _ = t2.Lookup("p1", e.DN().Norm())

	require.NoError(t, t1.Put("p1", e.DN().Norm(), testEntry(t, "ou=x,ou=system")))
	require.NoError(t, t2.Put("p1", e.DN().Norm(), testEntry(t, "ou=x,ou=system")))

	require.NoError(t, t1.Commit())

	err := t2.Commit()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestRetryClearsConflict(t *testing.T) {
	m := NewManager()
	store := newFakeStore("p1")
	m.RegisterStore(store)

	e := testEntry(t, "ou=x,ou=system")

	t1 := m.Begin(false)
	t2 := m.Begin(false)

	_, _ = t1.Lookup("p1", e.DN().Norm())
	_, _ = t2.Lookup("p1", e.DN().Norm())
	require.NoError(t, t1.Put("p1", e.DN().Norm(), e))
	require.NoError(t, t2.Put("p1", e.DN().Norm(), e))

	require.NoError(t, t1.Commit())
	require.ErrorIs(t, t2.Commit(), ErrConflict)

	id := t2.ID()
	t2.Retry()
	assert.Equal(t, id, t2.ID(), "retry keeps the handle identity")

	_, _ = t2.Lookup("p1", e.DN().Norm())
	require.NoError(t, t2.Put("p1", e.DN().Norm(), e))
	assert.NoError(t, t2.Commit())
}

func TestReadOnlyNeverConflicts(t *testing.T) {
	m := NewManager()
	store := newFakeStore("p1")
	m.RegisterStore(store)

	ro := m.Begin(true)

	w := m.Begin(false)
	e := testEntry(t, "ou=x,ou=system")
	require.NoError(t, w.Put("p1", e.DN().Norm(), e))
	require.NoError(t, w.Commit())

	_, _ = ro.Lookup("p1", e.DN().Norm())
	assert.NoError(t, ro.Commit())
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	m := NewManager()
	m.RegisterStore(newFakeStore("p1"))

	ro := m.Begin(true)
	err := ro.Put("p1", "2.5.4.11=x", testEntry(t, "ou=x,ou=system"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestPostCommitHooksApplyInCommitOrder(t *testing.T) {
	m := NewManager()
	m.RegisterStore(newFakeStore("p1"))

	var order []string

	t1 := m.Begin(false)
	require.NoError(t, t1.Put("p1", "a", testEntry(t, "ou=a,ou=system")))
	t1.OnCommit(func() { order = append(order, "first") })

	t2 := m.Begin(false)
	require.NoError(t, t2.Put("p1", "b", testEntry(t, "ou=b,ou=system")))
	t2.OnCommit(func() { order = append(order, "second") })

	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Commit())

	m.ApplyPending()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestAbortDiscardsWrites(t *testing.T) {
	m := NewManager()
	store := newFakeStore("p1")
	m.RegisterStore(store)

	tx := m.Begin(false)
	require.NoError(t, tx.Put("p1", "a", testEntry(t, "ou=a,ou=system")))
	tx.Abort()

	check := m.Begin(true)
	_, ok := check.Lookup("p1", "a")
	assert.False(t, ok)
	require.NoError(t, check.Commit())
}
