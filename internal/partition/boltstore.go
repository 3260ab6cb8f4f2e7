package partition

import (
	"fmt"
	"time"

	bboltstore "github.com/gofiber/storage/bbolt/v2"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/schema"
	"github.com/netresearch/directoryd/internal/txn"
)

// Bolt is a partition that serves reads from the in-memory image and
// persists every committed batch write-through into a bbolt file. Keys are
// normalized DNs, values the JSON-encoded user-form entries.
type Bolt struct {
	*Memory

	path    string
	bucket  string
	storage *bboltstore.Storage
}

// NewBolt creates a bbolt-backed partition storing its entries at path.
func NewBolt(id string, suffix *dn.DN, reg *schema.Registries, path string) *Bolt {
	b := &Bolt{
		Memory: NewMemory(id, suffix, reg),
		path:   path,
		bucket: "entries_" + id,
	}
	b.Memory.store.persist = b.persist

	return b
}

// Init opens the database and loads the committed image into memory.
func (b *Bolt) Init() error {
	b.storage = bboltstore.New(bboltstore.Config{
		Database: b.path,
		Bucket:   b.bucket,
	})

	var loaded []*entry.Entry
	err := b.storage.Conn().View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(b.bucket))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			e, err := decodeEntry(b.reg, v)
			if err != nil {
				return err
			}
			loaded = append(loaded, e)

			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("loading partition %q from %q: %w", b.id, b.path, err)
	}

	b.Memory.store.load(loaded)

	log.Info().
		Str("partition", b.id).
		Str("path", b.path).
		Int("entries", len(loaded)).
		Msg("bolt partition loaded")

	return b.Memory.Init()
}

// persist runs under the commit lock and writes the batch one Set or Delete
// at a time. Each of those is its own bbolt transaction, so a crash part-way
// through can leave only part of the batch on disk.
func (b *Bolt) persist(writes []txn.Write) error {
	for _, w := range writes {
		if w.Entry == nil {
			if err := b.storage.Delete(w.DN); err != nil {
				return fmt.Errorf("deleting %q: %w", w.DN, err)
			}

			continue
		}

		raw, err := encodeEntry(w.Entry)
		if err != nil {
			return err
		}
		if err := b.storage.Set(w.DN, raw, 0*time.Second); err != nil {
			return fmt.Errorf("storing %q: %w", w.DN, err)
		}
	}

	return nil
}

// Sync forces the database file to stable storage.
func (b *Bolt) Sync() error {
	if b.storage == nil {
		return nil
	}

	return b.storage.Conn().Sync()
}

// Destroy releases the database handle.
func (b *Bolt) Destroy() error {
	if b.storage == nil {
		return nil
	}

	return b.storage.Close()
}
