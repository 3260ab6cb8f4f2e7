// Package nexus routes operations to the partition owning the target DN
// and assembles the root DSE. The routing table is replaced wholesale on
// partition changes so readers never lock.
package nexus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/partition"
	"github.com/netresearch/directoryd/internal/referral"
	"github.com/netresearch/directoryd/internal/schema"
	"github.com/netresearch/directoryd/internal/txn"
)

// Config carries the root DSE advertisement values.
type Config struct {
	VendorName     string
	VendorVersion  string
	SASLMechanisms []string
}

// Nexus owns the partition registry and the synthetic root DSE.
type Nexus struct {
	reg *schema.Registries
	txm *txn.Manager
	cfg Config

	// refs, when set, is seeded with referral entries found while scanning
	// newly attached partitions.
	refs *referral.Manager

	mu    sync.Mutex
	table atomic.Pointer[routing]
}

// routing is the immutable routing state readers observe.
type routing struct {
	partitions map[string]partition.Partition
	trie       *trieNode
	contexts   []string // user-form suffixes, sorted
}

type trieNode struct {
	children  map[string]*trieNode
	partition partition.Partition
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// New creates an empty nexus.
func New(reg *schema.Registries, txm *txn.Manager, refs *referral.Manager, cfg Config) *Nexus {
	n := &Nexus{reg: reg, txm: txm, refs: refs, cfg: cfg}
	n.table.Store(&routing{
		partitions: make(map[string]partition.Partition),
		trie:       newTrieNode(),
	})

	return n
}

// AddPartition initializes and attaches a partition, registers its store
// with the transaction manager, updates namingContexts atomically, and
// seeds the referral cache from the partition's committed entries.
func (n *Nexus) AddPartition(p partition.Partition) error {
	if err := p.Init(); err != nil {
		return fmt.Errorf("initializing partition %q: %w", p.ID(), err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	cur := n.table.Load()
	if _, exists := cur.partitions[p.ID()]; exists {
		return fmt.Errorf("partition %q already attached", p.ID())
	}

	if s, ok := p.(interface{ Store() txn.Store }); ok {
		n.txm.RegisterStore(s.Store())
	}

	n.table.Store(rebuild(cur, p, ""))

	n.seedReferrals(p)

	log.Info().Str("partition", p.ID()).Str("suffix", p.Suffix().User()).Msg("partition attached")

	return nil
}

// RemovePartition syncs, detaches, and destroys a partition.
func (n *Nexus) RemovePartition(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	cur := n.table.Load()
	p, ok := cur.partitions[id]
	if !ok {
		return fmt.Errorf("partition %q not attached", id)
	}

	if err := p.Sync(); err != nil {
		return fmt.Errorf("syncing partition %q: %w", id, err)
	}

	n.table.Store(rebuild(cur, nil, id))
	n.txm.UnregisterStore(id)

	if err := p.Destroy(); err != nil {
		return fmt.Errorf("destroying partition %q: %w", id, err)
	}

	log.Info().Str("partition", id).Msg("partition detached")

	return nil
}

// rebuild produces the next routing state with added attached and removed
// detached.
func rebuild(cur *routing, added partition.Partition, removed string) *routing {
	next := &routing{
		partitions: make(map[string]partition.Partition, len(cur.partitions)+1),
		trie:       newTrieNode(),
	}

	for id, p := range cur.partitions {
		if id != removed {
			next.partitions[id] = p
		}
	}
	if added != nil {
		next.partitions[added.ID()] = added
	}

	for _, p := range next.partitions {
		node := next.trie
		rdns := p.Suffix().RDNs()
		for i := len(rdns) - 1; i >= 0; i-- {
			key := rdns[i].Norm()
			child, ok := node.children[key]
			if !ok {
				child = newTrieNode()
				node.children[key] = child
			}
			node = child
		}
		node.partition = p
		next.contexts = append(next.contexts, p.Suffix().User())
	}
	sort.Strings(next.contexts)

	return next
}

// seedReferrals scans a partition's committed entries for referrals.
func (n *Nexus) seedReferrals(p partition.Partition) {
	if n.refs == nil {
		return
	}

	s, ok := p.(interface{ Store() txn.Store })
	if !ok {
		return
	}

	count := 0
	for _, e := range s.Store().Snapshot().Entries() {
		if referral.IsEligible(e) {
			n.refs.Add(e)
			count++
		}
	}

	if count > 0 {
		log.Info().Str("partition", p.ID()).Int("referrals", count).Msg("referral cache seeded")
	}
}

// PartitionOf walks the routing trie and returns the deepest partition
// whose suffix is an ancestor of d. The empty DN has no owning partition.
func (n *Nexus) PartitionOf(d *dn.DN) (partition.Partition, error) {
	t := n.table.Load()

	var deepest partition.Partition

	node := t.trie
	rdns := d.RDNs()
	for i := len(rdns) - 1; i >= 0; i-- {
		child, ok := node.children[rdns[i].Norm()]
		if !ok {
			break
		}
		node = child
		if node.partition != nil {
			deepest = node.partition
		}
	}

	if deepest == nil {
		return nil, ldaperr.NoSuchObject(d.User())
	}

	return deepest, nil
}

// Partitions returns the attached partitions.
func (n *Nexus) Partitions() []partition.Partition {
	t := n.table.Load()

	out := make([]partition.Partition, 0, len(t.partitions))
	for _, p := range t.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// NamingContexts returns the user-form suffixes of every attached
// partition.
func (n *Nexus) NamingContexts() []string {
	return append([]string(nil), n.table.Load().contexts...)
}

// RootDSE assembles the synthetic entry at the empty DN.
func (n *Nexus) RootDSE() *entry.Entry {
	e := entry.New(dn.MustParse(""))

	put := func(id string, values ...string) {
		if len(values) == 0 {
			return
		}
		if attr, err := entry.NewAttribute(n.reg, id, values...); err == nil {
			e.Put(attr)
		}
	}

	put("objectClass", "top", "extensibleObject")
	put("namingContexts", n.NamingContexts()...)
	put("supportedLDAPVersion", "3")
	put("supportedControl",
		"2.16.840.1.113730.3.4.2", // ManageDsaIT
		"1.3.6.1.4.1.4203.1.10.1", // Subentries
		"1.2.840.113556.1.4.319",  // PagedResults
		"2.16.840.1.113730.3.4.3", // PersistentSearch
		"2.16.840.1.113730.3.4.7", // EntryChange
		"1.2.840.113556.1.4.473",  // SortRequest
		"1.3.6.1.4.1.18060.0.0.1", // Cascade
	)
	put("supportedExtension",
		"1.3.6.1.4.1.4203.1.11.3", // WhoAmI
		"1.3.6.1.1.8",             // Cancel
	)
	put("supportedSASLMechanisms", n.cfg.SASLMechanisms...)
	put("supportedFeatures",
		"1.3.6.1.4.1.4203.1.5.1", // all operational attributes
	)
	put("vendorName", n.cfg.VendorName)
	put("vendorVersion", n.cfg.VendorVersion)
	put("subschemaSubentry", "cn=schema")

	return e
}

// Sync flushes every partition.
func (n *Nexus) Sync() error {
	for _, p := range n.Partitions() {
		if err := p.Sync(); err != nil {
			return err
		}
	}

	return nil
}

// Shutdown detaches every partition.
func (n *Nexus) Shutdown() error {
	var firstErr error
	for _, p := range n.Partitions() {
		if err := n.RemovePartition(p.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
