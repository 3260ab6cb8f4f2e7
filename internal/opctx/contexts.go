package opctx

import (
	"time"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/filter"
)

// Resettable restores a context to its pre-dispatch snapshot so the
// operation manager can re-run the chain after a transaction conflict.
type Resettable interface {
	SaveOriginal()
	Reset()
}

// AddContext carries an add operation.
type AddContext struct {
	Context
	Entry *entry.Entry

	savedEntry *entry.Entry
}

func (c *AddContext) SaveOriginal() {
	c.saveCommon()
	c.savedEntry = c.Entry.Clone()
}

func (c *AddContext) Reset() {
	c.resetCommon()
	if c.savedEntry != nil {
		c.Entry = c.savedEntry.Clone()
	}
}

// BindContext carries a bind operation. Credentials are scrubbed by the
// authentication interceptor before the chain continues.
type BindContext struct {
	Context
	Method      string // "none", "simple", or a SASL mechanism name
	Credentials []byte

	// Principal is populated by the authentication interceptor on success.
	Principal *Principal

	savedCredentials []byte
}

func (c *BindContext) SaveOriginal() {
	c.saveCommon()
	c.savedCredentials = append([]byte(nil), c.Credentials...)
}

func (c *BindContext) Reset() {
	c.resetCommon()
	c.Credentials = append([]byte(nil), c.savedCredentials...)
	c.Principal = nil
}

// ScrubCredentials wipes credential material from the context.
func (c *BindContext) ScrubCredentials() {
	for i := range c.Credentials {
		c.Credentials[i] = 0
	}
	c.Credentials = nil
}

// UnbindContext carries an unbind operation.
type UnbindContext struct {
	Context
}

func (c *UnbindContext) SaveOriginal() { c.saveCommon() }
func (c *UnbindContext) Reset()        { c.resetCommon() }

// CompareContext carries a compare operation.
type CompareContext struct {
	Context
	AttrID        string
	Value         string
	OriginalEntry *entry.Entry
}

func (c *CompareContext) SaveOriginal() { c.saveCommon() }
func (c *CompareContext) Reset()        { c.resetCommon() }

// DeleteContext carries a delete operation. OriginalEntry is populated
// eagerly by the operation manager before the chain runs.
type DeleteContext struct {
	Context
	OriginalEntry *entry.Entry
}

func (c *DeleteContext) SaveOriginal() { c.saveCommon() }
func (c *DeleteContext) Reset()        { c.resetCommon() }

// LookupContext carries a lookup (read one entry) operation.
type LookupContext struct {
	Context
	// Attrs is the returning-attributes selection; empty means all user
	// attributes.
	Attrs []string
}

func (c *LookupContext) SaveOriginal() { c.saveCommon() }
func (c *LookupContext) Reset()        { c.resetCommon() }

// ListContext carries a one-level listing operation.
type ListContext struct {
	Context
}

func (c *ListContext) SaveOriginal() { c.saveCommon() }
func (c *ListContext) Reset()        { c.resetCommon() }

// HasEntryContext carries an existence check.
type HasEntryContext struct {
	Context
}

func (c *HasEntryContext) SaveOriginal() { c.saveCommon() }
func (c *HasEntryContext) Reset()        { c.resetCommon() }

// ModifyContext carries a modify operation.
type ModifyContext struct {
	Context
	Mods          []entry.Modification
	OriginalEntry *entry.Entry

	savedMods []entry.Modification
}

func (c *ModifyContext) SaveOriginal() {
	c.saveCommon()
	c.savedMods = cloneMods(c.Mods)
}

func (c *ModifyContext) Reset() {
	c.resetCommon()
	c.Mods = cloneMods(c.savedMods)
}

func cloneMods(mods []entry.Modification) []entry.Modification {
	out := make([]entry.Modification, len(mods))
	for i, m := range mods {
		out[i] = entry.Modification{Op: m.Op, Attr: m.Attr.Clone()}
	}

	return out
}

// RenameContext carries a rename (modify RDN, same parent).
type RenameContext struct {
	Context
	NewRDN        dn.RDN
	DeleteOldRDN  bool
	OriginalEntry *entry.Entry
}

func (c *RenameContext) SaveOriginal() { c.saveCommon() }
func (c *RenameContext) Reset()        { c.resetCommon() }

// NewDN returns the post-rename DN.
func (c *RenameContext) NewDN() *dn.DN {
	return c.DN.WithRDN(c.NewRDN)
}

// MoveContext carries a move (new superior, same RDN).
type MoveContext struct {
	Context
	NewSuperior   *dn.DN
	OriginalEntry *entry.Entry
}

func (c *MoveContext) SaveOriginal() { c.saveCommon() }
func (c *MoveContext) Reset()        { c.resetCommon() }

// NewDN returns the post-move DN.
func (c *MoveContext) NewDN() *dn.DN {
	return c.NewSuperior.Child(c.DN.RDN())
}

// MoveAndRenameContext carries a combined move and rename.
type MoveAndRenameContext struct {
	Context
	NewSuperior   *dn.DN
	NewRDN        dn.RDN
	DeleteOldRDN  bool
	OriginalEntry *entry.Entry
}

func (c *MoveAndRenameContext) SaveOriginal() { c.saveCommon() }
func (c *MoveAndRenameContext) Reset()        { c.resetCommon() }

// NewDN returns the post-operation DN.
func (c *MoveAndRenameContext) NewDN() *dn.DN {
	return c.NewSuperior.Child(c.NewRDN)
}

// DerefMode mirrors the LDAP alias-dereferencing request values.
type DerefMode int

const (
	NeverDeref       = DerefMode(ldap.NeverDerefAliases)
	DerefInSearching = DerefMode(ldap.DerefInSearching)
	DerefFindingBase = DerefMode(ldap.DerefFindingBaseObj)
	DerefAlways      = DerefMode(ldap.DerefAlways)
)

// Scope mirrors the LDAP search scope request values.
type Scope int

const (
	ScopeBase    = Scope(ldap.ScopeBaseObject)
	ScopeOne     = Scope(ldap.ScopeSingleLevel)
	ScopeSubtree = Scope(ldap.ScopeWholeSubtree)
)

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOne:
		return "one"
	case ScopeSubtree:
		return "sub"
	}

	return "unknown"
}

// SearchContext carries a search operation. The cursor returned by the
// chain stays bound to the read transaction until closed.
type SearchContext struct {
	Context
	Scope        Scope
	Deref        DerefMode
	SizeLimit    int64
	TimeLimit    time.Duration
	TypesOnly    bool
	Filter       filter.Node
	FilterString string
	Attrs        []string
}

func (c *SearchContext) SaveOriginal() { c.saveCommon() }
func (c *SearchContext) Reset()        { c.resetCommon() }

// GetRootDSEContext carries a root DSE read.
type GetRootDSEContext struct {
	Context
	Attrs []string
}

func (c *GetRootDSEContext) SaveOriginal() { c.saveCommon() }
func (c *GetRootDSEContext) Reset()        { c.resetCommon() }
