// Package entry holds the in-memory entry representation: a normalized DN
// plus a map from canonical attribute-type OID to a value set. Values keep
// their user-provided spelling alongside the normalized form used for
// matching, mirroring how DNs carry both forms.
package entry

import (
	"sort"
	"strings"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/schema"
)

// Value is a single attribute value in both forms.
type Value struct {
	User string
	Norm string
}

// Attribute is a value set for one attribute type. Values are unique under
// the type's equality rule; insertion order is preserved for emission.
type Attribute struct {
	Type   *schema.AttributeType
	ID     string // the identifier the client used (name or OID)
	Values []Value
}

// Contains reports whether the attribute holds a value with the given
// normalized form.
func (a *Attribute) Contains(norm string) bool {
	for _, v := range a.Values {
		if v.Norm == norm {
			return true
		}
	}

	return false
}

// UserValues returns the user-form values in insertion order.
func (a *Attribute) UserValues() []string {
	out := make([]string, len(a.Values))
	for i, v := range a.Values {
		out[i] = v.User
	}

	return out
}

// Clone returns a deep copy.
func (a *Attribute) Clone() *Attribute {
	return &Attribute{Type: a.Type, ID: a.ID, Values: append([]Value(nil), a.Values...)}
}

// Entry is a normalized DN plus its attributes, keyed by canonical OID.
type Entry struct {
	dn    *dn.DN
	attrs map[string]*Attribute
}

// New creates an empty entry at d. The DN must already be normalized.
func New(d *dn.DN) *Entry {
	return &Entry{dn: d, attrs: make(map[string]*Attribute)}
}

// DN returns the entry's normalized DN.
func (e *Entry) DN() *dn.DN { return e.dn }

// SetDN rebinds the entry to a new DN; used by rename and move.
func (e *Entry) SetDN(d *dn.DN) { e.dn = d }

// Get returns the attribute for an OID, or nil.
func (e *Entry) Get(oid string) *Attribute {
	return e.attrs[oid]
}

// Has reports whether the entry carries the attribute type.
func (e *Entry) Has(oid string) bool {
	_, ok := e.attrs[oid]

	return ok
}

// Put replaces the value set of an attribute type.
func (e *Entry) Put(attr *Attribute) {
	e.attrs[attr.Type.OID] = attr
}

// Add unions values into the attribute's value set, creating the attribute
// if absent. Duplicate values (under the equality rule) are dropped.
func (e *Entry) Add(attr *Attribute) {
	existing, ok := e.attrs[attr.Type.OID]
	if !ok {
		e.attrs[attr.Type.OID] = attr.Clone()

		return
	}

	for _, v := range attr.Values {
		if !existing.Contains(v.Norm) {
			existing.Values = append(existing.Values, v)
		}
	}
}

// Remove deletes the given values from an attribute; an empty value list
// deletes the whole attribute. Removing the last value also deletes the
// attribute.
func (e *Entry) Remove(oid string, values []Value) {
	existing, ok := e.attrs[oid]
	if !ok {
		return
	}

	if len(values) == 0 {
		delete(e.attrs, oid)

		return
	}

	kept := existing.Values[:0]
	for _, v := range existing.Values {
		drop := false
		for _, rm := range values {
			if rm.Norm == v.Norm {
				drop = true

				break
			}
		}
		if !drop {
			kept = append(kept, v)
		}
	}
	existing.Values = kept

	if len(existing.Values) == 0 {
		delete(e.attrs, oid)
	}
}

// Attributes returns the entry's attributes sorted by OID for deterministic
// iteration.
func (e *Entry) Attributes() []*Attribute {
	out := make([]*Attribute, 0, len(e.attrs))
	for _, a := range e.attrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type.OID < out[j].Type.OID })

	return out
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := New(e.dn)
	for oid, a := range e.attrs {
		c.attrs[oid] = a.Clone()
	}

	return c
}

// ObjectClasses returns the normalized objectClass values.
func (e *Entry) ObjectClasses() []string {
	oc := e.Get(schema.OIDObjectClass)
	if oc == nil {
		return nil
	}

	out := make([]string, len(oc.Values))
	for i, v := range oc.Values {
		out[i] = v.Norm
	}

	return out
}

// HasObjectClass reports whether the entry carries the named object class.
func (e *Entry) HasObjectClass(name string) bool {
	want := strings.ToLower(name)
	for _, oc := range e.ObjectClasses() {
		if oc == want {
			return true
		}
	}

	return false
}

// Equal compares normalized DNs and, for every type present in either
// entry, the normalized value sets. Insertion order is not significant.
func (e *Entry) Equal(o *Entry) bool {
	if !e.dn.Equal(o.dn) || len(e.attrs) != len(o.attrs) {
		return false
	}

	for oid, a := range e.attrs {
		b, ok := o.attrs[oid]
		if !ok || len(a.Values) != len(b.Values) {
			return false
		}

		for _, v := range a.Values {
			if !b.Contains(v.Norm) {
				return false
			}
		}
	}

	return true
}

// NewAttribute resolves an attribute identifier and normalizes the given
// values against the schema. Unknown types fail with
// undefinedAttributeType, unconvertible values with invalidAttributeSyntax.
func NewAttribute(reg *schema.Registries, id string, values ...string) (*Attribute, error) {
	at, err := reg.AttributeType(id)
	if err != nil {
		return nil, ldaperr.UndefinedAttributeType(id)
	}

	attr := &Attribute{Type: at, ID: id, Values: make([]Value, 0, len(values))}
	for _, v := range values {
		if err := reg.ValidateValue(at, v); err != nil {
			return nil, ldaperr.InvalidAttributeSyntax(id, err)
		}

		norm, err := reg.NormalizeValue(at, v)
		if err != nil {
			return nil, ldaperr.InvalidAttributeSyntax(id, err)
		}

		if !attr.Contains(norm) {
			attr.Values = append(attr.Values, Value{User: v, Norm: norm})
		}
	}

	return attr, nil
}
