// Package schema models the directory schema: attribute types, object
// classes, matching rules, and value syntaxes, with registries that resolve
// names and OIDs to the same record.
package schema

import (
	"fmt"
	"strings"
)

// Usage classifies an attribute type per X.501. Everything that is not
// UserApplications is an operational attribute.
type Usage int

const (
	UserApplications Usage = iota
	DirectoryOperation
	DistributedOperation
	DSAOperation
)

// Kind classifies an object class.
type Kind int

const (
	Structural Kind = iota
	Auxiliary
	Abstract
)

// AttributeType describes a single attribute type definition.
type AttributeType struct {
	OID         string
	Names       []string // first name is the preferred short name
	Syntax      string   // syntax OID
	Equality    string   // matching rule OID, empty if none
	Ordering    string
	Substr      string
	SingleValue bool
	Collective  bool
	NoUserMod   bool
	Usage       Usage
}

// Name returns the preferred short name, falling back to the OID.
func (at *AttributeType) Name() string {
	if len(at.Names) > 0 {
		return at.Names[0]
	}

	return at.OID
}

// Operational reports whether the type is maintained by the server rather
// than by user applications.
func (at *AttributeType) Operational() bool {
	return at.Usage != UserApplications
}

// ObjectClass describes an object class definition.
type ObjectClass struct {
	OID   string
	Names []string
	Kind  Kind
	Sup   []string // superclass names
	Must  []string // required attribute type names
	May   []string // permitted attribute type names
}

// Name returns the preferred short name, falling back to the OID.
func (oc *ObjectClass) Name() string {
	if len(oc.Names) > 0 {
		return oc.Names[0]
	}

	return oc.OID
}

// MatchingRule couples an equality/ordering/substring rule OID with its
// value normalizer. Two values are equivalent under the rule iff their
// normalized forms are byte-equal.
type MatchingRule struct {
	OID       string
	Names     []string
	Syntax    string
	Normalize func(string) (string, error)
}

// Name returns the preferred short name, falling back to the OID.
func (mr *MatchingRule) Name() string {
	if len(mr.Names) > 0 {
		return mr.Names[0]
	}

	return mr.OID
}

// Syntax describes a value syntax and its validator.
type Syntax struct {
	OID      string
	Name     string
	Validate func(string) error
}

// NotFoundError distinguishes "the schema does not define this" from an
// invalid value; callers map it to undefinedAttributeType and friends.
type NotFoundError struct {
	Kind string // "attribute type", "object class", "matching rule", "syntax"
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("schema has no %s %q", e.Kind, e.ID)
}

// Registries resolves attribute types, object classes, matching rules, and
// syntaxes by OID or by any of their names. Registration is a startup-time
// activity; lookups afterwards are lock-free reads.
type Registries struct {
	attributeTypes map[string]*AttributeType
	objectClasses  map[string]*ObjectClass
	matchingRules  map[string]*MatchingRule
	syntaxes       map[string]*Syntax
}

// NewRegistries returns empty registries. Most callers want Bootstrap().
func NewRegistries() *Registries {
	return &Registries{
		attributeTypes: make(map[string]*AttributeType),
		objectClasses:  make(map[string]*ObjectClass),
		matchingRules:  make(map[string]*MatchingRule),
		syntaxes:       make(map[string]*Syntax),
	}
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RegisterAttributeType indexes at under its OID and all of its names.
func (r *Registries) RegisterAttributeType(at *AttributeType) {
	r.attributeTypes[key(at.OID)] = at
	for _, n := range at.Names {
		r.attributeTypes[key(n)] = at
	}
}

// RegisterObjectClass indexes oc under its OID and all of its names.
func (r *Registries) RegisterObjectClass(oc *ObjectClass) {
	r.objectClasses[key(oc.OID)] = oc
	for _, n := range oc.Names {
		r.objectClasses[key(n)] = oc
	}
}

// RegisterMatchingRule indexes mr under its OID and all of its names.
func (r *Registries) RegisterMatchingRule(mr *MatchingRule) {
	r.matchingRules[key(mr.OID)] = mr
	for _, n := range mr.Names {
		r.matchingRules[key(n)] = mr
	}
}

// RegisterSyntax indexes s under its OID and name.
func (r *Registries) RegisterSyntax(s *Syntax) {
	r.syntaxes[key(s.OID)] = s
	if s.Name != "" {
		r.syntaxes[key(s.Name)] = s
	}
}

// AttributeType resolves an attribute type by OID or name.
func (r *Registries) AttributeType(oidOrName string) (*AttributeType, error) {
	// Attribute options such as ;binary are not part of the type identity.
	id := oidOrName
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}

	if at, ok := r.attributeTypes[key(id)]; ok {
		return at, nil
	}

	return nil, NotFoundError{Kind: "attribute type", ID: oidOrName}
}

// HasAttributeType reports whether the schema defines the given type.
func (r *Registries) HasAttributeType(oidOrName string) bool {
	_, err := r.AttributeType(oidOrName)

	return err == nil
}

// ObjectClass resolves an object class by OID or name.
func (r *Registries) ObjectClass(oidOrName string) (*ObjectClass, error) {
	if oc, ok := r.objectClasses[key(oidOrName)]; ok {
		return oc, nil
	}

	return nil, NotFoundError{Kind: "object class", ID: oidOrName}
}

// MatchingRule resolves a matching rule by OID or name.
func (r *Registries) MatchingRule(oidOrName string) (*MatchingRule, error) {
	if mr, ok := r.matchingRules[key(oidOrName)]; ok {
		return mr, nil
	}

	return nil, NotFoundError{Kind: "matching rule", ID: oidOrName}
}

// Syntax resolves a syntax by OID or name.
func (r *Registries) Syntax(oid string) (*Syntax, error) {
	if s, ok := r.syntaxes[key(oid)]; ok {
		return s, nil
	}

	return nil, NotFoundError{Kind: "syntax", ID: oid}
}

// EqualityRule returns the equality matching rule of an attribute type, or
// an error if the type does not define one.
func (r *Registries) EqualityRule(at *AttributeType) (*MatchingRule, error) {
	if at.Equality == "" {
		return nil, NotFoundError{Kind: "matching rule", ID: at.Name() + " (no EQUALITY)"}
	}

	return r.MatchingRule(at.Equality)
}

// SubstrRule returns the substring matching rule of an attribute type, or an
// error if the type does not define one.
func (r *Registries) SubstrRule(at *AttributeType) (*MatchingRule, error) {
	if at.Substr == "" {
		return nil, NotFoundError{Kind: "matching rule", ID: at.Name() + " (no SUBSTR)"}
	}

	return r.MatchingRule(at.Substr)
}

// OrderingRule returns the ordering matching rule of an attribute type, or
// an error if the type does not define one.
func (r *Registries) OrderingRule(at *AttributeType) (*MatchingRule, error) {
	if at.Ordering == "" {
		return nil, NotFoundError{Kind: "matching rule", ID: at.Name() + " (no ORDERING)"}
	}

	return r.MatchingRule(at.Ordering)
}

// NormalizeValue runs a value through the equality rule of its type. Types
// without an equality rule keep their values verbatim.
func (r *Registries) NormalizeValue(at *AttributeType, value string) (string, error) {
	mr, err := r.EqualityRule(at)
	if err != nil {
		return value, nil
	}

	return mr.Normalize(value)
}

// ValidateValue checks a value against the syntax of its type. Types with an
// unknown or unregistered syntax accept anything.
func (r *Registries) ValidateValue(at *AttributeType, value string) error {
	s, err := r.Syntax(at.Syntax)
	if err != nil || s.Validate == nil {
		return nil
	}

	return s.Validate(value)
}

// SuperChain returns oc and all of its transitive superclasses.
func (r *Registries) SuperChain(oc *ObjectClass) []*ObjectClass {
	var out []*ObjectClass

	seen := map[string]bool{}

	var walk func(oc *ObjectClass)
	walk = func(oc *ObjectClass) {
		if oc == nil || seen[oc.OID] {
			return
		}
		seen[oc.OID] = true
		out = append(out, oc)

		for _, sup := range oc.Sup {
			if parent, err := r.ObjectClass(sup); err == nil {
				walk(parent)
			}
		}
	}
	walk(oc)

	return out
}

// SetDNNormalizer replaces the normalizer of the distinguishedNameMatch and
// uniqueMemberMatch rules. The DN package cannot be imported from here, so
// the directory service injects the schema-aware normalizer at startup.
func (r *Registries) SetDNNormalizer(fn func(string) (string, error)) {
	for _, oid := range []string{MROIDDistinguishedNameMatch, MROIDUniqueMemberMatch} {
		if mr, ok := r.matchingRules[key(oid)]; ok {
			mr.Normalize = fn
		}
	}
}
