// Package dn models distinguished names in their two simultaneous forms:
// the user-provided spelling and the schema-normalized form used for every
// comparison. Parsing is delegated to go-ldap's RFC 4514 parser; the
// normalized form replaces attribute types with canonical OIDs and runs
// values through the type's equality matching rule.
package dn

import (
	"sort"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/schema"
)

// AVA is a single attribute-type/value assertion inside an RDN. TypeOID and
// NormValue are populated by normalization and empty before it.
type AVA struct {
	Type      string // as written by the user
	Value     string // unescaped value as written
	TypeOID   string
	NormValue string
}

// RDN is an unordered set of AVAs naming an entry among its siblings.
type RDN struct {
	Avas []AVA
}

// User renders the RDN in its user-provided spelling.
func (r RDN) User() string {
	parts := make([]string, len(r.Avas))
	for i, a := range r.Avas {
		parts[i] = a.Type + "=" + ldap.EscapeDN(a.Value)
	}

	return strings.Join(parts, "+")
}

// Norm renders the canonical form: OIDs for types, normalized values, AVAs
// sorted by OID. Only meaningful after normalization.
func (r RDN) Norm() string {
	parts := make([]string, len(r.Avas))
	for i, a := range r.Avas {
		parts[i] = a.TypeOID + "=" + ldap.EscapeDN(a.NormValue)
	}
	sort.Strings(parts)

	return strings.Join(parts, "+")
}

// DN is an ordered sequence of RDNs, most specific first. The zero value is
// the empty DN naming the root DSE.
type DN struct {
	rdns       []RDN
	user       string
	norm       string
	normalized bool
}

// Parse builds a DN from its RFC 4514 string form. The empty string parses
// to the empty DN (the root DSE). Malformed input fails with
// invalidDNSyntax.
func Parse(s string) (*DN, error) {
	if strings.TrimSpace(s) == "" {
		return &DN{normalized: true}, nil
	}

	parsed, err := ldap.ParseDN(s)
	if err != nil {
		return nil, ldaperr.InvalidDNSyntax(s, err)
	}

	d := &DN{user: s, rdns: make([]RDN, 0, len(parsed.RDNs))}
	for _, rdn := range parsed.RDNs {
		if len(rdn.Attributes) == 0 {
			return nil, ldaperr.InvalidDNSyntax(s, nil)
		}

		r := RDN{Avas: make([]AVA, 0, len(rdn.Attributes))}
		for _, atv := range rdn.Attributes {
			if strings.TrimSpace(atv.Type) == "" {
				return nil, ldaperr.InvalidDNSyntax(s, nil)
			}
			r.Avas = append(r.Avas, AVA{Type: atv.Type, Value: atv.Value})
		}
		d.rdns = append(d.rdns, r)
	}

	return d, nil
}

// MustParse is Parse for trusted literals; it panics on malformed input.
func MustParse(s string) *DN {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return d
}

// ParseRDN parses a single relative DN, e.g. the newRDN of a rename.
func ParseRDN(s string) (RDN, error) {
	d, err := Parse(s)
	if err != nil {
		return RDN{}, err
	}
	if d.Size() != 1 {
		return RDN{}, ldaperr.InvalidDNSyntax(s, nil)
	}

	return d.rdns[0], nil
}

// Normalize resolves every attribute type against the schema and runs every
// value through its equality rule. The result is a new DN; normalizing an
// already normalized DN is the identity.
func (d *DN) Normalize(reg *schema.Registries) (*DN, error) {
	if d.normalized {
		return d, nil
	}

	out := &DN{user: d.User(), rdns: make([]RDN, len(d.rdns)), normalized: true}
	for i, rdn := range d.rdns {
		norm := RDN{Avas: make([]AVA, len(rdn.Avas))}
		for j, ava := range rdn.Avas {
			at, err := reg.AttributeType(ava.Type)
			if err != nil {
				return nil, ldaperr.InvalidDNSyntax(d.User(), err)
			}

			if err := reg.ValidateValue(at, ava.Value); err != nil {
				return nil, ldaperr.InvalidDNSyntax(d.User(), err)
			}

			nv, err := reg.NormalizeValue(at, ava.Value)
			if err != nil {
				return nil, ldaperr.InvalidDNSyntax(d.User(), err)
			}

			norm.Avas[j] = AVA{Type: ava.Type, Value: ava.Value, TypeOID: at.OID, NormValue: nv}
		}
		norm.Avas = sortedByOID(norm.Avas)
		out.rdns[i] = norm
	}

	out.norm = joinNorm(out.rdns)

	return out, nil
}

func sortedByOID(avas []AVA) []AVA {
	sort.SliceStable(avas, func(i, j int) bool { return avas[i].TypeOID < avas[j].TypeOID })

	return avas
}

func joinNorm(rdns []RDN) string {
	parts := make([]string, len(rdns))
	for i, r := range rdns {
		parts[i] = r.Norm()
	}

	return strings.Join(parts, ",")
}

// Normalized reports whether the DN carries its canonical form.
func (d *DN) Normalized() bool { return d.normalized }

// IsEmpty reports whether the DN names the root DSE.
func (d *DN) IsEmpty() bool { return len(d.rdns) == 0 }

// Size returns the number of RDNs.
func (d *DN) Size() int { return len(d.rdns) }

// User returns the user-provided spelling.
func (d *DN) User() string {
	if d.user != "" || len(d.rdns) == 0 {
		return d.user
	}

	parts := make([]string, len(d.rdns))
	for i, r := range d.rdns {
		parts[i] = r.User()
	}

	return strings.Join(parts, ",")
}

// Norm returns the canonical string form. It is the comparison and map key
// for every cache and index in the core.
func (d *DN) Norm() string { return d.norm }

// String implements fmt.Stringer with the user form.
func (d *DN) String() string { return d.User() }

// RDN returns the most specific relative DN. Calling it on the empty DN is
// a programming error.
func (d *DN) RDN() RDN { return d.rdns[0] }

// RDNs returns the RDN sequence, most specific first.
func (d *DN) RDNs() []RDN { return d.rdns }

// Equal compares normalized forms.
func (d *DN) Equal(o *DN) bool {
	if d == nil || o == nil {
		return d == o
	}

	return d.norm == o.norm && len(d.rdns) == len(o.rdns)
}

// AncestorOf reports whether d's RDN sequence is a suffix of o's; a DN is
// an ancestor of itself.
func (d *DN) AncestorOf(o *DN) bool {
	if len(d.rdns) > len(o.rdns) {
		return false
	}

	offset := len(o.rdns) - len(d.rdns)
	for i, r := range d.rdns {
		if o.rdns[offset+i].Norm() != r.Norm() {
			return false
		}
	}

	return true
}

// ProperAncestorOf is AncestorOf excluding equality.
func (d *DN) ProperAncestorOf(o *DN) bool {
	return len(d.rdns) < len(o.rdns) && d.AncestorOf(o)
}

// Descend strips the ancestor suffix and returns the remaining prefix, so
// that Append(remainder, ancestor) reconstructs d. Fails if ancestor is not
// an ancestor of d.
func (d *DN) Descend(ancestor *DN) (*DN, error) {
	if !ancestor.AncestorOf(d) {
		return nil, ldaperr.New(ldap.LDAPResultNoSuchObject, "%q is not an ancestor of %q", ancestor.User(), d.User())
	}

	keep := len(d.rdns) - len(ancestor.rdns)

	return fromRDNs(d.rdns[:keep]), nil
}

// Parent returns the DN with the most specific RDN removed; the parent of a
// single-RDN DN is the empty DN.
func (d *DN) Parent() *DN {
	if len(d.rdns) <= 1 {
		return &DN{normalized: true}
	}

	return fromRDNs(d.rdns[1:])
}

// Append composes prefix and suffix into prefix,suffix.
func Append(prefix, suffix *DN) *DN {
	rdns := make([]RDN, 0, len(prefix.rdns)+len(suffix.rdns))
	rdns = append(rdns, prefix.rdns...)
	rdns = append(rdns, suffix.rdns...)

	return fromRDNs(rdns)
}

// Child returns the DN of a direct subordinate named by rdn.
func (d *DN) Child(rdn RDN) *DN {
	rdns := make([]RDN, 0, len(d.rdns)+1)
	rdns = append(rdns, rdn)
	rdns = append(rdns, d.rdns...)

	return fromRDNs(rdns)
}

// WithRDN replaces the most specific RDN, keeping the parent; used by
// rename.
func (d *DN) WithRDN(rdn RDN) *DN {
	rdns := make([]RDN, 0, len(d.rdns))
	rdns = append(rdns, rdn)
	rdns = append(rdns, d.rdns[1:]...)

	return fromRDNs(rdns)
}

func fromRDNs(rdns []RDN) *DN {
	d := &DN{rdns: append([]RDN(nil), rdns...)}

	normalized := true
	for _, r := range rdns {
		for _, a := range r.Avas {
			if a.TypeOID == "" {
				normalized = false
			}
		}
	}

	if normalized {
		d.normalized = true
		d.norm = joinNorm(d.rdns)
	}

	return d
}
