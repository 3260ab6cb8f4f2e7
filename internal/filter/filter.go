// Package filter models search filters as an AST with three-valued
// evaluation. Parsing of RFC 4515 strings is delegated to go-ldap's filter
// compiler; the resulting BER packet is walked back into the AST, which
// also decodes \HH escape sequences for free.
package filter

import (
	"strings"
)

// Result is the three-valued outcome of evaluating a filter against an
// entry. Undefined arises from unknown attribute types or values that the
// matching rule cannot convert; it is neither a match nor a non-match.
type Result int

const (
	False Result = iota
	True
	Undefined
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	}

	return "undefined"
}

// Node is a filter AST node.
type Node interface {
	// String renders the node in RFC 4515 form, with assertion values
	// escaped.
	String() string
}

// And matches when every child matches.
type And struct {
	Children []Node
}

// Or matches when any child matches.
type Or struct {
	Children []Node
}

// Not inverts its child; the negation of Undefined stays Undefined.
type Not struct {
	Child Node
}

// Equality asserts a value under the attribute's equality rule.
type Equality struct {
	Attr  string
	Value string
}

// Presence asserts the attribute exists.
type Presence struct {
	Attr string
}

// GreaterOrEqual asserts ordering under the attribute's ordering rule.
type GreaterOrEqual struct {
	Attr  string
	Value string
}

// LessOrEqual asserts ordering under the attribute's ordering rule.
type LessOrEqual struct {
	Attr  string
	Value string
}

// Substrings asserts an initial/any/final pattern. At least one component
// is non-empty.
type Substrings struct {
	Attr    string
	Initial string
	Any     []string
	Final   string
}

// Approx asserts approximate equality; the core treats it as equality.
type Approx struct {
	Attr  string
	Value string
}

// Extensible is an extensible-match assertion with an optional explicit
// matching rule and optional DN-attribute matching.
type Extensible struct {
	Attr         string
	MatchingRule string
	Value        string
	DNAttributes bool
}

func (f *And) String() string { return "(&" + joinChildren(f.Children) + ")" }
func (f *Or) String() string  { return "(|" + joinChildren(f.Children) + ")" }
func (f *Not) String() string { return "(!" + f.Child.String() + ")" }

func (f *Equality) String() string       { return "(" + f.Attr + "=" + escapeValue(f.Value) + ")" }
func (f *Presence) String() string       { return "(" + f.Attr + "=*)" }
func (f *GreaterOrEqual) String() string { return "(" + f.Attr + ">=" + escapeValue(f.Value) + ")" }
func (f *LessOrEqual) String() string    { return "(" + f.Attr + "<=" + escapeValue(f.Value) + ")" }
func (f *Approx) String() string         { return "(" + f.Attr + "~=" + escapeValue(f.Value) + ")" }

func (f *Substrings) String() string {
	var b strings.Builder
	b.WriteString("(" + f.Attr + "=")
	b.WriteString(escapeValue(f.Initial))
	b.WriteString("*")
	for _, any := range f.Any {
		b.WriteString(escapeValue(any))
		b.WriteString("*")
	}
	b.WriteString(escapeValue(f.Final))
	b.WriteString(")")

	return b.String()
}

func (f *Extensible) String() string {
	var b strings.Builder
	b.WriteString("(" + f.Attr)
	if f.DNAttributes {
		b.WriteString(":dn")
	}
	if f.MatchingRule != "" {
		b.WriteString(":" + f.MatchingRule)
	}
	b.WriteString(":=" + escapeValue(f.Value) + ")")

	return b.String()
}

func joinChildren(children []Node) string {
	var b strings.Builder
	for _, c := range children {
		b.WriteString(c.String())
	}

	return b.String()
}

func escapeValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case '(', ')', '*', '\\', 0:
			b.WriteString("\\")
			b.WriteString(strings.ToUpper(hexByte(c)))
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

func hexByte(c byte) string {
	const digits = "0123456789abcdef"

	return string([]byte{digits[c>>4], digits[c&0xf]})
}
