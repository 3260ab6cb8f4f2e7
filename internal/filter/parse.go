package filter

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/directoryd/internal/ldaperr"
)

// Parse compiles an RFC 4515 filter string and walks the compiled BER
// packet into the AST. Malformed input — unbalanced parentheses, empty
// substring patterns, stray operators — fails with
// invalidSearchFilterSyntax. Escape sequences (\2A and friends) are decoded
// by the compiler, so AST values carry raw bytes.
func Parse(s string) (Node, error) {
	packet, err := ldap.CompileFilter(s)
	if err != nil {
		return nil, ldaperr.InvalidSearchFilter(s, err)
	}

	node, err := fromPacket(packet)
	if err != nil {
		return nil, ldaperr.InvalidSearchFilter(s, err)
	}

	return node, nil
}

func fromPacket(p *ber.Packet) (Node, error) {
	switch p.Tag {
	case ldap.FilterAnd:
		children, err := fromPackets(p.Children)
		if err != nil {
			return nil, err
		}

		return &And{Children: children}, nil

	case ldap.FilterOr:
		children, err := fromPackets(p.Children)
		if err != nil {
			return nil, err
		}

		return &Or{Children: children}, nil

	case ldap.FilterNot:
		if len(p.Children) != 1 {
			return nil, errMalformed("NOT takes exactly one clause")
		}

		child, err := fromPacket(p.Children[0])
		if err != nil {
			return nil, err
		}

		return &Not{Child: child}, nil

	case ldap.FilterEqualityMatch:
		attr, value, err := assertion(p)
		if err != nil {
			return nil, err
		}

		return &Equality{Attr: attr, Value: value}, nil

	case ldap.FilterGreaterOrEqual:
		attr, value, err := assertion(p)
		if err != nil {
			return nil, err
		}

		return &GreaterOrEqual{Attr: attr, Value: value}, nil

	case ldap.FilterLessOrEqual:
		attr, value, err := assertion(p)
		if err != nil {
			return nil, err
		}

		return &LessOrEqual{Attr: attr, Value: value}, nil

	case ldap.FilterApproxMatch:
		attr, value, err := assertion(p)
		if err != nil {
			return nil, err
		}

		return &Approx{Attr: attr, Value: value}, nil

	case ldap.FilterPresent:
		return &Presence{Attr: packetString(p)}, nil

	case ldap.FilterSubstrings:
		return substrings(p)

	case ldap.FilterExtensibleMatch:
		return extensible(p)
	}

	return nil, errMalformed("unrecognized filter tag %d", p.Tag)
}

func fromPackets(packets []*ber.Packet) ([]Node, error) {
	out := make([]Node, 0, len(packets))
	for _, p := range packets {
		n, err := fromPacket(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	return out, nil
}

func assertion(p *ber.Packet) (attr, value string, err error) {
	if len(p.Children) != 2 {
		return "", "", errMalformed("assertion needs an attribute and a value")
	}

	return packetString(p.Children[0]), packetString(p.Children[1]), nil
}

func substrings(p *ber.Packet) (Node, error) {
	if len(p.Children) != 2 {
		return nil, errMalformed("substring assertion needs an attribute and a pattern")
	}

	node := &Substrings{Attr: packetString(p.Children[0])}
	for _, sub := range p.Children[1].Children {
		part := packetString(sub)
		if part == "" {
			return nil, errMalformed("empty substring component")
		}

		switch sub.Tag {
		case ldap.FilterSubstringsInitial:
			node.Initial = part
		case ldap.FilterSubstringsAny:
			node.Any = append(node.Any, part)
		case ldap.FilterSubstringsFinal:
			node.Final = part
		default:
			return nil, errMalformed("unrecognized substring tag %d", sub.Tag)
		}
	}

	if node.Initial == "" && node.Final == "" && len(node.Any) == 0 {
		return nil, errMalformed("substring filter without components")
	}

	return node, nil
}

func extensible(p *ber.Packet) (Node, error) {
	node := &Extensible{}
	for _, child := range p.Children {
		switch child.Tag {
		case ldap.MatchingRuleAssertionMatchingRule:
			node.MatchingRule = packetString(child)
		case ldap.MatchingRuleAssertionType:
			node.Attr = packetString(child)
		case ldap.MatchingRuleAssertionMatchValue:
			node.Value = packetString(child)
		case ldap.MatchingRuleAssertionDNAttributes:
			node.DNAttributes = true
		}
	}

	if node.Attr == "" && node.MatchingRule == "" {
		return nil, errMalformed("extensible match needs an attribute or a matching rule")
	}

	return node, nil
}

// packetString extracts the string payload of a leaf packet regardless of
// whether it was built by the compiler (Value set) or decoded from bytes.
func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}

	return p.Data.String()
}

type malformedError struct{ msg string }

func (e malformedError) Error() string { return e.msg }

func errMalformed(format string, args ...any) error {
	return malformedError{msg: fmt.Sprintf(format, args...)}
}
