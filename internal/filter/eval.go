package filter

import (
	"strconv"
	"strings"

	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/schema"
)

// Evaluate is a pure function of (filter, entry, schema). Leaves over
// unknown attribute types, or values the matching rule cannot convert,
// yield Undefined; AND is absorbed by False, OR by True, and NOT of
// Undefined stays Undefined.
func Evaluate(n Node, e *entry.Entry, reg *schema.Registries) Result {
	switch f := n.(type) {
	case *And:
		return evalAnd(f, e, reg)
	case *Or:
		return evalOr(f, e, reg)
	case *Not:
		return evalNot(f, e, reg)
	case *Equality:
		return evalEquality(f.Attr, f.Value, e, reg)
	case *Approx:
		return evalEquality(f.Attr, f.Value, e, reg)
	case *Presence:
		return evalPresence(f, e, reg)
	case *GreaterOrEqual:
		return evalOrdering(f.Attr, f.Value, e, reg, false)
	case *LessOrEqual:
		return evalOrdering(f.Attr, f.Value, e, reg, true)
	case *Substrings:
		return evalSubstrings(f, e, reg)
	case *Extensible:
		return evalExtensible(f, e, reg)
	}

	return Undefined
}

func evalAnd(f *And, e *entry.Entry, reg *schema.Registries) Result {
	result := True
	for _, c := range f.Children {
		switch Evaluate(c, e, reg) {
		case False:
			return False
		case Undefined:
			result = Undefined
		}
	}

	return result
}

func evalOr(f *Or, e *entry.Entry, reg *schema.Registries) Result {
	result := False
	for _, c := range f.Children {
		switch Evaluate(c, e, reg) {
		case True:
			return True
		case Undefined:
			result = Undefined
		}
	}

	return result
}

func evalNot(f *Not, e *entry.Entry, reg *schema.Registries) Result {
	switch Evaluate(f.Child, e, reg) {
	case True:
		return False
	case False:
		return True
	}

	return Undefined
}

func evalPresence(f *Presence, e *entry.Entry, reg *schema.Registries) Result {
	at, err := reg.AttributeType(f.Attr)
	if err != nil {
		return Undefined
	}

	if e.Has(at.OID) {
		return True
	}

	return False
}

func evalEquality(attrID, assertion string, e *entry.Entry, reg *schema.Registries) Result {
	at, err := reg.AttributeType(attrID)
	if err != nil {
		return Undefined
	}

	norm, err := reg.NormalizeValue(at, assertion)
	if err != nil {
		return Undefined
	}

	attr := e.Get(at.OID)
	if attr == nil {
		return False
	}

	if attr.Contains(norm) {
		return True
	}

	return False
}

func evalOrdering(attrID, assertion string, e *entry.Entry, reg *schema.Registries, lessOrEqual bool) Result {
	at, err := reg.AttributeType(attrID)
	if err != nil {
		return Undefined
	}

	mr, err := reg.OrderingRule(at)
	if err != nil {
		// Fall back to the equality normalizer with lexical ordering; types
		// with neither rule cannot be ordered at all.
		if mr, err = reg.EqualityRule(at); err != nil {
			return Undefined
		}
	}

	norm, err := mr.Normalize(assertion)
	if err != nil {
		return Undefined
	}

	attr := e.Get(at.OID)
	if attr == nil {
		return False
	}

	numeric := at.Syntax == schema.SyntaxInteger

	for _, v := range attr.Values {
		cmp, ok := compare(v.Norm, norm, numeric)
		if !ok {
			continue
		}

		if lessOrEqual && cmp <= 0 {
			return True
		}
		if !lessOrEqual && cmp >= 0 {
			return True
		}
	}

	return False
}

func compare(a, b string, numeric bool) (int, bool) {
	if numeric {
		ai, errA := strconv.ParseInt(a, 10, 64)
		bi, errB := strconv.ParseInt(b, 10, 64)
		if errA != nil || errB != nil {
			return 0, false
		}

		switch {
		case ai < bi:
			return -1, true
		case ai > bi:
			return 1, true
		}

		return 0, true
	}

	return strings.Compare(a, b), true
}

func evalSubstrings(f *Substrings, e *entry.Entry, reg *schema.Registries) Result {
	at, err := reg.AttributeType(f.Attr)
	if err != nil {
		return Undefined
	}

	mr, err := reg.SubstrRule(at)
	if err != nil {
		if mr, err = reg.EqualityRule(at); err != nil {
			return Undefined
		}
	}

	var initial, final string
	if f.Initial != "" {
		if initial, err = mr.Normalize(f.Initial); err != nil {
			return Undefined
		}
	}
	if f.Final != "" {
		if final, err = mr.Normalize(f.Final); err != nil {
			return Undefined
		}
	}

	any := make([]string, len(f.Any))
	for i, a := range f.Any {
		if any[i], err = mr.Normalize(a); err != nil {
			return Undefined
		}
	}

	attr := e.Get(at.OID)
	if attr == nil {
		return False
	}

	for _, v := range attr.Values {
		if matchSubstrings(v.Norm, initial, any, final) {
			return True
		}
	}

	return False
}

// matchSubstrings checks initial as a prefix, final as a suffix, and every
// any component in order within the remainder.
func matchSubstrings(value, initial string, any []string, final string) bool {
	if initial != "" {
		if !strings.HasPrefix(value, initial) {
			return false
		}
		value = value[len(initial):]
	}

	if final != "" {
		if !strings.HasSuffix(value, final) {
			return false
		}
		value = value[:len(value)-len(final)]
	}

	for _, a := range any {
		idx := strings.Index(value, a)
		if idx < 0 {
			return false
		}
		value = value[idx+len(a):]
	}

	return true
}

func evalExtensible(f *Extensible, e *entry.Entry, reg *schema.Registries) Result {
	var mr *schema.MatchingRule
	if f.MatchingRule != "" {
		rule, err := reg.MatchingRule(f.MatchingRule)
		if err != nil {
			return Undefined
		}
		mr = rule
	}

	if f.Attr == "" {
		// Rule-only assertion: try every attribute whose values the rule can
		// normalize.
		norm, err := mr.Normalize(f.Value)
		if err != nil {
			return Undefined
		}

		for _, attr := range e.Attributes() {
			for _, v := range attr.Values {
				if nv, err := mr.Normalize(v.User); err == nil && nv == norm {
					return True
				}
			}
		}

		return False
	}

	at, err := reg.AttributeType(f.Attr)
	if err != nil {
		return Undefined
	}

	if mr == nil {
		if mr, err = reg.EqualityRule(at); err != nil {
			return Undefined
		}
	}

	norm, err := mr.Normalize(f.Value)
	if err != nil {
		return Undefined
	}

	if attr := e.Get(at.OID); attr != nil {
		for _, v := range attr.Values {
			if nv, err := mr.Normalize(v.User); err == nil && nv == norm {
				return True
			}
		}
	}

	if f.DNAttributes {
		for _, rdn := range e.DN().RDNs() {
			for _, ava := range rdn.Avas {
				if ava.TypeOID != at.OID {
					continue
				}
				if nv, err := mr.Normalize(ava.Value); err == nil && nv == norm {
					return True
				}
			}
		}
	}

	return False
}
