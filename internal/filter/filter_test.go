package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/schema"
)

var testReg = schema.Bootstrap()

func fixtureEntry(t *testing.T) *entry.Entry {
	t.Helper()

	parsed, err := dn.Parse("uid=alice,ou=users,ou=system")
	require.NoError(t, err)
	norm, err := parsed.Normalize(testReg)
	require.NoError(t, err)

	e := entry.New(norm)
	for id, values := range map[string][]string{
		"objectClass":     {"top", "person", "organizationalPerson", "inetOrgPerson"},
		"uid":             {"alice"},
		"cn":              {"Alice Example"},
		"sn":              {"Example"},
		"description":     {"has a * star"},
		"telephoneNumber": {"30"},
	} {
		attr, err := entry.NewAttribute(testReg, id, values...)
		require.NoError(t, err)
		e.Put(attr)
	}

	return e
}

func eval(t *testing.T, raw string, e *entry.Entry) Result {
	t.Helper()

	node, err := Parse(raw)
	require.NoError(t, err)

	return Evaluate(node, e, testReg)
}

func TestParsePresence(t *testing.T) {
	node, err := Parse("(objectClass=*)")
	require.NoError(t, err)

	p, ok := node.(*Presence)
	require.True(t, ok, "attr=* must compile to a presence filter, got %T", node)
	assert.Equal(t, "objectClass", p.Attr)
}

func TestParseComposite(t *testing.T) {
	node, err := Parse("(&(objectClass=person)(|(uid=alice)(uid=bob))(!(sn=hidden)))")
	require.NoError(t, err)

	and, ok := node.(*And)
	require.True(t, ok)
	require.Len(t, and.Children, 3)

	_, ok = and.Children[1].(*Or)
	assert.True(t, ok)
	_, ok = and.Children[2].(*Not)
	assert.True(t, ok)
}

func TestParseRejectsUnbalancedParens(t *testing.T) {
	_, err := Parse("(|(ou=x)(ou=y)")
	assert.Error(t, err)
}

func TestParseRejectsEmptySubstring(t *testing.T) {
	_, err := Parse("(cn=**)")
	assert.Error(t, err)
}

func TestParseSubstringComponents(t *testing.T) {
	node, err := Parse("(cn=ini*mid1*mid2*fin)")
	require.NoError(t, err)

	sub, ok := node.(*Substrings)
	require.True(t, ok)
	assert.Equal(t, "ini", sub.Initial)
	assert.Equal(t, []string{"mid1", "mid2"}, sub.Any)
	assert.Equal(t, "fin", sub.Final)
}

func TestParseDecodesEscapes(t *testing.T) {
	node, err := Parse(`(description=*\2A*)`)
	require.NoError(t, err)

	sub, ok := node.(*Substrings)
	require.True(t, ok)
	assert.Equal(t, []string{"*"}, sub.Any)
}

func TestEvaluateEquality(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, "(uid=ALICE)", e))
	assert.Equal(t, True, eval(t, "(cn=alice   example)", e))
	assert.Equal(t, False, eval(t, "(uid=bob)", e))
}

func TestEvaluatePresence(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, "(sn=*)", e))
	assert.Equal(t, False, eval(t, "(mail=*)", e))
}

func TestEvaluateSubstrings(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, "(cn=ali*)", e))
	assert.Equal(t, True, eval(t, "(cn=*example)", e))
	assert.Equal(t, True, eval(t, "(cn=a*ce*amp*)", e))
	assert.Equal(t, False, eval(t, "(cn=bob*)", e))
	assert.Equal(t, True, eval(t, "(objectClass=organ*)", e))
}

func TestEvaluateEscapedStar(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, `(description=*\2A*)`, e))
	assert.Equal(t, False, eval(t, `(cn=*\2A*)`, e))
}

func TestEvaluateOrdering(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, "(telephoneNumber>=30)", e))
	assert.Equal(t, True, eval(t, "(telephoneNumber<=30)", e))
	assert.Equal(t, False, eval(t, "(telephoneNumber>=31)", e))
}

func TestUndefinedSemantics(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, Undefined, eval(t, "(bogusAttribute=abc123)", e))
	assert.Equal(t, Undefined, eval(t, "(!(bogusAttribute=abc123))", e),
		"NOT of Undefined stays Undefined")
	assert.Equal(t, Undefined, eval(t, "(|(bogusAttribute=x)(uid=bob))", e),
		"OR of Undefined and False is Undefined")
	assert.Equal(t, True, eval(t, "(|(bogusAttribute=x)(uid=alice))", e),
		"OR preserves True")
	assert.Equal(t, False, eval(t, "(&(bogusAttribute=x)(uid=bob))", e),
		"AND is absorbed by False")
	assert.Equal(t, Undefined, eval(t, "(&(bogusAttribute=x)(uid=alice))", e))
}

func TestEvaluateApprox(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, "(uid~=alice)", e))
}

func TestEvaluateExtensible(t *testing.T) {
	e := fixtureEntry(t)

	assert.Equal(t, True, eval(t, "(uid:caseIgnoreMatch:=ALICE)", e))
	assert.Equal(t, True, eval(t, "(ou:dn:=users)", e),
		"dn attributes of the entry participate with :dn:")
	assert.Equal(t, False, eval(t, "(ou:dn:=people)", e))
}

func TestStringRoundtrip(t *testing.T) {
	node, err := Parse("(&(objectClass=person)(cn=a*b))")
	require.NoError(t, err)

	reparsed, err := Parse(node.String())
	require.NoError(t, err)
	assert.Equal(t, node.String(), reparsed.String())
}
