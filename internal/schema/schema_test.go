package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupByNameAndOID(t *testing.T) {
	reg := Bootstrap()

	byName, err := reg.AttributeType("cn")
	require.NoError(t, err)

	byAlias, err := reg.AttributeType("commonName")
	require.NoError(t, err)

	byOID, err := reg.AttributeType("2.5.4.3")
	require.NoError(t, err)

	assert.Same(t, byName, byAlias, "alias names must resolve to the identical record")
	assert.Same(t, byName, byOID)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	reg := Bootstrap()

	a, err := reg.AttributeType("OBJECTCLASS")
	require.NoError(t, err)
	assert.Equal(t, OIDObjectClass, a.OID)

	oc, err := reg.ObjectClass("ORGANIZATIONALUNIT")
	require.NoError(t, err)
	assert.Equal(t, "organizationalUnit", oc.Name())
}

func TestLookupNotFoundKind(t *testing.T) {
	reg := Bootstrap()

	_, err := reg.AttributeType("noSuchThing")
	require.Error(t, err)

	var nf NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "attribute type", nf.Kind)
}

func TestAttributeOptionsIgnored(t *testing.T) {
	reg := Bootstrap()

	at, err := reg.AttributeType("userPassword;binary")
	require.NoError(t, err)
	assert.Equal(t, OIDUserPassword, at.OID)
}

func TestNormalizeCaseIgnore(t *testing.T) {
	reg := Bootstrap()

	at, err := reg.AttributeType("cn")
	require.NoError(t, err)

	norm, err := reg.NormalizeValue(at, "  Test   USER  ")
	require.NoError(t, err)
	assert.Equal(t, "test user", norm)
}

func TestNormalizeInteger(t *testing.T) {
	mr := mustRule(t, MROIDIntegerMatch)

	norm, err := mr.Normalize(" 0042 ")
	require.NoError(t, err)
	assert.Equal(t, "42", norm)

	_, err = mr.Normalize("nan")
	assert.Error(t, err)
}

func TestNormalizeBoolean(t *testing.T) {
	mr := mustRule(t, MROIDBooleanMatch)

	norm, err := mr.Normalize("true")
	require.NoError(t, err)
	assert.Equal(t, "TRUE", norm)

	_, err = mr.Normalize("yes")
	assert.Error(t, err)
}

func mustRule(t *testing.T, oid string) *MatchingRule {
	t.Helper()

	mr, err := Bootstrap().MatchingRule(oid)
	require.NoError(t, err)

	return mr
}

func TestOperationalUsage(t *testing.T) {
	reg := Bootstrap()

	creators, err := reg.AttributeType("creatorsName")
	require.NoError(t, err)
	assert.True(t, creators.Operational())
	assert.True(t, creators.NoUserMod)

	cn, err := reg.AttributeType("cn")
	require.NoError(t, err)
	assert.False(t, cn.Operational())
}

func TestSuperChain(t *testing.T) {
	reg := Bootstrap()

	inet, err := reg.ObjectClass("inetOrgPerson")
	require.NoError(t, err)

	chain := reg.SuperChain(inet)

	names := make(map[string]bool)
	for _, oc := range chain {
		names[oc.Name()] = true
	}

	assert.True(t, names["inetOrgPerson"])
	assert.True(t, names["organizationalPerson"])
	assert.True(t, names["person"])
	assert.True(t, names["top"])
}

func TestValidateValueSyntax(t *testing.T) {
	reg := Bootstrap()

	ou, err := reg.AttributeType("ou")
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateValue(ou, "system"))
	assert.Error(t, reg.ValidateValue(ou, ""), "directory strings must not be empty")
}
