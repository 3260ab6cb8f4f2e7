package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/schema"
)

func testEntry(t *testing.T, raw string) (*Entry, *schema.Registries) {
	t.Helper()

	reg := schema.Bootstrap()

	parsed, err := dn.Parse(raw)
	require.NoError(t, err)
	norm, err := parsed.Normalize(reg)
	require.NoError(t, err)

	return New(norm), reg
}

func mustAttr(t *testing.T, reg *schema.Registries, id string, values ...string) *Attribute {
	t.Helper()

	attr, err := NewAttribute(reg, id, values...)
	require.NoError(t, err)

	return attr
}

func TestNewAttributeNormalizesValues(t *testing.T) {
	reg := schema.Bootstrap()

	attr := mustAttr(t, reg, "cn", "Test  User")
	require.Len(t, attr.Values, 1)
	assert.Equal(t, "Test  User", attr.Values[0].User)
	assert.Equal(t, "test user", attr.Values[0].Norm)
}

func TestNewAttributeRejectsUnknownType(t *testing.T) {
	reg := schema.Bootstrap()

	_, err := NewAttribute(reg, "bogusAttribute", "x")
	assert.Error(t, err)
}

func TestNewAttributeDeduplicates(t *testing.T) {
	reg := schema.Bootstrap()

	attr := mustAttr(t, reg, "cn", "Alice", "ALICE", "alice")
	assert.Len(t, attr.Values, 1)
}

func TestPutGetHas(t *testing.T) {
	e, reg := testEntry(t, "ou=testing,ou=system")

	e.Put(mustAttr(t, reg, "ou", "testing"))

	assert.True(t, e.Has(schema.OIDOU))
	assert.False(t, e.Has(schema.OIDCN))

	got := e.Get(schema.OIDOU)
	require.NotNil(t, got)
	assert.Equal(t, []string{"testing"}, got.UserValues())
}

func TestAddUnions(t *testing.T) {
	e, reg := testEntry(t, "cn=group,ou=system")

	e.Put(mustAttr(t, reg, "member", "uid=a,ou=system"))
	e.Add(mustAttr(t, reg, "member", "uid=b,ou=system", "UID=A,ou=system"))

	got := e.Get(schema.OIDMember)
	require.NotNil(t, got)
	assert.Len(t, got.Values, 2, "duplicate member under equality rule must not be re-added")
}

func TestRemoveValuesAndAttribute(t *testing.T) {
	e, reg := testEntry(t, "cn=x,ou=system")

	e.Put(mustAttr(t, reg, "description", "one", "two"))

	attr := mustAttr(t, reg, "description", "one")
	e.Remove(attr.Type.OID, attr.Values)
	require.True(t, e.Has(attr.Type.OID))
	assert.Equal(t, []string{"two"}, e.Get(attr.Type.OID).UserValues())

	// Removing the last value deletes the attribute.
	attr = mustAttr(t, reg, "description", "two")
	e.Remove(attr.Type.OID, attr.Values)
	assert.False(t, e.Has(attr.Type.OID))
}

func TestCloneIsDeep(t *testing.T) {
	e, reg := testEntry(t, "cn=x,ou=system")
	e.Put(mustAttr(t, reg, "cn", "x"))

	c := e.Clone()
	c.Add(mustAttr(t, reg, "cn", "y"))

	assert.Len(t, e.Get(schema.OIDCN).Values, 1)
	assert.Len(t, c.Get(schema.OIDCN).Values, 2)
}

func TestEqualIgnoresValueOrderAndCase(t *testing.T) {
	a, reg := testEntry(t, "cn=x,ou=system")
	a.Put(mustAttr(t, reg, "cn", "x"))
	a.Put(mustAttr(t, reg, "description", "one", "two"))

	b, _ := testEntry(t, "CN=X,OU=SYSTEM")
	b.Put(mustAttr(t, reg, "cn", "X"))
	b.Put(mustAttr(t, reg, "description", "TWO", "ONE"))

	assert.True(t, a.Equal(b))

	b.Add(mustAttr(t, reg, "description", "three"))
	assert.False(t, a.Equal(b))
}

func TestHasObjectClass(t *testing.T) {
	e, reg := testEntry(t, "cn=alpha,ou=system")
	e.Put(mustAttr(t, reg, "objectClass", "top", "Referral"))

	assert.True(t, e.HasObjectClass("referral"))
	assert.True(t, e.HasObjectClass("REFERRAL"))
	assert.False(t, e.HasObjectClass("person"))
}

func TestApplyModifications(t *testing.T) {
	e, reg := testEntry(t, "cn=x,ou=system")
	e.Put(mustAttr(t, reg, "cn", "x"))
	e.Put(mustAttr(t, reg, "description", "old"))

	mods := []Modification{
		{Op: ModAdd, Attr: mustAttr(t, reg, "telephoneNumber", "123")},
		{Op: ModReplace, Attr: mustAttr(t, reg, "description", "new")},
		{Op: ModRemove, Attr: mustAttr(t, reg, "cn", "x")},
	}

	require.NoError(t, Apply(e, mods))

	assert.Equal(t, []string{"123"}, e.Get("2.5.4.20").UserValues())
	assert.Equal(t, []string{"new"}, e.Get("2.5.4.13").UserValues())
	assert.False(t, e.Has(schema.OIDCN))
}

func TestApplyRemoveMissingAttribute(t *testing.T) {
	e, reg := testEntry(t, "cn=x,ou=system")

	err := Apply(e, []Modification{
		{Op: ModRemove, Attr: mustAttr(t, reg, "description", "gone")},
	})
	assert.Error(t, err, "removing values from an absent attribute must fail")

	err = Apply(e, []Modification{
		{Op: ModRemove, Attr: mustAttr(t, reg, "description")},
	})
	assert.NoError(t, err, "removing an absent attribute wholesale is tolerated")
}

func TestApplyReplaceAbsentIsNoop(t *testing.T) {
	e, reg := testEntry(t, "cn=x,ou=system")

	require.NoError(t, Apply(e, []Modification{
		{Op: ModReplace, Attr: mustAttr(t, reg, "description")},
	}))
	assert.False(t, e.Has("2.5.4.13"))
}
