package partition

import (
	"testing"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/filter"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
	"github.com/netresearch/directoryd/internal/txn"
)

type fixture struct {
	reg *schema.Registries
	txm *txn.Manager
	p   *Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := schema.Bootstrap()
	// Like the directory service, resolve DN-valued attributes such as
	// aliasedObjectName through the schema-aware DN normalizer.
	reg.SetDNNormalizer(func(raw string) (string, error) {
		parsed, err := dn.Parse(raw)
		if err != nil {
			return "", err
		}
		norm, err := parsed.Normalize(reg)
		if err != nil {
			return "", err
		}

		return norm.Norm(), nil
	})

	suffix, err := dn.MustParse("ou=system").Normalize(reg)
	require.NoError(t, err)

	p := NewMemory("system", suffix, reg)
	require.NoError(t, p.Init())

	txm := txn.NewManager()
	txm.RegisterStore(p.Store())

	return &fixture{reg: reg, txm: txm, p: p}
}

func (f *fixture) normDN(t *testing.T, raw string) *dn.DN {
	t.Helper()

	parsed, err := dn.Parse(raw)
	require.NoError(t, err)
	norm, err := parsed.Normalize(f.reg)
	require.NoError(t, err)

	return norm
}

func (f *fixture) newEntry(t *testing.T, raw string, attrs map[string][]string) *entry.Entry {
	t.Helper()

	e := entry.New(f.normDN(t, raw))
	for id, values := range attrs {
		attr, err := entry.NewAttribute(f.reg, id, values...)
		require.NoError(t, err)
		e.Put(attr)
	}

	return e
}

func (f *fixture) add(t *testing.T, raw string, attrs map[string][]string) {
	t.Helper()

	tx := f.txm.Begin(false)
	ctx := &opctx.AddContext{
		Context: opctx.Context{DN: f.normDN(t, raw), Txn: tx},
		Entry:   f.newEntry(t, raw, attrs),
	}
	require.NoError(t, f.p.Add(ctx))
	require.NoError(t, tx.Commit())
}

func (f *fixture) seedTree(t *testing.T) {
	t.Helper()

	ou := func(name string) map[string][]string {
		return map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"ou":          {name},
		}
	}

	f.add(t, "ou=system", ou("system"))
	f.add(t, "ou=users,ou=system", ou("users"))
	f.add(t, "ou=groups,ou=system", ou("groups"))
	f.add(t, "uid=admin,ou=system", map[string][]string{
		"objectClass": {"top", "person", "organizationalPerson", "inetOrgPerson"},
		"uid":         {"admin"},
		"cn":          {"admin"},
		"sn":          {"admin"},
	})
}

func (f *fixture) search(t *testing.T, base string, scope opctx.Scope, rawFilter string) []*entry.Entry {
	t.Helper()

	node, err := filter.Parse(rawFilter)
	require.NoError(t, err)

	tx := f.txm.Begin(true)
	ctx := &opctx.SearchContext{
		Context: opctx.Context{DN: f.normDN(t, base), Txn: tx},
		Scope:   scope,
		Filter:  node,
	}

	cur, err := f.p.Search(ctx)
	require.NoError(t, err)

	entries, err := cursor.Drain(cur)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return entries
}

func TestAddAndLookupRoundtrip(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	tx := f.txm.Begin(true)
	ctx := &opctx.LookupContext{Context: opctx.Context{DN: f.normDN(t, "UID=Admin,OU=System"), Txn: tx}}

	e, err := f.p.Lookup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, e.Get(schema.OIDUID).UserValues())
	require.NoError(t, tx.Commit())
}

func TestAddDuplicateFails(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	tx := f.txm.Begin(false)
	ctx := &opctx.AddContext{
		Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: tx},
		Entry: f.newEntry(t, "ou=users,ou=system", map[string][]string{
			"objectClass": {"top", "organizationalUnit"}, "ou": {"users"},
		}),
	}
	err := f.p.Add(ctx)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultEntryAlreadyExists))
	tx.Abort()
}

func TestAddWithoutParentFails(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	tx := f.txm.Begin(false)
	ctx := &opctx.AddContext{
		Context: opctx.Context{DN: f.normDN(t, "ou=deep,ou=missing,ou=system"), Txn: tx},
		Entry: f.newEntry(t, "ou=deep,ou=missing,ou=system", map[string][]string{
			"objectClass": {"top", "organizationalUnit"}, "ou": {"deep"},
		}),
	}
	err := f.p.Add(ctx)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultNoSuchObject))
	tx.Abort()
}

func TestDeleteLeafAndNonLeaf(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	tx := f.txm.Begin(false)
	nonLeaf := &opctx.DeleteContext{Context: opctx.Context{DN: f.normDN(t, "ou=system"), Txn: tx}}
	err := f.p.Delete(nonLeaf)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultNotAllowedOnNonLeaf))
	tx.Abort()

	tx = f.txm.Begin(false)
	leaf := &opctx.DeleteContext{Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: tx}}
	require.NoError(t, f.p.Delete(leaf))
	require.NoError(t, tx.Commit())

	check := f.txm.Begin(true)
	has, err := f.p.HasEntry(&opctx.HasEntryContext{Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: check}})
	require.NoError(t, err)
	assert.False(t, has)
	require.NoError(t, check.Commit())
}

func TestModify(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	desc, err := entry.NewAttribute(f.reg, "description", "updated")
	require.NoError(t, err)

	tx := f.txm.Begin(false)
	ctx := &opctx.ModifyContext{
		Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: tx},
		Mods:    []entry.Modification{{Op: entry.ModReplace, Attr: desc}},
	}
	require.NoError(t, f.p.Modify(ctx))
	require.NoError(t, tx.Commit())

	check := f.txm.Begin(true)
	e, err := f.p.Lookup(&opctx.LookupContext{Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: check}})
	require.NoError(t, err)
	assert.Equal(t, []string{"updated"}, e.Get("2.5.4.13").UserValues())
	require.NoError(t, check.Commit())
}

func TestRenameRewritesSubtreeAndRDN(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	f.add(t, "ou=inner,ou=users,ou=system", map[string][]string{
		"objectClass": {"top", "organizationalUnit"}, "ou": {"inner"},
	})

	single, err := dn.MustParse("ou=people").Normalize(f.reg)
	require.NoError(t, err)

	tx := f.txm.Begin(false)
	ctx := &opctx.RenameContext{
		Context:      opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: tx},
		NewRDN:       single.RDN(),
		DeleteOldRDN: true,
	}
	require.NoError(t, f.p.Rename(ctx))
	require.NoError(t, tx.Commit())

	check := f.txm.Begin(true)

	renamed, err := f.p.Lookup(&opctx.LookupContext{Context: opctx.Context{DN: f.normDN(t, "ou=people,ou=system"), Txn: check}})
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, renamed.Get(schema.OIDOU).UserValues(), "old RDN value removed, new added")

	_, err = f.p.Lookup(&opctx.LookupContext{Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: check}})
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultNoSuchObject))

	moved, err := f.p.Lookup(&opctx.LookupContext{Context: opctx.Context{DN: f.normDN(t, "ou=inner,ou=people,ou=system"), Txn: check}})
	require.NoError(t, err)
	assert.Equal(t, []string{"inner"}, moved.Get(schema.OIDOU).UserValues())

	require.NoError(t, check.Commit())
}

func TestMove(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	f.add(t, "uid=alice,ou=users,ou=system", map[string][]string{
		"objectClass": {"top", "person", "organizationalPerson", "inetOrgPerson"},
		"uid":         {"alice"}, "cn": {"alice"}, "sn": {"a"},
	})

	tx := f.txm.Begin(false)
	ctx := &opctx.MoveContext{
		Context:     opctx.Context{DN: f.normDN(t, "uid=alice,ou=users,ou=system"), Txn: tx},
		NewSuperior: f.normDN(t, "ou=groups,ou=system"),
	}
	require.NoError(t, f.p.Move(ctx))
	require.NoError(t, tx.Commit())

	check := f.txm.Begin(true)
	_, err := f.p.Lookup(&opctx.LookupContext{Context: opctx.Context{DN: f.normDN(t, "uid=alice,ou=groups,ou=system"), Txn: check}})
	assert.NoError(t, err)
	require.NoError(t, check.Commit())
}

func TestSearchScopes(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	base := f.search(t, "ou=system", opctx.ScopeBase, "(objectClass=*)")
	assert.Len(t, base, 1)

	one := f.search(t, "ou=system", opctx.ScopeOne, "(ou=*)")
	assert.Len(t, one, 2, "one-level must not include the base or grandchildren")

	sub := f.search(t, "ou=system", opctx.ScopeSubtree, "(ou=*)")
	assert.Len(t, sub, 3, "subtree includes the base")
}

func TestSearchMissingBase(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	node, err := filter.Parse("(objectClass=*)")
	require.NoError(t, err)

	tx := f.txm.Begin(true)
	_, err = f.p.Search(&opctx.SearchContext{
		Context: opctx.Context{DN: f.normDN(t, "ou=missing,ou=system"), Txn: tx},
		Scope:   opctx.ScopeSubtree,
		Filter:  node,
	})
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultNoSuchObject))
	require.NoError(t, tx.Commit())
}

func TestAliasDereference(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	f.add(t, "uid=real,ou=users,ou=system", map[string][]string{
		"objectClass": {"top", "person", "organizationalPerson", "inetOrgPerson"},
		"uid":         {"real"}, "cn": {"real one"}, "sn": {"real"},
	})
	f.add(t, "cn=link,ou=groups,ou=system", map[string][]string{
		"objectClass":       {"top", "alias", "extensibleObject"},
		"cn":                {"link"},
		"aliasedObjectName": {"uid=real,ou=users,ou=system"},
	})

	node, err := filter.Parse("(uid=real)")
	require.NoError(t, err)

	tx := f.txm.Begin(true)
	cur, err := f.p.Search(&opctx.SearchContext{
		Context: opctx.Context{DN: f.normDN(t, "ou=groups,ou=system"), Txn: tx},
		Scope:   opctx.ScopeOne,
		Deref:   opctx.DerefInSearching,
		Filter:  node,
	})
	require.NoError(t, err)

	entries, err := cursor.Drain(cur)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the alias target must satisfy the filter")
	assert.Equal(t, "uid=real,ou=users,ou=system", entries[0].DN().User())
	require.NoError(t, tx.Commit())
}

func TestAliasCycleSurfacesAliasProblem(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	f.add(t, "cn=a,ou=users,ou=system", map[string][]string{
		"objectClass":       {"top", "alias", "extensibleObject"},
		"cn":                {"a"},
		"aliasedObjectName": {"cn=b,ou=users,ou=system"},
	})
	f.add(t, "cn=b,ou=users,ou=system", map[string][]string{
		"objectClass":       {"top", "alias", "extensibleObject"},
		"cn":                {"b"},
		"aliasedObjectName": {"cn=a,ou=users,ou=system"},
	})

	node, err := filter.Parse("(objectClass=*)")
	require.NoError(t, err)

	tx := f.txm.Begin(true)
	_, err = f.p.Search(&opctx.SearchContext{
		Context: opctx.Context{DN: f.normDN(t, "ou=users,ou=system"), Txn: tx},
		Scope:   opctx.ScopeOne,
		Deref:   opctx.DerefInSearching,
		Filter:  node,
	})
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultAliasProblem))
	require.NoError(t, tx.Commit())
}

func TestCompare(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	tx := f.txm.Begin(true)

	matched, err := f.p.Compare(&opctx.CompareContext{
		Context: opctx.Context{DN: f.normDN(t, "uid=admin,ou=system"), Txn: tx},
		AttrID:  "uid", Value: "ADMIN",
	})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = f.p.Compare(&opctx.CompareContext{
		Context: opctx.Context{DN: f.normDN(t, "uid=admin,ou=system"), Txn: tx},
		AttrID:  "uid", Value: "other",
	})
	require.NoError(t, err)
	assert.False(t, matched)

	require.NoError(t, tx.Commit())
}

func TestBindAgainstStoredPassword(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	f.add(t, "uid=bob,ou=users,ou=system", map[string][]string{
		"objectClass":  {"top", "person", "organizationalPerson", "inetOrgPerson"},
		"uid":          {"bob"}, "cn": {"bob"}, "sn": {"b"},
		"userPassword": {"bobpw"},
	})

	tx := f.txm.Begin(true)

	err := f.p.Bind(&opctx.BindContext{
		Context:     opctx.Context{DN: f.normDN(t, "uid=bob,ou=users,ou=system"), Txn: tx},
		Credentials: []byte("bobpw"),
	})
	assert.NoError(t, err)

	err = f.p.Bind(&opctx.BindContext{
		Context:     opctx.Context{DN: f.normDN(t, "uid=bob,ou=users,ou=system"), Txn: tx},
		Credentials: []byte("wrong"),
	})
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultInvalidCredentials))

	require.NoError(t, tx.Commit())
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	tx := f.txm.Begin(true)
	cur, err := f.p.List(&opctx.ListContext{Context: opctx.Context{DN: f.normDN(t, "ou=system"), Txn: tx}})
	require.NoError(t, err)

	children, err := cursor.Drain(cur)
	require.NoError(t, err)
	assert.Len(t, children, 3)
	require.NoError(t, tx.Commit())
}
