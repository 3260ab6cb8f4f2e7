package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// testReg is wired like the directory service's registries: DN-valued
// attributes such as member normalize through the schema-aware DN
// normalizer, so cached member sets match dn.DN.Norm().
var testReg = func() *schema.Registries {
	reg := schema.Bootstrap()
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

	return reg
}()

func normDN(t *testing.T, raw string) *dn.DN {
	t.Helper()

	parsed, err := dn.Parse(raw)
	require.NoError(t, err)
	norm, err := parsed.Normalize(testReg)
	require.NoError(t, err)

	return norm
}

const sampleACI = `{ identificationTag "allUsersRead", precedence 10,
  authenticationLevel none, itemOrUserFirst userFirst: {
    userClasses { allUsers },
    userPermissions { { protectedItems { entry },
                        grantsAndDenials { grantRead, grantBrowse, grantReturnDN } } } } }`

func TestParseACIBasics(t *testing.T) {
	tuples, err := ParseACI(sampleACI, testReg)
	require.NoError(t, err)
	require.Len(t, tuples, 1)

	tuple := tuples[0]
	assert.Equal(t, "allUsersRead", tuple.ID)
	assert.Equal(t, 10, tuple.Precedence)
	assert.Equal(t, opctx.AuthNone, tuple.AuthLevel)
	require.Len(t, tuple.UserClasses, 1)
	assert.Equal(t, UCAllUsers, tuple.UserClasses[0].Kind)
	assert.True(t, tuple.Grants[PermRead])
	assert.True(t, tuple.Grants[PermBrowse])
	assert.True(t, tuple.Grants[PermReturnDN])
	assert.False(t, tuple.Grants[PermAdd])
}

func TestParseACIUserClassesAndItems(t *testing.T) {
	aci := `{ identificationTag "mixed", precedence 5, authenticationLevel simple,
	  itemOrUserFirst userFirst: {
	    userClasses { name { "uid=admin,ou=system" }, userGroup { "cn=staff,ou=groups,ou=system" },
	                  subtree { { base "ou=users,ou=system" } } },
	    userPermissions {
	      { protectedItems { attributeType { cn, sn } }, grantsAndDenials { grantRead } },
	      { protectedItems { attributeValue { ou=secret } }, grantsAndDenials { denyRead } } } } }`

	tuples, err := ParseACI(aci, testReg)
	require.NoError(t, err)
	require.Len(t, tuples, 2, "one tuple per userPermissions element")

	first := tuples[0]
	require.Len(t, first.UserClasses, 3)
	assert.Equal(t, UCName, first.UserClasses[0].Kind)
	assert.Equal(t, UCUserGroup, first.UserClasses[1].Kind)
	assert.Equal(t, UCSubtree, first.UserClasses[2].Kind)

	require.Len(t, first.ProtectedItems, 1)
	assert.Equal(t, PIAttributeType, first.ProtectedItems[0].Kind)
	assert.Equal(t, []string{schema.OIDCN, "2.5.4.4"}, first.ProtectedItems[0].Attrs)

	second := tuples[1]
	require.Len(t, second.ProtectedItems, 1)
	assert.Equal(t, PIAttributeValue, second.ProtectedItems[0].Kind)
	assert.True(t, second.Denials[PermRead])
}

func TestParseACIErrors(t *testing.T) {
	cases := []string{
		``,
		`{ identificationTag "x" `,
		`{ identificationTag "x", itemOrUserFirst itemFirst: { } }`,
		`{ identificationTag "x", precedence ten }`,
		`{ identificationTag "x", authenticationLevel wild }`,
	}

	for _, aci := range cases {
		_, err := ParseACI(aci, testReg)
		assert.Error(t, err, "expected %q to fail", aci)
	}
}

func anonymousReq(t *testing.T, ops ...Permission) Request {
	t.Helper()

	return Request{
		Principal:  opctx.Anonymous(),
		UserGroups: map[string]bool{},
		TargetDN:   normDN(t, "uid=alice,ou=users,ou=system"),
		Ops:        ops,
	}
}

func TestDecideDenyByDefault(t *testing.T) {
	assert.False(t, Decide(nil, anonymousReq(t, PermRead)))
}

func TestDecideGrant(t *testing.T) {
	tuples, err := ParseACI(sampleACI, testReg)
	require.NoError(t, err)

	assert.True(t, Decide(tuples, anonymousReq(t, PermRead, PermBrowse)))
	assert.False(t, Decide(tuples, anonymousReq(t, PermAdd)), "ungranted micro-operations stay denied")
}

func TestDecideAuthLevelFilters(t *testing.T) {
	aci := `{ identificationTag "strongOnly", precedence 10, authenticationLevel strong,
	  itemOrUserFirst userFirst: {
	    userClasses { allUsers },
	    userPermissions { { protectedItems { entry }, grantsAndDenials { grantRead } } } } }`

	tuples, err := ParseACI(aci, testReg)
	require.NoError(t, err)

	assert.False(t, Decide(tuples, anonymousReq(t, PermRead)))

	req := anonymousReq(t, PermRead)
	req.Principal = &opctx.Principal{DN: normDN(t, "uid=admin,ou=system"), Level: opctx.AuthStrong}
	assert.True(t, Decide(tuples, req))
}

func TestDecidePrecedence(t *testing.T) {
	grant := `{ identificationTag "grantLow", precedence 1,
	  authenticationLevel none, itemOrUserFirst userFirst: {
	    userClasses { allUsers },
	    userPermissions { { protectedItems { entry }, grantsAndDenials { grantRead } } } } }`
	deny := `{ identificationTag "denyHigh", precedence 20,
	  authenticationLevel none, itemOrUserFirst userFirst: {
	    userClasses { allUsers },
	    userPermissions { { protectedItems { entry }, grantsAndDenials { denyRead } } } } }`

	grantTuples, err := ParseACI(grant, testReg)
	require.NoError(t, err)
	denyTuples, err := ParseACI(deny, testReg)
	require.NoError(t, err)

	all := append(grantTuples, denyTuples...)
	assert.False(t, Decide(all, anonymousReq(t, PermRead)), "higher precedence denial wins")
}

func TestDecideUserClassMatching(t *testing.T) {
	aci := `{ identificationTag "selfOnly", precedence 10, authenticationLevel none,
	  itemOrUserFirst userFirst: {
	    userClasses { thisEntry },
	    userPermissions { { protectedItems { entry }, grantsAndDenials { grantRead } } } } }`

	tuples, err := ParseACI(aci, testReg)
	require.NoError(t, err)

	self := anonymousReq(t, PermRead)
	self.Principal = &opctx.Principal{DN: normDN(t, "uid=alice,ou=users,ou=system"), Level: opctx.AuthSimple}
	assert.True(t, Decide(tuples, self))

	other := anonymousReq(t, PermRead)
	other.Principal = &opctx.Principal{DN: normDN(t, "uid=bob,ou=users,ou=system"), Level: opctx.AuthSimple}
	assert.False(t, Decide(tuples, other))
}

func TestDecideGroupMembership(t *testing.T) {
	aci := `{ identificationTag "staff", precedence 10, authenticationLevel simple,
	  itemOrUserFirst userFirst: {
	    userClasses { userGroup { "cn=staff,ou=groups,ou=system" } },
	    userPermissions { { protectedItems { entry }, grantsAndDenials { grantRead } } } } }`

	tuples, err := ParseACI(aci, testReg)
	require.NoError(t, err)

	req := anonymousReq(t, PermRead)
	req.Principal = &opctx.Principal{DN: normDN(t, "uid=bob,ou=users,ou=system"), Level: opctx.AuthSimple}
	assert.False(t, Decide(tuples, req))

	req.UserGroups = map[string]bool{normDN(t, "cn=staff,ou=groups,ou=system").Norm(): true}
	assert.True(t, Decide(tuples, req))
}

func groupEntry(t *testing.T, raw string, members ...string) *entry.Entry {
	t.Helper()

	e := entry.New(normDN(t, raw))

	oc, err := entry.NewAttribute(testReg, "objectClass", "top", "groupOfNames")
	require.NoError(t, err)
	e.Put(oc)

	m, err := entry.NewAttribute(testReg, "member", members...)
	require.NoError(t, err)
	e.Put(m)

	return e
}

func TestGroupCacheUpdateAndLookup(t *testing.T) {
	c := NewGroupCache()

	c.Update(groupEntry(t, "cn=staff,ou=groups,ou=system",
		"uid=alice,ou=users,ou=system", "UID=Bob,ou=users,ou=system"))

	group := normDN(t, "cn=staff,ou=groups,ou=system").Norm()
	assert.True(t, c.IsMember(group, normDN(t, "uid=alice,ou=users,ou=system").Norm()))
	assert.True(t, c.IsMember(group, normDN(t, "uid=bob,ou=users,ou=system").Norm()))
	assert.False(t, c.IsMember(group, normDN(t, "uid=eve,ou=users,ou=system").Norm()))

	groups := c.GroupsFor(normDN(t, "uid=alice,ou=users,ou=system").Norm())
	assert.True(t, groups[group])
}

func TestGroupCacheApplyMods(t *testing.T) {
	c := NewGroupCache()
	c.Update(groupEntry(t, "cn=staff,ou=groups,ou=system", "uid=alice,ou=users,ou=system"))

	group := normDN(t, "cn=staff,ou=groups,ou=system")

	add, err := entry.NewAttribute(testReg, "member", "uid=bob,ou=users,ou=system")
	require.NoError(t, err)
	c.ApplyMods(group, []entry.Modification{{Op: entry.ModAdd, Attr: add}})
	assert.True(t, c.IsMember(group.Norm(), normDN(t, "uid=bob,ou=users,ou=system").Norm()))

	remove, err := entry.NewAttribute(testReg, "member", "uid=alice,ou=users,ou=system")
	require.NoError(t, err)
	c.ApplyMods(group, []entry.Modification{{Op: entry.ModRemove, Attr: remove}})
	assert.False(t, c.IsMember(group.Norm(), normDN(t, "uid=alice,ou=users,ou=system").Norm()))

	replace, err := entry.NewAttribute(testReg, "member", "uid=carol,ou=users,ou=system")
	require.NoError(t, err)
	c.ApplyMods(group, []entry.Modification{{Op: entry.ModReplace, Attr: replace}})
	assert.True(t, c.IsMember(group.Norm(), normDN(t, "uid=carol,ou=users,ou=system").Norm()))
	assert.False(t, c.IsMember(group.Norm(), normDN(t, "uid=bob,ou=users,ou=system").Norm()))
}

func TestTupleCacheUpdateAndScope(t *testing.T) {
	c := NewTupleCache(testReg)

	sub := entry.New(normDN(t, "cn=aciSubentry,ou=system"))
	oc, err := entry.NewAttribute(testReg, "objectClass", "top", "subentry", "accessControlSubentry")
	require.NoError(t, err)
	sub.Put(oc)
	aci, err := entry.NewAttribute(testReg, "prescriptiveACI", sampleACI)
	require.NoError(t, err)
	sub.Put(aci)

	c.Update(sub)
	assert.Equal(t, 1, c.Count())

	inScope := c.ApplicableTo(normDN(t, "uid=alice,ou=users,ou=system"))
	assert.Len(t, inScope, 1, "ou=system administrative area covers the users subtree")

	outOfScope := c.ApplicableTo(normDN(t, "dc=elsewhere"))
	assert.Empty(t, outOfScope)

	selfScope := c.ApplicableTo(normDN(t, "cn=aciSubentry,ou=system"))
	assert.Empty(t, selfScope, "a subentry is not in its own scope")

	c.Remove(sub.DN())
	assert.Equal(t, 0, c.Count())
}

func TestTupleCacheWithoutPrescriptiveACI(t *testing.T) {
	c := NewTupleCache(testReg)

	sub := entry.New(normDN(t, "cn=empty,ou=system"))
	oc, err := entry.NewAttribute(testReg, "objectClass", "top", "subentry", "accessControlSubentry")
	require.NoError(t, err)
	sub.Put(oc)

	c.Update(sub)
	assert.Equal(t, 1, c.Count())
	assert.Empty(t, c.TuplesFor([]string{sub.DN().Norm()}))
}

func defaultPolicy(t *testing.T) *DefaultPolicy {
	t.Helper()

	gc := NewGroupCache()
	gc.Update(groupEntry(t, "cn=administrators,ou=groups,ou=system", "uid=root,ou=users,ou=system"))

	return &DefaultPolicy{
		AdminDN:    normDN(t, "uid=admin,ou=system"),
		AdminGroup: normDN(t, "cn=administrators,ou=groups,ou=system"),
		Users:      normDN(t, "ou=users,ou=system"),
		Groups:     normDN(t, "ou=groups,ou=system"),
		GroupCache: gc,
	}
}

func TestDefaultPolicyAdmin(t *testing.T) {
	p := defaultPolicy(t)
	admin := &opctx.Principal{DN: normDN(t, "uid=admin,ou=system"), Level: opctx.AuthSimple}

	assert.True(t, p.Check(admin, normDN(t, "uid=alice,ou=users,ou=system"), OpWrite))
	assert.False(t, p.Check(admin, normDN(t, "uid=admin,ou=system"), OpDelete),
		"even administrators may not delete the admin account")
	assert.False(t, p.Check(admin, dn.MustParse(""), OpDelete))
}

func TestDefaultPolicyAdminGroupMember(t *testing.T) {
	p := defaultPolicy(t)
	root := &opctx.Principal{DN: normDN(t, "uid=root,ou=users,ou=system"), Level: opctx.AuthSimple}

	assert.True(t, p.IsAdministrator(root))
	assert.True(t, p.Check(root, normDN(t, "uid=alice,ou=users,ou=system"), OpWrite))
}

func TestDefaultPolicyRegularUser(t *testing.T) {
	p := defaultPolicy(t)
	alice := &opctx.Principal{DN: normDN(t, "uid=alice,ou=users,ou=system"), Level: opctx.AuthSimple}

	assert.True(t, p.Check(alice, normDN(t, "uid=alice,ou=users,ou=system"), OpRead))
	assert.False(t, p.Check(alice, normDN(t, "uid=bob,ou=users,ou=system"), OpRead))
	assert.False(t, p.Check(alice, normDN(t, "uid=alice,ou=users,ou=system"), OpWrite),
		"the users subtree is admin-writable only")
	assert.False(t, p.Check(alice, normDN(t, "cn=staff,ou=groups,ou=system"), OpWrite))
}

func TestDefaultPolicyAnonymous(t *testing.T) {
	p := defaultPolicy(t)
	anon := opctx.Anonymous()

	assert.True(t, p.Check(anon, dn.MustParse(""), OpRead), "the root DSE is world readable")
	assert.False(t, p.Check(anon, normDN(t, "uid=alice,ou=users,ou=system"), OpRead))
}
