package nexus

import (
	"testing"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/partition"
	"github.com/netresearch/directoryd/internal/referral"
	"github.com/netresearch/directoryd/internal/schema"
	"github.com/netresearch/directoryd/internal/txn"
)

func testNexus(t *testing.T) (*Nexus, *schema.Registries, *txn.Manager, *referral.Manager) {
	t.Helper()

	reg := schema.Bootstrap()
	txm := txn.NewManager()
	refs := referral.NewManager(reg)

	nx := New(reg, txm, refs, Config{
		VendorName:     "netresearch",
		VendorVersion:  "test",
		SASLMechanisms: []string{"SIMPLE"},
	})

	return nx, reg, txm, refs
}

func normDN(t *testing.T, reg *schema.Registries, raw string) *dn.DN {
	t.Helper()

	parsed, err := dn.Parse(raw)
	require.NoError(t, err)
	norm, err := parsed.Normalize(reg)
	require.NoError(t, err)

	return norm
}

func TestAddPartitionUpdatesNamingContexts(t *testing.T) {
	nx, reg, _, _ := testNexus(t)

	require.NoError(t, nx.AddPartition(partition.NewMemory("system", normDN(t, reg, "ou=system"), reg)))
	assert.Equal(t, []string{"ou=system"}, nx.NamingContexts())

	require.NoError(t, nx.AddPartition(partition.NewMemory("example", normDN(t, reg, "dc=example"), reg)))
	assert.Equal(t, []string{"dc=example", "ou=system"}, nx.NamingContexts())

	require.NoError(t, nx.RemovePartition("example"))
	assert.Equal(t, []string{"ou=system"}, nx.NamingContexts())
}

func TestAddPartitionRejectsDuplicateID(t *testing.T) {
	nx, reg, _, _ := testNexus(t)

	require.NoError(t, nx.AddPartition(partition.NewMemory("system", normDN(t, reg, "ou=system"), reg)))
	assert.Error(t, nx.AddPartition(partition.NewMemory("system", normDN(t, reg, "dc=other"), reg)))
}

func TestPartitionOfPicksDeepestSuffix(t *testing.T) {
	nx, reg, _, _ := testNexus(t)

	require.NoError(t, nx.AddPartition(partition.NewMemory("example", normDN(t, reg, "dc=example"), reg)))
	require.NoError(t, nx.AddPartition(partition.NewMemory("sales", normDN(t, reg, "ou=sales,dc=example"), reg)))

	p, err := nx.PartitionOf(normDN(t, reg, "cn=x,ou=sales,dc=example"))
	require.NoError(t, err)
	assert.Equal(t, "sales", p.ID())

	p, err = nx.PartitionOf(normDN(t, reg, "cn=x,ou=other,dc=example"))
	require.NoError(t, err)
	assert.Equal(t, "example", p.ID())

	_, err = nx.PartitionOf(normDN(t, reg, "dc=elsewhere"))
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultNoSuchObject))

	_, err = nx.PartitionOf(dn.MustParse(""))
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultNoSuchObject))
}

func TestRootDSEAttributes(t *testing.T) {
	nx, reg, _, _ := testNexus(t)
	require.NoError(t, nx.AddPartition(partition.NewMemory("system", normDN(t, reg, "ou=system"), reg)))

	dse := nx.RootDSE()

	assert.True(t, dse.DN().IsEmpty())

	contexts := dse.Get("1.3.6.1.4.1.1466.101.120.5")
	require.NotNil(t, contexts)
	assert.Equal(t, []string{"ou=system"}, contexts.UserValues())

	version := dse.Get("1.3.6.1.4.1.1466.101.120.15")
	require.NotNil(t, version)
	assert.Equal(t, []string{"3"}, version.UserValues())

	features := dse.Get("1.3.6.1.4.1.4203.1.3.5")
	require.NotNil(t, features)
	assert.Contains(t, features.UserValues(), "1.3.6.1.4.1.4203.1.5.1",
		"the all-operational-attributes feature must be advertised")

	vendor := dse.Get("1.3.6.1.1.4")
	require.NotNil(t, vendor)
	assert.Equal(t, []string{"netresearch"}, vendor.UserValues())

	subschema := dse.Get(schema.OIDSubschemaSubentry)
	require.NotNil(t, subschema)
	assert.Equal(t, []string{"cn=schema"}, subschema.UserValues())
}

func TestAddPartitionSeedsReferralCache(t *testing.T) {
	nx, reg, txm, refs := testNexus(t)

	p := partition.NewMemory("system", normDN(t, reg, "ou=system"), reg)
	txm.RegisterStore(p.Store())

	// Pre-populate the partition before attaching it to the nexus.
	tx := txm.Begin(false)
	suffix := entry.New(normDN(t, reg, "ou=system"))
	oc, err := entry.NewAttribute(reg, "objectClass", "top", "organizationalUnit")
	require.NoError(t, err)
	suffix.Put(oc)
	ouAttr, err := entry.NewAttribute(reg, "ou", "system")
	require.NoError(t, err)
	suffix.Put(ouAttr)
	require.NoError(t, p.Add(&opctx.AddContext{
		Context: opctx.Context{DN: suffix.DN(), Txn: tx},
		Entry:   suffix,
	}))

	ref := entry.New(normDN(t, reg, "cn=alpha,ou=system"))
	refOC, err := entry.NewAttribute(reg, "objectClass", "top", "referral")
	require.NoError(t, err)
	ref.Put(refOC)
	refAttr, err := entry.NewAttribute(reg, "ref", "ldap://host2/ou=foo")
	require.NoError(t, err)
	ref.Put(refAttr)
	require.NoError(t, p.Add(&opctx.AddContext{
		Context: opctx.Context{DN: ref.DN(), Txn: tx},
		Entry:   ref,
	}))
	require.NoError(t, tx.Commit())

	txm.UnregisterStore("system")

	require.NoError(t, nx.AddPartition(p))
	assert.True(t, refs.IsReferral(normDN(t, reg, "cn=alpha,ou=system")))
}
