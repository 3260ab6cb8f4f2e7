package authn

import (
	"testing"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/password"
	"github.com/netresearch/directoryd/internal/schema"
)

var testReg = schema.Bootstrap()

func normDN(t *testing.T, raw string) *dn.DN {
	t.Helper()

	parsed, err := dn.Parse(raw)
	require.NoError(t, err)
	norm, err := parsed.Normalize(testReg)
	require.NoError(t, err)

	return norm
}

func bindCtx(t *testing.T, target, method string, creds []byte) *opctx.BindContext {
	t.Helper()

	return &opctx.BindContext{
		Context: opctx.Context{
			Session: opctx.NewSession(),
			DN:      normDN(t, target),
		},
		Method:      method,
		Credentials: creds,
	}
}

func adminLookup(t *testing.T) EntryLookup {
	t.Helper()

	admin := entry.New(normDN(t, "uid=admin,ou=system"))
	pw, err := entry.NewAttribute(testReg, "userPassword", password.HashSSHA([]byte("secret")))
	require.NoError(t, err)
	admin.Put(pw)

	return func(target *dn.DN) (*entry.Entry, error) {
		if target.Equal(admin.DN()) {
			return admin, nil
		}

		return nil, ldaperr.NoSuchObject(target.User())
	}
}

func TestRegistryRejectsDuplicateInstance(t *testing.T) {
	r := NewRegistry()
	anon := Anonymous{}

	require.NoError(t, r.Register(anon))
	assert.Error(t, r.Register(anon))
}

func TestUnknownMethod(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Anonymous{}))

	_, err := r.Authenticate(bindCtx(t, "", "EXTERNAL", nil))
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultAuthMethodNotSupported))
}

func TestAnonymousBind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Anonymous{}))

	principal, err := r.Authenticate(bindCtx(t, "", MethodNone, nil))
	require.NoError(t, err)
	assert.True(t, principal.DN.IsEmpty())
	assert.Equal(t, opctx.AuthNone, principal.Level)
}

func TestAnonymousRejectsCredentials(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Anonymous{}))

	_, err := r.Authenticate(bindCtx(t, "", MethodNone, []byte("x")))
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultInvalidCredentials))
}

func TestSimpleBindSuccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSimple(adminLookup(t))))

	principal, err := r.Authenticate(bindCtx(t, "uid=admin,ou=system", MethodSimple, []byte("secret")))
	require.NoError(t, err)
	assert.Equal(t, opctx.AuthSimple, principal.Level)
	assert.Equal(t, "0.9.2342.19200300.100.1.1=admin,2.5.4.11=system", principal.DN.Norm())
}

func TestSimpleBindWrongPassword(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSimple(adminLookup(t))))

	_, err := r.Authenticate(bindCtx(t, "uid=admin,ou=system", MethodSimple, []byte("wrong")))
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultInvalidCredentials))
}

func TestSimpleBindUnknownUser(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSimple(adminLookup(t))))

	_, err := r.Authenticate(bindCtx(t, "uid=ghost,ou=system", MethodSimple, []byte("secret")))
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultInvalidCredentials))
}

func TestFirstSucceedingAuthenticatorWins(t *testing.T) {
	r := NewRegistry()

	failing := &stubAuthenticator{err: ldaperr.InvalidCredentials()}
	succeeding := &stubAuthenticator{principal: opctx.Anonymous()}

	require.NoError(t, r.Register(failing))
	require.NoError(t, r.Register(succeeding))

	principal, err := r.Authenticate(bindCtx(t, "", "stub", nil))
	require.NoError(t, err)
	assert.NotNil(t, principal)
	assert.True(t, failing.called, "earlier bucket entries are tried first")
}

type stubAuthenticator struct {
	principal *opctx.Principal
	err       error
	called    bool
}

func (s *stubAuthenticator) Method() string { return "stub" }

func (s *stubAuthenticator) Authenticate(*opctx.BindContext) (*opctx.Principal, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}

	return s.principal, nil
}
