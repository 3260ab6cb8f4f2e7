// Package authn holds the authenticator registry consulted by the
// authentication interceptor and the two bundled authenticators: anonymous
// and simple binds. SASL mechanisms plug in through the same interface.
package authn

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/password"
	"github.com/netresearch/directoryd/internal/schema"
)

// MethodNone and MethodSimple are the built-in authentication methods;
// SASL mechanisms register under their mechanism name.
const (
	MethodNone   = "none"
	MethodSimple = "simple"
)

// Authenticator turns bind credentials into a principal.
type Authenticator interface {
	Method() string
	Authenticate(ctx *opctx.BindContext) (*opctx.Principal, error)
}

// Registry maps authentication methods to ordered authenticator lists.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string][]Authenticator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string][]Authenticator)}
}

// Register appends an authenticator to its method bucket. Registering the
// same instance twice under one method is rejected.
func (r *Registry) Register(a Authenticator) error {
	method := strings.ToLower(a.Method())

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.buckets[method] {
		if existing == a {
			return fmt.Errorf("authenticator already registered for method %q", method)
		}
	}
	r.buckets[method] = append(r.buckets[method], a)

	log.Debug().Str("method", method).Msg("authenticator registered")

	return nil
}

// Authenticate selects the bucket for the requested method and tries each
// authenticator in order until one produces a principal. An empty bucket
// surfaces authMethodNotSupported; exhausting the bucket surfaces
// invalidCredentials.
func (r *Registry) Authenticate(ctx *opctx.BindContext) (*opctx.Principal, error) {
	method := strings.ToLower(ctx.Method)

	r.mu.RLock()
	bucket := append([]Authenticator(nil), r.buckets[method]...)
	r.mu.RUnlock()

	if len(bucket) == 0 {
		return nil, ldaperr.AuthMethodNotSupported(ctx.Method)
	}

	for _, a := range bucket {
		principal, err := a.Authenticate(ctx)
		if err == nil {
			return principal, nil
		}

		log.Debug().Err(err).Str("method", method).Str("dn", ctx.DN.User()).Msg("authenticator rejected bind")
	}

	return nil, ldaperr.InvalidCredentials()
}

// Anonymous authenticates empty binds at authentication level none.
type Anonymous struct{}

func (Anonymous) Method() string { return MethodNone }

func (Anonymous) Authenticate(ctx *opctx.BindContext) (*opctx.Principal, error) {
	if !ctx.DN.IsEmpty() || len(ctx.Credentials) != 0 {
		return nil, ldaperr.InvalidCredentials()
	}

	return opctx.Anonymous(), nil
}

// EntryLookup reads an entry without authorization; the directory service
// injects a bypassed lookup so binds do not recurse through the chain.
type EntryLookup func(target *dn.DN) (*entry.Entry, error)

// Simple authenticates DN + password binds against the stored
// userPassword.
type Simple struct {
	lookup EntryLookup
}

// NewSimple creates the simple-bind authenticator over the given lookup.
func NewSimple(lookup EntryLookup) *Simple {
	return &Simple{lookup: lookup}
}

func (*Simple) Method() string { return MethodSimple }

func (s *Simple) Authenticate(ctx *opctx.BindContext) (*opctx.Principal, error) {
	if ctx.DN.IsEmpty() || len(ctx.Credentials) == 0 {
		return nil, ldaperr.InvalidCredentials()
	}

	e, err := s.lookup(ctx.DN)
	if err != nil {
		return nil, ldaperr.InvalidCredentials()
	}

	pw := e.Get(schema.OIDUserPassword)
	if pw == nil {
		return nil, ldaperr.InvalidCredentials()
	}

	for _, stored := range pw.UserValues() {
		if password.Verify(stored, ctx.Credentials) {
			return &opctx.Principal{DN: ctx.DN, Level: opctx.AuthSimple}, nil
		}
	}

	return nil, ldaperr.InvalidCredentials()
}
