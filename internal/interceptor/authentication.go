package interceptor

import (
	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/authn"
	"github.com/netresearch/directoryd/internal/opctx"
)

// Authentication dispatches binds to the registered authenticators and
// caches the resulting principal on the session. Credential material is
// scrubbed from the context before anything downstream can see it.
type Authentication struct {
	Base

	registry *authn.Registry
}

// NewAuthentication creates the authentication stage.
func NewAuthentication(registry *authn.Registry) *Authentication {
	return &Authentication{registry: registry}
}

func (*Authentication) Name() string { return NameAuthentication }

// Bind authenticates and short-circuits: the bind terminates here rather
// than running down to the partition, since the authenticator already
// verified the credentials.
func (a *Authentication) Bind(_ *Chain, ctx *opctx.BindContext) error {
	defer ctx.ScrubCredentials()

	principal, err := a.registry.Authenticate(ctx)
	if err != nil {
		return err
	}

	ctx.Principal = principal
	ctx.Session.SetPrincipal(principal)

	log.Debug().
		Str("dn", principal.DN.User()).
		Str("level", principal.Level.String()).
		Msg("bind succeeded")

	return nil
}

// Unbind clears the session principal and continues.
func (a *Authentication) Unbind(c *Chain, ctx *opctx.UnbindContext) error {
	ctx.Session.ClearPrincipal()

	return c.Unbind(ctx)
}
