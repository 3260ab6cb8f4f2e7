// Package opctx carries the per-operation state threaded through the
// interceptor chain: the session, the target DN in both forms, operation
// payloads, controls, referral handling mode, the bypass set, and the chain
// position. A saved snapshot supports restarting the operation when the
// transaction manager reports a commit conflict.
package opctx

import (
	"context"
	"sync"

	"github.com/netresearch/directoryd/internal/dn"
)

// AuthLevel is the strength of the authentication a principal performed.
type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthSimple
	AuthStrong
)

func (l AuthLevel) String() string {
	switch l {
	case AuthSimple:
		return "simple"
	case AuthStrong:
		return "strong"
	}

	return "none"
}

// Principal identifies an authenticated user: a normalized DN plus the
// level of authentication that established it.
type Principal struct {
	DN    *dn.DN
	Level AuthLevel
}

// Anonymous returns the unauthenticated principal.
func Anonymous() *Principal {
	return &Principal{DN: dn.MustParse(""), Level: AuthNone}
}

// Session is the per-connection state. The principal is cached on the
// session after a successful bind so later operations skip authentication.
type Session struct {
	mu        sync.Mutex
	principal *Principal
}

// NewSession returns a session with no principal bound.
func NewSession() *Session {
	return &Session{}
}

// Principal returns the bound principal, or nil before any bind.
func (s *Session) Principal() *Principal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.principal
}

// SetPrincipal binds a principal to the session.
func (s *Session) SetPrincipal(p *Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.principal = p
}

// ClearPrincipal drops the bound principal; used by unbind.
func (s *Session) ClearPrincipal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.principal = nil
}

// ReferralMode selects how the operation reacts to referral entries on or
// above its target.
type ReferralMode int

const (
	// ReferralThrow surfaces Referral results for targets at or under a
	// referral entry.
	ReferralThrow ReferralMode = iota
	// ReferralIgnore treats referral entries as regular entries
	// (ManageDsaIT).
	ReferralIgnore
	// ReferralThrowFindingBase throws while locating the search base only.
	ReferralThrowFindingBase
	// ReferralFollow would chase the continuation server; the core has no
	// client, so it degrades to throw.
	ReferralFollow
)

// Control is a request or response control, opaque to the core except for
// its OID.
type Control struct {
	OID         string
	Criticality bool
	Value       []byte
}

// Recognized control OIDs.
const (
	ControlManageDsaIT      = "2.16.840.1.113730.3.4.2"
	ControlSubentries       = "1.3.6.1.4.1.4203.1.10.1"
	ControlPagedResults     = "1.2.840.113556.1.4.319"
	ControlPersistentSearch = "2.16.840.1.113730.3.4.3"
	ControlEntryChange      = "2.16.840.1.113730.3.4.7"
	ControlSortRequest      = "1.2.840.113556.1.4.473"
	ControlCascade          = "1.3.6.1.4.1.18060.0.0.1"
)

// Txn is the narrow view of a transaction handle the contexts carry; the
// concrete type lives in the txn package.
type Txn interface {
	ReadOnly() bool
}

// Context is the state common to every operation.
type Context struct {
	Ctx     context.Context
	Session *Session

	// DN is the operation target. The user form is preserved inside the
	// *dn.DN; Norm() is authoritative after the normalization interceptor
	// ran.
	DN *dn.DN

	RequestControls  []Control
	ResponseControls []Control

	ReferralMode ReferralMode

	// Bypass names interceptors to skip; internal bootstrapping scans use
	// it to avoid recursing through authorization and the caches.
	Bypass map[string]bool

	// Depth is the chain position; dispatching increments it, Reset rewinds
	// it.
	Depth int

	Txn Txn

	saved *Context
}

// HasControl reports whether a request control with the given OID is
// attached.
func (c *Context) HasControl(oid string) bool {
	for _, ctl := range c.RequestControls {
		if ctl.OID == oid {
			return true
		}
	}

	return false
}

// AddResponseControl appends a response control.
func (c *Context) AddResponseControl(ctl Control) {
	c.ResponseControls = append(c.ResponseControls, ctl)
}

// Bypassed reports whether the named interceptor is on the bypass set.
func (c *Context) Bypassed(name string) bool {
	return c.Bypass[name]
}

// Principal returns the session principal, or the anonymous principal when
// no bind happened.
func (c *Context) Principal() *Principal {
	if c.Session != nil {
		if p := c.Session.Principal(); p != nil {
			return p
		}
	}

	return Anonymous()
}

// StdCtx returns the stdlib context, defaulting to Background.
func (c *Context) StdCtx() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}

	return context.Background()
}

func (c *Context) saveCommon() {
	saved := *c
	saved.saved = nil
	c.saved = &saved
}

func (c *Context) resetCommon() {
	if c.saved == nil {
		c.Depth = 0
		c.ResponseControls = nil

		return
	}

	saved := c.saved
	*c = *saved
	c.saveCommon()
	c.Depth = 0
	c.ResponseControls = nil
}
