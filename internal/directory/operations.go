package directory

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/filter"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/retry"
	"github.com/netresearch/directoryd/internal/txn"
)

// Mod is the wire-level form of one modification.
type Mod struct {
	Op     entry.ModOp
	Attr   string
	Values []string
}

// SearchRequest bundles the parameters of a search operation.
type SearchRequest struct {
	Base      string
	Scope     opctx.Scope
	Deref     opctx.DerefMode
	SizeLimit int64
	TimeLimit time.Duration
	TypesOnly bool
	Filter    string
	Attrs     []string
	Controls  []opctx.Control
}

// SearchCursor is the handle a search returns: a cursor bound to its read
// transaction, with an abandon hook.
type SearchCursor struct {
	cursor.Cursor

	cancel *cursor.Cancelable
}

// Abandon makes the next Next fail with canceled; already delivered
// entries stay delivered.
func (c *SearchCursor) Abandon() {
	c.cancel.Cancel()
}

// buildEntry assembles an entry from attribute identifiers and user-form
// values, normalizing everything against the schema.
func (s *Service) buildEntry(norm *dn.DN, attrs map[string][]string) (*entry.Entry, error) {
	e := entry.New(norm)
	for id, values := range attrs {
		attr, err := entry.NewAttribute(s.reg, id, values...)
		if err != nil {
			return nil, err
		}
		e.Put(attr)
	}

	return e, nil
}

// parseFilter compiles the RFC 4515 filter string of a search request.
func (s *Service) parseFilter(raw string) (filter.Node, error) {
	if raw == "" {
		raw = "(objectClass=*)"
	}

	return filter.Parse(raw)
}

// referralMode derives the handling mode from the request controls:
// ManageDsaIT switches referral entries to regular-entry treatment.
func referralMode(controls []opctx.Control) opctx.ReferralMode {
	for _, ctl := range controls {
		if ctl.OID == opctx.ControlManageDsaIT {
			return opctx.ReferralIgnore
		}
	}

	return opctx.ReferralThrow
}

func (s *Service) normalize(raw string) (*dn.DN, error) {
	parsed, err := dn.Parse(raw)
	if err != nil {
		return nil, err
	}

	return parsed.Normalize(s.reg)
}

// runWrite drives the transactional retry loop of a write operation. The
// dispatch callback runs the chain; on commit conflict the context is
// reset and the chain re-run against a fresh snapshot. Exhausting the
// retry budget surfaces busy.
func (s *Service) runWrite(base *opctx.Context, rst opctx.Resettable, dispatch func() error) error {
	s.metrics.RecordOperation()
	s.metrics.RecordWrite()

	var started *txn.Txn

	attempt := func() error {
		if started != nil {
			rst.Reset()
			started.Retry()
		} else if base.Txn == nil {
			started = s.txm.Begin(false)
			base.Txn = started
		}

		rst.SaveOriginal()

		if err := dispatch(); err != nil {
			if started != nil {
				started.Abort()
				started = nil
				base.Txn = nil
			}

			return err
		}

		if started != nil {
			if err := started.Commit(); err != nil {
				if errors.Is(err, txn.ErrConflict) {
					s.metrics.RecordConflict()

					return err
				}
				started.Abort()

				return err
			}
		}

		s.txm.ApplyPending()

		return nil
	}

	err := retry.DoWithConfig(context.Background(), s.retryCfg, attempt)
	if errors.Is(err, txn.ErrConflict) {
		return ldaperr.Busy("write to %q kept conflicting", base.DN.User())
	}
	if err != nil {
		s.metrics.RecordError()
	}

	return err
}

// runRead wraps a read in a read-only transaction released when done
// returns.
func (s *Service) runRead(base *opctx.Context, read func() error) error {
	s.metrics.RecordOperation()

	t := s.txm.Begin(true)
	base.Txn = t
	defer func() {
		_ = t.Commit()
	}()

	err := read()
	if err != nil {
		s.metrics.RecordError()
	}

	return err
}

// populateOriginal eagerly reads the current entry inside the write
// transaction; a missing target surfaces noSuchObject before the chain
// runs.
func (s *Service) populateOriginal(base *opctx.Context) (*entry.Entry, error) {
	lookup := &opctx.LookupContext{
		Context: opctx.Context{
			Session: s.adminSession,
			DN:      base.DN,
			Bypass:  internalBypass(),
			Txn:     base.Txn,
		},
		Attrs: []string{"*", "+"},
	}

	return s.chain.Lookup(lookup)
}

// Add inserts a new entry.
func (s *Service) Add(sess *opctx.Session, target string, attrs map[string][]string, controls ...opctx.Control) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}

	if err := s.refs.CheckTarget(norm, referralMode(controls)); err != nil {
		s.metrics.RecordReferral()

		return err
	}

	e, err := s.buildEntry(norm, attrs)
	if err != nil {
		return err
	}

	ctx := &opctx.AddContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    referralMode(controls),
		},
		Entry: e,
	}

	return s.runWrite(&ctx.Context, ctx, func() error { return s.chain.Add(ctx) })
}

// Delete removes a leaf entry.
func (s *Service) Delete(sess *opctx.Session, target string, controls ...opctx.Control) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}
	if norm.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	if err := s.refs.CheckTarget(norm, referralMode(controls)); err != nil {
		s.metrics.RecordReferral()

		return err
	}

	ctx := &opctx.DeleteContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    referralMode(controls),
		},
	}

	return s.runWrite(&ctx.Context, ctx, func() error {
		original, err := s.populateOriginal(&ctx.Context)
		if err != nil {
			return err
		}
		ctx.OriginalEntry = original

		return s.chain.Delete(ctx)
	})
}

// Modify applies a modification sequence to an entry.
func (s *Service) Modify(sess *opctx.Session, target string, mods []Mod, controls ...opctx.Control) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}
	if norm.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	if err := s.refs.CheckTarget(norm, referralMode(controls)); err != nil {
		s.metrics.RecordReferral()

		return err
	}

	parsed := make([]entry.Modification, 0, len(mods))
	for _, m := range mods {
		attr, err := entry.NewAttribute(s.reg, m.Attr, m.Values...)
		if err != nil {
			return err
		}
		parsed = append(parsed, entry.Modification{Op: m.Op, Attr: attr})
	}

	ctx := &opctx.ModifyContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    referralMode(controls),
		},
		Mods: parsed,
	}

	return s.runWrite(&ctx.Context, ctx, func() error {
		original, err := s.populateOriginal(&ctx.Context)
		if err != nil {
			return err
		}
		ctx.OriginalEntry = original

		return s.chain.Modify(ctx)
	})
}

// Rename replaces the RDN of an entry, keeping its parent.
func (s *Service) Rename(sess *opctx.Session, target, newRDN string, deleteOldRDN bool, controls ...opctx.Control) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}
	if norm.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	rdn, err := dn.ParseRDN(newRDN)
	if err != nil {
		return err
	}

	mode := referralMode(controls)
	if err := s.refs.CheckTarget(norm, mode); err != nil {
		s.metrics.RecordReferral()

		return err
	}

	ctx := &opctx.RenameContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    mode,
		},
		NewRDN:       rdn,
		DeleteOldRDN: deleteOldRDN,
	}

	// The destination must not sit under a referral of another DSA.
	newDN := norm.WithRDN(rdn)
	if newNorm, err := newDN.Normalize(s.reg); err == nil {
		if err := s.refs.CheckDestination(newNorm, mode); err != nil {
			return err
		}
	}

	return s.runWrite(&ctx.Context, ctx, func() error {
		original, err := s.populateOriginal(&ctx.Context)
		if err != nil {
			return err
		}
		ctx.OriginalEntry = original

		return s.chain.Rename(ctx)
	})
}

// Move re-parents an entry under a new superior.
func (s *Service) Move(sess *opctx.Session, target, newSuperior string, controls ...opctx.Control) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}
	if norm.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	superior, err := s.normalize(newSuperior)
	if err != nil {
		return err
	}

	mode := referralMode(controls)
	if err := s.refs.CheckTarget(norm, mode); err != nil {
		s.metrics.RecordReferral()

		return err
	}
	if err := s.refs.CheckDestination(superior.Child(norm.RDN()), mode); err != nil {
		return err
	}

	ctx := &opctx.MoveContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    mode,
		},
		NewSuperior: superior,
	}

	return s.runWrite(&ctx.Context, ctx, func() error {
		original, err := s.populateOriginal(&ctx.Context)
		if err != nil {
			return err
		}
		ctx.OriginalEntry = original

		return s.chain.Move(ctx)
	})
}

// MoveAndRename re-parents and renames in one operation.
func (s *Service) MoveAndRename(
	sess *opctx.Session, target, newSuperior, newRDN string, deleteOldRDN bool, controls ...opctx.Control,
) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}
	if norm.IsEmpty() {
		return ldaperr.NotAllowedOnRootDSE()
	}

	superior, err := s.normalize(newSuperior)
	if err != nil {
		return err
	}

	rdn, err := dn.ParseRDN(newRDN)
	if err != nil {
		return err
	}

	mode := referralMode(controls)
	if err := s.refs.CheckTarget(norm, mode); err != nil {
		s.metrics.RecordReferral()

		return err
	}
	if err := s.refs.CheckDestination(superior.Child(rdn), mode); err != nil {
		return err
	}

	ctx := &opctx.MoveAndRenameContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    mode,
		},
		NewSuperior:  superior,
		NewRDN:       rdn,
		DeleteOldRDN: deleteOldRDN,
	}

	return s.runWrite(&ctx.Context, ctx, func() error {
		original, err := s.populateOriginal(&ctx.Context)
		if err != nil {
			return err
		}
		ctx.OriginalEntry = original

		return s.chain.MoveAndRename(ctx)
	})
}

// Bind authenticates a session. Per the audit contract, the transaction
// commits even when authentication fails; only conflicts roll it back and
// retry.
func (s *Service) Bind(sess *opctx.Session, target, method string, credentials []byte, controls ...opctx.Control) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	s.metrics.RecordOperation()
	s.metrics.RecordBind()

	norm, err := s.normalize(target)
	if err != nil {
		return err
	}

	ctx := &opctx.BindContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    referralMode(controls),
		},
		Method:      method,
		Credentials: credentials,
	}

	var started *txn.Txn

	attempt := func() error {
		if started != nil {
			ctx.Reset()
			started.Retry()
		} else {
			started = s.txm.Begin(false)
			ctx.Txn = started
		}

		ctx.SaveOriginal()

		bindErr := s.chain.Bind(ctx)
		if bindErr != nil {
			if _, isLdap := ldaperr.As(bindErr); !isLdap {
				started.Abort()

				return bindErr
			}
		}

		if err := started.Commit(); err != nil {
			if errors.Is(err, txn.ErrConflict) {
				return err
			}
			started.Abort()

			return err
		}

		s.txm.ApplyPending()

		return bindErr
	}

	err = retry.DoWithConfig(context.Background(), s.retryCfg, attempt)
	if errors.Is(err, txn.ErrConflict) {
		return ldaperr.Busy("bind kept conflicting")
	}
	if err != nil {
		s.metrics.RecordBindError()
	}

	return err
}

// Unbind releases the session's principal.
func (s *Service) Unbind(sess *opctx.Session) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	ctx := &opctx.UnbindContext{
		Context: opctx.Context{Session: sess},
	}

	return s.runRead(&ctx.Context, func() error { return s.chain.Unbind(ctx) })
}

// Compare checks an attribute-value assertion; the outcome travels as
// compareTrue/compareFalse result codes.
func (s *Service) Compare(sess *opctx.Session, target, attr, value string, controls ...opctx.Control) (bool, error) {
	if err := s.checkStarted(); err != nil {
		return false, err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return false, err
	}

	if err := s.refs.CheckTarget(norm, referralMode(controls)); err != nil {
		s.metrics.RecordReferral()

		return false, err
	}

	ctx := &opctx.CompareContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: controls,
			ReferralMode:    referralMode(controls),
		},
		AttrID: attr,
		Value:  value,
	}

	var matched bool
	err = s.runRead(&ctx.Context, func() error {
		original, err := s.populateOriginal(&ctx.Context)
		if err != nil {
			return err
		}
		ctx.OriginalEntry = original

		matched, err = s.chain.Compare(ctx)

		return err
	})

	return matched, err
}

// Lookup reads one entry.
func (s *Service) Lookup(sess *opctx.Session, target string, attrs ...string) (*entry.Entry, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return nil, err
	}

	if err := s.refs.CheckTarget(norm, opctx.ReferralThrow); err != nil {
		s.metrics.RecordReferral()

		return nil, err
	}

	ctx := &opctx.LookupContext{
		Context: opctx.Context{Session: sess, DN: norm},
		Attrs:   attrs,
	}

	var e *entry.Entry
	err = s.runRead(&ctx.Context, func() error {
		e, err = s.chain.Lookup(ctx)

		return err
	})

	return e, err
}

// HasEntry checks whether an entry exists.
func (s *Service) HasEntry(sess *opctx.Session, target string) (bool, error) {
	if err := s.checkStarted(); err != nil {
		return false, err
	}

	norm, err := s.normalize(target)
	if err != nil {
		return false, err
	}

	ctx := &opctx.HasEntryContext{
		Context: opctx.Context{Session: sess, DN: norm},
	}

	var ok bool
	err = s.runRead(&ctx.Context, func() error {
		ok, err = s.chain.HasEntry(ctx)

		return err
	})

	return ok, err
}

// List returns a cursor over the direct subordinates of an entry; the
// cursor owns its read transaction until closed.
func (s *Service) List(sess *opctx.Session, target string) (cursor.Cursor, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	s.metrics.RecordOperation()

	norm, err := s.normalize(target)
	if err != nil {
		return nil, err
	}

	t := s.txm.Begin(true)

	ctx := &opctx.ListContext{
		Context: opctx.Context{Session: sess, DN: norm, Txn: t},
	}

	cur, err := s.chain.List(ctx)
	if err != nil {
		_ = t.Commit()
		s.metrics.RecordError()

		return nil, err
	}

	return cursor.WithRelease(cur, func() { _ = t.Commit() }), nil
}

// GetRootDSE reads the root DSE with the given returning-attributes
// selection.
func (s *Service) GetRootDSE(sess *opctx.Session, attrs ...string) (*entry.Entry, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	ctx := &opctx.GetRootDSEContext{
		Context: opctx.Context{Session: sess, DN: dn.MustParse("")},
		Attrs:   attrs,
	}

	var e *entry.Entry
	err := s.runRead(&ctx.Context, func() error {
		var err error
		e, err = s.chain.GetRootDSE(ctx)

		return err
	})

	return e, err
}

// Search runs a search and returns a cursor bound to the read transaction;
// closing the cursor releases the transaction. Size and time limits apply
// to the delivered result stream.
func (s *Service) Search(sess *opctx.Session, req SearchRequest) (*SearchCursor, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	s.metrics.RecordOperation()
	s.metrics.RecordSearch()

	norm, err := s.normalize(req.Base)
	if err != nil {
		return nil, err
	}

	mode := referralMode(req.Controls)
	if err := s.refs.CheckSearchBase(norm, mode, req.Scope); err != nil {
		s.metrics.RecordReferral()

		return nil, err
	}

	parsedFilter, err := s.parseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	sizeLimit := req.SizeLimit
	if s.opts.SearchSizeLimit > 0 && (sizeLimit == 0 || sizeLimit > s.opts.SearchSizeLimit) {
		sizeLimit = s.opts.SearchSizeLimit
	}
	timeLimit := req.TimeLimit
	if s.opts.SearchTimeLimit > 0 && (timeLimit == 0 || timeLimit > s.opts.SearchTimeLimit) {
		timeLimit = s.opts.SearchTimeLimit
	}

	t := s.txm.Begin(true)

	ctx := &opctx.SearchContext{
		Context: opctx.Context{
			Session:         sess,
			DN:              norm,
			RequestControls: req.Controls,
			ReferralMode:    mode,
			Txn:             t,
		},
		Scope:        req.Scope,
		Deref:        req.Deref,
		SizeLimit:    sizeLimit,
		TimeLimit:    timeLimit,
		TypesOnly:    req.TypesOnly,
		Filter:       parsedFilter,
		FilterString: req.Filter,
		Attrs:        req.Attrs,
	}

	cur, err := s.chain.Search(ctx)
	if err != nil {
		_ = t.Commit()
		s.metrics.RecordError()

		return nil, err
	}

	limited := cursor.Limited(cur, sizeLimit, timeLimit)
	cancelable := cursor.WithCancel(limited)
	released := cursor.WithRelease(cancelable, func() { _ = t.Commit() })

	log.Debug().
		Str("base", req.Base).
		Str("scope", ctx.Scope.String()).
		Str("filter", req.Filter).
		Msg("search cursor opened")

	return &SearchCursor{Cursor: released, cancel: cancelable}, nil
}
