// Package directory assembles the core: schema registries, partitions
// behind the nexus, the interceptor chain, the transaction manager, the
// referral/group/tuple caches, and the operation manager that fronts every
// directory operation with referral checks and the transactional retry
// loop.
package directory

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/authn"
	"github.com/netresearch/directoryd/internal/authz"
	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/interceptor"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/nexus"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/options"
	"github.com/netresearch/directoryd/internal/partition"
	"github.com/netresearch/directoryd/internal/referral"
	"github.com/netresearch/directoryd/internal/retry"
	"github.com/netresearch/directoryd/internal/schema"
	"github.com/netresearch/directoryd/internal/txn"
	"github.com/netresearch/directoryd/internal/version"
)

// Service is the embedded directory service.
type Service struct {
	opts *options.Opts

	reg   *schema.Registries
	txm   *txn.Manager
	refs  *referral.Manager
	nx    *nexus.Nexus
	chain *interceptor.Chain

	groups     *authz.GroupCache
	tuples     *authz.TupleCache
	subentries *interceptor.Subentry
	auths      *authn.Registry
	events     *interceptor.Dispatcher
	triggers   *interceptor.TriggerRegistry

	metrics  *Metrics
	retryCfg retry.Config

	adminDN      *dn.DN
	adminSession *opctx.Session

	started atomic.Bool
}

// internalBypass is the bypass set for bootstrap scans and administrative
// reads: authorization and the cache/projection stages are skipped so the
// seeding machinery never recurses through itself.
func internalBypass() map[string]bool {
	return map[string]bool{
		interceptor.NameACI:          true,
		interceptor.NameDefaultAuthz: true,
		interceptor.NameSubentry:     true,
		interceptor.NameOperational:  true,
		interceptor.NameEvent:        true,
		interceptor.NameTrigger:      true,
	}
}

// New builds and starts a directory service: registries, the system
// partition (persistent when a partition path is configured), the
// interceptor chain in canonical order, and the seeded caches.
func New(opts *options.Opts) (*Service, error) {
	reg := schema.Bootstrap()

	s := &Service{
		opts:     opts,
		reg:      reg,
		txm:      txn.NewManager(),
		refs:     referral.NewManager(reg),
		groups:   authz.NewGroupCache(),
		tuples:   authz.NewTupleCache(reg),
		auths:    authn.NewRegistry(),
		events:   interceptor.NewDispatcher(),
		triggers: interceptor.NewTriggerRegistry(),
		metrics:  NewMetrics(),
		retryCfg: retry.ConflictConfig(txn.ErrConflict),
	}
	if opts.TxRetryAttempts > 0 {
		s.retryCfg.MaxAttempts = opts.TxRetryAttempts
	}

	// DN comparisons inside matching rules need the schema-aware
	// normalizer; wire it before the first DN is normalized.
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

	adminDN, err := dn.Parse(opts.AdminDN)
	if err != nil {
		return nil, fmt.Errorf("admin DN: %w", err)
	}
	if s.adminDN, err = adminDN.Normalize(reg); err != nil {
		return nil, fmt.Errorf("admin DN: %w", err)
	}

	s.adminSession = opctx.NewSession()
	s.adminSession.SetPrincipal(&opctx.Principal{DN: s.adminDN, Level: opctx.AuthStrong})

	s.nx = nexus.New(reg, s.txm, s.refs, nexus.Config{
		VendorName:     "netresearch",
		VendorVersion:  version.FormatVersion(),
		SASLMechanisms: []string{"SIMPLE"},
	})

	if err := s.auths.Register(authn.Anonymous{}); err != nil {
		return nil, err
	}
	if err := s.auths.Register(authn.NewSimple(s.LookupBypassed)); err != nil {
		return nil, err
	}

	policy := &authz.DefaultPolicy{
		AdminDN:    s.adminDN,
		AdminGroup: mustNormalize(reg, "cn=administrators,ou=groups,ou=system"),
		Users:      mustNormalize(reg, "ou=users,ou=system"),
		Groups:     mustNormalize(reg, "ou=groups,ou=system"),
		GroupCache: s.groups,
	}

	s.subentries = interceptor.NewSubentry(reg)

	s.chain = interceptor.NewChain(
		interceptor.NewNormalization(reg),
		interceptor.NewAuthentication(s.auths),
		interceptor.NewReferral(s.refs),
		interceptor.NewACI(opts.AccessControlEnabled, reg, s.tuples, s.groups, s.adminDN, s.LookupBypassed),
		interceptor.NewDefaultAuthz(!opts.AccessControlEnabled, policy),
		interceptor.NewSchemaCheck(reg),
		s.subentries,
		interceptor.NewOperational(reg, interceptor.NewCSNGenerator(), opts.DenormalizeOpAttrs),
		interceptor.NewEvent(s.events),
		interceptor.NewTrigger(s.triggers),
		interceptor.NewException(),
		interceptor.NewNexusStage(s.nx, reg),
	)

	systemSuffix, err := dn.MustParse("ou=system").Normalize(reg)
	if err != nil {
		return nil, err
	}

	var system partition.Partition
	if opts.PartitionPath != "" {
		system = partition.NewBolt("system", systemSuffix, reg, opts.PartitionPath)
	} else {
		system = partition.NewMemory("system", systemSuffix, reg)
	}

	if err := s.nx.AddPartition(system); err != nil {
		return nil, err
	}

	s.started.Store(true)

	if err := s.seedSystemPartition(); err != nil {
		return nil, fmt.Errorf("seeding system partition: %w", err)
	}
	if err := s.seedCaches(); err != nil {
		return nil, fmt.Errorf("seeding caches: %w", err)
	}

	s.events.Subscribe(s.maintainCaches)

	log.Info().
		Str("instance", opts.InstanceID).
		Bool("access_control", opts.AccessControlEnabled).
		Strs("naming_contexts", s.nx.NamingContexts()).
		Msg("directory service started")

	return s, nil
}

func mustNormalize(reg *schema.Registries, raw string) *dn.DN {
	norm, err := dn.MustParse(raw).Normalize(reg)
	if err != nil {
		panic(err)
	}

	return norm
}

// Shutdown syncs and detaches every partition. Operations afterwards fail
// with unavailable.
func (s *Service) Shutdown() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	if err := s.nx.Sync(); err != nil {
		log.Error().Err(err).Msg("sync on shutdown failed")
	}

	return s.nx.Shutdown()
}

// Registries exposes the schema registries.
func (s *Service) Registries() *schema.Registries { return s.reg }

// Nexus exposes the partition routing layer.
func (s *Service) Nexus() *nexus.Nexus { return s.nx }

// ReferralManager exposes the referral cache.
func (s *Service) ReferralManager() *referral.Manager { return s.refs }

// GroupCache exposes the group membership cache.
func (s *Service) GroupCache() *authz.GroupCache { return s.groups }

// TupleCache exposes the ACI tuple cache.
func (s *Service) TupleCache() *authz.TupleCache { return s.tuples }

// Authenticators exposes the authenticator registry for SASL plug-ins.
func (s *Service) Authenticators() *authn.Registry { return s.auths }

// Triggers exposes the trigger registry.
func (s *Service) Triggers() *interceptor.TriggerRegistry { return s.triggers }

// SubscribeEvents registers a change-notification listener.
func (s *Service) SubscribeEvents(l interceptor.Listener) {
	s.events.Subscribe(l)
}

// Metrics exposes the service counters.
func (s *Service) Metrics() *Metrics { return s.metrics }

// NewSession creates an unauthenticated client session.
func (s *Service) NewSession() *opctx.Session {
	return opctx.NewSession()
}

// AdminSession returns the administrative session used for internal and
// embedded administrative operations.
func (s *Service) AdminSession() *opctx.Session {
	return s.adminSession
}

// LookupBypassed reads an entry with authorization and projection bypassed,
// in its own read-only transaction. The authenticators and the ACI stage
// use it so their reads never recurse through the chain stages that
// consulted them.
func (s *Service) LookupBypassed(target *dn.DN) (*entry.Entry, error) {
	norm, err := target.Normalize(s.reg)
	if err != nil {
		return nil, err
	}

	t := s.txm.Begin(true)
	defer func() {
		_ = t.Commit()
	}()

	ctx := &opctx.LookupContext{
		Context: opctx.Context{
			Session: s.adminSession,
			DN:      norm,
			Bypass:  internalBypass(),
			Txn:     t,
		},
		Attrs: []string{"*", "+"},
	}

	return s.chain.Lookup(ctx)
}

// maintainCaches keeps the group and tuple caches synchronized with
// committed changes; it runs on the committing goroutine in commit order.
func (s *Service) maintainCaches(ev interceptor.ChangeEvent) {
	switch ev.Type {
	case interceptor.EntryAdded:
		if ev.Entry != nil {
			s.groups.Update(ev.Entry)
			s.tuples.Update(ev.Entry)
		}
	case interceptor.EntryDeleted:
		s.groups.Remove(ev.DN)
		s.tuples.Remove(ev.DN)
	case interceptor.EntryModified:
		s.groups.ApplyMods(ev.DN, ev.Mods)
		if updated, err := s.LookupBypassed(ev.DN); err == nil {
			s.groups.Update(updated)
			s.tuples.Update(updated)
		}
	case interceptor.EntryRenamed, interceptor.EntryMoved:
		s.groups.Rename(ev.DN, ev.NewDN)
		s.tuples.Remove(ev.DN)
		if updated, err := s.LookupBypassed(ev.NewDN); err == nil {
			s.tuples.Update(updated)
		}
	}
}

// checkStarted guards every public operation.
func (s *Service) checkStarted() error {
	if !s.started.Load() {
		return ldaperr.Unavailable()
	}

	return nil
}
