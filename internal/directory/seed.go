package directory

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/cursor"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/filter"
	"github.com/netresearch/directoryd/internal/interceptor"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/password"
)

// seedBypass skips authorization, schema validation, and notification
// stages for the bootstrap writes. Operational attributes stay active so
// seeded entries carry creatorsName and friends like any other entry.
func seedBypass() map[string]bool {
	return map[string]bool{
		interceptor.NameACI:          true,
		interceptor.NameDefaultAuthz: true,
		interceptor.NameSchema:       true,
		interceptor.NameEvent:        true,
		interceptor.NameTrigger:      true,
	}
}

type seedEntry struct {
	dn    string
	attrs map[string][]string
}

// seedSystemPartition creates the well-known ou=system tree: the admin
// account, the users/groups/configuration containers, and the preferences
// root. Entries already present (a reloaded persistent partition) are left
// alone.
func (s *Service) seedSystemPartition() error {
	seeds := []seedEntry{
		{
			dn: "ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"system"},
			},
		},
		{
			dn: "uid=admin,ou=system",
			attrs: map[string][]string{
				"objectClass":  {"top", "person", "organizationalPerson", "inetOrgPerson"},
				"uid":          {"admin"},
				"cn":           {"system administrator"},
				"sn":           {"administrator"},
				"displayName":  {"Directory Superuser"},
				"userPassword": {password.HashSSHA([]byte(s.opts.AdminPassword))},
			},
		},
		{
			dn: "ou=users,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"users"},
			},
		},
		{
			dn: "ou=groups,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"groups"},
			},
		},
		{
			dn: "cn=administrators,ou=groups,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "groupOfNames"},
				"cn":          {"administrators"},
				"member":      {s.opts.AdminDN},
			},
		},
		{
			dn: "ou=configuration,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"configuration"},
			},
		},
		{
			dn: "ou=partitions,ou=configuration,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"partitions"},
			},
		},
		{
			dn: "ou=services,ou=configuration,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"services"},
			},
		},
		{
			dn: "ou=interceptors,ou=configuration,ou=system",
			attrs: map[string][]string{
				"objectClass": {"top", "organizationalUnit"},
				"ou":          {"interceptors"},
			},
		},
		{
			dn: "prefNodeName=sysPrefRoot,ou=system",
			attrs: map[string][]string{
				"objectClass":  {"top", "organizationalUnit", "extensibleObject"},
				"prefNodeName": {"sysPrefRoot"},
			},
		},
	}

	created := 0
	for _, seed := range seeds {
		exists, err := s.hasEntryBypassed(seed.dn)
		if err != nil {
			return fmt.Errorf("checking seed %q: %w", seed.dn, err)
		}
		if exists {
			continue
		}

		if err := s.addSeed(seed); err != nil {
			return fmt.Errorf("seeding %q: %w", seed.dn, err)
		}
		created++
	}

	if created > 0 {
		log.Info().Int("entries", created).Msg("system partition seeded")
	}

	return nil
}

func (s *Service) hasEntryBypassed(target string) (bool, error) {
	norm, err := s.normalize(target)
	if err != nil {
		return false, err
	}

	t := s.txm.Begin(true)
	defer func() { _ = t.Commit() }()

	ctx := &opctx.HasEntryContext{
		Context: opctx.Context{
			Session: s.adminSession,
			DN:      norm,
			Bypass:  internalBypass(),
			Txn:     t,
		},
	}

	return s.chain.HasEntry(ctx)
}

func (s *Service) addSeed(seed seedEntry) error {
	norm, err := s.normalize(seed.dn)
	if err != nil {
		return err
	}

	e, err := s.buildEntry(norm, seed.attrs)
	if err != nil {
		return err
	}

	ctx := &opctx.AddContext{
		Context: opctx.Context{
			Session: s.adminSession,
			DN:      norm,
			Bypass:  seedBypass(),
		},
		Entry: e,
	}

	return s.runWrite(&ctx.Context, ctx, func() error { return s.chain.Add(ctx) })
}

// seedCaches runs the bypassed startup scans: groups into the GroupCache,
// access control subentries into the TupleCache, and collective attribute
// subentries into the subentry stage.
func (s *Service) seedCaches() error {
	groupFilter, err := filter.Parse("(|(objectClass=groupOfNames)(objectClass=groupOfUniqueNames))")
	if err != nil {
		return err
	}
	aciFilter, err := filter.Parse("(objectClass=accessControlSubentry)")
	if err != nil {
		return err
	}
	collectiveFilter, err := filter.Parse("(objectClass=collectiveAttributeSubentry)")
	if err != nil {
		return err
	}

	for _, p := range s.nx.Partitions() {
		entries, err := s.scanPartition(p.Suffix().User(), groupFilter)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.groups.Update(e)
		}

		if entries, err = s.scanPartition(p.Suffix().User(), aciFilter); err != nil {
			return err
		}
		for _, e := range entries {
			s.tuples.Update(e)
		}

		if entries, err = s.scanPartition(p.Suffix().User(), collectiveFilter); err != nil {
			return err
		}
		for _, e := range entries {
			s.subentries.Track(e)
		}
	}

	log.Debug().
		Int("groups", s.groups.Count()).
		Int("aci_subentries", s.tuples.Count()).
		Msg("authorization caches seeded")

	return nil
}

// scanPartition runs one bypassed subtree search over a partition and
// drains it.
func (s *Service) scanPartition(base string, f filter.Node) ([]*entry.Entry, error) {
	norm, err := s.normalize(base)
	if err != nil {
		return nil, err
	}

	t := s.txm.Begin(true)

	ctx := &opctx.SearchContext{
		Context: opctx.Context{
			Session: s.adminSession,
			DN:      norm,
			Bypass:  internalBypass(),
			Txn:     t,
		},
		Scope:  opctx.ScopeSubtree,
		Deref:  opctx.NeverDeref,
		Filter: f,
	}

	cur, err := s.chain.Search(ctx)
	if err != nil {
		_ = t.Commit()

		return nil, err
	}

	entries, err := cursor.Drain(cur)
	_ = t.Commit()

	return entries, err
}
