package interceptor

import (
	ldap "github.com/go-ldap/ldap/v3"

	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// SchemaCheck validates entries against the schema: object class
// requirements, attribute usage, single-value constraints, and the special
// rule that prescriptiveACI may only appear on access control subentries.
type SchemaCheck struct {
	Base

	reg *schema.Registries
}

// NewSchemaCheck creates the schema validation stage.
func NewSchemaCheck(reg *schema.Registries) *SchemaCheck {
	return &SchemaCheck{reg: reg}
}

func (*SchemaCheck) Name() string { return NameSchema }

func (s *SchemaCheck) Add(c *Chain, ctx *opctx.AddContext) error {
	if err := s.validate(ctx.Entry); err != nil {
		return err
	}

	return c.Add(ctx)
}

func (s *SchemaCheck) Modify(c *Chain, ctx *opctx.ModifyContext) error {
	for _, m := range ctx.Mods {
		if m.Attr.Type.NoUserMod {
			return ldaperr.New(ldap.LDAPResultConstraintViolation,
				"attribute %q is not user modifiable", m.Attr.ID)
		}
	}

	if ctx.OriginalEntry != nil {
		projected := ctx.OriginalEntry.Clone()
		if err := entry.Apply(projected, cloneModsForCheck(ctx.Mods)); err != nil {
			return err
		}
		if err := s.validate(projected); err != nil {
			return err
		}
	}

	return c.Modify(ctx)
}

func cloneModsForCheck(mods []entry.Modification) []entry.Modification {
	out := make([]entry.Modification, len(mods))
	for i, m := range mods {
		out[i] = entry.Modification{Op: m.Op, Attr: m.Attr.Clone()}
	}

	return out
}

// validate enforces the object-class and attribute-usage invariants on a
// prospective entry state.
func (s *SchemaCheck) validate(e *entry.Entry) error {
	ocAttr := e.Get(schema.OIDObjectClass)
	if ocAttr == nil || len(ocAttr.Values) == 0 {
		return ldaperr.ObjectClassViolation("entry %q has no objectClass", e.DN().User())
	}

	var (
		classes       []*schema.ObjectClass
		hasStructural bool
		extensible    bool
	)

	for _, v := range ocAttr.Values {
		oc, err := s.reg.ObjectClass(v.User)
		if err != nil {
			return ldaperr.ObjectClassViolation("unknown object class %q", v.User)
		}

		for _, resolved := range s.reg.SuperChain(oc) {
			classes = append(classes, resolved)
			if resolved.Kind == schema.Structural {
				hasStructural = true
			}
			if resolved.Name() == "extensibleObject" {
				extensible = true
			}
		}
	}

	if !hasStructural {
		return ldaperr.ObjectClassViolation("entry %q has no structural object class", e.DN().User())
	}

	must := map[string]bool{}
	allowed := map[string]bool{}
	for _, oc := range classes {
		for _, name := range oc.Must {
			at, err := s.reg.AttributeType(name)
			if err != nil {
				return ldaperr.UndefinedAttributeType(name)
			}
			must[at.OID] = true
			allowed[at.OID] = true
		}
		for _, name := range oc.May {
			at, err := s.reg.AttributeType(name)
			if err != nil {
				return ldaperr.UndefinedAttributeType(name)
			}
			allowed[at.OID] = true
		}
	}

	for oid := range must {
		if !e.Has(oid) {
			at, _ := s.reg.AttributeType(oid)

			return ldaperr.ObjectClassViolation("entry %q is missing required attribute %q", e.DN().User(), at.Name())
		}
	}

	for _, attr := range e.Attributes() {
		if attr.Type.SingleValue && len(attr.Values) > 1 {
			return ldaperr.New(ldap.LDAPResultConstraintViolation,
				"attribute %q is single valued", attr.ID)
		}

		if attr.Type.OID == schema.OIDPrescriptiveACI && !e.HasObjectClass("accessControlSubentry") {
			return ldaperr.ObjectClassViolation(
				"prescriptiveACI is only permitted on access control subentries")
		}

		if attr.Type.Operational() || attr.Type.Collective {
			continue
		}

		if !allowed[attr.Type.OID] && !extensible {
			return ldaperr.ObjectClassViolation(
				"attribute %q is not permitted by the object classes of %q", attr.ID, e.DN().User())
		}
	}

	return nil
}
