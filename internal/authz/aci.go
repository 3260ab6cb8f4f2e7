// Package authz implements Basic Access Control: the group and ACI-tuple
// caches, the ACDF decision engine, and the coarse default policy used
// when prescriptive access control is disabled.
package authz

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/opctx"
	"github.com/netresearch/directoryd/internal/schema"
)

// Permission is a micro-operation an ACI tuple can grant or deny.
type Permission int

const (
	PermAdd Permission = iota
	PermRemove
	PermModify
	PermRead
	PermBrowse
	PermRename
	PermExport
	PermImport
	PermCompare
	PermReturnDN
)

var permNames = map[string]Permission{
	"add":      PermAdd,
	"remove":   PermRemove,
	"modify":   PermModify,
	"read":     PermRead,
	"browse":   PermBrowse,
	"rename":   PermRename,
	"export":   PermExport,
	"import":   PermImport,
	"compare":  PermCompare,
	"returndn": PermReturnDN,
}

func (p Permission) String() string {
	for name, perm := range permNames {
		if perm == p {
			return name
		}
	}

	return "unknown"
}

// UserClassKind classifies who a tuple applies to.
type UserClassKind int

const (
	UCAllUsers UserClassKind = iota
	UCThisEntry
	UCName
	UCUserGroup
	UCSubtree
)

// UserClass is one subject selector of a tuple.
type UserClass struct {
	Kind UserClassKind
	DNs  []*dn.DN // for name, userGroup, subtree
}

// ProtectedItemKind classifies what part of an entry a tuple covers.
type ProtectedItemKind int

const (
	PIEntry ProtectedItemKind = iota
	PIAllUserAttributeTypes
	PIAllUserAttributeTypesAndValues
	PIAttributeType
	PIAttributeValue
)

// specificity ranks protected items for precedence tie-breaking: the more
// specific item wins.
func (k ProtectedItemKind) specificity() int {
	switch k {
	case PIAttributeValue:
		return 4
	case PIAttributeType:
		return 3
	case PIAllUserAttributeTypesAndValues:
		return 2
	case PIAllUserAttributeTypes:
		return 1
	}

	return 0
}

// AttrValue is an attribute-type/value pair inside an attributeValue
// protected item.
type AttrValue struct {
	OID  string
	Norm string
}

// ProtectedItem is one coverage selector of a tuple.
type ProtectedItem struct {
	Kind   ProtectedItemKind
	Attrs  []string // attribute type OIDs, for attributeType
	Values []AttrValue
}

// Tuple is one derived access-control rule: who (userClasses), what
// (protectedItems), at which strength (AuthLevel), with which outcome
// (grants/denials), ranked by precedence.
type Tuple struct {
	ID         string
	Precedence int
	AuthLevel  opctx.AuthLevel

	UserClasses    []UserClass
	ProtectedItems []ProtectedItem

	Grants  map[Permission]bool
	Denials map[Permission]bool
}

// ParseACI parses one prescriptiveACI / entryACI / subentryACI value into
// tuples, one per userPermissions element. The grammar is the braced
// item/user form:
//
//	{ identificationTag "allUsersRead", precedence 10,
//	  authenticationLevel none, itemOrUserFirst userFirst: {
//	    userClasses { allUsers },
//	    userPermissions { { protectedItems { entry },
//	                        grantsAndDenials { grantRead, grantBrowse, grantReturnDN } } } } }
func ParseACI(value string, reg *schema.Registries) ([]*Tuple, error) {
	p := &aciParser{lex: newLexer(value), reg: reg}

	return p.parse()
}

type aciParser struct {
	lex *lexer
	reg *schema.Registries
}

func (p *aciParser) parse() ([]*Tuple, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	base := &Tuple{AuthLevel: opctx.AuthNone}

	var userClasses []UserClass
	var perms []userPermission

	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(tok) {
		case "identificationtag":
			if base.ID, err = p.lex.quoted(); err != nil {
				return nil, err
			}
		case "precedence":
			raw, err := p.lex.next()
			if err != nil {
				return nil, err
			}
			if base.Precedence, err = strconv.Atoi(raw); err != nil {
				return nil, fmt.Errorf("aci precedence: %w", err)
			}
		case "authenticationlevel":
			raw, err := p.lex.next()
			if err != nil {
				return nil, err
			}
			if base.AuthLevel, err = parseAuthLevel(raw); err != nil {
				return nil, err
			}
		case "itemoruserfirst":
			if userClasses, perms, err = p.parseUserFirst(); err != nil {
				return nil, err
			}
		case ",":
			continue
		case "}":
			return p.assemble(base, userClasses, perms)
		default:
			return nil, fmt.Errorf("aci: unexpected token %q", tok)
		}
	}
}

func (p *aciParser) assemble(base *Tuple, ucs []UserClass, perms []userPermission) ([]*Tuple, error) {
	if len(ucs) == 0 {
		return nil, fmt.Errorf("aci %q: no userClasses", base.ID)
	}

	out := make([]*Tuple, 0, len(perms))
	for _, perm := range perms {
		t := &Tuple{
			ID:             base.ID,
			Precedence:     base.Precedence,
			AuthLevel:      base.AuthLevel,
			UserClasses:    ucs,
			ProtectedItems: perm.items,
			Grants:         perm.grants,
			Denials:        perm.denials,
		}
		if perm.precedence != nil {
			t.Precedence = *perm.precedence
		}
		out = append(out, t)
	}

	return out, nil
}

type userPermission struct {
	precedence *int
	items      []ProtectedItem
	grants     map[Permission]bool
	denials    map[Permission]bool
}

func (p *aciParser) parseUserFirst() ([]UserClass, []userPermission, error) {
	kind, err := p.lex.next()
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(kind, "userFirst") {
		return nil, nil, fmt.Errorf("aci: only userFirst items are supported, got %q", kind)
	}

	if err := p.lex.expect(":"); err != nil {
		return nil, nil, err
	}
	if err := p.lex.expect("{"); err != nil {
		return nil, nil, err
	}

	var ucs []UserClass
	var perms []userPermission

	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, nil, err
		}

		switch strings.ToLower(tok) {
		case "userclasses":
			if ucs, err = p.parseUserClasses(); err != nil {
				return nil, nil, err
			}
		case "userpermissions":
			if perms, err = p.parseUserPermissions(); err != nil {
				return nil, nil, err
			}
		case ",":
			continue
		case "}":
			return ucs, perms, nil
		default:
			return nil, nil, fmt.Errorf("aci: unexpected token %q in userFirst", tok)
		}
	}
}

func (p *aciParser) parseUserClasses() ([]UserClass, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	var out []UserClass
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(tok) {
		case "allusers":
			out = append(out, UserClass{Kind: UCAllUsers})
		case "thisentry":
			out = append(out, UserClass{Kind: UCThisEntry})
		case "name":
			dns, err := p.parseDNSet(false)
			if err != nil {
				return nil, err
			}
			out = append(out, UserClass{Kind: UCName, DNs: dns})
		case "usergroup":
			dns, err := p.parseDNSet(false)
			if err != nil {
				return nil, err
			}
			out = append(out, UserClass{Kind: UCUserGroup, DNs: dns})
		case "subtree":
			dns, err := p.parseDNSet(true)
			if err != nil {
				return nil, err
			}
			out = append(out, UserClass{Kind: UCSubtree, DNs: dns})
		case ",":
			continue
		case "}":
			return out, nil
		default:
			return nil, fmt.Errorf("aci: unknown user class %q", tok)
		}
	}
}

// parseDNSet reads { "dn", "dn" } or, for subtrees, { { base "dn" } }.
func (p *aciParser) parseDNSet(subtree bool) ([]*dn.DN, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	var out []*dn.DN
	for {
		tok, err := p.lex.peek()
		if err != nil {
			return nil, err
		}

		switch tok {
		case "}":
			_, _ = p.lex.next()

			return out, nil
		case ",":
			_, _ = p.lex.next()
		case "{":
			if !subtree {
				return nil, fmt.Errorf("aci: unexpected nested braces in DN set")
			}
			_, _ = p.lex.next()
			if err := p.lex.expectWord("base"); err != nil {
				return nil, err
			}
			d, err := p.parseQuotedDN()
			if err != nil {
				return nil, err
			}
			if err := p.lex.expect("}"); err != nil {
				return nil, err
			}
			out = append(out, d)
		default:
			d, err := p.parseQuotedDN()
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
}

func (p *aciParser) parseQuotedDN() (*dn.DN, error) {
	raw, err := p.lex.quoted()
	if err != nil {
		return nil, err
	}

	parsed, err := dn.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aci DN %q: %w", raw, err)
	}

	norm, err := parsed.Normalize(p.reg)
	if err != nil {
		return nil, fmt.Errorf("aci DN %q: %w", raw, err)
	}

	return norm, nil
}

func (p *aciParser) parseUserPermissions() ([]userPermission, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	var out []userPermission
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch tok {
		case "{":
			perm, err := p.parseOnePermission()
			if err != nil {
				return nil, err
			}
			out = append(out, perm)
		case ",":
			continue
		case "}":
			return out, nil
		default:
			return nil, fmt.Errorf("aci: unexpected token %q in userPermissions", tok)
		}
	}
}

func (p *aciParser) parseOnePermission() (userPermission, error) {
	perm := userPermission{
		grants:  make(map[Permission]bool),
		denials: make(map[Permission]bool),
	}

	for {
		tok, err := p.lex.next()
		if err != nil {
			return perm, err
		}

		switch strings.ToLower(tok) {
		case "precedence":
			raw, err := p.lex.next()
			if err != nil {
				return perm, err
			}
			v, err := strconv.Atoi(raw)
			if err != nil {
				return perm, fmt.Errorf("aci permission precedence: %w", err)
			}
			perm.precedence = &v
		case "protecteditems":
			if perm.items, err = p.parseProtectedItems(); err != nil {
				return perm, err
			}
		case "grantsanddenials":
			if err = p.parseGrants(&perm); err != nil {
				return perm, err
			}
		case ",":
			continue
		case "}":
			return perm, nil
		default:
			return perm, fmt.Errorf("aci: unexpected token %q in permission", tok)
		}
	}
}

func (p *aciParser) parseProtectedItems() ([]ProtectedItem, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	var out []ProtectedItem
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(tok) {
		case "entry":
			out = append(out, ProtectedItem{Kind: PIEntry})
		case "alluserattributetypes":
			out = append(out, ProtectedItem{Kind: PIAllUserAttributeTypes})
		case "alluserattributetypesandvalues":
			out = append(out, ProtectedItem{Kind: PIAllUserAttributeTypesAndValues})
		case "attributetype":
			attrs, err := p.parseAttrSet()
			if err != nil {
				return nil, err
			}
			out = append(out, ProtectedItem{Kind: PIAttributeType, Attrs: attrs})
		case "attributevalue":
			values, err := p.parseAttrValueSet()
			if err != nil {
				return nil, err
			}
			out = append(out, ProtectedItem{Kind: PIAttributeValue, Values: values})
		case ",":
			continue
		case "}":
			return out, nil
		default:
			return nil, fmt.Errorf("aci: unknown protected item %q", tok)
		}
	}
}

func (p *aciParser) parseAttrSet() ([]string, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	var out []string
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch tok {
		case ",":
			continue
		case "}":
			return out, nil
		default:
			at, err := p.reg.AttributeType(tok)
			if err != nil {
				return nil, fmt.Errorf("aci protected attribute: %w", err)
			}
			out = append(out, at.OID)
		}
	}
}

func (p *aciParser) parseAttrValueSet() ([]AttrValue, error) {
	if err := p.lex.expect("{"); err != nil {
		return nil, err
	}

	var out []AttrValue
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch tok {
		case ",":
			continue
		case "}":
			return out, nil
		default:
			if err := p.lex.expect("="); err != nil {
				return nil, err
			}
			raw, err := p.lex.next()
			if err != nil {
				return nil, err
			}

			at, err := p.reg.AttributeType(tok)
			if err != nil {
				return nil, fmt.Errorf("aci protected value: %w", err)
			}
			norm, err := p.reg.NormalizeValue(at, raw)
			if err != nil {
				return nil, fmt.Errorf("aci protected value %s=%s: %w", tok, raw, err)
			}

			out = append(out, AttrValue{OID: at.OID, Norm: norm})
		}
	}
}

func (p *aciParser) parseGrants(perm *userPermission) error {
	if err := p.lex.expect("{"); err != nil {
		return err
	}

	for {
		tok, err := p.lex.next()
		if err != nil {
			return err
		}

		switch {
		case tok == ",":
			continue
		case tok == "}":
			return nil
		default:
			lower := strings.ToLower(tok)
			switch {
			case strings.HasPrefix(lower, "grant"):
				mp, ok := permNames[lower[len("grant"):]]
				if !ok {
					return fmt.Errorf("aci: unknown grant %q", tok)
				}
				perm.grants[mp] = true
			case strings.HasPrefix(lower, "deny"):
				mp, ok := permNames[lower[len("deny"):]]
				if !ok {
					return fmt.Errorf("aci: unknown denial %q", tok)
				}
				perm.denials[mp] = true
			default:
				return fmt.Errorf("aci: unexpected token %q in grantsAndDenials", tok)
			}
		}
	}
}

func parseAuthLevel(raw string) (opctx.AuthLevel, error) {
	switch strings.ToLower(raw) {
	case "none":
		return opctx.AuthNone, nil
	case "simple":
		return opctx.AuthSimple, nil
	case "strong":
		return opctx.AuthStrong, nil
	}

	return opctx.AuthNone, fmt.Errorf("aci: unknown authentication level %q", raw)
}
