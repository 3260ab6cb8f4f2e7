package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Matching rule OIDs referenced across the core.
const (
	MROIDCaseIgnoreMatch           = "2.5.13.2"
	MROIDCaseIgnoreOrderingMatch   = "2.5.13.3"
	MROIDCaseIgnoreSubstringsMatch = "2.5.13.4"
	MROIDCaseExactMatch            = "2.5.13.5"
	MROIDCaseExactSubstringsMatch  = "2.5.13.7"
	MROIDDistinguishedNameMatch    = "2.5.13.1"
	MROIDIntegerMatch              = "2.5.13.14"
	MROIDIntegerOrderingMatch      = "2.5.13.15"
	MROIDOctetStringMatch          = "2.5.13.17"
	MROIDBooleanMatch              = "2.5.13.13"
	MROIDObjectIdentifierMatch     = "2.5.13.0"
	MROIDGeneralizedTimeMatch      = "2.5.13.27"
	MROIDGeneralizedTimeOrdering   = "2.5.13.28"
	MROIDUniqueMemberMatch         = "2.5.13.23"
	MROIDNumericStringMatch        = "2.5.13.8"
	MROIDCaseIgnoreIA5Match        = "1.3.6.1.4.1.1466.109.114.2"
	MROIDCaseIgnoreIA5Substrings   = "1.3.6.1.4.1.1466.109.114.3"
)

// Syntax OIDs referenced across the core.
const (
	SyntaxDirectoryString   = "1.3.6.1.4.1.1466.115.121.1.15"
	SyntaxDN                = "1.3.6.1.4.1.1466.115.121.1.12"
	SyntaxInteger           = "1.3.6.1.4.1.1466.115.121.1.27"
	SyntaxOctetString       = "1.3.6.1.4.1.1466.115.121.1.40"
	SyntaxBoolean           = "1.3.6.1.4.1.1466.115.121.1.7"
	SyntaxOID               = "1.3.6.1.4.1.1466.115.121.1.38"
	SyntaxIA5String         = "1.3.6.1.4.1.1466.115.121.1.26"
	SyntaxGeneralizedTime   = "1.3.6.1.4.1.1466.115.121.1.24"
	SyntaxNameAndOptUID     = "1.3.6.1.4.1.1466.115.121.1.34"
	SyntaxNumericString     = "1.3.6.1.4.1.1466.115.121.1.36"
	SyntaxSubtreeSpec       = "1.3.6.1.4.1.1466.115.121.1.45"
	SyntaxACIItem           = "1.3.6.1.4.1.1466.115.121.1.1"
	SyntaxTriggerSpec       = "1.3.6.1.4.1.18060.0.4.1.0.1"
)

// Attribute type OIDs the core needs by identity rather than by name.
const (
	OIDObjectClass       = "2.5.4.0"
	OIDCN                = "2.5.4.3"
	OIDOU                = "2.5.4.11"
	OIDUID               = "0.9.2342.19200300.100.1.1"
	OIDRef               = "2.16.840.1.113730.3.1.34"
	OIDMember            = "2.5.4.31"
	OIDUniqueMember      = "2.5.4.50"
	OIDUserPassword      = "2.5.4.35"
	OIDAliasedObjectName = "2.5.4.1"

	OIDCreatorsName      = "2.5.18.3"
	OIDCreateTimestamp   = "2.5.18.1"
	OIDModifiersName     = "2.5.18.4"
	OIDModifyTimestamp   = "2.5.18.2"
	OIDSubtreeSpec       = "2.5.18.6"
	OIDAdministrativeRole = "2.5.18.5"
	OIDSubschemaSubentry = "2.5.18.10"
	OIDEntryUUID         = "1.3.6.1.1.16.4"
	OIDEntryCSN          = "1.3.6.1.4.1.4203.666.1.7"

	OIDPrescriptiveACI          = "1.3.6.1.4.1.18060.0.4.1.2.25"
	OIDEntryACI                 = "1.3.6.1.4.1.18060.0.4.1.2.26"
	OIDSubentryACI              = "1.3.6.1.4.1.18060.0.4.1.2.27"
	OIDAccessControlSubentries  = "1.3.6.1.4.1.18060.0.4.1.2.11"
	OIDCollectiveAttrSubentries = "2.5.18.12"
	OIDCollectiveExclusions     = "2.5.18.7"
	OIDTriggerExecutionSubentries = "1.3.6.1.4.1.18060.0.4.1.2.50"
	OIDPrescriptiveTriggerSpec  = "1.3.6.1.4.1.18060.0.4.1.2.51"
)

// normalizeCaseIgnore trims, collapses internal runs of whitespace, and
// lower-cases.
func normalizeCaseIgnore(v string) (string, error) {
	return strings.ToLower(strings.Join(strings.Fields(v), " ")), nil
}

// normalizeCaseExact trims and collapses whitespace but preserves case.
func normalizeCaseExact(v string) (string, error) {
	return strings.Join(strings.Fields(v), " "), nil
}

func normalizeInteger(v string) (string, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return "", fmt.Errorf("not an integer: %q", v)
	}

	return strconv.FormatInt(n, 10), nil
}

func normalizeBoolean(v string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "TRUE":
		return "TRUE", nil
	case "FALSE":
		return "FALSE", nil
	}

	return "", fmt.Errorf("not a boolean: %q", v)
}

func normalizeOID(v string) (string, error) {
	return strings.ToLower(strings.TrimSpace(v)), nil
}

func normalizeOctetString(v string) (string, error) {
	return v, nil
}

func normalizeGeneralizedTime(v string) (string, error) {
	t, err := time.Parse("20060102150405Z", strings.TrimSpace(v))
	if err != nil {
		return "", fmt.Errorf("not a generalized time: %q", v)
	}

	return t.UTC().Format("20060102150405Z"), nil
}

func normalizeNumericString(v string) (string, error) {
	return strings.Map(func(r rune) rune {
		if r == ' ' {
			return -1
		}
		return r
	}, v), nil
}

func validateInteger(v string) error {
	_, err := normalizeInteger(v)

	return err
}

func validateBoolean(v string) error {
	_, err := normalizeBoolean(v)

	return err
}

func validateGeneralizedTime(v string) error {
	_, err := normalizeGeneralizedTime(v)

	return err
}

func validateDirectoryString(v string) error {
	if v == "" {
		return fmt.Errorf("directory strings must not be empty")
	}

	return nil
}

// Bootstrap returns registries loaded with the core schema: the matching
// rules, syntaxes, attribute types, and object classes the server cannot
// operate without. Distinguished-name valued rules start with a case-ignore
// normalizer; the directory service swaps in the schema-aware DN normalizer
// via SetDNNormalizer once the registries exist.
func Bootstrap() *Registries {
	r := NewRegistries()

	for _, s := range []*Syntax{
		{OID: SyntaxDirectoryString, Name: "Directory String", Validate: validateDirectoryString},
		{OID: SyntaxDN, Name: "DN"},
		{OID: SyntaxInteger, Name: "INTEGER", Validate: validateInteger},
		{OID: SyntaxOctetString, Name: "Octet String"},
		{OID: SyntaxBoolean, Name: "Boolean", Validate: validateBoolean},
		{OID: SyntaxOID, Name: "OID"},
		{OID: SyntaxIA5String, Name: "IA5 String"},
		{OID: SyntaxGeneralizedTime, Name: "Generalized Time", Validate: validateGeneralizedTime},
		{OID: SyntaxNameAndOptUID, Name: "Name And Optional UID"},
		{OID: SyntaxNumericString, Name: "Numeric String"},
		{OID: SyntaxSubtreeSpec, Name: "SubtreeSpecification"},
		{OID: SyntaxACIItem, Name: "ACI Item"},
		{OID: SyntaxTriggerSpec, Name: "Trigger Specification"},
	} {
		r.RegisterSyntax(s)
	}

	for _, mr := range []*MatchingRule{
		{OID: MROIDCaseIgnoreMatch, Names: []string{"caseIgnoreMatch"}, Syntax: SyntaxDirectoryString, Normalize: normalizeCaseIgnore},
		{OID: MROIDCaseIgnoreOrderingMatch, Names: []string{"caseIgnoreOrderingMatch"}, Syntax: SyntaxDirectoryString, Normalize: normalizeCaseIgnore},
		{OID: MROIDCaseIgnoreSubstringsMatch, Names: []string{"caseIgnoreSubstringsMatch"}, Syntax: SyntaxDirectoryString, Normalize: normalizeCaseIgnore},
		{OID: MROIDCaseExactMatch, Names: []string{"caseExactMatch"}, Syntax: SyntaxDirectoryString, Normalize: normalizeCaseExact},
		{OID: MROIDCaseExactSubstringsMatch, Names: []string{"caseExactSubstringsMatch"}, Syntax: SyntaxDirectoryString, Normalize: normalizeCaseExact},
		{OID: MROIDDistinguishedNameMatch, Names: []string{"distinguishedNameMatch"}, Syntax: SyntaxDN, Normalize: normalizeCaseIgnore},
		{OID: MROIDIntegerMatch, Names: []string{"integerMatch"}, Syntax: SyntaxInteger, Normalize: normalizeInteger},
		{OID: MROIDIntegerOrderingMatch, Names: []string{"integerOrderingMatch"}, Syntax: SyntaxInteger, Normalize: normalizeInteger},
		{OID: MROIDOctetStringMatch, Names: []string{"octetStringMatch"}, Syntax: SyntaxOctetString, Normalize: normalizeOctetString},
		{OID: MROIDBooleanMatch, Names: []string{"booleanMatch"}, Syntax: SyntaxBoolean, Normalize: normalizeBoolean},
		{OID: MROIDObjectIdentifierMatch, Names: []string{"objectIdentifierMatch"}, Syntax: SyntaxOID, Normalize: normalizeOID},
		{OID: MROIDGeneralizedTimeMatch, Names: []string{"generalizedTimeMatch"}, Syntax: SyntaxGeneralizedTime, Normalize: normalizeGeneralizedTime},
		{OID: MROIDGeneralizedTimeOrdering, Names: []string{"generalizedTimeOrderingMatch"}, Syntax: SyntaxGeneralizedTime, Normalize: normalizeGeneralizedTime},
		{OID: MROIDUniqueMemberMatch, Names: []string{"uniqueMemberMatch"}, Syntax: SyntaxNameAndOptUID, Normalize: normalizeCaseIgnore},
		{OID: MROIDNumericStringMatch, Names: []string{"numericStringMatch"}, Syntax: SyntaxNumericString, Normalize: normalizeNumericString},
		{OID: MROIDCaseIgnoreIA5Match, Names: []string{"caseIgnoreIA5Match"}, Syntax: SyntaxIA5String, Normalize: normalizeCaseIgnore},
		{OID: MROIDCaseIgnoreIA5Substrings, Names: []string{"caseIgnoreIA5SubstringsMatch"}, Syntax: SyntaxIA5String, Normalize: normalizeCaseIgnore},
	} {
		r.RegisterMatchingRule(mr)
	}

	registerAttributeTypes(r)
	registerObjectClasses(r)

	return r
}

func registerAttributeTypes(r *Registries) {
	ci := func(oid string, names ...string) *AttributeType {
		return &AttributeType{
			OID: oid, Names: names, Syntax: SyntaxDirectoryString,
			Equality: MROIDCaseIgnoreMatch, Ordering: MROIDCaseIgnoreOrderingMatch, Substr: MROIDCaseIgnoreSubstringsMatch,
		}
	}
	dnAttr := func(oid string, names ...string) *AttributeType {
		return &AttributeType{OID: oid, Names: names, Syntax: SyntaxDN, Equality: MROIDDistinguishedNameMatch}
	}
	opDN := func(oid string, names ...string) *AttributeType {
		at := dnAttr(oid, names...)
		at.Usage = DirectoryOperation
		at.NoUserMod = true

		return at
	}
	opCI := func(oid string, names ...string) *AttributeType {
		at := ci(oid, names...)
		at.Usage = DirectoryOperation
		at.NoUserMod = true

		return at
	}

	objectClass := &AttributeType{
		OID: OIDObjectClass, Names: []string{"objectClass"}, Syntax: SyntaxOID,
		Equality: MROIDObjectIdentifierMatch, Substr: MROIDCaseIgnoreSubstringsMatch,
	}

	creators := opDN(OIDCreatorsName, "creatorsName")
	creators.SingleValue = true
	modifiers := opDN(OIDModifiersName, "modifiersName")
	modifiers.SingleValue = true

	createTS := &AttributeType{
		OID: OIDCreateTimestamp, Names: []string{"createTimestamp"}, Syntax: SyntaxGeneralizedTime,
		Equality: MROIDGeneralizedTimeMatch, Ordering: MROIDGeneralizedTimeOrdering,
		SingleValue: true, NoUserMod: true, Usage: DirectoryOperation,
	}
	modifyTS := &AttributeType{
		OID: OIDModifyTimestamp, Names: []string{"modifyTimestamp"}, Syntax: SyntaxGeneralizedTime,
		Equality: MROIDGeneralizedTimeMatch, Ordering: MROIDGeneralizedTimeOrdering,
		SingleValue: true, NoUserMod: true, Usage: DirectoryOperation,
	}

	entryUUID := opCI(OIDEntryUUID, "entryUUID")
	entryUUID.SingleValue = true
	entryCSN := opCI(OIDEntryCSN, "entryCSN")
	entryCSN.SingleValue = true

	userPassword := &AttributeType{
		OID: OIDUserPassword, Names: []string{"userPassword"}, Syntax: SyntaxOctetString,
		Equality: MROIDOctetStringMatch,
	}

	cOU := ci("2.5.4.11.1", "c-ou")
	cOU.Collective = true
	cDesc := ci("2.5.4.13.1", "c-description")
	cDesc.Collective = true
	cPostal := ci("2.5.4.16.1", "c-postalAddress")
	cPostal.Collective = true

	types := []*AttributeType{
		objectClass,
		ci(OIDCN, "cn", "commonName"),
		ci("2.5.4.4", "sn", "surname"),
		ci(OIDOU, "ou", "organizationalUnitName"),
		ci("2.5.4.10", "o", "organizationName"),
		ci("2.5.4.13", "description"),
		ci("2.5.4.7", "l", "localityName"),
		ci("2.5.4.8", "st", "stateOrProvinceName"),
		ci("2.5.4.12", "title"),
		ci("2.5.4.20", "telephoneNumber"),
		ci("2.5.4.41", "name"),
		ci(OIDUID, "uid", "userid"),
		ci("0.9.2342.19200300.100.1.25", "dc", "domainComponent"),
		ci("0.9.2342.19200300.100.1.3", "mail", "rfc822Mailbox"),
		ci("2.16.840.1.113730.3.1.241", "displayName"),
		ci("1.3.6.1.4.1.18060.0.4.1.2.1", "prefNodeName"),
		userPassword,
		dnAttr(OIDMember, "member"),
		{OID: OIDUniqueMember, Names: []string{"uniqueMember"}, Syntax: SyntaxNameAndOptUID, Equality: MROIDUniqueMemberMatch},
		dnAttr(OIDAliasedObjectName, "aliasedObjectName"),
		dnAttr("2.5.4.34", "seeAlso"),
		{OID: OIDRef, Names: []string{"ref"}, Syntax: SyntaxIA5String, Equality: MROIDCaseExactMatch, Usage: DistributedOperation},

		creators, createTS, modifiers, modifyTS, entryUUID, entryCSN,
		opDN(OIDSubschemaSubentry, "subschemaSubentry"),
		opDN("1.3.6.1.4.1.1466.101.120.5", "namingContexts"),
		opCI("1.3.6.1.4.1.1466.101.120.13", "supportedControl"),
		opCI("1.3.6.1.4.1.1466.101.120.7", "supportedExtension"),
		opCI("1.3.6.1.4.1.1466.101.120.15", "supportedLDAPVersion"),
		opCI("1.3.6.1.4.1.1466.101.120.14", "supportedSASLMechanisms"),
		opCI("1.3.6.1.4.1.4203.1.3.5", "supportedFeatures"),
		opCI("1.3.6.1.1.4", "vendorName"),
		opCI("1.3.6.1.1.5", "vendorVersion"),
		opCI("2.5.18.9", "hasSubordinates"),

		opCI(OIDAdministrativeRole, "administrativeRole"),
		{OID: OIDSubtreeSpec, Names: []string{"subtreeSpecification"}, Syntax: SyntaxSubtreeSpec, SingleValue: true, Usage: DirectoryOperation},
		opDN(OIDAccessControlSubentries, "accessControlSubentries"),
		opDN(OIDCollectiveAttrSubentries, "collectiveAttributeSubentries"),
		opDN(OIDTriggerExecutionSubentries, "triggerExecutionSubentries"),
		{OID: OIDCollectiveExclusions, Names: []string{"collectiveExclusions"}, Syntax: SyntaxOID, Equality: MROIDObjectIdentifierMatch, Usage: DirectoryOperation},

		{OID: OIDPrescriptiveACI, Names: []string{"prescriptiveACI"}, Syntax: SyntaxACIItem, Equality: MROIDCaseExactMatch, Usage: DirectoryOperation},
		{OID: OIDEntryACI, Names: []string{"entryACI"}, Syntax: SyntaxACIItem, Equality: MROIDCaseExactMatch, Usage: DirectoryOperation},
		{OID: OIDSubentryACI, Names: []string{"subentryACI"}, Syntax: SyntaxACIItem, Equality: MROIDCaseExactMatch, Usage: DirectoryOperation},
		{OID: OIDPrescriptiveTriggerSpec, Names: []string{"prescriptiveTriggerSpecification"}, Syntax: SyntaxTriggerSpec, Equality: MROIDCaseExactMatch, Usage: DirectoryOperation},

		cOU, cDesc, cPostal,
	}

	for _, at := range types {
		r.RegisterAttributeType(at)
	}
}

func registerObjectClasses(r *Registries) {
	classes := []*ObjectClass{
		{OID: "2.5.6.0", Names: []string{"top"}, Kind: Abstract, Must: []string{"objectClass"}},
		{OID: "2.5.6.1", Names: []string{"alias"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"aliasedObjectName"}},
		{OID: "2.5.6.2", Names: []string{"country"}, Kind: Structural, Sup: []string{"top"}, May: []string{"description"}},
		{OID: "2.5.6.4", Names: []string{"organization"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"o"}, May: []string{"description", "l", "st", "seeAlso"}},
		{OID: "2.5.6.5", Names: []string{"organizationalUnit"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"ou"},
			May: []string{"description", "l", "st", "seeAlso", "telephoneNumber", "userPassword"}},
		{OID: "2.5.6.6", Names: []string{"person"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"cn", "sn"},
			May: []string{"description", "seeAlso", "telephoneNumber", "userPassword"}},
		{OID: "2.5.6.7", Names: []string{"organizationalPerson"}, Kind: Structural, Sup: []string{"person"},
			May: []string{"title", "ou", "l", "st"}},
		{OID: "2.16.840.1.113730.3.2.2", Names: []string{"inetOrgPerson"}, Kind: Structural, Sup: []string{"organizationalPerson"},
			May: []string{"uid", "mail", "displayName"}},
		{OID: "2.5.6.9", Names: []string{"groupOfNames"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"cn", "member"},
			May: []string{"description", "o", "ou", "seeAlso"}},
		{OID: "2.5.6.17", Names: []string{"groupOfUniqueNames"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"cn", "uniqueMember"},
			May: []string{"description", "o", "ou", "seeAlso"}},
		{OID: "0.9.2342.19200300.100.4.13", Names: []string{"domain"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"dc"},
			May: []string{"description"}},
		{OID: "1.3.6.1.4.1.1466.344", Names: []string{"dcObject"}, Kind: Auxiliary, Sup: []string{"top"}, Must: []string{"dc"}},
		{OID: "2.16.840.1.113730.3.2.6", Names: []string{"referral"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"ref"},
			May: []string{"cn", "ou", "o", "description"}},
		{OID: "1.3.6.1.4.1.1466.101.120.111", Names: []string{"extensibleObject"}, Kind: Auxiliary, Sup: []string{"top"}},
		{OID: "2.5.17.0", Names: []string{"subentry"}, Kind: Structural, Sup: []string{"top"}, Must: []string{"cn", "subtreeSpecification"}},
		{OID: "2.5.17.1", Names: []string{"accessControlSubentry"}, Kind: Auxiliary, Sup: []string{"top"}, May: []string{"prescriptiveACI"}},
		{OID: "2.5.17.2", Names: []string{"collectiveAttributeSubentry"}, Kind: Auxiliary, Sup: []string{"top"},
			May: []string{"c-ou", "c-description", "c-postalAddress"}},
		{OID: "1.3.6.1.4.1.18060.0.4.1.3.27", Names: []string{"triggerExecutionSubentry"}, Kind: Auxiliary, Sup: []string{"top"},
			May: []string{"prescriptiveTriggerSpecification"}},
	}

	for _, oc := range classes {
		r.RegisterObjectClass(oc)
	}
}
