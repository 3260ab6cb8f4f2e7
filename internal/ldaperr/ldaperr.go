// Package ldaperr defines the typed error surface of the directory core.
// Every failure that can cross the protocol boundary is an *Error carrying
// an LDAP result code; internal bookkeeping failures are mapped to one of
// these before they reach the client.
package ldaperr

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// ResultPartialResults is the LDAPv2-era partial-results code (9). go-ldap
// does not define it because v3 clients never send it, but the referral
// machinery still reports unresolved suffixes through it.
const ResultPartialResults = 9

// Error is a directory operation failure with an LDAP result code attached.
// MatchedDN and Referrals are optional and survive unchanged to the client.
type Error struct {
	Code      uint16
	MatchedDN string
	Message   string
	Referrals []string
}

func (e *Error) Error() string {
	desc, ok := ldap.LDAPResultCodeMap[e.Code]
	if !ok {
		desc = fmt.Sprintf("result code %d", e.Code)
	}

	if e.Message == "" {
		return desc
	}

	return fmt.Sprintf("%s: %s", desc, e.Message)
}

// New creates an Error with the given result code and message.
func New(code uint16, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le, true
	}

	return nil, false
}

// IsCode reports whether err is an *Error with the given result code.
func IsCode(err error, code uint16) bool {
	le, ok := As(err)

	return ok && le.Code == code
}

// NoSuchObject reports a missing entry at dn.
func NoSuchObject(dn string) *Error {
	return &Error{Code: ldap.LDAPResultNoSuchObject, MatchedDN: "", Message: fmt.Sprintf("no entry at %q", dn)}
}

// AlreadyExists reports a colliding entry at dn.
func AlreadyExists(dn string) *Error {
	return &Error{Code: ldap.LDAPResultEntryAlreadyExists, Message: fmt.Sprintf("an entry already exists at %q", dn)}
}

// InvalidDNSyntax reports a malformed distinguished name.
func InvalidDNSyntax(dn string, cause error) *Error {
	msg := fmt.Sprintf("invalid DN %q", dn)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}

	return &Error{Code: ldap.LDAPResultInvalidDNSyntax, Message: msg}
}

// InvalidAttributeSyntax reports a value that does not conform to its
// attribute type's syntax.
func InvalidAttributeSyntax(attr string, cause error) *Error {
	msg := fmt.Sprintf("invalid value for attribute %q", attr)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}

	return &Error{Code: ldap.LDAPResultInvalidAttributeSyntax, Message: msg}
}

// UndefinedAttributeType reports a reference to an attribute type the schema
// does not define.
func UndefinedAttributeType(attr string) *Error {
	return &Error{Code: ldap.LDAPResultUndefinedAttributeType, Message: fmt.Sprintf("undefined attribute type %q", attr)}
}

// NoSuchAttribute reports a modification against an attribute the entry does
// not carry.
func NoSuchAttribute(attr string) *Error {
	return &Error{Code: ldap.LDAPResultNoSuchAttribute, Message: fmt.Sprintf("entry has no attribute %q", attr)}
}

// ObjectClassViolation reports an entry that does not satisfy its object
// classes.
func ObjectClassViolation(format string, args ...any) *Error {
	return New(ldap.LDAPResultObjectClassViolation, format, args...)
}

// NotAllowedOnNonLeaf reports a delete or rename against an entry that still
// has children.
func NotAllowedOnNonLeaf(dn string) *Error {
	return &Error{Code: ldap.LDAPResultNotAllowedOnNonLeaf, Message: fmt.Sprintf("entry %q has subordinates", dn)}
}

// NotAllowedOnRootDSE reports a write against the root DSE. The wire code is
// unwillingToPerform; the distinct constructor keeps call sites readable.
func NotAllowedOnRootDSE() *Error {
	return &Error{Code: ldap.LDAPResultUnwillingToPerform, Message: "operation not allowed on the root DSE"}
}

// InsufficientAccessRights reports a denied operation.
func InsufficientAccessRights(format string, args ...any) *Error {
	return New(ldap.LDAPResultInsufficientAccessRights, format, args...)
}

// InvalidCredentials reports a failed bind.
func InvalidCredentials() *Error {
	return &Error{Code: ldap.LDAPResultInvalidCredentials, Message: "invalid credentials"}
}

// AuthMethodNotSupported reports a bind with an unregistered method.
func AuthMethodNotSupported(method string) *Error {
	return &Error{Code: ldap.LDAPResultAuthMethodNotSupported, Message: fmt.Sprintf("no authenticator for method %q", method)}
}

// SizeLimitExceeded reports a search that produced more entries than the
// requested count limit.
func SizeLimitExceeded(limit int64) *Error {
	return &Error{Code: ldap.LDAPResultSizeLimitExceeded, Message: fmt.Sprintf("size limit of %d entries exceeded", limit)}
}

// TimeLimitExceeded reports a search that outlived its deadline.
func TimeLimitExceeded() *Error {
	return &Error{Code: ldap.LDAPResultTimeLimitExceeded, Message: "time limit exceeded"}
}

// Referral reports that the target sits at or under a referral entry. The
// URLs have already been rewritten for the requested operation.
func Referral(urls []string) *Error {
	return &Error{Code: ldap.LDAPResultReferral, Message: "referral", Referrals: urls}
}

// PartialResults reports an unresolved suffix under a referral ancestor for
// clients that asked for LDAPv2-style continuation.
func PartialResults(unresolved string, urls []string) *Error {
	return &Error{Code: ResultPartialResults, MatchedDN: unresolved, Message: "partial results", Referrals: urls}
}

// AffectsMultipleDSAs reports a move or rename whose destination sits under
// a referral ancestor.
func AffectsMultipleDSAs(format string, args ...any) *Error {
	return New(ldap.LDAPResultAffectsMultipleDSAs, format, args...)
}

// AliasProblem reports a broken or cyclic alias chain.
func AliasProblem(format string, args ...any) *Error {
	return New(ldap.LDAPResultAliasProblem, format, args...)
}

// UnwillingToPerform reports an operation the server refuses by policy.
func UnwillingToPerform(format string, args ...any) *Error {
	return New(ldap.LDAPResultUnwillingToPerform, format, args...)
}

// Busy reports that the operation could not be scheduled, e.g. because the
// transaction conflict retry budget was exhausted.
func Busy(format string, args ...any) *Error {
	return New(ldap.LDAPResultBusy, format, args...)
}

// Unavailable reports an operation against a directory service that is not
// started or already shut down.
func Unavailable() *Error {
	return &Error{Code: ldap.LDAPResultUnavailable, Message: "directory service is not started"}
}

// Canceled reports an abandoned operation.
func Canceled() *Error {
	return &Error{Code: ldap.LDAPResultCanceled, Message: "operation canceled"}
}

// InvalidSearchFilter reports a malformed RFC 4515 filter string.
func InvalidSearchFilter(filter string, cause error) *Error {
	msg := fmt.Sprintf("invalid search filter %q", filter)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}

	return &Error{Code: ldap.ErrorFilterCompile, Message: msg}
}

// CompareTrue and CompareFalse are the non-error results of the compare
// operation; LDAP reports them through the result-code channel.
func CompareTrue() *Error  { return &Error{Code: ldap.LDAPResultCompareTrue} }
func CompareFalse() *Error { return &Error{Code: ldap.LDAPResultCompareFalse} }

// Other wraps an unexpected internal failure.
func Other(err error) *Error {
	return &Error{Code: ldap.LDAPResultOther, Message: err.Error()}
}
