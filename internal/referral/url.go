// Package referral tracks referral entries and answers the operation
// manager's pre-dispatch referral decisions, rewriting continuation URLs
// per the LDAPv3 rules.
package referral

import (
	"fmt"
	"strings"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/schema"
)

// URL is a parsed RFC 4516 LDAP URL. Only the pieces the rewrite rules
// touch are modeled; everything else round-trips verbatim.
type URL struct {
	Scheme string
	Host   string // host or host:port
	DN     *dn.DN
	Attrs  []string
	Scope  string
	Filter string
	Exts   []string
}

// ParseURL splits an LDAP URL into its ?-separated parts. The DN is
// normalized against the schema so it can be compared with referral DNs.
func ParseURL(raw string, reg *schema.Registries) (*URL, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || (scheme != "ldap" && scheme != "ldaps") {
		return nil, fmt.Errorf("not an LDAP URL: %q", raw)
	}

	u := &URL{Scheme: scheme}

	host, path, hasPath := strings.Cut(rest, "/")
	u.Host = host
	if !hasPath {
		u.DN = dn.MustParse("")

		return u, nil
	}

	parts := strings.Split(path, "?")

	parsed, err := dn.Parse(unescapePercent(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("LDAP URL %q: %w", raw, err)
	}
	if u.DN, err = parsed.Normalize(reg); err != nil {
		return nil, fmt.Errorf("LDAP URL %q: %w", raw, err)
	}

	if len(parts) > 1 && parts[1] != "" {
		u.Attrs = strings.Split(parts[1], ",")
	}
	if len(parts) > 2 {
		u.Scope = parts[2]
	}
	if len(parts) > 3 {
		u.Filter = parts[3]
	}
	if len(parts) > 4 && parts[4] != "" {
		u.Exts = strings.Split(parts[4], ",")
	}

	return u, nil
}

// unescapePercent decodes the %HH escapes URL DNs commonly carry; anything
// undecodable stays as written.
func unescapePercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, okH := hexVal(s[i+1]); okH {
				if lo, okL := hexVal(s[i+2]); okL {
					b.WriteByte(hi<<4 | lo)
					i += 2

					continue
				}
			}
		}
		b.WriteByte(s[i])
	}

	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}

	return 0, false
}

// HostOnly renders scheme://host with no DN part.
func (u *URL) HostOnly() string {
	return u.Scheme + "://" + u.Host
}

// String reassembles the URL, trimming trailing empty parts.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme + "://" + u.Host + "/")
	b.WriteString(escapeDNPart(u.DN.User()))

	parts := []string{strings.Join(u.Attrs, ","), u.Scope, u.Filter, strings.Join(u.Exts, ",")}

	last := -1
	for i, p := range parts {
		if p != "" {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		b.WriteString("?" + parts[i])
	}

	return b.String()
}

// escapeDNPart percent-encodes the characters that cannot appear raw in
// the DN part of an LDAP URL.
func escapeDNPart(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ':
			b.WriteString("%20")
		case '?':
			b.WriteString("%3f")
		case '#':
			b.WriteString("%23")
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// wellFormedParts checks everything but the DN: base scope, no filter, no
// attributes, no extensions.
func (u *URL) wellFormedParts() bool {
	return (u.Scope == "" || u.Scope == "base") &&
		u.Filter == "" &&
		len(u.Attrs) == 0 &&
		len(u.Exts) == 0
}

// WellFormed checks the constraints a referral's ref value must satisfy:
// base scope, no filter, no attributes, no extensions, non-empty DN. URLs
// with an empty DN are still usable for search continuations, where the
// referral's own DN is substituted.
func (u *URL) WellFormed() bool {
	return u.wellFormedParts() && !u.DN.IsEmpty()
}
