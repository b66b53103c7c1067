// Package uri parses the user-facing dependency URI surface into canonical
// store+label+constraint triples (spec §4.2, C2).
//
// Aliases are expanded here and never leave the package: every URI this
// package hands back carries a fully expanded, canonical URL.
package uri

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ekala-project/eka/identity"
	"github.com/ekala-project/eka/internal/ekaerr"
)

// AliasResolver expands a single-token prefix (e.g. "gh") into its canonical
// expansion (e.g. "https://github.com/"). It is supplied by the CLI
// collaborator; this package never reads alias tables itself (spec §1,
// "TOML configuration loading and alias tables... out of scope").
type AliasResolver func(token string) (expansion string, ok bool)

// NoAliases is the zero AliasResolver: every token is left unexpanded.
func NoAliases(string) (string, bool) { return "", false }

// URI is the fully parsed, canonically expanded dependency reference.
type URI struct {
	Scheme string
	User   string
	Pass   string
	Host   string
	Port   string
	Path   string

	// Label and Range are populated for the "::label[@range]" atom form.
	Label string
	Range string

	// Ref is populated for the "^^ref" pinned-git-ref form.
	Ref string

	colonAfterHost bool
}

// IsAtom reports whether the URI used the "::label" tail.
func (u *URI) IsAtom() bool { return u.Label != "" }

// IsPinnedRef reports whether the URI used the "^^ref" tail.
func (u *URI) IsPinnedRef() bool { return u.Ref != "" }

// CanonicalURL renders the expanded left side as a single URL string,
// suitable for storage in a manifest (never containing an alias token).
func (u *URI) CanonicalURL() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(u.User)
		if u.Pass != "" {
			b.WriteString(":")
			b.WriteString(u.Pass)
		}
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	b.WriteString(u.Path)
	return b.String()
}

// Constraint parses Range as a semver constraint, per spec §4.2 step 5.
func (u *URI) Constraint() (*semver.Constraints, error) {
	if u.Range == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(u.Range)
	if err != nil {
		return nil, ekaerr.New(ekaerr.Input, "uri.Constraint", fmt.Errorf("%w: %v", ekaerr.ErrInvalidRange, err))
	}
	return c, nil
}

// Parse implements the five parsing stages of spec §4.2.
func Parse(input string, aliases AliasResolver) (*URI, error) {
	if aliases == nil {
		aliases = NoAliases
	}

	left, label, rng, ref, err := splitTail(input)
	if err != nil {
		return nil, err
	}

	u := &URI{}
	if err := parseLeft(left, aliases, u, 0); err != nil {
		return nil, err
	}

	if label != "" {
		if err := identity.ValidateLabel(label); err != nil {
			return nil, err
		}
		u.Label = label
	}
	if rng != "" {
		if _, err := semver.NewConstraint(rng); err != nil {
			return nil, ekaerr.New(ekaerr.Input, "uri.Parse", fmt.Errorf("%w: %v", ekaerr.ErrInvalidRange, err))
		}
		u.Range = rng
	}
	u.Ref = ref

	u.inferScheme()
	return u, nil
}

// splitTail implements stage 1: split on the first "::" (atom form) or
// "^^" (pinned-ref form), whichever appears first in the string.
func splitTail(input string) (left, label, rng, ref string, err error) {
	doubleColon := strings.Index(input, "::")
	caretCaret := strings.Index(input, "^^")

	switch {
	case doubleColon < 0 && caretCaret < 0:
		return input, "", "", "", nil
	case doubleColon >= 0 && (caretCaret < 0 || doubleColon < caretCaret):
		left = input[:doubleColon]
		tail := input[doubleColon+2:]
		if at := strings.Index(tail, "@"); at >= 0 {
			label, rng = tail[:at], tail[at+1:]
		} else {
			label = tail
		}
		return left, label, rng, "", nil
	default:
		left = input[:caretCaret]
		ref = input[caretCaret+2:]
		return left, "", "", ref, nil
	}
}

// parseLeft implements stages 2-4: parse the left side into an URL-like
// value, expanding a single-token alias prefix first if present. depth
// guards against an alias expanding back to itself.
func parseLeft(left string, aliases AliasResolver, u *URI, depth int) error {
	if left == "" {
		return ekaerr.New(ekaerr.Input, "uri.parseLeft", fmt.Errorf("%w: empty URI", ekaerr.ErrInvalidLabel))
	}
	if depth > 8 {
		return ekaerr.New(ekaerr.Input, "uri.parseLeft", fmt.Errorf("%w: alias expansion too deep", ekaerr.ErrInvalidLabel))
	}

	if scheme, rest, ok := strings.Cut(left, "://"); ok {
		u.Scheme = scheme
		return parseAuthorityPath(rest, u)
	}

	// scp-like ssh form: user[:pass]@host:path
	if at := strings.Index(left, "@"); at >= 0 {
		userinfo, rest := left[:at], left[at+1:]
		if user, pass, ok := strings.Cut(userinfo, ":"); ok {
			u.User, u.Pass = user, pass
		} else {
			u.User = userinfo
		}
		return parseHostPathAfterUser(rest, u)
	}

	// Try a single-token alias prefix: everything before the first '/' or
	// ':'. Aliases are a UI convenience expanded fully before leaving this
	// package (spec §4.2 step 3).
	token, rest := cutFirstPathSeparator(left)
	if expansion, ok := aliases(token); ok {
		// The separator (':' or '/') is consumed by the alias expansion
		// itself, since expansion always already ends in '/'.
		return parseLeft(expansion+rest, aliases, u, depth+1)
	}

	return parseHostPath(left, u)
}

// cutFirstPathSeparator splits left at the first '/' or ':', returning the
// token before it and everything after the separator (the separator itself
// is dropped).
func cutFirstPathSeparator(left string) (token, rest string) {
	idx := strings.IndexAny(left, "/:")
	if idx < 0 {
		return left, ""
	}
	return left[:idx], left[idx+1:]
}

// parseHostPathAfterUser handles the remainder of an scp-like reference
// after "user@" has been consumed: either "host:path" (colon-after-host,
// inferred ssh) or "host/path".
func parseHostPathAfterUser(rest string, u *URI) error {
	if ci := strings.Index(rest, ":"); ci >= 0 {
		if si := strings.Index(rest, "/"); si < 0 || ci < si {
			u.Host = rest[:ci]
			u.Path = rest[ci+1:]
			if !strings.HasPrefix(u.Path, "/") {
				u.Path = "/" + u.Path
			}
			u.colonAfterHost = true
			return nil
		}
	}
	return parseHostPath(rest, u)
}

// parseHostPath handles a bare "host[:port]/path" or "/local/path" form.
func parseHostPath(left string, u *URI) error {
	if strings.HasPrefix(left, "/") {
		u.Path = left
		return nil
	}

	hostPort, path, _ := strings.Cut(left, "/")
	if path != "" {
		path = "/" + path
	}
	u.Path = path

	if host, port, ok := strings.Cut(hostPort, ":"); ok {
		u.Host, u.Port = host, port
	} else {
		u.Host = hostPort
	}
	return nil
}

// parseAuthorityPath handles the remainder after an explicit "scheme://".
func parseAuthorityPath(rest string, u *URI) error {
	authority := rest
	path := ""
	if si := strings.Index(rest, "/"); si >= 0 {
		authority, path = rest[:si], rest[si:]
	}
	u.Path = path

	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userinfo := authority[:at]
		authority = authority[at+1:]
		if user, pass, ok := strings.Cut(userinfo, ":"); ok {
			u.User, u.Pass = user, pass
		} else {
			u.User = userinfo
		}
	}

	if host, port, ok := strings.Cut(authority, ":"); ok {
		u.Host, u.Port = host, port
	} else {
		u.Host = authority
	}
	return nil
}

// inferScheme implements spec §4.2 step 4, run only when no explicit
// "scheme://" was present.
func (u *URI) inferScheme() {
	if u.Scheme != "" {
		return
	}
	switch {
	case u.User != "" || u.colonAfterHost:
		u.Scheme = "ssh"
	case u.Host != "":
		u.Scheme = "https"
	default:
		u.Scheme = "file"
	}
}
