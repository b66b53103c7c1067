// Package identity derives an atom set's origin and the AtomIds minted from
// it (spec §4.1, C1).
//
// The shape here is lifted straight from the teacher's gitoid-based content
// hashing: a deterministic byte framing fed through a single hash function,
// with no mutable state and no I/O beyond the one history walk origin
// derivation needs.
package identity

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"github.com/edwarnicke/gitoid"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/zeebo/blake3"

	"github.com/ekala-project/eka/internal/ekaerr"
	"github.com/ekala-project/eka/internal/logging"
)

// log is this package's injectable logging seam (SPEC_FULL.md §A
// "Logging"); identity has no constructor to carry a logger field through,
// so SetLogger configures the package-level sink instead.
var log logging.Logger = logging.Discard

// SetLogger points identity's diagnostic logging (origin derivation,
// legacy gitoid hashing) at l. Passing nil reverts to discarding.
func SetLogger(l logging.Logger) { log = logging.Or(l) }

// Origin is the canonical, content-derived identity of an atom set: the
// root commit id of the repository, per the Open Question decision recorded
// in DESIGN.md (root-commit-only, never mixed with the set label).
type Origin struct {
	root plumbing.Hash
}

// OriginFromHex rebuilds an Origin from its hex-encoded git object id, as
// read back from refs/ekala/init or a lockfile set key.
func OriginFromHex(s string) (Origin, error) {
	h := plumbing.NewHash(s)
	if h.IsZero() && s != plumbing.ZeroHash.String() {
		return Origin{}, ekaerr.New(ekaerr.Input, "identity.OriginFromHex", fmt.Errorf("%w: not a valid object id: %q", ekaerr.ErrInvalidLabel, s))
	}
	return Origin{root: h}, nil
}

// Bytes returns the raw object-id bytes mixed into AtomId derivation.
func (o Origin) Bytes() []byte { return o.root[:] }

// String is the lowercase hex form used as a lockfile set key.
func (o Origin) String() string { return o.root.String() }

// DeriveOrigin walks ancestors of head to the unique root commit reachable
// from it (spec §4.1 "Origin derivation"). The walk is breadth-first and
// memoized per call; callers that need repeated derivations for the same
// head should cache the result themselves, since this function is pure.
func DeriveOrigin(repo *object.Commit) (Origin, error) {
	if repo == nil {
		return Origin{}, ekaerr.New(ekaerr.Consistency, "identity.DeriveOrigin", ekaerr.ErrMissingRoot)
	}

	visited := make(map[plumbing.Hash]bool)
	var roots []plumbing.Hash
	queue := []*object.Commit{repo}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if visited[c.Hash] {
			continue
		}
		visited[c.Hash] = true

		if c.NumParents() == 0 {
			roots = append(roots, c.Hash)
			continue
		}

		err := c.Parents().ForEach(func(p *object.Commit) error {
			if !visited[p.Hash] {
				queue = append(queue, p)
			}
			return nil
		})
		if err != nil {
			return Origin{}, ekaerr.New(ekaerr.IO, "identity.DeriveOrigin", err)
		}
	}

	if len(roots) == 0 {
		return Origin{}, ekaerr.New(ekaerr.Consistency, "identity.DeriveOrigin", ekaerr.ErrMissingRoot)
	}

	// A linear history has exactly one root. Orphan merges can reach more
	// than one; pick the lexicographically smallest so two clients that
	// walk the same graph always agree.
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })
	if len(roots) > 1 {
		log.Warn("multiple root commits reachable, picking lexicographically smallest", "op", "identity.DeriveOrigin", "candidates", len(roots), "chosen", roots[0].String())
	}
	return Origin{root: roots[0]}, nil
}

// AtomId is the 32-byte cryptographic identifier of an atom, derived from
// (origin, label) alone (spec invariant 1).
type AtomId [32]byte

func (id AtomId) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value (never a valid AtomId, since
// blake3 never emits an all-zero digest for non-empty input in practice but
// a zero AtomId is a useful "not computed" sentinel for callers).
func (id AtomId) IsZero() bool { return id == AtomId{} }

// AtomIdFromHex parses the textual form stored in a lockfile.
func AtomIdFromHex(s string) (AtomId, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return AtomId{}, ekaerr.New(ekaerr.Input, "identity.AtomIdFromHex", fmt.Errorf("%w: AtomId must be 32 bytes hex, got %q", ekaerr.ErrInvalidLabel, s))
	}
	var id AtomId
	copy(id[:], b)
	return id, nil
}

// ComputeAtomId implements AtomId = H(origin_bytes || 0x00 || label_utf8)
// with BLAKE3 as H (spec §4.1, §9).
func ComputeAtomId(origin Origin, label string) (AtomId, error) {
	if err := ValidateLabel(label); err != nil {
		return AtomId{}, err
	}

	h := blake3.New()
	h.Write(origin.Bytes())
	h.Write([]byte{0x00})
	h.Write([]byte(label))

	var id AtomId
	copy(id[:], h.Sum(nil))
	return id, nil
}

// LegacyGitoid computes the git-compatible, "blob"-framed SHA256 gitoid over
// data. AtomId is eka's own identifier and never derived from this value;
// LegacyGitoid exists purely so fetched pin content can be cross-checked
// against the wider gitoid/OmniBOR ecosystem's reproducibility tooling.
func LegacyGitoid(data []byte) (string, error) {
	id, err := gitoid.New(bytes.NewReader(data), gitoid.WithContentLength(int64(len(data))), gitoid.WithSha256())
	if err != nil {
		return "", ekaerr.New(ekaerr.IO, "identity.LegacyGitoid", err)
	}
	log.Debug("computed legacy gitoid", "op", "identity.LegacyGitoid", "bytes", len(data), "gitoid", id.String())
	return id.String(), nil
}

// reservedLabelRunes are forbidden anywhere in a label: ASCII ref path
// separators and glob/lookup characters that would make the label ambiguous
// as a Git ref component (spec §4.1 "Label validation").
const reservedLabelRunes = "/:?*[\\^~@"

// ValidateLabel enforces spec §4.1's label grammar.
func ValidateLabel(label string) error {
	op := "identity.ValidateLabel"
	if label == "" {
		return ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: label must not be empty", ekaerr.ErrInvalidLabel))
	}
	if strings.HasPrefix(label, ".") || strings.HasSuffix(label, ".") {
		return ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: label must not start or end with '.': %q", ekaerr.ErrInvalidLabel, label))
	}
	if strings.Contains(label, "..") {
		return ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: label must not contain '..': %q", ekaerr.ErrInvalidLabel, label))
	}
	for _, r := range label {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: label contains control or whitespace: %q", ekaerr.ErrInvalidLabel, label))
		}
		if strings.ContainsRune(reservedLabelRunes, r) {
			return ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: label contains reserved character %q: %q", ekaerr.ErrInvalidLabel, string(r), label))
		}
	}
	return nil
}

// ParseVersion enforces the strict semver 2.0.0 triple required by spec
// §4.1, with optional pre-release/build metadata.
func ParseVersion(v string) (*semver.Version, error) {
	sv, err := semver.StrictNewVersion(v)
	if err != nil {
		return nil, ekaerr.New(ekaerr.Input, "identity.ParseVersion", fmt.Errorf("%w: %v", ekaerr.ErrInvalidVersion, err))
	}
	return sv, nil
}
