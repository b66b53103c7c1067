// Package manifest provides the typed, format-preserving view over
// atom.toml and ekala.toml (spec §4.3, C3).
//
// The in-memory representation keeps the original bytes alongside a typed
// decode. Incremental mutations (add a bond, update a constraint, declare a
// mirror) are applied as targeted text edits against those original bytes so
// comments, key order, and surrounding whitespace survive; a from-scratch
// scaffold (the "new" command) instead marshals a fresh document. Mutating
// operations never touch the receiver in place — they return a new,
// independently valid Manifest, mirroring the teacher's style of returning
// new ArtifactTree values rather than mutating shared state across calls.
package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ekala-project/eka/identity"
	"github.com/ekala-project/eka/internal/ekaerr"
)

// LocalMirror is the literal "::" mirror value meaning "the containing
// repository" (spec §3 "Set reference").
const LocalMirror = "::"

// Backend is one of the closed set of direct-dependency backends (spec
// §4.3 table).
type Backend string

const (
	BackendURL   Backend = "url"
	BackendGit   Backend = "git"
	BackendTar   Backend = "tar"
	BackendBuild Backend = "build"
)

var knownBackends = map[Backend]bool{
	BackendURL: true, BackendGit: true, BackendTar: true, BackendBuild: true,
}

// DirectDep is one pin's backend-specific table (spec §4.3).
type DirectDep struct {
	URL       string `toml:"url,omitempty"`
	Git       string `toml:"git,omitempty"`
	Tar       string `toml:"tar,omitempty"`
	Build     string `toml:"build,omitempty"`
	Ref       string `toml:"ref,omitempty"`
	Version   string `toml:"version,omitempty"`
	Integrity string `toml:"integrity,omitempty"`
	Exec      bool   `toml:"exec,omitempty"`
	Unpack    bool   `toml:"unpack,omitempty"`

	// From names the atom dependency, as "<setAlias>.<label>", whose
	// resolved version feeds a "{version}" placeholder in Tar (spec §4.3
	// backend table, "tar may include {version} interpolation from a
	// resolved atom dep"). Empty unless Tar actually uses the placeholder.
	From string `toml:"from,omitempty"`
}

// Mirrors is a set reference's value: a single URL, a list of mirror URLs,
// or the literal "::" (spec §3 "Set reference"). It decodes from either a
// bare TOML string or a TOML array of strings.
type Mirrors []string

// UnmarshalTOML implements go-toml/v2's Unmarshaler, accepting either shape
// the spec allows for [package.sets] values.
func (m *Mirrors) UnmarshalTOML(value any) error {
	switch v := value.(type) {
	case string:
		*m = []string{v}
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("manifest: set mirror entries must be strings, got %T", e)
			}
			out = append(out, s)
		}
		*m = out
		return nil
	default:
		return fmt.Errorf("manifest: invalid set mirror value of type %T", value)
	}
}

// IsLocal reports whether m names the containing repository rather than a
// remote URL.
func (m Mirrors) IsLocal() bool { return len(m) == 1 && m[0] == LocalMirror }

type packageSection struct {
	Label   string             `toml:"label"`
	Version string             `toml:"version"`
	Sets    map[string]Mirrors `toml:"sets"`
}

type depsSection struct {
	From   map[string]map[string]string    `toml:"from"`
	Direct map[Backend]map[string]DirectDep `toml:"direct"`
}

type atomDoc struct {
	Package packageSection `toml:"package"`
	Deps    depsSection    `toml:"deps"`
}

// Manifest is the typed, format-preserving view of one atom.toml.
type Manifest struct {
	raw []byte
	doc atomDoc
}

// Label is the atom's label as declared in [package].
func (m *Manifest) Label() string { return m.doc.Package.Label }

// Version is the atom's version as declared in [package].
func (m *Manifest) Version() string { return m.doc.Package.Version }

// Sets returns the declared set aliases and their mirrors.
func (m *Manifest) Sets() map[string]Mirrors { return m.doc.Package.Sets }

// AtomDeps returns, per set alias, the label->range requirements declared
// under [deps.from.<alias>].
func (m *Manifest) AtomDeps() map[string]map[string]string { return m.doc.Deps.From }

// DirectDeps returns, per backend, the pin-name->table requirements
// declared under [deps.direct.<backend>].
func (m *Manifest) DirectDeps() map[Backend]map[string]DirectDep { return m.doc.Deps.Direct }

// Bytes returns the exact bytes this Manifest would write to disk.
func (m *Manifest) Bytes() []byte {
	out := make([]byte, len(m.raw))
	copy(out, m.raw)
	return out
}

// Parse decodes raw atom.toml bytes into a typed, format-preserving view.
func Parse(raw []byte) (*Manifest, error) {
	var doc atomDoc
	dec := toml.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, ekaerr.New(ekaerr.Input, "manifest.Parse", err)
	}

	if err := identity.ValidateLabel(doc.Package.Label); err != nil {
		return nil, err
	}
	if _, err := identity.ParseVersion(doc.Package.Version); err != nil {
		return nil, err
	}
	for backend := range doc.Deps.Direct {
		if !knownBackends[backend] {
			return nil, ekaerr.New(ekaerr.Input, "manifest.Parse", fmt.Errorf("%w: %q", ekaerr.ErrUnknownBackend, backend))
		}
	}

	return &Manifest{raw: append([]byte(nil), raw...), doc: doc}, nil
}

// New scaffolds a fresh atom.toml for the "new <label>" command (spec §6).
func New(label, version string) (*Manifest, error) {
	if err := identity.ValidateLabel(label); err != nil {
		return nil, err
	}
	if _, err := identity.ParseVersion(version); err != nil {
		return nil, err
	}

	doc := atomDoc{Package: packageSection{Label: label, Version: version}}
	raw, err := toml.Marshal(doc)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "manifest.New", err)
	}
	return &Manifest{raw: raw, doc: doc}, nil
}

// WithAtomDependency returns a new Manifest with a bond added or updated
// under [deps.from.<setAlias>], preserving the rest of the document
// byte-for-byte (spec §9 "format-preserving edits").
func (m *Manifest) WithAtomDependency(setAlias, label, rangeStr string) (*Manifest, error) {
	if err := identity.ValidateLabel(label); err != nil {
		return nil, err
	}
	header := fmt.Sprintf("[deps.from.%s]", setAlias)
	line := fmt.Sprintf("%s = %q", label, rangeStr)
	raw, err := upsertKeyUnderHeader(m.raw, header, label, line)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "manifest.WithAtomDependency", err)
	}
	return Parse(raw)
}

// WithSetMirror returns a new Manifest with [package.sets] updated to map
// alias to mirrors, preserving the rest of the document.
func (m *Manifest) WithSetMirror(alias string, mirrors Mirrors) (*Manifest, error) {
	var value string
	if len(mirrors) == 1 {
		value = fmt.Sprintf("%q", mirrors[0])
	} else {
		quoted := make([]string, len(mirrors))
		for i, s := range mirrors {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		value = "[" + strings.Join(quoted, ", ") + "]"
	}
	line := fmt.Sprintf("%s = %s", alias, value)
	raw, err := upsertKeyUnderHeader(m.raw, "[package.sets]", alias, line)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "manifest.WithSetMirror", err)
	}
	return Parse(raw)
}

// WithDirectDependency returns a new Manifest with a pin added or updated
// under [deps.direct.<backend>], preserving the rest of the document.
func (m *Manifest) WithDirectDependency(backend Backend, name string, dep DirectDep) (*Manifest, error) {
	if !knownBackends[backend] {
		return nil, ekaerr.New(ekaerr.Input, "manifest.WithDirectDependency", fmt.Errorf("%w: %q", ekaerr.ErrUnknownBackend, backend))
	}
	header := fmt.Sprintf("[deps.direct.%s]", backend)
	line := fmt.Sprintf("%s = %s", name, inlineDirectDep(dep))
	raw, err := upsertKeyUnderHeader(m.raw, header, name, line)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "manifest.WithDirectDependency", err)
	}
	return Parse(raw)
}

func inlineDirectDep(d DirectDep) string {
	var fields []string
	add := func(k, v string) {
		if v != "" {
			fields = append(fields, fmt.Sprintf("%s = %q", k, v))
		}
	}
	add("url", d.URL)
	add("git", d.Git)
	add("tar", d.Tar)
	add("build", d.Build)
	add("ref", d.Ref)
	add("version", d.Version)
	add("integrity", d.Integrity)
	add("from", d.From)
	if d.Exec {
		fields = append(fields, "exec = true")
	}
	if d.Unpack {
		fields = append(fields, "unpack = true")
	}
	return "{ " + strings.Join(fields, ", ") + " }"
}

var headerLineRe = regexp.MustCompile(`(?m)^\[[^\]]+\]\s*$`)

// upsertKeyUnderHeader inserts or replaces a "key = value" line under a
// given TOML table header, appending the table itself (with a leading blank
// line) if it doesn't exist yet. This is a textual approximation of a
// format-preserving TOML edit: it never touches any byte outside the
// affected table's key, so existing comments and ordering elsewhere in the
// file are untouched (see DESIGN.md for why no in-pack library gives a
// fuller round-tripping AST).
func upsertKeyUnderHeader(raw []byte, header, key, newLine string) ([]byte, error) {
	text := string(raw)
	headerIdx := strings.Index(text, header)
	if headerIdx < 0 {
		if len(text) > 0 && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		if len(text) > 0 {
			text += "\n"
		}
		text += header + "\n" + newLine + "\n"
		return []byte(text), nil
	}

	bodyStart := headerIdx + len(header)
	// Find the end of this table's body: the next table header line, or EOF.
	rest := text[bodyStart:]
	loc := headerLineRe.FindStringIndex(rest)
	bodyEnd := len(text)
	if loc != nil {
		bodyEnd = bodyStart + loc[0]
	}
	body := text[bodyStart:bodyEnd]

	keyPrefix := key + " ="
	lines := strings.Split(body, "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), keyPrefix) {
			lines[i] = newLine
			replaced = true
			break
		}
	}
	var newBody string
	if replaced {
		newBody = strings.Join(lines, "\n")
	} else {
		// Append before the trailing blank lines of this table's body.
		trimmed := strings.TrimRight(body, "\n")
		trailing := body[len(trimmed):]
		if trailing == "" {
			trailing = "\n"
		}
		newBody = trimmed + "\n" + newLine + trailing
	}

	return []byte(text[:bodyStart] + newBody + text[bodyEnd:]), nil
}

// SetManifest is the typed view of the repository-root ekala.toml (spec
// §4.3 "Set manifest").
type SetManifest struct {
	raw []byte
	doc setDoc
}

type setDoc struct {
	Label    string   `toml:"label,omitempty"`
	Atoms    []string `toml:"atoms,omitempty"`
	Tags     []string `toml:"tags,omitempty"`
	License  string   `toml:"license,omitempty"`
	Domain   string   `toml:"domain,omitempty"`
}

func (s *SetManifest) Label() string     { return s.doc.Label }
func (s *SetManifest) Atoms() []string   { return append([]string(nil), s.doc.Atoms...) }
func (s *SetManifest) Tags() []string    { return append([]string(nil), s.doc.Tags...) }
func (s *SetManifest) License() string   { return s.doc.License }
func (s *SetManifest) Domain() string    { return s.doc.Domain }
func (s *SetManifest) Bytes() []byte     { return append([]byte(nil), s.raw...) }

// ParseSet decodes repository-root ekala.toml bytes.
func ParseSet(raw []byte) (*SetManifest, error) {
	var doc setDoc
	dec := toml.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, ekaerr.New(ekaerr.Input, "manifest.ParseSet", err)
	}
	return &SetManifest{raw: append([]byte(nil), raw...), doc: doc}, nil
}

// NewSet scaffolds a fresh ekala.toml for the "init" command.
func NewSet(label string) (*SetManifest, error) {
	doc := setDoc{Label: label}
	raw, err := toml.Marshal(doc)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "manifest.NewSet", err)
	}
	return &SetManifest{raw: raw, doc: doc}, nil
}

// WithAtomPath returns a new SetManifest with path added to the list of
// contained atom manifests, if not already present; the list is kept sorted.
func (s *SetManifest) WithAtomPath(path string) (*SetManifest, error) {
	for _, existing := range s.doc.Atoms {
		if existing == path {
			return s, nil
		}
	}
	atoms := append(append([]string(nil), s.doc.Atoms...), path)
	sort.Strings(atoms)
	doc := s.doc
	doc.Atoms = atoms
	raw, err := toml.Marshal(doc)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "manifest.WithAtomPath", err)
	}
	return &SetManifest{raw: raw, doc: doc}, nil
}
