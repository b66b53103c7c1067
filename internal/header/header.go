// Package header encodes and parses the structured commit-message headers
// embedded in atom commits and the set-identity init commit (spec §3, §9,
// SPEC_FULL.md §C "refs/ekala/init commit message schema").
package header

import (
	"fmt"
	"strings"
)

// Atom carries the fields an atom commit message must embed so the commit
// id is reproducible and self-describing: source path within the repo,
// content hash of the tree, and the source commit id it was cut from.
type Atom struct {
	Label        string
	Version      string
	SourcePath   string
	ContentHash  string
	SourceCommit string
}

// Encode renders the header as a commit message. The subject line is kept
// short on purpose; the body carries the machine-readable fields.
func (a Atom) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "atom %s@%s\n\n", a.Label, a.Version)
	fmt.Fprintf(&b, "source-path: %s\n", a.SourcePath)
	fmt.Fprintf(&b, "content-hash: %s\n", a.ContentHash)
	fmt.Fprintf(&b, "source-commit: %s\n", a.SourceCommit)
	return b.String()
}

// ParseAtom recovers an Atom header from a commit message produced by Encode.
func ParseAtom(message string) (Atom, error) {
	fields, err := parseFields(message)
	if err != nil {
		return Atom{}, err
	}
	label, version, err := parseSubject(message, "atom")
	if err != nil {
		return Atom{}, err
	}
	return Atom{
		Label:        label,
		Version:      version,
		SourcePath:   fields["source-path"],
		ContentHash:  fields["content-hash"],
		SourceCommit: fields["source-commit"],
	}, nil
}

// Init carries the fields the set-identity commit must embed: which origin
// derivation strategy was chosen (see DESIGN.md's Open Question decision),
// the optional set label mixed into that decision, and the origin value
// itself so remotes can answer identity queries without a full clone.
type Init struct {
	OriginMode string
	SetLabel   string
	Origin     string
}

func (i Init) Encode() string {
	var b strings.Builder
	b.WriteString("eka set identity\n\n")
	fmt.Fprintf(&b, "origin-mode: %s\n", i.OriginMode)
	fmt.Fprintf(&b, "set-label: %s\n", i.SetLabel)
	fmt.Fprintf(&b, "origin: %s\n", i.Origin)
	return b.String()
}

func ParseInit(message string) (Init, error) {
	fields, err := parseFields(message)
	if err != nil {
		return Init{}, err
	}
	origin, ok := fields["origin"]
	if !ok || origin == "" {
		return Init{}, fmt.Errorf("header: init commit missing origin field")
	}
	return Init{
		OriginMode: fields["origin-mode"],
		SetLabel:   fields["set-label"],
		Origin:     origin,
	}, nil
}

// Manifest carries nothing but a marker; the manifest-only commit reuses
// Atom's subject line format so a reader can tell at a glance which atom a
// manifest ref belongs to without fetching the tree.
func Manifest(label, version string) string {
	return fmt.Sprintf("atom manifest %s@%s\n", label, version)
}

func parseFields(message string) (map[string]string, error) {
	out := make(map[string]string)
	lines := strings.Split(message, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func parseSubject(message, want string) (label, version string, err error) {
	lines := strings.SplitN(message, "\n", 2)
	if len(lines) == 0 {
		return "", "", fmt.Errorf("header: empty message")
	}
	subject := strings.TrimSpace(lines[0])
	prefix := want + " "
	if !strings.HasPrefix(subject, prefix) {
		return "", "", fmt.Errorf("header: unexpected subject %q", subject)
	}
	rest := strings.TrimPrefix(subject, prefix)
	label, version, ok := strings.Cut(rest, "@")
	if !ok {
		return "", "", fmt.Errorf("header: malformed subject %q", subject)
	}
	return label, version, nil
}
