// Package lockfile implements the typed, tagged atom.lock format and its
// deterministic serialization (spec §4.4, C4).
//
// Entries are held in plain maps keyed by their natural identity (AtomId
// hex for atoms, pin name for pins); serialization always walks those keys
// in sorted order, so two equal in-memory lockfiles always produce
// byte-identical output regardless of insertion order (spec invariant 4,
// testable property 6).
package lockfile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/ekala-project/eka/internal/ekaerr"
)

// Version is the lockfile format version this package reads and writes.
const Version = 1

// PinType is the closed set of direct-dependency lock tags (spec §4.4).
type PinType string

const (
	PinPlain PinType = "nix"
	PinGit   PinType = "nix+git"
	PinTar   PinType = "nix+tar"
	PinBuild PinType = "nix+build"
)

var knownPinTypes = map[PinType]bool{
	PinPlain: true, PinGit: true, PinTar: true, PinBuild: true,
}

// AtomLock is one resolved atom dependency (spec §3 "Dependency lock
// entry").
type AtomLock struct {
	Label   string
	Version string
	Set     string // hex set key
	Rev     string // resolved commit object id
	ID      string // hex AtomId
}

// PinLock is one resolved direct/legacy dependency.
type PinLock struct {
	Type   PinType
	Name   string
	URL    string
	Rev    string // git object id, git variants only
	Hash   string // fetch cache digest "blake3:<hex>", set for every pin type; no sha256 form is produced
	Exec   *bool
	Unpack *bool
}

// Lockfile is the full in-memory, content-keyed lock model.
type Lockfile struct {
	Sets  map[string][]string // set key (hex origin) -> ordered mirror list, or ["::"]
	Atoms map[string]AtomLock // keyed by AtomId hex
	Pins  map[string]PinLock  // keyed by pin name
}

// New returns an empty Lockfile ready for reconciliation.
func New() *Lockfile {
	return &Lockfile{
		Sets:  make(map[string][]string),
		Atoms: make(map[string]AtomLock),
		Pins:  make(map[string]PinLock),
	}
}

type rawDoc struct {
	Version int                 `toml:"version"`
	Sets    map[string][]string `toml:"sets"`
	Deps    []rawDepEntry       `toml:"deps"`
}

type rawDepEntry struct {
	Type    string `toml:"type"`
	Label   string `toml:"label,omitempty"`
	Version string `toml:"version,omitempty"`
	Set     string `toml:"set,omitempty"`
	Rev     string `toml:"rev,omitempty"`
	ID      string `toml:"id,omitempty"`
	Name    string `toml:"name,omitempty"`
	URL     string `toml:"url,omitempty"`
	Hash    string `toml:"hash,omitempty"`
	Exec    *bool  `toml:"exec,omitempty"`
	Unpack  *bool  `toml:"unpack,omitempty"`
}

// Parse decodes atom.lock bytes into a Lockfile, rejecting unknown fields
// and unknown type tags at parse time (spec §9 "Tagged dependency
// variants").
func Parse(raw []byte) (*Lockfile, error) {
	var doc rawDoc
	dec := toml.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, ekaerr.New(ekaerr.Input, "lockfile.Parse", err)
	}
	if doc.Version != Version {
		return nil, ekaerr.New(ekaerr.Input, "lockfile.Parse", fmt.Errorf("unsupported lockfile version %d", doc.Version))
	}

	lock := New()
	for k, v := range doc.Sets {
		lock.Sets[k] = append([]string(nil), v...)
	}

	for _, e := range doc.Deps {
		switch e.Type {
		case "atom":
			if e.Label == "" || e.Version == "" || e.Set == "" || e.Rev == "" || e.ID == "" {
				return nil, ekaerr.New(ekaerr.Input, "lockfile.Parse", fmt.Errorf("atom entry missing required field"))
			}
			lock.Atoms[strings.ToLower(e.ID)] = AtomLock{
				Label: e.Label, Version: e.Version, Set: e.Set, Rev: e.Rev, ID: e.ID,
			}
		case string(PinPlain), string(PinGit), string(PinTar), string(PinBuild):
			if e.Name == "" || e.URL == "" {
				return nil, ekaerr.New(ekaerr.Input, "lockfile.Parse", fmt.Errorf("pin entry missing required field"))
			}
			lock.Pins[e.Name] = PinLock{
				Type: PinType(e.Type), Name: e.Name, URL: e.URL, Rev: e.Rev, Hash: e.Hash,
				Exec: e.Exec, Unpack: e.Unpack,
			}
		default:
			return nil, ekaerr.New(ekaerr.Input, "lockfile.Parse", fmt.Errorf("%w: %q", ekaerr.ErrUnknownLockTag, e.Type))
		}
	}

	return lock, nil
}

// Marshal renders the Lockfile deterministically: atoms sorted by AtomId
// ascending, then pins sorted by name ascending (spec §4.4).
func (l *Lockfile) Marshal() ([]byte, error) {
	doc := rawDoc{Version: Version, Sets: make(map[string][]string, len(l.Sets))}
	for k, v := range l.Sets {
		doc.Sets[k] = v
	}

	atomIDs := make([]string, 0, len(l.Atoms))
	for id := range l.Atoms {
		atomIDs = append(atomIDs, id)
	}
	sort.Strings(atomIDs)
	for _, id := range atomIDs {
		a := l.Atoms[id]
		doc.Deps = append(doc.Deps, rawDepEntry{
			Type: "atom", Label: a.Label, Version: a.Version, Set: a.Set, Rev: a.Rev, ID: a.ID,
		})
	}

	pinNames := make([]string, 0, len(l.Pins))
	for name := range l.Pins {
		pinNames = append(pinNames, name)
	}
	sort.Strings(pinNames)
	for _, name := range pinNames {
		p := l.Pins[name]
		doc.Deps = append(doc.Deps, rawDepEntry{
			Type: string(p.Type), Name: p.Name, URL: p.URL, Rev: p.Rev, Hash: p.Hash,
			Exec: p.Exec, Unpack: p.Unpack,
		})
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, "lockfile.Marshal", err)
	}
	return out, nil
}

// PutAtom inserts or replaces an atom lock entry, keyed by its AtomId.
func (l *Lockfile) PutAtom(a AtomLock) {
	l.Atoms[strings.ToLower(a.ID)] = a
}

// PutPin inserts or replaces a pin lock entry, keyed by its name.
func (l *Lockfile) PutPin(p PinLock) {
	l.Pins[p.Name] = p
}

// SetMirrors records the ordered mirror list for a set key, preserving
// manifest-declared order for mirrors already present and appending new
// ones (SPEC_FULL.md §C, "[sets] mirror ordering").
func (l *Lockfile) SetMirrors(setKey string, declaredOrder []string) {
	existing := l.Sets[setKey]
	seen := make(map[string]bool, len(existing))
	for _, m := range existing {
		seen[m] = true
	}
	merged := append([]string(nil), existing...)
	for _, m := range declaredOrder {
		if !seen[m] {
			merged = append(merged, m)
			seen[m] = true
		}
	}
	l.Sets[setKey] = merged
}

// Equal reports whether two Lockfiles serialize identically (used by the
// synchronization idempotence property, spec §8 property 4).
func (l *Lockfile) Equal(other *Lockfile) (bool, error) {
	a, err := l.Marshal()
	if err != nil {
		return false, err
	}
	b, err := other.Marshal()
	if err != nil {
		return false, err
	}
	return string(a) == string(b), nil
}
