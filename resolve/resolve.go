// Package resolve implements semver resolution against remote atom refs and
// the manifest/lockfile synchronization algorithm (spec §4.6, C6).
package resolve

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/ekala-project/eka/fetchcache"
	"github.com/ekala-project/eka/identity"
	"github.com/ekala-project/eka/internal/ekaerr"
	"github.com/ekala-project/eka/internal/header"
	"github.com/ekala-project/eka/internal/logging"
	"github.com/ekala-project/eka/lockfile"
	"github.com/ekala-project/eka/manifest"
	"github.com/ekala-project/eka/remote"
)

// RefSource is the subset of remote.Store's surface the resolver needs,
// satisfied by both a real remote.Store and LocalSource (for "::" mirrors).
type RefSource interface {
	ListRefs(ctx context.Context, glob string) ([]remote.RefEntry, error)
	FetchInit(ctx context.Context) (header.Init, plumbing.Hash, error)
}

// LocalSource adapts a locally checked-out repository (the "::" mirror) to
// RefSource, so local-only sets resolve without a network round-trip.
type LocalSource struct {
	repo *git.Repository
}

// NewLocalSource wraps repo, the working copy containing the set whose
// manifest declared "::" as a mirror.
func NewLocalSource(repo *git.Repository) *LocalSource { return &LocalSource{repo: repo} }

func (l *LocalSource) ListRefs(_ context.Context, glob string) ([]remote.RefEntry, error) {
	const op = "resolve.LocalSource.ListRefs"
	iter, err := l.repo.References()
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, op, err)
	}
	defer iter.Close()

	var out []remote.RefEntry
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		matched, merr := path.Match(glob, name)
		if merr != nil {
			return ekaerr.New(ekaerr.Input, "resolve.LocalSource.ListRefs", merr)
		}
		if matched {
			out = append(out, remote.RefEntry{Name: name, ID: ref.Hash()})
		}
		return nil
	})
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, op, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *LocalSource) FetchInit(_ context.Context) (header.Init, plumbing.Hash, error) {
	const op = "resolve.LocalSource.FetchInit"
	ref, err := l.repo.Reference(plumbing.ReferenceName(remote.RefInit), true)
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, ekaerr.New(ekaerr.Remote, op, err)
	}
	commit, err := l.repo.CommitObject(ref.Hash())
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, ekaerr.New(ekaerr.Remote, op, err)
	}
	h, err := header.ParseInit(commit.Message)
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, ekaerr.New(ekaerr.Input, op, err)
	}
	return h, ref.Hash(), nil
}

// FetchCache is the surface resolve.ResolvePin needs from a fetch cache
// (spec §4.7); fetchcache.Cache satisfies it directly.
type FetchCache interface {
	Ingest(ctx context.Context, url string, method fetchcache.Method, rev, integrity string) (fetchcache.Manifest, error)
}

// Resolver resolves dependency requirements against remote ref stores and a
// fetch cache, and drives the synchronization algorithm.
type Resolver struct {
	// Open returns a RefSource bound to a non-local mirror URL. Callers
	// typically pass remote.Open wrapped to satisfy RefSource (remote.Store
	// already does).
	Open func(url string) RefSource

	// Cache resolves direct/pin dependencies (spec §4.6 "Pin resolution").
	Cache FetchCache

	// Log receives this Resolver's diagnostic output; nil discards it.
	Log logging.Logger
}

func (r *Resolver) log() logging.Logger { return logging.Or(r.Log) }

// ResolveAtom implements spec §4.6 "Atom resolution" against an ordered
// mirror list, treating manifest.LocalMirror specially via localSource.
func (r *Resolver) ResolveAtom(ctx context.Context, mirrors manifest.Mirrors, localSource RefSource, label, rangeStr string) (lockfile.AtomLock, error) {
	const op = "resolve.ResolveAtom"

	if err := identity.ValidateLabel(label); err != nil {
		return lockfile.AtomLock{}, err
	}
	constraint, err := semver.NewConstraint(rangeStr)
	if err != nil {
		return lockfile.AtomLock{}, ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: %v", ekaerr.ErrInvalidRange, err))
	}

	sources := r.openSources(mirrors, localSource)
	if len(sources) == 0 {
		return lockfile.AtomLock{}, ekaerr.New(ekaerr.Remote, op, ekaerr.ErrNoMirrorReachable)
	}

	glob := remote.GlobAtomVersions(label)
	prefix := glob[:len(glob)-1] // trim trailing '*'

	var winningSource RefSource
	var entries []remote.RefEntry
	var lastErr error
	for i, src := range sources {
		es, lerr := src.ListRefs(ctx, glob)
		if lerr != nil {
			lastErr = lerr
			r.log().Debug("mirror unreachable, falling through", "op", op, "label", label, "mirror_index", i, "err", lerr)
			continue
		}
		winningSource, entries = src, es
		break
	}
	if winningSource == nil {
		if lastErr == nil {
			lastErr = ekaerr.ErrNoMirrorReachable
		}
		return lockfile.AtomLock{}, ekaerr.New(ekaerr.Remote, op, fmt.Errorf("%w: %v", ekaerr.ErrNoMirrorReachable, lastErr))
	}
	if len(entries) == 0 {
		return lockfile.AtomLock{}, ekaerr.New(ekaerr.Resolution, op, ekaerr.ErrLabelNotFound)
	}

	type candidate struct {
		version *semver.Version
		entry   remote.RefEntry
	}
	var candidates []candidate
	for _, e := range entries {
		versionStr := strings.TrimPrefix(e.Name, prefix)
		v, verr := semver.StrictNewVersion(versionStr)
		if verr != nil {
			continue // drop non-conforming, per spec §4.6 step 2
		}
		if !constraint.Check(v) {
			continue
		}
		candidates = append(candidates, candidate{version: v, entry: e})
	}
	if len(candidates) == 0 {
		return lockfile.AtomLock{}, ekaerr.New(ekaerr.Resolution, op, ekaerr.ErrNoMatchingVersion)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].version.LessThan(candidates[j].version) })
	winner := candidates[len(candidates)-1]

	if err := r.checkAmbiguousOrigin(ctx, sources); err != nil {
		return lockfile.AtomLock{}, err
	}
	h, _, err := winningSource.FetchInit(ctx)
	if err != nil {
		return lockfile.AtomLock{}, err
	}
	origin, err := identity.OriginFromHex(h.Origin)
	if err != nil {
		return lockfile.AtomLock{}, err
	}
	atomID, err := identity.ComputeAtomId(origin, label)
	if err != nil {
		return lockfile.AtomLock{}, err
	}

	r.log().Info("resolved atom", "op", op, "label", label, "version", winner.version.String())
	return lockfile.AtomLock{
		Label:   label,
		Version: winner.version.String(),
		Set:     origin.String(),
		Rev:     winner.entry.ID.String(),
		ID:      atomID.String(),
	}, nil
}

func (r *Resolver) openSources(mirrors manifest.Mirrors, localSource RefSource) []RefSource {
	var out []RefSource
	for _, m := range mirrors {
		if m == manifest.LocalMirror {
			if localSource != nil {
				out = append(out, localSource)
			}
			continue
		}
		if r.Open != nil {
			out = append(out, r.Open(m))
		}
	}
	return out
}

// checkAmbiguousOrigin implements the supplemental AmbiguousOrigin check
// (SPEC_FULL.md §C): every mirror that can answer FetchInit must agree.
func (r *Resolver) checkAmbiguousOrigin(ctx context.Context, sources []RefSource) error {
	const op = "resolve.checkAmbiguousOrigin"
	if len(sources) < 2 {
		return nil
	}

	var have bool
	var agreed plumbing.Hash
	var disagreeing []int
	for i, src := range sources {
		_, hash, err := src.FetchInit(ctx)
		if err != nil {
			continue
		}
		if !have {
			have, agreed = true, hash
			continue
		}
		if hash != agreed {
			disagreeing = append(disagreeing, i)
		}
	}
	if len(disagreeing) > 0 {
		return ekaerr.New(ekaerr.Consistency, op, fmt.Errorf("%w: mirrors %v disagree with the first reachable mirror", ekaerr.ErrAmbiguousOrigin, disagreeing))
	}
	return nil
}

// versionTagRe-equivalent parsing is done inline: ResolveDirectGitVersion
// implements SPEC_FULL.md §C's concretized "standard semver regex" by
// trimming "refs/tags/" and an optional leading "v" before a strict semver
// parse, exactly as identity.ParseVersion expects elsewhere.
func (r *Resolver) ResolveDirectGitVersion(ctx context.Context, url, rangeStr string) (rev, version string, err error) {
	const op = "resolve.ResolveDirectGitVersion"

	constraint, cerr := semver.NewConstraint(rangeStr)
	if cerr != nil {
		return "", "", ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: %v", ekaerr.ErrInvalidRange, cerr))
	}
	if r.Open == nil {
		return "", "", ekaerr.New(ekaerr.Remote, op, ekaerr.ErrNoMirrorReachable)
	}
	src := r.Open(url)

	entries, lerr := src.ListRefs(ctx, "refs/tags/*")
	if lerr != nil {
		return "", "", lerr
	}

	type candidate struct {
		version *semver.Version
		entry   remote.RefEntry
	}
	var candidates []candidate
	for _, e := range entries {
		tag := strings.TrimPrefix(e.Name, "refs/tags/")
		tag = strings.TrimPrefix(tag, "v")
		v, verr := semver.StrictNewVersion(tag)
		if verr != nil {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		candidates = append(candidates, candidate{version: v, entry: e})
	}
	if len(candidates) == 0 {
		return "", "", ekaerr.New(ekaerr.Resolution, op, ekaerr.ErrNoMatchingVersion)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].version.LessThan(candidates[j].version) })
	winner := candidates[len(candidates)-1]
	return winner.entry.ID.String(), winner.version.String(), nil
}

// tarVersionPlaceholder is the substring a tar pin's URL may carry, filled
// in from a resolved atom dependency's version (spec §4.3 backend table).
const tarVersionPlaceholder = "{version}"

// interpolateTar resolves tmpl's "{version}" placeholder, if any, against
// resolved — the already-resolved atom versions keyed "<setAlias>.<label>"
// — using from to pick which entry applies. Resolution is strictly
// one-way (spec §4.6 step ordering): by the time a tar pin reaches this
// function, every atom requirement has already been resolved or kept, so
// resolved always has an entry for a validly configured from.
func interpolateTar(tmpl, from string, resolved map[string]string) (string, error) {
	const op = "resolve.interpolateTar"
	if !strings.Contains(tmpl, tarVersionPlaceholder) {
		return tmpl, nil
	}
	if from == "" {
		return "", ekaerr.New(ekaerr.Input, op, fmt.Errorf("tar URL %q references %s but declares no from", tmpl, tarVersionPlaceholder))
	}
	v, ok := resolved[from]
	if !ok {
		return "", ekaerr.New(ekaerr.Resolution, op, fmt.Errorf("%w: atom dependency %q not resolved for tar interpolation", ekaerr.ErrNoMatchingVersion, from))
	}
	return strings.ReplaceAll(tmpl, tarVersionPlaceholder, v), nil
}

// ResolvePin implements spec §4.6 "Pin resolution": delegate to the fetch
// cache, which avoids repeating a download across runs. resolved carries
// the atom versions already settled this Synchronize pass (see
// Synchronize's phase ordering), so a tar pin's "{version}" placeholder can
// be filled in before the fetch cache ever sees the URL.
func (r *Resolver) ResolvePin(ctx context.Context, backend manifest.Backend, name string, dep manifest.DirectDep, resolved map[string]string) (lockfile.PinLock, error) {
	const op = "resolve.ResolvePin"
	if r.Cache == nil {
		return lockfile.PinLock{}, ekaerr.New(ekaerr.Consistency, op, fmt.Errorf("fetch cache not configured"))
	}

	switch backend {
	case manifest.BackendURL:
		m, err := r.Cache.Ingest(ctx, dep.URL, fetchcache.MethodPlain, "", dep.Integrity)
		if err != nil {
			return lockfile.PinLock{}, err
		}
		exec, unpack := dep.Exec, dep.Unpack
		r.log().Info("resolved pin", "op", op, "backend", backend, "name", name)
		return lockfile.PinLock{Type: lockfile.PinPlain, Name: name, URL: dep.URL, Hash: m.NarHash, Exec: &exec, Unpack: &unpack}, nil

	case manifest.BackendTar:
		tarURL, ierr := interpolateTar(dep.Tar, dep.From, resolved)
		if ierr != nil {
			return lockfile.PinLock{}, ierr
		}
		m, err := r.Cache.Ingest(ctx, tarURL, fetchcache.MethodTar, "", dep.Integrity)
		if err != nil {
			return lockfile.PinLock{}, err
		}
		r.log().Info("resolved pin", "op", op, "backend", backend, "name", name)
		return lockfile.PinLock{Type: lockfile.PinTar, Name: name, URL: tarURL, Hash: m.NarHash}, nil

	case manifest.BackendGit:
		rev, version := dep.Ref, dep.Version
		if version != "" {
			var rerr error
			rev, version, rerr = r.ResolveDirectGitVersion(ctx, dep.Git, version)
			if rerr != nil {
				return lockfile.PinLock{}, rerr
			}
		}
		m, err := r.Cache.Ingest(ctx, dep.Git, fetchcache.MethodGitRev, rev, dep.Integrity)
		if err != nil {
			return lockfile.PinLock{}, err
		}
		r.log().Info("resolved pin", "op", op, "backend", backend, "name", name, "rev", m.Rev)
		return lockfile.PinLock{Type: lockfile.PinGit, Name: name, URL: dep.Git, Rev: m.Rev, Hash: m.NarHash}, nil

	case manifest.BackendBuild:
		m, err := r.Cache.Ingest(ctx, dep.Build, fetchcache.MethodFixed, "", dep.Integrity)
		if err != nil {
			return lockfile.PinLock{}, err
		}
		r.log().Info("resolved pin", "op", op, "backend", backend, "name", name)
		return lockfile.PinLock{Type: lockfile.PinBuild, Name: name, URL: dep.Build, Hash: m.NarHash}, nil

	default:
		return lockfile.PinLock{}, ekaerr.New(ekaerr.Input, op, fmt.Errorf("%w: %q", ekaerr.ErrUnknownBackend, backend))
	}
}

// requirement is one manifest-declared dependency, atom or pin, identified
// uniquely for the sanitize/reconcile loop below.
type requirement struct {
	key string // "atom:<setAlias>:<label>" or "pin:<backend>:<name>"

	// atom fields
	isAtom  bool
	alias   string
	mirrors manifest.Mirrors
	label   string
	rng     string

	// pin fields
	backend manifest.Backend
	name    string
	dep     manifest.DirectDep
}

// Synchronize implements spec §4.6's manifest/lock reconciliation loop:
// sanitize stale lock entries, then resolve or keep every manifest
// requirement, running independent resolutions concurrently.
func (r *Resolver) Synchronize(ctx context.Context, m *manifest.Manifest, localSource RefSource, lock *lockfile.Lockfile) (*lockfile.Lockfile, error) {
	const op = "resolve.Synchronize"

	next := lockfile.New()
	for k, v := range lock.Sets {
		next.Sets[k] = append([]string(nil), v...)
	}

	reqs := requirementsOf(m)

	wantAtoms := make(map[string]bool)
	wantPins := make(map[string]bool)
	for _, req := range reqs {
		if req.isAtom {
			wantAtoms[req.key] = true
		} else {
			wantPins[req.key] = true
		}
	}

	// Sanitize: drop lock entries whose manifest requirement is gone. Atom
	// entries are keyed by AtomId in the lockfile but by (set,label) in the
	// manifest, so match on (label) membership in the requirement set built
	// above rather than AtomId, which the lockfile alone can't reproduce.
	keepAtoms := make(map[string]lockfile.AtomLock, len(lock.Atoms))
	for id, a := range lock.Atoms {
		if wantAtomLabel(reqs, a.Label) {
			keepAtoms[id] = a
		}
	}
	// Pin lock tags ("nix", "nix+tar", ...) differ from manifest backend
	// names ("url", "tar", ...), so map back before matching requirement keys.
	pinBackend := map[lockfile.PinType]manifest.Backend{
		lockfile.PinPlain: manifest.BackendURL, lockfile.PinGit: manifest.BackendGit,
		lockfile.PinTar: manifest.BackendTar, lockfile.PinBuild: manifest.BackendBuild,
	}
	keepPins := make(map[string]lockfile.PinLock, len(lock.Pins))
	for name, p := range lock.Pins {
		if wantPins["pin:"+string(pinBackend[p.Type])+":"+name] {
			keepPins[name] = p
		}
	}

	// Resolution is strictly one-way (spec §4.6, SPEC_FULL.md §C): every
	// atom requirement resolves (or is kept) to completion before any pin
	// is dispatched, so a tar pin's "{version}" interpolation can observe
	// the atom version it names. This is a genuine barrier, not just
	// organizational — pinReqs below reads resolvedVersions built from
	// atomReqs' results, so the two phases cannot run concurrently.
	var atomReqs, pinReqs []requirement
	for _, req := range reqs {
		if req.isAtom {
			atomReqs = append(atomReqs, req)
		} else {
			pinReqs = append(pinReqs, req)
		}
	}

	ag, agctx := errgroup.WithContext(ctx)
	atomResults := make([]lockfile.AtomLock, len(atomReqs))
	for i, req := range atomReqs {
		i, req := i, req
		if satisfiedAtom(keepAtoms, req) {
			continue
		}
		ag.Go(func() error {
			a, err := r.ResolveAtom(agctx, req.mirrors, localSource, req.label, req.rng)
			if err != nil {
				return err
			}
			atomResults[i] = a
			return nil
		})
	}
	if err := ag.Wait(); err != nil {
		return nil, err
	}

	resolvedVersions := make(map[string]string, len(atomReqs))
	for i, req := range atomReqs {
		key := req.alias + "." + req.label
		if v := atomResults[i]; v.Label != "" {
			resolvedVersions[key] = v.Version
			continue
		}
		for _, a := range keepAtoms {
			if a.Label == req.label {
				resolvedVersions[key] = a.Version
				break
			}
		}
	}

	pg, pgctx := errgroup.WithContext(ctx)
	pinResults := make([]lockfile.PinLock, len(pinReqs))
	for i, req := range pinReqs {
		i, req := i, req
		if satisfiedPin(keepPins, req) {
			continue
		}
		pg.Go(func() error {
			p, err := r.ResolvePin(pgctx, req.backend, req.name, req.dep, resolvedVersions)
			if err != nil {
				return err
			}
			pinResults[i] = p
			return nil
		})
	}
	if err := pg.Wait(); err != nil {
		return nil, err
	}

	for k, v := range keepAtoms {
		next.Atoms[k] = v
	}
	for k, v := range keepPins {
		next.Pins[k] = v
	}
	for i, req := range atomReqs {
		if v := atomResults[i]; v.Label != "" {
			next.PutAtom(v)
			next.SetMirrors(v.Set, []string(req.mirrors))
		}
	}
	for i := range pinReqs {
		if v := pinResults[i]; v.Name != "" {
			next.PutPin(v)
		}
	}

	if _, err := next.Marshal(); err != nil {
		return nil, ekaerr.New(ekaerr.IO, op, err)
	}
	return next, nil
}

func requirementsOf(m *manifest.Manifest) []requirement {
	var out []requirement
	for alias, labels := range m.AtomDeps() {
		mirrors := m.Sets()[alias]
		for label, rng := range labels {
			out = append(out, requirement{
				key: "atom:" + alias + ":" + label, isAtom: true,
				alias: alias, mirrors: mirrors, label: label, rng: rng,
			})
		}
	}
	for backend, deps := range m.DirectDeps() {
		for name, dep := range deps {
			out = append(out, requirement{
				key: "pin:" + string(backend) + ":" + name,
				backend: backend, name: name, dep: dep,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func wantAtomLabel(reqs []requirement, label string) bool {
	for _, r := range reqs {
		if r.isAtom && r.label == label {
			return true
		}
	}
	return false
}

func satisfiedAtom(kept map[string]lockfile.AtomLock, req requirement) bool {
	for _, a := range kept {
		if a.Label != req.label {
			continue
		}
		v, err := semver.StrictNewVersion(a.Version)
		if err != nil {
			return false
		}
		c, err := semver.NewConstraint(req.rng)
		if err != nil {
			return false
		}
		return c.Check(v)
	}
	return false
}

func satisfiedPin(kept map[string]lockfile.PinLock, req requirement) bool {
	_, ok := kept[req.name]
	return ok
}
