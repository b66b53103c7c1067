// Package remote implements the lightweight Git remote ref store every
// other component resolves and publishes through (spec §4.5, C5).
//
// Every exposed operation is a single ls-refs-style query, a shallow object
// fetch, or a ref push — nothing here ever performs a full clone. Auth is
// whatever transport.AuthMethod the caller configured via its Git credential
// helpers; this package never shells out to an external git binary (spec
// §4.5 "MUST NOT invoke external binaries").
package remote

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"golang.org/x/sync/errgroup"

	"github.com/ekala-project/eka/internal/ekaerr"
	"github.com/ekala-project/eka/internal/header"
	"github.com/ekala-project/eka/internal/logging"
)

// Namespace is the ref prefix reserved for eka's own refs (spec §6, §9 "Ref
// namespace hygiene").
const Namespace = "refs/ekala/"

// RefInit, RefAtom, RefManifest, RefOrigin, and GlobAtomVersions name
// well-known refs under Namespace (spec §4.5, §6).
const (
	RefInit = Namespace + "init"
)

func RefAtom(label, version string) string      { return fmt.Sprintf("%satoms/%s/%s", Namespace, label, version) }
func RefManifest(label, version string) string  { return fmt.Sprintf("%smanifests/%s/%s", Namespace, label, version) }
func RefOrigin(label, version string) string     { return fmt.Sprintf("%sorigins/%s/%s", Namespace, label, version) }
func GlobAtomVersions(label string) string       { return fmt.Sprintf("%satoms/%s/*", Namespace, label) }

// RefEntry is one (name, object id) pair returned by a ref listing.
type RefEntry struct {
	Name string
	ID   plumbing.Hash
}

// RefUpdate is one ref a push should create or move.
type RefUpdate struct {
	Name string
	ID   plumbing.Hash
}

// FixedAuthor is the constant commit identity every atom and init commit
// carries, so their ids only ever depend on content (spec §3 "Atom
// commit").
var FixedAuthor = object.Signature{
	Name:  "eka",
	Email: "eka@ekala.project",
	When:  time.Unix(0, 0).UTC(),
}

// Store is a lightweight handle onto one remote URL. It lazily opens an
// in-memory scratch repository the first time it needs one; nothing is
// written to the filesystem by this package.
type Store struct {
	url  string
	auth transport.AuthMethod
	repo *git.Repository
	log  logging.Logger
}

// Open returns a Store bound to one remote URL. Pass nil auth to rely on
// whatever ambient Git credential helper the transport locates. Pass nil
// log to discard this Store's diagnostic output.
func Open(url string, auth transport.AuthMethod, log logging.Logger) *Store {
	return &Store{url: url, auth: auth, log: logging.Or(log)}
}

// Repository exposes the underlying scratch repository so a caller (the
// Publisher) can write new commit/tree objects into it before pushing them.
func (s *Store) Repository() (*git.Repository, error) {
	return s.ensure()
}

func (s *Store) ensure() (*git.Repository, error) {
	if s.repo != nil {
		return s.repo, nil
	}
	repo, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, ekaerr.New(ekaerr.Remote, "remote.Store.ensure", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{s.url}}); err != nil {
		return nil, ekaerr.New(ekaerr.Remote, "remote.Store.ensure", err)
	}
	s.repo = repo
	return repo, nil
}

// withDeadline runs fn on its own goroutine and returns ctx.Err() wrapped as
// a Remote error if the deadline fires first, satisfying spec §5 "Every
// remote operation accepts a deadline."
func withDeadline[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ekaerr.New(ekaerr.Remote, op, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.v, ekaerr.New(ekaerr.Remote, op, r.err)
		}
		return r.v, nil
	}
}

// ListRefs performs one ls-refs-style query: it lists every ref the remote
// advertises and filters them client-side with path.Match. No server-side
// filtering is requested (spec §4.5).
func (s *Store) ListRefs(ctx context.Context, glob string) ([]RefEntry, error) {
	repo, err := s.ensure()
	if err != nil {
		return nil, err
	}
	return ListRefsOn(ctx, repo, "origin", s.auth, glob, s.log)
}

// ListRefsOn performs the same ls-refs-style query as Store.ListRefs, but
// against a caller-supplied repository and its named remote. The Publisher
// uses this to query the real, on-disk working repository it publishes
// from, rather than an ephemeral in-memory one.
func ListRefsOn(ctx context.Context, repo *git.Repository, remoteName string, auth transport.AuthMethod, glob string, log logging.Logger) ([]RefEntry, error) {
	const op = "remote.ListRefsOn"
	log = logging.Or(log)
	rem, err := repo.Remote(remoteName)
	if err != nil {
		return nil, ekaerr.New(ekaerr.Remote, op, err)
	}

	refs, err := withDeadline(ctx, op, func() ([]*plumbing.Reference, error) {
		return rem.List(&git.ListOptions{Auth: auth})
	})
	if err != nil {
		log.Warn("ls-remote failed", "op", op, "glob", glob, "err", err)
		return nil, err
	}

	out := make([]RefEntry, 0, len(refs))
	for _, r := range refs {
		name := r.Name().String()
		matched, merr := path.Match(glob, name)
		if merr != nil {
			return nil, ekaerr.New(ekaerr.Input, op, merr)
		}
		if matched {
			out = append(out, RefEntry{Name: name, ID: r.Hash()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	log.Debug("listed refs", "op", op, "glob", glob, "matched", len(out))
	return out, nil
}

// FetchObjects performs a minimal, shallow download of exactly the named
// refs — the atom commit and its tree, nothing else (spec §4.5).
func (s *Store) FetchObjects(ctx context.Context, refNames []string, shallow bool) (*git.Repository, error) {
	repo, err := s.ensure()
	if err != nil {
		return nil, err
	}
	origin, err := repo.Remote("origin")
	if err != nil {
		return nil, ekaerr.New(ekaerr.Remote, "remote.FetchObjects", err)
	}

	specs := make([]config.RefSpec, len(refNames))
	for i, name := range refNames {
		specs[i] = config.RefSpec(fmt.Sprintf("+%s:%s", name, name))
	}
	opts := &git.FetchOptions{RefSpecs: specs, Auth: s.auth}
	if shallow {
		opts.Depth = 1
	}

	_, err = withDeadline(ctx, "remote.FetchObjects", func() (struct{}, error) {
		ferr := origin.FetchContext(ctx, opts)
		if ferr == git.NoErrAlreadyUpToDate {
			ferr = nil
		}
		return struct{}{}, ferr
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("fetched objects", "op", "remote.FetchObjects", "refs", len(refNames), "shallow", shallow)
	return repo, nil
}

// PushRefs publishes ref updates, one push connection per ref so that
// independent atoms publish in parallel (spec §4.5 "MUST allow parallel
// pushes over multiple connections").
func (s *Store) PushRefs(ctx context.Context, updates []RefUpdate) error {
	repo, err := s.ensure()
	if err != nil {
		return err
	}
	return PushRefsOn(ctx, repo, s.url, s.auth, updates, s.log)
}

// PushRefsOn pushes updates out of repo's own object store to url, one
// connection per ref. The Publisher uses this directly against the
// on-disk working repository, since the objects it just synthesized live
// there, not in any Store's ephemeral in-memory repo.
func PushRefsOn(ctx context.Context, repo *git.Repository, url string, auth transport.AuthMethod, updates []RefUpdate, log logging.Logger) error {
	const op = "remote.PushRefsOn"
	log = logging.Or(log)
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range updates {
		i, u := i, u
		g.Go(func() error {
			name := fmt.Sprintf("eka-push-%d", i)
			rem, rerr := repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
			if rerr != nil {
				return ekaerr.New(ekaerr.Remote, op, rerr)
			}
			spec := config.RefSpec(fmt.Sprintf("%s:%s", u.ID.String(), u.Name))
			_, perr := withDeadline(gctx, op, func() (struct{}, error) {
				e := rem.Push(&git.PushOptions{RefSpecs: []config.RefSpec{spec}, Auth: auth})
				if e == git.NoErrAlreadyUpToDate {
					e = nil
				}
				return struct{}{}, e
			})
			if perr != nil {
				log.Warn("ref push failed", "op", op, "ref", u.Name, "err", perr)
			}
			return perr
		})
	}
	err := g.Wait()
	if err == nil {
		log.Debug("pushed refs", "op", op, "count", len(updates))
	}
	return err
}

// InitRemote creates refs/ekala/init if absent, or verifies the existing one
// matches h, idempotently (spec §4.5 "init_remote").
func (s *Store) InitRemote(ctx context.Context, h header.Init) (plumbing.Hash, error) {
	const op = "remote.InitRemote"

	existing, err := s.ListRefs(ctx, RefInit)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	repo, err := s.ensure()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	emptyTreeObj := repo.Storer.NewEncodedObject()
	if err := (&object.Tree{}).Encode(emptyTreeObj); err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	emptyTreeHash, err := repo.Storer.SetEncodedObject(emptyTreeObj)
	if err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}

	commit := &object.Commit{
		Author:    FixedAuthor,
		Committer: FixedAuthor,
		Message:   h.Encode(),
		TreeHash:  emptyTreeHash,
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	desired, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}

	if len(existing) > 0 {
		if existing[0].ID != desired {
			return plumbing.ZeroHash, ekaerr.New(ekaerr.Consistency, op,
				fmt.Errorf("existing %s (%s) differs from requested init (%s)", RefInit, existing[0].ID, desired))
		}
		s.log.Debug("init ref already matches", "op", op, "id", desired.String())
		return desired, nil
	}

	if err := s.PushRefs(ctx, []RefUpdate{{Name: RefInit, ID: desired}}); err != nil {
		return plumbing.ZeroHash, err
	}
	s.log.Info("set identity recorded", "op", op, "id", desired.String())
	return desired, nil
}

// FetchInit fetches and parses refs/ekala/init from the remote, giving a
// caller the set's Origin and chosen origin-derivation mode without a full
// clone (spec §4.6 step 4).
func (s *Store) FetchInit(ctx context.Context) (header.Init, plumbing.Hash, error) {
	const op = "remote.FetchInit"

	entries, err := s.ListRefs(ctx, RefInit)
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, err
	}
	if len(entries) == 0 {
		return header.Init{}, plumbing.ZeroHash, ekaerr.New(ekaerr.Remote, op, fmt.Errorf("%s not found", RefInit))
	}

	repo, err := s.FetchObjects(ctx, []string{RefInit}, true)
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, err
	}
	commit, err := repo.CommitObject(entries[0].ID)
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, ekaerr.New(ekaerr.Remote, op, err)
	}
	h, err := header.ParseInit(commit.Message)
	if err != nil {
		return header.Init{}, plumbing.ZeroHash, ekaerr.New(ekaerr.Input, op, err)
	}
	return h, entries[0].ID, nil
}
