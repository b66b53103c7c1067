// Package publish synthesizes and pushes atom commits from a set's working
// repository (spec §4.8, C8).
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/facebookgo/symwalk"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"golang.org/x/sync/errgroup"

	"github.com/ekala-project/eka/internal/ekaerr"
	"github.com/ekala-project/eka/internal/header"
	"github.com/ekala-project/eka/internal/logging"
	"github.com/ekala-project/eka/manifest"
	"github.com/ekala-project/eka/remote"
)

// Outcome is the per-atom publish result (spec §4.8 step 5).
type Outcome string

const (
	Published Outcome = "published"
	Skipped   Outcome = "skipped"
	Conflict  Outcome = "conflict"
)

// Result reports what happened to one candidate atom.
type Result struct {
	Label, Version string
	Outcome        Outcome
	AtomCommit     plumbing.Hash
	Err            error
}

// Candidate is one discovered atom.toml, ready to publish.
type Candidate struct {
	Path     string // directory relative to the repository root
	Manifest *manifest.Manifest
}

// Discover walks rootDir via a symlink-safe walk, loading the atom.toml
// found under each declared atom path (spec §4.8 step 1 "Validate"),
// rejecting two atoms that share a label before anything touches the
// remote.
func Discover(rootDir string, atomPaths []string) ([]Candidate, error) {
	const op = "publish.Discover"

	seenLabels := make(map[string]string, len(atomPaths))
	out := make([]Candidate, 0, len(atomPaths))

	for _, rel := range atomPaths {
		dir := filepath.Join(rootDir, rel)
		var manifestPath string
		err := symwalk.Walk(dir, func(p string, info os.FileInfo, werr error) error {
			if werr != nil {
				return werr
			}
			if !info.IsDir() && filepath.Base(p) == "atom.toml" {
				manifestPath = p
			}
			return nil
		})
		if err != nil {
			return nil, ekaerr.New(ekaerr.IO, op, err)
		}
		if manifestPath == "" {
			return nil, ekaerr.New(ekaerr.Input, op, fmt.Errorf("no atom.toml found under %s", rel))
		}

		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			return nil, ekaerr.New(ekaerr.IO, op, err)
		}
		m, err := manifest.Parse(raw)
		if err != nil {
			return nil, err
		}

		if prev, dup := seenLabels[m.Label()]; dup {
			return nil, ekaerr.New(ekaerr.Consistency, op, fmt.Errorf("%w: %q declared at both %s and %s", ekaerr.ErrLabelCollision, m.Label(), prev, rel))
		}
		seenLabels[m.Label()] = rel

		out = append(out, Candidate{Path: rel, Manifest: m})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Publisher synthesizes and pushes atom commits out of a real, on-disk
// working repository (spec §4.8). It writes directly into Repo's own
// object store and pushes straight from it, so every object an atom
// commit's tree references is already present for the push.
type Publisher struct {
	Repo *git.Repository
	URL  string
	Auth transport.AuthMethod

	// Log receives this Publisher's diagnostic output; nil discards it.
	Log logging.Logger
}

const publishRemoteName = "eka-publish"

// ensureRemote creates the publish remote on Repo the first time it's
// needed; subsequent calls find the existing remote and reuse it.
func (p *Publisher) ensureRemote() error {
	const op = "publish.ensureRemote"
	if _, err := p.Repo.Remote(publishRemoteName); err == nil {
		return nil
	}
	if _, err := p.Repo.CreateRemote(&config.RemoteConfig{Name: publishRemoteName, URLs: []string{p.URL}}); err != nil {
		return ekaerr.New(ekaerr.Remote, op, err)
	}
	return nil
}

// Publish runs spec §4.8 steps 2-5: ls-refs filter, per-atom commit
// synthesis, parallel ref push, and per-atom outcome reporting.
func (p *Publisher) Publish(ctx context.Context, sourceCommit plumbing.Hash, candidates []Candidate) ([]Result, error) {
	const op = "publish.Publish"

	commit, err := p.Repo.CommitObject(sourceCommit)
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, op, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, ekaerr.New(ekaerr.IO, op, err)
	}

	if err := p.ensureRemote(); err != nil {
		return nil, err
	}

	log := logging.Or(p.Log)

	existing := make(map[string]plumbing.Hash, len(candidates))
	for _, c := range candidates {
		glob := remote.RefAtom(c.Manifest.Label(), c.Manifest.Version())
		entries, lerr := remote.ListRefsOn(ctx, p.Repo, publishRemoteName, p.Auth, glob, log)
		if lerr != nil {
			return nil, lerr
		}
		if len(entries) > 0 {
			existing[c.Manifest.Label()+"@"+c.Manifest.Version()] = entries[0].ID
		}
	}

	results := make([]Result, len(candidates))
	var mu sync.Mutex
	var updates []remote.RefUpdate

	var g errgroup.Group
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			entryTree, terr := tree.Tree(c.Path)
			if terr != nil {
				return ekaerr.New(ekaerr.Input, op, fmt.Errorf("locate tree for %s: %w", c.Path, terr))
			}

			// MVP content hash: reuse the host VCS's own tree id (spec §4.8
			// step 3b explicitly allows this for MVP).
			contentHash := entryTree.Hash.String()

			h := header.Atom{
				Label:        c.Manifest.Label(),
				Version:      c.Manifest.Version(),
				SourcePath:   c.Path,
				ContentHash:  contentHash,
				SourceCommit: sourceCommit.String(),
			}
			atomCommitHash, cerr := p.synthesizeCommit(entryTree.Hash, h.Encode())
			if cerr != nil {
				return cerr
			}

			key := h.Label + "@" + h.Version
			mu.Lock()
			prev, already := existing[key]
			mu.Unlock()
			if already {
				r := Result{Label: h.Label, Version: h.Version, AtomCommit: atomCommitHash}
				if prev == atomCommitHash {
					r.Outcome = Skipped
				} else {
					r.Outcome = Conflict
					r.Err = ekaerr.New(ekaerr.Consistency, op, fmt.Errorf("%w: %s@%s", ekaerr.ErrAtomConflict, h.Label, h.Version))
				}
				mu.Lock()
				results[i] = r
				mu.Unlock()
				return nil
			}

			manifestTreeHash, merr := p.writeManifestTree(c.Manifest.Bytes())
			if merr != nil {
				return merr
			}
			manifestCommitHash, merr := p.synthesizeCommit(manifestTreeHash, header.Manifest(h.Label, h.Version))
			if merr != nil {
				return merr
			}

			mu.Lock()
			updates = append(updates,
				remote.RefUpdate{Name: remote.RefAtom(h.Label, h.Version), ID: atomCommitHash},
				remote.RefUpdate{Name: remote.RefManifest(h.Label, h.Version), ID: manifestCommitHash},
				remote.RefUpdate{Name: remote.RefOrigin(h.Label, h.Version), ID: sourceCommit},
			)
			results[i] = Result{Label: h.Label, Version: h.Version, Outcome: Published, AtomCommit: atomCommitHash}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(updates) > 0 {
		if err := remote.PushRefsOn(ctx, p.Repo, p.URL, p.Auth, updates, log); err != nil {
			return nil, err
		}
	}

	for _, r := range results {
		switch r.Outcome {
		case Published:
			log.Info("atom published", "op", op, "label", r.Label, "version", r.Version, "commit", r.AtomCommit.String())
		case Skipped:
			log.Debug("atom already published, skipped", "op", op, "label", r.Label, "version", r.Version)
		case Conflict:
			log.Error("atom conflict", "op", op, "label", r.Label, "version", r.Version, "err", r.Err)
		}
	}

	for _, r := range results {
		if r.Outcome == Conflict {
			return results, r.Err
		}
	}
	return results, nil
}

func (p *Publisher) synthesizeCommit(treeHash plumbing.Hash, message string) (plumbing.Hash, error) {
	const op = "publish.synthesizeCommit"
	commit := &object.Commit{
		Author:    remote.FixedAuthor,
		Committer: remote.FixedAuthor,
		Message:   message,
		TreeHash:  treeHash,
	}
	obj := p.Repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	hash, err := p.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	return hash, nil
}

// writeManifestTree synthesizes the minimal manifest-only tree containing
// just atom.toml, for the manifest ref (spec §4.8 step 3d).
func (p *Publisher) writeManifestTree(atomTOML []byte) (plumbing.Hash, error) {
	const op = "publish.writeManifestTree"

	blobObj := p.Repo.Storer.NewEncodedObject()
	blobObj.SetType(plumbing.BlobObject)
	w, err := blobObj.Writer()
	if err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	if _, err := w.Write(atomTOML); err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	blobHash, err := p.Repo.Storer.SetEncodedObject(blobObj)
	if err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}

	t := &object.Tree{Entries: []object.TreeEntry{{Name: "atom.toml", Mode: filemode.Regular, Hash: blobHash}}}
	treeObj := p.Repo.Storer.NewEncodedObject()
	if err := t.Encode(treeObj); err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	hash, err := p.Repo.Storer.SetEncodedObject(treeObj)
	if err != nil {
		return plumbing.ZeroHash, ekaerr.New(ekaerr.IO, op, err)
	}
	return hash, nil
}
