package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWorkingRepo creates a real on-disk repository with one atom directory
// committed, mirroring the local working copy a publisher actually runs
// against.
func newWorkingRepo(t *testing.T) (repo *git.Repository, dir string, head plumbing.Hash) {
	t.Helper()
	dir = t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	atomDir := filepath.Join(dir, "pkg", "button")
	require.NoError(t, os.MkdirAll(atomDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(atomDir, "atom.toml"), []byte(`[package]
label = "button"
version = "1.0.0"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(atomDir, "main.go"), []byte("package button\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".")
	require.NoError(t, err)

	sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0).UTC()}
	hash, err := wt.Commit("initial", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	return repo, dir, hash
}

func TestDiscover_FindsAtomAndRejectsLabelCollision(t *testing.T) {
	_, dir, _ := newWorkingRepo(t)

	candidates, err := Discover(dir, []string{"pkg/button"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "button", candidates[0].Manifest.Label())
	assert.Equal(t, "pkg/button", candidates[0].Path)

	// A second declared path resolving to the same label collides.
	secondDir := filepath.Join(dir, "pkg", "button2")
	require.NoError(t, os.MkdirAll(secondDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(secondDir, "atom.toml"), []byte(`[package]
label = "button"
version = "2.0.0"
`), 0o644))

	_, err = Discover(dir, []string{"pkg/button", "pkg/button2"})
	assert.Error(t, err)
}

func TestPublisher_Publish_NewAtomIsPublished(t *testing.T) {
	repo, dir, head := newWorkingRepo(t)

	candidates, err := Discover(dir, []string{"pkg/button"})
	require.NoError(t, err)

	remoteDir := t.TempDir()
	_, err = git.PlainInit(remoteDir, true)
	require.NoError(t, err)

	p := &Publisher{Repo: repo, URL: "file://" + remoteDir}
	results, err := p.Publish(context.Background(), head, candidates)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Published, results[0].Outcome)
	assert.Equal(t, "button", results[0].Label)
	assert.Equal(t, "1.0.0", results[0].Version)
}

func TestPublisher_Publish_RepublishIsSkipped(t *testing.T) {
	repo, dir, head := newWorkingRepo(t)
	candidates, err := Discover(dir, []string{"pkg/button"})
	require.NoError(t, err)

	remoteDir := t.TempDir()
	_, err = git.PlainInit(remoteDir, true)
	require.NoError(t, err)

	p := &Publisher{Repo: repo, URL: "file://" + remoteDir}
	first, err := p.Publish(context.Background(), head, candidates)
	require.NoError(t, err)
	require.Equal(t, Published, first[0].Outcome)

	second, err := p.Publish(context.Background(), head, candidates)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, Skipped, second[0].Outcome)
	assert.Equal(t, first[0].AtomCommit, second[0].AtomCommit)
}
