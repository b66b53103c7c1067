package remote

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekala-project/eka/internal/header"
)

// newBareRemote creates a throwaway bare repository on disk and returns a
// file:// URL for it, standing in for a real Git host without any network
// access (mirrors the local-mirror testing style of the teacher's own
// content-addressed store tests).
func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, true)
	require.NoError(t, err)
	return "file://" + dir
}

func TestStore_InitRemote_IsIdempotent(t *testing.T) {
	url := newBareRemote(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := header.Init{OriginMode: "root", Origin: "deadbeefcafef00d"}

	s1 := Open(url, nil, nil)
	id1, err := s1.InitRemote(ctx, h)
	require.NoError(t, err)
	assert.False(t, id1.IsZero())

	s2 := Open(url, nil, nil)
	id2, err := s2.InitRemote(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestStore_InitRemote_RejectsConflictingOrigin(t *testing.T) {
	url := newBareRemote(t)
	ctx := context.Background()

	first := header.Init{OriginMode: "root", Origin: "aaaa"}
	second := header.Init{OriginMode: "root", Origin: "bbbb"}

	_, err := Open(url, nil, nil).InitRemote(ctx, first)
	require.NoError(t, err)

	_, err = Open(url, nil, nil).InitRemote(ctx, second)
	assert.Error(t, err)
}

func TestStore_ListRefs_FiltersByGlob(t *testing.T) {
	url := newBareRemote(t)
	ctx := context.Background()

	h := header.Init{OriginMode: "root", Origin: "deadbeef"}
	_, err := Open(url, nil, nil).InitRemote(ctx, h)
	require.NoError(t, err)

	entries, err := Open(url, nil, nil).ListRefs(ctx, RefInit)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RefInit, entries[0].Name)

	none, err := Open(url, nil, nil).ListRefs(ctx, GlobAtomVersions("button"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_FetchInit_RoundTrips(t *testing.T) {
	url := newBareRemote(t)
	ctx := context.Background()

	h := header.Init{OriginMode: "root", Origin: "abc123"}
	_, err := Open(url, nil, nil).InitRemote(ctx, h)
	require.NoError(t, err)

	got, id, err := Open(url, nil, nil).FetchInit(ctx)
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Equal(t, h.OriginMode, got.OriginMode)
	assert.Equal(t, h.Origin, got.Origin)
}

func TestStore_ListRefs_RespectsCanceledContext(t *testing.T) {
	url := newBareRemote(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(url, nil, nil).ListRefs(ctx, RefInit)
	assert.Error(t, err)
}

func TestRefAtom_Naming(t *testing.T) {
	assert.Equal(t, "refs/ekala/atoms/button/1.0.0", RefAtom("button", "1.0.0"))
	assert.Equal(t, "refs/ekala/manifests/button/1.0.0", RefManifest("button", "1.0.0"))
	assert.Equal(t, "refs/ekala/origins/button/1.0.0", RefOrigin("button", "1.0.0"))
	assert.Equal(t, "refs/ekala/atoms/button/*", GlobAtomVersions("button"))
}
