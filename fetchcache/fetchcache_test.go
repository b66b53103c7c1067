package fetchcache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGitLoader backs an in-process "file" git transport (spec §4.7's
// git+rev fetch goes over real Git transport, not an HTTP GET), so fetchGitRev
// can be exercised without a system git binary or network access. go-git's
// server.MapLoader maps an endpoint path straight to a storage.Storer.
var testGitLoader = server.MapLoader{}
var registerTestGitOnce sync.Once

func registerTestGitTransport() {
	registerTestGitOnce.Do(func() {
		transport.Register("file", server.NewServer(testGitLoader))
	})
}

func TestCache_Ingest_CachesAcrossCalls(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := New(NewMemoryBackend(), 0, nil, nil)
	ctx := context.Background()

	m1, err := c.Ingest(ctx, srv.URL, MethodPlain, "", "")
	require.NoError(t, err)
	assert.Equal(t, "blake3:"+hashHex("payload"), m1.NarHash)

	m2, err := c.Ingest(ctx, srv.URL, MethodPlain, "", "")
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second ingest must hit the cache, not the network")
}

func TestCache_Lookup_MissWithoutNetwork(t *testing.T) {
	c := New(NewMemoryBackend(), 0, nil, nil)
	_, ok, err := c.Lookup(context.Background(), "https://example/never-fetched", MethodPlain)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Ingest_RejectsIntegrityMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := New(NewMemoryBackend(), 0, nil, nil)
	_, err := c.Ingest(context.Background(), srv.URL, MethodPlain, "", "blake3:deadbeef")
	assert.Error(t, err)
}

func TestCache_MaybeVerify_DetectsCorruption(t *testing.T) {
	backend := NewMemoryBackend()
	c := New(backend, 1, nil, nil)
	ctx := context.Background()

	require.NoError(t, backend.PutBlob(ctx, "blake3:deadbeef", []byte("original")))
	require.NoError(t, backend.PutManifest(ctx, manifestKey("https://x", MethodPlain), Manifest{
		URL: "https://x", Method: MethodPlain, NarHash: "blake3:deadbeef", StorePath: "blake3:deadbeef",
	}))

	require.NoError(t, backend.PutBlob(ctx, "blake3:deadbeef", []byte("tampered")))

	_, _, err := c.Lookup(ctx, "https://x", MethodPlain)
	assert.Error(t, err)
}

func hashHex(s string) string {
	m := narHash([]byte(s))
	return m[len("blake3:"):]
}

func TestFileBackend_RoundTripsBlobAndManifest(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.PutBlob(ctx, "k1", []byte("hello")))
	data, ok, err := backend.GetBlob(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	_, ok, err = backend.GetBlob(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Manifest{URL: "https://x", Method: MethodPlain, NarHash: "blake3:abc", StorePath: "abc"}
	require.NoError(t, backend.PutManifest(ctx, manifestKey("https://x", MethodPlain), want))
	got, ok, err := backend.GetManifest(ctx, manifestKey("https://x", MethodPlain))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCache_Ingest_PersistsAcrossFileBackendInstances(t *testing.T) {
	dir := t.TempDir()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	backend1, err := NewFileBackend(dir)
	require.NoError(t, err)
	c1 := New(backend1, 0, nil, nil)
	_, err = c1.Ingest(context.Background(), srv.URL, MethodPlain, "", "")
	require.NoError(t, err)

	backend2, err := NewFileBackend(dir)
	require.NoError(t, err)
	c2 := New(backend2, 0, nil, nil)
	_, err = c2.Ingest(context.Background(), srv.URL, MethodPlain, "", "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "a fresh Cache over the same directory must reuse the persisted manifest")
}

func TestCache_Ingest_MethodTar_HashesUnpackedContent(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{"a.txt": "hello", "sub/b.txt": "world"}
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	archive := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	c := New(NewMemoryBackend(), 0, nil, nil)
	m, err := c.Ingest(context.Background(), srv.URL, MethodTar, "", "")
	require.NoError(t, err)

	want := serializeEntries([]fileEntry{{Name: "a.txt", Data: []byte("hello")}, {Name: "sub/b.txt", Data: []byte("world")}})
	assert.Equal(t, narHash(want), m.NarHash, "tar pin must hash unpacked directory content, not the raw archive bytes")

	// Unpacking yields the same entries whatever order the archive lists them in.
	entries, err := entriesFromTar(archive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []fileEntry{{Name: "a.txt", Data: []byte("hello")}, {Name: "sub/b.txt", Data: []byte("world")}}, entries)
}

func TestCache_Ingest_MethodGitRev_FetchesViaGitTransport(t *testing.T) {
	registerTestGitTransport()

	srcRepo, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)

	blobObj := srcRepo.Storer.NewEncodedObject()
	blobObj.SetType(plumbing.BlobObject)
	w, err := blobObj.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte("revved content"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	blobHash, err := srcRepo.Storer.SetEncodedObject(blobObj)
	require.NoError(t, err)

	tree := &object.Tree{Entries: []object.TreeEntry{{Name: "file.txt", Mode: filemode.Regular, Hash: blobHash}}}
	treeObj := srcRepo.Storer.NewEncodedObject()
	require.NoError(t, tree.Encode(treeObj))
	treeHash, err := srcRepo.Storer.SetEncodedObject(treeObj)
	require.NoError(t, err)

	sig := object.Signature{Name: "t", Email: "t@t", When: time.Unix(0, 0).UTC()}
	commit := &object.Commit{Author: sig, Committer: sig, Message: "rev", TreeHash: treeHash}
	commitObj := srcRepo.Storer.NewEncodedObject()
	require.NoError(t, commit.Encode(commitObj))
	commitHash, err := srcRepo.Storer.SetEncodedObject(commitObj)
	require.NoError(t, err)

	url := fmt.Sprintf("file:///fetchcache-test-%s", commitHash.String())
	testGitLoader[url] = srcRepo.Storer

	c := New(NewMemoryBackend(), 0, nil, nil)
	m, err := c.Ingest(context.Background(), url, MethodGitRev, commitHash.String(), "")
	require.NoError(t, err)

	want := serializeEntries([]fileEntry{{Name: "file.txt", Data: []byte("revved content")}})
	assert.Equal(t, narHash(want), m.NarHash, "git+rev pin must hash the fetched tree's content, not an HTTP GET of the repo URL")
	assert.Equal(t, commitHash.String(), m.Rev)
}
