package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite_CreatesFileAndLeavesNoTempBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atom.toml")

	require.NoError(t, Write(path, []byte("label = \"button\"\n"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "label = \"button\"\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staged temp file should remain after a successful write")
}

func TestWrite_OverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eka.lock")
	require.NoError(t, Write(path, []byte("version = 1\n"), 0o644))
	require.NoError(t, Write(path, []byte("version = 2\n"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version = 2\n", string(data))
}

func TestWriteAll_StagesEveryFileBeforeCommittingAny(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		filepath.Join(dir, "atom.toml"): []byte("a"),
		filepath.Join(dir, "eka.lock"):  []byte("b"),
	}
	require.NoError(t, WriteAll(files, 0o644))

	for path, want := range files {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWriteAll_FailsAtomicallyWhenTargetDirMissing(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		filepath.Join(dir, "atom.toml"):         []byte("a"),
		filepath.Join(dir, "missing", "x.toml"): []byte("b"),
	}
	err := WriteAll(files, 0o644)
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "atom.toml"))
	assert.True(t, os.IsNotExist(statErr), "no partial file should land when one member of the batch fails to stage")
}
