package lockfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLock() *Lockfile {
	l := New()
	l.PutAtom(AtomLock{Label: "button", Version: "1.1.2", Set: "aa", Rev: "deadbeef", ID: "bbbb"})
	l.PutAtom(AtomLock{Label: "widget", Version: "2.0.0", Set: "aa", Rev: "cafef00d", ID: "aaaa"})
	l.PutPin(PinLock{Type: PinTar, Name: "zzz", URL: "https://example/z.tar.gz", Hash: "sha256:abc"})
	l.PutPin(PinLock{Type: PinPlain, Name: "aaa-pin", URL: "https://example/a", Hash: "sha256:def"})
	return l
}

func TestMarshal_DeterministicOrder(t *testing.T) {
	l := sampleLock()
	out, err := l.Marshal()
	require.NoError(t, err)

	out2, err := l.Marshal()
	require.NoError(t, err)
	assert.Equal(t, out, out2)

	parsed, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, 2, len(parsed.Atoms))
	assert.Equal(t, 2, len(parsed.Pins))
}

func TestParse_RejectsUnknownTag(t *testing.T) {
	doc := `version = 1

[[deps]]
type = "mystery"
name = "x"
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParse_RejectsWrongVersion(t *testing.T) {
	_, err := Parse([]byte("version = 2\n"))
	assert.Error(t, err)
}

func TestParse_RejectsIncompleteAtomEntry(t *testing.T) {
	doc := `version = 1

[[deps]]
type = "atom"
label = "button"
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestLockfile_Equal(t *testing.T) {
	a := sampleLock()
	b := sampleLock()
	eq, err := a.Equal(b)
	require.NoError(t, err)
	assert.True(t, eq)

	b.PutAtom(AtomLock{Label: "other", Version: "1.0.0", Set: "aa", Rev: "x", ID: "cccc"})
	eq, err = a.Equal(b)
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestSetMirrors_PreservesOrderAndAppends(t *testing.T) {
	l := New()
	l.SetMirrors("origin-key", []string{"https://a", "https://b"})
	assert.Equal(t, []string{"https://a", "https://b"}, l.Sets["origin-key"])

	l.SetMirrors("origin-key", []string{"https://b", "https://c"})
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, l.Sets["origin-key"])
}

// TestSanitizeReconcileShape exercises the S5 scenario's expected shape at
// the lockfile level: removing a manifest requirement's entry leaves the
// remaining entries untouched and exactly matching what's left.
func TestSanitizeReconcileShape(t *testing.T) {
	l := sampleLock()
	delete(l.Atoms, "bbbb")

	assert.Equal(t, 1, len(l.Atoms))
	_, stillThere := l.Atoms["aaaa"]
	assert.True(t, stillThere)
}
