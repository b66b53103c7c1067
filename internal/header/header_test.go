package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtom_EncodeParseRoundTrip(t *testing.T) {
	a := Atom{
		Label:        "button",
		Version:      "1.2.3",
		SourcePath:   "pkg/button",
		ContentHash:  "blake3:deadbeef",
		SourceCommit: "0123456789abcdef0123456789abcdef01234567",
	}

	parsed, err := ParseAtom(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseAtom_RejectsWrongSubject(t *testing.T) {
	_, err := ParseAtom("eka set identity\n\norigin: abc\n")
	assert.Error(t, err)
}

func TestParseAtom_RejectsMalformedSubject(t *testing.T) {
	_, err := ParseAtom("atom button-no-version\n\nsource-path: x\n")
	assert.Error(t, err)
}

func TestInit_EncodeParseRoundTrip(t *testing.T) {
	i := Init{OriginMode: "root", SetLabel: "", Origin: "0123456789abcdef0123456789abcdef01234567"}

	parsed, err := ParseInit(i.Encode())
	require.NoError(t, err)
	assert.Equal(t, i, parsed)
}

func TestParseInit_MissingOriginIsError(t *testing.T) {
	_, err := ParseInit("eka set identity\n\norigin-mode: root\n")
	assert.Error(t, err)
}

func TestManifest_SubjectLine(t *testing.T) {
	assert.Equal(t, "atom manifest button@1.0.0\n", Manifest("button", "1.0.0"))
}
