package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAtomId_Deterministic(t *testing.T) {
	origin, err := OriginFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)

	id1, err := ComputeAtomId(origin, "button")
	require.NoError(t, err)
	id2, err := ComputeAtomId(origin, "button")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.False(t, id1.IsZero())
}

func TestComputeAtomId_UniquePerOrigin(t *testing.T) {
	o1, err := OriginFromHex("0000000000000000000000000000000000000a")
	require.NoError(t, err)
	o2, err := OriginFromHex("0000000000000000000000000000000000000b")
	require.NoError(t, err)

	id1, err := ComputeAtomId(o1, "button")
	require.NoError(t, err)
	id2, err := ComputeAtomId(o2, "button")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestAtomIdRoundTripsThroughHex(t *testing.T) {
	origin, err := OriginFromHex("00000000000000000000000000000000000001")
	require.NoError(t, err)

	id, err := ComputeAtomId(origin, "core")
	require.NoError(t, err)

	parsed, err := AtomIdFromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestValidateLabel(t *testing.T) {
	cases := []struct {
		label string
		valid bool
	}{
		{"button", true},
		{"ui-kit", true},
		{"ボタン", true},
		{"", false},
		{".hidden", false},
		{"trailing.", false},
		{"a..b", false},
		{"has space", false},
		{"has/slash", false},
		{"has:colon", false},
		{"has@at", false},
		{"has^caret", false},
	}

	for _, tc := range cases {
		err := ValidateLabel(tc.label)
		if tc.valid {
			assert.NoErrorf(t, err, "expected %q to be valid", tc.label)
		} else {
			assert.Errorf(t, err, "expected %q to be invalid", tc.label)
		}
	}
}

func TestParseVersion_StrictSemver(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Major())

	_, err = ParseVersion("1.2")
	assert.Error(t, err)

	_, err = ParseVersion("v1.2.3")
	assert.Error(t, err)
}

func TestLegacyGitoid_DeterministicAndContentSensitive(t *testing.T) {
	id1, err := LegacyGitoid([]byte("hello"))
	require.NoError(t, err)
	id2, err := LegacyGitoid([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := LegacyGitoid([]byte("goodbye"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}
