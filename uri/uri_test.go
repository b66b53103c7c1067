package uri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ghAliases(token string) (string, bool) {
	if token == "gh" {
		return "https://github.com/", true
	}
	return "", false
}

// TestURI_S4_AliasExpansion is the literal scenario from spec §8 S4.
func TestURI_S4_AliasExpansion(t *testing.T) {
	u, err := Parse("gh:user/repo::pkg@^1", ghAliases)
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/user/repo", u.CanonicalURL())
	assert.Equal(t, "pkg", u.Label)
	assert.Equal(t, "^1", u.Range)
	assert.Equal(t, "https", u.Scheme)
}

// TestURI_S4_SSHInference is the second half of spec §8 S4.
func TestURI_S4_SSHInference(t *testing.T) {
	u, err := Parse("git@host:org/repo::pkg", NoAliases)
	require.NoError(t, err)

	assert.Equal(t, "ssh", u.Scheme)
	assert.Equal(t, "git", u.User)
	assert.Equal(t, "host", u.Host)
	assert.Equal(t, "/org/repo", u.Path)
	assert.Equal(t, "pkg", u.Label)
}

func TestURI_AliasExpansionInvariance(t *testing.T) {
	aliased, err := Parse("gh:user/repo::pkg@^1", ghAliases)
	require.NoError(t, err)

	expanded, err := Parse("https://github.com/user/repo::pkg@^1", NoAliases)
	require.NoError(t, err)

	assert.Equal(t, expanded.CanonicalURL(), aliased.CanonicalURL())
	assert.Equal(t, expanded.Label, aliased.Label)
	assert.Equal(t, expanded.Range, aliased.Range)
}

func TestURI_SchemeInferenceTable(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"https://example.com/foo", "https"},
		{"example.com/foo", "https"},
		{"git@example.com:org/repo", "ssh"},
		{"user@example.com/foo", "ssh"},
		{"/local/path", "file"},
	}

	for _, tc := range cases {
		u, err := Parse(tc.input, NoAliases)
		require.NoErrorf(t, err, "input %q", tc.input)
		assert.Equalf(t, tc.expected, u.Scheme, "input %q", tc.input)
	}
}

func TestURI_PinnedRefForm(t *testing.T) {
	u, err := Parse("https://example.com/foo^^deadbeef", NoAliases)
	require.NoError(t, err)
	assert.True(t, u.IsPinnedRef())
	assert.Equal(t, "deadbeef", u.Ref)
	assert.False(t, u.IsAtom())
}

func TestURI_RejectsInvalidLabel(t *testing.T) {
	_, err := Parse("https://example.com/foo::has space", NoAliases)
	assert.Error(t, err)
}

func TestURI_RejectsInvalidRange(t *testing.T) {
	_, err := Parse("https://example.com/foo::pkg@not-a-range!!", NoAliases)
	assert.Error(t, err)
}
