package hashalgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
)

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "sha1", Canonicalize("sha"))
	assert.Equal(t, "sha1", Canonicalize("SHA"))
	assert.Equal(t, "sha256", Canonicalize("  sha256  "))
	assert.Equal(t, "blake2b", Canonicalize("Blake2b"))
}

func TestNewSupportedAlgorithms(t *testing.T) {
	for _, name := range Supported() {
		h, err := New(name)
		require.NoError(t, err, "algorithm %q should construct", name)
		require.NotNil(t, h)
	}
}

func TestNewLegacyShaAlias(t *testing.T) {
	legacy, err := New("sha")
	require.NoError(t, err)
	direct, err := New("sha1")
	require.NoError(t, err)

	legacy.Write([]byte("hello"))
	direct.Write([]byte("hello"))
	assert.Equal(t, direct.Sum(nil), legacy.Sum(nil))
}

func TestNewUnknownAlgorithm(t *testing.T) {
	_, err := New("does-not-exist")
	assert.ErrorIs(t, err, deltaerrors.ErrUnknownAlgorithm)
}
