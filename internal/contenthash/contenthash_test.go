package contenthash

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const primaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<metadata>
  <package type="rpm">
    <checksum type="sha256" pkgid="YES">aaa111</checksum>
    <location href="pkgs/a-1.0.rpm" xml:base="http://mirror/repo"/>
  </package>
  <package type="rpm">
    <checksum type="sha256" pkgid="YES">bbb222</checksum>
    <location href="pkgs/b-1.0.rpm" xml:base="http://mirror/repo"/>
  </package>
</metadata>`

func TestReadPackageIDs(t *testing.T) {
	ids, err := ReadPackageIDs(strings.NewReader(primaryXML), false, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "aaa111", ids[0].PkgID)
	assert.Equal(t, "pkgs/a-1.0.rpm", ids[0].LocationHref)
	assert.Equal(t, "http://mirror/repo", ids[0].LocationBase)
}

func TestCalculateIsOrderIndependent(t *testing.T) {
	a := []PackageID{{PkgID: "1", LocationHref: "a"}, {PkgID: "2", LocationHref: "b"}}
	b := []PackageID{{PkgID: "2", LocationHref: "b"}, {PkgID: "1", LocationHref: "a"}}

	hashA, err := Calculate("sha256", a)
	require.NoError(t, err)
	hashB, err := Calculate("sha256", b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB, "content hash must not depend on package order")
}

func TestCalculateEmptySetIsStable(t *testing.T) {
	h1, err := Calculate("sha256", nil)
	require.NoError(t, err)
	h2, err := Calculate("sha256", []PackageID{})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	// The hash of zero concatenated identity strings is sha256("").
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", h1)
}

func TestCalculateLegacyShaAlias(t *testing.T) {
	pkgs := []PackageID{{PkgID: "x", LocationHref: "y"}}
	legacy, err := Calculate("sha", pkgs)
	require.NoError(t, err)
	direct, err := Calculate("sha1", pkgs)
	require.NoError(t, err)
	assert.Equal(t, direct, legacy)
}

func TestCalculateFromPrimaryXML(t *testing.T) {
	h, err := CalculateFromPrimaryXML(strings.NewReader(primaryXML), false, "sha256", zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, h, 64)
}

func TestReadPackageIDsMalformedXMLYieldsEmptySet(t *testing.T) {
	ids, err := ReadPackageIDs(strings.NewReader("not xml at all <<<"), false, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, ids)

	h, err := CalculateFromPrimaryXML(strings.NewReader("not xml at all <<<"), false, "sha256", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", h, "malformed input must fall back to the hash of the empty set")
}

func TestCalculateDistinguishesDifferentContent(t *testing.T) {
	a := []PackageID{{PkgID: "1", LocationHref: "a"}}
	b := []PackageID{{PkgID: "2", LocationHref: "a"}}

	hashA, err := Calculate("sha256", a)
	require.NoError(t, err)
	hashB, err := Calculate("sha256", b)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)
}
