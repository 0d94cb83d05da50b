package repoprobe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repomdXML = `<?xml version="1.0" encoding="UTF-8"?>
<repomd>
  <revision>42</revision>
  <data type="primary">
    <checksum type="sha256">abc123</checksum>
    <location href="repodata/primary.xml"/>
    <size>111</size>
    <open-size>222</open-size>
    <timestamp>1000</timestamp>
  </data>
  <data type="filelists">
    <checksum type="sha256">def456</checksum>
    <location href="repodata/filelists.xml"/>
    <size>333</size>
    <open-size>444</open-size>
    <timestamp>2000</timestamp>
  </data>
</repomd>`

const primaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<metadata>
  <package type="rpm">
    <checksum type="sha256" pkgid="YES">aaa</checksum>
    <location href="pkgs/a.rpm"/>
  </package>
</metadata>`

func TestFromRepomd(t *testing.T) {
	s, err := FromRepomd(strings.NewReader(repomdXML))
	require.NoError(t, err)

	assert.Equal(t, "42", s.Revision)
	assert.EqualValues(t, 2000, s.MaxTimestamp)
	assert.True(t, s.HasType("primary"))
	assert.True(t, s.HasType("filelists"))
	assert.False(t, s.HasType("other"))
}

func TestSnapshotCostWhitelist(t *testing.T) {
	s, err := FromRepomd(strings.NewReader(repomdXML))
	require.NoError(t, err)

	assert.EqualValues(t, 111+333, s.Cost(nil, false))
	assert.EqualValues(t, 111, s.Cost([]string{"primary"}, false))
}

func TestFromLocalPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repodata"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(repomdXML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "primary.xml"), []byte(primaryXML), 0o644))

	s, err := FromLocalPath(dir, zerolog.Nop(), "sha256", true)
	require.NoError(t, err)

	assert.Equal(t, "42", s.Revision)
	assert.NotEmpty(t, s.ContentHash)
	assert.Equal(t, "sha256", s.ContentHashType)
	assert.Positive(t, s.RepomdSize)
}

func TestFromLocalPathWithoutContentHash(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repodata"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(repomdXML), 0o644))

	s, err := FromLocalPath(dir, zerolog.Nop(), "sha256", false)
	require.NoError(t, err)
	assert.Empty(t, s.ContentHash)
}
