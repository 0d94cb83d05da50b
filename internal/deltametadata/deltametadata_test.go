package deltametadata

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdditionalXmlDataSetGet(t *testing.T) {
	var d AdditionalXmlData
	d.Set("algo", "cdc")
	d.Set("chunk_size", "4096")
	d.Set("algo", "cdc-v2") // overwrite

	v, ok := d.Get("algo")
	require.True(t, ok)
	assert.Equal(t, "cdc-v2", v)

	_, ok = d.Get("missing")
	assert.False(t, ok)
}

func TestAdditionalXmlDataAppendPreservesOrder(t *testing.T) {
	var d AdditionalXmlData
	d.Append("metadata_types", map[string]string{"type": "primary"})
	d.Append("metadata_types", map[string]string{"type": "filelists"})

	list := d.GetList("metadata_types")
	require.Len(t, list, 2)
	assert.Equal(t, "primary", list[0]["type"])
	assert.Equal(t, "filelists", list[1]["type"])
}

func TestPluginNamesPreservesAddOrder(t *testing.T) {
	m := &Metadata{}
	m.AddPluginBundle(PluginBundle{Name: "zzz", Version: "1.0"})
	m.AddPluginBundle(PluginBundle{Name: "aaa", Version: "1.0"})
	m.AddPluginBundle(PluginBundle{Name: "zzz", Version: "2.0"}) // replace, not reorder

	assert.Equal(t, []string{"zzz", "aaa"}, m.PluginNames())
	b, ok := m.GetPluginBundle("zzz")
	require.True(t, ok)
	assert.Equal(t, "2.0", b.Version)
}

func TestMetadataRoundTrip(t *testing.T) {
	m := &Metadata{
		RevisionSrc:     "1",
		RevisionDst:     "2",
		ContentHashSrc:  "aaa",
		ContentHashDst:  "bbb",
		ContentHashType: "sha256",
		TimestampSrc:    10,
		TimestampDst:    20,
	}

	var bundleData AdditionalXmlData
	bundleData.Set("chunk_size", "4096")
	bundleData.Append("metadata_types", map[string]string{"type": "primary"})
	bundleData.Append("metadata_types", map[string]string{"type": "filelists"})

	m.AddPluginBundle(PluginBundle{Name: "cdc", Version: "1.0", Data: bundleData})

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))

	decoded, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.RevisionSrc, decoded.RevisionSrc)
	assert.Equal(t, m.ContentHashDst, decoded.ContentHashDst)
	assert.Equal(t, m.TimestampDst, decoded.TimestampDst)

	bundle, ok := decoded.GetPluginBundle("cdc")
	require.True(t, ok)
	assert.Equal(t, "1.0", bundle.Version)

	chunkSize, ok := bundle.Data.Get("chunk_size")
	require.True(t, ok)
	assert.Equal(t, "4096", chunkSize)

	types := bundle.Data.GetList("metadata_types")
	require.Len(t, types, 2)
	assert.Equal(t, "primary", types[0]["type"])
	assert.Equal(t, "filelists", types[1]["type"])
}

func TestCheckRejectsIdenticalEndpoints(t *testing.T) {
	m := &Metadata{ContentHashSrc: "same", ContentHashDst: "same"}
	assert.Error(t, m.Check())
}

func TestCheckRejectsPluginBundleMissingIdentity(t *testing.T) {
	m := &Metadata{ContentHashSrc: "a", ContentHashDst: "b"}
	m.AddPluginBundle(PluginBundle{Name: "cdc", Version: ""})
	assert.Error(t, m.Check())
}

func TestPluginBundleCheck(t *testing.T) {
	assert.Error(t, PluginBundle{}.Check())
	assert.Error(t, PluginBundle{Name: "cdc"}.Check())
	assert.NoError(t, PluginBundle{Name: "cdc", Version: "1.0"}.Check())
}
