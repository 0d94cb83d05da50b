package applyengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltarepo/internal/deltametadata"
)

func TestNoopPluginOverlaysDeltaOverSource(t *testing.T) {
	sourceDir := t.TempDir()
	deltaDir := t.TempDir()
	outDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "primary.xml"), []byte("source-primary"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "filelists.xml"), []byte("source-filelists"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(deltaDir, "primary.xml"), []byte("new-primary"), 0o644))

	p := NoopPlugin{}
	require.NoError(t, p.Apply(context.Background(), sourceDir, deltaDir, outDir, deltametadata.PluginBundle{}))

	got, err := os.ReadFile(filepath.Join(outDir, "primary.xml"))
	require.NoError(t, err)
	assert.Equal(t, "new-primary", string(got), "delta tree must overlay source tree")

	got, err = os.ReadFile(filepath.Join(outDir, "filelists.xml"))
	require.NoError(t, err)
	assert.Equal(t, "source-filelists", string(got), "untouched source files must survive")
}

func TestNoopPluginName(t *testing.T) {
	assert.Equal(t, "noop", NoopPlugin{}.Name())
}
