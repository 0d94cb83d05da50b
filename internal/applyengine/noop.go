package applyengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prn-tf/deltarepo/internal/deltametadata"
)

// NoopPlugin is the reference plugin: it copies every file from deltaDir
// over sourceDir's tree into outDir, with no binary-diff encoding at all.
// It exists so the engine's orchestration (scratch handling, validation,
// atomic swap) is exercisable end to end without depending on a real
// byte-diff codec, which stays outside this module's scope.
type NoopPlugin struct{}

func (NoopPlugin) Name() string { return "noop" }

func (NoopPlugin) NeededMetadata(bundle deltametadata.PluginBundle) []string {
	return []string{"primary"}
}

func (NoopPlugin) Apply(ctx context.Context, sourceDir, deltaDir, outDir string, bundle deltametadata.PluginBundle) error {
	if err := copyTree(sourceDir, outDir); err != nil {
		return fmt.Errorf("noop plugin: seed from source: %w", err)
	}
	if err := copyTree(deltaDir, outDir); err != nil {
		return fmt.Errorf("noop plugin: overlay delta: %w", err)
	}
	return nil
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
