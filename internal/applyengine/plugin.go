// Package applyengine orchestrates applying a resolved chain of deltas to a
// local snapshot: for each link, download the delta repository, hand its
// payload and metadata bundle to the plugin that produced it, validate the
// result, then atomically swap it into place.
package applyengine

import (
	"context"

	"github.com/prn-tf/deltarepo/internal/deltametadata"
)

// Plugin is the black-box contract a delta's producer implements: given a
// source tree and a delta tree (plus whatever bundle data the plugin wrote
// into deltametadata.xml), produce the destination tree. The engine never
// looks inside a delta's payload itself — applying it is entirely the
// plugin's concern.
type Plugin interface {
	// Name identifies the plugin, matching the name recorded in a
	// PluginBundle.
	Name() string

	// NeededMetadata returns the repomd.xml data types this plugin needs
	// present in the source tree to apply bundle. Engine does not call
	// it: downloads follow the caller-supplied whitelist only.
	NeededMetadata(bundle deltametadata.PluginBundle) []string

	// Apply transforms sourceDir + deltaDir into outDir using bundle.
	Apply(ctx context.Context, sourceDir, deltaDir, outDir string, bundle deltametadata.PluginBundle) error
}

// Registry looks up a Plugin by name.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds or replaces a plugin under its own Name().
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Get looks up a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}
