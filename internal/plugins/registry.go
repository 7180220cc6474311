// Package plugins provides a registry of message sources.
package plugins

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/config"
)

// Env carries what a source may need to build its reader.
type Env struct {
	Config config.Config
	// HTTPClient returns an authorized client for the given OAuth scopes. Only sources
	// with RequiredScopes call it.
	HTTPClient func(scopes ...string) (*http.Client, error)
}

// SourcePlugin defines the interface for message source plugins.
type SourcePlugin interface {
	// Name returns the plugin name used in SOURCES (e.g., "telegram", "relay").
	Name() string
	// Description returns a human-readable description.
	Description() string
	// RequiredScopes returns the OAuth scopes needed by this plugin.
	RequiredScopes() []string
	// NewReader creates a new reader instance.
	NewReader(env Env, logger *slog.Logger) (api.Reader, error)
}

// Registry manages available source plugins.
type Registry struct {
	sources map[string]SourcePlugin
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourcePlugin),
	}
}

// Register registers a source plugin.
func (r *Registry) Register(plugin SourcePlugin) error {
	name := plugin.Name()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source plugin %q already registered", name)
	}
	r.sources[name] = plugin
	return nil
}

// Get returns a source plugin by name.
func (r *Registry) Get(name string) (SourcePlugin, error) {
	plugin, exists := r.sources[name]
	if !exists {
		return nil, fmt.Errorf("source plugin %q not found", name)
	}
	return plugin, nil
}

// List returns all registered source plugins sorted by name.
func (r *Registry) List() []SourcePlugin {
	plugins := make([]SourcePlugin, 0, len(r.sources))
	for _, plugin := range r.sources {
		plugins = append(plugins, plugin)
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name() < plugins[j].Name() })
	return plugins
}

// GetAllScopes returns the deduplicated, sorted OAuth scopes required by the named sources.
func (r *Registry) GetAllScopes(names ...string) ([]string, error) {
	var scopes []string
	for _, name := range names {
		plugin, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, plugin.RequiredScopes()...)
	}

	slices.Sort(scopes)
	return slices.Compact(scopes), nil
}

// CreateReader creates a reader instance from a plugin.
func (r *Registry) CreateReader(name string, env Env, logger *slog.Logger) (api.Reader, error) {
	plugin, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return plugin.NewReader(env, logger)
}
