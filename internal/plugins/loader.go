package plugins

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/parlancehq/parlance/internal/agent"
)

// Factory constructs a tool for a builtin manifest entry. The manifest's
// definition (name, description, schema, permissions) overrides whatever the
// constructed tool reports, so manifests stay the single source of truth.
type Factory func() (agent.Tool, error)

// PluginRecord is the loader's view of one loaded plugin.
type PluginRecord struct {
	ID      string
	Name    string
	Version string
	Source  string
	Builtin bool
	Tools   []string
}

type loadedPlugin struct {
	record PluginRecord
	tools  []agent.Tool
}

// Loader reads manifests and registers their tools.
type Loader struct {
	registry *agent.ToolRegistry
	logger   *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]*loadedPlugin
}

// NewLoader creates a plugin loader targeting the given registry.
func NewLoader(registry *agent.ToolRegistry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry:  registry,
		logger:    logger,
		factories: make(map[string]Factory),
		loaded:    make(map[string]*loadedPlugin),
	}
}

// RegisterFactory makes a builtin factory available to manifests.
func (l *Loader) RegisterFactory(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Load registers all tools from a manifest. On any failure the tools already
// registered for this manifest are rolled back, so a plugin is either fully
// loaded or not loaded at all.
func (l *Loader) Load(manifest *Manifest, source string) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.loaded[manifest.ID]; exists {
		return fmt.Errorf("plugin %s already loaded", manifest.ID)
	}

	lp := &loadedPlugin{
		record: PluginRecord{
			ID:      manifest.ID,
			Name:    manifest.Name,
			Version: manifest.Version,
			Source:  source,
			Builtin: manifest.Builtin,
		},
	}

	for i := range manifest.Tools {
		tm := &manifest.Tools[i]
		tool, err := l.buildTool(tm)
		if err != nil {
			l.rollback(lp)
			return fmt.Errorf("plugin %s: tool %q: %w", manifest.ID, tm.Name, err)
		}
		if err := l.registry.Register(tool); err != nil {
			l.rollback(lp)
			return fmt.Errorf("plugin %s: register %q: %w", manifest.ID, tm.Name, err)
		}
		lp.tools = append(lp.tools, tool)
		lp.record.Tools = append(lp.record.Tools, tool.Definition().Name)
	}

	l.loaded[manifest.ID] = lp
	l.logger.Info("plugin loaded",
		"plugin", manifest.ID,
		"version", manifest.Version,
		"tools", len(lp.tools))
	return nil
}

// LoadFile loads the manifest at path.
func (l *Loader) LoadFile(path string) error {
	manifest, err := DecodeManifestFile(path)
	if err != nil {
		return err
	}
	return l.Load(manifest, path)
}

// LoadDir walks a directory tree and loads every manifest found. Individual
// manifest failures are logged and skipped; the walk continues.
func (l *Loader) LoadDir(root string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}

	loaded := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}
		if err := l.LoadFile(path); err != nil {
			l.logger.Warn("skipping plugin manifest", "path", path, "error", err)
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("walk plugin dir: %w", err)
	}
	return loaded, nil
}

// Unload unregisters a plugin's tools and runs teardown hooks. Tools that
// implement io.Closer are closed. Conversations holding a registry snapshot
// from before the unload keep their view for the rest of the turn.
func (l *Loader) Unload(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lp, exists := l.loaded[id]
	if !exists {
		return fmt.Errorf("plugin %s not loaded", id)
	}
	l.rollback(lp)
	delete(l.loaded, id)
	l.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

// List returns records for loaded plugins, sorted by ID.
func (l *Loader) List() []PluginRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := make([]PluginRecord, 0, len(l.loaded))
	for _, lp := range l.loaded {
		records = append(records, lp.record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// rollback unregisters and tears down a plugin's tools. Caller holds l.mu.
func (l *Loader) rollback(lp *loadedPlugin) {
	for _, tool := range lp.tools {
		name := tool.Definition().Name
		l.registry.Unregister(name)
		if closer, ok := tool.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				l.logger.Warn("tool teardown failed", "tool", name, "error", err)
			}
		}
	}
}

func (l *Loader) buildTool(tm *ToolManifest) (agent.Tool, error) {
	switch tm.Handler.Type {
	case "builtin":
		factory, ok := l.factories[tm.Handler.Factory]
		if !ok {
			return nil, fmt.Errorf("unknown builtin factory %q", tm.Handler.Factory)
		}
		tool, err := factory()
		if err != nil {
			return nil, err
		}
		return &manifestTool{definition: mergeDefinition(tm, tool.Definition()), impl: tool}, nil
	case "http":
		return newHTTPTool(tm), nil
	default:
		return nil, fmt.Errorf("unknown handler type %q", tm.Handler.Type)
	}
}

// mergeDefinition applies manifest overrides on top of the tool's own contract.
func mergeDefinition(tm *ToolManifest, base agent.ToolDefinition) agent.ToolDefinition {
	def := base
	def.Name = tm.Name
	if tm.Description != "" {
		def.Description = tm.Description
	}
	if len(tm.Schema) > 0 {
		def.Schema = tm.Schema
	}
	if tm.Permissions != nil {
		def.Permissions = tm.Permissions
	}
	return def
}
