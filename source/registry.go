package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/dltstream/internal/runtime/logging"
)

// Registry maps source names to builders. Source packages register
// themselves in init.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global source registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a source builder. The name should match the SourceSystem
// config value (e.g. "tcp", "file").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates a source using the builder registered for the config's
// SourceSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := cfg.GetSourceSystem()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered source names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Has reports whether a source is registered under the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a source builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a source using the default registry.
func Build(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Source, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
