package sboxd

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nuln/sboxd/internal/metrics"
)

// Config carries what a provider factory needs at construction time.
type Config struct {
	// Type is the backend name: "internal", "usb", "cloud", "network".
	Type string

	// Options holds driver-specific configuration.
	Options map[string]any

	// Locator resolves drives of other backends.
	Locator Locator

	// ProgressInterval is how often Copy/Move poll their tracker.
	ProgressInterval time.Duration

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Factory is a function that creates a [Provider] from a [Config].
type Factory func(cfg *Config) (Provider, error)

// Registry maps backend names to factories. It is populated before any
// request is dispatched and only read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the registry drivers add themselves to from init().
var Default = NewRegistry()

// Register makes a provider available by the provided name.
// It panics if called twice with the same name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("sboxd: driver %q already registered", name))
	}
	r.factories[name] = factory
}

// Drivers returns a sorted list of all registered driver names.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a new [Provider] using the registered driver specified in
// cfg.Type. Unknown names yield a NotSupported error.
func (r *Registry) Open(cfg *Config) (Provider, error) {
	if cfg == nil {
		return nil, Errorf(CodeInvalidParameter, "sboxd: config must not be nil")
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, Errorf(CodeNotSupported, "sboxd: unknown driver %q (forgotten import?)", cfg.Type)
	}

	return factory(cfg)
}

// Register adds a driver to the Default registry.
func Register(name string, factory Factory) { Default.Register(name, factory) }

// Drivers lists the Default registry.
func Drivers() []string { return Default.Drivers() }
