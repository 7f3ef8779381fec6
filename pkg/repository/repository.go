// Package repository defines the service directory a tracker resolves fact
// queries against, and a registry of the backends implementing it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/fact"
)

var (
	ErrUnknownBackend = errors.New("repository: unknown backend")
	ErrInvalidCfg     = errors.New("repository: invalid config")
	ErrClosed         = errors.New("repository: closed")
	ErrNoFacts        = errors.New("repository: facts are required")
)

// Repository stores the endpoint of services along with their facts.
type Repository interface {
	// Query returns the endpoint of every service matching all of facts.
	Query(ctx context.Context, facts fact.Set) ([]endpoint.Endpoint, error)

	// Add registers ep with facts, replacing the facts ep was registered
	// with, if any.
	Add(ctx context.Context, ep endpoint.Endpoint, facts fact.Set) error

	// Remove unregisters every service matching all of facts. An empty
	// facts fails with ErrNoFacts rather than matching every service.
	Remove(ctx context.Context, facts fact.Set) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend name, "memory" when empty.
	Backend string `yaml:"backend"`

	// Options understood by the backend.
	Options map[string]string `yaml:"options"`

	LogHandler slog.Handler `yaml:"-"`
}

// Factory opens a backend.
type Factory func(cfg Config) (Repository, error)

var registry = struct {
	lk        sync.RWMutex
	factories map[string]Factory
}{
	factories: make(map[string]Factory),
}

// Register makes a backend available under name. It panics when name is
// already taken.
func Register(name string, factory Factory) {
	registry.lk.Lock()
	defer registry.lk.Unlock()
	if factory == nil {
		panic("repository: Register factory is nil")
	}
	if _, dup := registry.factories[name]; dup {
		panic("repository: Register called twice for backend " + name)
	}
	registry.factories[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	registry.lk.RLock()
	defer registry.lk.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open the backend cfg selects.
func Open(cfg Config) (Repository, error) {
	if cfg.Backend == "" {
		cfg.Backend = MemoryBackend
	}

	registry.lk.RLock()
	factory, ok := registry.factories[cfg.Backend]
	registry.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	repo, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", cfg.Backend, err)
	}
	return repo, nil
}
