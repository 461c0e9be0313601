package messaging

import (
	"sort"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const envconfigPrefix = "MESSAGING"

// DefaultBackend is the name of the backend used when none is configured.
const DefaultBackend = "memory"

// BackendFactory returns a new Backend configured from environment variables.
type BackendFactory func() (Backend, error)

var (
	backendsMu        sync.RWMutex
	backendFactories = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available by the provided name. Backend
// packages call it from an init function. If RegisterBackend is called twice
// with the same name or if factory is nil, it panics.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("messaging: RegisterBackend factory is nil")
	}
	if _, dup := backendFactories[name]; dup {
		panic("messaging: RegisterBackend called twice for backend " + name)
	}
	backendFactories[name] = factory
}

// Backends returns a sorted list of the names of the registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend returns a new instance of the named backend.
func NewBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backendFactories[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf(
			"unknown backend %q (forgotten import?); registered backends: %v",
			name,
			Backends(),
		)
	}
	backend, err := factory()
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing %s backend", name)
	}
	return backend, nil
}

// config represents the configuration for selecting a backend
type config struct {
	Backend string `envconfig:"BACKEND" default:"memory"`
}

// NewBackendFromEnvironment returns a new instance of the backend named by the
// MESSAGING_BACKEND environment variable, which defaults to "memory".
func NewBackendFromEnvironment() (Backend, error) {
	c := config{}
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return nil, errors.Wrap(
			err,
			"error getting messaging configuration from environment",
		)
	}
	return NewBackend(c.Backend)
}
