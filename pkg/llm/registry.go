package llm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProviderNotFound is returned when a named provider is not
// registered.
var ErrProviderNotFound = errors.New("llm provider not found")

type entry struct {
	provider     Provider
	defaultModel string
}

// Registry maps configured provider names to bindings. Agents name a
// provider plus an optional model; Resolve returns the binding and the
// effective model. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds a provider under a name. Re-registering a name
// replaces the binding.
func (r *Registry) Register(name string, p Provider, defaultModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{provider: p, defaultModel: defaultModel}
}

// Resolve returns the provider for name and the model to use: the
// requested model when non-empty, the provider's default otherwise.
func (r *Registry) Resolve(name, model string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	if model == "" {
		model = e.defaultModel
	}
	return e.provider, model, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Close closes every registered provider, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, e := range r.entries {
		if err := e.provider.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing provider %q: %w", name, err)
		}
	}
	r.entries = make(map[string]entry)
	return first
}
