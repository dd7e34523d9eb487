package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// defaultRoutes maps model-name prefixes to provider names. Longest prefix
// wins, so explicit entries can carve out exceptions.
var defaultRoutes = map[string]string{
	"gpt-":    "openai",
	"chatgpt": "openai",
	"o1":      "openai",
	"o3":      "openai",
	"o4":      "openai",
	"claude":  "anthropic",
	"gemini":  "google",
	"command": "cohere",
	"azure/":  "azure",
}

// Registry routes canonical requests to the adapter owning the model.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	routes   map[string]string
}

// NewRegistry creates a registry with the default model routing table.
func NewRegistry() *Registry {
	routes := make(map[string]string, len(defaultRoutes))
	for k, v := range defaultRoutes {
		routes[k] = v
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		routes:   routes,
	}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// AddRoute maps a model-name prefix to a provider name, overriding or
// extending the default table.
func (r *Registry) AddRoute(prefix, providerName string) {
	r.mu.Lock()
	r.routes[strings.ToLower(prefix)] = providerName
	r.mu.Unlock()
}

// ForModel resolves the adapter for a model name. Returns
// ErrNoHealthyProvider when nothing routes to the model or the routed
// provider is not registered.
func (r *Registry) ForModel(modelName string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.ToLower(modelName)
	bestLen := -1
	bestProvider := ""
	for prefix, providerName := range r.routes {
		if strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestProvider = providerName
		}
	}
	if bestProvider == "" {
		return nil, fmt.Errorf("%w: no route for model %q", ErrNoHealthyProvider, modelName)
	}

	a, ok := r.adapters[bestProvider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured for model %q", ErrNoHealthyProvider, bestProvider, modelName)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthSnapshot probes every registered adapter. Used by readiness checks
// and the providers status endpoint, not on the request path.
func (r *Registry) HealthSnapshot(ctx context.Context) map[string]bool {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		out[a.Name()] = a.HealthCheck(ctx)
	}
	return out
}
