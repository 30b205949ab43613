package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/converge-bio/converge-go/internal/domain"
)

// Registry maps capability names to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds every capability of the adapter. A duplicate capability is
// a wiring error and is rejected.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, capability := range adapter.Capabilities() {
		capability = strings.TrimSpace(capability)
		if capability == "" {
			return fmt.Errorf("adapter %q declares an empty capability", adapter.Source())
		}
		if existing, ok := r.adapters[capability]; ok {
			return fmt.Errorf("capability %q already registered by %q", capability, existing.Source())
		}
		r.adapters[capability] = adapter
	}
	return nil
}

// Resolve returns the adapter serving one capability.
func (r *Registry) Resolve(capability string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[capability]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewAdapterError("registry", domain.AdapterErrInvalidRequest,
			fmt.Sprintf("capability %q is not registered", capability))
	}
	return adapter, nil
}

// Dispatch resolves and invokes one capability.
func (r *Registry) Dispatch(ctx context.Context, capability string, params map[string]any) (domain.Records, error) {
	adapter, err := r.Resolve(capability)
	if err != nil {
		return nil, err
	}
	return adapter.Call(ctx, capability, params)
}

// Capabilities lists every registered capability in lexical order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for capability := range r.adapters {
		out = append(out, capability)
	}
	sort.Strings(out)
	return out
}
