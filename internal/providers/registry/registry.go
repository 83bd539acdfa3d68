package registry

import (
	"fmt"
	"sort"
)

// Registry holds the registered providers. Registration happens once at
// process start; afterwards the registry is read-only and safe for
// concurrent use.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds p under its kind. Registering the same kind twice panics:
// that is a wiring bug, not a runtime condition.
func (r *Registry) Register(p Provider) {
	kind := p.Kind()
	if _, exists := r.providers[kind]; exists {
		panic(fmt.Sprintf("registry: provider %q registered twice", kind))
	}
	r.providers[kind] = p
	r.order = append(r.order, kind)
}

// Get returns the provider registered under kind.
func (r *Registry) Get(kind string) (Provider, bool) {
	p, ok := r.providers[kind]
	return p, ok
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns the registered providers in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, kind := range r.order {
		out = append(out, r.providers[kind])
	}
	return out
}

// MetadataByCategory returns provider metadata grouped and sorted for
// listings: categories alphabetically, providers by display name within
// each.
func (r *Registry) MetadataByCategory() map[string][]Metadata {
	grouped := map[string][]Metadata{}
	for _, p := range r.All() {
		md := p.Metadata()
		grouped[md.Category] = append(grouped[md.Category], md)
	}
	for _, list := range grouped {
		sort.Slice(list, func(i, j int) bool {
			return list[i].DisplayName < list[j].DisplayName
		})
	}
	return grouped
}
