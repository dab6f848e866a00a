package source

import (
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/config"
)

// ErrUnknownAdapter is returned for an adapter name outside the closed set.
var ErrUnknownAdapter = eris.New("source: unknown adapter")

// Registry maps adapter names to implementations.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns the registry of every built-in adapter.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(&NMPARegistration{})
	r.Register(&UDIDI{})
	r.Register(&NHSACode{})
	r.Register(&Procurement{})
	return r
}

// Register adds a, replacing any adapter with the same name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownAdapter, "%q", name)
	}
	return a, nil
}

// Names returns the adapter names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Validate checks that every configured source names a known adapter.
func (r *Registry) Validate(snap *config.Snapshot) error {
	for _, key := range snap.Keys() {
		sc := snap.Sources[key]
		if _, err := r.Get(sc.Adapter); err != nil {
			return eris.Wrapf(err, "config: source %q", key)
		}
	}
	return nil
}
