package bucket

import (
	"sync/atomic"
)

// Registry maps type names to published bucket configurations. Replacement
// swaps an immutable snapshot pointer, so readers always observe either the
// old or the new mapping in full; a request keeps whatever snapshot it
// resolved at dispatch time.
type Registry struct {
	snapshot atomic.Pointer[map[string]*Type]
}

// NewRegistry returns a registry publishing types. The map is validated and
// then owned by the registry; callers must not mutate it afterwards.
func NewRegistry(types map[string]*Type) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(types); err != nil {
		return nil, err
	}
	return r, nil
}

// Get resolves name in the current snapshot.
func (r *Registry) Get(name string) (*Type, bool) {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	t, ok := (*snap)[name]
	return t, ok
}

// Replace validates types and atomically publishes them as the new
// snapshot. On validation failure the previous snapshot is retained.
func (r *Registry) Replace(types map[string]*Type) error {
	if types == nil {
		types = map[string]*Type{}
	}
	if err := ValidateSet(types); err != nil {
		return err
	}
	r.snapshot.Store(&types)
	return nil
}

// Len reports how many types the current snapshot holds.
func (r *Registry) Len() int {
	snap := r.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(*snap)
}

// Names returns the type names in the current snapshot.
func (r *Registry) Names() []string {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	names := make([]string, 0, len(*snap))
	for name := range *snap {
		names = append(names, name)
	}
	return names
}
