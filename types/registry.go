package types

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"
)

// Registry maps type names to descriptors. It is safe for concurrent use and
// becomes read-only once frozen.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	frozen atomic.Bool
}

// NewRegistry returns a registry holding descs.
func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Descriptor)}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d under its name.
func (r *Registry) Register(d *Descriptor) error {
	if r.frozen.Load() {
		return fmt.Errorf("%w: register %s", ErrFrozen, d.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("%w: register %s", ErrFrozen, d.Name())
	}
	if _, ok := r.byName[d.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.name)
	}
	r.byName[d.name] = d
	return nil
}

// Lookup returns the descriptor registered under name. The name is
// normalized the same way descriptor names are.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	d, ok := r.byName[name]
	if !ok {
		d, ok = r.byName[norm.NFC.String(name)]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return d, nil
}

// Freeze makes the registry immutable. Lookups after Freeze take no lock.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
