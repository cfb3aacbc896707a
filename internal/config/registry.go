package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad/energy"
)

// DefaultVAD is the detector used when detection.vad is empty.
const DefaultVAD = "energy"

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps detector names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	vad map[string]func(DetectionConfig) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad: make(map[string]func(DetectionConfig) (vad.Engine, error)),
	}
}

// NewDefaultRegistry returns a [Registry] with the built-in detectors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterVAD(DefaultVAD, func(DetectionConfig) (vad.Engine, error) {
		return energy.New(), nil
	})
	return r
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(DetectionConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateVAD instantiates the VAD engine selected by d.VAD, or [DefaultVAD]
// when it is empty. Returns [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateVAD(d DetectionConfig) (vad.Engine, error) {
	name := d.VAD
	if name == "" {
		name = DefaultVAD
	}
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return factory(d)
}

// VADNames returns the registered detector names in sorted order.
func (r *Registry) VADNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.vad))
	for n := range r.vad {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
