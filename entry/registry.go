package entry

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownType is returned when a type tag has no registered descriptor.
var ErrUnknownType = errors.New("unknown entry type")

// Descriptor ties a type tag to the codec for its payloads.
type Descriptor struct {
	Type  Type
	Name  string
	Codec PayloadCodec
}

// Registry maps type tags to payload descriptors. A registry is an explicit
// value handed to the frame codec rather than process wide state, so tests
// and embedders can run isolated type sets side by side.
type Registry struct {
	mtx   sync.RWMutex
	types map[Type]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[Type]Descriptor),
	}
}

// Register adds a descriptor to the registry.
// It returns an error for the reserved tag, a duplicate tag, or a nil codec.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == TypeNone {
		return errors.Errorf("type tag %d is reserved", TypeNone)
	}

	if d.Codec == nil {
		return errors.Errorf("descriptor for type %d has no codec", d.Type)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.types[d.Type]; ok {
		return errors.Errorf("type %d already registered as %q", d.Type, existing.Name)
	}

	r.types[d.Type] = d

	return nil
}

// Resolve returns the descriptor registered for tag t,
// or ErrUnknownType if there is none.
func (r *Registry) Resolve(t Type) (Descriptor, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	d, ok := r.types[t]
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrUnknownType, "tag %d", t)
	}

	return d, nil
}
