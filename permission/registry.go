package permission

import (
	"errors"
	"sync"
)

const maxBits = 64

var (
	ErrRegistryFrozen    = errors.New("registry frozen")
	ErrUnknownPermission = errors.New("permission not registered")
)

// Registry maps permission names to bit positions within a [Mask64].
type Registry struct {
	rootReserved bool
	rootBit      int

	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName []string
	frozen    bool
}

// NewRegistry creates an empty registry. rootReserved keeps bit 63 for the
// super-admin root permission, leaving 63 assignable bits.
func NewRegistry(rootReserved bool) *Registry {
	r := &Registry{
		rootReserved: rootReserved,
		rootBit:      -1,
		nameToBit:    make(map[string]int),
	}
	if rootReserved {
		r.rootBit = maxBits - 1
	}
	return r
}

// Register assigns the next free bit to name and returns it.
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, ErrRegistryFrozen
	}
	if name == "" {
		return -1, errors.New("permission name cannot be empty")
	}
	if _, exists := r.nameToBit[name]; exists {
		return -1, errors.New("permission already registered: " + name)
	}

	next := len(r.bitToName)
	if r.rootReserved && next >= r.rootBit {
		return -1, errors.New("permission limit exceeded (root bit reserved)")
	}
	if next >= maxBits {
		return -1, errors.New("permission limit exceeded")
	}

	r.nameToBit[name] = next
	r.bitToName = append(r.bitToName, name)
	return next, nil
}

// RegisterAll registers names in order and stops at the first error.
func (r *Registry) RegisterAll(names []string) error {
	for _, n := range names {
		if _, err := r.Register(n); err != nil {
			return err
		}
	}
	return nil
}

// Bit returns the bit index for the named permission.
func (r *Registry) Bit(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// Name returns the permission name for the given bit index.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bit < 0 || bit >= len(r.bitToName) {
		return "", false
	}
	return r.bitToName[bit], true
}

// Names lists the permissions contained in m, in registration order. A mask
// carrying the root bit contains every registered permission.
func (r *Registry) Names(m Mask64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bitToName))
	for bit, name := range r.bitToName {
		if m.Has(bit, r.rootReserved) {
			out = append(out, name)
		}
	}
	return out
}

// Has reports whether m grants the named permission. Unknown names are denied.
func (r *Registry) Has(m Mask64, name string) bool {
	bit, ok := r.Bit(name)
	if !ok {
		return false
	}
	return m.Has(bit, r.rootReserved)
}

// Freeze prevents further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered permissions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bitToName)
}

// RootBit returns the reserved root bit, or false when reservation is off.
func (r *Registry) RootBit() (int, bool) {
	if !r.rootReserved {
		return -1, false
	}
	return r.rootBit, true
}

// RootReserved reports whether bit 63 is the root bit.
func (r *Registry) RootReserved() bool {
	return r.rootReserved
}
