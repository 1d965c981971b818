package permission

import (
	"errors"
	"strings"
	"sync"
)

// Wildcard is the permission entry that grants a role the root bit.
const Wildcard = "*"

// RoleManager holds the mask of every named role.
type RoleManager struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[string]Mask64
	frozen bool
}

// NewRoleManager returns an empty manager resolving names through registry.
func NewRoleManager(registry *Registry) *RoleManager {
	return &RoleManager{
		registry: registry,
		roles:    make(map[string]Mask64),
	}
}

// RegisterRole composes a mask for roleName. Entries are exact permission
// names, "resource:*" for every registered permission of that resource, or
// [Wildcard] for the root bit.
func (rm *RoleManager) RegisterRole(roleName string, permissionNames []string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.frozen {
		return errors.New("role manager frozen")
	}
	if roleName == "" {
		return errors.New("role name empty")
	}
	if _, exists := rm.roles[roleName]; exists {
		return errors.New("role already registered: " + roleName)
	}

	var mask Mask64
	for _, perm := range permissionNames {
		switch {
		case perm == Wildcard:
			bit, ok := rm.registry.RootBit()
			if !ok {
				return errors.New("role " + roleName + " requests root but root bit is not reserved")
			}
			mask.Set(bit)
		case strings.HasSuffix(perm, ":*"):
			bits := rm.resourceBits(strings.TrimSuffix(perm, "*"))
			if len(bits) == 0 {
				return errors.New("no permissions match " + perm)
			}
			for _, b := range bits {
				mask.Set(b)
			}
		default:
			bit, ok := rm.registry.Bit(perm)
			if !ok {
				return errors.New("permission not registered: " + perm)
			}
			mask.Set(bit)
		}
	}

	rm.roles[roleName] = mask
	return nil
}

func (rm *RoleManager) resourceBits(prefix string) []int {
	var bits []int
	for bit := 0; bit < rm.registry.Count(); bit++ {
		name, _ := rm.registry.Name(bit)
		if strings.HasPrefix(name, prefix) {
			bits = append(bits, bit)
		}
	}
	return bits
}

// GetMask returns the mask of roleName.
func (rm *RoleManager) GetMask(roleName string) (Mask64, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	mask, ok := rm.roles[roleName]
	return mask, ok
}

// MaskForRoles ORs the masks of roles. Roles that are not registered
// contribute nothing and are returned in unknown.
func (rm *RoleManager) MaskForRoles(roles []string) (mask Mask64, unknown []string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for _, r := range roles {
		m, ok := rm.roles[r]
		if !ok {
			unknown = append(unknown, r)
			continue
		}
		mask = mask.Union(m)
	}
	return mask, unknown
}

// IsPrivileged reports whether any of roles carries the root bit.
func (rm *RoleManager) IsPrivileged(roles []string) bool {
	bit, ok := rm.registry.RootBit()
	if !ok {
		return false
	}
	mask, _ := rm.MaskForRoles(roles)
	return mask&(1<<uint(bit)) != 0
}

// Roles returns the registered role names.
func (rm *RoleManager) Roles() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]string, 0, len(rm.roles))
	for name := range rm.roles {
		out = append(out, name)
	}
	return out
}

// Freeze prevents further role registrations.
func (rm *RoleManager) Freeze() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.frozen = true
}

// Count returns the number of registered roles.
func (rm *RoleManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.roles)
}
