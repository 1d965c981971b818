// Package permission maps GMP permission names to bits of a 64-bit mask and
// composes role masks from them.
//
// Bit positions are assigned by [Registry.Register] in registration order and
// stay stable for the lifetime of the process. The highest bit can be reserved
// as a root bit that satisfies every permission check.
//
// This package is a pure in-memory data structure. It must not access Redis,
// databases or the network, and must not import gmpauth, jwt or session.
package permission
