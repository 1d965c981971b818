package permission

// Mask64 is a set of up to 64 permission bits.
type Mask64 uint64

// Has reports whether bit is set. With rootReserved, a set bit 63 grants
// every bit.
func (m Mask64) Has(bit int, rootReserved bool) bool {
	if bit < 0 || bit >= 64 {
		return false
	}
	if rootReserved && m&(1<<63) != 0 {
		return true
	}
	return m&(1<<uint(bit)) != 0
}

// Set turns bit on.
func (m *Mask64) Set(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m |= 1 << uint(bit)
}

// Clear turns bit off.
func (m *Mask64) Clear(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m &^= 1 << uint(bit)
}

// Union returns m | other.
func (m Mask64) Union(other Mask64) Mask64 {
	return m | other
}

func (m Mask64) Raw() uint64 {
	return uint64(m)
}
