package permission

import (
	"encoding/binary"
	"errors"
)

const (
	maskCodecVersion byte = 1
	encodedMaskSize       = 9
)

var ErrInvalidMaskEncoding = errors.New("invalid mask encoding")

// EncodeMask returns the wire form of m: a version byte followed by the
// mask in big-endian order.
func EncodeMask(m Mask64) []byte {
	b := make([]byte, encodedMaskSize)
	b[0] = maskCodecVersion
	binary.BigEndian.PutUint64(b[1:], uint64(m))
	return b
}

// DecodeMask parses the output of EncodeMask.
func DecodeMask(data []byte) (Mask64, error) {
	if len(data) != encodedMaskSize || data[0] != maskCodecVersion {
		return 0, ErrInvalidMaskEncoding
	}
	return Mask64(binary.BigEndian.Uint64(data[1:])), nil
}
