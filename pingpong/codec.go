package pingpong

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// MarshalBuffer encodes buf as little-endian IEEE 754 values.
func MarshalBuffer(buf []float64) []byte {
	return AppendBuffer(nil, buf)
}

// AppendBuffer appends the encoding of buf to dst, growing dst at most once.
func AppendBuffer(dst []byte, buf []float64) []byte {
	dst = slices.Grow(dst, ElementSize*len(buf))
	for _, v := range buf {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}

// UnmarshalBuffer decodes data into buf. data must hold exactly len(buf) values.
func UnmarshalBuffer(data []byte, buf []float64) error {
	if len(data) != ElementSize*len(buf) {
		return fmt.Errorf("%w: received %d bytes into a buffer of %d elements", ErrTruncated, len(data), len(buf))
	}
	for i := range buf {
		buf[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[ElementSize*i:]))
	}
	return nil
}
