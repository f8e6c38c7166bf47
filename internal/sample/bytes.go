package sample

import (
	"encoding/binary"
	"math"
)

// Decode fills dst with little-endian samples read from raw and returns the
// number of samples written. Trailing bytes that do not form a whole sample
// are ignored.
func Decode[T Sample](dst []T, raw []byte) int {
	var zero T
	switch any(zero).(type) {
	case int16:
		n := min(len(dst), len(raw)/2)
		for i := 0; i < n; i++ {
			dst[i] = T(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
		return n
	case uint16:
		n := min(len(dst), len(raw)/2)
		for i := 0; i < n; i++ {
			dst[i] = T(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return n
	case int32:
		n := min(len(dst), len(raw)/4)
		for i := 0; i < n; i++ {
			dst[i] = T(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return n
	case float32:
		n := min(len(dst), len(raw)/4)
		for i := 0; i < n; i++ {
			dst[i] = T(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return n
	}
	return 0
}

// AppendEncode appends the little-endian encoding of src to dst
func AppendEncode[T Sample](dst []byte, src []T) []byte {
	for _, v := range src {
		switch x := any(v).(type) {
		case int16:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(x))
		case uint16:
			dst = binary.LittleEndian.AppendUint16(dst, x)
		case int32:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(x))
		case float32:
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(x))
		}
	}
	return dst
}

// Count returns how many samples of format f fit in n bytes
func Count(f Format, n int) int {
	if f.Size() == 0 {
		return 0
	}
	return n / f.Size()
}
