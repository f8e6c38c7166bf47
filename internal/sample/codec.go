package sample

import "math"

// I16ToF32 maps negative values by 1/32768 and non-negative values by 1/32767,
// so both extremes land exactly on -1.0 and 1.0.
func I16ToF32(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768.0
	}
	return float32(v) / 32767.0
}

// I16ToU16 applies a 32768 bias
func I16ToU16(v int16) uint16 {
	if v < 0 {
		return uint16(int32(v) - math.MinInt16)
	}
	return uint16(v) + 32768
}

// I16ToI32 sign-extends without scaling
func I16ToI32(v int16) int32 {
	return int32(v)
}

// I32ToI16 removes a 32768 offset and keeps the low 16 bits.
//
// This is not a full-range rescale: values are assumed to already sit in a
// 16-bit-equivalent magnitude. Anything outside wraps.
func I32ToI16(v int32) int16 {
	if v >= 32768 {
		return int16(v - 32768)
	}
	return int16(v) - 32767 - 1
}

// U16ToI16 removes the 32768 bias added by I16ToU16
func U16ToI16(v uint16) int16 {
	if v >= 32768 {
		return int16(v - 32768)
	}
	return int16(v) - 32767 - 1
}

// F32ToI32 scales by MaxInt32 for non-negative input and by -MinInt32 for
// negative input, truncating toward zero and saturating out-of-range values.
// NaN maps to 0.
func F32ToI32(v float32) int32 {
	var p float32
	if v >= 0 {
		p = v * float32(math.MaxInt32)
	} else {
		p = -v * float32(math.MinInt32)
	}
	return saturateI32(p)
}

// F32ToI16 is F32ToI32 with 16-bit bounds
func F32ToI16(v float32) int16 {
	var p float32
	if v >= 0 {
		p = v * float32(math.MaxInt16)
	} else {
		p = -v * float32(math.MinInt16)
	}
	return saturateI16(p)
}

// F32ToU16 maps [-1, 1] onto [0, 65535], rounding to nearest
func F32ToU16(v float32) uint16 {
	p := ((v + 1.0) * 0.5) * float32(math.MaxUint16)
	r := math.Round(float64(p))
	switch {
	case math.IsNaN(r) || r <= 0:
		return 0
	case r >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(r)
}

// I32ToF32 composes through I16
func I32ToF32(v int32) float32 { return I16ToF32(I32ToI16(v)) }

// I32ToU16 composes through I16
func I32ToU16(v int32) uint16 { return I16ToU16(I32ToI16(v)) }

// U16ToF32 composes through I16
func U16ToF32(v uint16) float32 { return I16ToF32(U16ToI16(v)) }

// U16ToI32 composes through I16
func U16ToI32(v uint16) int32 { return I16ToI32(U16ToI16(v)) }

func saturateI32(p float32) int32 {
	switch {
	case math.IsNaN(float64(p)):
		return 0
	case p >= 2147483648.0:
		return math.MaxInt32
	case p <= -2147483648.0:
		return math.MinInt32
	}
	return int32(p)
}

func saturateI16(p float32) int16 {
	switch {
	case math.IsNaN(float64(p)):
		return 0
	case p >= 32767.0:
		return math.MaxInt16
	case p <= -32768.0:
		return math.MinInt16
	}
	return int16(p)
}

// Converter returns the conversion function from representation From to To.
// Resolving it once outside a loop keeps the per-sample path free of type
// switches.
func Converter[To, From Sample]() func(From) To {
	var (
		to   To
		from From
	)
	switch any(from).(type) {
	case int16:
		switch any(to).(type) {
		case int16:
			return func(v From) To { return To(v) }
		case int32:
			return func(v From) To { return To(I16ToI32(int16(v))) }
		case uint16:
			return func(v From) To { return To(I16ToU16(int16(v))) }
		case float32:
			return func(v From) To { return To(I16ToF32(int16(v))) }
		}
	case int32:
		switch any(to).(type) {
		case int16:
			return func(v From) To { return To(I32ToI16(int32(v))) }
		case int32:
			return func(v From) To { return To(v) }
		case uint16:
			return func(v From) To { return To(I32ToU16(int32(v))) }
		case float32:
			return func(v From) To { return To(I32ToF32(int32(v))) }
		}
	case uint16:
		switch any(to).(type) {
		case int16:
			return func(v From) To { return To(U16ToI16(uint16(v))) }
		case int32:
			return func(v From) To { return To(U16ToI32(uint16(v))) }
		case uint16:
			return func(v From) To { return To(v) }
		case float32:
			return func(v From) To { return To(U16ToF32(uint16(v))) }
		}
	case float32:
		switch any(to).(type) {
		case int16:
			return func(v From) To { return To(F32ToI16(float32(v))) }
		case int32:
			return func(v From) To { return To(F32ToI32(float32(v))) }
		case uint16:
			return func(v From) To { return To(F32ToU16(float32(v))) }
		case float32:
			return func(v From) To { return To(v) }
		}
	}
	panic("sample: unreachable conversion")
}

// Convert converts a single sample. Prefer Converter or ConvertSlice in loops.
func Convert[To, From Sample](v From) To {
	return Converter[To, From]()(v)
}

// ConvertSlice converts src into dst, growing dst when needed, and returns
// the filled slice.
func ConvertSlice[To, From Sample](dst []To, src []From) []To {
	if cap(dst) < len(src) {
		dst = make([]To, len(src))
	}
	dst = dst[:len(src)]
	conv := Converter[To, From]()
	for i, v := range src {
		dst[i] = conv(v)
	}
	return dst
}
