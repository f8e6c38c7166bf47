package sample

import (
	"fmt"
	"strings"
)

// Format identifies a sample representation
type Format uint8

const (
	// Unknown is the zero value and never describes a valid stream
	Unknown Format = iota
	I16            // 16-bit signed integer
	I32            // 32-bit signed integer
	U16            // 16-bit unsigned integer
	F32            // 32-bit IEEE float
)

// Sample is the set of Go types that carry one sample of a Format
type Sample interface {
	int16 | int32 | uint16 | float32
}

// Size returns the width of one sample in bytes
func (f Format) Size() int {
	switch f {
	case I16, U16:
		return 2
	case I32, F32:
		return 4
	default:
		return 0
	}
}

// Bits returns the width of one sample in bits
func (f Format) Bits() int {
	return f.Size() * 8
}

// IsFloat reports whether samples are stored as IEEE floats
func (f Format) IsFloat() bool {
	return f == F32
}

// Valid reports whether f is one of the four known representations
func (f Format) Valid() bool {
	return f >= I16 && f <= F32
}

func (f Format) String() string {
	switch f {
	case I16:
		return "i16"
	case I32:
		return "i32"
	case U16:
		return "u16"
	case F32:
		return "f32"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// ParseFormat maps a configuration string such as "i16" or "f32" to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "i16", "s16", "int16":
		return I16, nil
	case "i32", "s32", "int32":
		return I32, nil
	case "u16", "uint16":
		return U16, nil
	case "f32", "float32", "float":
		return F32, nil
	default:
		return Unknown, fmt.Errorf("unknown sample format %q", s)
	}
}

// FormatOf returns the Format carried by the Go type T
func FormatOf[T Sample]() Format {
	var zero T
	switch any(zero).(type) {
	case int16:
		return I16
	case int32:
		return I32
	case uint16:
		return U16
	case float32:
		return F32
	}
	return Unknown
}

// MarshalText implements encoding.TextMarshaler
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
