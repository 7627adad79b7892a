package optim

import "math"

// Float16 is an IEEE 754 half-precision value.
// Layout: 1 sign bit, 5 exponent bits (bias 15), 10 mantissa bits.
type Float16 uint16

// ToFloat16 converts a float32 to half precision by truncating the mantissa.
// Values beyond the half range become infinity; values below the smallest
// normal flush to signed zero.
func ToFloat16(f float32) Float16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := bits & 0x80000000
	bits &= 0x7FFFFFFF

	if bits >= 0x47800000 {
		return Float16((sign >> 16) | 0x7C00)
	}
	if bits < 0x38800000 {
		return Float16(sign >> 16)
	}

	exp := (bits >> 23) - 127 + 15
	mantissa := bits >> 13
	return Float16((sign >> 16) | (exp << 10) | (mantissa & 0x3FF))
}

// Float32 converts a half-precision value back to float32.
func (h Float16) Float32() float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	if exp == 0x1F {
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000)
	}
	if exp == 0 {
		// subnormals are flushed
		return math.Float32frombits(sign)
	}
	return math.Float32frombits(sign | (exp-15+127)<<23 | mantissa<<13)
}

// Autocast rounds a value through half precision, mimicking a forward pass
// run under mixed-precision autocasting.
func Autocast(x float64) float64 {
	return float64(ToFloat16(float32(x)).Float32())
}
