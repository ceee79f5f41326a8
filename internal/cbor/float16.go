package cbor

import "github.com/x448/float16"

// float16Bits returns the IEEE 754 half-precision encoding of f if f can be
// represented exactly. NaN is handled by the caller.
func float16Bits(f float64) (uint16, bool) {
	f32 := float32(f)
	if float64(f32) != f {
		return 0, false
	}
	h := float16.Fromfloat32(f32)
	if h.Float32() != f32 {
		return 0, false
	}
	return h.Bits(), true
}

func float16ToFloat64(h uint16) float64 {
	return float64(float16.Frombits(h).Float32())
}
