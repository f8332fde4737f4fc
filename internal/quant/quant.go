// Package quant implements 8-bit affine quantization: a float range [Min, Max]
// is represented by the codes 0..255 through a linear map.
package quant

import "math"

const (
	LowestCode  = 0
	HighestCode = 255

	// Epsilon is the half-width given to a degenerate range.
	Epsilon = 1e-3

	codeSteps = HighestCode - LowestCode
)

// Range is the float span represented by the 8-bit code space.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Degenerate reports whether the range has no width.
func (r Range) Degenerate() bool {
	return r.Min == r.Max
}

// Step is the float distance between two adjacent codes.
func (r Range) Step() float64 {
	return (r.Max - r.Min) / codeSteps
}

// Contains reports whether v lies within the range bounds.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Widen perturbs a degenerate range to (anchor-Epsilon, anchor+Epsilon).
// Non-degenerate ranges are returned unchanged.
func (r Range) Widen(anchor float64) Range {
	if !r.Degenerate() {
		return r
	}
	return Range{Min: anchor - Epsilon, Max: anchor + Epsilon}
}

// IncludeZero stretches the range so that 0.0 is representable.
func (r Range) IncludeZero() Range {
	return Range{Min: min(r.Min, 0), Max: max(r.Max, 0)}
}

// Quantize maps v to round(clamp((v-min)/(max-min), 0, 1) * 255).
func Quantize(v float32, r Range) uint8 {
	return quantize(float64(v), r)
}

func quantize(v float64, r Range) uint8 {
	if r.Max <= r.Min {
		return LowestCode
	}
	t := (v - r.Min) / (r.Max - r.Min)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return uint8(math.Round(t * codeSteps))
}

// QuantizeUnclamped is Quantize without the clamp, so the result may fall
// outside [0, 255]. It is used for zero points.
func QuantizeUnclamped(v float32, r Range) int32 {
	if r.Max <= r.Min {
		return LowestCode
	}
	return int32(math.Round((float64(v) - r.Min) / (r.Max - r.Min) * codeSteps))
}

// Dequantize maps a code back to min + code/255*(max-min).
func Dequantize(c uint8, r Range) float32 {
	return float32(r.Min + float64(c)/codeSteps*(r.Max-r.Min))
}

// QuantizeTensor quantizes every value under r.
func QuantizeTensor(values []float32, r Range) []uint8 {
	out := make([]uint8, len(values))
	for i, v := range values {
		out[i] = Quantize(v, r)
	}
	return out
}

// DequantizeTensor decodes every code under r.
func DequantizeTensor(codes []uint8, r Range) []float32 {
	out := make([]float32, len(codes))
	for i, c := range codes {
		out[i] = Dequantize(c, r)
	}
	return out
}

// RangeOf returns the true min/max of values. A degenerate result is widened
// around the first element.
func RangeOf(values []float32) Range {
	if len(values) == 0 {
		return Range{}.Widen(0)
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return Range{Min: float64(lo), Max: float64(hi)}.Widen(float64(values[0]))
}

// RangeIncludingZero is RangeOf stretched to contain 0.0 before the
// degenerate check, so only an all-zero tensor gets widened.
func RangeIncludingZero(values []float32) Range {
	if len(values) == 0 {
		return Range{}.Widen(0)
	}
	r := Range{}
	for _, v := range values {
		r.Min = min(r.Min, float64(v))
		r.Max = max(r.Max, float64(v))
	}
	return r.Widen(float64(values[0]))
}
