package quant

import "math"

// accumulatorSteps is the number of steps in the int32 code space.
const accumulatorSteps = float64(math.MaxInt32) - float64(math.MinInt32)

// RangeOfProduct returns the float range of the int32 space that holds sums of
// products of codes from a and b. One int32 step is worth step(a)*step(b), so
// the bounds only depend on the operand ranges and are symmetric in them.
func RangeOfProduct(a, b Range) Range {
	level := a.Step() * b.Step()
	return Range{
		Min: level * math.MinInt32,
		Max: level * math.MaxInt32,
	}
}

// AccumulatorToFloat decodes an int32 accumulator under r. The range minimum
// is snapped to a whole number of steps so that the zero code is located
// exactly, no matter how wide the range is.
func AccumulatorToFloat(v int32, r Range) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	step := (r.Max - r.Min) / accumulatorSteps
	origin := math.Round(r.Min / step)
	return step * (origin + float64(int64(v)-math.MinInt32))
}

// QuantizeAccumulator is the inverse of AccumulatorToFloat: it returns the
// int32 code of v under r, clamped to the int32 bounds.
func QuantizeAccumulator(v float64, r Range) int32 {
	if r.Max <= r.Min {
		return math.MinInt32
	}
	step := (r.Max - r.Min) / accumulatorSteps
	origin := math.Round(r.Min / step)
	c := math.Round(v/step) - origin + math.MinInt32
	return int32(min(max(c, math.MinInt32), math.MaxInt32))
}

// ShrinkAndRequantize reduces int32 accumulators expressed in the theoretical
// range to 8-bit codes. The returned range is rebuilt from the realized
// values: its minimum is min(0, realMin) and its maximum is realMax, so it
// always contains every decoded value.
func ShrinkAndRequantize(values []int32, theoretical Range) Tensor {
	out := Tensor{Codes: make([]uint8, len(values))}
	if len(values) == 0 {
		out.Range = Range{}.Widen(0)
		return out
	}

	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out.Range = Range{
		Min: min(0, AccumulatorToFloat(lo, theoretical)),
		Max: AccumulatorToFloat(hi, theoretical),
	}.Widen(AccumulatorToFloat(values[0], theoretical))

	for i, v := range values {
		out.Codes[i] = quantize(AccumulatorToFloat(v, theoretical), out.Range)
	}
	return out
}
