package qconv

import (
	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/quant"
)

// Offsets are the zero points of one invocation.
type Offsets struct {
	// Input is the unclamped code of 0.0 in the input range.
	Input int32
	// Filter is the unclamped code of 0.0 in the filter range.
	Filter int32
	// ZeroInOutput is the int32 accumulator code of 0.0 in the product range,
	// clamped to [0, 255].
	ZeroInOutput int32
}

// OffsetsFor computes the zero points for the given operand ranges and
// returns them with the theoretical output range.
func OffsetsFor(in, filter quant.Range) (Offsets, quant.Range) {
	out := quant.RangeOfProduct(in, filter)
	return Offsets{
		Input:        quant.QuantizeUnclamped(0, in),
		Filter:       quant.QuantizeUnclamped(0, filter),
		ZeroInOutput: clampCode(quant.QuantizeAccumulator(0, out)),
	}, out
}

// quantized is the 8-bit view of the kernel operands.
type quantized struct {
	in     quant.Tensor
	filter quant.Tensor
	bias   quant.Tensor
}

// operands is how an entry point obtains ranges and codes.
type operands interface {
	quantize(p *geometry.Params) quantized
}

// floatOperands quantizes float tensors on entry. Input and filter ranges are
// the true min/max of the tensors; the bias range starts from 0.0.
type floatOperands struct {
	in, weights, bias []float32
}

func (f floatOperands) quantize(p *geometry.Params) quantized {
	in := f.in[:p.InPadded.Size()]
	weights := f.weights[:p.Weight.Size()]

	q := quantized{
		in:     quant.NewTensor(in, quant.RangeOf(in)),
		filter: quant.NewTensor(weights, quant.RangeOf(weights)),
	}
	if p.HasBias {
		bias := f.bias[:p.Out.Depth]
		q.bias = quant.NewTensor(bias, quant.RangeIncludingZero(bias))
	}
	return q
}

// codeOperands passes codes through and only repairs degenerate ranges.
type codeOperands struct {
	in, weights, bias quant.Tensor
}

func (c codeOperands) quantize(p *geometry.Params) quantized {
	q := quantized{
		in:     withUsableRange(c.in),
		filter: withUsableRange(c.weights),
	}
	if p.HasBias {
		q.bias = withUsableRange(c.bias)
	}
	return q
}

// withUsableRange widens a degenerate range around the first element's value,
// which for a zero-width range is its minimum.
func withUsableRange(t quant.Tensor) quant.Tensor {
	t.Range = t.Range.Widen(t.Range.Min)
	return t
}
