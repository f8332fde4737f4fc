// Package qconv implements a 2-D convolution on 8-bit affine-quantized
// operands with int32 accumulation.
//
// Forward takes float tensors and quantizes them on entry. ForwardQuantized
// takes tensors that are already 8-bit codes, which lets quantized layers be
// chained without a round trip through float. Both run the same kernel:
//
//	ranges -> zero points -> int32 accumulation -> bias -> shrink to 8 bits
//
// Inputs are expected in the padded layout described by geometry.Params.
// Geometry is trusted: a buffer shorter than its shape panics. The int32
// accumulator is not checked for overflow; kernels with many thousands of taps
// per output give wrong results silently.
package qconv

import (
	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/quant"
)

// Options controls a single invocation.
type Options struct {
	// Mode selects whether output channels are accumulated in parallel.
	Mode parallel.Mode
}

// Result is the output of the full-precision entry.
type Result struct {
	// Output is Quantized decoded back to float, laid out like p.Out.
	Output []float32
	// Quantized is the requantized 8-bit output with its shrunk range.
	Quantized quant.Tensor
}

// Forward convolves float input (p.InPadded layout), weights (p.Weight layout)
// and bias (p.Out.Depth values, ignored unless p.HasBias).
func Forward(p *geometry.Params, in, weights, bias []float32, opts Options) Result {
	out := run(p, floatOperands{in: in, weights: weights, bias: bias}, opts)
	return Result{
		Output:    out.Floats(),
		Quantized: out,
	}
}

// ForwardQuantized convolves already-quantized operands and returns 8-bit
// codes plus the output range, ready for the next quantized layer.
func ForwardQuantized(p *geometry.Params, in, weights, bias quant.Tensor, opts Options) quant.Tensor {
	return run(p, codeOperands{in: in, weights: weights, bias: bias}, opts)
}

func run(p *geometry.Params, ops operands, opts Options) quant.Tensor {
	q := ops.quantize(p)
	off, outRange := OffsetsFor(q.in.Range, q.filter.Range)

	acc := getAccumulator(p.Out.Size())
	defer putAccumulator(acc)

	accumulate(p, acc, q, off, opts.Mode)
	return quant.ShrinkAndRequantize(acc, outRange)
}
