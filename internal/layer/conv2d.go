// Package layer wraps the quantized convolution kernel in stateful layers that
// own their weights and can be chained.
package layer

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/qconv"
	"github.com/samcharles93/qconv/internal/quant"
	"github.com/samcharles93/qconv/internal/tensorio"
)

// Conv2D is a quantized 2-D convolution with fixed weights. The quantized
// form of the weights is computed once and reused by ForwardQuantized.
type Conv2D struct {
	params  *geometry.Params
	weights []float32
	bias    []float32

	qweights quant.Tensor
	qbias    quant.Tensor
	mode     parallel.Mode
}

// NewConv2D checks weights and bias against p and prepares the layer.
func NewConv2D(p *geometry.Params, weights, bias []float32, mode parallel.Mode) (*Conv2D, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(weights) != p.Weight.Size() {
		return nil, fmt.Errorf("%w: %d weights, want %d (%s)", tensorio.ErrShapeMismatch, len(weights), p.Weight.Size(), p.Weight)
	}
	l := &Conv2D{
		params:   p,
		weights:  weights,
		qweights: quant.NewTensor(weights, quant.RangeOf(weights)),
		mode:     mode,
	}
	if p.HasBias {
		if len(bias) != p.Out.Depth {
			return nil, fmt.Errorf("%w: %d bias values, want %d", tensorio.ErrShapeMismatch, len(bias), p.Out.Depth)
		}
		l.bias = bias
		l.qbias = quant.NewTensor(bias, quant.RangeIncludingZero(bias))
	}
	return l, nil
}

// Params returns the layer geometry.
func (l *Conv2D) Params() *geometry.Params { return l.params }

// Forward runs the full-precision entry on an unpadded input.
func (l *Conv2D) Forward(ctx context.Context, in []float32) (qconv.Result, error) {
	if err := ctx.Err(); err != nil {
		return qconv.Result{}, err
	}
	if len(in) != l.params.In.Size() {
		return qconv.Result{}, fmt.Errorf("%w: input has %d values, want %d (%s)",
			tensorio.ErrShapeMismatch, len(in), l.params.In.Size(), l.params.In)
	}
	start := time.Now()
	res := qconv.Forward(l.params, l.params.Pad(in), l.weights, l.bias, qconv.Options{Mode: l.mode})
	logger.FromContext(ctx).Debug("conv2d forward",
		"in", l.params.In.String(),
		"out", l.params.Out.String(),
		"mode", l.mode.String(),
		"out_min", res.Quantized.Range.Min,
		"out_max", res.Quantized.Range.Max,
		"took", time.Since(start),
	)
	return res, nil
}

// ForwardQuantized runs the chained entry on unpadded input codes. Padding is
// filled with the code of 0.0 in the input range.
func (l *Conv2D) ForwardQuantized(ctx context.Context, in quant.Tensor) (quant.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return quant.Tensor{}, err
	}
	if in.Len() != l.params.In.Size() {
		return quant.Tensor{}, fmt.Errorf("%w: input has %d codes, want %d (%s)",
			tensorio.ErrShapeMismatch, in.Len(), l.params.In.Size(), l.params.In)
	}
	start := time.Now()
	padded := quant.Tensor{
		Codes: l.params.PadCodes(in.Codes, in.ZeroCode()),
		Range: in.Range,
	}
	out := qconv.ForwardQuantized(l.params, padded, l.qweights, l.qbias, qconv.Options{Mode: l.mode})
	logger.FromContext(ctx).Debug("conv2d forward quantized",
		"in", l.params.In.String(),
		"out", l.params.Out.String(),
		"mode", l.mode.String(),
		"out_min", out.Range.Min,
		"out_max", out.Range.Max,
		"took", time.Since(start),
	)
	return out, nil
}
