package layer

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/qconv"
	"github.com/samcharles93/qconv/internal/quant"
	"github.com/samcharles93/qconv/internal/tensorio"
)

// Network applies layers in order. The first layer takes float input; the rest
// stay on 8-bit codes and only the final output is decoded.
type Network struct {
	layers []*Conv2D
}

// NewNetwork checks that each layer's output shape is the next layer's input.
func NewNetwork(layers ...*Conv2D) (*Network, error) {
	if len(layers) == 0 {
		return nil, errors.New("network needs at least one layer")
	}
	for i := 1; i < len(layers); i++ {
		prev, next := layers[i-1].params.Out, layers[i].params.In
		if prev != next {
			return nil, fmt.Errorf("%w: layer %d outputs %s, layer %d expects %s",
				geometry.ErrInvalidGeometry, i-1, prev, i, next)
		}
	}
	return &Network{layers: layers}, nil
}

// FromBundle builds a network from a decoded bundle.
func FromBundle(b *tensorio.Bundle, mode parallel.Mode) (*Network, error) {
	in, err := b.Input.Shape3()
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	layers := make([]*Conv2D, 0, len(b.Layers))
	for i, ld := range b.Layers {
		p, err := ld.Geometry.Params(in, ld.Bias != nil)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		weights, err := ld.Weights.Floats()
		if err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", i, err)
		}
		var bias []float32
		if ld.Bias != nil {
			if bias, err = ld.Bias.Floats(); err != nil {
				return nil, fmt.Errorf("layer %d bias: %w", i, err)
			}
		}
		l, err := NewConv2D(p, weights, bias, mode)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, l)
		in = p.Out
	}
	return NewNetwork(layers...)
}

// Layers returns the layers in order.
func (n *Network) Layers() []*Conv2D { return n.layers }

// InShape is the first layer's unpadded input shape.
func (n *Network) InShape() geometry.Shape { return n.layers[0].params.In }

// OutShape is the last layer's output shape.
func (n *Network) OutShape() geometry.Shape { return n.layers[len(n.layers)-1].params.Out }

// Forward runs float input through every layer.
func (n *Network) Forward(ctx context.Context, in []float32) (qconv.Result, error) {
	first, err := n.layers[0].Forward(ctx, in)
	if err != nil {
		return qconv.Result{}, fmt.Errorf("layer 0: %w", err)
	}
	if len(n.layers) == 1 {
		return first, nil
	}
	out, err := n.forwardFrom(ctx, 1, first.Quantized)
	if err != nil {
		return qconv.Result{}, err
	}
	return qconv.Result{Output: out.Floats(), Quantized: out}, nil
}

// ForwardQuantized runs quantized input through every layer.
func (n *Network) ForwardQuantized(ctx context.Context, in quant.Tensor) (quant.Tensor, error) {
	return n.forwardFrom(ctx, 0, in)
}

func (n *Network) forwardFrom(ctx context.Context, start int, in quant.Tensor) (quant.Tensor, error) {
	cur := in
	for i := start; i < len(n.layers); i++ {
		out, err := n.layers[i].ForwardQuantized(ctx, cur)
		if err != nil {
			return quant.Tensor{}, fmt.Errorf("layer %d: %w", i, err)
		}
		cur = out
	}
	return cur, nil
}
