// Package tensorio reads and writes convolution operands as JSON bundles and
// safetensors files.
package tensorio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/quant"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is the JSON form of a tensor. Float tensors carry Data; quantized
// tensors carry Codes with Min and Max.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data,omitempty"`
	// Codes is []int so it encodes as a JSON array rather than base64.
	Codes []int    `json:"codes,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

// FromFloats wraps float data.
func FromFloats(s geometry.Shape, data []float32) Tensor {
	return Tensor{Shape: shapeDims(s), Data: data}
}

// FromQuantized wraps 8-bit codes and their range.
func FromQuantized(s geometry.Shape, t quant.Tensor) Tensor {
	codes := make([]int, len(t.Codes))
	for i, c := range t.Codes {
		codes[i] = int(c)
	}
	lo, hi := t.Range.Min, t.Range.Max
	return Tensor{Shape: shapeDims(s), Codes: codes, Min: &lo, Max: &hi}
}

// Quantized reports whether the tensor holds codes.
func (t Tensor) Quantized() bool {
	return t.Codes != nil
}

// Len is the element count implied by Shape.
func (t Tensor) Len() (int, error) {
	return numElements(t.Shape)
}

// Floats returns Data after checking it against Shape.
func (t Tensor) Floats() ([]float32, error) {
	n, err := t.Len()
	if err != nil {
		return nil, err
	}
	if t.Quantized() {
		return nil, fmt.Errorf("%w: expected float data, got codes", ErrShapeMismatch)
	}
	if len(t.Data) != n {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShapeMismatch, t.Shape, n, len(t.Data))
	}
	return t.Data, nil
}

// QuantTensor converts Codes, Min and Max into a quant.Tensor.
func (t Tensor) QuantTensor() (quant.Tensor, error) {
	n, err := t.Len()
	if err != nil {
		return quant.Tensor{}, err
	}
	if len(t.Codes) != n {
		return quant.Tensor{}, fmt.Errorf("%w: shape %v holds %d codes, got %d", ErrShapeMismatch, t.Shape, n, len(t.Codes))
	}
	if t.Min == nil || t.Max == nil {
		return quant.Tensor{}, errors.New("quantized tensor needs min and max")
	}
	if *t.Min > *t.Max {
		return quant.Tensor{}, fmt.Errorf("range min %g above max %g", *t.Min, *t.Max)
	}
	codes := make([]uint8, n)
	for i, c := range t.Codes {
		if c < quant.LowestCode || c > quant.HighestCode {
			return quant.Tensor{}, fmt.Errorf("code %d at %d outside [%d, %d]", c, i, quant.LowestCode, quant.HighestCode)
		}
		codes[i] = uint8(c)
	}
	return quant.Tensor{Codes: codes, Range: quant.Range{Min: *t.Min, Max: *t.Max}}, nil
}

// Shape3 reads Shape as [width, height, depth]. Shorter shapes fill trailing
// dimensions with 1.
func (t Tensor) Shape3() (geometry.Shape, error) {
	if len(t.Shape) == 0 || len(t.Shape) > 3 {
		return geometry.Shape{}, fmt.Errorf("%w: want [width, height, depth], got %v", ErrShapeMismatch, t.Shape)
	}
	dims := [3]int{1, 1, 1}
	copy(dims[:], t.Shape)
	for _, d := range dims {
		if d <= 0 {
			return geometry.Shape{}, fmt.Errorf("%w: invalid dim in %v", ErrShapeMismatch, t.Shape)
		}
	}
	return geometry.Shape{Width: dims[0], Height: dims[1], Depth: dims[2]}, nil
}

func shapeDims(s geometry.Shape) []int {
	return []int{s.Width, s.Height, s.Depth}
}

// Geometry is the JSON description of a convolution. The input shape comes
// from the tensor it is applied to.
type Geometry struct {
	KernelWidth  int    `json:"kernel_width"`
	KernelHeight int    `json:"kernel_height"`
	OutChannels  int    `json:"out_channels"`
	StrideW      int    `json:"stride_w,omitempty"`
	StrideH      int    `json:"stride_h,omitempty"`
	Padding      string `json:"padding,omitempty"`
	// Connections has one row per input channel, one column per output
	// channel. Groups is an alternative; both empty means fully connected.
	Connections [][]bool `json:"connections,omitempty"`
	Groups      int      `json:"groups,omitempty"`
}

// Params derives geometry for an input of shape in.
func (g Geometry) Params(in geometry.Shape, hasBias bool) (*geometry.Params, error) {
	padding, err := geometry.ParsePadding(g.Padding)
	if err != nil {
		return nil, err
	}
	table, err := g.table(in.Depth)
	if err != nil {
		return nil, err
	}
	return geometry.New(geometry.Config{
		InWidth:      in.Width,
		InHeight:     in.Height,
		InDepth:      in.Depth,
		KernelWidth:  g.KernelWidth,
		KernelHeight: g.KernelHeight,
		OutDepth:     g.OutChannels,
		StrideW:      g.StrideW,
		StrideH:      g.StrideH,
		Padding:      padding,
		Table:        table,
		HasBias:      hasBias,
	})
}

func (g Geometry) table(inDepth int) (geometry.ConnectionTable, error) {
	switch {
	case len(g.Connections) > 0 && g.Groups > 0:
		return geometry.ConnectionTable{}, fmt.Errorf("%w: set connections or groups, not both", geometry.ErrInvalidGeometry)
	case len(g.Connections) > 0:
		if len(g.Connections) != inDepth {
			return geometry.ConnectionTable{}, fmt.Errorf("%w: %d connection rows for %d input channels",
				geometry.ErrInvalidGeometry, len(g.Connections), inDepth)
		}
		flat := make([]bool, 0, inDepth*g.OutChannels)
		for inc, row := range g.Connections {
			if len(row) != g.OutChannels {
				return geometry.ConnectionTable{}, fmt.Errorf("%w: connection row %d has %d entries, want %d",
					geometry.ErrInvalidGeometry, inc, len(row), g.OutChannels)
			}
			flat = append(flat, row...)
		}
		return geometry.NewConnectionTable(inDepth, g.OutChannels, flat)
	case g.Groups > 1:
		return geometry.GroupedConnectionTable(inDepth, g.OutChannels, g.Groups)
	default:
		return geometry.FullyConnected(), nil
	}
}

// Layer is one convolution of a bundle: its geometry, weights and optional bias.
type Layer struct {
	Geometry Geometry `json:"geometry"`
	Weights  Tensor   `json:"weights"`
	Bias     *Tensor  `json:"bias,omitempty"`
}

// Bundle is a complete run: an input tensor and one or more layers applied in
// order. The input is unpadded; padding is applied per layer.
type Bundle struct {
	Input  Tensor  `json:"input"`
	Layers []Layer `json:"layers"`
}

// DecodeBundle parses a bundle from r.
func DecodeBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if len(b.Layers) == 0 {
		return nil, errors.New("bundle has no layers")
	}
	return &b, nil
}

// ReadBundle parses the bundle file at path.
func ReadBundle(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return DecodeBundle(f)
}

// WriteJSON writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
