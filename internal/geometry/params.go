// Package geometry describes the shapes, strides, padding and channel
// connectivity of a 2-D convolution.
package geometry

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidGeometry = errors.New("invalid convolution geometry")

// Padding selects how the input border is handled.
type Padding int

const (
	// PaddingValid only places the window where it fits inside the input.
	PaddingValid Padding = iota
	// PaddingSame pads the input with zeros so every input pixel is a window origin.
	PaddingSame
)

func (p Padding) String() string {
	switch p {
	case PaddingValid:
		return "valid"
	case PaddingSame:
		return "same"
	default:
		return fmt.Sprintf("padding(%d)", int(p))
	}
}

// ParsePadding converts "valid" or "same" to a Padding. Empty means valid.
func ParsePadding(s string) (Padding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "valid":
		return PaddingValid, nil
	case "same":
		return PaddingSame, nil
	default:
		return PaddingValid, fmt.Errorf("%w: unknown padding %q", ErrInvalidGeometry, s)
	}
}

// Config is the user-facing description from which Params are derived.
type Config struct {
	InWidth, InHeight, InDepth int
	KernelWidth, KernelHeight  int
	OutDepth                   int
	StrideW, StrideH           int
	Padding                    Padding
	Table                      ConnectionTable
	HasBias                    bool
}

// Params is the read-only geometry consumed by the kernel.
type Params struct {
	In       Shape
	InPadded Shape
	Out      Shape
	// Weight holds one Width x Height filter per (output, input) channel pair,
	// at depth index In.Depth*o + inc.
	Weight Shape

	StrideW, StrideH int
	Padding          Padding
	Table            ConnectionTable
	HasBias          bool
}

// New derives the padded input and output shapes from cfg. Strides default to 1.
func New(cfg Config) (*Params, error) {
	if cfg.StrideW == 0 {
		cfg.StrideW = 1
	}
	if cfg.StrideH == 0 {
		cfg.StrideH = 1
	}
	if cfg.InWidth <= 0 || cfg.InHeight <= 0 || cfg.InDepth <= 0 {
		return nil, fmt.Errorf("%w: input %dx%dx%d", ErrInvalidGeometry, cfg.InWidth, cfg.InHeight, cfg.InDepth)
	}
	if cfg.KernelWidth <= 0 || cfg.KernelHeight <= 0 || cfg.OutDepth <= 0 {
		return nil, fmt.Errorf("%w: kernel %dx%d with %d outputs", ErrInvalidGeometry, cfg.KernelWidth, cfg.KernelHeight, cfg.OutDepth)
	}
	if cfg.StrideW < 0 || cfg.StrideH < 0 {
		return nil, fmt.Errorf("%w: stride %dx%d", ErrInvalidGeometry, cfg.StrideW, cfg.StrideH)
	}

	p := &Params{
		In:      Shape{Width: cfg.InWidth, Height: cfg.InHeight, Depth: cfg.InDepth},
		Weight:  Shape{Width: cfg.KernelWidth, Height: cfg.KernelHeight, Depth: cfg.InDepth * cfg.OutDepth},
		StrideW: cfg.StrideW,
		StrideH: cfg.StrideH,
		Padding: cfg.Padding,
		Table:   cfg.Table,
		HasBias: cfg.HasBias,
	}
	p.InPadded = p.In
	if cfg.Padding == PaddingSame {
		p.InPadded.Width += cfg.KernelWidth - 1
		p.InPadded.Height += cfg.KernelHeight - 1
	}
	if p.InPadded.Width < cfg.KernelWidth || p.InPadded.Height < cfg.KernelHeight {
		return nil, fmt.Errorf("%w: kernel %dx%d larger than input %s",
			ErrInvalidGeometry, cfg.KernelWidth, cfg.KernelHeight, p.InPadded)
	}
	p.Out = Shape{
		Width:  (p.InPadded.Width-cfg.KernelWidth)/cfg.StrideW + 1,
		Height: (p.InPadded.Height-cfg.KernelHeight)/cfg.StrideH + 1,
		Depth:  cfg.OutDepth,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that the shapes agree with each other. The kernel itself
// trusts its geometry; callers that build Params by hand can check here first.
func (p *Params) Validate() error {
	if p.StrideW <= 0 || p.StrideH <= 0 {
		return fmt.Errorf("%w: stride %dx%d", ErrInvalidGeometry, p.StrideW, p.StrideH)
	}
	if p.In.Size() <= 0 || p.Out.Size() <= 0 || p.Weight.Size() <= 0 {
		return fmt.Errorf("%w: empty shape (in %s, out %s, weight %s)", ErrInvalidGeometry, p.In, p.Out, p.Weight)
	}
	if p.InPadded.Depth != p.In.Depth || p.InPadded.Width < p.In.Width || p.InPadded.Height < p.In.Height {
		return fmt.Errorf("%w: padded input %s smaller than input %s", ErrInvalidGeometry, p.InPadded, p.In)
	}
	if p.Weight.Depth != p.In.Depth*p.Out.Depth {
		return fmt.Errorf("%w: weight depth %d, want %d", ErrInvalidGeometry, p.Weight.Depth, p.In.Depth*p.Out.Depth)
	}
	if p.InPadded.Width < p.Weight.Width || p.InPadded.Height < p.Weight.Height {
		return fmt.Errorf("%w: kernel %dx%d larger than padded input %s",
			ErrInvalidGeometry, p.Weight.Width, p.Weight.Height, p.InPadded)
	}
	wantW := (p.InPadded.Width-p.Weight.Width)/p.StrideW + 1
	wantH := (p.InPadded.Height-p.Weight.Height)/p.StrideH + 1
	if p.Out.Width != wantW || p.Out.Height != wantH {
		return fmt.Errorf("%w: output %dx%d, want %dx%d", ErrInvalidGeometry, p.Out.Width, p.Out.Height, wantW, wantH)
	}
	if !p.Table.Empty() {
		if in, out := p.Table.Dims(); in != p.In.Depth || out != p.Out.Depth {
			return fmt.Errorf("%w: connection table %dx%d, want %dx%d", ErrInvalidGeometry, in, out, p.In.Depth, p.Out.Depth)
		}
	}
	return nil
}

// Connected reports whether output channel o reads input channel inc.
func (p *Params) Connected(o, inc int) bool {
	return p.Table.Connected(o, inc)
}

// padOrigin is where the unpadded input starts inside the padded layout.
func (p *Params) padOrigin() (x, y int) {
	return (p.InPadded.Width - p.In.Width) / 2, (p.InPadded.Height - p.In.Height) / 2
}

// Pad copies an In-shaped tensor into the InPadded layout, filling the border
// with 0. With valid padding the input is returned as is.
func (p *Params) Pad(in []float32) []float32 {
	return pad(p, in, 0)
}

// PadCodes is Pad for 8-bit codes; fill should be the code of 0.0.
func (p *Params) PadCodes(in []uint8, fill uint8) []uint8 {
	return pad(p, in, fill)
}

func pad[T any](p *Params, in []T, fill T) []T {
	if p.InPadded == p.In {
		return in
	}
	if len(in) < p.In.Size() {
		panic(fmt.Sprintf("geometry: pad input has %d elements, want %d", len(in), p.In.Size()))
	}
	out := make([]T, p.InPadded.Size())
	for i := range out {
		out[i] = fill
	}
	ox, oy := p.padOrigin()
	for c := range p.In.Depth {
		for y := range p.In.Height {
			src := in[p.In.Index(0, y, c):][:p.In.Width]
			copy(out[p.InPadded.Index(ox, oy+y, c):], src)
		}
	}
	return out
}
