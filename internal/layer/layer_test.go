package layer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/quant"
	"github.com/samcharles93/qconv/internal/tensorio"
)

// centerTap builds a same-padded 3x3 layer whose filter for each (o, o) pair
// is 1 at the center and 0 elsewhere, i.e. an identity.
func centerTap(t *testing.T, w, h, depth int, mode parallel.Mode) *Conv2D {
	t.Helper()
	p, err := geometry.New(geometry.Config{
		InWidth: w, InHeight: h, InDepth: depth,
		KernelWidth: 3, KernelHeight: 3, OutDepth: depth,
		Padding: geometry.PaddingSame,
	})
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	weights := make([]float32, p.Weight.Size())
	for o := range depth {
		weights[p.Weight.Index(1, 1, depth*o+o)] = 1
	}
	l, err := NewConv2D(p, weights, nil, mode)
	if err != nil {
		t.Fatalf("NewConv2D: %v", err)
	}
	return l
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / float32(n-1)
	}
	return out
}

func TestConv2DSamePaddingIdentity(t *testing.T) {
	t.Parallel()

	l := centerTap(t, 5, 4, 2, parallel.Parallel)
	in := ramp(l.Params().In.Size())
	res, err := l.Forward(context.Background(), in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(res.Output) != len(in) {
		t.Fatalf("output length %d, want %d", len(res.Output), len(in))
	}
	tol := 2 * quant.RangeOf(in).Step()
	for i, v := range res.Output {
		if math.Abs(float64(v-in[i])) > tol {
			t.Fatalf("output[%d] = %v, want %v", i, v, in[i])
		}
	}
}

func TestConv2DForwardQuantizedPadsWithZeroCode(t *testing.T) {
	t.Parallel()

	p, err := geometry.New(geometry.Config{
		InWidth: 3, InHeight: 3, InDepth: 1,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 1,
		Padding: geometry.PaddingSame,
	})
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	box := make([]float32, 9)
	for i := range box {
		box[i] = 1
	}
	l, err := NewConv2D(p, box, nil, parallel.Sequential)
	if err != nil {
		t.Fatalf("NewConv2D: %v", err)
	}

	// The range does not start at 0, so the border must be filled with the
	// code of 0.0 rather than code 0.
	in := quant.Tensor{
		Codes: []uint8{0, 32, 64, 96, 128, 160, 192, 224, 255},
		Range: quant.Range{Min: -1, Max: 1},
	}
	out, err := l.ForwardQuantized(context.Background(), in)
	if err != nil {
		t.Fatalf("ForwardQuantized: %v", err)
	}

	vals := in.Floats()
	got := out.Floats()
	tol := 9*in.Range.Step()/2 + out.Range.Step()
	for y := range 3 {
		for x := range 3 {
			var want float32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if sx, sy := x+dx, y+dy; sx >= 0 && sx < 3 && sy >= 0 && sy < 3 {
						want += vals[sy*3+sx]
					}
				}
			}
			if g := got[y*3+x]; math.Abs(float64(g-want)) > tol {
				t.Fatalf("output(%d,%d) = %v, want %v (tol %g)", x, y, g, want, tol)
			}
		}
	}
}

func TestConv2DRejectsBadShapes(t *testing.T) {
	t.Parallel()

	p, err := geometry.New(geometry.Config{
		InWidth: 2, InHeight: 2, InDepth: 1,
		KernelWidth: 1, KernelHeight: 1, OutDepth: 2, HasBias: true,
	})
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	if _, err := NewConv2D(p, []float32{1}, []float32{0, 0}, parallel.Sequential); !errors.Is(err, tensorio.ErrShapeMismatch) {
		t.Fatalf("short weights: got %v", err)
	}
	if _, err := NewConv2D(p, []float32{1, 1}, []float32{0}, parallel.Sequential); !errors.Is(err, tensorio.ErrShapeMismatch) {
		t.Fatalf("short bias: got %v", err)
	}

	l, err := NewConv2D(p, []float32{1, -1}, []float32{0.5, -0.5}, parallel.Sequential)
	if err != nil {
		t.Fatalf("NewConv2D: %v", err)
	}
	if _, err := l.Forward(context.Background(), []float32{1, 2, 3}); !errors.Is(err, tensorio.ErrShapeMismatch) {
		t.Fatalf("short input: got %v", err)
	}
	if _, err := l.ForwardQuantized(context.Background(), quant.Tensor{Codes: []uint8{1}}); !errors.Is(err, tensorio.ErrShapeMismatch) {
		t.Fatalf("short codes: got %v", err)
	}
}

func TestConv2DHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	l := centerTap(t, 3, 3, 1, parallel.Sequential)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Forward(ctx, make([]float32, 9)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Forward: got %v", err)
	}
	if _, err := l.ForwardQuantized(ctx, quant.Tensor{Codes: make([]uint8, 9)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("ForwardQuantized: got %v", err)
	}
}

func TestConv2DLogsThroughContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.JSON(&buf, slog.LevelDebug))
	l := centerTap(t, 3, 3, 1, parallel.Sequential)
	if _, err := l.Forward(ctx, ramp(9)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"conv2d forward"`) || !strings.Contains(out, `"out":"3x3x1"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestNetworkChainsIdentityLayers(t *testing.T) {
	t.Parallel()

	n, err := NewNetwork(
		centerTap(t, 4, 4, 2, parallel.Parallel),
		centerTap(t, 4, 4, 2, parallel.Sequential),
		centerTap(t, 4, 4, 2, parallel.Parallel),
	)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	in := ramp(n.InShape().Size())
	res, err := n.Forward(context.Background(), in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(res.Output) != n.OutShape().Size() {
		t.Fatalf("output length %d", len(res.Output))
	}
	// Each layer may lose up to two code steps of a [0, 1] range.
	tol := 3 * 2.0 / 255
	for i, v := range res.Output {
		if math.Abs(float64(v-in[i])) > tol {
			t.Fatalf("output[%d] = %v, want %v", i, v, in[i])
		}
	}
}

func TestNewNetworkRejectsShapeChainMismatch(t *testing.T) {
	t.Parallel()

	if _, err := NewNetwork(); err == nil {
		t.Fatal("expected error for empty network")
	}
	_, err := NewNetwork(centerTap(t, 4, 4, 2, parallel.Sequential), centerTap(t, 4, 4, 3, parallel.Sequential))
	if !errors.Is(err, geometry.ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
}

func TestFromBundle(t *testing.T) {
	t.Parallel()

	in := geometry.Shape{Width: 4, Height: 3, Depth: 1}
	b := &tensorio.Bundle{
		Input: tensorio.FromFloats(in, ramp(in.Size())),
		Layers: []tensorio.Layer{
			{
				Geometry: tensorio.Geometry{KernelWidth: 2, KernelHeight: 2, OutChannels: 2},
				Weights:  tensorio.Tensor{Shape: []int{2, 2, 2}, Data: []float32{1, 0, 0, 0, 0, 0, 0, 1}},
				Bias:     &tensorio.Tensor{Shape: []int{2}, Data: []float32{0.1, -0.1}},
			},
			{
				Geometry: tensorio.Geometry{KernelWidth: 1, KernelHeight: 1, OutChannels: 1, Padding: "same"},
				Weights:  tensorio.Tensor{Shape: []int{1, 1, 2}, Data: []float32{0.5, 0.5}},
			},
		},
	}
	n, err := FromBundle(b, parallel.Sequential)
	if err != nil {
		t.Fatalf("FromBundle: %v", err)
	}
	if got := n.OutShape(); got != (geometry.Shape{Width: 3, Height: 2, Depth: 1}) {
		t.Fatalf("output shape %v", got)
	}
	if len(n.Layers()) != 2 || !n.Layers()[0].Params().HasBias {
		t.Fatal("layers not built as described")
	}

	b.Layers[1].Weights.Data = b.Layers[1].Weights.Data[:1]
	if _, err := FromBundle(b, parallel.Sequential); !errors.Is(err, tensorio.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
