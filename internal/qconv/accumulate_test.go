package qconv

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/quant"
)

func mustParams(t *testing.T, cfg geometry.Config) *geometry.Params {
	t.Helper()
	p, err := geometry.New(cfg)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return p
}

func randomCodes(rng *rand.Rand, n int) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = uint8(rng.IntN(256))
	}
	return out
}

func filledCodes(n int, c uint8) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = c
	}
	return out
}

func runAccumulate(p *geometry.Params, q quantized, off Offsets, mode parallel.Mode) []int32 {
	acc := make([]int32, p.Out.Size())
	accumulate(p, acc, q, off, mode)
	return acc
}

func TestAccumulateHandComputed(t *testing.T) {
	t.Parallel()

	p := mustParams(t, geometry.Config{
		InWidth: 4, InHeight: 4, InDepth: 1,
		KernelWidth: 2, KernelHeight: 2, OutDepth: 1,
		StrideW: 2, StrideH: 2,
	})
	in := make([]uint8, 16)
	for i := range in {
		in[i] = uint8(i)
	}
	q := quantized{
		in:     quant.Tensor{Codes: in},
		filter: quant.Tensor{Codes: []uint8{1, 2, 3, 4}},
	}
	got := runAccumulate(p, q, Offsets{}, parallel.Sequential)
	want := []int32{34, 54, 114, 134}
	if !slices.Equal(got, want) {
		t.Fatalf("accumulators %v, want %v", got, want)
	}
}

func TestAccumulateSubtractsZeroPoints(t *testing.T) {
	t.Parallel()

	p := mustParams(t, geometry.Config{
		InWidth: 2, InHeight: 1, InDepth: 1,
		KernelWidth: 2, KernelHeight: 1, OutDepth: 1,
	})
	q := quantized{
		in:     quant.Tensor{Codes: []uint8{10, 20}},
		filter: quant.Tensor{Codes: []uint8{3, 7}},
	}
	got := runAccumulate(p, q, Offsets{Input: 12, Filter: 5}, parallel.Sequential)
	// (3-5)*(10-12) + (7-5)*(20-12) = 4 + 16
	if got[0] != 20 {
		t.Fatalf("accumulator %d, want 20", got[0])
	}
}

func TestZeroWeightsGiveZeroAccumulators(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	p := mustParams(t, geometry.Config{
		InWidth: 6, InHeight: 5, InDepth: 3,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 4,
	})
	off, _ := OffsetsFor(quant.Range{Min: -2, Max: 3}, quant.Range{Min: -1, Max: 1})
	q := quantized{
		in:     quant.Tensor{Codes: randomCodes(rng, p.InPadded.Size())},
		filter: quant.Tensor{Codes: filledCodes(p.Weight.Size(), uint8(off.Filter))},
	}
	for i, v := range runAccumulate(p, q, off, parallel.Parallel) {
		if v != 0 {
			t.Fatalf("accumulator %d = %d, want 0", i, v)
		}
	}
}

func TestDisconnectedChannelStaysZero(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 4))
	table, err := geometry.NewConnectionTable(2, 2, []bool{
		true, false,
		true, false,
	})
	if err != nil {
		t.Fatalf("NewConnectionTable: %v", err)
	}
	p := mustParams(t, geometry.Config{
		InWidth: 5, InHeight: 5, InDepth: 2,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 2,
		Table: table,
	})
	q := quantized{
		in:     quant.Tensor{Codes: randomCodes(rng, p.InPadded.Size())},
		filter: quant.Tensor{Codes: randomCodes(rng, p.Weight.Size())},
	}
	acc := runAccumulate(p, q, Offsets{Input: 100, Filter: 90}, parallel.Parallel)

	nonZero := false
	for _, v := range geometry.Channel(p.Out, acc, 0) {
		nonZero = nonZero || v != 0
	}
	if !nonZero {
		t.Fatal("connected channel 0 is all zero")
	}
	for i, v := range geometry.Channel(p.Out, acc, 1) {
		if v != 0 {
			t.Fatalf("disconnected channel 1 accumulator %d = %d", i, v)
		}
	}
}

func TestBiasOnlyEffect(t *testing.T) {
	t.Parallel()

	p := mustParams(t, geometry.Config{
		InWidth: 4, InHeight: 4, InDepth: 1,
		KernelWidth: 2, KernelHeight: 2, OutDepth: 2,
		HasBias: true,
	})
	off, _ := OffsetsFor(quant.Range{Min: -1, Max: 2}, quant.Range{Min: -0.5, Max: 0.5})
	if off.ZeroInOutput != 0 {
		t.Fatalf("ZeroInOutput %d, want 0", off.ZeroInOutput)
	}
	q := quantized{
		in:     quant.Tensor{Codes: filledCodes(p.InPadded.Size(), 200)},
		filter: quant.Tensor{Codes: filledCodes(p.Weight.Size(), uint8(off.Filter))},
		bias:   quant.Tensor{Codes: []uint8{10, 200}},
	}
	acc := runAccumulate(p, q, off, parallel.Sequential)
	for o, want := range []int32{10, 200} {
		for i, v := range geometry.Channel(p.Out, acc, o) {
			if v != want {
				t.Fatalf("channel %d element %d = %d, want %d", o, i, v, want)
			}
		}
	}
}

func TestFuseBiasWithoutBiasIsNoop(t *testing.T) {
	t.Parallel()

	p := mustParams(t, geometry.Config{
		InWidth: 3, InHeight: 3, InDepth: 1,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 1,
	})
	q := quantized{
		in:     quant.Tensor{Codes: filledCodes(9, 0)},
		filter: quant.Tensor{Codes: filledCodes(9, 0)},
		bias:   quant.Tensor{Codes: []uint8{255}},
	}
	if acc := runAccumulate(p, q, Offsets{ZeroInOutput: 128}, parallel.Sequential); acc[0] != 0 {
		t.Fatalf("bias applied without HasBias: %d", acc[0])
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(5, 6))
	table, err := geometry.GroupedConnectionTable(4, 6, 2)
	if err != nil {
		t.Fatalf("GroupedConnectionTable: %v", err)
	}
	p := mustParams(t, geometry.Config{
		InWidth: 9, InHeight: 7, InDepth: 4,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 6,
		StrideW: 2, StrideH: 1, Padding: geometry.PaddingSame,
		Table: table, HasBias: true,
	})
	q := quantized{
		in:     quant.Tensor{Codes: randomCodes(rng, p.InPadded.Size())},
		filter: quant.Tensor{Codes: randomCodes(rng, p.Weight.Size())},
		bias:   quant.Tensor{Codes: randomCodes(rng, p.Out.Depth)},
	}
	off := Offsets{Input: 120, Filter: 131, ZeroInOutput: 128}
	seq := runAccumulate(p, q, off, parallel.Sequential)
	par := runAccumulate(p, q, off, parallel.Parallel)
	if !slices.Equal(seq, par) {
		t.Fatal("parallel accumulation differs from sequential")
	}
}

func TestAccumulateClearsReusedBuffer(t *testing.T) {
	t.Parallel()

	p := mustParams(t, geometry.Config{
		InWidth: 2, InHeight: 2, InDepth: 1,
		KernelWidth: 1, KernelHeight: 1, OutDepth: 1,
	})
	q := quantized{
		in:     quant.Tensor{Codes: []uint8{1, 2, 3, 4}},
		filter: quant.Tensor{Codes: []uint8{2}},
	}
	acc := []int32{99, 99, 99, 99}
	accumulate(p, acc, q, Offsets{}, parallel.Sequential)
	if !slices.Equal(acc, []int32{2, 4, 6, 8}) {
		t.Fatalf("accumulators %v", acc)
	}
}

func TestRescaleIsIdentityAndUnclamped(t *testing.T) {
	t.Parallel()

	for _, v := range []int32{-70000, -1, 0, 255, 256, 1 << 20} {
		if got := rescale(v); got != v {
			t.Fatalf("rescale(%d) = %d", v, got)
		}
	}
	if clampCode(-5) != 0 || clampCode(300) != 255 || clampCode(17) != 17 {
		t.Fatal("clampCode bounds wrong")
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	t.Parallel()

	p := mustParams(t, geometry.Config{
		InWidth: 3, InHeight: 3, InDepth: 1,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 1,
	})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for short input")
		}
	}()
	runAccumulate(p, quantized{
		in:     quant.Tensor{Codes: make([]uint8, 4)},
		filter: quant.Tensor{Codes: make([]uint8, 9)},
	}, Offsets{}, parallel.Sequential)
}
