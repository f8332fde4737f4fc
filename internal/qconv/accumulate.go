package qconv

import (
	"fmt"
	"sync"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/quant"
)

// Output rescaling hook: ((sum + outputOffset) * outputMultiplier + rounding) >> outputShift.
// With these values it is the identity.
const (
	outputOffset     int32 = 0
	outputMultiplier int32 = 1
	outputShift            = 0
)

var outputRounding = roundingFor(outputShift)

func roundingFor(shift int) int32 {
	if shift < 1 {
		return 0
	}
	return 1 << (shift - 1)
}

var accumulatorPool = sync.Pool{
	New: func() any {
		buf := make([]int32, 0)
		return &buf
	},
}

func getAccumulator(n int) []int32 {
	buf := accumulatorPool.Get().(*[]int32)
	if cap(*buf) < n {
		*buf = make([]int32, n)
	}
	return (*buf)[:n]
}

func putAccumulator(acc []int32) {
	acc = acc[:0]
	accumulatorPool.Put(&acc)
}

// accumulate fills acc (laid out like p.Out) with the int32 convolution of
// q.in and q.filter and fuses the bias. Output channels are independent and
// each writes only its own region of acc.
func accumulate(p *geometry.Params, acc []int32, q quantized, off Offsets, mode parallel.Mode) {
	if len(q.in.Codes) < p.InPadded.Size() || len(q.filter.Codes) < p.Weight.Size() || len(acc) < p.Out.Size() {
		panic(fmt.Sprintf("qconv: shape mismatch (in %d/%d, weights %d/%d, out %d/%d)",
			len(q.in.Codes), p.InPadded.Size(), len(q.filter.Codes), p.Weight.Size(), len(acc), p.Out.Size()))
	}
	if p.HasBias && len(q.bias.Codes) < p.Out.Depth {
		panic(fmt.Sprintf("qconv: bias has %d codes, want %d", len(q.bias.Codes), p.Out.Depth))
	}

	parallel.For(mode, p.Out.Depth, func(o int) {
		dst := geometry.Channel(p.Out, acc, o)
		accumulateChannel(p, dst, q.in.Codes, q.filter.Codes, off, o)
		if p.HasBias {
			fuseBias(dst, q.bias.Codes[o], off.ZeroInOutput)
		}
	})
}

// accumulateChannel computes output channel o into dst. dst is cleared first;
// contributions of the connected input channels are then added up.
func accumulateChannel(p *geometry.Params, dst []int32, in, weights []uint8, off Offsets, o int) {
	clear(dst)

	kw, kh := p.Weight.Width, p.Weight.Height
	for inc := 0; inc < p.In.Depth; inc++ {
		if !p.Connected(o, inc) {
			continue
		}
		filter := geometry.Channel(p.Weight, weights, p.In.Depth*o+inc)

		for y := 0; y < p.Out.Height; y++ {
			for x := 0; x < p.Out.Width; x++ {
				x0, y0 := x*p.StrideW, y*p.StrideH

				var sum int32
				for wy := 0; wy < kh; wy++ {
					row := in[p.InPadded.Index(x0, y0+wy, inc):][:kw]
					taps := filter[wy*kw:][:kw]
					for wx, w := range taps {
						sum += (int32(w) - off.Filter) * (int32(row[wx]) - off.Input)
					}
				}
				dst[p.Out.Index(x, y, 0)] += rescale(sum)
			}
		}
	}
}

// rescale applies the output hook. The result is stored unclamped: the clamp
// to the 8-bit code range is left to requantization.
func rescale(sum int32) int32 {
	output := ((sum+outputOffset)*outputMultiplier + outputRounding) >> outputShift
	_ = clampCode(output)
	return output
}

func clampCode(v int32) int32 {
	return min(max(v, quant.LowestCode), quant.HighestCode)
}

// fuseBias adds biasCode - zero to every accumulator of one output channel.
func fuseBias(dst []int32, biasCode uint8, zero int32) {
	delta := int32(biasCode) - zero
	for i := range dst {
		dst[i] += delta
	}
}
