package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/qconv"
	"github.com/samcharles93/qconv/internal/quant"
)

type benchConfig struct {
	width, height   int64
	inDepth         int64
	outDepth        int64
	kernel          int64
	stride          int64
	padding         string
	groups          int64
	warmup, runs    int64
	seed            uint64
	compareParallel bool
}

func benchCmd() *cli.Command {
	var bc benchConfig

	return &cli.Command{
		Name:  "bench",
		Usage: "Time both entry points on synthetic data",
		Flags: append(kernelFlags(),
			&cli.Int64Flag{Name: "width", Usage: "input width", Value: 64, Destination: &bc.width},
			&cli.Int64Flag{Name: "height", Usage: "input height", Value: 64, Destination: &bc.height},
			&cli.Int64Flag{Name: "in-channels", Usage: "input channels", Value: 16, Destination: &bc.inDepth},
			&cli.Int64Flag{Name: "out-channels", Usage: "output channels", Value: 32, Destination: &bc.outDepth},
			&cli.Int64Flag{Name: "kernel", Aliases: []string{"k"}, Usage: "square kernel size", Value: 3, Destination: &bc.kernel},
			&cli.Int64Flag{Name: "stride", Usage: "stride in both directions", Value: 1, Destination: &bc.stride},
			&cli.StringFlag{Name: "padding", Usage: "valid or same", Value: "same", Destination: &bc.padding},
			&cli.Int64Flag{Name: "groups", Usage: "channel groups (1 = fully connected)", Value: 1, Destination: &bc.groups},
			&cli.Int64Flag{Name: "warmup", Usage: "number of warmup runs", Value: 2, Destination: &bc.warmup},
			&cli.Int64Flag{Name: "runs", Usage: "number of timed runs", Value: 10, Destination: &bc.runs},
			&cli.Uint64Flag{Name: "seed", Usage: "random seed for synthetic data", Value: 42, Destination: &bc.seed},
			&cli.BoolFlag{Name: "compare", Usage: "time sequential and parallel modes side by side", Destination: &bc.compareParallel},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyKernelConfig(cmd, fileConfig)
			if bc.runs <= 0 || bc.warmup < 0 {
				return cli.Exit("error: --runs must be positive and --warmup non-negative", 1)
			}
			p, err := bc.params()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			modes := []parallel.Mode{parallel.ModeOf(useParallel)}
			if bc.compareParallel {
				modes = []parallel.Mode{parallel.Sequential, parallel.Parallel}
			}
			return runBench(ctx, os.Stdout, p, bc, modes)
		},
	}
}

func (bc benchConfig) params() (*geometry.Params, error) {
	padding, err := geometry.ParsePadding(bc.padding)
	if err != nil {
		return nil, err
	}
	var table geometry.ConnectionTable
	if bc.groups > 1 {
		table, err = geometry.GroupedConnectionTable(int(bc.inDepth), int(bc.outDepth), int(bc.groups))
		if err != nil {
			return nil, err
		}
	}
	return geometry.New(geometry.Config{
		InWidth:      int(bc.width),
		InHeight:     int(bc.height),
		InDepth:      int(bc.inDepth),
		KernelWidth:  int(bc.kernel),
		KernelHeight: int(bc.kernel),
		OutDepth:     int(bc.outDepth),
		StrideW:      int(bc.stride),
		StrideH:      int(bc.stride),
		Padding:      padding,
		Table:        table,
		HasBias:      true,
	})
}

type benchResult struct {
	entry string
	mode  parallel.Mode
	times []time.Duration
}

func runBench(ctx context.Context, w io.Writer, p *geometry.Params, bc benchConfig, modes []parallel.Mode) error {
	log := logger.FromContext(ctx)
	rng := rand.New(rand.NewPCG(bc.seed, bc.seed^0x9e3779b97f4a7c15))

	in := p.Pad(randomFloats(rng, p.In.Size(), -1, 1))
	weights := randomFloats(rng, p.Weight.Size(), -0.5, 0.5)
	bias := randomFloats(rng, p.Out.Depth, -0.1, 0.1)
	qin := quant.NewTensor(in, quant.RangeOf(in))
	qweights := quant.NewTensor(weights, quant.RangeOf(weights))
	qbias := quant.NewTensor(bias, quant.RangeIncludingZero(bias))

	printSystemInfo(w)
	_, _ = fmt.Fprintf(w, "Input:    %s (padded %s, %s)\n", p.In, p.InPadded, p.Padding)
	_, _ = fmt.Fprintf(w, "Kernel:   %dx%d stride %dx%d\n", p.Weight.Width, p.Weight.Height, p.StrideW, p.StrideH)
	_, _ = fmt.Fprintf(w, "Output:   %s\n", p.Out)
	_, _ = fmt.Fprintf(w, "MACs:     %d per run\n", macs(p))
	_, _ = fmt.Fprintf(w, "Warmup:   %d runs\nRuns:     %d\n\n", bc.warmup, bc.runs)

	var results []benchResult
	for _, mode := range modes {
		opts := qconv.Options{Mode: mode}
		entries := []struct {
			name string
			fn   func()
		}{
			{"forward", func() { qconv.Forward(p, in, weights, bias, opts) }},
			{"forward-quantized", func() { qconv.ForwardQuantized(p, qin, qweights, qbias, opts) }},
		}
		for _, e := range entries {
			for range bc.warmup {
				e.fn()
			}
			r := benchResult{entry: e.name, mode: mode}
			for i := range bc.runs {
				if err := ctx.Err(); err != nil {
					return err
				}
				start := time.Now()
				e.fn()
				r.times = append(r.times, time.Since(start))
				log.Debug("bench run", "entry", e.name, "mode", mode.String(), "run", i+1, "took", r.times[len(r.times)-1])
			}
			results = append(results, r)
		}
	}

	_, _ = fmt.Fprintf(w, "%-18s %-10s %12s %12s %12s\n", "entry", "mode", "mean", "min", "GMAC/s")
	for _, r := range results {
		mean, fastest := summarize(r.times)
		gmacs := float64(macs(p)) / mean.Seconds() / 1e9
		_, _ = fmt.Fprintf(w, "%-18s %-10s %12s %12s %12.2f\n", r.entry, r.mode,
			mean.Round(time.Microsecond), fastest.Round(time.Microsecond), gmacs)
	}
	return nil
}

func printSystemInfo(w io.Writer) {
	_, _ = fmt.Fprintln(w, "=== qconv benchmark ===")
	_, _ = fmt.Fprintf(w, "Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "CPUs:     %d\n", runtime.NumCPU())
	_, _ = fmt.Fprintf(w, "GOMAXPROCS: %d (workers %d)\n", runtime.GOMAXPROCS(0), parallel.Workers())
	if f := cpuFeatures(); len(f) > 0 {
		_, _ = fmt.Fprintf(w, "Features: %s\n", strings.Join(f, " "))
	}
}

// cpuFeatures lists the SIMD extensions relevant to int8 dot products.
func cpuFeatures() []string {
	var out []string
	add := func(name string, ok bool) {
		if ok {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add("sse4.1", cpu.X86.HasSSE41)
		add("avx", cpu.X86.HasAVX)
		add("avx2", cpu.X86.HasAVX2)
		add("fma", cpu.X86.HasFMA)
		add("avx512f", cpu.X86.HasAVX512F)
		add("avx512bw", cpu.X86.HasAVX512BW)
		add("avx512vnni", cpu.X86.HasAVX512VNNI)
		add("avxvnni", cpu.X86.HasAVXVNNI)
	case "arm64":
		add("asimd", cpu.ARM64.HasASIMD)
		add("asimddp", cpu.ARM64.HasASIMDDP)
		add("i8mm", cpu.ARM64.HasI8MM)
		add("sve", cpu.ARM64.HasSVE)
	}
	return out
}

// macs counts multiply-accumulates of one invocation, skipping disconnected
// channel pairs.
func macs(p *geometry.Params) int64 {
	var pairs int64
	for o := range p.Out.Depth {
		for inc := range p.In.Depth {
			if p.Connected(o, inc) {
				pairs++
			}
		}
	}
	return pairs * int64(p.Out.Area()) * int64(p.Weight.Area())
}

func summarize(times []time.Duration) (mean, fastest time.Duration) {
	var total time.Duration
	for _, d := range times {
		total += d
	}
	return total / time.Duration(len(times)), slices.Min(times)
}

func randomFloats(rng *rand.Rand, n int, lo, hi float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = lo + rng.Float32()*(hi-lo)
	}
	return out
}
