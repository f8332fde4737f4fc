package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/layer"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/qconv"
	"github.com/samcharles93/qconv/internal/quant"
	"github.com/samcharles93/qconv/internal/tensorio"
)

// runOutput is the JSON document written by run.
type runOutput struct {
	Layers    int              `json:"layers"`
	Mode      string           `json:"mode"`
	Output    *tensorio.Tensor `json:"output,omitempty"`
	Quantized tensorio.Tensor  `json:"quantized"`
}

func runCmd() *cli.Command {
	var (
		bundlePath string
		outPath    string
		quantized  bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a JSON bundle through its convolution layers",
		Flags: append(kernelFlags(),
			&cli.StringFlag{
				Name:        "bundle",
				Aliases:     []string{"b"},
				Usage:       "path to a JSON bundle (input plus layers)",
				Required:    true,
				Destination: &bundlePath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write results to a .json or .safetensors file instead of stdout",
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "quantized",
				Aliases:     []string{"q"},
				Usage:       "use the chained entry for every layer; float input is quantized first",
				Destination: &quantized,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, fileConfig)
			mode := parallel.ModeOf(useParallel)

			b, err := tensorio.ReadBundle(bundlePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyLayerDefaults(b, fileConfig)

			net, err := layer.FromBundle(b, mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %s: %v", bundlePath, err), 1)
			}
			log.Info("loaded bundle", "path", bundlePath, "layers", len(net.Layers()),
				"in", net.InShape().String(), "out", net.OutShape().String(), "mode", mode.String())

			start := time.Now()
			out, err := runNetwork(ctx, net, b.Input, quantized)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out.Mode = mode.String()
			log.Info("run complete", "took", time.Since(start),
				"out_min", *out.Quantized.Min, "out_max", *out.Quantized.Max)

			if err := writeRunOutput(outPath, os.Stdout, out); err != nil {
				return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
			}
			if outPath != "" {
				log.Info("wrote output", "path", outPath)
			}
			return nil
		},
	}
}

// runNetwork picks the entry point: float input goes through Forward unless
// forceQuantized, quantized input always takes the chained entry.
func runNetwork(ctx context.Context, net *layer.Network, input tensorio.Tensor, forceQuantized bool) (runOutput, error) {
	out := runOutput{Layers: len(net.Layers())}
	shape := net.OutShape()

	if !input.Quantized() && !forceQuantized {
		in, err := input.Floats()
		if err != nil {
			return runOutput{}, fmt.Errorf("input: %w", err)
		}
		res, err := net.Forward(ctx, in)
		if err != nil {
			return runOutput{}, err
		}
		return withFloatOutput(out, shape, res), nil
	}

	var in quant.Tensor
	if input.Quantized() {
		q, err := input.QuantTensor()
		if err != nil {
			return runOutput{}, fmt.Errorf("input: %w", err)
		}
		in = q
	} else {
		values, err := input.Floats()
		if err != nil {
			return runOutput{}, fmt.Errorf("input: %w", err)
		}
		// Layers pad with the code of 0.0, so it must lie inside the range.
		in = quant.NewTensor(values, quant.RangeIncludingZero(values))
	}
	q, err := net.ForwardQuantized(ctx, in)
	if err != nil {
		return runOutput{}, err
	}
	out.Quantized = tensorio.FromQuantized(shape, q)
	return out, nil
}

func withFloatOutput(out runOutput, shape geometry.Shape, res qconv.Result) runOutput {
	output := tensorio.FromFloats(shape, res.Output)
	out.Output = &output
	out.Quantized = tensorio.FromQuantized(shape, res.Quantized)
	return out
}

// writeRunOutput writes JSON to stdout when path is empty, a safetensors file
// for a .safetensors path and a JSON file otherwise.
func writeRunOutput(path string, stdout io.Writer, out runOutput) error {
	switch {
	case path == "":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case strings.EqualFold(filepath.Ext(path), ".safetensors"):
		q, err := out.Quantized.QuantTensor()
		if err != nil {
			return err
		}
		var entries []tensorio.Entry
		if out.Output != nil {
			entries = append(entries, tensorio.Entry{Name: "output", Shape: out.Output.Shape, F32: out.Output.Data})
		}
		entries = append(entries, tensorio.Entry{
			Name:  "output_codes",
			Shape: out.Quantized.Shape,
			Codes: q.Codes,
			Range: q.Range,
		})
		return tensorio.Write(path, entries)
	default:
		return tensorio.WriteJSON(path, out)
	}
}
