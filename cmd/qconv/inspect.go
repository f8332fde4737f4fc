package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/quant"
	"github.com/samcharles93/qconv/internal/tensorio"
)

func inspectCmd() *cli.Command {
	var (
		tensorName string
		showStats  bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors of a safetensors file",
		ArgsUsage: "<file.safetensors>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "tensor",
				Aliases:     []string{"t"},
				Usage:       "only show this tensor",
				Destination: &tensorName,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "decode each tensor and print min, max and mean",
				Destination: &showStats,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := strings.TrimSpace(cmd.Args().First())
			if path == "" {
				return cli.Exit("error: inspect needs a safetensors file", 1)
			}
			f, err := tensorio.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", path, err), 1)
			}
			names := f.Names()
			if tensorName != "" {
				if _, ok := f.Tensor(tensorName); !ok {
					return cli.Exit(fmt.Sprintf("error: tensor %q not found", tensorName), 1)
				}
				names = []string{tensorName}
			}
			if err := printTensors(os.Stdout, f, names, showStats); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printTensors(w io.Writer, f *tensorio.File, names []string, stats bool) error {
	_, _ = fmt.Fprintf(w, "%s: %d tensors\n", f.Path, len(f.Tensors))
	for _, name := range names {
		info, _ := f.Tensor(name)
		_, _ = fmt.Fprintf(w, "  %-24s %-5s %v (%d bytes)", name, info.DType, info.Shape, info.End-info.Start)
		if info.DType == "U8" {
			if q, _, err := f.ReadQuantized(name); err == nil {
				_, _ = fmt.Fprintf(w, " range [%g, %g]", q.Range.Min, q.Range.Max)
			}
		}
		_, _ = fmt.Fprintln(w)
		if !stats {
			continue
		}
		values, err := decodeTensor(f, name, info)
		if err != nil {
			return err
		}
		lo, hi, mean := describe(values)
		_, _ = fmt.Fprintf(w, "  %-24s min %g max %g mean %g\n", "", lo, hi, mean)
	}
	return nil
}

// decodeTensor returns float values for any tensor qconv can read. U8
// tensors without a stored range are reported as raw codes.
func decodeTensor(f *tensorio.File, name string, info tensorio.TensorInfo) ([]float32, error) {
	if info.DType != "U8" {
		values, _, err := f.ReadTensorF32(name)
		return values, err
	}
	if q, _, err := f.ReadQuantized(name); err == nil {
		return q.Floats(), nil
	}
	codes, _, err := f.ReadTensorU8(name)
	if err != nil {
		return nil, err
	}
	return quant.DequantizeTensor(codes, quant.Range{Min: quant.LowestCode, Max: quant.HighestCode}), nil
}

func describe(values []float32) (lo, hi, mean float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	lo, hi = float64(values[0]), float64(values[0])
	var sum float64
	for _, v := range values {
		lo = min(lo, float64(v))
		hi = max(hi, float64(v))
		sum += float64(v)
	}
	return lo, hi, sum / float64(len(values))
}
