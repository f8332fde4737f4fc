package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/version"
)

// buildReport is what `qconv version` prints: build info plus the kernel
// configuration this binary runs with on the current machine.
type buildReport struct {
	version.Info
	Platform string   `json:"platform"`
	Workers  int      `json:"workers"`
	Features []string `json:"cpu_features,omitempty"`
}

func currentBuild() buildReport {
	return buildReport{
		Info:     version.Resolve(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Workers:  parallel.Workers(),
		Features: cpuFeatures(),
	}
}

func versionCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "version",
		Usage: "Print build and kernel information",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return writeBuild(os.Stdout, currentBuild(), asJSON)
		},
	}
}

func writeBuild(w io.Writer, r buildReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	_, _ = fmt.Fprintf(w, "qconv %s\n", r.Version)
	if r.Commit != "" {
		_, _ = fmt.Fprintf(w, "  commit   %s\n", r.Commit)
	}
	if r.BuildTime != "" {
		_, _ = fmt.Fprintf(w, "  built    %s\n", r.BuildTime)
	}
	_, _ = fmt.Fprintf(w, "  go       %s %s\n", r.GoVersion, r.Platform)
	_, _ = fmt.Fprintf(w, "  workers  %d\n", r.Workers)
	if len(r.Features) > 0 {
		_, _ = fmt.Fprintf(w, "  simd     %s\n", strings.Join(r.Features, " "))
	}
	return nil
}
