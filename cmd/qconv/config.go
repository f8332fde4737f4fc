package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/config"
	"github.com/samcharles93/qconv/internal/tensorio"
)

// loadConfig reads --config when given, otherwise the default location where
// a missing file is not an error.
func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load(), nil
}

// applyLogConfig applies config file defaults to the logging flags when they
// were not explicitly set.
func applyLogConfig(c *cli.Command, cfg config.Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") && !c.IsSet("debug") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyKernelConfig applies the parallel default.
func applyKernelConfig(c *cli.Command, cfg config.Config) {
	if cfg.Parallel != nil && !c.IsSet("parallel") {
		useParallel = *cfg.Parallel
	}
}

// applyLayerDefaults fills strides and padding that a bundle leaves unset.
func applyLayerDefaults(b *tensorio.Bundle, cfg config.Config) {
	for i := range b.Layers {
		g := &b.Layers[i].Geometry
		if g.StrideW == 0 && cfg.StrideW != nil {
			g.StrideW = *cfg.StrideW
		}
		if g.StrideH == 0 && cfg.StrideH != nil {
			g.StrideH = *cfg.StrideH
		}
		if g.Padding == "" {
			g.Padding = cfg.Padding
		}
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg config.Config, addr *string, maxBytes *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxRequestBytes != nil && !c.IsSet("max-request-bytes") {
		*maxBytes = *cfg.MaxRequestBytes
	}
}
