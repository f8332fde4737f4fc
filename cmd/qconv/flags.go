package main

import "github.com/urfave/cli/v3"

var (
	configPath  string
	logLevel    string
	logFormat   string
	debug       bool
	useParallel bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text); pretty on a terminal, text otherwise",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func kernelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "parallel",
			Usage:       "accumulate output channels in parallel",
			Value:       true,
			Destination: &useParallel,
		},
	}
}
