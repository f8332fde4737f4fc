package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qconv/internal/api"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/internal/parallel"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxBytes    int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the convolution HTTP API",
		Flags: append(kernelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-request-bytes",
				Usage:       "largest accepted request body",
				Value:       api.DefaultMaxRequestBytes,
				Destination: &maxBytes,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &addr, &maxBytes)

			server := api.NewServer(api.Options{
				Mode:            parallel.ModeOf(useParallel),
				MaxRequestBytes: maxBytes,
				Logger:          log.WithGroup("api"),
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "parallel", useParallel, "workers", parallel.Workers())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
