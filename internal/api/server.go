// Package api serves the quantized convolution over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qconv/internal/layer"
	"github.com/samcharles93/qconv/internal/logger"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/qconv"
	"github.com/samcharles93/qconv/internal/tensorio"
	"github.com/samcharles93/qconv/internal/version"
)

// DefaultMaxRequestBytes bounds request bodies when Options leaves it unset.
const DefaultMaxRequestBytes int64 = 32 << 20

type Options struct {
	Mode            parallel.Mode
	MaxRequestBytes int64
	Logger          logger.Logger
}

type Server struct {
	mode     parallel.Mode
	maxBytes int64
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		mode:     opts.Mode,
		maxBytes: opts.MaxRequestBytes,
		log:      opts.Logger,
		clock:    time.Now,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxRequestBytes
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/conv2d", s.handleConv)
	e.POST("/v1/conv2d/quantized", s.handleConvQuantized)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Workers: parallel.Workers(),
	})
}

func (s *Server) handleConv(c *echo.Context) error {
	return s.serveConv(c, false)
}

func (s *Server) handleConvQuantized(c *echo.Context) error {
	return s.serveConv(c, true)
}

func (s *Server) serveConv(c *echo.Context, quantized bool) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, s.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeError(c, http.StatusRequestEntityTooLarge, "request_too_large", err.Error())
		}
		return writeBadRequest(c, err.Error())
	}
	req, err := decodeJSON[ConvRequest](bytes.NewReader(body))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	id := newConvID()
	mode := s.mode
	if req.Parallel != nil {
		mode = parallel.ModeOf(*req.Parallel)
	}
	log := s.log.With("id", id, "mode", mode.String())
	ctx := logger.WithContext(c.Request().Context(), log)

	start := s.clock()
	resp, err := s.run(ctx, &req, quantized, mode)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		log.Error("conv2d failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	resp.ID = id
	resp.Created = start.Unix()
	log.Info("conv2d", "layers", resp.Layers, "quantized", quantized, "took", s.clock().Sub(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) run(ctx context.Context, req *ConvRequest, quantized bool, mode parallel.Mode) (ConvResponse, error) {
	if len(req.Layers) == 0 {
		return ConvResponse{}, newInvalidRequest("layers must not be empty")
	}
	if req.Input.Quantized() != quantized {
		if quantized {
			return ConvResponse{}, newInvalidRequest("input must carry codes, min and max")
		}
		return ConvResponse{}, newInvalidRequest("input must carry float data")
	}
	net, err := layer.FromBundle(&req.Bundle, mode)
	if err != nil {
		return ConvResponse{}, asInvalidRequest(err)
	}

	resp := ConvResponse{
		Object: "conv2d.result",
		Layers: len(net.Layers()),
		Mode:   mode.String(),
	}
	if quantized {
		in, err := req.Input.QuantTensor()
		if err != nil {
			return ConvResponse{}, newInvalidRequest(err.Error())
		}
		out, err := net.ForwardQuantized(ctx, in)
		if err != nil {
			return ConvResponse{}, asInvalidRequest(err)
		}
		resp.Quantized = tensorio.FromQuantized(net.OutShape(), out)
		return resp, nil
	}

	in, err := req.Input.Floats()
	if err != nil {
		return ConvResponse{}, newInvalidRequest(err.Error())
	}
	var res qconv.Result
	if res, err = net.Forward(ctx, in); err != nil {
		return ConvResponse{}, asInvalidRequest(err)
	}
	output := tensorio.FromFloats(net.OutShape(), res.Output)
	resp.Output = &output
	resp.Quantized = tensorio.FromQuantized(net.OutShape(), res.Quantized)
	return resp, nil
}
