package api

import "github.com/samcharles93/qconv/internal/tensorio"

// ConvRequest is the body of both convolution endpoints: an input tensor and
// the layers to run it through. Parallel overrides the server's default mode.
type ConvRequest struct {
	tensorio.Bundle
	Parallel *bool `json:"parallel,omitempty"`
}

// ConvResponse carries the final layer's output. Output is only set by the
// full-precision endpoint.
type ConvResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	Created   int64            `json:"created"`
	Layers    int              `json:"layers"`
	Mode      string           `json:"mode"`
	Output    *tensorio.Tensor `json:"output,omitempty"`
	Quantized tensorio.Tensor  `json:"quantized"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Workers int    `json:"workers"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}
