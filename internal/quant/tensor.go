package quant

// Tensor is a flat sequence of 8-bit codes and the range that gives them meaning.
type Tensor struct {
	Codes []uint8
	Range Range
}

// NewTensor quantizes values under r.
func NewTensor(values []float32, r Range) Tensor {
	return Tensor{Codes: QuantizeTensor(values, r), Range: r}
}

// Len returns the number of codes.
func (t Tensor) Len() int {
	return len(t.Codes)
}

// Floats decodes the tensor.
func (t Tensor) Floats() []float32 {
	return DequantizeTensor(t.Codes, t.Range)
}

// ZeroCode is the clamped code of 0.0, used to fill padding.
func (t Tensor) ZeroCode() uint8 {
	return Quantize(0, t.Range)
}
