package tensorio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/qconv/internal/quant"
)

const metadataKey = "__metadata__"

// TensorInfo locates one tensor inside a safetensors file.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors header. Tensor data is read on demand.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of a safetensors file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	var meta map[string]string
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metadataKey, err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw little-endian bytes of a tensor.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 decodes an F32, F16 or BF16 tensor to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out := make([]float32, n)
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w: f32 data is %d bytes", name, ErrShapeMismatch, len(raw))
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "BF16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w: bf16 data is %d bytes", name, ErrShapeMismatch, len(raw))
		}
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "F16":
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w: f16 data is %d bytes", name, ErrShapeMismatch, len(raw))
		}
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	return out, info, nil
}

// ReadTensorU8 returns the codes of a U8 tensor.
func (f *File) ReadTensorU8(name string) ([]uint8, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != "U8" {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w: u8 data is %d bytes", name, ErrShapeMismatch, len(raw))
	}
	return raw, info, nil
}

// ReadQuantized reads a U8 tensor together with the range stored for it in
// the metadata under "<name>.min" and "<name>.max".
func (f *File) ReadQuantized(name string) (quant.Tensor, TensorInfo, error) {
	codes, info, err := f.ReadTensorU8(name)
	if err != nil {
		return quant.Tensor{}, TensorInfo{}, err
	}
	lo, err := f.metaFloat(name + ".min")
	if err != nil {
		return quant.Tensor{}, TensorInfo{}, err
	}
	hi, err := f.metaFloat(name + ".max")
	if err != nil {
		return quant.Tensor{}, TensorInfo{}, err
	}
	return quant.Tensor{Codes: codes, Range: quant.Range{Min: lo, Max: hi}}, info, nil
}

func (f *File) metaFloat(key string) (float64, error) {
	s, ok := f.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("metadata %s not found", key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	return v, nil
}

// Entry is one tensor to be written by Write. Exactly one of F32 or Codes is
// set; a Codes entry also records its Range in the metadata.
type Entry struct {
	Name  string
	Shape []int
	F32   []float32
	Codes []uint8
	Range quant.Range
}

func (e Entry) dtype() string {
	if e.Codes != nil {
		return "U8"
	}
	return "F32"
}

func (e Entry) byteLen() int64 {
	if e.Codes != nil {
		return int64(len(e.Codes))
	}
	return int64(len(e.F32)) * 4
}

// Write stores entries in a new safetensors file at path. Entries are laid
// out in the order given.
func Write(path string, entries []Entry) error {
	header := make(map[string]any, len(entries)+1)
	meta := map[string]string{"format": "qconv"}
	var offset int64
	for _, e := range entries {
		if _, dup := header[e.Name]; dup || e.Name == metadataKey {
			return fmt.Errorf("tensor %q: duplicate or reserved name", e.Name)
		}
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if (e.Codes != nil && len(e.Codes) != n) || (e.Codes == nil && len(e.F32) != n) {
			return fmt.Errorf("tensor %s: %w: shape %v", e.Name, ErrShapeMismatch, e.Shape)
		}
		end := offset + e.byteLen()
		header[e.Name] = tensorHeader{DType: e.dtype(), Shape: e.Shape, DataOffsets: []int64{offset, end}}
		offset = end
		if e.Codes != nil {
			meta[e.Name+".min"] = strconv.FormatFloat(e.Range.Min, 'g', -1, 64)
			meta[e.Name+".max"] = strconv.FormatFloat(e.Range.Max, 'g', -1, 64)
		}
	}
	header[metadataKey] = meta

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Codes != nil {
			if _, err := w.Write(e.Codes); err != nil {
				return err
			}
			continue
		}
		var b [4]byte
		for _, v := range e.F32 {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			if _, err := w.Write(b[:]); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
