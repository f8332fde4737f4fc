package main

import (
	"bytes"
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qconv/internal/config"
	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/layer"
	"github.com/samcharles93/qconv/internal/parallel"
	"github.com/samcharles93/qconv/internal/tensorio"
	"github.com/samcharles93/qconv/internal/version"
)

func identityBundle() *tensorio.Bundle {
	return &tensorio.Bundle{
		Input: tensorio.Tensor{Shape: []int{2, 2, 1}, Data: []float32{0, 0.25, 0.5, 1}},
		Layers: []tensorio.Layer{{
			Geometry: tensorio.Geometry{KernelWidth: 1, KernelHeight: 1, OutChannels: 1},
			Weights:  tensorio.Tensor{Shape: []int{1, 1, 1}, Data: []float32{1}},
		}},
	}
}

func TestApplyLayerDefaults(t *testing.T) {
	t.Parallel()

	two := 2
	b := &tensorio.Bundle{Layers: []tensorio.Layer{
		{Geometry: tensorio.Geometry{}},
		{Geometry: tensorio.Geometry{StrideW: 3, Padding: "valid"}},
	}}
	applyLayerDefaults(b, config.Config{StrideW: &two, StrideH: &two, Padding: "same"})

	if g := b.Layers[0].Geometry; g.StrideW != 2 || g.StrideH != 2 || g.Padding != "same" {
		t.Fatalf("defaults not applied: %+v", g)
	}
	if g := b.Layers[1].Geometry; g.StrideW != 3 || g.StrideH != 2 || g.Padding != "valid" {
		t.Fatalf("explicit values overridden: %+v", g)
	}
}

func TestRunNetworkFloatAndQuantized(t *testing.T) {
	t.Parallel()

	b := identityBundle()
	net, err := layer.FromBundle(b, parallel.Sequential)
	if err != nil {
		t.Fatalf("FromBundle: %v", err)
	}

	full, err := runNetwork(context.Background(), net, b.Input, false)
	if err != nil {
		t.Fatalf("runNetwork float: %v", err)
	}
	if full.Output == nil || len(full.Output.Data) != 4 {
		t.Fatalf("float output missing: %+v", full)
	}

	chained, err := runNetwork(context.Background(), net, b.Input, true)
	if err != nil {
		t.Fatalf("runNetwork quantized: %v", err)
	}
	if chained.Output != nil {
		t.Fatal("chained run should not produce float output")
	}
	if !slices.Equal(chained.Quantized.Codes, full.Quantized.Codes) {
		t.Fatalf("chained codes %v, full codes %v", chained.Quantized.Codes, full.Quantized.Codes)
	}
}

func TestWriteRunOutput(t *testing.T) {
	t.Parallel()

	b := identityBundle()
	net, err := layer.FromBundle(b, parallel.Sequential)
	if err != nil {
		t.Fatalf("FromBundle: %v", err)
	}
	out, err := runNetwork(context.Background(), net, b.Input, false)
	if err != nil {
		t.Fatalf("runNetwork: %v", err)
	}

	var stdout bytes.Buffer
	if err := writeRunOutput("", &stdout, out); err != nil {
		t.Fatalf("stdout: %v", err)
	}
	var decoded runOutput
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("decode stdout: %v", err)
	}
	if decoded.Layers != 1 || len(decoded.Quantized.Codes) != 4 {
		t.Fatalf("unexpected stdout document: %+v", decoded)
	}

	dir := t.TempDir()
	stPath := filepath.Join(dir, "out.safetensors")
	if err := writeRunOutput(stPath, nil, out); err != nil {
		t.Fatalf("safetensors: %v", err)
	}
	f, err := tensorio.Open(stPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := f.Names(); !slices.Equal(got, []string{"output", "output_codes"}) {
		t.Fatalf("tensors %v", got)
	}
	q, _, err := f.ReadQuantized("output_codes")
	if err != nil {
		t.Fatalf("ReadQuantized: %v", err)
	}
	if q.Range.Min != *out.Quantized.Min || q.Range.Max != *out.Quantized.Max {
		t.Fatalf("range %+v lost", q.Range)
	}

	var listing bytes.Buffer
	if err := printTensors(&listing, f, f.Names(), true); err != nil {
		t.Fatalf("printTensors: %v", err)
	}
	if !strings.Contains(listing.String(), "output_codes") || !strings.Contains(listing.String(), "range [") {
		t.Fatalf("unexpected listing:\n%s", listing.String())
	}

	jsonPath := filepath.Join(dir, "out.json")
	if err := writeRunOutput(jsonPath, nil, out); err != nil {
		t.Fatalf("json: %v", err)
	}
}

func TestMACsSkipsDisconnectedPairs(t *testing.T) {
	t.Parallel()

	table, err := geometry.GroupedConnectionTable(4, 4, 2)
	if err != nil {
		t.Fatalf("GroupedConnectionTable: %v", err)
	}
	p, err := geometry.New(geometry.Config{
		InWidth: 5, InHeight: 5, InDepth: 4,
		KernelWidth: 3, KernelHeight: 3, OutDepth: 4,
		Table: table,
	})
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	// 8 connected pairs, 3x3 outputs, 3x3 taps.
	if got := macs(p); got != 8*9*9 {
		t.Fatalf("macs = %d, want %d", got, 8*9*9)
	}
}

func TestRunBenchSmall(t *testing.T) {
	t.Parallel()

	bc := benchConfig{
		width: 6, height: 5, inDepth: 2, outDepth: 3,
		kernel: 3, stride: 1, padding: "same", groups: 1,
		warmup: 1, runs: 2, seed: 1,
	}
	p, err := bc.params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	var out bytes.Buffer
	if err := runBench(context.Background(), &out, p, bc, []parallel.Mode{parallel.Sequential, parallel.Parallel}); err != nil {
		t.Fatalf("runBench: %v", err)
	}
	report := out.String()
	for _, want := range []string{"forward-quantized", "sequential", "parallel", "GOMAXPROCS"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestBenchParamsRejectsBadGroups(t *testing.T) {
	t.Parallel()

	bc := benchConfig{width: 4, height: 4, inDepth: 3, outDepth: 4, kernel: 1, stride: 1, groups: 2}
	if _, err := bc.params(); err == nil {
		t.Fatal("expected error for groups not dividing channels")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	lo, hi, mean := describe([]float32{-1, 0, 4})
	if lo != -1 || hi != 4 || mean != 1 {
		t.Fatalf("describe = %g %g %g", lo, hi, mean)
	}
}

func TestWriteBuild(t *testing.T) {
	t.Parallel()

	r := buildReport{
		Info:     version.Info{Version: "v1.2.0", Commit: "abc123", GoVersion: "go1.26.0"},
		Platform: "linux/amd64",
		Workers:  4,
		Features: []string{"avx2", "fma"},
	}

	var text bytes.Buffer
	if err := writeBuild(&text, r, false); err != nil {
		t.Fatalf("writeBuild text: %v", err)
	}
	for _, want := range []string{"qconv v1.2.0", "commit   abc123", "go1.26.0 linux/amd64", "workers  4", "simd     avx2 fma"} {
		if !strings.Contains(text.String(), want) {
			t.Fatalf("text output missing %q:\n%s", want, text.String())
		}
	}
	if strings.Contains(text.String(), "built") {
		t.Fatalf("empty build time printed:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := writeBuild(&js, r, true); err != nil {
		t.Fatalf("writeBuild json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["version"] != "v1.2.0" || decoded["platform"] != "linux/amd64" || decoded["workers"] != float64(4) {
		t.Fatalf("unexpected json: %s", js.String())
	}
	if _, ok := decoded["build_time"]; ok {
		t.Fatalf("empty build_time encoded: %s", js.String())
	}
}
