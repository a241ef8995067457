package binfile

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/convfold/internal/tensor"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"conv1/dw":    "conv1_dw",
		"fc7":         "fc7",
		"a/b/c":       "a_b_c",
		"conv2_1/sep": "conv2_1_sep",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileNames(t *testing.T) {
	t.Parallel()
	if got := WeightsFileName("conv1/dw"); got != "conv1_dw_w.bin" {
		t.Errorf("WeightsFileName = %q, want conv1_dw_w.bin", got)
	}
	if got := BiasFileName("conv1/dw"); got != "conv1_dw_b.bin" {
		t.Errorf("BiasFileName = %q, want conv1_dw_b.bin", got)
	}
}

func TestWriteRawLittleEndian(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	vals := []float32{1.5, -2.25, 0, 3.0e-5}
	ten, err := tensor.New(vals, 2, 2)
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}
	if err := w.WriteWeights("conv1/dw", ten); err != nil {
		t.Fatalf("WriteWeights: %v", err)
	}
	if err := w.WriteBias("conv1/dw", []float32{7, -8}); err != nil {
		t.Fatalf("WriteBias: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "conv1_dw_w.bin"))
	if err != nil {
		t.Fatalf("read weights file: %v", err)
	}
	if len(raw) != len(vals)*4 {
		t.Fatalf("weights file is %d bytes, want %d (no header, no padding)", len(raw), len(vals)*4)
	}
	for i, want := range vals {
		got := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if got != want {
			t.Errorf("weights[%d] = %v, want %v", i, got, want)
		}
	}

	raw, err = os.ReadFile(filepath.Join(dir, "conv1_dw_b.bin"))
	if err != nil {
		t.Fatalf("read bias file: %v", err)
	}
	if len(raw) != 8 {
		t.Fatalf("bias file is %d bytes, want 8", len(raw))
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])); got != -8 {
		t.Errorf("bias[1] = %v, want -8", got)
	}
}

func TestNewWriterCreatesDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "out", "params")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("precondition: %v", err)
	}
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", w.Dir(), dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("output directory not created: %v", err)
	}
}

func TestNewWriterRequiresDir(t *testing.T) {
	t.Parallel()
	if _, err := NewWriter(""); err == nil {
		t.Fatal("expected error for empty output directory")
	}
}
