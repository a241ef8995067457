// Package binfile writes flat, headerless parameter files: raw little-endian
// 32-bit floats in row-major order, one weight file and one bias file per
// layer. Consumers know each tensor's shape by architecture convention; no
// manifest or shape metadata is produced.
package binfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/convfold/internal/tensor"
)

const (
	weightSuffix = "_w"
	biasSuffix   = "_b"
	ext          = ".bin"
)

// Sanitize converts a layer name to a filename stem by replacing every
// path separator with an underscore.
func Sanitize(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

// WeightsFileName returns the output filename for a layer's weights.
func WeightsFileName(layer string) string {
	return Sanitize(layer+weightSuffix) + ext
}

// BiasFileName returns the output filename for a layer's bias.
func BiasFileName(layer string) string {
	return Sanitize(layer+biasSuffix) + ext
}

// Writer writes parameter files into a single output directory.
type Writer struct {
	dir string
}

// NewWriter creates the output directory if needed and returns a Writer
// targeting it.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("binfile: output directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("binfile: create %s: %w", dir, err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// WriteWeights writes a layer's weight tensor in its flat row-major order.
func (w *Writer) WriteWeights(layer string, t *tensor.Tensor) error {
	return w.write(WeightsFileName(layer), t.Data())
}

// WriteBias writes a layer's bias vector.
func (w *Writer) WriteBias(layer string, bias []float32) error {
	return w.write(BiasFileName(layer), bias)
}

func (w *Writer) write(name string, vals []float32) error {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("binfile: write %s: %w", path, err)
	}
	return nil
}
