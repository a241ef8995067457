package caffe

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendFloats(b []byte, field protowire.Number, vals []float32) []byte {
	payload := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		payload = protowire.AppendFixed32(payload, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendShape(b []byte, dims []int) []byte {
	payload := []byte{}
	for _, d := range dims {
		payload = protowire.AppendVarint(payload, uint64(d))
	}
	shape := protowire.AppendTag(nil, shapeDimField, protowire.BytesType)
	shape = protowire.AppendBytes(shape, payload)
	b = protowire.AppendTag(b, blobShapeField, protowire.BytesType)
	return protowire.AppendBytes(b, shape)
}

func encodeBlob(shape []int, vals []float32) []byte {
	b := appendShape(nil, shape)
	return appendFloats(b, blobDataField, vals)
}

func encodeLayer(name string, blobs ...[]byte) []byte {
	b := protowire.AppendTag(nil, layerNameField, protowire.BytesType)
	b = protowire.AppendString(b, name)
	for _, blob := range blobs {
		b = protowire.AppendTag(b, layerBlobsField, protowire.BytesType)
		b = protowire.AppendBytes(b, blob)
	}
	return b
}

func encodeNet(name string, layers ...[]byte) []byte {
	b := protowire.AppendTag(nil, netNameField, protowire.BytesType)
	b = protowire.AppendString(b, name)
	for _, layer := range layers {
		b = protowire.AppendTag(b, netLayerField, protowire.BytesType)
		b = protowire.AppendBytes(b, layer)
	}
	return b
}

func TestParseNet(t *testing.T) {
	t.Parallel()
	data := encodeNet("mobilenet",
		encodeLayer("conv1",
			encodeBlob([]int{2, 3, 1, 1}, []float32{1, 2, 3, 4, 5, 6}),
		),
		encodeLayer("relu1"),
		encodeLayer("conv1/bn",
			encodeBlob([]int{2}, []float32{0.5, -0.5}),
			encodeBlob([]int{2}, []float32{1, 4}),
			encodeBlob([]int{1}, []float32{1}),
		),
	)

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Name != "mobilenet" {
		t.Errorf("net name = %q, want mobilenet", m.Name)
	}
	if len(m.Layers) != 3 {
		t.Fatalf("got %d layers, want 3", len(m.Layers))
	}
	if m.Layers[1].Name != "relu1" || len(m.Layers[1].Blobs) != 0 {
		t.Errorf("expected parameter-less relu1, got %+v", m.Layers[1])
	}

	conv := m.Layers[0].Blobs[0]
	if conv.Rank() != 4 || conv.NumElements() != 6 {
		t.Fatalf("conv blob shape = %v", conv.Shape)
	}
	if conv.Data[5] != 6 {
		t.Errorf("conv data = %v", conv.Data)
	}

	bn := m.Layers[2]
	if len(bn.Blobs) != 3 {
		t.Fatalf("bn blobs = %d, want 3", len(bn.Blobs))
	}
	if bn.Blobs[1].Data[1] != 4 {
		t.Errorf("variance blob = %v", bn.Blobs[1].Data)
	}
}

func TestParseUnpackedFloats(t *testing.T) {
	t.Parallel()
	// Old writers may emit repeated floats unpacked, one tag per value.
	blob := appendShape(nil, []int{2})
	for _, v := range []float32{3, 7} {
		blob = protowire.AppendTag(blob, blobDataField, protowire.Fixed32Type)
		blob = protowire.AppendFixed32(blob, math.Float32bits(v))
	}
	data := encodeNet("n", encodeLayer("fc7", blob))

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := m.Layers[0].Blobs[0].Data
	if len(got) != 2 || got[0] != 3 || got[1] != 7 {
		t.Errorf("data = %v, want [3 7]", got)
	}
}

func TestParseLegacyDims(t *testing.T) {
	t.Parallel()
	appendLegacy := func(b []byte, field protowire.Number, v int) []byte {
		b = protowire.AppendTag(b, field, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(v))
	}

	// Legacy conv weight: full 4D dims, no shape message.
	weight := appendLegacy(nil, blobNumField, 2)
	weight = appendLegacy(weight, blobChannelsField, 1)
	weight = appendLegacy(weight, blobHeightField, 1)
	weight = appendLegacy(weight, blobWidthField, 3)
	weight = appendFloats(weight, blobDataField, []float32{1, 2, 3, 4, 5, 6})

	// Legacy bias: (1, 1, 1, N) collapses to rank 1.
	bias := appendLegacy(nil, blobNumField, 1)
	bias = appendLegacy(bias, blobChannelsField, 1)
	bias = appendLegacy(bias, blobHeightField, 1)
	bias = appendLegacy(bias, blobWidthField, 2)
	bias = appendFloats(bias, blobDataField, []float32{9, 8})

	data := encodeNet("n", encodeLayer("conv", weight, bias))
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	blobs := m.Layers[0].Blobs
	if got := blobs[0].Shape; len(got) != 4 || got[0] != 2 || got[3] != 3 {
		t.Errorf("weight shape = %v, want [2 1 1 3]", got)
	}
	if got := blobs[1].Shape; len(got) != 1 || got[0] != 2 {
		t.Errorf("bias shape = %v, want [2]", got)
	}
}

func TestParseRejectsLegacyNet(t *testing.T) {
	t.Parallel()
	b := protowire.AppendTag(nil, netLayersV1Field, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeLayer("old"))
	if _, err := Parse(b); !errors.Is(err, ErrLegacyNet) {
		t.Fatalf("err = %v, want ErrLegacyNet", err)
	}
}

func TestParseRejectsSizeMismatch(t *testing.T) {
	t.Parallel()
	blob := appendShape(nil, []int{4})
	blob = appendFloats(blob, blobDataField, []float32{1, 2})
	data := encodeNet("n", encodeLayer("conv", blob))
	if _, err := Parse(data); !errors.Is(err, ErrCorruptModel) {
		t.Fatalf("err = %v, want ErrCorruptModel", err)
	}
}

func TestParseTruncated(t *testing.T) {
	t.Parallel()
	data := encodeNet("n", encodeLayer("conv", encodeBlob([]int{1}, []float32{1})))
	if _, err := Parse(data[:len(data)-3]); err == nil {
		t.Fatal("expected error for truncated input")
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "net.caffemodel")
	data := encodeNet("disk", encodeLayer("conv", encodeBlob([]int{1}, []float32{42})))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.Name != "disk" || len(m.Layers) != 1 {
		t.Fatalf("unexpected model: %+v", m)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.caffemodel")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
