package caffe

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from caffe.proto.
const (
	netNameField     = 1
	netLayersV1Field = 2 // repeated V1LayerParameter (deprecated)
	netLayerField    = 100

	layerNameField  = 1
	layerBlobsField = 7

	blobNumField      = 1 // legacy 4D dims, used when shape is absent
	blobChannelsField = 2
	blobHeightField   = 3
	blobWidthField    = 4
	blobDataField     = 5
	blobShapeField    = 7

	shapeDimField = 1
)

// Open reads and decodes a caffemodel file.
func Open(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a serialized NetParameter message.
func Parse(data []byte) (*Model, error) {
	m := &Model{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptModel, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == netNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: net name: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			m.Name = string(v)
			data = data[n:]

		case num == netLayersV1Field && typ == protowire.BytesType:
			return nil, ErrLegacyNet

		case num == netLayerField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: layer: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			layer, err := parseLayer(v)
			if err != nil {
				return nil, err
			}
			m.Layers = append(m.Layers, layer)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptModel, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

func parseLayer(data []byte) (Layer, error) {
	var layer Layer
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Layer{}, fmt.Errorf("%w: layer tag: %v", ErrCorruptModel, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == layerNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Layer{}, fmt.Errorf("%w: layer name: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			layer.Name = string(v)
			data = data[n:]

		case num == layerBlobsField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Layer{}, fmt.Errorf("%w: layer %q blob: %v", ErrCorruptModel, layer.Name, protowire.ParseError(n))
			}
			blob, err := parseBlob(v)
			if err != nil {
				return Layer{}, fmt.Errorf("layer %q blob %d: %w", layer.Name, len(layer.Blobs), err)
			}
			layer.Blobs = append(layer.Blobs, blob)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Layer{}, fmt.Errorf("%w: layer %q field %d: %v", ErrCorruptModel, layer.Name, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return layer, nil
}

func parseBlob(data []byte) (Blob, error) {
	var (
		blob   Blob
		legacy [4]int
		hasDim bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Blob{}, fmt.Errorf("%w: blob tag: %v", ErrCorruptModel, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == blobShapeField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: blob shape: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			shape, err := parseShape(v)
			if err != nil {
				return Blob{}, err
			}
			blob.Shape = shape
			data = data[n:]

		case num == blobDataField && typ == protowire.BytesType:
			// Packed repeated float: the usual encoding.
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: blob data: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			if len(v)%4 != 0 {
				return Blob{}, fmt.Errorf("%w: packed float payload of %d bytes", ErrCorruptModel, len(v))
			}
			vals := make([]float32, 0, len(blob.Data)+len(v)/4)
			vals = append(vals, blob.Data...)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return Blob{}, fmt.Errorf("%w: packed float: %v", ErrCorruptModel, protowire.ParseError(n))
				}
				vals = append(vals, math.Float32frombits(bits))
				v = v[n:]
			}
			blob.Data = vals
			data = data[n:]

		case num == blobDataField && typ == protowire.Fixed32Type:
			bits, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: blob data: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			blob.Data = append(blob.Data, math.Float32frombits(bits))
			data = data[n:]

		case num >= blobNumField && num <= blobWidthField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: blob dim: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			legacy[num-blobNumField] = int(v)
			hasDim = true
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Blob{}, fmt.Errorf("%w: blob field %d: %v", ErrCorruptModel, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if blob.Shape == nil && hasDim {
		blob.Shape = legacyShape(legacy)
	}
	if got, want := len(blob.Data), blob.NumElements(); got != want {
		return Blob{}, fmt.Errorf("%w: shape %v declares %d elements, payload has %d", ErrCorruptModel, blob.Shape, want, got)
	}
	return blob, nil
}

func parseShape(data []byte) ([]int, error) {
	var dims []int
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: shape tag: %v", ErrCorruptModel, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == shapeDimField && typ == protowire.BytesType:
			// Packed repeated int64.
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: shape dims: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return nil, fmt.Errorf("%w: shape dim: %v", ErrCorruptModel, protowire.ParseError(n))
				}
				dims = append(dims, int(d))
				v = v[n:]
			}
			data = data[n:]

		case num == shapeDimField && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: shape dim: %v", ErrCorruptModel, protowire.ParseError(n))
			}
			dims = append(dims, int(d))
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: shape field %d: %v", ErrCorruptModel, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return dims, nil
}

// legacyShape maps the deprecated (num, channels, height, width) fields to a
// modern shape. Leading singleton axes are collapsed so that a legacy bias
// stored as (1, 1, 1, N) comes out rank 1, matching what new-format models
// declare.
func legacyShape(dims [4]int) []int {
	start := 0
	for start < 3 && dims[start] <= 1 {
		start++
	}
	shape := make([]int, 0, 4-start)
	for _, d := range dims[start:] {
		if d == 0 {
			d = 1
		}
		shape = append(shape, d)
	}
	return shape
}
