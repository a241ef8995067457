// Package caffe reads the layer parameters of a Caffe .caffemodel file.
//
// A caffemodel is a serialized caffe.NetParameter protobuf message. Only the
// fields needed for weight extraction are decoded: the net name, each layer's
// name, and each layer's parameter blobs (shape + flat float32 payload).
// Everything else (layer types, hyperparameters, learned diffs) is skipped.
package caffe

import "errors"

var (
	// ErrLegacyNet is returned for pre-LayerParameter models that store
	// layers in the deprecated V1LayerParameter field.
	ErrLegacyNet = errors.New("caffe: legacy V1LayerParameter net is not supported")

	// ErrCorruptModel is returned when the protobuf wire data cannot be
	// decoded as a NetParameter.
	ErrCorruptModel = errors.New("caffe: corrupt model")
)

// Blob is one parameter tensor attached to a layer: a shape of 1 to 4 dims
// and a flat row-major float32 payload whose length equals the product of
// the dims. Immutable once read.
type Blob struct {
	Shape []int
	Data  []float32
}

// Rank returns the number of axes in the blob's shape.
func (b Blob) Rank() int { return len(b.Shape) }

// NumElements returns the product of the blob's dims.
func (b Blob) NumElements() int {
	n := 1
	for _, d := range b.Shape {
		n *= d
	}
	return n
}

// Layer is a named layer and its parameter blobs in declaration order.
// Parameter-less layers (ReLU, pooling, softmax) have zero blobs.
type Layer struct {
	Name  string
	Blobs []Blob
}

// Model is the decoded parameter content of a caffemodel, with layers in
// file order.
type Model struct {
	Name   string
	Layers []Layer
}
