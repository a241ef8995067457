package fold

import (
	"errors"
	"fmt"
	"io"

	"github.com/samcharles93/convfold/internal/logger"
	"github.com/samcharles93/convfold/internal/tensor"
)

// BlobRecord is one parameter tensor of a layer: 1 to 4 dims plus a flat
// row-major float32 payload.
type BlobRecord struct {
	Shape []int
	Data  []float32
}

// LayerRecord is a named layer and its blobs in processing order.
type LayerRecord struct {
	Name  string
	Blobs []BlobRecord
}

// Source yields layer records in file order. It is finite, non-restartable,
// and consumed exactly once; Next returns io.EOF after the last record.
type Source interface {
	Next() (LayerRecord, error)
}

// Sink receives the weight and bias tensors of each resolved convolution.
type Sink interface {
	WriteWeights(layer string, w *tensor.Tensor) error
	WriteBias(layer string, bias []float32) error
}

// Layers returns a Source over an in-memory layer sequence.
func Layers(recs []LayerRecord) Source {
	return &sliceSource{recs: recs}
}

type sliceSource struct {
	recs []LayerRecord
}

func (s *sliceSource) Next() (LayerRecord, error) {
	if len(s.recs) == 0 {
		return LayerRecord{}, io.EOF
	}
	rec := s.recs[0]
	s.recs = s.recs[1:]
	return rec, nil
}

// Converter drives the single-pass conversion. It holds at most one
// unresolved convolution at a time: weights accumulate until either a scale
// beta blob (fold) or a plain bias blob (pass-through) resolves them, at
// which point both output tensors go to the sink and the state resets.
//
// Correctness depends on the source preserving conv -> bn -> scale adjacency
// in stream order, so a Converter must not be fed layers concurrently.
type Converter struct {
	sink Sink
	eps  float32
	log  logger.Logger

	pendingName    string
	pendingWeights *tensor.Tensor
	depthwise      bool

	mean     []float32
	variance []float32
	gamma    []float32

	layers  int
	written int
}

// New creates a Converter writing to sink. An epsilon of 0 selects
// DefaultEpsilon.
func New(sink Sink, eps float32, log logger.Logger) *Converter {
	if eps == 0 {
		eps = DefaultEpsilon
	}
	if log == nil {
		log = logger.Default()
	}
	return &Converter{sink: sink, eps: eps, log: log}
}

// Run consumes the source to exhaustion. Any classification, ordering, or
// write error aborts immediately; there is no partial-result recovery.
func (c *Converter) Run(src Source) error {
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := c.Layer(rec); err != nil {
			return err
		}
	}
	if c.pendingWeights != nil {
		c.log.Warn("stream ended with unresolved convolution weights", "layer", c.pendingName)
	}
	return nil
}

// Layer feeds one layer record through the classifier and accumulator.
// Layers without parameters are skipped.
func (c *Converter) Layer(rec LayerRecord) error {
	if len(rec.Blobs) == 0 {
		return nil
	}
	c.layers++
	c.log.Debug("layer", "name", rec.Name, "blobs", len(rec.Blobs))

	for i, blob := range rec.Blobs {
		if err := c.blob(rec.Name, i, blob); err != nil {
			return fmt.Errorf("layer %q blob %d: %w", rec.Name, i, err)
		}
	}
	return nil
}

// Stats reports the number of parameterized layers seen and output files
// written so far.
func (c *Converter) Stats() (layers, files int) {
	return c.layers, c.written
}

func (c *Converter) blob(layerName string, ordinal int, blob BlobRecord) error {
	role, err := Classify(layerName, ordinal, len(blob.Shape))
	if err != nil {
		return err
	}

	switch role {
	case RoleConvWeight:
		if c.pendingWeights != nil {
			return fmt.Errorf("weights for %q still unresolved: %w", c.pendingName, ErrProtocolOrder)
		}
		w, err := tensor.New(blob.Data, blob.Shape...)
		if err != nil {
			return err
		}
		c.pendingWeights = w
		c.pendingName = layerName
		c.depthwise = IsDepthwise(layerName)

	case RoleMean:
		c.mean = blob.Data
	case RoleVariance:
		c.variance = blob.Data
	case RoleGamma:
		c.gamma = blob.Data
	case RoleMovingAverage:
		// Always 1.0 in practice; nothing downstream needs it.

	case RoleBeta:
		return c.resolveFold(blob.Data)
	case RoleTerminalBias:
		return c.resolveTerminal(layerName, blob.Data)
	}
	return nil
}

// resolveFold folds the held batch norm statistics into the held weights and
// writes the result under the convolution layer's name.
func (c *Converter) resolveFold(beta []float32) error {
	for _, missing := range []struct {
		name string
		ok   bool
	}{
		{"weights", c.pendingWeights != nil},
		{"mean", c.mean != nil},
		{"variance", c.variance != nil},
		{"gamma", c.gamma != nil},
	} {
		if !missing.ok {
			return fmt.Errorf("beta arrived without %s: %w", missing.name, ErrMissingState)
		}
	}

	bn := BatchNorm{Mean: c.mean, Variance: c.variance, Gamma: c.gamma, Beta: beta}
	folded, bias, err := Fold(c.pendingWeights, bn, c.eps, c.depthwise)
	if err != nil {
		return err
	}

	kind := "standard"
	if c.depthwise {
		kind = "depthwise"
	}
	c.log.Info("folded convolution",
		"layer", c.pendingName,
		"kind", kind,
		"in_shape", c.pendingWeights.Shape(),
		"out_shape", folded.Shape(),
	)

	if err := c.write(c.pendingName, folded, bias); err != nil {
		return err
	}
	c.reset()
	return nil
}

// resolveTerminal handles the fully-connected-like last layer, which has no
// batch norm: weights pass through in their stored axis order and the bias
// is written verbatim, both under the bias blob's layer name.
func (c *Converter) resolveTerminal(layerName string, bias []float32) error {
	if c.pendingWeights == nil {
		return fmt.Errorf("bias arrived without weights: %w", ErrMissingState)
	}

	c.log.Info("terminal layer pass-through",
		"layer", layerName,
		"shape", c.pendingWeights.Shape(),
	)

	if err := c.write(layerName, c.pendingWeights, bias); err != nil {
		return err
	}
	c.reset()
	return nil
}

func (c *Converter) write(layerName string, w *tensor.Tensor, bias []float32) error {
	if err := c.sink.WriteWeights(layerName, w); err != nil {
		return err
	}
	c.written++
	if err := c.sink.WriteBias(layerName, bias); err != nil {
		return err
	}
	c.written++
	return nil
}

func (c *Converter) reset() {
	c.pendingName = ""
	c.pendingWeights = nil
	c.depthwise = false
	c.mean = nil
	c.variance = nil
	c.gamma = nil
}
