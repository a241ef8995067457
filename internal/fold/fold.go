// Package fold converts Caffe convolution parameters to the flat layout a
// Metal-style inference runtime consumes, folding each batch norm + scale
// pair into the convolution that precedes it.
package fold

import (
	"fmt"
	"math"

	"github.com/samcharles93/convfold/internal/tensor"
)

// DefaultEpsilon is the batch norm stability constant added to the variance
// before the square root.
const DefaultEpsilon = 1e-5

// BatchNorm holds the per-channel statistics of a batch norm layer and the
// gamma/beta of its trailing scale layer. All four vectors have length equal
// to the convolution's output channel count.
type BatchNorm struct {
	Mean     []float32
	Variance []float32
	Gamma    []float32
	Beta     []float32
}

// ScaleFactor returns gamma / sqrt(variance + eps) per channel.
func (bn BatchNorm) ScaleFactor(eps float32) []float32 {
	s := make([]float32, len(bn.Gamma))
	for c := range s {
		s[c] = bn.Gamma[c] / float32(math.Sqrt(float64(bn.Variance[c]+eps)))
	}
	return s
}

// Fold merges batch norm statistics into convolution weights and converts
// the weights to the target layout.
//
// Depthwise weights arrive as (C, 1, kH, kW) and leave as (kH, kW, C).
// Standard and pointwise weights arrive as (C_out, C_in, kH, kW) and leave
// as (C_out, kH, kW, C_in). The returned bias is
// beta - mean * gamma / sqrt(variance + eps), one value per output channel.
func Fold(w *tensor.Tensor, bn BatchNorm, eps float32, depthwise bool) (*tensor.Tensor, []float32, error) {
	if w.Rank() != 4 {
		return nil, nil, fmt.Errorf("weights rank %d: %w", w.Rank(), ErrUnexpectedShape)
	}
	channels := w.Dim(0)
	for _, v := range [][]float32{bn.Mean, bn.Variance, bn.Gamma, bn.Beta} {
		if len(v) != channels {
			return nil, nil, fmt.Errorf("batch norm vectors %d/%d/%d/%d do not match %d output channels: %w",
				len(bn.Mean), len(bn.Variance), len(bn.Gamma), len(bn.Beta), channels, ErrMissingState)
		}
	}

	scale := bn.ScaleFactor(eps)

	var folded *tensor.Tensor
	if depthwise {
		if w.Dim(1) != 1 {
			return nil, nil, fmt.Errorf("depthwise weights shape %v, want a singleton second axis: %w", w.Shape(), ErrUnexpectedShape)
		}
		// (C, 1, kH, kW) -> (C, kH, kW) -> (kH, kW, C), then the scale
		// broadcasts over the trailing channel axis. Already final layout.
		r, err := w.Reshape(w.Dim(0), w.Dim(2), w.Dim(3))
		if err != nil {
			return nil, nil, err
		}
		hw, err := r.Transpose(1, 2, 0)
		if err != nil {
			return nil, nil, err
		}
		folded, err = hw.ScaleTrailing(scale)
		if err != nil {
			return nil, nil, err
		}
	} else {
		// (C_out, C_in, kH, kW) -> (kH, kW, C_in, C_out) so the per-output
		// scale broadcasts over the trailing axis, then to the final
		// (C_out, kH, kW, C_in).
		hw, err := w.Transpose(2, 3, 1, 0)
		if err != nil {
			return nil, nil, err
		}
		scaled, err := hw.ScaleTrailing(scale)
		if err != nil {
			return nil, nil, err
		}
		folded, err = scaled.Transpose(3, 0, 1, 2)
		if err != nil {
			return nil, nil, err
		}
	}

	bias := make([]float32, channels)
	for c := range bias {
		bias[c] = bn.Beta[c] - bn.Mean[c]*scale[c]
	}
	return folded, bias, nil
}
