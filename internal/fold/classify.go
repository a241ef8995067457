package fold

import (
	"fmt"
	"strings"
)

// Layer name suffixes used by Caffe MobileNet nets. A convolution may be
// followed by "<name>/bn" and "<name>/scale" layers carrying its batch norm
// statistics; depthwise convolutions are named "<name>/dw".
const (
	batchNormSuffix = "/bn"
	scaleSuffix     = "/scale"
	depthwiseSuffix = "/dw"
)

// Role is what a blob contributes to the conversion.
type Role int

const (
	// RoleConvWeight is a rank-4 weight tensor: a convolution, or the
	// terminal fully-connected layer stored as (fan_out, fan_in, 1, 1).
	RoleConvWeight Role = iota
	// RoleMean and RoleVariance are batch norm statistics.
	RoleMean
	RoleVariance
	// RoleMovingAverage is the batch norm moving average factor. It carries
	// nothing the folded weights need and is discarded.
	RoleMovingAverage
	// RoleGamma and RoleBeta are the scale layer's multiplier and shift.
	// Beta completes a fold.
	RoleGamma
	RoleBeta
	// RoleTerminalBias is a plain bias on a layer with no batch norm; it
	// resolves the held weights by pass-through.
	RoleTerminalBias
)

func (r Role) String() string {
	switch r {
	case RoleConvWeight:
		return "conv-weight"
	case RoleMean:
		return "mean"
	case RoleVariance:
		return "variance"
	case RoleMovingAverage:
		return "moving-average"
	case RoleGamma:
		return "gamma"
	case RoleBeta:
		return "beta"
	case RoleTerminalBias:
		return "terminal-bias"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Classify decides a blob's role from its rank, the owning layer's name, and
// the blob's ordinal position within the layer. No side effects.
func Classify(layerName string, ordinal, rank int) (Role, error) {
	switch rank {
	case 4:
		return RoleConvWeight, nil
	case 1:
		switch {
		case strings.HasSuffix(layerName, batchNormSuffix):
			switch ordinal {
			case 0:
				return RoleMean, nil
			case 1:
				return RoleVariance, nil
			default:
				return RoleMovingAverage, nil
			}
		case strings.HasSuffix(layerName, scaleSuffix):
			switch ordinal {
			case 0:
				return RoleGamma, nil
			case 1:
				return RoleBeta, nil
			default:
				return 0, fmt.Errorf("extra scale blob at ordinal %d: %w", ordinal, ErrProtocolOrder)
			}
		default:
			return RoleTerminalBias, nil
		}
	default:
		return 0, fmt.Errorf("rank %d: %w", rank, ErrUnexpectedShape)
	}
}

// IsDepthwise reports whether a convolution layer name marks a depthwise
// convolution, whose weights are stored (C, 1, kH, kW) instead of
// (C_out, C_in, kH, kW).
func IsDepthwise(layerName string) bool {
	return strings.HasSuffix(layerName, depthwiseSuffix)
}
