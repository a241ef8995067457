package fold

import "errors"

var (
	// ErrUnexpectedShape reports a blob whose rank is neither 1 nor 4, which
	// means the layer stream no longer matches the expected architecture.
	ErrUnexpectedShape = errors.New("unexpected blob rank")

	// ErrMissingState reports a scale beta blob arriving before the
	// convolution weights or batch norm statistics it folds into.
	ErrMissingState = errors.New("fold state incomplete")

	// ErrProtocolOrder reports convolution weights arriving while previous
	// weights are still unresolved.
	ErrProtocolOrder = errors.New("blob order violated")
)
