package transformer

import "errors"

// Error kinds surfaced to the training loop. Returned errors wrap one of these
// with the offending shapes or ids; match with errors.Is.
var (
	// ErrShape: an input violates the (batch, sequence) or (batch, sequence,
	// size) contract, or size is not divisible by the head count.
	ErrShape = errors.New("shape error")

	// ErrShapeMismatch: checkpoint tensors disagree with the model layout.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNumerical: logits or loss contain NaN or Inf.
	ErrNumerical = errors.New("numerical error")

	// ErrConfig: an incompatible configuration combination.
	ErrConfig = errors.New("config error")
)
