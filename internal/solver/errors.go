package solver

import "errors"

var (
	// ErrEmptyParameterBlock is returned when a zero-length parameter block is registered.
	ErrEmptyParameterBlock = errors.New("parameter block has no entries")

	// ErrUnknownParameterBlock is returned when an operation references a block that was never added.
	ErrUnknownParameterBlock = errors.New("unknown parameter block")

	// ErrBlockSizeMismatch is returned when a block is re-registered or used with a different size.
	ErrBlockSizeMismatch = errors.New("parameter block size mismatch")

	// ErrDuplicateParameterBlock is returned when a residual block lists the same parameter block twice.
	ErrDuplicateParameterBlock = errors.New("parameter block repeated in residual block")

	// ErrNilCostFunction is returned when a residual block has no cost function.
	ErrNilCostFunction = errors.New("cost function is nil")

	// ErrNotPositiveDefinite is returned when a linear system cannot be factorized.
	ErrNotPositiveDefinite = errors.New("linear system is not positive definite")

	// ErrUnknownSparseBackend is returned when the requested sparse backend is not registered.
	ErrUnknownSparseBackend = errors.New("sparse linear algebra backend not available")
)
