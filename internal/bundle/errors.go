package bundle

import "errors"

var (
	// ErrInvalidOptions is returned for out of range adjustment options.
	ErrInvalidOptions = errors.New("invalid bundle adjustment options")

	// ErrSolverFailed is returned when the solver does not report a usable solution.
	ErrSolverFailed = errors.New("solver did not produce a usable solution")

	// ErrNilScene is returned when Adjust is called without a scene.
	ErrNilScene = errors.New("scene is nil")
)
