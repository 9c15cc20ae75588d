package camera

import "errors"

var (
	// ErrUnsupportedModel is returned for an unknown or invalid camera model.
	ErrUnsupportedModel = errors.New("unsupported camera model")

	// ErrParamCount is returned when a parameter vector does not match the model.
	ErrParamCount = errors.New("wrong number of intrinsic parameters")

	// ErrInvalidDimensions is returned for a non-positive image size.
	ErrInvalidDimensions = errors.New("image dimensions must be positive")
)
