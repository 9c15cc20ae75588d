package sfm

import "errors"

var (
	// ErrMissingView is returned when an observation references an unknown view.
	ErrMissingView = errors.New("observation references an unknown view")

	// ErrMissingPose is returned when a view references an unknown pose.
	ErrMissingPose = errors.New("view references an undefined pose")

	// ErrMissingIntrinsic is returned when a view references an unknown intrinsic.
	ErrMissingIntrinsic = errors.New("view references an undefined intrinsic")
)
