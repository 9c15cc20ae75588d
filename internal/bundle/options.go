package bundle

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"sfm-refiner/internal/camera"
)

// ExtrinsicPolicy selects which parts of the camera poses are refined.
type ExtrinsicPolicy int

const (
	// ExtrinsicNone holds every pose fixed.
	ExtrinsicNone ExtrinsicPolicy = iota
	// AdjustRotation refines rotations only.
	AdjustRotation
	// AdjustTranslation refines translations only.
	AdjustTranslation
	// AdjustAll refines rotations and translations.
	AdjustAll
)

var extrinsicNames = map[ExtrinsicPolicy]string{
	ExtrinsicNone:     "none",
	AdjustRotation:    "rotation",
	AdjustTranslation: "translation",
	AdjustAll:         "all",
}

func (p ExtrinsicPolicy) String() string {
	if n, ok := extrinsicNames[p]; ok {
		return n
	}
	return "unknown"
}

// ParseExtrinsicPolicy is the inverse of ExtrinsicPolicy.String.
func ParseExtrinsicPolicy(s string) (ExtrinsicPolicy, error) {
	for p, n := range extrinsicNames {
		if n == strings.ToLower(strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return ExtrinsicNone, errors.Wrapf(ErrInvalidOptions, "extrinsic policy %q", s)
}

// StructurePolicy selects whether landmark positions are refined.
type StructurePolicy int

const (
	// StructureNone holds every landmark fixed.
	StructureNone StructurePolicy = iota
	// StructureAdjust refines landmark positions.
	StructureAdjust
)

func (p StructurePolicy) String() string {
	if p == StructureAdjust {
		return "adjust"
	}
	return "none"
}

// ParseStructurePolicy parses "none" or "adjust".
func ParseStructurePolicy(s string) (StructurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return StructureNone, nil
	case "adjust", "all":
		return StructureAdjust, nil
	}
	return StructureNone, errors.Wrapf(ErrInvalidOptions, "structure policy %q", s)
}

// ParseIntrinsicPolicy parses "none", "all" or a '|' separated list of
// focal, principal_point and distortion.
func ParseIntrinsicPolicy(s string) (camera.IntrinsicPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "none", "":
		return camera.IntrinsicNone, nil
	case "all":
		return camera.IntrinsicAll, nil
	}
	var p camera.IntrinsicPolicy
	for _, part := range strings.Split(s, "|") {
		switch strings.TrimSpace(part) {
		case "focal", "focal_length":
			p |= camera.AdjustFocalLength
		case "principal_point":
			p |= camera.AdjustPrincipalPoint
		case "distortion":
			p |= camera.AdjustDistortion
		default:
			return camera.IntrinsicNone, errors.Wrapf(ErrInvalidOptions, "intrinsic policy %q", part)
		}
	}
	return p, nil
}

// ControlPointOptions configures ground control point residuals.
type ControlPointOptions struct {
	Enabled bool
	// Weight scales the reprojection residuals of control point observations. It must be
	// positive when Enabled.
	Weight float64
}

// Options selects what Adjust refines.
type Options struct {
	Extrinsics      ExtrinsicPolicy
	Intrinsics      camera.IntrinsicPolicy
	Structure       StructurePolicy
	UseMotionPriors bool
	ControlPoints   ControlPointOptions
}

// DefaultOptions refines everything and ignores priors and control points.
func DefaultOptions() Options {
	return Options{
		Extrinsics:    AdjustAll,
		Intrinsics:    camera.IntrinsicAll,
		Structure:     StructureAdjust,
		ControlPoints: ControlPointOptions{Weight: 20},
	}
}

// Validate rejects out of range policies.
func (o Options) Validate() error {
	if _, ok := extrinsicNames[o.Extrinsics]; !ok {
		return errors.Wrapf(ErrInvalidOptions, "extrinsic policy %d", int(o.Extrinsics))
	}
	if o.Intrinsics&^camera.IntrinsicAll != 0 {
		return errors.Wrapf(ErrInvalidOptions, "intrinsic policy %d", int(o.Intrinsics))
	}
	if o.Structure != StructureNone && o.Structure != StructureAdjust {
		return errors.Wrapf(ErrInvalidOptions, "structure policy %d", int(o.Structure))
	}
	if o.ControlPoints.Enabled && !(o.ControlPoints.Weight > 0) {
		return errors.Wrapf(ErrInvalidOptions, "control point weight %g", o.ControlPoints.Weight)
	}
	return nil
}

// Linear solver names accepted by SolverOptions.LinearSolver.
const (
	LinearSolverAuto        = "auto"
	LinearSolverDenseSchur  = "dense_schur"
	LinearSolverSparseSchur = "sparse_schur"
)

// SolverOptions configures the optimizer.
type SolverOptions struct {
	Verbose            bool
	MultithreadEnabled bool
	// NumThreads bounds parallel residual evaluation. 0 means runtime.GOMAXPROCS(0).
	NumThreads int

	ParameterTolerance        float64
	GradientTolerance         float64
	FunctionTolerance         float64
	MaxIterations             int
	MaxLinearSolverIterations int

	// UseLossFunction enables the Huber loss on reprojection residuals.
	UseLossFunction bool
	// LinearSolver is auto, dense_schur or sparse_schur. auto picks sparse_schur when a
	// sparse backend is registered.
	LinearSolver string
	// SparseBackend pins a backend for sparse_schur; empty picks by priority.
	SparseBackend  string
	Preconditioner string

	PrintSummary bool
	// Seed drives the robust prior registration.
	Seed int64
}

// DefaultSolverOptions returns the default solver configuration.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MultithreadEnabled:        true,
		ParameterTolerance:        1e-8,
		GradientTolerance:         1e-10,
		FunctionTolerance:         1e-6,
		MaxIterations:             50,
		MaxLinearSolverIterations: 500,
		UseLossFunction:           true,
		LinearSolver:              LinearSolverAuto,
		Preconditioner:            "jacobi",
		Seed:                      1,
	}
}

// threads returns the worker count used by the solver.
func (o SolverOptions) threads() int {
	if !o.MultithreadEnabled {
		return 1
	}
	if o.NumThreads > 0 {
		return o.NumThreads
	}
	return runtime.GOMAXPROCS(0)
}
