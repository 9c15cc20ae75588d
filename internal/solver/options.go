package solver

import (
	"runtime"

	"go.uber.org/zap"
)

// LinearSolverType selects how the damped normal equations are solved.
type LinearSolverType int

const (
	// DenseSchur eliminates independent blocks and factorizes the reduced system densely.
	DenseSchur LinearSolverType = iota
	// SparseSchur eliminates independent blocks and hands the block-sparse reduced
	// system to a registered sparse backend.
	SparseSchur
)

func (t LinearSolverType) String() string {
	switch t {
	case DenseSchur:
		return "DENSE_SCHUR"
	case SparseSchur:
		return "SPARSE_SCHUR"
	default:
		return "UNKNOWN"
	}
}

// PreconditionerType selects the preconditioner used by iterative backends.
type PreconditionerType int

const (
	// Jacobi uses the inverse of the block diagonal of the reduced system.
	Jacobi PreconditionerType = iota
	// IdentityPreconditioner disables preconditioning.
	IdentityPreconditioner
)

func (t PreconditionerType) String() string {
	switch t {
	case Jacobi:
		return "JACOBI"
	case IdentityPreconditioner:
		return "IDENTITY"
	default:
		return "UNKNOWN"
	}
}

// Options configures Solve.
type Options struct {
	MaxNumIterations          int
	MaxLinearSolverIterations int
	NumThreads                int

	FunctionTolerance  float64
	GradientTolerance  float64
	ParameterTolerance float64

	LinearSolverType   LinearSolverType
	PreconditionerType PreconditionerType
	// SparseBackend names the backend used with SparseSchur.
	SparseBackend string

	InitialTrustRegionRadius float64
	MaxTrustRegionRadius     float64
	MinTrustRegionRadius     float64
	MinRelativeDecrease      float64
	MaxConsecutiveInvalid    int

	// MinimizerProgressToLog logs one line per iteration at info level.
	MinimizerProgressToLog bool
	Logger                 *zap.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxNumIterations:          50,
		MaxLinearSolverIterations: 500,
		NumThreads:                runtime.GOMAXPROCS(0),
		FunctionTolerance:         1e-6,
		GradientTolerance:         1e-10,
		ParameterTolerance:        1e-8,
		LinearSolverType:          DenseSchur,
		PreconditionerType:        Jacobi,
		InitialTrustRegionRadius:  1e4,
		MaxTrustRegionRadius:      1e16,
		MinTrustRegionRadius:      1e-32,
		MinRelativeDecrease:       1e-3,
		MaxConsecutiveInvalid:     5,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.MaxNumIterations <= 0 {
		o.MaxNumIterations = d.MaxNumIterations
	}
	if o.MaxLinearSolverIterations <= 0 {
		o.MaxLinearSolverIterations = d.MaxLinearSolverIterations
	}
	if o.NumThreads <= 0 {
		o.NumThreads = 1
	}
	if o.InitialTrustRegionRadius <= 0 {
		o.InitialTrustRegionRadius = d.InitialTrustRegionRadius
	}
	if o.MaxTrustRegionRadius <= 0 {
		o.MaxTrustRegionRadius = d.MaxTrustRegionRadius
	}
	if o.MinTrustRegionRadius <= 0 {
		o.MinTrustRegionRadius = d.MinTrustRegionRadius
	}
	if o.MinRelativeDecrease <= 0 {
		o.MinRelativeDecrease = d.MinRelativeDecrease
	}
	if o.MaxConsecutiveInvalid <= 0 {
		o.MaxConsecutiveInvalid = d.MaxConsecutiveInvalid
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
