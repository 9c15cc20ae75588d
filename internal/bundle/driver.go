package bundle

import (
	"strings"

	"go.uber.org/zap"

	"sfm-refiner/internal/solver"
)

// selectLinearSolver resolves the requested linear solver against the available sparse
// backends, most preferred first. Sparse Schur without any backend falls back to dense.
func selectLinearSolver(requested, pinned string, available []string) (solver.LinearSolverType, string) {
	requested = strings.ToLower(requested)
	if requested == LinearSolverDenseSchur {
		return solver.DenseSchur, ""
	}
	if pinned != "" {
		for _, name := range available {
			if name == pinned {
				return solver.SparseSchur, name
			}
		}
	}
	if len(available) > 0 {
		return solver.SparseSchur, available[0]
	}
	return solver.DenseSchur, ""
}

func parsePreconditioner(s string) solver.PreconditionerType {
	if strings.EqualFold(s, "identity") {
		return solver.IdentityPreconditioner
	}
	return solver.Jacobi
}

// solverOptions translates SolverOptions for the solver package.
func solverOptions(o SolverOptions, logger *zap.Logger) solver.Options {
	opts := solver.DefaultOptions()
	opts.NumThreads = o.threads()
	if o.MaxIterations > 0 {
		opts.MaxNumIterations = o.MaxIterations
	}
	if o.MaxLinearSolverIterations > 0 {
		opts.MaxLinearSolverIterations = o.MaxLinearSolverIterations
	}
	if o.ParameterTolerance > 0 {
		opts.ParameterTolerance = o.ParameterTolerance
	}
	if o.GradientTolerance > 0 {
		opts.GradientTolerance = o.GradientTolerance
	}
	if o.FunctionTolerance > 0 {
		opts.FunctionTolerance = o.FunctionTolerance
	}
	opts.PreconditionerType = parsePreconditioner(o.Preconditioner)

	available := solver.SparseBackends()
	opts.LinearSolverType, opts.SparseBackend = selectLinearSolver(o.LinearSolver, o.SparseBackend, available)
	if strings.EqualFold(o.LinearSolver, LinearSolverSparseSchur) && opts.LinearSolverType == solver.DenseSchur {
		logger.Warn("no sparse linear algebra backend available; using dense Schur")
	}

	opts.MinimizerProgressToLog = o.Verbose
	opts.Logger = logger.Named("solver")
	return opts
}
