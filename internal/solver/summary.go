package solver

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TerminationType describes why the minimizer stopped.
type TerminationType int

const (
	// Convergence means a function, gradient or parameter tolerance was reached.
	Convergence TerminationType = iota
	// NoConvergence means the iteration limit was hit; the current point is still usable.
	NoConvergence
	// Failure means the minimizer could not make progress from a valid state.
	Failure
)

func (t TerminationType) String() string {
	switch t {
	case Convergence:
		return "CONVERGENCE"
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// IterationSummary records one trust region step.
type IterationSummary struct {
	Iteration         int
	Cost              float64
	CostChange        float64
	GradientMaxNorm   float64
	StepNorm          float64
	RelativeDecrease  float64
	TrustRegionRadius float64
	LinearSolverIters int
	StepIsSuccessful  bool
	IterationTime     time.Duration
	CumulativeTime    time.Duration
}

// Summary describes the outcome of Solve.
type Summary struct {
	Termination TerminationType
	Message     string

	InitialCost float64
	FinalCost   float64
	Iterations  []IterationSummary

	NumParameterBlocks     int
	NumParameters          int
	NumEffectiveParameters int
	NumResidualBlocks      int
	NumResiduals           int
	NumEliminatedBlocks    int

	LinearSolverType   LinearSolverType
	PreconditionerType PreconditionerType
	SparseBackend      string
	NumThreads         int

	TotalTime time.Duration
}

// IsSolutionUsable reports whether the final parameters can be used.
func (s *Summary) IsSolutionUsable() bool {
	return s.Termination == Convergence || s.Termination == NoConvergence
}

// NumSuccessfulSteps counts accepted steps.
func (s *Summary) NumSuccessfulSteps() int {
	n := 0
	for _, it := range s.Iterations {
		if it.StepIsSuccessful {
			n++
		}
	}
	return n
}

// InitialRMSE returns sqrt(initial cost / residual count).
func (s *Summary) InitialRMSE() float64 {
	if s.NumResiduals == 0 {
		return 0
	}
	return math.Sqrt(s.InitialCost / float64(s.NumResiduals))
}

// FinalRMSE returns sqrt(final cost / residual count).
func (s *Summary) FinalRMSE() float64 {
	if s.NumResiduals == 0 {
		return 0
	}
	return math.Sqrt(s.FinalCost / float64(s.NumResiduals))
}

// BriefReport returns a one line description.
func (s *Summary) BriefReport() string {
	return fmt.Sprintf("%s: iterations %d, initial cost %.6e, final cost %.6e, %s",
		s.Termination, len(s.Iterations), s.InitialCost, s.FinalCost, s.Message)
}

// FullReport returns a multi-line description of the problem and the run.
func (s *Summary) FullReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Solver Summary\n")
	fmt.Fprintf(&b, "  Parameter blocks      %d\n", s.NumParameterBlocks)
	fmt.Fprintf(&b, "  Parameters            %d\n", s.NumParameters)
	fmt.Fprintf(&b, "  Effective parameters  %d\n", s.NumEffectiveParameters)
	fmt.Fprintf(&b, "  Residual blocks       %d\n", s.NumResidualBlocks)
	fmt.Fprintf(&b, "  Residuals             %d\n", s.NumResiduals)
	fmt.Fprintf(&b, "  Eliminated blocks     %d\n", s.NumEliminatedBlocks)
	fmt.Fprintf(&b, "  Linear solver         %s", s.LinearSolverType)
	if s.SparseBackend != "" {
		fmt.Fprintf(&b, " (%s)", s.SparseBackend)
	}
	fmt.Fprintf(&b, "\n  Preconditioner        %s\n", s.PreconditionerType)
	fmt.Fprintf(&b, "  Threads               %d\n", s.NumThreads)
	fmt.Fprintf(&b, "\n  Initial cost          %.6e\n", s.InitialCost)
	fmt.Fprintf(&b, "  Final cost            %.6e\n", s.FinalCost)
	fmt.Fprintf(&b, "  Iterations            %d (%d successful)\n", len(s.Iterations), s.NumSuccessfulSteps())
	fmt.Fprintf(&b, "  Total time            %s\n", s.TotalTime)
	fmt.Fprintf(&b, "  Termination           %s (%s)\n", s.Termination, s.Message)
	return b.String()
}
