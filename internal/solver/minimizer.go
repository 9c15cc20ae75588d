package solver

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Solve minimizes the problem with a Levenberg-Marquardt trust region method. Caller
// storage is updated only when the returned summary reports a usable solution.
func Solve(opts Options, p *Problem) *Summary {
	opts.normalize()
	log := opts.Logger
	start := time.Now()

	summary := &Summary{
		NumParameterBlocks: p.NumParameterBlocks(),
		NumParameters:      p.NumParameters(),
		NumResidualBlocks:  p.NumResidualBlocks(),
		NumResiduals:       p.NumResiduals(),
		LinearSolverType:   opts.LinearSolverType,
		PreconditionerType: opts.PreconditionerType,
		NumThreads:         opts.NumThreads,
	}
	defer func() { summary.TotalTime = time.Since(start) }()

	if opts.LinearSolverType == SparseSchur {
		summary.SparseBackend = opts.SparseBackend
		if !IsSparseBackendAvailable(opts.SparseBackend) {
			summary.Termination = Failure
			summary.Message = fmt.Sprintf("sparse backend %q is not available", opts.SparseBackend)
			return summary
		}
	}

	reduced, eliminated, dim := p.prepare(true)
	summary.NumEffectiveParameters = dim
	summary.NumEliminatedBlocks = len(eliminated)

	ev := newEvaluator(p, opts.NumThreads)
	cost, ok := ev.evaluate(dim > 0)
	if !ok {
		summary.Termination = Failure
		summary.Message = "residual evaluation failed at the initial point"
		return summary
	}
	summary.InitialCost = cost
	summary.FinalCost = cost

	if dim == 0 {
		summary.Termination = Convergence
		summary.Message = "no variable parameters"
		return summary
	}

	ne := buildNormalEquations(p, ev.evals, reduced, eliminated, dim)
	m := &minimizer{
		opts:    &opts,
		log:     log,
		problem: p,
		ev:      ev,
		ne:      ne,
		cost:    cost,
		mu:      opts.InitialTrustRegionRadius,
		v:       2,
		start:   start,
		summary: summary,
	}
	m.record(IterationSummary{
		Iteration:         0,
		Cost:              cost,
		GradientMaxNorm:   ne.maxGradient(),
		TrustRegionRadius: m.mu,
		StepIsSuccessful:  true,
	})
	m.run()

	summary.FinalCost = m.cost
	if summary.IsSolutionUsable() {
		p.commit()
	}
	log.Debug("solver finished",
		zap.Stringer("termination", summary.Termination),
		zap.String("message", summary.Message),
		zap.Float64("initial_cost", summary.InitialCost),
		zap.Float64("final_cost", summary.FinalCost),
		zap.Int("iterations", len(summary.Iterations)))
	return summary
}

type minimizer struct {
	opts    *Options
	log     *zap.Logger
	problem *Problem
	ev      *evaluator
	ne      *normalEquations

	cost float64
	mu   float64
	v    float64

	start   time.Time
	last    time.Time
	summary *Summary
}

func (m *minimizer) run() {
	opts := m.opts
	if g := m.ne.maxGradient(); g <= opts.GradientTolerance {
		m.stop(Convergence, fmt.Sprintf("gradient tolerance reached: %e <= %e", g, opts.GradientTolerance))
		return
	}

	invalid := 0
	for iter := 1; ; iter++ {
		if iter > opts.MaxNumIterations {
			m.stop(NoConvergence, fmt.Sprintf("maximum number of iterations reached (%d)", opts.MaxNumIterations))
			return
		}

		it := IterationSummary{Iteration: iter, Cost: m.cost}
		delta, lsIters, err := m.ne.solveStep(m.mu, opts)
		it.LinearSolverIters = lsIters
		if err != nil || !allFinite(delta) {
			m.log.Debug("invalid linear step", zap.Int("iteration", iter), zap.Error(err))
			invalid++
			if invalid >= opts.MaxConsecutiveInvalid {
				m.stop(Failure, fmt.Sprintf("%d consecutive invalid steps", invalid))
				return
			}
			m.shrink()
			it.TrustRegionRadius = m.mu
			m.record(it)
			continue
		}

		stepNorm := floats.Norm(delta, 2)
		it.StepNorm = stepNorm
		xNorm := m.stateNorm()
		if stepNorm <= (xNorm+opts.ParameterTolerance)*opts.ParameterTolerance {
			m.record(it)
			m.stop(Convergence, fmt.Sprintf("parameter tolerance reached: %e <= %e",
				stepNorm, (xNorm+opts.ParameterTolerance)*opts.ParameterTolerance))
			return
		}

		modelChange := m.modelCostChange(delta)
		saved := m.snapshot()
		m.applyStep(delta)
		newCost, ok := m.ev.evaluate(false)
		if !ok {
			m.restore(saved)
			invalid++
			if invalid >= opts.MaxConsecutiveInvalid {
				m.stop(Failure, fmt.Sprintf("%d consecutive invalid steps", invalid))
				return
			}
			m.shrink()
			it.TrustRegionRadius = m.mu
			m.record(it)
			continue
		}
		invalid = 0

		costChange := m.cost - newCost
		it.CostChange = costChange
		rho := math.Inf(-1)
		if modelChange > 0 {
			rho = costChange / modelChange
		}
		it.RelativeDecrease = rho

		if math.Abs(costChange) <= opts.FunctionTolerance*m.cost {
			if newCost < m.cost {
				m.cost = newCost
				it.StepIsSuccessful = true
			} else {
				m.restore(saved)
			}
			it.Cost = m.cost
			it.TrustRegionRadius = m.mu
			m.record(it)
			m.stop(Convergence, fmt.Sprintf("function tolerance reached: |%e| <= %e",
				costChange, opts.FunctionTolerance*m.cost))
			return
		}

		if rho > opts.MinRelativeDecrease {
			m.cost = newCost
			m.mu = math.Min(m.mu/math.Max(1.0/3.0, 1-math.Pow(2*rho-1, 3)), opts.MaxTrustRegionRadius)
			m.v = 2
			if _, ok := m.ev.evaluate(true); !ok {
				m.stop(Failure, "jacobian evaluation failed at an accepted point")
				return
			}
			reduced, eliminated := m.ne.reduced, m.eliminatedBlocks()
			m.ne = buildNormalEquations(m.problem, m.ev.evals, reduced, eliminated, m.ne.dim)

			it.Cost = m.cost
			it.StepIsSuccessful = true
			it.GradientMaxNorm = m.ne.maxGradient()
			it.TrustRegionRadius = m.mu
			m.record(it)
			if it.GradientMaxNorm <= opts.GradientTolerance {
				m.stop(Convergence, fmt.Sprintf("gradient tolerance reached: %e <= %e",
					it.GradientMaxNorm, opts.GradientTolerance))
				return
			}
			continue
		}

		m.restore(saved)
		m.shrink()
		it.TrustRegionRadius = m.mu
		m.record(it)
		if m.mu < opts.MinTrustRegionRadius {
			m.stop(Convergence, fmt.Sprintf("minimum trust region radius reached: %e < %e",
				m.mu, opts.MinTrustRegionRadius))
			return
		}
	}
}

func (m *minimizer) stop(t TerminationType, msg string) {
	m.summary.Termination = t
	m.summary.Message = msg
}

func (m *minimizer) shrink() {
	m.mu /= m.v
	m.v *= 2
}

func (m *minimizer) record(it IterationSummary) {
	now := time.Now()
	if m.last.IsZero() {
		m.last = m.start
	}
	it.IterationTime = now.Sub(m.last)
	it.CumulativeTime = now.Sub(m.start)
	m.last = now
	m.summary.Iterations = append(m.summary.Iterations, it)

	fields := []zap.Field{
		zap.Int("iteration", it.Iteration),
		zap.Float64("cost", it.Cost),
		zap.Float64("cost_change", it.CostChange),
		zap.Float64("gradient", it.GradientMaxNorm),
		zap.Float64("step", it.StepNorm),
		zap.Float64("tr_ratio", it.RelativeDecrease),
		zap.Float64("tr_radius", it.TrustRegionRadius),
		zap.Int("ls_iter", it.LinearSolverIters),
		zap.Bool("success", it.StepIsSuccessful),
	}
	if m.opts.MinimizerProgressToLog {
		m.log.Info("minimizer iteration", fields...)
	} else {
		m.log.Debug("minimizer iteration", fields...)
	}
}

func (m *minimizer) eliminatedBlocks() []*ParameterBlock {
	out := make([]*ParameterBlock, len(m.ne.rows))
	for i, row := range m.ne.rows {
		out[i] = row.block
	}
	return out
}

func (m *minimizer) stateNorm() float64 {
	var sq float64
	for _, b := range m.problem.blocks {
		if !b.variable() {
			continue
		}
		for _, k := range b.free {
			sq += b.state[k] * b.state[k]
		}
	}
	return math.Sqrt(sq)
}

func (m *minimizer) applyStep(delta []float64) {
	for _, b := range m.problem.blocks {
		if !b.variable() {
			continue
		}
		for i, k := range b.free {
			b.state[k] += delta[b.offset+i]
		}
	}
}

func (m *minimizer) snapshot() [][]float64 {
	saved := make([][]float64, len(m.problem.blocks))
	for i, b := range m.problem.blocks {
		if b.variable() {
			saved[i] = append([]float64(nil), b.state...)
		}
	}
	return saved
}

func (m *minimizer) restore(saved [][]float64) {
	for i, b := range m.problem.blocks {
		if saved[i] != nil {
			copy(b.state, saved[i])
		}
	}
}

// modelCostChange returns the decrease predicted by the linearization,
// -(g.delta + 0.5*|J delta|^2).
func (m *minimizer) modelCostChange(delta []float64) float64 {
	var jd2 float64
	for ri, rb := range m.problem.residuals {
		ev := &m.ev.evals[ri]
		acc := mat.NewVecDense(len(ev.residuals), nil)
		for i, b := range rb.blocks {
			j := ev.jacobians[i]
			if j == nil {
				continue
			}
			t := b.TangentSize()
			var y mat.VecDense
			y.MulVec(j, mat.NewVecDense(t, delta[b.offset:b.offset+t]))
			acc.AddVec(acc, &y)
		}
		jd2 += mat.Dot(acc, acc)
	}
	return -(floats.Dot(m.ne.gradient, delta) + 0.5*jd2)
}

// Cost evaluates the total cost 0.5*sum(rho(|r|^2)) at the caller's current values.
func (p *Problem) Cost() (float64, bool) {
	p.prepare(false)
	ev := newEvaluator(p, 1)
	return ev.evaluate(false)
}
