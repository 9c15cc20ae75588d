package solver

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// blockEvaluation holds the robustified residuals and Jacobians of one residual block.
// jacobians[i] is nil when the i-th parameter block is constant.
type blockEvaluation struct {
	residuals []float64
	jacobians []*mat.Dense
	cost      float64
}

type evaluator struct {
	problem *Problem
	threads int
	evals   []blockEvaluation
}

func newEvaluator(p *Problem, threads int) *evaluator {
	evals := make([]blockEvaluation, len(p.residuals))
	for i, rb := range p.residuals {
		evals[i].residuals = make([]float64, rb.NumResiduals())
		evals[i].jacobians = make([]*mat.Dense, len(rb.blocks))
	}
	return &evaluator{problem: p, threads: threads, evals: evals}
}

// evaluate computes the total cost at the current state, and the Jacobians when asked.
// It returns false if any residual block is not finite.
func (e *evaluator) evaluate(withJacobians bool) (float64, bool) {
	valid := make([]bool, len(e.problem.residuals))
	var g errgroup.Group
	g.SetLimit(e.threads)
	for i, rb := range e.problem.residuals {
		g.Go(func() error {
			valid[i] = evaluateResidualBlock(rb, withJacobians, &e.evals[i])
			return nil
		})
	}
	_ = g.Wait()

	var cost float64
	for i, ok := range valid {
		if !ok {
			return 0, false
		}
		cost += e.evals[i].cost
	}
	return cost, true
}

func evaluateResidualBlock(rb *ResidualBlock, withJacobians bool, out *blockEvaluation) bool {
	params := make([][]float64, len(rb.blocks))
	for i, b := range rb.blocks {
		params[i] = b.state
	}
	r := out.residuals
	if !rb.cost.Evaluate(params, r) || !allFinite(r) {
		return false
	}

	var sqNorm float64
	for _, v := range r {
		sqNorm += v * v
	}
	rho := [3]float64{sqNorm, 1, 0}
	if rb.loss != nil {
		rho = rb.loss.Evaluate(sqNorm)
	}
	out.cost = 0.5 * rho[0]

	if withJacobians {
		if !numericJacobians(rb, params, out) {
			return false
		}
	}

	if rb.loss != nil {
		c := newCorrector(sqNorm, rho)
		if withJacobians {
			for _, jac := range out.jacobians {
				if jac == nil {
					continue
				}
				rows, cols := jac.Dims()
				c.correctJacobian(r, jac.RawMatrix().Data, rows, cols)
			}
		}
		c.correctResiduals(r)
	}
	return true
}

// numericJacobians differentiates the cost with central differences over the free
// coordinates of every variable parameter block.
func numericJacobians(rb *ResidualBlock, params [][]float64, out *blockEvaluation) bool {
	m := rb.cost.NumResiduals()
	n := 0
	for i, b := range rb.blocks {
		out.jacobians[i] = nil
		n += b.TangentSize()
	}
	if n == 0 {
		return true
	}

	scratch := make([][]float64, len(params))
	x0 := make([]float64, 0, n)
	for i, b := range rb.blocks {
		if b.variable() {
			scratch[i] = append([]float64(nil), b.state...)
			for _, k := range b.free {
				x0 = append(x0, b.state[k])
			}
		} else {
			scratch[i] = params[i]
		}
	}

	f := func(y, x []float64) {
		c := 0
		for i, b := range rb.blocks {
			if !b.variable() {
				continue
			}
			for _, k := range b.free {
				scratch[i][k] = x[c]
				c++
			}
		}
		if !rb.cost.Evaluate(scratch, y) {
			for i := range y {
				y[i] = math.NaN()
			}
		}
	}

	jac := mat.NewDense(m, n, nil)
	fd.Jacobian(jac, f, x0, &fd.JacobianSettings{Formula: fd.Central})
	if !allFinite(jac.RawMatrix().Data) {
		return false
	}

	col := 0
	for i, b := range rb.blocks {
		t := b.TangentSize()
		if t == 0 {
			continue
		}
		out.jacobians[i] = mat.DenseCopyOf(jac.Slice(0, m, col, col+t))
		col += t
	}
	return true
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
