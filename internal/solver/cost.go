package solver

import "math"

// CostFunction computes the residuals of a residual block from its parameter blocks.
// Jacobians are obtained numerically by the evaluator.
type CostFunction interface {
	// NumResiduals is the residual dimension.
	NumResiduals() int
	// ParameterBlockSizes lists the size of each parameter block, in call order.
	ParameterBlockSizes() []int
	// Evaluate writes the residuals for the given parameter values. It returns false
	// when the residual cannot be computed at this point.
	Evaluate(parameters [][]float64, residuals []float64) bool
}

// LossFunction maps the squared norm s of a residual block to rho(s) and returns
// [rho(s), rho'(s), rho''(s)].
type LossFunction interface {
	Evaluate(s float64) [3]float64
}

// HuberLoss is rho(s) = s for s <= a², 2a*sqrt(s) - a² otherwise.
type HuberLoss struct {
	a float64
	b float64
}

// NewHuberLoss returns a Huber loss with scale a.
func NewHuberLoss(a float64) *HuberLoss {
	return &HuberLoss{a: a, b: a * a}
}

// Scale returns the loss scale parameter.
func (h *HuberLoss) Scale() float64 { return h.a }

// Evaluate implements LossFunction.
func (h *HuberLoss) Evaluate(s float64) [3]float64 {
	if s > h.b {
		r := math.Sqrt(s)
		rho1 := math.Max(math.SmallestNonzeroFloat64, h.a/r)
		return [3]float64{2*h.a*r - h.b, rho1, -rho1 / (2 * s)}
	}
	return [3]float64{s, 1, 0}
}

// corrector rescales a residual block and its Jacobian so that the Gauss-Newton model of
// the robustified cost matches rho to second order (Triggs correction).
type corrector struct {
	sqrtRho1    float64
	scaling     float64
	alphaSqNorm float64
}

func newCorrector(sqNorm float64, rho [3]float64) corrector {
	c := corrector{sqrtRho1: math.Sqrt(rho[1])}
	if sqNorm == 0 || rho[2] <= 0 {
		c.scaling = c.sqrtRho1
		return c
	}
	d := 1 + 2*sqNorm*rho[2]/rho[1]
	alpha := 1 - math.Sqrt(d)
	c.scaling = c.sqrtRho1 / (1 - alpha)
	c.alphaSqNorm = alpha / sqNorm
	return c
}

func (c corrector) correctResiduals(r []float64) {
	for i := range r {
		r[i] *= c.scaling
	}
}

// correctJacobian must be called with the uncorrected residuals.
func (c corrector) correctJacobian(r []float64, jac []float64, rows, cols int) {
	if c.alphaSqNorm == 0 {
		for i := range jac {
			jac[i] *= c.sqrtRho1
		}
		return
	}
	for col := 0; col < cols; col++ {
		var rtj float64
		for row := 0; row < rows; row++ {
			rtj += r[row] * jac[row*cols+col]
		}
		for row := 0; row < rows; row++ {
			jac[row*cols+col] = c.sqrtRho1 * (jac[row*cols+col] - c.alphaSqNorm*r[row]*rtj)
		}
	}
}
