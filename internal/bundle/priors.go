package bundle

import (
	"math"

	"github.com/golang/geo/r3"

	"sfm-refiner/pkg/geometry"
)

// positionPrior is the 3-vector residual w ⊙ (C - C_prior) where C = -R^T t is the
// center encoded by a pose block.
type positionPrior struct {
	weight r3.Vector
	center r3.Vector
}

func newPositionPrior(center, weight r3.Vector) *positionPrior {
	if weight == (r3.Vector{}) {
		weight = r3.Vector{X: 1, Y: 1, Z: 1}
	}
	return &positionPrior{weight: weight, center: center}
}

func (c *positionPrior) NumResiduals() int { return 3 }

func (c *positionPrior) ParameterBlockSizes() []int { return []int{6} }

func (c *positionPrior) Evaluate(parameters [][]float64, residuals []float64) bool {
	pose := parameters[0]
	inverse := [3]float64{-pose[0], -pose[1], -pose[2]}
	center := geometry.AngleAxisRotatePoint(inverse, r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]}).Mul(-1)
	d := center.Sub(c.center)
	residuals[0] = c.weight.X * d.X
	residuals[1] = c.weight.Y * d.Y
	residuals[2] = c.weight.Z * d.Z
	return true
}

// yawPrior is the scalar residual w * ((cos ψ - cos ψp)² + (sin ψ - sin ψp)²) on the yaw
// of the rotation encoded by a pose block.
type yawPrior struct {
	weight float64
	yaw    [2]float64
}

func newYawPrior(rotation geometry.Mat3, weight float64) *yawPrior {
	if weight == 0 {
		weight = 1
	}
	return &yawPrior{weight: weight, yaw: geometry.YawVector(rotation)}
}

func (c *yawPrior) NumResiduals() int { return 1 }

func (c *yawPrior) ParameterBlockSizes() []int { return []int{6} }

func (c *yawPrior) Evaluate(parameters [][]float64, residuals []float64) bool {
	pose := parameters[0]
	psi := geometry.Yaw(geometry.AngleAxisToMatrix([3]float64{pose[0], pose[1], pose[2]}))
	dc := math.Cos(psi) - c.yaw[0]
	ds := math.Sin(psi) - c.yaw[1]
	residuals[0] = c.weight * (dc*dc + ds*ds)
	return true
}
