package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sfm-refiner/internal/solver"
	"sfm-refiner/pkg/geometry"
)

// PoseBlockSize is the length of a pose parameter block: angle-axis rotation then
// translation.
const PoseBlockSize = 6

// costFactory builds the reprojection residual for one model.
type costFactory func(in Intrinsic, observed r2.Point, weight float64) solver.CostFunction

// costFactories is the dispatch table from model to residual constructor.
var costFactories = map[Kind]costFactory{
	Pinhole:   newIntrinsicReprojection,
	Radial1:   newIntrinsicReprojection,
	Radial3:   newIntrinsicReprojection,
	BrownT2:   newIntrinsicReprojection,
	Fisheye:   newIntrinsicReprojection,
	Spherical: newPoseOnlyReprojection,
}

// NewReprojectionCost returns the residual weight*(projection - observed) for one
// observation. A weight of 0 means unweighted. Models with parameters take the blocks
// (intrinsics, pose, point), models without take (pose, point).
func NewReprojectionCost(in Intrinsic, observed r2.Point, weight float64) (solver.CostFunction, error) {
	if in == nil {
		return nil, errors.Wrap(ErrUnsupportedModel, "nil intrinsic")
	}
	factory, ok := costFactories[in.Kind()]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedModel, "%s", in.Kind())
	}
	if weight == 0 {
		weight = 1
	}
	return factory(in, observed, weight), nil
}

// NumParameterBlocks returns how many blocks the reprojection residual of in consumes.
func NumParameterBlocks(in Intrinsic) int {
	if in.Kind().NumParams() == 0 {
		return 2
	}
	return 3
}

type reprojection struct {
	intrinsic Intrinsic
	observed  r2.Point
	weight    float64
	sizes     []int
}

func newIntrinsicReprojection(in Intrinsic, observed r2.Point, weight float64) solver.CostFunction {
	return &reprojection{
		intrinsic: in,
		observed:  observed,
		weight:    weight,
		sizes:     []int{in.Kind().NumParams(), PoseBlockSize, 3},
	}
}

func newPoseOnlyReprojection(in Intrinsic, observed r2.Point, weight float64) solver.CostFunction {
	return &reprojection{
		intrinsic: in,
		observed:  observed,
		weight:    weight,
		sizes:     []int{PoseBlockSize, 3},
	}
}

func (r *reprojection) NumResiduals() int { return 2 }

func (r *reprojection) ParameterBlockSizes() []int { return r.sizes }

func (r *reprojection) Evaluate(parameters [][]float64, residuals []float64) bool {
	var params, pose, point []float64
	if len(parameters) == 3 {
		params, pose, point = parameters[0], parameters[1], parameters[2]
	} else {
		pose, point = parameters[0], parameters[1]
	}
	x := r3.Vector{X: point[0], Y: point[1], Z: point[2]}
	pc := geometry.AngleAxisRotatePoint([3]float64{pose[0], pose[1], pose[2]}, x).
		Add(r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]})

	p := r.intrinsic.Project(params, pc)
	residuals[0] = r.weight * (p.X - r.observed.X)
	residuals[1] = r.weight * (p.Y - r.observed.Y)
	return true
}
