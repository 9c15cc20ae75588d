package bundle

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/internal/solver"
	"sfm-refiner/pkg/geometry"
)

var (
	rotationIndices    = []int{0, 1, 2}
	translationIndices = []int{3, 4, 5}
)

// parameterArena owns the flat pose and intrinsic buffers handed to the solver. It must
// outlive the Solve call; landmarks are refined through their own X storage instead.
type parameterArena struct {
	poses      map[sfm.PoseID][]float64
	intrinsics map[sfm.IntrinsicID][]float64
}

// encodePose returns [angle-axis, t] with X_cam = R*X + t.
func encodePose(p geometry.Pose3) []float64 {
	aa := geometry.MatrixToAngleAxis(p.Rotation)
	t := p.Translation()
	return []float64{aa[0], aa[1], aa[2], t.X, t.Y, t.Z}
}

// decodePose returns the rotation and translation stored in a pose block.
func decodePose(block []float64) (geometry.Mat3, r3.Vector) {
	r := geometry.AngleAxisToMatrix([3]float64{block[0], block[1], block[2]})
	return r, r3.Vector{X: block[3], Y: block[4], Z: block[5]}
}

func newParameterArena(scene *sfm.Scene) *parameterArena {
	a := &parameterArena{
		poses:      make(map[sfm.PoseID][]float64, len(scene.Poses)),
		intrinsics: make(map[sfm.IntrinsicID][]float64, len(scene.Intrinsics)),
	}
	for id, p := range scene.Poses {
		a.poses[id] = encodePose(p)
	}
	for id, in := range scene.Intrinsics {
		a.intrinsics[id] = in.Params()
	}
	return a
}

// register adds every pose and intrinsic block to the problem, in id order, and applies
// the fixing policies. Empty intrinsic vectors are not registered.
func (a *parameterArena) register(p *solver.Problem, scene *sfm.Scene, opts Options) error {
	for _, id := range scene.PoseIDs() {
		block := a.poses[id]
		if err := p.AddParameterBlock(block); err != nil {
			return errors.Wrapf(err, "pose %d", id)
		}
		var err error
		switch opts.Extrinsics {
		case ExtrinsicNone:
			err = p.SetParameterBlockConstant(block)
		case AdjustTranslation:
			err = p.SetParameterBlockSubsetConstant(block, rotationIndices)
		case AdjustRotation:
			err = p.SetParameterBlockSubsetConstant(block, translationIndices)
		}
		if err != nil {
			return errors.Wrapf(err, "pose %d", id)
		}
	}

	for _, id := range scene.IntrinsicIDs() {
		block := a.intrinsics[id]
		if len(block) == 0 {
			continue
		}
		if err := p.AddParameterBlock(block); err != nil {
			return errors.Wrapf(err, "intrinsic %d", id)
		}
		if opts.Intrinsics == camera.IntrinsicNone {
			if err := p.SetParameterBlockConstant(block); err != nil {
				return errors.Wrapf(err, "intrinsic %d", id)
			}
			continue
		}
		if fixed := scene.Intrinsics[id].SubsetParameterization(opts.Intrinsics); len(fixed) > 0 {
			if err := p.SetParameterBlockSubsetConstant(block, fixed); err != nil {
				return errors.Wrapf(err, "intrinsic %d", id)
			}
		}
	}
	return nil
}
