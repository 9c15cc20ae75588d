package bundle

import (
	"github.com/pkg/errors"

	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/pkg/geometry"
)

// materialize copies the refined arena values back into the scene. Only the pose
// components the extrinsic policy left free are overwritten.
func (a *parameterArena) materialize(scene *sfm.Scene, opts Options) error {
	if opts.Extrinsics != ExtrinsicNone {
		for _, id := range scene.PoseIDs() {
			old := scene.Poses[id]
			r, t := decodePose(a.poses[id])
			switch opts.Extrinsics {
			case AdjustAll:
				scene.Poses[id] = geometry.NewPoseFromTranslation(r, t)
			case AdjustRotation:
				scene.Poses[id] = geometry.NewPose(r, old.Center)
			case AdjustTranslation:
				scene.Poses[id] = geometry.NewPoseFromTranslation(old.Rotation, t)
			}
		}
	}

	if opts.Intrinsics == camera.IntrinsicNone {
		return nil
	}
	for _, id := range scene.IntrinsicIDs() {
		block := a.intrinsics[id]
		if len(block) == 0 {
			continue
		}
		if err := scene.Intrinsics[id].UpdateFromParams(block); err != nil {
			return errors.Wrapf(err, "intrinsic %d", id)
		}
	}
	return nil
}
