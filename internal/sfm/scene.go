// Package sfm holds the scene refined by bundle adjustment: views, poses, camera
// intrinsics, landmarks and ground control points.
package sfm

import (
	"maps"
	"slices"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sfm-refiner/internal/camera"
	"sfm-refiner/pkg/geometry"
)

// Identifier types.
type (
	ViewID      uint32
	PoseID      uint32
	IntrinsicID uint32
	LandmarkID  uint32
)

// Prior is an external measurement of a view's pose, e.g. from GPS and an IMU.
type Prior struct {
	UseCenter    bool      `json:"use_center"`
	Center       r3.Vector `json:"center"`
	CenterWeight r3.Vector `json:"center_weight"`

	UseRotation    bool          `json:"use_rotation"`
	Rotation       geometry.Mat3 `json:"rotation"`
	RotationWeight float64       `json:"rotation_weight"`
}

// View is one image of the scene. Prior is nil for views without motion priors.
type View struct {
	ID          ViewID      `json:"id"`
	PoseID      PoseID      `json:"pose_id"`
	IntrinsicID IntrinsicID `json:"intrinsic_id"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	ImagePath   string      `json:"image_path,omitempty"`
	Prior       *Prior      `json:"prior,omitempty"`
}

// HasCenterPrior reports whether the view carries a usable position prior.
func (v *View) HasCenterPrior() bool { return v.Prior != nil && v.Prior.UseCenter }

// HasRotationPrior reports whether the view carries a usable orientation prior.
func (v *View) HasRotationPrior() bool { return v.Prior != nil && v.Prior.UseRotation }

// Observation is a 2D measurement of a landmark in a view.
type Observation struct {
	X         r2.Point `json:"x"`
	FeatureID uint32   `json:"feature_id"`
}

// Landmark is a 3D point and its observations. X is the storage refined in place by
// the optimizer.
type Landmark struct {
	X   [3]float64             `json:"X"`
	Obs map[ViewID]Observation `json:"observations"`
}

// Point returns X as a vector.
func (l *Landmark) Point() r3.Vector { return geometry.VecFromArray(l.X) }

// SetPoint overwrites X.
func (l *Landmark) SetPoint(p r3.Vector) { l.X = geometry.VecToArray(p) }

// ViewIDs returns the observing views in ascending order.
func (l *Landmark) ViewIDs() []ViewID { return slices.Sorted(maps.Keys(l.Obs)) }

// Scene is the container refined by bundle adjustment. It is not safe for concurrent use.
type Scene struct {
	RootPath      string
	Views         map[ViewID]*View
	Poses         map[PoseID]geometry.Pose3
	Intrinsics    map[IntrinsicID]camera.Intrinsic
	Structure     map[LandmarkID]*Landmark
	ControlPoints map[LandmarkID]*Landmark
}

// NewScene returns an empty scene.
func NewScene() *Scene {
	return &Scene{
		Views:         make(map[ViewID]*View),
		Poses:         make(map[PoseID]geometry.Pose3),
		Intrinsics:    make(map[IntrinsicID]camera.Intrinsic),
		Structure:     make(map[LandmarkID]*Landmark),
		ControlPoints: make(map[LandmarkID]*Landmark),
	}
}

// IsPoseAndIntrinsicDefined reports whether both the pose and the intrinsic of v exist.
func (s *Scene) IsPoseAndIntrinsicDefined(v *View) bool {
	if v == nil {
		return false
	}
	_, hasPose := s.Poses[v.PoseID]
	_, hasIntrinsic := s.Intrinsics[v.IntrinsicID]
	return hasPose && hasIntrinsic
}

// ViewIDs returns the view ids in ascending order.
func (s *Scene) ViewIDs() []ViewID { return slices.Sorted(maps.Keys(s.Views)) }

// PoseIDs returns the pose ids in ascending order.
func (s *Scene) PoseIDs() []PoseID { return slices.Sorted(maps.Keys(s.Poses)) }

// IntrinsicIDs returns the intrinsic ids in ascending order.
func (s *Scene) IntrinsicIDs() []IntrinsicID { return slices.Sorted(maps.Keys(s.Intrinsics)) }

// LandmarkIDs returns the structure ids in ascending order.
func (s *Scene) LandmarkIDs() []LandmarkID { return slices.Sorted(maps.Keys(s.Structure)) }

// ControlPointIDs returns the ground control point ids in ascending order.
func (s *Scene) ControlPointIDs() []LandmarkID { return slices.Sorted(maps.Keys(s.ControlPoints)) }

// NumObservations counts structure observations.
func (s *Scene) NumObservations() int {
	n := 0
	for _, l := range s.Structure {
		n += len(l.Obs)
	}
	return n
}

// ApplySimilarity moves poses, landmarks and control points with sim. Prior centers are
// moved too when transformPriors is set.
func (s *Scene) ApplySimilarity(sim geometry.Similarity3, transformPriors bool) {
	for id, p := range s.Poses {
		s.Poses[id] = sim.ApplyPose(p)
	}
	for _, l := range s.Structure {
		l.SetPoint(sim.Apply(l.Point()))
	}
	for _, l := range s.ControlPoints {
		l.SetPoint(sim.Apply(l.Point()))
	}
	if !transformPriors {
		return
	}
	for _, v := range s.Views {
		if v.Prior != nil {
			v.Prior.Center = sim.Apply(v.Prior.Center)
		}
	}
}

// Validate checks that every observation references a view whose pose and intrinsic
// exist.
func (s *Scene) Validate() error {
	check := func(kind string, lid LandmarkID, l *Landmark) error {
		for _, vid := range l.ViewIDs() {
			v, ok := s.Views[vid]
			if !ok {
				return errors.Wrapf(ErrMissingView, "%s %d observed in view %d", kind, lid, vid)
			}
			if _, ok := s.Poses[v.PoseID]; !ok {
				return errors.Wrapf(ErrMissingPose, "%s %d observed in view %d (pose %d)", kind, lid, vid, v.PoseID)
			}
			if _, ok := s.Intrinsics[v.IntrinsicID]; !ok {
				return errors.Wrapf(ErrMissingIntrinsic, "%s %d observed in view %d (intrinsic %d)", kind, lid, vid, v.IntrinsicID)
			}
		}
		return nil
	}
	for _, id := range s.LandmarkIDs() {
		if err := check("landmark", id, s.Structure[id]); err != nil {
			return err
		}
	}
	for _, id := range s.ControlPointIDs() {
		if err := check("control point", id, s.ControlPoints[id]); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the scene.
func (s *Scene) Clone() *Scene {
	out := NewScene()
	out.RootPath = s.RootPath
	for id, v := range s.Views {
		c := *v
		if v.Prior != nil {
			p := *v.Prior
			c.Prior = &p
		}
		out.Views[id] = &c
	}
	maps.Copy(out.Poses, s.Poses)
	for id, in := range s.Intrinsics {
		out.Intrinsics[id] = in.Clone()
	}
	for id, l := range s.Structure {
		out.Structure[id] = l.clone()
	}
	for id, l := range s.ControlPoints {
		out.ControlPoints[id] = l.clone()
	}
	return out
}

func (l *Landmark) clone() *Landmark {
	return &Landmark{X: l.X, Obs: maps.Clone(l.Obs)}
}

// RestoreFrom copies the numeric state of snapshot, a Clone of s, back into s in place
// so that pointers held by callers stay valid.
func (s *Scene) RestoreFrom(snapshot *Scene) {
	maps.Copy(s.Poses, snapshot.Poses)
	for id, in := range snapshot.Intrinsics {
		cur, ok := s.Intrinsics[id]
		if !ok || cur.UpdateFromParams(in.Params()) != nil {
			s.Intrinsics[id] = in.Clone()
		}
	}
	for id, v := range snapshot.Views {
		if cur, ok := s.Views[id]; ok && cur.Prior != nil && v.Prior != nil {
			*cur.Prior = *v.Prior
		}
	}
	restoreLandmarks(s.Structure, snapshot.Structure)
	restoreLandmarks(s.ControlPoints, snapshot.ControlPoints)
}

func restoreLandmarks(dst, src map[LandmarkID]*Landmark) {
	for id, l := range src {
		if cur, ok := dst[id]; ok {
			cur.X = l.X
		}
	}
}
