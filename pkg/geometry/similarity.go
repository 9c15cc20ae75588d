package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

// Pose3 is a rigid camera pose: X_cam = R * (X_world - C).
type Pose3 struct {
	Rotation Mat3      `json:"rotation"`
	Center   r3.Vector `json:"center"`
}

// NewPose returns a pose from a rotation and a camera center.
func NewPose(rotation Mat3, center r3.Vector) Pose3 {
	return Pose3{Rotation: rotation, Center: center}
}

// NewPoseFromTranslation returns a pose from R and t with X_cam = R*X + t.
func NewPoseFromTranslation(rotation Mat3, t r3.Vector) Pose3 {
	return Pose3{Rotation: rotation, Center: rotation.T().MulVec(t).Mul(-1)}
}

// IdentityPose returns the pose at the origin looking down +Z.
func IdentityPose() Pose3 {
	return Pose3{Rotation: Identity()}
}

// Translation returns t = -R*C.
func (p Pose3) Translation() r3.Vector {
	return p.Rotation.MulVec(p.Center).Mul(-1)
}

// Apply transforms a world point into the camera frame.
func (p Pose3) Apply(x r3.Vector) r3.Vector {
	return p.Rotation.MulVec(x.Sub(p.Center))
}

// Similarity3 is a 3D similarity: X' = S * R * X + T.
type Similarity3 struct {
	Scale       float64   `json:"scale"`
	Rotation    Mat3      `json:"rotation"`
	Translation r3.Vector `json:"translation"`
}

// IdentitySimilarity returns the identity similarity.
func IdentitySimilarity() Similarity3 {
	return Similarity3{Scale: 1, Rotation: Identity()}
}

// TranslationSimilarity returns a pure translation.
func TranslationSimilarity(t r3.Vector) Similarity3 {
	return Similarity3{Scale: 1, Rotation: Identity(), Translation: t}
}

// Apply applies the similarity to a point.
func (s Similarity3) Apply(x r3.Vector) r3.Vector {
	return s.Rotation.MulVec(x).Mul(s.Scale).Add(s.Translation)
}

// ApplyPose moves a camera pose with the similarity. The camera center follows the
// point transform and the orientation is rotated by R^T on the right.
func (s Similarity3) ApplyPose(p Pose3) Pose3 {
	return Pose3{
		Rotation: p.Rotation.Mul(s.Rotation.T()),
		Center:   s.Apply(p.Center),
	}
}

// Compose returns s ∘ other, i.e. other is applied first.
func (s Similarity3) Compose(other Similarity3) Similarity3 {
	return Similarity3{
		Scale:       s.Scale * other.Scale,
		Rotation:    s.Rotation.Mul(other.Rotation),
		Translation: s.Rotation.MulVec(other.Translation).Mul(s.Scale).Add(s.Translation),
	}
}

// Inverse returns the inverse similarity, if it exists.
func (s Similarity3) Inverse() (Similarity3, bool) {
	if math.Abs(s.Scale) < 1e-12 {
		return Similarity3{}, false
	}
	rt := s.Rotation.T()
	inv := 1.0 / s.Scale
	return Similarity3{
		Scale:       inv,
		Rotation:    rt,
		Translation: rt.MulVec(s.Translation).Mul(-inv),
	}, true
}

// IsFinite reports whether every component of the similarity is finite.
func (s Similarity3) IsFinite() bool {
	if math.IsNaN(s.Scale) || math.IsInf(s.Scale, 0) {
		return false
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.IsNaN(s.Rotation[i][j]) || math.IsInf(s.Rotation[i][j], 0) {
				return false
			}
		}
	}
	t := s.Translation
	return !math.IsNaN(t.X+t.Y+t.Z) && !math.IsInf(t.X+t.Y+t.Z, 0)
}
