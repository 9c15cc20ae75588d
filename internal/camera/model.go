package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sfm-refiner/pkg/geometry"
)

// Intrinsic is a camera model shared by the views taken with the same camera.
type Intrinsic interface {
	Kind() Kind
	Width() int
	Height() int
	// Params returns a copy of the ordered parameter vector. It may be empty.
	Params() []float64
	// UpdateFromParams rebuilds the model state from a refined parameter vector.
	UpdateFromParams(params []float64) error
	// SubsetParameterization returns the parameter indices held fixed under policy.
	SubsetParameterization(policy IntrinsicPolicy) []int
	// Project maps a point in the camera frame to a pixel using params in place of
	// the model's own parameters.
	Project(params []float64, pc r3.Vector) r2.Point
	Clone() Intrinsic
}

// Model is the Intrinsic implementation for every Kind.
type Model struct {
	kind   Kind
	width  int
	height int
	params []float64
}

// New builds a model from its parameter vector.
func New(kind Kind, width, height int, params []float64) (*Model, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedModel, "kind %d", int(kind))
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidDimensions, "%dx%d", width, height)
	}
	if len(params) != kind.NumParams() {
		return nil, errors.Wrapf(ErrParamCount, "%s expects %d, got %d", kind, kind.NumParams(), len(params))
	}
	return &Model{kind: kind, width: width, height: height, params: append([]float64(nil), params...)}, nil
}

func mustNew(kind Kind, width, height int, params ...float64) *Model {
	m, err := New(kind, width, height, params)
	if err != nil {
		panic(err)
	}
	return m
}

// NewPinhole returns a distortion-free pinhole camera.
func NewPinhole(width, height int, f, cx, cy float64) *Model {
	return mustNew(Pinhole, width, height, f, cx, cy)
}

// NewRadial1 returns a pinhole camera with one radial distortion coefficient.
func NewRadial1(width, height int, f, cx, cy, k1 float64) *Model {
	return mustNew(Radial1, width, height, f, cx, cy, k1)
}

// NewRadial3 returns a pinhole camera with three radial distortion coefficients.
func NewRadial3(width, height int, f, cx, cy, k1, k2, k3 float64) *Model {
	return mustNew(Radial3, width, height, f, cx, cy, k1, k2, k3)
}

// NewBrownT2 returns a pinhole camera with Brown radial and tangential distortion.
func NewBrownT2(width, height int, f, cx, cy, k1, k2, k3, t1, t2 float64) *Model {
	return mustNew(BrownT2, width, height, f, cx, cy, k1, k2, k3, t1, t2)
}

// NewFisheye returns an equidistant fisheye camera.
func NewFisheye(width, height int, f, cx, cy, k1, k2, k3, k4 float64) *Model {
	return mustNew(Fisheye, width, height, f, cx, cy, k1, k2, k3, k4)
}

// NewSpherical returns an equirectangular camera.
func NewSpherical(width, height int) *Model {
	return mustNew(Spherical, width, height)
}

// Kind implements Intrinsic.
func (m *Model) Kind() Kind { return m.kind }

// Width implements Intrinsic.
func (m *Model) Width() int { return m.width }

// Height implements Intrinsic.
func (m *Model) Height() int { return m.height }

// Params implements Intrinsic.
func (m *Model) Params() []float64 { return append([]float64(nil), m.params...) }

// UpdateFromParams implements Intrinsic.
func (m *Model) UpdateFromParams(params []float64) error {
	if len(params) != m.kind.NumParams() {
		return errors.Wrapf(ErrParamCount, "%s expects %d, got %d", m.kind, m.kind.NumParams(), len(params))
	}
	copy(m.params, params)
	return nil
}

// SubsetParameterization implements Intrinsic. Index 0 is the focal length, 1 and 2
// the principal point and the rest the distortion coefficients.
func (m *Model) SubsetParameterization(policy IntrinsicPolicy) []int {
	n := m.kind.NumParams()
	if n == 0 {
		return nil
	}
	var fixed []int
	if !policy.Has(AdjustFocalLength) {
		fixed = append(fixed, 0)
	}
	if !policy.Has(AdjustPrincipalPoint) {
		fixed = append(fixed, 1, 2)
	}
	if !policy.Has(AdjustDistortion) {
		for i := 3; i < n; i++ {
			fixed = append(fixed, i)
		}
	}
	return fixed
}

// Project implements Intrinsic.
func (m *Model) Project(params []float64, pc r3.Vector) r2.Point {
	return projections[m.kind](params, m.width, m.height, pc)
}

// Clone implements Intrinsic.
func (m *Model) Clone() Intrinsic {
	c := *m
	c.params = m.Params()
	return &c
}

// FocalLength returns params[0], or 0 for models without parameters.
func (m *Model) FocalLength() float64 {
	if len(m.params) == 0 {
		return 0
	}
	return m.params[0]
}

// PrincipalPoint returns (cx, cy), or the image centre for models without parameters.
func (m *Model) PrincipalPoint() r2.Point {
	if len(m.params) < 3 {
		return r2.Point{X: float64(m.width) / 2, Y: float64(m.height) / 2}
	}
	return r2.Point{X: m.params[1], Y: m.params[2]}
}

// ProjectPoint maps a world point seen from pose to a pixel.
func ProjectPoint(in Intrinsic, pose geometry.Pose3, x r3.Vector) r2.Point {
	return in.Project(in.Params(), pose.Apply(x))
}

// Residual returns observed minus the projection of x, as a pixel offset.
func Residual(in Intrinsic, pose geometry.Pose3, x r3.Vector, observed r2.Point) r2.Point {
	return observed.Sub(ProjectPoint(in, pose, x))
}
