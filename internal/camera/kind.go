// Package camera implements the intrinsic camera models and the reprojection residuals
// used by bundle adjustment.
package camera

import "github.com/pkg/errors"

// Kind identifies a camera model.
type Kind int

const (
	// KindInvalid is the zero value and never a usable model.
	KindInvalid Kind = iota
	// Pinhole has parameters [f, cx, cy].
	Pinhole
	// Radial1 is a pinhole with one radial coefficient: [f, cx, cy, k1].
	Radial1
	// Radial3 is a pinhole with three radial coefficients: [f, cx, cy, k1, k2, k3].
	Radial3
	// BrownT2 adds two tangential terms to Radial3: [f, cx, cy, k1, k2, k3, t1, t2].
	BrownT2
	// Fisheye uses the equidistant model: [f, cx, cy, k1, k2, k3, k4].
	Fisheye
	// Spherical is an equirectangular camera without parameters.
	Spherical
)

var kindNames = map[Kind]string{
	Pinhole:   "pinhole",
	Radial1:   "pinhole_radial_k1",
	Radial3:   "pinhole_radial_k3",
	BrownT2:   "pinhole_brown_t2",
	Fisheye:   "fisheye",
	Spherical: "spherical",
}

var paramCounts = map[Kind]int{
	Pinhole:   3,
	Radial1:   4,
	Radial3:   6,
	BrownT2:   8,
	Fisheye:   7,
	Spherical: 0,
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "invalid"
}

// Valid reports whether k is a known model.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// NumParams returns the length of the parameter vector of the model.
func (k Kind) NumParams() int { return paramCounts[k] }

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return KindInvalid, errors.Wrapf(ErrUnsupportedModel, "%q", s)
}

// Kinds lists all known models in declaration order.
func Kinds() []Kind {
	return []Kind{Pinhole, Radial1, Radial3, BrownT2, Fisheye, Spherical}
}

// IntrinsicPolicy selects which intrinsic sub-parameters are refined.
type IntrinsicPolicy uint8

const (
	// IntrinsicNone holds the whole intrinsic block fixed.
	IntrinsicNone IntrinsicPolicy = 0
	// AdjustFocalLength refines the focal length.
	AdjustFocalLength IntrinsicPolicy = 1
	// AdjustPrincipalPoint refines cx and cy.
	AdjustPrincipalPoint IntrinsicPolicy = 2
	// AdjustDistortion refines the distortion coefficients.
	AdjustDistortion IntrinsicPolicy = 4
	// IntrinsicAll refines every parameter.
	IntrinsicAll = AdjustFocalLength | AdjustPrincipalPoint | AdjustDistortion
)

// Has reports whether all bits of flag are set.
func (p IntrinsicPolicy) Has(flag IntrinsicPolicy) bool { return p&flag == flag && flag != 0 }

func (p IntrinsicPolicy) String() string {
	if p == IntrinsicNone {
		return "none"
	}
	if p == IntrinsicAll {
		return "all"
	}
	s := ""
	for _, f := range []struct {
		flag IntrinsicPolicy
		name string
	}{
		{AdjustFocalLength, "focal"},
		{AdjustPrincipalPoint, "principal_point"},
		{AdjustDistortion, "distortion"},
	} {
		if p.Has(f.flag) {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}
