package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

type projectFunc func(params []float64, width, height int, pc r3.Vector) r2.Point

// projections is the per-model projection law.
var projections = map[Kind]projectFunc{
	Pinhole:   projectPinhole(noDistortion),
	Radial1:   projectPinhole(radialK1),
	Radial3:   projectPinhole(radialK3),
	BrownT2:   projectPinhole(brownT2),
	Fisheye:   projectPinhole(fisheye),
	Spherical: projectSpherical,
}

type distortFunc func(k []float64, x, y float64) (float64, float64)

func projectPinhole(distort distortFunc) projectFunc {
	return func(params []float64, _, _ int, pc r3.Vector) r2.Point {
		x, y := pc.X/pc.Z, pc.Y/pc.Z
		xd, yd := distort(params[3:], x, y)
		f, cx, cy := params[0], params[1], params[2]
		return r2.Point{X: f*xd + cx, Y: f*yd + cy}
	}
}

func noDistortion(_ []float64, x, y float64) (float64, float64) { return x, y }

func radialK1(k []float64, x, y float64) (float64, float64) {
	rsq := x*x + y*y
	c := 1 + k[0]*rsq
	return x * c, y * c
}

func radialK3(k []float64, x, y float64) (float64, float64) {
	rsq := x*x + y*y
	r4 := rsq * rsq
	c := 1 + k[0]*rsq + k[1]*r4 + k[2]*r4*rsq
	return x * c, y * c
}

func brownT2(k []float64, x, y float64) (float64, float64) {
	rsq := x*x + y*y
	r4 := rsq * rsq
	c := 1 + k[0]*rsq + k[1]*r4 + k[2]*r4*rsq
	t1, t2 := k[3], k[4]
	tx := t2*(rsq+2*x*x) + 2*t1*x*y
	ty := t1*(rsq+2*y*y) + 2*t2*x*y
	return x*c + tx, y*c + ty
}

const fisheyeMinRadius = 1e-8

func fisheye(k []float64, x, y float64) (float64, float64) {
	r := math.Hypot(x, y)
	if r <= fisheyeMinRadius {
		return x, y
	}
	theta := math.Atan(r)
	t2 := theta * theta
	t4 := t2 * t2
	t6 := t4 * t2
	t8 := t4 * t4
	thetaD := theta * (1 + k[0]*t2 + k[1]*t4 + k[2]*t6 + k[3]*t8)
	s := thetaD / r
	return x * s, y * s
}

// projectSpherical maps the bearing to longitude/latitude on an equirectangular image
// of size max(width, height) centred in the frame.
func projectSpherical(_ []float64, width, height int, pc r3.Vector) r2.Point {
	lon := math.Atan2(pc.X, pc.Z)
	lat := math.Atan2(-pc.Y, math.Hypot(pc.X, pc.Z))
	size := float64(max(width, height))
	return r2.Point{
		X: lon/(2*math.Pi)*size + float64(width)/2,
		Y: -lat/(2*math.Pi)*size + float64(height)/2,
	}
}
