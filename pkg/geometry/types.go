// Package geometry provides the rigid and similarity transform types used throughout the application.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity returns the 3x3 identity matrix.
func Identity() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// RotationX returns a rotation of the given angle around the X axis.
func RotationX(radians float64) Mat3 {
	c, s := math.Cos(radians), math.Sin(radians)
	return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

// RotationY returns a rotation of the given angle around the Y axis.
func RotationY(radians float64) Mat3 {
	c, s := math.Cos(radians), math.Sin(radians)
	return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

// RotationZ returns a rotation of the given angle around the Z axis.
func RotationZ(radians float64) Mat3 {
	c, s := math.Cos(radians), math.Sin(radians)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// Mul returns m * other.
func (m Mat3) Mul(other Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*other[0][j] + m[i][1]*other[1][j] + m[i][2]*other[2][j]
		}
	}
	return out
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{
		{m[0][0], m[1][0], m[2][0]},
		{m[0][1], m[1][1], m[2][1]},
		{m[0][2], m[1][2], m[2][2]},
	}
}

// MulVec returns m * v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Dense returns the matrix as a gonum dense matrix.
func (m Mat3) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

// FromDense copies a 3x3 gonum matrix.
func FromDense(d mat.Matrix) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = d.At(i, j)
		}
	}
	return out
}

// MaxAbsDiff returns the largest absolute element-wise difference between two matrices.
func (m Mat3) MaxAbsDiff(other Mat3) float64 {
	var d float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d = math.Max(d, math.Abs(m[i][j]-other[i][j]))
		}
	}
	return d
}

// VecFromArray converts a 3-element array to a vector.
func VecFromArray(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}

// VecToArray converts a vector to a 3-element array.
func VecToArray(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}
