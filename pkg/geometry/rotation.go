package geometry

import (
	"math"

	"github.com/golang/geo/r3"
)

// gimbalEpsilon is the tolerance on |R02| - 1 under which the X and Z Euler angles
// can no longer be separated.
const gimbalEpsilon = 1e-6

// machineEpsilon is the double precision unit roundoff.
const machineEpsilon = 2.220446049250313e-16

// AngleAxisToMatrix converts an angle-axis vector (axis scaled by angle in radians)
// to a rotation matrix.
func AngleAxisToMatrix(aa [3]float64) Mat3 {
	theta2 := aa[0]*aa[0] + aa[1]*aa[1] + aa[2]*aa[2]
	if theta2 > machineEpsilon {
		theta := math.Sqrt(theta2)
		wx, wy, wz := aa[0]/theta, aa[1]/theta, aa[2]/theta
		c, s := math.Cos(theta), math.Sin(theta)
		oc := 1 - c
		return Mat3{
			{c + wx*wx*oc, wx*wy*oc - wz*s, wy*s + wx*wz*oc},
			{wz*s + wx*wy*oc, c + wy*wy*oc, -wx*s + wy*wz*oc},
			{-wy*s + wx*wz*oc, wx*s + wy*wz*oc, c + wz*wz*oc},
		}
	}
	// First order approximation near zero.
	return Mat3{
		{1, -aa[2], aa[1]},
		{aa[2], 1, -aa[0]},
		{-aa[1], aa[0], 1},
	}
}

// MatrixToAngleAxis converts a rotation matrix to an angle-axis vector.
// The conversion goes through a quaternion so it stays stable near 0 and pi.
func MatrixToAngleAxis(r Mat3) [3]float64 {
	q := matrixToQuaternion(r)
	sinSq := q[1]*q[1] + q[2]*q[2] + q[3]*q[3]
	k := 2.0
	if sinSq > 0 {
		sinTheta := math.Sqrt(sinSq)
		cosTheta := q[0]
		var twoTheta float64
		if cosTheta < 0 {
			twoTheta = 2 * math.Atan2(-sinTheta, -cosTheta)
		} else {
			twoTheta = 2 * math.Atan2(sinTheta, cosTheta)
		}
		k = twoTheta / sinTheta
	}
	return [3]float64{q[1] * k, q[2] * k, q[3] * k}
}

// matrixToQuaternion returns (w, x, y, z) using Shepperd's method.
func matrixToQuaternion(r Mat3) [4]float64 {
	var q [4]float64
	trace := r[0][0] + r[1][1] + r[2][2]
	if trace >= 0 {
		t := math.Sqrt(trace + 1)
		q[0] = 0.5 * t
		t = 0.5 / t
		q[1] = (r[2][1] - r[1][2]) * t
		q[2] = (r[0][2] - r[2][0]) * t
		q[3] = (r[1][0] - r[0][1]) * t
		return q
	}
	i := 0
	if r[1][1] > r[0][0] {
		i = 1
	}
	if r[2][2] > r[i][i] {
		i = 2
	}
	j := (i + 1) % 3
	k := (j + 1) % 3
	t := math.Sqrt(r[i][i] - r[j][j] - r[k][k] + 1)
	q[i+1] = 0.5 * t
	t = 0.5 / t
	q[0] = (r[k][j] - r[j][k]) * t
	q[j+1] = (r[j][i] + r[i][j]) * t
	q[k+1] = (r[k][i] + r[i][k]) * t
	return q
}

// AngleAxisRotatePoint rotates p by the rotation encoded in aa without building the matrix.
func AngleAxisRotatePoint(aa [3]float64, p r3.Vector) r3.Vector {
	theta2 := aa[0]*aa[0] + aa[1]*aa[1] + aa[2]*aa[2]
	if theta2 > machineEpsilon {
		theta := math.Sqrt(theta2)
		c, s := math.Cos(theta), math.Sin(theta)
		w := r3.Vector{X: aa[0] / theta, Y: aa[1] / theta, Z: aa[2] / theta}
		wCrossP := w.Cross(p)
		tmp := w.Dot(p) * (1 - c)
		return p.Mul(c).Add(wCrossP.Mul(s)).Add(w.Mul(tmp))
	}
	w := r3.Vector{X: aa[0], Y: aa[1], Z: aa[2]}
	return p.Add(w.Cross(p))
}

// EulerXYZ decomposes a rotation R = Rx*Ry*Rz into its (X, Y, Z) angles in radians.
//
// When |R[0][2]| is within 1e-6 of 1 the X and Z angles are not independently
// recoverable; X absorbs the whole rotation and Z is fixed to zero.
func EulerXYZ(r Mat3) [3]float64 {
	sy := math.Max(-1, math.Min(1, r[0][2]))
	y := math.Asin(sy)
	var x, z float64
	if math.Abs(math.Abs(r[0][2])-1) < gimbalEpsilon {
		x = math.Atan2(r[2][1], r[1][1])
		z = 0
	} else {
		x = math.Atan2(-r[1][2], r[2][2])
		z = math.Atan2(-r[0][1], r[0][0])
	}
	return [3]float64{x, y, z}
}

// Yaw returns the third Euler angle of EulerXYZ.
func Yaw(r Mat3) float64 {
	return EulerXYZ(r)[2]
}

// YawVector encodes the yaw of r as (cos, sin) so angles compare without wrap-around.
func YawVector(r Mat3) [2]float64 {
	yaw := Yaw(r)
	return [2]float64{math.Cos(yaw), math.Sin(yaw)}
}

// EulerToMatrix builds R = Rx*Ry*Rz.
func EulerToMatrix(x, y, z float64) Mat3 {
	return RotationX(x).Mul(RotationY(y)).Mul(RotationZ(z))
}
