package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAngleAxisRoundTrip(t *testing.T) {
	cases := [][3]float64{
		{0, 0, 0},
		{0.1, -0.2, 0.3},
		{1e-9, 0, -2e-9},
		{0, math.Pi - 1e-4, 0},
		{2.0, 1.0, -0.5},
	}
	for _, aa := range cases {
		r := AngleAxisToMatrix(aa)
		assert.InDelta(t, 1.0, r.Det(), 1e-12, "det for %v", aa)

		back := MatrixToAngleAxis(r)
		assert.Less(t, AngleAxisToMatrix(back).MaxAbsDiff(r), 1e-9, "round trip for %v", aa)
	}
}

func TestAngleAxisRotatePointMatchesMatrix(t *testing.T) {
	aa := [3]float64{0.3, -0.7, 0.2}
	p := r3.Vector{X: 1, Y: 2, Z: 3}

	want := AngleAxisToMatrix(aa).MulVec(p)
	got := AngleAxisRotatePoint(aa, p)
	assert.InDelta(t, want.X, got.X, 1e-12)
	assert.InDelta(t, want.Y, got.Y, 1e-12)
	assert.InDelta(t, want.Z, got.Z, 1e-12)
}

func TestEulerXYZ(t *testing.T) {
	x, y, z := 0.2, -0.4, 1.1
	e := EulerXYZ(EulerToMatrix(x, y, z))
	assert.InDelta(t, x, e[0], 1e-12)
	assert.InDelta(t, y, e[1], 1e-12)
	assert.InDelta(t, z, e[2], 1e-12)
}

func TestEulerXYZGimbalLock(t *testing.T) {
	for _, y := range []float64{math.Pi / 2, -math.Pi / 2} {
		r := EulerToMatrix(0.3, y, 0.5)
		require.InDelta(t, 1.0, math.Abs(r[0][2]), 1e-6)

		e := EulerXYZ(r)
		for _, a := range e {
			assert.False(t, math.IsNaN(a))
		}
		assert.Equal(t, math.Atan2(r[2][1], r[1][1]), e[0])
		assert.Equal(t, 0.0, e[2])
		assert.InDelta(t, y, e[1], 1e-6)
	}

	// Element pushed slightly past 1 by rounding must not yield NaN.
	r := Identity()
	r[0][2] = 1 + 1e-12
	e := EulerXYZ(r)
	assert.False(t, math.IsNaN(e[1]))
}

func TestYawVectorWrap(t *testing.T) {
	a := YawVector(RotationZ(359 * math.Pi / 180))
	b := YawVector(RotationZ(-1 * math.Pi / 180))
	assert.InDelta(t, a[0], b[0], 1e-12)
	assert.InDelta(t, a[1], b[1], 1e-12)
}

func TestPoseTranslationCenter(t *testing.T) {
	r := EulerToMatrix(0.1, 0.2, 0.3)
	c := r3.Vector{X: 1, Y: -2, Z: 5}
	p := NewPose(r, c)

	q := NewPoseFromTranslation(r, p.Translation())
	assert.InDelta(t, 0, q.Center.Sub(c).Norm(), 1e-12)
	assert.InDelta(t, 0, p.Apply(c).Norm(), 1e-12)
}

func TestSimilarityInverseAndCompose(t *testing.T) {
	s := Similarity3{Scale: 2.5, Rotation: EulerToMatrix(0.3, -0.1, 0.7), Translation: r3.Vector{X: 4, Y: -1, Z: 2}}
	inv, ok := s.Inverse()
	require.True(t, ok)

	x := r3.Vector{X: 0.5, Y: 3, Z: -7}
	back := inv.Apply(s.Apply(x))
	assert.InDelta(t, 0, back.Sub(x).Norm(), 1e-12)

	id := inv.Compose(s)
	assert.InDelta(t, 1, id.Scale, 1e-12)
	assert.Less(t, id.Rotation.MaxAbsDiff(Identity()), 1e-12)
	assert.InDelta(t, 0, id.Translation.Norm(), 1e-12)

	_, ok = Similarity3{}.Inverse()
	assert.False(t, ok)
}

func TestSimilarityApplyPosePreservesProjection(t *testing.T) {
	pose := NewPose(EulerToMatrix(0.2, 0.1, -0.3), r3.Vector{X: 1, Y: 1, Z: -4})
	x := r3.Vector{X: 0.2, Y: -0.5, Z: 3}
	s := Similarity3{Scale: 3, Rotation: EulerToMatrix(-0.4, 0.2, 0.9), Translation: r3.Vector{X: 10, Y: 0, Z: 1}}

	before := pose.Apply(x)
	after := s.ApplyPose(pose).Apply(s.Apply(x))
	assert.InDelta(t, before.X/before.Z, after.X/after.Z, 1e-12)
	assert.InDelta(t, before.Y/before.Z, after.Y/after.Z, 1e-12)
}

func TestCentroid(t *testing.T) {
	assert.Equal(t, r3.Vector{}, Centroid(nil))
	c := Centroid([]r3.Vector{{X: 1}, {X: 3, Y: 2}})
	assert.Equal(t, r3.Vector{X: 2, Y: 1}, c)
}
