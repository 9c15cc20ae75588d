package sfm

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfm-refiner/internal/camera"
	"sfm-refiner/pkg/geometry"
)

func smallScene() *Scene {
	s := NewScene()
	s.Intrinsics[0] = camera.NewPinhole(640, 480, 500, 320, 240)
	s.Poses[0] = geometry.IdentityPose()
	s.Poses[1] = geometry.NewPose(geometry.RotationY(0.1), r3.Vector{X: 1})
	s.Views[0] = &View{ID: 0, PoseID: 0, IntrinsicID: 0, Width: 640, Height: 480}
	s.Views[1] = &View{ID: 1, PoseID: 1, IntrinsicID: 0, Width: 640, Height: 480,
		Prior: &Prior{UseCenter: true, Center: r3.Vector{X: 1, Y: 1}, CenterWeight: r3.Vector{X: 1, Y: 1, Z: 1}}}
	s.Structure[7] = &Landmark{
		X: [3]float64{0, 0, 5},
		Obs: map[ViewID]Observation{
			0: {X: r2.Point{X: 320, Y: 240}},
			1: {X: r2.Point{X: 250, Y: 240}},
		},
	}
	s.ControlPoints[100] = &Landmark{X: [3]float64{1, 2, 3}}
	return s
}

func TestValidate(t *testing.T) {
	s := smallScene()
	require.NoError(t, s.Validate())
	assert.Equal(t, 2, s.NumObservations())

	s.Structure[7].Obs[5] = Observation{}
	assert.ErrorIs(t, s.Validate(), ErrMissingView)
	delete(s.Structure[7].Obs, 5)

	s.Views[1].PoseID = 9
	assert.ErrorIs(t, s.Validate(), ErrMissingPose)
	assert.False(t, s.IsPoseAndIntrinsicDefined(s.Views[1]))
	s.Views[1].PoseID = 1

	s.ControlPoints[100].Obs = map[ViewID]Observation{0: {}}
	s.Views[0].IntrinsicID = 3
	assert.ErrorIs(t, s.Validate(), ErrMissingIntrinsic)
	assert.False(t, s.IsPoseAndIntrinsicDefined(nil))
}

func TestApplySimilarity(t *testing.T) {
	s := smallScene()
	sim := geometry.Similarity3{Scale: 2, Rotation: geometry.RotationZ(0.5), Translation: r3.Vector{X: 1, Y: 2, Z: 3}}
	before := s.Clone()

	s.ApplySimilarity(sim, false)
	assert.Equal(t, before.Views[1].Prior.Center, s.Views[1].Prior.Center)
	for id, p := range s.Poses {
		want := sim.Apply(before.Poses[id].Center)
		assert.InDelta(t, 0, want.Sub(p.Center).Norm(), 1e-12)
	}
	assert.InDelta(t, 0, sim.Apply(before.Structure[7].Point()).Sub(s.Structure[7].Point()).Norm(), 1e-12)
	assert.InDelta(t, 0, sim.Apply(before.ControlPoints[100].Point()).Sub(s.ControlPoints[100].Point()).Norm(), 1e-12)

	// Projections are preserved by a similarity.
	in := s.Intrinsics[0]
	for vid := range s.Structure[7].Obs {
		pid := s.Views[vid].PoseID
		a := camera.ProjectPoint(in, before.Poses[pid], before.Structure[7].Point())
		b := camera.ProjectPoint(in, s.Poses[pid], s.Structure[7].Point())
		assert.InDelta(t, 0, a.Sub(b).Norm(), 1e-9)
	}

	s.ApplySimilarity(sim, true)
	assert.Equal(t, sim.Apply(before.Views[1].Prior.Center), s.Views[1].Prior.Center)
}

func TestCloneIsDeep(t *testing.T) {
	s := smallScene()
	c := s.Clone()

	c.Structure[7].X[0] = 42
	c.Structure[7].Obs[0] = Observation{FeatureID: 9}
	c.Views[1].Prior.Center = r3.Vector{}
	require.NoError(t, c.Intrinsics[0].UpdateFromParams([]float64{1, 1, 1}))

	assert.Equal(t, 0.0, s.Structure[7].X[0])
	assert.Equal(t, uint32(0), s.Structure[7].Obs[0].FeatureID)
	assert.Equal(t, r3.Vector{X: 1, Y: 1}, s.Views[1].Prior.Center)
	assert.Equal(t, []float64{500, 320, 240}, s.Intrinsics[0].Params())
}

func TestSortedIDs(t *testing.T) {
	s := smallScene()
	assert.Equal(t, []ViewID{0, 1}, s.ViewIDs())
	assert.Equal(t, []PoseID{0, 1}, s.PoseIDs())
	assert.Equal(t, []IntrinsicID{0}, s.IntrinsicIDs())
	assert.Equal(t, []LandmarkID{7}, s.LandmarkIDs())
	assert.Equal(t, []LandmarkID{100}, s.ControlPointIDs())
	assert.Equal(t, []ViewID{0, 1}, s.Structure[7].ViewIDs())
	assert.True(t, s.Views[1].HasCenterPrior())
	assert.False(t, s.Views[1].HasRotationPrior())
	assert.False(t, s.Views[0].HasCenterPrior())
}

func TestRestoreFromKeepsPointers(t *testing.T) {
	s := smallScene()
	snapshot := s.Clone()
	landmark := s.Structure[7]
	in := s.Intrinsics[0]

	s.ApplySimilarity(geometry.TranslationSimilarity(r3.Vector{X: 3}), true)
	require.NoError(t, in.UpdateFromParams([]float64{600, 300, 200}))

	s.RestoreFrom(snapshot)
	assert.Same(t, landmark, s.Structure[7])
	assert.Equal(t, [3]float64{0, 0, 5}, landmark.X)
	assert.Equal(t, []float64{500, 320, 240}, in.Params())
	assert.Equal(t, snapshot.Poses, s.Poses)
	assert.Equal(t, r3.Vector{X: 1, Y: 1}, s.Views[1].Prior.Center)
}
