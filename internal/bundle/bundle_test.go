package bundle

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sfm-refiner/internal/alignment"
	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/internal/solver"
	"sfm-refiner/internal/synthetic"
	"sfm-refiner/pkg/geometry"
)

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func TestParsePolicies(t *testing.T) {
	for _, p := range []ExtrinsicPolicy{ExtrinsicNone, AdjustRotation, AdjustTranslation, AdjustAll} {
		got, err := ParseExtrinsicPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseExtrinsicPolicy("sideways")
	assert.ErrorIs(t, err, ErrInvalidOptions)

	s, err := ParseStructurePolicy("Adjust")
	require.NoError(t, err)
	assert.Equal(t, StructureAdjust, s)
	_, err = ParseStructurePolicy("maybe")
	assert.ErrorIs(t, err, ErrInvalidOptions)

	in, err := ParseIntrinsicPolicy("focal|distortion")
	require.NoError(t, err)
	assert.Equal(t, camera.AdjustFocalLength|camera.AdjustDistortion, in)
	in, err = ParseIntrinsicPolicy("all")
	require.NoError(t, err)
	assert.Equal(t, camera.IntrinsicAll, in)
	_, err = ParseIntrinsicPolicy("focal|zoom")
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	o := DefaultOptions()
	o.Extrinsics = ExtrinsicPolicy(9)
	assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)

	o = DefaultOptions()
	o.Intrinsics = camera.IntrinsicPolicy(64)
	assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)

	o = DefaultOptions()
	o.ControlPoints = ControlPointOptions{Enabled: true, Weight: -1}
	assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)

	o.ControlPoints = ControlPointOptions{Enabled: true, Weight: 0}
	assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)

	o.ControlPoints = ControlPointOptions{Enabled: true, Weight: math.NaN()}
	assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)

	o.ControlPoints = ControlPointOptions{Enabled: false, Weight: 0}
	assert.NoError(t, o.Validate())
}

func TestSelectLinearSolver(t *testing.T) {
	typ, backend := selectLinearSolver(LinearSolverDenseSchur, "", []string{"block-pcg"})
	assert.Equal(t, solver.DenseSchur, typ)
	assert.Empty(t, backend)

	typ, backend = selectLinearSolver(LinearSolverAuto, "", []string{"fast", "slow"})
	assert.Equal(t, solver.SparseSchur, typ)
	assert.Equal(t, "fast", backend)

	typ, backend = selectLinearSolver(LinearSolverSparseSchur, "slow", []string{"fast", "slow"})
	assert.Equal(t, solver.SparseSchur, typ)
	assert.Equal(t, "slow", backend)

	typ, backend = selectLinearSolver(LinearSolverSparseSchur, "", nil)
	assert.Equal(t, solver.DenseSchur, typ)
	assert.Empty(t, backend)
}

func TestSolverOptionsThreads(t *testing.T) {
	o := DefaultSolverOptions()
	o.MultithreadEnabled = false
	o.NumThreads = 8
	assert.Equal(t, 1, solverOptions(o, zap.NewNop()).NumThreads)

	o.MultithreadEnabled = true
	assert.Equal(t, 8, solverOptions(o, zap.NewNop()).NumThreads)
	assert.Equal(t, solver.SparseSchur, solverOptions(o, zap.NewNop()).LinearSolverType)
	assert.Equal(t, solver.BlockCholeskyBackend, solverOptions(o, zap.NewNop()).SparseBackend)
}

func TestPoseEncoding(t *testing.T) {
	pose := geometry.NewPose(geometry.EulerToMatrix(0.1, -0.2, 0.3), r3.Vector{X: 1, Y: 2, Z: 3})
	block := encodePose(pose)
	require.Len(t, block, 6)

	r, tr := decodePose(block)
	assert.InDelta(t, 0, r.MaxAbsDiff(pose.Rotation), 1e-12)
	got := geometry.NewPoseFromTranslation(r, tr)
	assert.InDelta(t, 0, got.Center.Sub(pose.Center).Norm(), 1e-12)
}

func TestArenaPolicies(t *testing.T) {
	scene, err := synthetic.Generate(synthetic.DefaultConfig())
	require.NoError(t, err)

	cases := []struct {
		policy ExtrinsicPolicy
		fixed  []int
	}{
		{ExtrinsicNone, []int{0, 1, 2, 3, 4, 5}},
		{AdjustRotation, []int{3, 4, 5}},
		{AdjustTranslation, []int{0, 1, 2}},
		{AdjustAll, nil},
	}
	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Extrinsics = tc.policy
			opts.Intrinsics = camera.AdjustFocalLength
			p := solver.NewProblem()
			a := newParameterArena(scene)
			require.NoError(t, a.register(p, scene, opts))

			for _, block := range a.poses {
				assert.Equal(t, tc.fixed, p.ConstantIndices(block))
			}
			assert.Equal(t, []int{1, 2}, p.ConstantIndices(a.intrinsics[0]))
		})
	}

	opts := DefaultOptions()
	opts.Intrinsics = camera.IntrinsicNone
	p := solver.NewProblem()
	a := newParameterArena(scene)
	require.NoError(t, a.register(p, scene, opts))
	assert.True(t, p.IsParameterBlockConstant(a.intrinsics[0]))
}

func TestArenaSkipsEmptyIntrinsics(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Kind = camera.Spherical
	scene, err := synthetic.Generate(cfg)
	require.NoError(t, err)

	p := solver.NewProblem()
	a := newParameterArena(scene)
	require.NoError(t, a.register(p, scene, DefaultOptions()))
	assert.Equal(t, len(scene.Poses), p.NumParameterBlocks())
}

func TestPositionPrior(t *testing.T) {
	pose := geometry.NewPose(geometry.EulerToMatrix(0.2, 0.1, -0.4), r3.Vector{X: 1, Y: -2, Z: 4})
	block := encodePose(pose)

	c := newPositionPrior(r3.Vector{X: 1, Y: -2, Z: 3}, r3.Vector{})
	res := make([]float64, 3)
	require.True(t, c.Evaluate([][]float64{block}, res))
	assert.InDelta(t, 0, res[0], 1e-12)
	assert.InDelta(t, 0, res[1], 1e-12)
	assert.InDelta(t, 1, res[2], 1e-12)

	c = newPositionPrior(r3.Vector{X: 1, Y: -2, Z: 3}, r3.Vector{X: 1, Y: 1, Z: 3})
	require.True(t, c.Evaluate([][]float64{block}, res))
	assert.InDelta(t, 3, res[2], 1e-12)
}

func TestYawPriorIsWrapInvariant(t *testing.T) {
	deg := math.Pi / 180
	residual := func(yaw, prior float64) float64 {
		c := newYawPrior(geometry.RotationZ(prior), 0)
		res := make([]float64, 1)
		require.True(t, c.Evaluate([][]float64{{0, 0, yaw, 0, 0, 0}}, res))
		return res[0]
	}

	assert.InDelta(t, residual(1*deg, 1*deg), residual(359*deg, -1*deg), 1e-12)
	assert.InDelta(t, 0, residual(359*deg, -1*deg), 1e-12)
	assert.InDelta(t, residual(10*deg, 0), residual(370*deg, 0), 1e-12)
	assert.InDelta(t, 4, residual(180*deg, 0), 1e-12)
}

func TestMaterializePolicies(t *testing.T) {
	old := geometry.NewPose(geometry.RotationY(0.1), r3.Vector{X: 1})
	refined := geometry.NewPose(geometry.RotationY(0.3), r3.Vector{X: 2, Z: 1})

	run := func(policy ExtrinsicPolicy) geometry.Pose3 {
		scene := sfm.NewScene()
		scene.Poses[0] = old
		scene.Intrinsics[0] = camera.NewPinhole(640, 480, 500, 320, 240)
		a := newParameterArena(scene)
		a.poses[0] = encodePose(refined)
		a.intrinsics[0] = []float64{510, 321, 239}
		opts := DefaultOptions()
		opts.Extrinsics = policy
		require.NoError(t, a.materialize(scene, opts))
		assert.Equal(t, []float64{510, 321, 239}, scene.Intrinsics[0].Params())
		return scene.Poses[0]
	}

	assert.Equal(t, old, run(ExtrinsicNone))

	all := run(AdjustAll)
	assert.InDelta(t, 0, all.Rotation.MaxAbsDiff(refined.Rotation), 1e-12)
	assert.InDelta(t, 0, all.Center.Sub(refined.Center).Norm(), 1e-12)

	rot := run(AdjustRotation)
	assert.InDelta(t, 0, rot.Rotation.MaxAbsDiff(refined.Rotation), 1e-12)
	assert.Equal(t, old.Center, rot.Center)

	tr := run(AdjustTranslation)
	assert.Equal(t, old.Rotation, tr.Rotation)
	want := old.Rotation.T().MulVec(refined.Translation()).Mul(-1)
	assert.InDelta(t, 0, tr.Center.Sub(want).Norm(), 1e-12)
}

func TestGraphBuilderCounts(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.NumControlPoints = 2
	scene, err := synthetic.Generate(cfg)
	require.NoError(t, err)
	scene.ControlPoints[99] = &sfm.Landmark{X: [3]float64{1, 2, 3}}

	opts := DefaultOptions()
	opts.Structure = StructureNone
	opts.ControlPoints.Enabled = true

	p := solver.NewProblem()
	a := newParameterArena(scene)
	require.NoError(t, a.register(p, scene, opts))
	g := &graphBuilder{problem: p, arena: a, scene: scene, opts: opts, solver: DefaultSolverOptions(), logger: zap.NewNop()}
	require.NoError(t, g.build(nil))

	gcpObs := 0
	for _, l := range scene.ControlPoints {
		gcpObs += len(l.Obs)
	}
	assert.Equal(t, scene.NumObservations(), g.stats.reprojection)
	assert.Equal(t, gcpObs, g.stats.controlPoint)
	assert.Equal(t, 1, g.stats.skippedGCPs)
	assert.Equal(t, len(scene.Structure), g.stats.constantLandmarks)
	assert.Equal(t, scene.NumObservations()+gcpObs, p.NumResidualBlocks())
	assert.False(t, p.HasParameterBlock(scene.ControlPoints[99].X[:]))
	for _, l := range scene.Structure {
		assert.True(t, p.IsParameterBlockConstant(l.X[:]))
	}
}

func TestGraphBuilderPriorsNeedUsableRegistration(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Priors = true
	scene, err := synthetic.Generate(cfg)
	require.NoError(t, err)

	build := func(reg *alignment.Registration, extrinsics ExtrinsicPolicy) graphStats {
		opts := DefaultOptions()
		opts.Extrinsics = extrinsics
		p := solver.NewProblem()
		a := newParameterArena(scene)
		require.NoError(t, a.register(p, scene, opts))
		g := &graphBuilder{problem: p, arena: a, scene: scene, opts: opts, solver: DefaultSolverOptions(), logger: zap.NewNop()}
		require.NoError(t, g.build(reg))
		return g.stats
	}

	usable := &alignment.Registration{Usable: true, PositionMedian: 0.1, RotationMedian: 0.01}
	s := build(usable, AdjustAll)
	assert.Equal(t, cfg.NumViews, s.positionPrior)
	assert.Equal(t, cfg.NumViews, s.rotationPrior)

	s = build(usable, ExtrinsicNone)
	assert.Zero(t, s.positionPrior)

	s = build(&alignment.Registration{}, AdjustAll)
	assert.Zero(t, s.positionPrior)
	assert.Zero(t, s.rotationPrior)
}

func TestGraphBuilderLosses(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.NumControlPoints = 3
	cfg.Priors = true
	scene, err := synthetic.Generate(cfg)
	require.NoError(t, err)
	reg := &alignment.Registration{Usable: true, PositionMedian: 0.3, RotationMedian: 0.05}

	build := func(scene *sfm.Scene, useLoss bool) *graphBuilder {
		opts := DefaultOptions()
		opts.ControlPoints.Enabled = true
		so := DefaultSolverOptions()
		so.UseLossFunction = useLoss
		p := solver.NewProblem()
		a := newParameterArena(scene)
		require.NoError(t, a.register(p, scene, opts))
		g := &graphBuilder{problem: p, arena: a, scene: scene, opts: opts, solver: so, logger: zap.NewNop()}
		require.NoError(t, g.build(reg))
		return g
	}
	huberScale := func(loss solver.LossFunction) float64 {
		h, ok := loss.(*solver.HuberLoss)
		require.True(t, ok, "loss %T", loss)
		return h.Scale()
	}
	// priorLosses returns the Huber scales of the position and yaw prior blocks.
	priorLosses := func(g *graphBuilder) (position, yaw []float64) {
		for _, pose := range g.arena.poses {
			for _, rb := range g.problem.ResidualBlocksFor(pose) {
				switch rb.Cost().(type) {
				case *positionPrior:
					position = append(position, huberScale(rb.Loss()))
				case *yawPrior:
					yaw = append(yaw, huberScale(rb.Loss()))
				}
			}
		}
		return position, yaw
	}

	for _, useLoss := range []bool{true, false} {
		g := build(scene, useLoss)
		observed := 0
		for _, l := range scene.Structure {
			blocks := g.problem.ResidualBlocksFor(l.X[:])
			require.Len(t, blocks, len(l.Obs))
			for _, rb := range blocks {
				if useLoss {
					assert.Equal(t, 16.0, huberScale(rb.Loss()))
				} else {
					assert.Nil(t, rb.Loss())
				}
			}
		}
		for _, l := range scene.ControlPoints {
			blocks := g.problem.ResidualBlocksFor(l.X[:])
			require.Len(t, blocks, len(l.Obs))
			observed += len(blocks)
			for _, rb := range blocks {
				assert.Nil(t, rb.Loss())
			}
		}
		assert.Positive(t, observed)

		position, yaw := priorLosses(g)
		require.Len(t, position, cfg.NumViews)
		require.Len(t, yaw, cfg.NumViews)
		for i := range position {
			assert.Equal(t, reg.PositionMedian*reg.PositionMedian, position[i])
			assert.Equal(t, reg.RotationMedian*reg.RotationMedian, yaw[i])
		}
	}

	noYaw := scene.Clone()
	for _, v := range noYaw.Views {
		v.Prior.UseRotation = false
	}
	g := build(noYaw, true)
	assert.Equal(t, cfg.NumViews, g.stats.positionPrior)
	assert.Zero(t, g.stats.rotationPrior)
	position, yaw := priorLosses(g)
	assert.Len(t, position, cfg.NumViews)
	assert.Empty(t, yaw)
}

type unsupportedIntrinsic struct {
	*camera.Model
}

func (unsupportedIntrinsic) Kind() camera.Kind { return camera.KindInvalid }

func TestAdjustFailsOnUnsupportedModel(t *testing.T) {
	scene, err := synthetic.Generate(synthetic.DefaultConfig())
	require.NoError(t, err)
	scene.Intrinsics[0] = unsupportedIntrinsic{camera.NewPinhole(640, 480, 512, 320, 240)}
	before := scene.Clone()

	a := New(DefaultSolverOptions(), zap.NewNop())
	_, err = a.Run(scene, DefaultOptions())
	assert.ErrorIs(t, err, camera.ErrUnsupportedModel)
	assert.False(t, a.Adjust(scene, DefaultOptions()))
	assert.Equal(t, before.Poses, scene.Poses)
}

func TestAdjustRejectsInvalidInput(t *testing.T) {
	a := New(DefaultSolverOptions(), nil)
	_, err := a.Run(nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNilScene)

	scene, err := synthetic.Generate(synthetic.DefaultConfig())
	require.NoError(t, err)
	delete(scene.Poses, 0)
	_, err = a.Run(scene, DefaultOptions())
	assert.ErrorIs(t, err, sfm.ErrMissingPose)
}

func TestPinnedMissingBackendFallsBack(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Priors = true
	scene, err := synthetic.Generate(cfg)
	require.NoError(t, err)
	require.NoError(t, synthetic.Perturb(scene, synthetic.DefaultPerturbation(), newRand(2)))

	so := DefaultSolverOptions()
	so.LinearSolver = LinearSolverSparseSchur
	so.SparseBackend = "missing"
	assert.Equal(t, solver.SparseBackends()[0], solverOptions(so, zap.NewNop()).SparseBackend)

	opts := DefaultOptions()
	opts.UseMotionPriors = true
	report, err := New(so, nil).Run(scene, opts)
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.True(t, report.UsedMotionPrior)
	assert.Equal(t, solver.SparseBackends()[0], report.Summary.SparseBackend)
}

func TestAdjustRestoresSceneOnSolverFailure(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Priors = true
	scene, err := synthetic.Generate(cfg)
	require.NoError(t, err)
	require.NoError(t, synthetic.Perturb(scene, synthetic.DefaultPerturbation(), newRand(2)))
	before := scene.Clone()

	opts := DefaultOptions()
	opts.UseMotionPriors = true

	l := scene.Structure[scene.LandmarkIDs()[0]]
	l.Obs[l.ViewIDs()[0]] = sfm.Observation{X: r2.Point{X: math.NaN()}}
	_, err = New(DefaultSolverOptions(), nil).Run(scene, opts)
	assert.ErrorIs(t, err, ErrSolverFailed)
	assert.Equal(t, before.Poses, scene.Poses)
	for id, l := range before.Views {
		assert.Equal(t, l.Prior.Center, scene.Views[id].Prior.Center)
	}
}
