package bundle_test

import (
	"math"
	"math/rand"
	"path/filepath"

	"github.com/golang/geo/r3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"sfm-refiner/internal/bundle"
	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/metrics"
	"sfm-refiner/internal/project"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/internal/synthetic"
	"sfm-refiner/pkg/geometry"
)

func solverOptions() bundle.SolverOptions {
	o := bundle.DefaultSolverOptions()
	o.MaxIterations = 100
	o.FunctionTolerance = 1e-12
	o.Verbose = true
	return o
}

func perturbed(cfg synthetic.Config, seed int64) (truth, scene *sfm.Scene) {
	truth, err := synthetic.Generate(cfg)
	Expect(err).NotTo(HaveOccurred())
	scene = truth.Clone()
	Expect(synthetic.Perturb(scene, synthetic.DefaultPerturbation(), rand.New(rand.NewSource(seed)))).To(Succeed())
	return truth, scene
}

func fixedOptions() bundle.Options {
	return bundle.Options{
		Extrinsics: bundle.ExtrinsicNone,
		Intrinsics: camera.IntrinsicNone,
		Structure:  bundle.StructureNone,
	}
}

var _ = Describe("Adjust", func() {
	var adjuster *bundle.Adjuster

	BeforeEach(func() {
		adjuster = bundle.New(solverOptions(), zap.L())
	})

	DescribeTable("recovers a perturbed synthetic scene anchored by control points",
		func(kind camera.Kind) {
			cfg := synthetic.DefaultConfig()
			cfg.Kind = kind
			cfg.NumLandmarks = 80
			cfg.NumControlPoints = 6
			truth, scene := perturbed(cfg, 7)

			opts := bundle.DefaultOptions()
			opts.Intrinsics = camera.AdjustFocalLength | camera.AdjustPrincipalPoint
			opts.ControlPoints = bundle.ControlPointOptions{Enabled: true, Weight: 20}

			report, err := adjuster.Run(scene, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Success()).To(BeTrue())
			Expect(report.Summary.FinalCost).To(BeNumerically("<", 1e-6))
			Expect(report.Summary.FinalRMSE()).To(BeNumerically("<", report.Summary.InitialRMSE()))

			for id, want := range truth.Poses {
				got := scene.Poses[id]
				Expect(got.Rotation.MaxAbsDiff(want.Rotation)).To(BeNumerically("<", 1e-4), "pose %d rotation", id)
				Expect(got.Center.Sub(want.Center).Norm()).To(BeNumerically("<", 1e-3), "pose %d center", id)
			}
			want := truth.Intrinsics[0].Params()
			got := scene.Intrinsics[0].Params()
			Expect(got).To(HaveLen(len(want)))
			for i := range want {
				Expect(got[i]).To(BeNumerically("~", want[i], 1e-3*math.Max(1, math.Abs(want[i]))), "param %d", i)
			}
		},
		Entry("pinhole", camera.Pinhole),
		Entry("radial k1", camera.Radial1),
		Entry("radial k3", camera.Radial3),
		Entry("brown t2", camera.BrownT2),
		Entry("fisheye", camera.Fisheye),
		Entry("spherical", camera.Spherical),
	)

	DescribeTable("reaches zero reprojection error when every intrinsic is free",
		func(kind camera.Kind) {
			cfg := synthetic.DefaultConfig()
			cfg.Kind = kind
			cfg.NumLandmarks = 80
			_, scene := perturbed(cfg, 11)

			report, err := adjuster.Run(scene, bundle.DefaultOptions())
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Success()).To(BeTrue())
			Expect(report.Summary.FinalRMSE()).To(BeNumerically("<", 1e-3))
		},
		Entry("pinhole", camera.Pinhole),
		Entry("radial k3", camera.Radial3),
		Entry("brown t2", camera.BrownT2),
		Entry("fisheye", camera.Fisheye),
	)

	It("leaves every pose bit-identical when extrinsics are fixed", func() {
		cfg := synthetic.DefaultConfig()
		cfg.Priors = true
		cfg.PriorFrame = geometry.TranslationSimilarity(r3.Vector{X: 50})
		_, scene := perturbed(cfg, 3)
		before := scene.Clone()

		opts := bundle.DefaultOptions()
		opts.Extrinsics = bundle.ExtrinsicNone
		opts.UseMotionPriors = true
		Expect(adjuster.Adjust(scene, opts)).To(BeTrue())
		Expect(scene.Poses).To(Equal(before.Poses))
		Expect(scene.Intrinsics[0].Params()).NotTo(Equal(before.Intrinsics[0].Params()))
	})

	It("ignores motion priors when fewer than four views carry a position prior", func() {
		cfg := synthetic.DefaultConfig()
		cfg.Priors = true
		_, scene := perturbed(cfg, 5)
		for _, id := range scene.ViewIDs()[3:] {
			scene.Views[id].Prior = nil
		}

		opts := bundle.DefaultOptions()
		opts.UseMotionPriors = true
		report, err := adjuster.Run(scene, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Success()).To(BeTrue())
		Expect(report.Registration).NotTo(BeNil())
		Expect(report.Registration.Usable).To(BeFalse())
		Expect(report.UsedMotionPrior).To(BeFalse())
		Expect(report.PositionPriors).To(BeZero())
		Expect(report.Fit).To(BeNil())
	})

	It("registers a five view scene to offset, noisy position priors", func() {
		cfg := synthetic.DefaultConfig()
		cfg.Priors = true
		cfg.PriorFrame = geometry.TranslationSimilarity(r3.Vector{X: 120, Y: -40, Z: 8})
		cfg.PriorNoise = 0.01
		scene, err := synthetic.Generate(cfg)
		Expect(err).NotTo(HaveOccurred())

		opts := bundle.DefaultOptions()
		opts.UseMotionPriors = true
		report, err := adjuster.Run(scene, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Success()).To(BeTrue())
		Expect(report.UsedMotionPrior).To(BeTrue())

		reg := report.Registration
		Expect(reg.NumPositionPriors).To(Equal(5))
		Expect(reg.PositionMedian).To(BeNumerically("<", reg.PreAlignmentMedian))
		Expect(report.PositionPriors).To(Equal(5))
		Expect(report.RotationPriors).To(Equal(5))

		Expect(report.Fit).NotTo(BeNil())
		Expect(report.Fit.Position).NotTo(BeNil())
		Expect(report.Fit.Position.Median).To(BeNumerically("<", 0.1))
		for _, v := range scene.Views {
			center := scene.Poses[v.PoseID].Center
			Expect(center.Sub(v.Prior.Center).Norm()).To(BeNumerically("<", 0.1))
		}
	})

	It("keeps a control point without observations at its input coordinates", func() {
		cfg := synthetic.DefaultConfig()
		cfg.NumControlPoints = 3
		_, scene := perturbed(cfg, 9)
		lonely := [3]float64{0.25, -0.5, 0.125}
		scene.ControlPoints[77] = &sfm.Landmark{X: lonely, Obs: map[sfm.ViewID]sfm.Observation{}}

		observed := 0
		for _, l := range scene.ControlPoints {
			observed += len(l.Obs)
		}

		opts := bundle.DefaultOptions()
		opts.ControlPoints = bundle.ControlPointOptions{Enabled: true, Weight: 20}
		report, err := adjuster.Run(scene, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Success()).To(BeTrue())
		Expect(scene.ControlPoints[77].X).To(Equal(lonely))
		Expect(report.SkippedControlPoints).To(Equal(1))
		Expect(report.ControlPointResiduals).To(Equal(observed))
	})

	It("is a no-op on a reloaded refined scene when everything is fixed", func() {
		cfg := synthetic.DefaultConfig()
		cfg.Kind = camera.Radial3
		_, scene := perturbed(cfg, 13)
		Expect(adjuster.Adjust(scene, bundle.DefaultOptions())).To(BeTrue())

		path := filepath.Join(GinkgoT().TempDir(), "refined.sfm.json")
		Expect(project.SaveScene(path, scene)).To(Succeed())
		loaded, err := project.LoadScene(path)
		Expect(err).NotTo(HaveOccurred())
		before := loaded.Clone()

		Expect(adjuster.Adjust(loaded, fixedOptions())).To(BeTrue())
		Expect(loaded.Poses).To(Equal(before.Poses))
		Expect(loaded.Structure).To(Equal(before.Structure))
		Expect(loaded.Intrinsics[0].Params()).To(Equal(before.Intrinsics[0].Params()))

		again := filepath.Join(GinkgoT().TempDir(), "again.sfm.json")
		Expect(project.SaveScene(again, loaded)).To(Succeed())
		reloaded, err := project.LoadScene(again)
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.Poses).To(Equal(before.Poses))
		Expect(reloaded.Structure).To(Equal(before.Structure))
	})

	It("records each run on the metrics registry", func() {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		adjuster.SetMetrics(m)

		_, scene := perturbed(synthetic.DefaultConfig(), 17)
		Expect(adjuster.Adjust(scene, bundle.DefaultOptions())).To(BeTrue())
		Expect(testutil.ToFloat64(m.Runs.WithLabelValues(metrics.OutcomeSuccess))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.ResidualBlocks.WithLabelValues("reprojection"))).To(BeNumerically(">", 0))
	})
})
