// Package bundle refines an initialized scene by bundle adjustment: camera poses,
// intrinsics and landmarks are optimized jointly against their observations, optionally
// anchored by ground control points and motion priors.
package bundle

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sfm-refiner/internal/alignment"
	"sfm-refiner/internal/metrics"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/internal/solver"
)

// Adjuster runs bundle adjustment with a fixed solver configuration. It is not safe to
// run it concurrently on the same scene.
type Adjuster struct {
	opts    SolverOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New returns an Adjuster. A nil logger discards log output.
func New(opts SolverOptions, logger *zap.Logger) *Adjuster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adjuster{opts: opts, logger: logger.Named("bundle")}
}

// SetMetrics records every run on m.
func (a *Adjuster) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Options returns the solver configuration.
func (a *Adjuster) Options() SolverOptions {
	return a.opts
}

// Adjust refines scene in place and reports whether the solver produced a usable
// solution. Failures are logged; the scene is left as it was on entry.
func (a *Adjuster) Adjust(scene *sfm.Scene, opts Options) bool {
	report, err := a.Run(scene, opts)
	if err != nil {
		a.logger.Error("bundle adjustment failed", zap.Error(err))
		return false
	}
	return report.Success()
}

// Run is Adjust with a typed error and a diagnostic report. The report is non-nil
// whenever the scene and options were valid.
func (a *Adjuster) Run(scene *sfm.Scene, opts Options) (*Report, error) {
	start := time.Now()
	if scene == nil {
		return nil, ErrNilScene
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := scene.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scene")
	}

	report := &Report{
		NumViews:      len(scene.Views),
		NumPoses:      len(scene.Poses),
		NumIntrinsics: len(scene.Intrinsics),
		NumTracks:     len(scene.Structure),
		NumGCPs:       len(scene.ControlPoints),
	}
	snapshot := scene.Clone()
	fail := func(err error) (*Report, error) {
		scene.RestoreFrom(snapshot)
		report.Duration = time.Since(start)
		a.record(report)
		return report, err
	}

	var reg *alignment.Registration
	if opts.UseMotionPriors {
		if opts.Extrinsics == ExtrinsicNone {
			a.logger.Info("poses are fixed; motion priors are ignored")
		} else {
			rng := rand.New(rand.NewSource(a.opts.Seed))
			reg = alignment.Register(scene, rng, a.logger.Named("alignment"))
			a.metrics.RecordRegistration(reg.Usable)
			report.Registration = reg
			report.UsedMotionPrior = reg.Usable
		}
	}

	problem := solver.NewProblem()
	arena := newParameterArena(scene)
	if err := arena.register(problem, scene, opts); err != nil {
		return fail(err)
	}
	g := &graphBuilder{
		problem: problem,
		arena:   arena,
		scene:   scene,
		opts:    opts,
		solver:  a.opts,
		logger:  a.logger,
	}
	err := g.build(reg)
	report.setGraph(g.stats)
	if err != nil {
		return fail(err)
	}

	summary := solver.Solve(solverOptions(a.opts, a.logger), problem)
	report.Summary = summary
	if a.opts.PrintSummary {
		a.logger.Info("solver summary\n" + summary.FullReport())
	}
	if !summary.IsSolutionUsable() {
		return fail(errors.Wrapf(ErrSolverFailed, "%s: %s", summary.Termination, summary.Message))
	}

	if err := arena.materialize(scene, opts); err != nil {
		return fail(err)
	}
	if reg != nil && reg.Usable {
		reg.Restore(scene)
		fit := alignment.FitStatistics(scene)
		report.Fit = &fit
	}

	report.Duration = time.Since(start)
	if a.opts.Verbose {
		report.log(a.logger)
	}
	a.record(report)
	return report, nil
}

func (a *Adjuster) record(r *Report) {
	run := metrics.Run{
		Success:        r.Success(),
		Seconds:        r.Duration.Seconds(),
		ResidualBlocks: r.ResidualBlocks(),
		SkippedGCPs:    r.SkippedControlPoints,
	}
	if r.Summary != nil {
		run.Iterations = len(r.Summary.Iterations)
		run.InitialRMSE = r.Summary.InitialRMSE()
		run.FinalRMSE = r.Summary.FinalRMSE()
	}
	a.metrics.RecordRun(run)
}
