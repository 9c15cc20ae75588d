package bundle

import (
	"time"

	"go.uber.org/zap"

	"sfm-refiner/internal/alignment"
	"sfm-refiner/internal/solver"
)

// Report describes one adjustment run. It is diagnostic only.
type Report struct {
	Summary      *solver.Summary
	Registration *alignment.Registration
	// Fit holds the prior fitting statistics evaluated after the solve. It is nil when
	// no motion prior was used.
	Fit *alignment.FitReport

	NumViews      int
	NumPoses      int
	NumIntrinsics int
	NumTracks     int
	NumGCPs       int

	ReprojectionResiduals int
	ControlPointResiduals int
	PositionPriors        int
	RotationPriors        int
	SkippedControlPoints  int

	UsedMotionPrior bool
	Duration        time.Duration
}

// Success reports whether the solver produced a usable solution.
func (r *Report) Success() bool {
	return r != nil && r.Summary != nil && r.Summary.IsSolutionUsable()
}

// ResidualBlocks returns the residual block counts by kind.
func (r *Report) ResidualBlocks() map[string]int {
	return map[string]int{
		"reprojection":   r.ReprojectionResiduals,
		"control_point":  r.ControlPointResiduals,
		"position_prior": r.PositionPriors,
		"rotation_prior": r.RotationPriors,
	}
}

func (r *Report) setGraph(s graphStats) {
	r.ReprojectionResiduals = s.reprojection
	r.ControlPointResiduals = s.controlPoint
	r.PositionPriors = s.positionPrior
	r.RotationPriors = s.rotationPrior
	r.SkippedControlPoints = s.skippedGCPs
}

// log writes the run statistics.
func (r *Report) log(logger *zap.Logger) {
	fields := []zap.Field{
		zap.Int("views", r.NumViews),
		zap.Int("poses", r.NumPoses),
		zap.Int("intrinsics", r.NumIntrinsics),
		zap.Int("tracks", r.NumTracks),
		zap.Int("reprojection_residuals", r.ReprojectionResiduals),
		zap.Int("control_point_residuals", r.ControlPointResiduals),
		zap.Bool("motion_prior", r.UsedMotionPrior),
		zap.Duration("elapsed", r.Duration),
	}
	if r.Summary != nil {
		fields = append(fields,
			zap.Float64("initial_rmse", r.Summary.InitialRMSE()),
			zap.Float64("final_rmse", r.Summary.FinalRMSE()),
			zap.Int("iterations", len(r.Summary.Iterations)),
			zap.Stringer("termination", r.Summary.Termination))
	}
	logger.Info("bundle adjustment statistics", fields...)

	if r.Fit == nil {
		return
	}
	if r.Registration != nil {
		logger.Info("motion prior fit",
			zap.Float64("starting_median", r.Registration.PositionMedian),
			zap.Float64("rotation_median", r.Registration.RotationMedian))
	}
	if r.Fit.Position != nil {
		logger.Info("final position prior residuals", zap.Stringer("stats", r.Fit.Position))
	}
	if r.Fit.Rotation != nil {
		logger.Info("final rotation prior residuals", zap.Stringer("stats", r.Fit.Rotation))
	}
}
