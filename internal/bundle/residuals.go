package bundle

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sfm-refiner/internal/alignment"
	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/internal/solver"
)

// reprojectionLossScale is the Huber scale, in pixels squared, of landmark observations.
const reprojectionLossScale = 4.0 * 4.0

// graphStats counts what buildResiduals added.
type graphStats struct {
	reprojection      int
	controlPoint      int
	positionPrior     int
	rotationPrior     int
	skippedGCPs       int
	constantLandmarks int
}

type graphBuilder struct {
	problem *solver.Problem
	arena   *parameterArena
	scene   *sfm.Scene
	opts    Options
	solver  SolverOptions
	logger  *zap.Logger
	stats   graphStats
}

// build adds every residual block: landmark reprojections, control points and, when
// reg is usable, the motion prior terms.
func (g *graphBuilder) build(reg *alignment.Registration) error {
	var loss solver.LossFunction
	if g.solver.UseLossFunction {
		loss = solver.NewHuberLoss(reprojectionLossScale)
	}

	for _, id := range g.scene.LandmarkIDs() {
		l := g.scene.Structure[id]
		if len(l.Obs) == 0 {
			continue
		}
		for _, vid := range l.ViewIDs() {
			if err := g.addObservation(l, vid, 1, loss); err != nil {
				return errors.Wrapf(err, "landmark %d", id)
			}
			g.stats.reprojection++
		}
		if g.opts.Structure == StructureNone {
			if err := g.problem.SetParameterBlockConstant(l.X[:]); err != nil {
				return errors.Wrapf(err, "landmark %d", id)
			}
			g.stats.constantLandmarks++
		}
	}

	if g.opts.ControlPoints.Enabled {
		if err := g.addControlPoints(); err != nil {
			return err
		}
	}

	if reg != nil && reg.Usable && g.opts.Extrinsics != ExtrinsicNone {
		if err := g.addPriors(reg); err != nil {
			return err
		}
	}
	return nil
}

func (g *graphBuilder) addObservation(l *sfm.Landmark, vid sfm.ViewID, weight float64, loss solver.LossFunction) error {
	v, ok := g.scene.Views[vid]
	if !ok {
		return errors.Wrapf(sfm.ErrMissingView, "view %d", vid)
	}
	pose, ok := g.arena.poses[v.PoseID]
	if !ok {
		return errors.Wrapf(sfm.ErrMissingPose, "view %d pose %d", vid, v.PoseID)
	}
	in, ok := g.scene.Intrinsics[v.IntrinsicID]
	if !ok {
		return errors.Wrapf(sfm.ErrMissingIntrinsic, "view %d intrinsic %d", vid, v.IntrinsicID)
	}

	cost, err := camera.NewReprojectionCost(in, l.Obs[vid].X, weight)
	if err != nil {
		return errors.Wrapf(err, "view %d", vid)
	}
	if camera.NumParameterBlocks(in) == 3 {
		_, err = g.problem.AddResidualBlock(cost, loss, g.arena.intrinsics[v.IntrinsicID], pose, l.X[:])
	} else {
		_, err = g.problem.AddResidualBlock(cost, loss, pose, l.X[:])
	}
	return errors.Wrapf(err, "view %d", vid)
}

// addControlPoints adds unrobustified, weighted residuals for every control point
// observation and holds the control points fixed.
func (g *graphBuilder) addControlPoints() error {
	for _, id := range g.scene.ControlPointIDs() {
		gcp := g.scene.ControlPoints[id]
		if len(gcp.Obs) == 0 {
			g.logger.Warn("ground control point has no observations; it is left untouched",
				zap.Uint32("control_point", uint32(id)))
			g.stats.skippedGCPs++
			continue
		}
		for _, vid := range gcp.ViewIDs() {
			if err := g.addObservation(gcp, vid, g.opts.ControlPoints.Weight, nil); err != nil {
				return errors.Wrapf(err, "control point %d", id)
			}
			g.stats.controlPoint++
		}
		if err := g.problem.SetParameterBlockConstant(gcp.X[:]); err != nil {
			return errors.Wrapf(err, "control point %d", id)
		}
	}
	return nil
}

// addPriors attaches the position and yaw prior terms to the pose of every view with a
// usable prior. The Huber scales are the squared registration medians.
func (g *graphBuilder) addPriors(reg *alignment.Registration) error {
	positionLoss := solver.NewHuberLoss(reg.PositionMedian * reg.PositionMedian)
	rotationLoss := solver.NewHuberLoss(reg.RotationMedian * reg.RotationMedian)

	for _, vid := range g.scene.ViewIDs() {
		v := g.scene.Views[vid]
		if !g.scene.IsPoseAndIntrinsicDefined(v) {
			continue
		}
		pose := g.arena.poses[v.PoseID]
		if v.HasCenterPrior() {
			cost := newPositionPrior(v.Prior.Center, v.Prior.CenterWeight)
			if _, err := g.problem.AddResidualBlock(cost, positionLoss, pose); err != nil {
				return errors.Wrapf(err, "position prior of view %d", vid)
			}
			g.stats.positionPrior++
		}
		if v.HasRotationPrior() {
			cost := newYawPrior(v.Prior.Rotation, v.Prior.RotationWeight)
			if _, err := g.problem.AddResidualBlock(cost, rotationLoss, pose); err != nil {
				return errors.Wrapf(err, "rotation prior of view %d", vid)
			}
			g.stats.rotationPrior++
		}
	}
	return nil
}
