package alignment

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"sfm-refiner/internal/sfm"
	"sfm-refiner/pkg/geometry"
)

// MinPositionPriors is the number of position correspondences needed to register.
const MinPositionPriors = 4

// MinViews is the number of views needed before motion priors are considered.
const MinViews = 4

// Correspondences pairs the scene's pose centers and yaw angles with their priors.
// Yaws are encoded as (cos, sin).
type Correspondences struct {
	CenterViews  []sfm.ViewID
	SceneCenters []r3.Vector
	PriorCenters []r3.Vector

	RotationViews []sfm.ViewID
	SceneYaws     [][2]float64
	PriorYaws     [][2]float64
}

// CollectCorrespondences gathers, in view id order, the priors of views whose pose and
// intrinsic are defined.
func CollectCorrespondences(scene *sfm.Scene) Correspondences {
	var c Correspondences
	for _, id := range scene.ViewIDs() {
		v := scene.Views[id]
		if !scene.IsPoseAndIntrinsicDefined(v) {
			continue
		}
		pose := scene.Poses[v.PoseID]
		if v.HasCenterPrior() {
			c.CenterViews = append(c.CenterViews, id)
			c.SceneCenters = append(c.SceneCenters, pose.Center)
			c.PriorCenters = append(c.PriorCenters, v.Prior.Center)
		}
		if v.HasRotationPrior() {
			c.RotationViews = append(c.RotationViews, id)
			c.SceneYaws = append(c.SceneYaws, geometry.YawVector(pose.Rotation))
			c.PriorYaws = append(c.PriorYaws, geometry.YawVector(v.Prior.Rotation))
		}
	}
	return c
}

// PositionResiduals returns |sim(scene center) - prior center| per correspondence.
func (c Correspondences) PositionResiduals(sim geometry.Similarity3) []float64 {
	out := make([]float64, len(c.SceneCenters))
	for i := range c.SceneCenters {
		out[i] = sim.Apply(c.SceneCenters[i]).Sub(c.PriorCenters[i]).Norm()
	}
	return out
}

// RotationResiduals returns the squared (cos, sin) yaw difference per correspondence.
func (c Correspondences) RotationResiduals() []float64 {
	out := make([]float64, len(c.SceneYaws))
	for i := range c.SceneYaws {
		dc := c.SceneYaws[i][0] - c.PriorYaws[i][0]
		ds := c.SceneYaws[i][1] - c.PriorYaws[i][1]
		out[i] = dc*dc + ds*ds
	}
	return out
}

// Registration is the outcome of Register.
type Registration struct {
	// Usable is false when registration was skipped or failed; the scene is then
	// untouched and no prior residuals should be added.
	Usable bool
	Reason string

	// ToReference maps the original scene frame to the prior frame.
	ToReference geometry.Similarity3
	// ToCenter moves the registered scene so the pose centroid is at the origin.
	ToCenter geometry.Similarity3

	LMedSMedian float64
	// PreAlignmentMedian is the median center residual before ToReference.
	PreAlignmentMedian float64
	// PositionMedian is the median center residual norm after ToReference.
	PositionMedian float64
	// RotationMedian is the median squared yaw residual.
	RotationMedian float64

	NumPositionPriors int
	NumRotationPriors int
}

// Register estimates the similarity from the scene to its motion priors, applies it to
// the scene (priors untouched) and re-centres scene and priors on the pose centroid.
// When fewer than MinViews views or MinPositionPriors position priors are available,
// or no finite median can be found, the scene is left untouched.
func Register(scene *sfm.Scene, rng *rand.Rand, logger *zap.Logger) *Registration {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := &Registration{
		ToReference: geometry.IdentitySimilarity(),
		ToCenter:    geometry.IdentitySimilarity(),
	}
	if len(scene.Views) < MinViews {
		reg.Reason = "not enough views"
		logger.Warn("cannot use the motion prior", zap.String("reason", reg.Reason), zap.Int("views", len(scene.Views)))
		return reg
	}

	c := CollectCorrespondences(scene)
	reg.NumPositionPriors = len(c.SceneCenters)
	reg.NumRotationPriors = len(c.SceneYaws)
	if reg.NumPositionPriors < MinPositionPriors {
		reg.Reason = "insufficient number of motion priors"
		logger.Warn("cannot use the motion prior",
			zap.String("reason", reg.Reason),
			zap.Int("position_priors", reg.NumPositionPriors))
		return reg
	}

	sim, med := EstimateSimilarity(c.SceneCenters, c.PriorCenters, rng)
	if med == math.MaxFloat64 || !sim.IsFinite() {
		reg.Reason = "robust registration failed"
		logger.Warn("cannot use the motion prior", zap.String("reason", reg.Reason))
		return reg
	}

	reg.Usable = true
	reg.ToReference = sim
	reg.LMedSMedian = med
	reg.PreAlignmentMedian = median(c.PositionResiduals(geometry.IdentitySimilarity()))
	reg.PositionMedian = median(c.PositionResiduals(sim))
	if len(c.SceneYaws) > 0 {
		reg.RotationMedian = median(c.RotationResiduals())
	}

	scene.ApplySimilarity(sim, false)

	centers := make([]r3.Vector, 0, len(scene.Poses))
	for _, id := range scene.PoseIDs() {
		centers = append(centers, scene.Poses[id].Center)
	}
	reg.ToCenter = geometry.TranslationSimilarity(geometry.Centroid(centers).Mul(-1))
	scene.ApplySimilarity(reg.ToCenter, true)

	logger.Info("motion prior registration",
		zap.Int("position_priors", reg.NumPositionPriors),
		zap.Int("rotation_priors", reg.NumRotationPriors),
		zap.Float64("scale", sim.Scale),
		zap.Float64("lmeds_median", med),
		zap.Float64("pre_alignment_median", reg.PreAlignmentMedian),
		zap.Float64("position_median", reg.PositionMedian),
		zap.Float64("rotation_median", reg.RotationMedian))
	return reg
}

// Restore undoes the re-centring applied by Register, priors included.
func (r *Registration) Restore(scene *sfm.Scene) bool {
	if !r.Usable {
		return false
	}
	inv, ok := r.ToCenter.Inverse()
	if !ok {
		return false
	}
	scene.ApplySimilarity(inv, true)
	return true
}
