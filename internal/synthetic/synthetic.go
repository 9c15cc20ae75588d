// Package synthetic builds exact scenes with known ground truth for experiments and
// tests, and perturbs them into starting points for the adjuster.
package synthetic

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/pkg/geometry"
)

// Config describes a ring of cameras looking at a cloud of landmarks around the origin.
type Config struct {
	Kind          camera.Kind
	Width, Height int

	NumViews     int
	NumLandmarks int
	// NumControlPoints landmarks observed by every view are added as ground control points.
	NumControlPoints int

	// Radius is the distance of the camera centers from the origin.
	Radius float64
	// Arc is the angular spread of the camera ring, in radians.
	Arc float64
	// Extent is the half size of the landmark cube.
	Extent float64

	// Priors attaches a position and yaw prior to every view.
	Priors bool
	// PriorFrame maps scene coordinates to the prior reference frame.
	PriorFrame geometry.Similarity3
	// PriorNoise is the per-axis standard deviation added to prior centers.
	PriorNoise float64

	Seed int64
}

// DefaultConfig returns a pinhole ring of 5 views over 60 landmarks.
func DefaultConfig() Config {
	return Config{
		Kind:         camera.Pinhole,
		Width:        640,
		Height:       480,
		NumViews:     5,
		NumLandmarks: 60,
		Radius:       6,
		Arc:          math.Pi / 3,
		Extent:       1,
		PriorFrame:   geometry.IdentitySimilarity(),
		Seed:         1,
	}
}

// Intrinsic returns the ground truth camera of the given kind.
func Intrinsic(kind camera.Kind, width, height int) (camera.Intrinsic, error) {
	f := 0.8 * float64(width)
	cx, cy := float64(width)/2, float64(height)/2
	switch kind {
	case camera.Pinhole:
		return camera.NewPinhole(width, height, f, cx, cy), nil
	case camera.Radial1:
		return camera.NewRadial1(width, height, f, cx, cy, -0.05), nil
	case camera.Radial3:
		return camera.NewRadial3(width, height, f, cx, cy, -0.05, 0.01, -0.001), nil
	case camera.BrownT2:
		return camera.NewBrownT2(width, height, f, cx, cy, -0.05, 0.01, -0.001, 0.001, -0.001), nil
	case camera.Fisheye:
		return camera.NewFisheye(width, height, f, cx, cy, 0.01, -0.005, 0.001, 0.0005), nil
	case camera.Spherical:
		return camera.NewSpherical(width, height), nil
	}
	return nil, errors.Wrapf(camera.ErrUnsupportedModel, "kind %d", int(kind))
}

// LookAt returns the pose at center whose optical axis points at target, with the image
// y axis as close as possible to +Y.
func LookAt(center, target r3.Vector) geometry.Pose3 {
	z := target.Sub(center).Normalize()
	x := r3.Vector{Y: 1}.Cross(z).Normalize()
	y := z.Cross(x)
	r := geometry.Mat3{
		{x.X, x.Y, x.Z},
		{y.X, y.Y, y.Z},
		{z.X, z.Y, z.Z},
	}
	return geometry.NewPose(r, center)
}

// Generate builds the exact scene described by cfg. Observations are noise free and
// only landmarks that project inside the image of a view are observed by it.
func Generate(cfg Config) (*sfm.Scene, error) {
	if cfg.NumViews <= 0 {
		return nil, errors.Errorf("synthetic: %d views", cfg.NumViews)
	}
	in, err := Intrinsic(cfg.Kind, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	if cfg.PriorFrame.Scale == 0 {
		cfg.PriorFrame = geometry.IdentitySimilarity()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	scene := sfm.NewScene()
	scene.Intrinsics[0] = in
	for i := 0; i < cfg.NumViews; i++ {
		theta := 0.0
		if cfg.NumViews > 1 {
			theta = cfg.Arc * (float64(i)/float64(cfg.NumViews-1) - 0.5)
		}
		center := r3.Vector{
			X: cfg.Radius * math.Sin(theta),
			Y: 0.1 * cfg.Radius * math.Sin(3*theta+float64(i)),
			Z: -cfg.Radius * math.Cos(theta),
		}
		pose := LookAt(center, r3.Vector{})
		id := sfm.ViewID(i)
		scene.Poses[sfm.PoseID(i)] = pose
		v := &sfm.View{ID: id, PoseID: sfm.PoseID(i), IntrinsicID: 0, Width: cfg.Width, Height: cfg.Height}
		if cfg.Priors {
			v.Prior = priorFor(pose, cfg, rng)
		}
		scene.Views[id] = v
	}

	for i := 0; i < cfg.NumLandmarks; i++ {
		if l := observe(scene, randomPoint(rng, cfg.Extent)); len(l.Obs) >= 2 {
			scene.Structure[sfm.LandmarkID(i)] = l
		}
	}
	for i := 0; i < cfg.NumControlPoints; i++ {
		scene.ControlPoints[sfm.LandmarkID(i)] = observe(scene, randomPoint(rng, cfg.Extent))
	}
	return scene, nil
}

func randomPoint(rng *rand.Rand, extent float64) r3.Vector {
	return r3.Vector{
		X: extent * (2*rng.Float64() - 1),
		Y: extent * (2*rng.Float64() - 1),
		Z: extent * (2*rng.Float64() - 1),
	}
}

func priorFor(pose geometry.Pose3, cfg Config, rng *rand.Rand) *sfm.Prior {
	center := cfg.PriorFrame.Apply(pose.Center)
	if cfg.PriorNoise > 0 {
		center = center.Add(r3.Vector{
			X: cfg.PriorNoise * rng.NormFloat64(),
			Y: cfg.PriorNoise * rng.NormFloat64(),
			Z: cfg.PriorNoise * rng.NormFloat64(),
		})
	}
	return &sfm.Prior{
		UseCenter:      true,
		Center:         center,
		CenterWeight:   r3.Vector{X: 1, Y: 1, Z: 1},
		UseRotation:    true,
		Rotation:       pose.Rotation.Mul(cfg.PriorFrame.Rotation.T()),
		RotationWeight: 1,
	}
}

// observe projects x into every view of scene that sees it.
func observe(scene *sfm.Scene, x r3.Vector) *sfm.Landmark {
	l := &sfm.Landmark{Obs: make(map[sfm.ViewID]sfm.Observation)}
	l.SetPoint(x)
	for _, id := range scene.ViewIDs() {
		v := scene.Views[id]
		pose := scene.Poses[v.PoseID]
		in := scene.Intrinsics[v.IntrinsicID]
		if in.Kind() != camera.Spherical && pose.Apply(x).Z <= 0 {
			continue
		}
		p := camera.ProjectPoint(in, pose, x)
		if !inside(p, v.Width, v.Height) {
			continue
		}
		l.Obs[id] = sfm.Observation{X: p, FeatureID: uint32(len(l.Obs))}
	}
	return l
}

func inside(p r2.Point, width, height int) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < float64(width) && p.Y < float64(height)
}

// Perturbation sets the noise Perturb adds to a scene.
type Perturbation struct {
	// Rotation is the standard deviation of the angle-axis noise on every pose, in radians.
	Rotation float64
	// Center is the per-axis standard deviation added to every camera center.
	Center float64
	// Focal scales every focal length by (1 + Focal*N(0,1)).
	Focal float64
	// PrincipalPoint is the per-axis standard deviation added to principal points, in pixels.
	PrincipalPoint float64
	// Landmark is the per-axis standard deviation added to every landmark.
	Landmark float64
}

// DefaultPerturbation returns a moderate starting error.
func DefaultPerturbation() Perturbation {
	return Perturbation{
		Rotation:       0.005,
		Center:         0.02,
		Focal:          0.01,
		PrincipalPoint: 2,
		Landmark:       0.02,
	}
}

// Perturb adds noise to the poses, intrinsics and landmarks of scene. Control points
// and observations are left untouched.
func Perturb(scene *sfm.Scene, p Perturbation, rng *rand.Rand) error {
	for _, id := range scene.PoseIDs() {
		pose := scene.Poses[id]
		aa := [3]float64{p.Rotation * rng.NormFloat64(), p.Rotation * rng.NormFloat64(), p.Rotation * rng.NormFloat64()}
		pose.Rotation = geometry.AngleAxisToMatrix(aa).Mul(pose.Rotation)
		pose.Center = pose.Center.Add(jitter(rng, p.Center))
		scene.Poses[id] = pose
	}
	for _, id := range scene.IntrinsicIDs() {
		in := scene.Intrinsics[id]
		params := in.Params()
		if len(params) < 3 {
			continue
		}
		params[0] *= 1 + p.Focal*rng.NormFloat64()
		params[1] += p.PrincipalPoint * rng.NormFloat64()
		params[2] += p.PrincipalPoint * rng.NormFloat64()
		if err := in.UpdateFromParams(params); err != nil {
			return errors.Wrapf(err, "intrinsic %d", id)
		}
	}
	for _, id := range scene.LandmarkIDs() {
		l := scene.Structure[id]
		l.SetPoint(l.Point().Add(jitter(rng, p.Landmark)))
	}
	return nil
}

func jitter(rng *rand.Rand, sigma float64) r3.Vector {
	return r3.Vector{X: sigma * rng.NormFloat64(), Y: sigma * rng.NormFloat64(), Z: sigma * rng.NormFloat64()}
}
