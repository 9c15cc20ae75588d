// Package project provides scene file handling and persistence.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"sfm-refiner/internal/camera"
	"sfm-refiner/internal/sfm"
	"sfm-refiner/pkg/geometry"
)

// FormatVersion is the scene file version written by Save.
const FormatVersion = 1

// ErrUnsupportedVersion is returned when loading a file written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported scene file version")

// File represents a scene file (.sfm.json).
type File struct {
	Version  int       `json:"version"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	// RootPath is the image directory, relative to the scene file unless absolute.
	RootPath string `json:"root_path,omitempty"`

	Views         []ViewRecord      `json:"views"`
	Intrinsics    []IntrinsicRecord `json:"intrinsics"`
	Poses         []PoseRecord      `json:"extrinsics"`
	Structure     []LandmarkRecord  `json:"structure"`
	ControlPoints []LandmarkRecord  `json:"control_points,omitempty"`
}

// ViewRecord is one image.
type ViewRecord struct {
	ID          uint32       `json:"id"`
	PoseID      uint32       `json:"pose_id"`
	IntrinsicID uint32       `json:"intrinsic_id"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	ImagePath   string       `json:"image,omitempty"`
	Prior       *PriorRecord `json:"prior,omitempty"`
}

// PriorRecord is the motion prior of a view.
type PriorRecord struct {
	UseCenter      bool          `json:"use_center"`
	Center         [3]float64    `json:"center"`
	CenterWeight   [3]float64    `json:"center_weight"`
	UseRotation    bool          `json:"use_rotation"`
	Rotation       geometry.Mat3 `json:"rotation"`
	RotationWeight float64       `json:"rotation_weight"`
}

// IntrinsicRecord is a camera model with its parameter vector.
type IntrinsicRecord struct {
	ID     uint32    `json:"id"`
	Kind   string    `json:"kind"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Params []float64 `json:"params"`
}

// PoseRecord is a camera pose as rotation and center.
type PoseRecord struct {
	ID       uint32        `json:"id"`
	Rotation geometry.Mat3 `json:"rotation"`
	Center   [3]float64    `json:"center"`
}

// LandmarkRecord is a 3D point with its observations.
type LandmarkRecord struct {
	ID           uint32              `json:"id"`
	X            [3]float64          `json:"X"`
	Observations []ObservationRecord `json:"observations"`
}

// ObservationRecord is a 2D feature of a landmark in one view.
type ObservationRecord struct {
	ViewID    uint32     `json:"view_id"`
	FeatureID uint32     `json:"feature_id"`
	X         [2]float64 `json:"x"`
}

// New creates an empty scene file.
func New(name string) *File {
	now := time.Now()
	return &File{
		Version:  FormatVersion,
		Name:     name,
		Created:  now,
		Modified: now,
	}
}

// FromScene records the state of scene. Records are sorted by id.
func FromScene(name string, scene *sfm.Scene) *File {
	f := New(name)
	f.RootPath = scene.RootPath
	for _, id := range scene.ViewIDs() {
		v := scene.Views[id]
		rec := ViewRecord{
			ID:          uint32(v.ID),
			PoseID:      uint32(v.PoseID),
			IntrinsicID: uint32(v.IntrinsicID),
			Width:       v.Width,
			Height:      v.Height,
			ImagePath:   v.ImagePath,
		}
		if p := v.Prior; p != nil {
			rec.Prior = &PriorRecord{
				UseCenter:      p.UseCenter,
				Center:         geometry.VecToArray(p.Center),
				CenterWeight:   geometry.VecToArray(p.CenterWeight),
				UseRotation:    p.UseRotation,
				Rotation:       p.Rotation,
				RotationWeight: p.RotationWeight,
			}
		}
		f.Views = append(f.Views, rec)
	}
	for _, id := range scene.IntrinsicIDs() {
		in := scene.Intrinsics[id]
		f.Intrinsics = append(f.Intrinsics, IntrinsicRecord{
			ID:     uint32(id),
			Kind:   in.Kind().String(),
			Width:  in.Width(),
			Height: in.Height(),
			Params: in.Params(),
		})
	}
	for _, id := range scene.PoseIDs() {
		p := scene.Poses[id]
		f.Poses = append(f.Poses, PoseRecord{ID: uint32(id), Rotation: p.Rotation, Center: geometry.VecToArray(p.Center)})
	}
	for _, id := range scene.LandmarkIDs() {
		f.Structure = append(f.Structure, landmarkRecord(id, scene.Structure[id]))
	}
	for _, id := range scene.ControlPointIDs() {
		f.ControlPoints = append(f.ControlPoints, landmarkRecord(id, scene.ControlPoints[id]))
	}
	return f
}

func landmarkRecord(id sfm.LandmarkID, l *sfm.Landmark) LandmarkRecord {
	rec := LandmarkRecord{ID: uint32(id), X: l.X, Observations: []ObservationRecord{}}
	for _, vid := range l.ViewIDs() {
		obs := l.Obs[vid]
		rec.Observations = append(rec.Observations, ObservationRecord{
			ViewID:    uint32(vid),
			FeatureID: obs.FeatureID,
			X:         [2]float64{obs.X.X, obs.X.Y},
		})
	}
	return rec
}

// Scene rebuilds the scene recorded in the file.
func (f *File) Scene() (*sfm.Scene, error) {
	if f.Version > FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", f.Version)
	}
	scene := sfm.NewScene()
	scene.RootPath = f.RootPath
	for _, rec := range f.Views {
		v := &sfm.View{
			ID:          sfm.ViewID(rec.ID),
			PoseID:      sfm.PoseID(rec.PoseID),
			IntrinsicID: sfm.IntrinsicID(rec.IntrinsicID),
			Width:       rec.Width,
			Height:      rec.Height,
			ImagePath:   rec.ImagePath,
		}
		if p := rec.Prior; p != nil {
			v.Prior = &sfm.Prior{
				UseCenter:      p.UseCenter,
				Center:         geometry.VecFromArray(p.Center),
				CenterWeight:   geometry.VecFromArray(p.CenterWeight),
				UseRotation:    p.UseRotation,
				Rotation:       p.Rotation,
				RotationWeight: p.RotationWeight,
			}
		}
		scene.Views[v.ID] = v
	}
	for _, rec := range f.Intrinsics {
		kind, err := camera.ParseKind(rec.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "intrinsic %d", rec.ID)
		}
		in, err := camera.New(kind, rec.Width, rec.Height, rec.Params)
		if err != nil {
			return nil, errors.Wrapf(err, "intrinsic %d", rec.ID)
		}
		scene.Intrinsics[sfm.IntrinsicID(rec.ID)] = in
	}
	for _, rec := range f.Poses {
		scene.Poses[sfm.PoseID(rec.ID)] = geometry.NewPose(rec.Rotation, geometry.VecFromArray(rec.Center))
	}
	for _, rec := range f.Structure {
		scene.Structure[sfm.LandmarkID(rec.ID)] = rec.landmark()
	}
	for _, rec := range f.ControlPoints {
		scene.ControlPoints[sfm.LandmarkID(rec.ID)] = rec.landmark()
	}
	return scene, nil
}

func (rec LandmarkRecord) landmark() *sfm.Landmark {
	l := &sfm.Landmark{X: rec.X, Obs: make(map[sfm.ViewID]sfm.Observation, len(rec.Observations))}
	for _, o := range rec.Observations {
		l.Obs[sfm.ViewID(o.ViewID)] = sfm.Observation{X: r2.Point{X: o.X[0], Y: o.X[1]}, FeatureID: o.FeatureID}
	}
	return l
}

// Load loads a scene file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	return &f, nil
}

// Save saves the file.
func (f *File) Save(path string) error {
	f.Modified = time.Now()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// LoadScene loads a scene file and rebuilds its scene.
func LoadScene(path string) (*sfm.Scene, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return f.Scene()
}

// SaveScene writes scene to path, named after the file.
func SaveScene(path string, scene *sfm.Scene) error {
	name := filepath.Base(path)
	return FromScene(name, scene).Save(path)
}

// GetImageRoot returns the absolute image directory of a file saved at projectPath.
func (f *File) GetImageRoot(projectPath string) string {
	if f.RootPath == "" {
		return filepath.Dir(projectPath)
	}
	if filepath.IsAbs(f.RootPath) {
		return f.RootPath
	}
	return filepath.Join(filepath.Dir(projectPath), f.RootPath)
}

// RelocateRoot rewrites a relative RootPath so that a file read from "from" resolves to
// the same image directory once saved at "to". Absolute roots are kept.
func (f *File) RelocateRoot(from, to string) error {
	if filepath.IsAbs(f.RootPath) {
		return nil
	}
	root, err := filepath.Abs(f.GetImageRoot(from))
	if err != nil {
		return errors.Wrap(err, "resolve image root")
	}
	dir, err := filepath.Abs(filepath.Dir(to))
	if err != nil {
		return errors.Wrap(err, "resolve output directory")
	}
	rel, err := filepath.Rel(dir, root)
	if err != nil {
		f.RootPath = root
		return nil
	}
	if rel == "." {
		rel = ""
	}
	f.RootPath = rel
	return nil
}
