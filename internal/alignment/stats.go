package alignment

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sfm-refiner/internal/sfm"
	"sfm-refiner/pkg/geometry"
)

// Stats summarizes a set of residuals.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Summarize returns min/max/mean/median of values. It returns the zero Stats for an
// empty input.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	return Stats{
		Count:  len(values),
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Mean:   stat.Mean(values, nil),
		Median: median(values),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("min %.6g, max %.6g, mean %.6g, median %.6g (n=%d)", s.Min, s.Max, s.Mean, s.Median, s.Count)
}

// FitReport holds the prior fitting statistics of a scene. A field is nil when fewer
// than MinPositionPriors correspondences of that kind exist.
type FitReport struct {
	Position *Stats `json:"position,omitempty"`
	Rotation *Stats `json:"rotation,omitempty"`
}

// FitStatistics compares the scene's pose centers and yaws with their priors.
func FitStatistics(scene *sfm.Scene) FitReport {
	c := CollectCorrespondences(scene)
	var r FitReport
	if len(c.SceneCenters) >= MinPositionPriors {
		s := Summarize(c.PositionResiduals(geometry.IdentitySimilarity()))
		r.Position = &s
	}
	if len(c.SceneYaws) >= MinPositionPriors {
		s := Summarize(c.RotationResiduals())
		r.Rotation = &s
	}
	return r
}
