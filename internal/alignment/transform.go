// Package alignment registers a reconstructed scene to the reference frame of its
// motion priors with a robust similarity estimate.
package alignment

import (
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sfm-refiner/pkg/geometry"
)

// Kernel is a minimal-sample model estimator for LeastMedianOfSquares.
type Kernel[M any] interface {
	// MinimumSamples is the sample size needed by Fit.
	MinimumSamples() int
	// NumSamples is the number of data points.
	NumSamples() int
	// Fit estimates a model from the data points at indices.
	Fit(indices []int) (M, error)
	// SquaredResidual returns the squared error of data point i under m.
	SquaredResidual(m M, i int) float64
}

const (
	lmedsOutlierRatio = 0.5
	lmedsConfidence   = 0.99
)

// LMedSIterations returns the number of random samples needed to draw at least one
// outlier-free minimal sample with the given confidence.
func LMedSIterations(minSamples int, outlierRatio, confidence float64) int {
	good := math.Pow(1-outlierRatio, float64(minSamples))
	if good >= 1 {
		return 1
	}
	if good <= 0 {
		return math.MaxInt32
	}
	return int(math.Ceil(math.Log(1-confidence) / math.Log(1-good)))
}

// LeastMedianOfSquares returns the model with the smallest median squared residual
// over random minimal samples, and that median. The median is math.MaxFloat64 when no
// sample produced a model.
func LeastMedianOfSquares[M any](k Kernel[M], iterations int, rng *rand.Rand) (M, float64) {
	var best M
	bestMedian := math.MaxFloat64

	n := k.NumSamples()
	m := k.MinimumSamples()
	if n < m {
		return best, bestMedian
	}

	residuals := make([]float64, n)
	for iter := 0; iter < iterations; iter++ {
		indices := rng.Perm(n)[:m]

		model, err := k.Fit(indices)
		if err != nil {
			continue
		}

		for i := range residuals {
			residuals[i] = k.SquaredResidual(model, i)
		}
		med := median(residuals)
		if math.IsNaN(med) || math.IsInf(med, 0) {
			continue
		}

		if med < bestMedian {
			bestMedian = med
			best = model
		}
	}
	return best, bestMedian
}

// median returns the upper median of values without reordering them.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// SimilarityKernel estimates dst = s*R*src + t from 3D point pairs.
type SimilarityKernel struct {
	Src []r3.Vector
	Dst []r3.Vector
}

// MinimumSamples implements Kernel.
func (k SimilarityKernel) MinimumSamples() int { return 3 }

// NumSamples implements Kernel.
func (k SimilarityKernel) NumSamples() int { return len(k.Src) }

// Fit implements Kernel.
func (k SimilarityKernel) Fit(indices []int) (geometry.Similarity3, error) {
	src := make([]r3.Vector, len(indices))
	dst := make([]r3.Vector, len(indices))
	for i, idx := range indices {
		src[i] = k.Src[idx]
		dst[i] = k.Dst[idx]
	}
	return ComputeSimilarity(src, dst)
}

// SquaredResidual implements Kernel.
func (k SimilarityKernel) SquaredResidual(m geometry.Similarity3, i int) float64 {
	d := m.Apply(k.Src[i]).Sub(k.Dst[i])
	return d.Dot(d)
}

const degenerateRatio = 1e-10

// ComputeSimilarity returns the least-squares similarity mapping src onto dst
// (Umeyama). It fails when the points are degenerate, i.e. coincident or collinear.
func ComputeSimilarity(src, dst []r3.Vector) (geometry.Similarity3, error) {
	if len(src) != len(dst) {
		return geometry.Similarity3{}, errors.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return geometry.Similarity3{}, errors.Errorf("need at least 3 points, got %d", len(src))
	}

	n := float64(len(src))
	muSrc := geometry.Centroid(src)
	muDst := geometry.Centroid(dst)

	cov := mat.NewDense(3, 3, nil)
	var varSrc float64
	for i := range src {
		a := geometry.VecToArray(src[i].Sub(muSrc))
		b := geometry.VecToArray(dst[i].Sub(muDst))
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+b[r]*a[c]/n)
			}
		}
		varSrc += (a[0]*a[0] + a[1]*a[1] + a[2]*a[2]) / n
	}
	if varSrc < degenerateRatio {
		return geometry.Similarity3{}, errors.New("degenerate points: source points coincide")
	}

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return geometry.Similarity3{}, errors.New("SVD failed")
	}
	values := svd.Values(nil)
	if values[1] <= degenerateRatio*values[0] {
		return geometry.Similarity3{}, errors.New("degenerate points: collinear")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	d := mat.NewDiagDense(3, []float64{1, 1, sign})

	var ud, rot mat.Dense
	ud.Mul(&u, d)
	rot.Mul(&ud, v.T())
	rotation := geometry.FromDense(&rot)

	scale := (values[0] + values[1] + sign*values[2]) / varSrc
	t := muDst.Sub(rotation.MulVec(muSrc).Mul(scale))

	return geometry.Similarity3{Scale: scale, Rotation: rotation, Translation: t}, nil
}

// EstimateSimilarity runs LeastMedianOfSquares with a SimilarityKernel, then refits on
// the points whose residual is within the robust LMedS scale of the best model. The
// refit is kept only when it does not increase the median.
func EstimateSimilarity(src, dst []r3.Vector, rng *rand.Rand) (geometry.Similarity3, float64) {
	k := SimilarityKernel{Src: src, Dst: dst}
	iterations := LMedSIterations(k.MinimumSamples(), lmedsOutlierRatio, lmedsConfidence)
	best, med := LeastMedianOfSquares[geometry.Similarity3](k, iterations, rng)
	if med == math.MaxFloat64 {
		return best, med
	}

	n, p := len(src), k.MinimumSamples()
	sigma := 1.4826 * (1 + 5/float64(max(n-p, 1))) * math.Sqrt(med)
	threshold := 2.5 * 2.5 * sigma * sigma

	var inliers []int
	for i := range src {
		if k.SquaredResidual(best, i) <= threshold {
			inliers = append(inliers, i)
		}
	}
	if len(inliers) < p {
		return best, med
	}
	refit, err := k.Fit(inliers)
	if err != nil || !refit.IsFinite() {
		return best, med
	}
	residuals := make([]float64, n)
	for i := range residuals {
		residuals[i] = k.SquaredResidual(refit, i)
	}
	if refitMed := median(residuals); refitMed <= med {
		return refit, refitMed
	}
	return best, med
}
