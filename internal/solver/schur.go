package solver

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	minDiagonal = 1e-6
	maxDiagonal = 1e32
)

// eliminatedRow is the slice of the normal equations belonging to one eliminated block:
// its diagonal block and its coupling with the reduced blocks it shares residuals with.
type eliminatedRow struct {
	block   *ParameterBlock
	hee     *mat.Dense
	w       map[int]*mat.Dense
	reduced []int
}

// normalEquations is J^T J and J^T r split into reduced (F) and eliminated (E) parts.
type normalEquations struct {
	reduced    []*ParameterBlock
	reducedIdx map[*ParameterBlock]int
	elimIdx    map[*ParameterBlock]int
	reducedDim int
	dim        int

	hff      *BlockMatrix
	rows     []eliminatedRow
	gradient []float64
	diagonal []float64
}

func buildNormalEquations(p *Problem, evals []blockEvaluation, reduced, eliminated []*ParameterBlock, dim int) *normalEquations {
	ne := &normalEquations{
		reduced:    reduced,
		reducedIdx: make(map[*ParameterBlock]int, len(reduced)),
		elimIdx:    make(map[*ParameterBlock]int, len(eliminated)),
		dim:        dim,
		gradient:   make([]float64, dim),
		diagonal:   make([]float64, dim),
		rows:       make([]eliminatedRow, len(eliminated)),
	}
	sizes := make([]int, len(reduced))
	for i, b := range reduced {
		ne.reducedIdx[b] = i
		sizes[i] = b.TangentSize()
		ne.reducedDim += sizes[i]
	}
	ne.hff = NewBlockMatrix(sizes)
	for i := range reduced {
		ne.hff.block(i, i)
	}
	for i, b := range eliminated {
		ne.elimIdx[b] = i
		t := b.TangentSize()
		ne.rows[i] = eliminatedRow{block: b, hee: mat.NewDense(t, t, nil), w: make(map[int]*mat.Dense)}
	}

	for ri, rb := range p.residuals {
		ev := &evals[ri]
		r := mat.NewVecDense(len(ev.residuals), ev.residuals)
		for a, ba := range rb.blocks {
			ja := ev.jacobians[a]
			if ja == nil {
				continue
			}
			var g mat.VecDense
			g.MulVec(ja.T(), r)
			addInto(ne.gradient[ba.offset:ba.offset+ba.TangentSize()], g.RawVector().Data)

			for b := a; b < len(rb.blocks); b++ {
				bb := rb.blocks[b]
				jb := ev.jacobians[b]
				if jb == nil {
					continue
				}
				var h mat.Dense
				h.Mul(ja.T(), jb)
				ne.accumulate(ba, bb, &h)
			}
		}
	}

	for i, b := range reduced {
		d := ne.hff.block(i, i)
		for k := 0; k < b.TangentSize(); k++ {
			ne.diagonal[b.offset+k] = d.At(k, k)
		}
	}
	for i := range ne.rows {
		row := &ne.rows[i]
		for k := 0; k < row.block.TangentSize(); k++ {
			ne.diagonal[row.block.offset+k] = row.hee.At(k, k)
		}
		row.reduced = make([]int, 0, len(row.w))
		for f := range row.w {
			row.reduced = append(row.reduced, f)
		}
		sort.Ints(row.reduced)
	}
	return ne
}

// accumulate adds h = J_a^T J_b to the right part of the normal equations.
func (ne *normalEquations) accumulate(a, b *ParameterBlock, h *mat.Dense) {
	ia, aReduced := ne.reducedIdx[a]
	ib, bReduced := ne.reducedIdx[b]
	switch {
	case aReduced && bReduced:
		ne.hff.AddBlock(ia, ib, h, 1)
	case !aReduced && !bReduced:
		// Only a == b is possible: eliminated blocks never share a residual.
		row := &ne.rows[ne.elimIdx[a]]
		row.hee.Add(row.hee, h)
	case !aReduced:
		ne.addCoupling(ne.elimIdx[a], ib, h)
	default:
		ne.addCoupling(ne.elimIdx[b], ia, h.T())
	}
}

func (ne *normalEquations) addCoupling(e, f int, h mat.Matrix) {
	row := &ne.rows[e]
	w, ok := row.w[f]
	if !ok {
		r, c := h.Dims()
		w = mat.NewDense(r, c, nil)
		row.w[f] = w
	}
	w.Add(w, h)
}

// maxGradient returns the infinity norm of the gradient.
func (ne *normalEquations) maxGradient() float64 {
	var m float64
	for _, g := range ne.gradient {
		m = math.Max(m, math.Abs(g))
	}
	return m
}

// damping returns the Levenberg-Marquardt regularizer diag(J^T J)/mu with the diagonal
// clamped to [minDiagonal, maxDiagonal].
func (ne *normalEquations) damping(mu float64) []float64 {
	d := make([]float64, ne.dim)
	for i, v := range ne.diagonal {
		d[i] = math.Min(math.Max(v, minDiagonal), maxDiagonal) / mu
	}
	return d
}

// solveStep solves (J^T J + D) delta = -g by eliminating the independent blocks and
// solving the reduced system with the configured linear solver. It returns the step
// in tangent coordinates and the number of linear solver iterations.
func (ne *normalEquations) solveStep(mu float64, opts *Options) ([]float64, int, error) {
	damp := ne.damping(mu)

	s := ne.hff.Clone()
	s.AddDiagonal(damp[:ne.reducedDim])
	rhs := make([]float64, ne.reducedDim)
	for i := range rhs {
		rhs[i] = -ne.gradient[i]
	}

	inverses := make([]*mat.Dense, len(ne.rows))
	for i := range ne.rows {
		row := &ne.rows[i]
		b := row.block
		t := b.TangentSize()
		ainv, err := invertDamped(row.hee, damp[b.offset:b.offset+t])
		if err != nil {
			return nil, 0, errors.Wrapf(err, "eliminated block %d", b.index)
		}
		inverses[i] = ainv

		ge := mat.NewVecDense(t, ne.gradient[b.offset:b.offset+t])
		var ainvGe mat.VecDense
		ainvGe.MulVec(ainv, ge)
		for x, f1 := range row.reduced {
			w1 := row.w[f1]
			var w1tAinv mat.Dense
			w1tAinv.Mul(w1.T(), ainv)

			var r mat.VecDense
			r.MulVec(w1.T(), &ainvGe)
			off := ne.reduced[f1].offset
			addInto(rhs[off:off+ne.reduced[f1].TangentSize()], r.RawVector().Data)

			for _, f2 := range row.reduced[x:] {
				var prod mat.Dense
				prod.Mul(&w1tAinv, row.w[f2])
				s.AddBlock(f1, f2, &prod, -1)
			}
		}
	}

	var (
		deltaF []float64
		iters  int
		err    error
	)
	switch {
	case ne.reducedDim == 0:
	case opts.LinearSolverType == SparseSchur:
		backend, ok := lookupSparseBackend(opts.SparseBackend)
		if !ok {
			return nil, 0, errors.Wrapf(ErrUnknownSparseBackend, "%q", opts.SparseBackend)
		}
		deltaF, iters, err = backend.Solve(s, rhs, opts)
	default:
		deltaF, err = solveDense(s, rhs)
		iters = 1
	}
	if err != nil {
		return nil, iters, err
	}

	delta := make([]float64, ne.dim)
	copy(delta, deltaF)
	for i := range ne.rows {
		row := &ne.rows[i]
		b := row.block
		t := b.TangentSize()
		v := make([]float64, t)
		for k := range v {
			v[k] = -ne.gradient[b.offset+k]
		}
		for _, f := range row.reduced {
			fb := ne.reduced[f]
			var wd mat.VecDense
			wd.MulVec(row.w[f], mat.NewVecDense(fb.TangentSize(), delta[fb.offset:fb.offset+fb.TangentSize()]))
			subFrom(v, wd.RawVector().Data)
		}
		var de mat.VecDense
		de.MulVec(inverses[i], mat.NewVecDense(t, v))
		copy(delta[b.offset:b.offset+t], de.RawVector().Data)
	}
	return delta, iters, nil
}

func invertDamped(h *mat.Dense, damp []float64) (*mat.Dense, error) {
	n := len(damp)
	sym := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			v := 0.5 * (h.At(r, c) + h.At(c, r))
			if r == c {
				v += damp[r]
			}
			sym.SetSym(r, c, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, ErrNotPositiveDefinite
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(&inv), nil
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}

func subFrom(dst, src []float64) {
	for i, v := range src {
		dst[i] -= v
	}
}
