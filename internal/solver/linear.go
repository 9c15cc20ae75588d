package solver

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// BlockMatrix is a symmetric block-sparse matrix. Only blocks (i, j) with i <= j are stored.
type BlockMatrix struct {
	sizes   []int
	offsets []int
	dim     int
	blocks  map[[2]int]*mat.Dense
}

// NewBlockMatrix creates an empty symmetric block matrix with the given block sizes.
func NewBlockMatrix(sizes []int) *BlockMatrix {
	m := &BlockMatrix{
		sizes:   append([]int(nil), sizes...),
		offsets: make([]int, len(sizes)),
		blocks:  make(map[[2]int]*mat.Dense),
	}
	for i, s := range sizes {
		m.offsets[i] = m.dim
		m.dim += s
	}
	return m
}

// Dim returns the scalar dimension.
func (m *BlockMatrix) Dim() int { return m.dim }

// NumBlockRows returns the number of block rows.
func (m *BlockMatrix) NumBlockRows() int { return len(m.sizes) }

func (m *BlockMatrix) block(i, j int) *mat.Dense {
	key := [2]int{i, j}
	b, ok := m.blocks[key]
	if !ok {
		b = mat.NewDense(m.sizes[i], m.sizes[j], nil)
		m.blocks[key] = b
	}
	return b
}

// AddBlock adds alpha*a to block (i, j), mirroring into the upper triangle when i > j.
func (m *BlockMatrix) AddBlock(i, j int, a mat.Matrix, alpha float64) {
	var src mat.Matrix = a
	if i > j {
		i, j = j, i
		src = a.T()
	}
	dst := m.block(i, j)
	var scaled mat.Dense
	scaled.Scale(alpha, src)
	dst.Add(dst, &scaled)
}

// AddDiagonal adds d element-wise to the scalar diagonal.
func (m *BlockMatrix) AddDiagonal(d []float64) {
	for i, s := range m.sizes {
		b := m.block(i, i)
		for k := 0; k < s; k++ {
			b.Set(k, k, b.At(k, k)+d[m.offsets[i]+k])
		}
	}
}

// Diagonal returns the scalar diagonal.
func (m *BlockMatrix) Diagonal() []float64 {
	d := make([]float64, m.dim)
	for i, s := range m.sizes {
		b, ok := m.blocks[[2]int{i, i}]
		if !ok {
			continue
		}
		for k := 0; k < s; k++ {
			d[m.offsets[i]+k] = b.At(k, k)
		}
	}
	return d
}

// Clone returns a deep copy.
func (m *BlockMatrix) Clone() *BlockMatrix {
	out := NewBlockMatrix(m.sizes)
	for k, b := range m.blocks {
		out.blocks[k] = mat.DenseCopyOf(b)
	}
	return out
}

// MulVec computes dst = M * x.
func (m *BlockMatrix) MulVec(dst, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for key, b := range m.blocks {
		i, j := key[0], key[1]
		xi := mat.NewVecDense(m.sizes[i], x[m.offsets[i]:m.offsets[i]+m.sizes[i]])
		xj := mat.NewVecDense(m.sizes[j], x[m.offsets[j]:m.offsets[j]+m.sizes[j]])

		var yi mat.VecDense
		yi.MulVec(b, xj)
		floats.Add(dst[m.offsets[i]:m.offsets[i]+m.sizes[i]], yi.RawVector().Data)
		if i != j {
			var yj mat.VecDense
			yj.MulVec(b.T(), xi)
			floats.Add(dst[m.offsets[j]:m.offsets[j]+m.sizes[j]], yj.RawVector().Data)
		}
	}
}

// Dense expands the matrix into a dense symmetric matrix.
func (m *BlockMatrix) Dense() *mat.SymDense {
	out := mat.NewSymDense(m.dim, nil)
	for key, b := range m.blocks {
		i, j := key[0], key[1]
		r, c := b.Dims()
		for a := 0; a < r; a++ {
			for k := 0; k < c; k++ {
				row, col := m.offsets[i]+a, m.offsets[j]+k
				if i == j && col < row {
					continue
				}
				v := b.At(a, k)
				if i == j && row != col {
					v = 0.5 * (v + b.At(k, a))
				}
				out.SetSym(row, col, v)
			}
		}
	}
	return out
}

// solveDense factorizes a with Cholesky and solves a*x = b.
func solveDense(a *BlockMatrix, b []float64) ([]float64, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a.Dense()); !ok {
		return nil, ErrNotPositiveDefinite
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(len(b), append([]float64(nil), b...))); err != nil {
		return nil, err
	}
	return x.RawVector().Data, nil
}

// SparseBackend solves the reduced camera system in block-sparse form.
type SparseBackend interface {
	Solve(a *BlockMatrix, b []float64, opts *Options) (x []float64, iterations int, err error)
}

type backendEntry struct {
	name     string
	priority int
	backend  SparseBackend
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]backendEntry{}
)

// RegisterSparseBackend makes a sparse backend available under name. Backends with a
// higher priority are preferred by SparseBackends.
func RegisterSparseBackend(name string, priority int, b SparseBackend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = backendEntry{name: name, priority: priority, backend: b}
}

// SparseBackends lists available backends, most preferred first.
func SparseBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	entries := make([]backendEntry, 0, len(backends))
	for _, e := range backends {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		return entries[i].name < entries[j].name
	})
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// IsSparseBackendAvailable reports whether name is registered.
func IsSparseBackendAvailable(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}

func lookupSparseBackend(name string) (SparseBackend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	e, ok := backends[name]
	return e.backend, ok
}

// Names of the built-in backends. block-cholesky is preferred over block-pcg.
const (
	BlockCholeskyBackend = "block-cholesky"
	BlockPCGBackend      = "block-pcg"
)

func init() {
	RegisterSparseBackend(BlockCholeskyBackend, 20, blockCholesky{maxDim: choleskyMaxDim})
	RegisterSparseBackend(BlockPCGBackend, 10, blockPCG{})
}

// choleskyMaxDim is the largest reduced system factorized directly by block-cholesky.
const choleskyMaxDim = 1500

// blockCholesky factorizes the reduced system exactly when it has at most maxDim
// unknowns and hands larger systems to blockPCG.
type blockCholesky struct {
	maxDim int
}

func (c blockCholesky) Solve(a *BlockMatrix, b []float64, opts *Options) ([]float64, int, error) {
	if a.Dim() > c.maxDim {
		return blockPCG{}.Solve(a, b, opts)
	}
	x, err := solveDense(a, b)
	return x, 1, err
}

// blockPCG solves the reduced system with preconditioned conjugate gradients using
// block-sparse matrix-vector products.
type blockPCG struct{}

const pcgRelativeTolerance = 1e-12

func (blockPCG) Solve(a *BlockMatrix, b []float64, opts *Options) ([]float64, int, error) {
	n := a.Dim()
	x := make([]float64, n)
	bNorm := floats.Norm(b, 2)
	if bNorm == 0 {
		return x, 0, nil
	}

	precondition := identityPreconditioner
	if opts.PreconditionerType == Jacobi {
		precondition = newBlockJacobi(a)
	}

	r := append([]float64(nil), b...)
	z := make([]float64, n)
	precondition(z, r)
	p := append([]float64(nil), z...)
	ap := make([]float64, n)
	rz := floats.Dot(r, z)

	iter := 0
	for iter < opts.MaxLinearSolverIterations {
		iter++
		a.MulVec(ap, p)
		pap := floats.Dot(p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			if iter == 1 {
				return nil, iter, ErrNotPositiveDefinite
			}
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) <= pcgRelativeTolerance*bNorm {
			break
		}
		precondition(z, r)
		rzNext := floats.Dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
	}
	return x, iter, nil
}

func identityPreconditioner(dst, src []float64) {
	copy(dst, src)
}

// newBlockJacobi inverts each diagonal block of a. Blocks that cannot be factorized
// fall back to the inverse of their scalar diagonal.
func newBlockJacobi(a *BlockMatrix) func(dst, src []float64) {
	inverses := make([]*mat.Dense, len(a.sizes))
	for i, s := range a.sizes {
		blk := a.block(i, i)
		sym := mat.NewSymDense(s, nil)
		for r := 0; r < s; r++ {
			for c := r; c < s; c++ {
				sym.SetSym(r, c, 0.5*(blk.At(r, c)+blk.At(c, r)))
			}
		}
		var chol mat.Cholesky
		inv := mat.NewDense(s, s, nil)
		if chol.Factorize(sym) {
			var symInv mat.SymDense
			if err := chol.InverseTo(&symInv); err == nil {
				inv.Copy(&symInv)
				inverses[i] = inv
				continue
			}
		}
		for k := 0; k < s; k++ {
			if d := sym.At(k, k); d > 0 {
				inv.Set(k, k, 1/d)
			}
		}
		inverses[i] = inv
	}
	return func(dst, src []float64) {
		for i, s := range a.sizes {
			off := a.offsets[i]
			var y mat.VecDense
			y.MulVec(inverses[i], mat.NewVecDense(s, src[off:off+s]))
			copy(dst[off:off+s], y.RawVector().Data)
		}
	}
}
