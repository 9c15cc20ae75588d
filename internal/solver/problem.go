// Package solver implements a sparse nonlinear least-squares engine for bundle adjustment
// style problems: parameter blocks, residual blocks with robust losses, and a
// Levenberg-Marquardt trust region minimizer with Schur elimination.
package solver

import (
	"sort"

	"github.com/pkg/errors"
)

// ParameterBlock is a contiguous vector of parameters owned by the caller.
// The solver reads it at the start of Solve and writes the refined values back
// only when the solution is usable.
type ParameterBlock struct {
	user     []float64
	state    []float64
	constant bool
	fixed    []bool

	index     int
	free      []int
	offset    int
	eliminate bool
	residuals []int
}

// Size returns the block dimension.
func (b *ParameterBlock) Size() int { return len(b.user) }

// TangentSize returns the number of free coordinates, or 0 for a constant block.
func (b *ParameterBlock) TangentSize() int {
	if b.constant {
		return 0
	}
	return len(b.free)
}

func (b *ParameterBlock) variable() bool { return b.TangentSize() > 0 }

func (b *ParameterBlock) updateFree() {
	b.free = b.free[:0]
	for i, f := range b.fixed {
		if !f {
			b.free = append(b.free, i)
		}
	}
}

// ResidualBlock ties a cost function and optional loss to its parameter blocks.
type ResidualBlock struct {
	cost   CostFunction
	loss   LossFunction
	blocks []*ParameterBlock
	index  int
}

// NumResiduals returns the residual dimension.
func (r *ResidualBlock) NumResiduals() int { return r.cost.NumResiduals() }

// Cost returns the cost function of the block.
func (r *ResidualBlock) Cost() CostFunction { return r.cost }

// Loss returns the robust loss of the block, nil for a plain squared penalty.
func (r *ResidualBlock) Loss() LossFunction { return r.loss }

// Problem holds the parameter and residual blocks of a least-squares problem.
// It is not safe for concurrent mutation.
type Problem struct {
	blocks    []*ParameterBlock
	byAddress map[*float64]*ParameterBlock
	residuals []*ResidualBlock
}

// NewProblem creates an empty problem.
func NewProblem() *Problem {
	return &Problem{byAddress: make(map[*float64]*ParameterBlock)}
}

// AddParameterBlock registers values as a parameter block. Adding the same storage
// twice with the same size is a no-op.
func (p *Problem) AddParameterBlock(values []float64) error {
	_, err := p.addParameterBlock(values)
	return err
}

func (p *Problem) addParameterBlock(values []float64) (*ParameterBlock, error) {
	if len(values) == 0 {
		return nil, ErrEmptyParameterBlock
	}
	if b, ok := p.byAddress[&values[0]]; ok {
		if b.Size() != len(values) {
			return nil, errors.Wrapf(ErrBlockSizeMismatch, "registered with size %d, got %d", b.Size(), len(values))
		}
		return b, nil
	}
	b := &ParameterBlock{
		user:   values,
		fixed:  make([]bool, len(values)),
		index:  len(p.blocks),
		offset: -1,
	}
	b.updateFree()
	p.blocks = append(p.blocks, b)
	p.byAddress[&values[0]] = b
	return b, nil
}

func (p *Problem) lookup(values []float64) (*ParameterBlock, error) {
	if len(values) == 0 {
		return nil, ErrEmptyParameterBlock
	}
	b, ok := p.byAddress[&values[0]]
	if !ok {
		return nil, ErrUnknownParameterBlock
	}
	return b, nil
}

// HasParameterBlock reports whether values is registered.
func (p *Problem) HasParameterBlock(values []float64) bool {
	_, err := p.lookup(values)
	return err == nil
}

// SetParameterBlockConstant holds the whole block fixed. It is idempotent.
func (p *Problem) SetParameterBlockConstant(values []float64) error {
	b, err := p.lookup(values)
	if err != nil {
		return err
	}
	b.constant = true
	return nil
}

// IsParameterBlockConstant reports whether the whole block is held fixed.
func (p *Problem) IsParameterBlockConstant(values []float64) bool {
	b, err := p.lookup(values)
	if err != nil {
		return false
	}
	return b.constant
}

// SetParameterBlockSubsetConstant holds the listed coordinates of a block fixed.
// The request is ignored when the whole block is already constant.
func (p *Problem) SetParameterBlockSubsetConstant(values []float64, indices []int) error {
	b, err := p.lookup(values)
	if err != nil {
		return err
	}
	if b.constant {
		return nil
	}
	for _, i := range indices {
		if i < 0 || i >= b.Size() {
			return errors.Errorf("constant index %d out of range for block of size %d", i, b.Size())
		}
	}
	for _, i := range indices {
		b.fixed[i] = true
	}
	b.updateFree()
	return nil
}

// ConstantIndices returns the coordinates held fixed for a block: all of them when the
// block is constant.
func (p *Problem) ConstantIndices(values []float64) []int {
	b, err := p.lookup(values)
	if err != nil {
		return nil
	}
	var out []int
	for i, f := range b.fixed {
		if b.constant || f {
			out = append(out, i)
		}
	}
	return out
}

// AddResidualBlock adds a residual block. Parameter blocks that are not registered yet
// are added automatically. loss may be nil for a plain squared penalty.
func (p *Problem) AddResidualBlock(cost CostFunction, loss LossFunction, parameters ...[]float64) (*ResidualBlock, error) {
	if cost == nil {
		return nil, ErrNilCostFunction
	}
	sizes := cost.ParameterBlockSizes()
	if len(sizes) != len(parameters) {
		return nil, errors.Errorf("cost function expects %d parameter blocks, got %d", len(sizes), len(parameters))
	}
	seen := make(map[*ParameterBlock]bool, len(parameters))
	blocks := make([]*ParameterBlock, len(parameters))
	for i, values := range parameters {
		if len(values) != sizes[i] {
			return nil, errors.Wrapf(ErrBlockSizeMismatch, "block %d: cost expects %d, got %d", i, sizes[i], len(values))
		}
		b, err := p.addParameterBlock(values)
		if err != nil {
			return nil, err
		}
		if seen[b] {
			return nil, ErrDuplicateParameterBlock
		}
		seen[b] = true
		blocks[i] = b
	}
	rb := &ResidualBlock{cost: cost, loss: loss, blocks: blocks, index: len(p.residuals)}
	for _, b := range blocks {
		b.residuals = append(b.residuals, rb.index)
	}
	p.residuals = append(p.residuals, rb)
	return rb, nil
}

// NumParameterBlocks returns the number of registered parameter blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }

// NumParameters returns the total number of parameters.
func (p *Problem) NumParameters() int {
	n := 0
	for _, b := range p.blocks {
		n += b.Size()
	}
	return n
}

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumResiduals returns the total residual dimension.
func (p *Problem) NumResiduals() int {
	n := 0
	for _, r := range p.residuals {
		n += r.NumResiduals()
	}
	return n
}

// ResidualBlocksFor returns the residual blocks that depend on values, in insertion order.
func (p *Problem) ResidualBlocksFor(values []float64) []*ResidualBlock {
	b, err := p.lookup(values)
	if err != nil {
		return nil
	}
	out := make([]*ResidualBlock, len(b.residuals))
	for i, idx := range b.residuals {
		out[i] = p.residuals[idx]
	}
	return out
}

// prepare copies user values into the working state and assigns tangent offsets.
// Variable blocks chosen for elimination are placed after the reduced blocks.
func (p *Problem) prepare(useSchur bool) (reduced, eliminated []*ParameterBlock, dim int) {
	for _, b := range p.blocks {
		b.state = append(b.state[:0], b.user...)
		b.offset = -1
		b.eliminate = false
	}
	if useSchur {
		p.selectEliminationSet()
	}
	for _, b := range p.blocks {
		if !b.variable() {
			continue
		}
		if b.eliminate {
			eliminated = append(eliminated, b)
		} else {
			reduced = append(reduced, b)
		}
	}
	for _, b := range reduced {
		b.offset = dim
		dim += b.TangentSize()
	}
	for _, b := range eliminated {
		b.offset = dim
		dim += b.TangentSize()
	}
	return reduced, eliminated, dim
}

// selectEliminationSet greedily picks an independent set of variable blocks (no two share
// a residual block), visiting low-degree blocks first so landmarks are eliminated and
// cameras stay in the reduced system.
func (p *Problem) selectEliminationSet() {
	var candidates []*ParameterBlock
	for _, b := range p.blocks {
		if b.variable() && len(b.residuals) > 0 {
			candidates = append(candidates, b)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].residuals) < len(candidates[j].residuals)
	})
	for _, b := range candidates {
		independent := true
		for _, ri := range b.residuals {
			for _, other := range p.residuals[ri].blocks {
				if other != b && other.eliminate {
					independent = false
					break
				}
			}
			if !independent {
				break
			}
		}
		if independent {
			b.eliminate = true
		}
	}
	// A reduced system is required for the Schur complement to make sense.
	reducedLeft := false
	for _, b := range p.blocks {
		if b.variable() && !b.eliminate {
			reducedLeft = true
			break
		}
	}
	if !reducedLeft {
		for _, b := range p.blocks {
			b.eliminate = false
		}
	}
}

// commit writes the working state of variable blocks back to caller storage.
func (p *Problem) commit() {
	for _, b := range p.blocks {
		if !b.variable() {
			continue
		}
		for _, i := range b.free {
			b.user[i] = b.state[i]
		}
	}
}
