// Package tree implements a prefetching proposal tree for a single Metropolis
// chain. Every short-term future of the chain is laid out as a complete binary
// tree, all proposal densities are evaluated concurrently, and a cheap serial
// walk then resolves which path the chain actually took.
package tree

import (
	"context"
	"math"
	"math/bits"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/CraigKelly/prefetch/dist"
)

// Sentinel errors, matched with errors.Is
var (
	ErrInvalidConfig = errors.New("invalid proposal tree configuration")
	ErrUniformRange  = errors.New("uniform variate outside (0, 1]")
)

// Posterior maps a state to its (possibly unnormalized) log density. It is
// called concurrently with different arguments, so it must be safe for
// concurrent use and deterministic per input.
type Posterior func(x float64) (float64, error)

// Config controls tree shape checks, the walk and the evaluation pool.
type Config struct {
	Workers         int  // Max concurrent posterior calls; <= 0 means GOMAXPROCS
	Walk            Walk // How the walk moves between nodes
	AllowIncomplete bool // Accept any odd size, not just 2^L-1
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// node is one hypothetical chain position
type node struct {
	current  float64 // state assumed already accepted
	proposal float64 // current plus one jump
	density  float64 // log density of proposal, set by Evaluate
}

// Tree is a complete binary tree of proposals stored in index order. A Tree is
// built, evaluated and walked by a single goroutine and then discarded.
type Tree struct {
	nodes       []node
	rootDensity float64
	post        Posterior
	cfg         Config
	evaluated   bool
}

// SubChain is the realized path from one walk, earliest first. Values and
// Densities always have the same length.
type SubChain struct {
	Values    []float64
	Densities []float64
	Accepted  []bool
}

// Len is the number of emitted steps
func (s *SubChain) Len() int {
	return len(s.Values)
}

// Last returns the final value and density, which seed the next tree
func (s *SubChain) Last() (float64, float64) {
	last := len(s.Values) - 1
	return s.Values[last], s.Densities[last]
}

// CheckSize returns an ErrInvalidConfig error if a tree of n nodes can not be
// built. Sizes must be 2^L-1 unless allowIncomplete is set, in which case any
// odd size is accepted and walks end early on the partial last level.
func CheckSize(n int, allowIncomplete bool) error {
	if n < 1 || n%2 == 0 {
		return errors.Wrapf(ErrInvalidConfig, "Tree size %d must be odd and positive", n)
	}
	if !allowIncomplete && (n+1)&n != 0 {
		return errors.Wrapf(ErrInvalidConfig, "Tree size %d is not 2^L-1 (complete tree)", n)
	}
	return nil
}

// New builds a tree of n nodes rooted at state x. The caller asserts that e is
// exactly post(x); it is trusted and never recomputed. All n jumps are drawn
// from s, in index order, before any node is built. No posterior calls are
// made until Evaluate or Draw.
func New(x, e float64, post Posterior, jump dist.JumpKernel, s dist.Stream, n int, cfg Config) (*Tree, error) {
	if err := CheckSize(n, cfg.AllowIncomplete); err != nil {
		return nil, err
	}
	if post == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "A posterior is required")
	}
	if jump == nil || s == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "A jump kernel and random stream are required")
	}
	if err := cfg.Walk.check(); err != nil {
		return nil, err
	}

	offsets := make([]float64, n)
	for i := range offsets {
		offsets[i] = jump.Jump(s)
	}

	nodes := make([]node, n)
	nodes[0] = node{current: x, proposal: x + offsets[0]}

	// Right children (even) start from the parent's proposal: the branch where
	// the parent accepted. Left children (odd) stay at the parent's current.
	for i := 1; i < n; i++ {
		var current float64
		if i%2 == 0 {
			current = nodes[(i-2)/2].proposal
		} else {
			current = nodes[(i-1)/2].current
		}
		nodes[i] = node{current: current, proposal: current + offsets[i]}
	}

	t := &Tree{
		nodes:       nodes,
		rootDensity: e,
		post:        post,
		cfg:         cfg,
	}
	return t, nil
}

// Len is the node count
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Depth is the number of levels, counting a partial last level.
func (t *Tree) Depth() int {
	return bits.Len(uint(len(t.nodes)))
}

// Evaluated reports whether every proposal density is known
func (t *Tree) Evaluated() bool {
	return t.evaluated
}

// Thetas returns each node's current value in index order
func (t *Tree) Thetas() []float64 {
	thetas := make([]float64, len(t.nodes))
	for i, nd := range t.nodes {
		thetas[i] = nd.current
	}
	return thetas
}

// Proposals returns each node's proposal in index order
func (t *Tree) Proposals() []float64 {
	proposals := make([]float64, len(t.nodes))
	for i, nd := range t.nodes {
		proposals[i] = nd.proposal
	}
	return proposals
}

// Densities returns each proposal's log density in index order, or nil if the
// tree has not been evaluated.
func (t *Tree) Densities() []float64 {
	if !t.evaluated {
		return nil
	}
	dens := make([]float64, len(t.nodes))
	for i, nd := range t.nodes {
		dens[i] = nd.density
	}
	return dens
}

// Evaluate computes every proposal's log density on a bounded pool of
// goroutines and returns once all of them are done. Each call touches only its
// own node. The first posterior failure aborts the whole batch; the tree then
// stays unevaluated. Evaluate is a no-op on an evaluated tree.
func (t *Tree) Evaluate(ctx context.Context) error {
	if t.evaluated {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.workers())

	for i := range t.nodes {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			p := t.nodes[i].proposal
			d, err := t.post(p)
			if err != nil {
				return errors.Wrapf(err, "Posterior failed on node %d (proposal %v)", i, p)
			}
			if math.IsNaN(d) {
				return errors.Errorf("Posterior returned NaN on node %d (proposal %v)", i, p)
			}

			t.nodes[i].density = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	t.evaluated = true
	return nil
}

// Draw evaluates the tree if needed and then walks it from the root, drawing
// one uniform variate from s per visited node and applying the Metropolis rule
// (no Hastings term, so the jump kernel must be symmetric). One (value,
// density) pair is emitted per visited node.
func (t *Tree) Draw(ctx context.Context, uni dist.UniformSource, s dist.Stream) (*SubChain, error) {
	if uni == nil || s == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "A uniform source and random stream are required")
	}
	if err := t.Evaluate(ctx); err != nil {
		return nil, errors.Wrap(err, "Could not evaluate proposal tree")
	}

	size := t.Depth()
	if t.cfg.Walk == WalkLinear {
		size = len(t.nodes)
	}
	sub := &SubChain{
		Values:    make([]float64, 0, size),
		Densities: make([]float64, 0, size),
		Accepted:  make([]bool, 0, size),
	}

	current := t.nodes[0].current
	density := t.rootDensity

	for i := 0; i < len(t.nodes); {
		nd := &t.nodes[i]

		u := uni.Uniform(s)
		if !(u > 0 && u <= 1) {
			return nil, errors.Wrapf(ErrUniformRange, "Got u=%v at node %d", u, i)
		}

		r := nd.density - density
		accept := math.Log(u) <= r
		if accept {
			current = nd.proposal
			density = nd.density
		}

		sub.Values = append(sub.Values, current)
		sub.Densities = append(sub.Densities, density)
		sub.Accepted = append(sub.Accepted, accept)

		i = t.cfg.Walk.next(i, accept)
	}

	return sub, nil
}
