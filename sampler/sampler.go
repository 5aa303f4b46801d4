package sampler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/CraigKelly/prefetch/dist"
	"github.com/CraigKelly/prefetch/tree"
)

// A Sampler advances a chain from state x with trusted log density e and
// returns the realized steps.
type Sampler interface {
	Sample(ctx context.Context, x, e float64) (*tree.SubChain, error)
	BatchCost() int // posterior evaluations per Sample call
}

// Prefetch samples by building, evaluating and walking one proposal tree per
// call. Jumps and acceptance draws share Stream in that order.
type Prefetch struct {
	Posterior tree.Posterior
	Jump      dist.JumpKernel
	Uniform   dist.UniformSource
	Stream    dist.Stream
	Size      int
	Config    tree.Config
}

// NewPrefetch checks the tree settings and returns a ready sampler
func NewPrefetch(post tree.Posterior, jump dist.JumpKernel, uni dist.UniformSource, s dist.Stream, size int, cfg tree.Config) (*Prefetch, error) {
	if post == nil {
		return nil, errors.New("No posterior supplied")
	}
	if jump == nil || uni == nil || s == nil {
		return nil, errors.New("Jump kernel, uniform source and stream are required")
	}
	if err := tree.CheckSize(size, cfg.AllowIncomplete); err != nil {
		return nil, err
	}

	p := &Prefetch{
		Posterior: post,
		Jump:      jump,
		Uniform:   uni,
		Stream:    s,
		Size:      size,
		Config:    cfg,
	}
	return p, nil
}

// NewMetropolis is a plain serial random walk Metropolis sampler: a one node
// tree is a single propose/accept step.
func NewMetropolis(post tree.Posterior, jump dist.JumpKernel, uni dist.UniformSource, s dist.Stream) (*Prefetch, error) {
	return NewPrefetch(post, jump, uni, s, 1, tree.Config{Workers: 1})
}

// Sample implements Sampler
func (p *Prefetch) Sample(ctx context.Context, x, e float64) (*tree.SubChain, error) {
	tr, err := tree.New(x, e, p.Posterior, p.Jump, p.Stream, p.Size, p.Config)
	if err != nil {
		return nil, errors.Wrap(err, "Could not build proposal tree")
	}
	return tr.Draw(ctx, p.Uniform, p.Stream)
}

// BatchCost implements Sampler
func (p *Prefetch) BatchCost() int {
	return p.Size
}
