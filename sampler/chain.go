package sampler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/CraigKelly/prefetch/buffer"
)

// Stats counts the work done growing a chain. Burn-in is not counted.
type Stats struct {
	Batches     int64 // Sampler calls
	Evaluations int64 // Posterior evaluations
	Steps       int64 // Values kept
	Accepts     int64 // Kept values that were accepted proposals
}

// AcceptRate is the fraction of kept steps that accepted their proposal
func (s Stats) AcceptRate() float64 {
	if s.Steps < 1 {
		return 0
	}
	return float64(s.Accepts) / float64(s.Steps)
}

// Chain drives a Sampler, threading the tail state from one batch into the
// next. A Chain is not safe for concurrent use.
type Chain struct {
	Sampler   Sampler
	Values    []float64
	Densities []float64
	Current   float64 // Tail state
	Density   float64 // Log density of Current
	Stats     Stats
	Recent    *buffer.CircularFloat // Most recent values kept

	// OnBatch, if set, sees every batch as it is appended
	OnBatch func(values []float64, densities []float64) error
}

// DefaultWindow is the size of Chain.Recent when none is given
const DefaultWindow = 1000

// NewChain returns a chain ready to go starting from x0. The caller asserts
// that e0 is the exact log density of x0. It even performs burnin: at least
// burnIn steps are taken and thrown away.
func NewChain(ctx context.Context, samp Sampler, x0 float64, e0 float64, burnIn int, window int) (*Chain, error) {
	if samp == nil {
		return nil, errors.New("No sampler supplied")
	}
	if burnIn < 0 {
		return nil, errors.Errorf("Invalid burn in %d", burnIn)
	}
	if window < 1 {
		window = DefaultWindow
	}

	ch := &Chain{
		Sampler: samp,
		Current: x0,
		Density: e0,
		Recent:  buffer.NewCircularFloat(window),
	}

	for taken := 0; taken < burnIn; {
		n, err := ch.oneBatch(ctx, -1, false)
		if err != nil {
			return nil, errors.Wrap(err, "Failure during chain burn in")
		}
		taken += n
	}

	return ch, nil
}

// Len is the number of values kept
func (c *Chain) Len() int {
	return len(c.Values)
}

// Grow samples batches until the chain holds exactly total values. The last
// batch is cut short if needed and the tail is the last value kept. Any batch
// failure stops growth; values kept before it remain.
func (c *Chain) Grow(ctx context.Context, total int) error {
	for len(c.Values) < total {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "Chain growth stopped at %d of %d", len(c.Values), total)
		}

		if _, err := c.oneBatch(ctx, total-len(c.Values), true); err != nil {
			return errors.Wrapf(err, "Chain growth failed at %d of %d", len(c.Values), total)
		}
	}

	return nil
}

// oneBatch runs the sampler once from the tail, keeping at most limit steps
// (limit < 0 keeps all). When updateChain is false the steps only move the
// tail. Returns the number of steps kept.
func (c *Chain) oneBatch(ctx context.Context, limit int, updateChain bool) (int, error) {
	sub, err := c.Sampler.Sample(ctx, c.Current, c.Density)
	if err != nil {
		return 0, errors.Wrap(err, "Error taking sample")
	}
	if sub.Len() < 1 {
		return 0, errors.New("Sampler returned an empty batch")
	}

	keep := sub.Len()
	if limit >= 0 && keep > limit {
		keep = limit
	}

	values := sub.Values[:keep]
	dens := sub.Densities[:keep]
	c.Current = values[keep-1]
	c.Density = dens[keep-1]

	if !updateChain {
		return keep, nil
	}

	c.Stats.Batches++
	c.Stats.Evaluations += int64(c.Sampler.BatchCost())
	c.Stats.Steps += int64(keep)
	for _, acc := range sub.Accepted[:keep] {
		if acc {
			c.Stats.Accepts++
		}
	}

	c.Values = append(c.Values, values...)
	c.Densities = append(c.Densities, dens...)
	c.Recent.AddAll(values)

	if c.OnBatch != nil {
		if err := c.OnBatch(values, dens); err != nil {
			return keep, errors.Wrap(err, "Batch handler failed")
		}
	}

	return keep, nil
}
