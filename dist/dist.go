package dist

import (
	"math"

	"github.com/pkg/errors"
)

// Stream is the ordered source of randomness shared by a jump kernel and a
// uniform source. Every draw advances the same underlying state, so callers
// must consume it from a single goroutine in a fixed order.
type Stream interface {
	Float64() float64
	NormFloat64() float64
}

// JumpKernel produces one symmetric, zero-mean offset per call.
type JumpKernel interface {
	Jump(s Stream) float64
}

// UniformSource produces one uniform variate per call.
type UniformSource interface {
	Uniform(s Stream) float64
}

// Normal is a symmetric gaussian jump kernel
type Normal struct {
	Scale float64
}

// NewNormal returns a gaussian jump kernel with the given standard deviation
func NewNormal(scale float64) (*Normal, error) {
	if !(scale > 0) || math.IsInf(scale, 1) {
		return nil, errors.Errorf("Invalid jump scale %v: must be positive and finite", scale)
	}
	return &Normal{Scale: scale}, nil
}

// Jump implements JumpKernel
func (n *Normal) Jump(s Stream) float64 {
	return n.Scale * s.NormFloat64()
}

// StdUniform draws from [0,1)
type StdUniform struct{}

// Uniform implements UniformSource
func (StdUniform) Uniform(s Stream) float64 {
	return s.Float64()
}

var logInvSqrt2Pi = -0.5 * math.Log(2*math.Pi)

// LogNormalPDF is the log density of N(mu, sigma^2) at x.
func LogNormalPDF(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return logInvSqrt2Pi - math.Log(sigma) - 0.5*z*z
}
