// Package model holds the data and log posterior the sampler targets.
package model

import (
	"math"

	"github.com/pkg/errors"

	"github.com/CraigKelly/prefetch/dist"
)

// Defaults for the normal model: known observation noise and a N(7, 1) prior
// on the mean.
const (
	DefaultSigma     = 3.0
	DefaultPriorMean = 7.0
	DefaultPriorSD   = 1.0
)

// NormalModel is a normal likelihood with known Sigma and a normal prior on
// the unknown mean. It only reads its fields, so LogPosterior is safe for
// concurrent use as long as nobody mutates the model while sampling.
type NormalModel struct {
	Obs       []float64 // Observations
	Sigma     float64   // Known observation standard deviation
	PriorMean float64   // Prior mean of mu
	PriorSD   float64   // Prior standard deviation of mu
}

// NewNormalModel creates a model with default scales and checks it
func NewNormalModel(obs []float64) (*NormalModel, error) {
	m := &NormalModel{
		Obs:       obs,
		Sigma:     DefaultSigma,
		PriorMean: DefaultPriorMean,
		PriorSD:   DefaultPriorSD,
	}

	if err := m.Check(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNormalModelFromFile reads observations and creates a default model
func NewNormalModelFromFile(filename string) (*NormalModel, error) {
	obs, err := ReadObservationsFile(filename)
	if err != nil {
		return nil, err
	}
	return NewNormalModel(obs)
}

// Check returns an error if there is a problem with the model
func (m *NormalModel) Check() error {
	if len(m.Obs) < 1 {
		return errors.New("Model has no observations")
	}
	if !(m.Sigma > 0) || math.IsInf(m.Sigma, 1) {
		return errors.Errorf("Invalid Sigma %v", m.Sigma)
	}
	if !(m.PriorSD > 0) || math.IsInf(m.PriorSD, 1) {
		return errors.Errorf("Invalid prior SD %v", m.PriorSD)
	}
	if math.IsNaN(m.PriorMean) || math.IsInf(m.PriorMean, 0) {
		return errors.Errorf("Invalid prior mean %v", m.PriorMean)
	}
	return nil
}

// LogPosterior is the unnormalized log posterior of mu
func (m *NormalModel) LogPosterior(mu float64) (float64, error) {
	if math.IsNaN(mu) || math.IsInf(mu, 0) {
		return 0, errors.Errorf("Can not evaluate posterior at %v", mu)
	}

	ll := 0.0
	for _, x := range m.Obs {
		ll += dist.LogNormalPDF(x, mu, m.Sigma)
	}

	return dist.LogNormalPDF(mu, m.PriorMean, m.PriorSD) + ll, nil
}

// PosteriorMean is the closed form posterior mean of mu, handy for checking a
// chain.
func (m *NormalModel) PosteriorMean() float64 {
	n := float64(len(m.Obs))
	sum := 0.0
	for _, x := range m.Obs {
		sum += x
	}

	priorPrec := 1.0 / (m.PriorSD * m.PriorSD)
	dataPrec := n / (m.Sigma * m.Sigma)
	return (priorPrec*m.PriorMean + dataPrec*(sum/n)) / (priorPrec + dataPrec)
}

// PosteriorSD is the closed form posterior standard deviation of mu
func (m *NormalModel) PosteriorSD() float64 {
	n := float64(len(m.Obs))
	priorPrec := 1.0 / (m.PriorSD * m.PriorSD)
	dataPrec := n / (m.Sigma * m.Sigma)
	return math.Sqrt(1.0 / (priorPrec + dataPrec))
}
