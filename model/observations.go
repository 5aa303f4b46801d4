package model

import (
	"bytes"
	"io"
	"math"
	"io/ioutil"

	"github.com/pkg/errors"
)

// ReadObservations parses whitespace separated numbers. Reading stops quietly
// at the first token that is not a number, so trailing notes in a data file
// are ignored. No numbers at all is an error.
func ReadObservations(r io.Reader) ([]float64, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "Could not READ observations")
	}

	fr := NewFieldReader(string(data))
	obs := make([]float64, 0, fr.Remaining())
	for {
		x, err := fr.ReadFloat()
		if err != nil {
			break
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.Errorf("Observation %d is not finite: %v", len(obs), x)
		}
		obs = append(obs, x)
	}

	if len(obs) < 1 {
		return nil, errors.New("No observations found")
	}

	return obs, nil
}

// ReadObservationsFile reads observations from the named file
func ReadObservationsFile(filename string) ([]float64, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not READ observations from %s", filename)
	}

	obs, err := ReadObservations(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "Could not PARSE observations in %s", filename)
	}

	return obs, nil
}
