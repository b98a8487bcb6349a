// Package scaler provides a per-feature standardizer fitted once on training data.
package scaler

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/puguard/pkg/errs"
)

var (
	// ErrAlreadyFitted is returned by a second call to Fit.
	ErrAlreadyFitted = errors.New("scaler already fitted")
	// ErrNotFitted is returned by Transform before Fit or Restore.
	ErrNotFitted = errors.New("scaler not fitted")
)

// Params are the fitted statistics persisted in a model artifact.
type Params struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Standard centers each feature on its training mean and divides by its training
// standard deviation. A zero deviation is stored as 1 so constant features map to 0.
type Standard struct {
	params Params
	fitted bool
}

// New returns an unfitted scaler.
func New() *Standard {
	return &Standard{}
}

// FromParams restores a fitted scaler from persisted parameters.
func FromParams(p Params) (*Standard, error) {
	if len(p.Mean) == 0 || len(p.Mean) != len(p.Std) {
		return nil, &errs.DimensionMismatchError{What: "scaler std", Expected: len(p.Mean), Got: len(p.Std)}
	}
	return &Standard{
		params: Params{
			Mean: append([]float64(nil), p.Mean...),
			Std:  append([]float64(nil), p.Std...),
		},
		fitted: true,
	}, nil
}

// Fit learns per-feature mean and population standard deviation. It may be called once.
func (s *Standard) Fit(x [][]float64) error {
	if s.fitted {
		return ErrAlreadyFitted
	}
	if len(x) == 0 {
		return &errs.DataInsufficiencyError{Stage: "scaler fit", Need: 1, Have: 0}
	}

	width := len(x[0])
	mean := make([]float64, width)
	std := make([]float64, width)
	col := make([]float64, len(x))

	for j := 0; j < width; j++ {
		for i, row := range x {
			if len(row) != width {
				return &errs.DimensionMismatchError{What: "scaler fit row", Expected: width, Got: len(row)}
			}
			col[i] = row[j]
		}
		m, v := stat.PopMeanVariance(col, nil)
		mean[j] = m
		std[j] = sqrtOrOne(v)
	}

	s.params = Params{Mean: mean, Std: std}
	s.fitted = true
	return nil
}

// Transform returns a standardized copy of x.
func (s *Standard) Transform(x [][]float64) ([][]float64, error) {
	if !s.fitted {
		return nil, ErrNotFitted
	}
	width := len(s.params.Mean)
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != width {
			return nil, &errs.DimensionMismatchError{What: "scaler input width", Expected: width, Got: len(row)}
		}
		r := make([]float64, width)
		for j, v := range row {
			r[j] = (v - s.params.Mean[j]) / s.params.Std[j]
		}
		out[i] = r
	}
	return out, nil
}

// Fitted reports whether Fit or FromParams has populated the scaler.
func (s *Standard) Fitted() bool { return s.fitted }

// Width returns the number of features the scaler was fitted on.
func (s *Standard) Width() int { return len(s.params.Mean) }

// Params returns a copy of the fitted statistics.
func (s *Standard) Params() Params {
	return Params{
		Mean: append([]float64(nil), s.params.Mean...),
		Std:  append([]float64(nil), s.params.Std...),
	}
}

func sqrtOrOne(variance float64) float64 {
	if variance <= 0 {
		return 1
	}
	return math.Sqrt(variance)
}
