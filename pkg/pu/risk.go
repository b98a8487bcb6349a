// Package pu implements the non-negative positive-unlabeled risk estimator.
//
// With sigmoid loss on a probability output p, the loss of predicting "positive"
// is 1-p and the loss of predicting "negative" is p. For class prior π:
//
//	R⁺   = mean over P of (1-p)
//	R⁻ᵤ  = mean over U of p
//	R⁺ᵤ  = mean over U of (1-p)
//	risk = π·R⁺ + R⁻ᵤ − π·R⁺ᵤ
//
// When the negative part R⁻ᵤ − π·R⁺ᵤ drops below −β the estimator emits π·R⁺ + β
// and reports a clamp.
package pu

import (
	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/errs"
)

// Estimator computes the non-negative PU risk for one batch.
type Estimator struct {
	// Prior is the assumed fraction of positives hidden in the unlabeled pool.
	Prior float64
	// Beta is the slack below zero tolerated before clamping.
	Beta float64
}

// Validate checks the estimator parameters.
func (e Estimator) Validate() error {
	if e.Prior <= 0 || e.Prior >= 1 {
		return errors.Errorf("class prior must be in (0, 1), got %g", e.Prior)
	}
	if e.Beta < 0 {
		return errors.Errorf("beta must be non-negative, got %g", e.Beta)
	}
	return nil
}

// Risk is the result of one evaluation.
type Risk struct {
	Loss float64 `json:"loss"`
	// Positive is R⁺.
	Positive float64 `json:"positive"`
	// UnlabeledNegative is R⁻ᵤ.
	UnlabeledNegative float64 `json:"unlabeled_negative"`
	// UnlabeledPositive is R⁺ᵤ.
	UnlabeledPositive float64 `json:"unlabeled_positive"`
	// NegativePart is R⁻ᵤ − π·R⁺ᵤ before clamping.
	NegativePart float64 `json:"negative_part"`
	// Clamped reports a negative-risk event.
	Clamped bool `json:"clamped"`

	NumPositive  int `json:"num_positive"`
	NumUnlabeled int `json:"num_unlabeled"`
}

// Evaluate returns the risk of probs against targets (1 for P, 0 for U) and the
// gradient of the emitted loss with respect to each probability. Classes absent
// from the batch contribute a zero term.
func (e Estimator) Evaluate(probs, targets []float64) (Risk, []float64, error) {
	if len(probs) != len(targets) {
		return Risk{}, nil, &errs.DimensionMismatchError{What: "risk targets", Expected: len(probs), Got: len(targets)}
	}

	var r Risk
	var sumPos, sumUNeg, sumUPos float64
	for i, p := range probs {
		if targets[i] >= 0.5 {
			r.NumPositive++
			sumPos += 1 - p
		} else {
			r.NumUnlabeled++
			sumUNeg += p
			sumUPos += 1 - p
		}
	}
	if r.NumPositive > 0 {
		r.Positive = sumPos / float64(r.NumPositive)
	}
	if r.NumUnlabeled > 0 {
		r.UnlabeledNegative = sumUNeg / float64(r.NumUnlabeled)
		r.UnlabeledPositive = sumUPos / float64(r.NumUnlabeled)
	}

	r.NegativePart = r.UnlabeledNegative - e.Prior*r.UnlabeledPositive
	r.Clamped = r.NegativePart < -e.Beta
	if r.Clamped {
		r.Loss = e.Prior*r.Positive + e.Beta
	} else {
		r.Loss = e.Prior*r.Positive + r.NegativePart
	}

	grad := make([]float64, len(probs))
	for i := range probs {
		switch {
		case targets[i] >= 0.5:
			grad[i] = -e.Prior / float64(r.NumPositive)
		case !r.Clamped:
			grad[i] = (1 + e.Prior) / float64(r.NumUnlabeled)
		}
	}
	return r, grad, nil
}
