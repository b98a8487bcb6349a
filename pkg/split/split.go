// Package split partitions labeled and unlabeled samples chronologically into
// train, validation and test sets.
//
// Each label class is cut independently along its own time order and the
// matching slices are merged afterwards. Cutting the merged stream once would
// let a burst of rare positives land entirely in one split.
package split

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/series"
)

// Name identifies one of the three splits.
type Name string

const (
	Train      Name = "train"
	Validation Name = "validation"
	Test       Name = "test"
)

// Names lists the splits in chronological order.
var Names = []Name{Train, Validation, Test}

// Valid reports whether n names one of the three splits.
func (n Name) Valid() bool {
	return n == Train || n == Validation || n == Test
}

const ratioTolerance = 1e-6

// Ratios are the fractions of each class assigned to each split.
type Ratios struct {
	Train      float64 `json:"train"`
	Validation float64 `json:"validation"`
	Test       float64 `json:"test"`
}

// Validate checks the ratios are non-negative and sum to one.
func (r Ratios) Validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return errors.Errorf("split ratios must be non-negative: %+v", r)
	}
	if sum := r.Train + r.Validation + r.Test; math.Abs(sum-1) > ratioTolerance {
		return errors.Errorf("split ratios must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// Splits holds the three time-ordered partitions.
type Splits struct {
	Train      []series.Sample
	Validation []series.Sample
	Test       []series.Sample
}

// Get returns the partition called name.
func (s *Splits) Get(name Name) ([]series.Sample, error) {
	switch name {
	case Train:
		return s.Train, nil
	case Validation:
		return s.Validation, nil
	case Test:
		return s.Test, nil
	}
	return nil, errors.Errorf("unknown split %q", name)
}

// ClassCounts are the per-class row counts of one split.
type ClassCounts struct {
	Positive  int `json:"positive"`
	Unlabeled int `json:"unlabeled"`
}

// Counts reports per-class counts for every split.
func (s *Splits) Counts() map[Name]ClassCounts {
	out := make(map[Name]ClassCounts, len(Names))
	for _, name := range Names {
		rows, _ := s.Get(name)
		p, u := series.CountLabels(rows)
		out[name] = ClassCounts{Positive: p, Unlabeled: u}
	}
	return out
}

// Chronological splits positives and unlabeled samples independently by position
// and merges the per-split slices back into timestamp order.
//
// Inputs are copied and relabeled from the pool they came from, so callers may pass
// raw candidate events without setting Label. Every split must end up with at
// least one row of each class, otherwise a DataInsufficiencyError is returned.
func Chronological(positives, unlabeled []series.Sample, r Ratios) (*Splits, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if len(positives) == 0 {
		return nil, &errs.DataInsufficiencyError{Stage: "split", Need: 1, Have: 0, Detail: "no positive rows"}
	}
	if len(unlabeled) == 0 {
		return nil, &errs.DataInsufficiencyError{Stage: "split", Need: 1, Have: 0, Detail: "no unlabeled rows"}
	}

	p := cut(series.SortByTime(series.WithLabel(positives, series.Positive)), r)
	u := cut(series.SortByTime(series.WithLabel(unlabeled, series.Unlabeled)), r)

	out := &Splits{
		Train:      merge(p[0], u[0]),
		Validation: merge(p[1], u[1]),
		Test:       merge(p[2], u[2]),
	}

	for i, name := range Names {
		// A zero ratio legitimately yields an empty split.
		if ratioOf(r, name) == 0 {
			continue
		}
		if len(p[i]) == 0 {
			return out, errors.WithStack(&errs.DataInsufficiencyError{
				Stage:  "split/" + string(name),
				Need:   1,
				Have:   0,
				Detail: fmt.Sprintf("no positive rows (pool of %d positives)", len(positives)),
			})
		}
		if len(u[i]) == 0 {
			return out, errors.WithStack(&errs.DataInsufficiencyError{
				Stage:  "split/" + string(name),
				Need:   1,
				Have:   0,
				Detail: fmt.Sprintf("no unlabeled rows (pool of %d unlabeled)", len(unlabeled)),
			})
		}
	}

	return out, nil
}

func ratioOf(r Ratios, name Name) float64 {
	switch name {
	case Train:
		return r.Train
	case Validation:
		return r.Validation
	default:
		return r.Test
	}
}

// cut slices one sorted class into three positional pieces.
func cut(rows []series.Sample, r Ratios) [3][]series.Sample {
	n := len(rows)
	trainEnd := boundary(n, r.Train)
	valEnd := boundary(n, r.Train+r.Validation)
	if valEnd < trainEnd {
		valEnd = trainEnd
	}
	return [3][]series.Sample{rows[:trainEnd], rows[trainEnd:valEnd], rows[valEnd:]}
}

// boundary converts a cumulative fraction into an index, absorbing float error so
// that 0.7*1000 yields 700 rather than 699.
func boundary(n int, frac float64) int {
	idx := int(math.Floor(float64(n)*frac + ratioTolerance))
	if idx > n {
		return n
	}
	if idx < 0 {
		return 0
	}
	return idx
}

// merge concatenates the two class slices and restores timestamp order.
func merge(a, b []series.Sample) []series.Sample {
	rows := make([]series.Sample, 0, len(a)+len(b))
	rows = append(rows, a...)
	rows = append(rows, b...)
	return series.SortByTime(rows)
}
