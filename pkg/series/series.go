// Package series holds the raw electricity-meter samples consumed by the pipeline.
package series

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Label marks whether a sample is a confirmed anomaly or unreviewed.
type Label int

const (
	// Unlabeled samples have unknown ground truth and may hide positives.
	Unlabeled Label = iota
	// Positive samples were externally confirmed as anomalous.
	Positive
)

func (l Label) String() string {
	switch l {
	case Positive:
		return "POSITIVE"
	case Unlabeled:
		return "UNLABELED"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// Target returns the binary training target for the label (1 for P, 0 for U).
func (l Label) Target() float64 {
	if l == Positive {
		return 1
	}
	return 0
}

// ParseLabel accepts the spellings used by meter exports.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "p", "pos", "positive", "confirmed":
		return Positive, nil
	case "0", "u", "unlabeled", "unlabelled", "":
		return Unlabeled, nil
	}
	return Unlabeled, errors.Errorf("unknown label %q", s)
}

// Sample is one meter reading. Samples are treated as immutable once loaded.
type Sample struct {
	Timestamp time.Time
	Values    []float64
	Label     Label
}

// Sorted reports whether samples are in non-decreasing timestamp order.
func Sorted(samples []Sample) bool {
	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp.Before(samples[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// SortByTime returns a timestamp-ordered copy. Ties keep their input order.
func SortByTime(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// CountLabels returns the number of positive and unlabeled samples.
func CountLabels(samples []Sample) (positives, unlabeled int) {
	for _, s := range samples {
		if s.Label == Positive {
			positives++
		} else {
			unlabeled++
		}
	}
	return positives, unlabeled
}

// WithLabel returns a copy of samples relabeled as l.
func WithLabel(samples []Sample, l Label) []Sample {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		s.Label = l
		out[i] = s
	}
	return out
}
