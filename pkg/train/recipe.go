package train

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/features"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
)

// Recipe is the data preparation applied identically by the trainer and the
// evaluator: chronological split, then window features per split.
type Recipe struct {
	WindowSize int          `json:"window_size"`
	Channels   []string     `json:"channels"`
	Ratios     split.Ratios `json:"ratios"`
}

// Prepared is the outcome of applying a Recipe.
type Prepared struct {
	Splits   *split.Splits
	Matrices map[split.Name]*features.Matrix
	// NonFinite sums substitutions across all splits.
	NonFinite int
}

// Matrix returns the features of one split.
func (p *Prepared) Matrix(name split.Name) *features.Matrix {
	return p.Matrices[name]
}

// FeatureNames returns the ordered feature names produced by the recipe.
func (r Recipe) FeatureNames() []string {
	return features.Names(r.Channels)
}

// Prepare splits the pools and extracts features for every split independently.
// Each name in require must yield at least one feature row.
func (r Recipe) Prepare(positives, unlabeled []series.Sample, log logrus.FieldLogger, require ...split.Name) (*Prepared, error) {
	if log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		log = quiet
	}

	splits, err := split.Chronological(positives, unlabeled, r.Ratios)
	if err != nil {
		return nil, errors.Wrap(err, "split")
	}

	counts := splits.Counts()
	for _, name := range split.Names {
		log.WithFields(logrus.Fields{
			"split":     name,
			"positive":  counts[name].Positive,
			"unlabeled": counts[name].Unlabeled,
		}).Info("split prepared")
	}

	extractor := features.New(r.WindowSize, r.Channels, features.WithLogger(log))
	out := &Prepared{
		Splits:   splits,
		Matrices: make(map[split.Name]*features.Matrix, len(split.Names)),
	}
	for _, name := range split.Names {
		rows, _ := splits.Get(name)
		m, err := extractor.Extract(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "extract %s features", name)
		}
		out.Matrices[name] = m
		out.NonFinite += m.NonFinite
	}

	for _, name := range require {
		rows, _ := splits.Get(name)
		if err := out.Matrices[name].Require("features/"+string(name), r.WindowSize, len(rows)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CheckFeatureNames fails when two feature schemas differ in length or order.
func CheckFeatureNames(want, got []string) error {
	if len(want) != len(got) {
		return &errs.DimensionMismatchError{What: "feature names", Expected: len(want), Got: len(got)}
	}
	for i := range want {
		if want[i] != got[i] {
			return errors.Errorf("feature %d is %q, expected %q", i, got[i], want[i])
		}
	}
	return nil
}
