package split

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/series"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// meter returns n hourly samples where every step-th row is positive.
func meter(n, step int) (positives, unlabeled []series.Sample) {
	for i := 0; i < n; i++ {
		s := series.Sample{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Values:    []float64{float64(i)},
		}
		if i%step == step/2 {
			positives = append(positives, s)
		} else {
			unlabeled = append(unlabeled, s)
		}
	}
	return positives, unlabeled
}

func TestRatiosValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Ratios
		wantErr bool
	}{
		{name: "default", r: Ratios{0.7, 0.2, 0.1}},
		{name: "no test", r: Ratios{0.8, 0.2, 0}},
		{name: "float noise", r: Ratios{0.1 + 0.2, 0.3, 0.4}},
		{name: "short", r: Ratios{0.5, 0.2, 0.1}, wantErr: true},
		{name: "negative", r: Ratios{1.2, -0.2, 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChronologicalScenario(t *testing.T) {
	positives, unlabeled := meter(1000, 20)
	require.Len(t, positives, 50)
	require.Len(t, unlabeled, 950)

	s, err := Chronological(positives, unlabeled, Ratios{0.7, 0.2, 0.1})
	require.NoError(t, err)

	counts := s.Counts()
	assert.Equal(t, ClassCounts{Positive: 35, Unlabeled: 665}, counts[Train])
	assert.Equal(t, ClassCounts{Positive: 10, Unlabeled: 190}, counts[Validation])
	assert.Equal(t, ClassCounts{Positive: 5, Unlabeled: 95}, counts[Test])
	assert.Len(t, s.Train, 700)

	for _, name := range Names {
		rows, err := s.Get(name)
		require.NoError(t, err)
		assert.True(t, series.Sorted(rows), "%s not sorted", name)
	}
}

func TestChronologicalNoLeakage(t *testing.T) {
	positives, unlabeled := meter(600, 10)
	s, err := Chronological(positives, unlabeled, Ratios{0.6, 0.2, 0.2})
	require.NoError(t, err)

	// Within each class, every training row precedes every validation row and so on.
	latest := func(rows []series.Sample, l series.Label) time.Time {
		var t time.Time
		for _, r := range rows {
			if r.Label == l && r.Timestamp.After(t) {
				t = r.Timestamp
			}
		}
		return t
	}
	earliest := func(rows []series.Sample, l series.Label) time.Time {
		t := time.Unix(1<<40, 0)
		for _, r := range rows {
			if r.Label == l && r.Timestamp.Before(t) {
				t = r.Timestamp
			}
		}
		return t
	}
	for _, l := range []series.Label{series.Positive, series.Unlabeled} {
		assert.True(t, latest(s.Train, l).Before(earliest(s.Validation, l)))
		assert.True(t, latest(s.Validation, l).Before(earliest(s.Test, l)))
	}
}

func TestChronologicalRelabelsAndSorts(t *testing.T) {
	positives, unlabeled := meter(200, 10)
	// Shuffle input order and leave labels unset.
	for i, j := 0, len(unlabeled)-1; i < j; i, j = i+1, j-1 {
		unlabeled[i], unlabeled[j] = unlabeled[j], unlabeled[i]
	}
	for i := range positives {
		positives[i].Label = series.Unlabeled
	}

	s, err := Chronological(positives, unlabeled, Ratios{0.7, 0.2, 0.1})
	require.NoError(t, err)
	p, _ := series.CountLabels(append(append(s.Train, s.Validation...), s.Test...))
	assert.Equal(t, 20, p)
	assert.True(t, series.Sorted(s.Train))

	// Inputs are not modified.
	assert.Equal(t, series.Unlabeled, positives[0].Label)
}

func TestChronologicalInsufficient(t *testing.T) {
	positives, unlabeled := meter(200, 10)

	tests := []struct {
		name      string
		positives []series.Sample
		unlabeled []series.Sample
		r         Ratios
	}{
		{name: "no positives", unlabeled: unlabeled, r: Ratios{0.7, 0.2, 0.1}},
		{name: "no unlabeled", positives: positives, r: Ratios{0.7, 0.2, 0.1}},
		{name: "too few positives for test", positives: positives[:3], unlabeled: unlabeled, r: Ratios{0.7, 0.2, 0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Chronological(tt.positives, tt.unlabeled, tt.r)
			require.Error(t, err)
			assert.True(t, errs.IsDataInsufficiency(err))
		})
	}
}

func TestChronologicalZeroTestRatio(t *testing.T) {
	positives, unlabeled := meter(100, 10)
	s, err := Chronological(positives, unlabeled, Ratios{0.8, 0.2, 0})
	require.NoError(t, err)
	assert.Empty(t, s.Test)
	assert.NotEmpty(t, s.Validation)
}

func TestGetUnknown(t *testing.T) {
	_, err := (&Splits{}).Get("holdout")
	assert.Error(t, err)
	assert.False(t, Name("holdout").Valid())
	assert.True(t, Validation.Valid())
}

func TestBoundary(t *testing.T) {
	assert.Equal(t, 700, boundary(1000, 0.7))
	assert.Equal(t, 35, boundary(50, 0.7))
	assert.Equal(t, 855, boundary(950, 0.7+0.2))
	assert.Equal(t, 10, boundary(10, 1.0000001))
	assert.Equal(t, 0, boundary(10, 0))
}
