package series

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabel(t *testing.T) {
	tests := []struct {
		in      string
		want    Label
		wantErr bool
	}{
		{in: "1", want: Positive},
		{in: " Positive ", want: Positive},
		{in: "CONFIRMED", want: Positive},
		{in: "0", want: Unlabeled},
		{in: "", want: Unlabeled},
		{in: "unlabelled", want: Unlabeled},
		{in: "negative", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLabel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "POSITIVE", Positive.String())
	assert.Equal(t, "UNLABELED", Unlabeled.String())
	assert.Equal(t, "Label(7)", Label(7).String())
	assert.Equal(t, 1.0, Positive.Target())
	assert.Equal(t, 0.0, Unlabeled.Target())
}

func TestSortByTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	in := []Sample{
		{Timestamp: base.Add(2 * time.Hour), Values: []float64{2}},
		{Timestamp: base, Values: []float64{0}},
		{Timestamp: base.Add(time.Hour), Values: []float64{1}},
		{Timestamp: base, Values: []float64{-1}},
	}
	require.False(t, Sorted(in))

	out := SortByTime(in)
	require.True(t, Sorted(out))
	// Ties keep input order.
	assert.Equal(t, []float64{0}, out[0].Values)
	assert.Equal(t, []float64{-1}, out[1].Values)
	assert.Equal(t, []float64{2}, out[3].Values)
	// Input untouched.
	assert.Equal(t, []float64{2}, in[0].Values)
}

func TestWithLabelAndCount(t *testing.T) {
	in := []Sample{{}, {}, {Label: Positive}}
	p, u := CountLabels(in)
	assert.Equal(t, 1, p)
	assert.Equal(t, 2, u)

	out := WithLabel(in, Positive)
	p, u = CountLabels(out)
	assert.Equal(t, 3, p)
	assert.Equal(t, 0, u)
	assert.Equal(t, Unlabeled, in[0].Label)
}
