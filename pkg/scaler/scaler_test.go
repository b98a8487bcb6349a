package scaler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/puguard/pkg/errs"
)

func TestFitTransform(t *testing.T) {
	s := New()
	require.False(t, s.Fitted())

	x := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
	}
	require.NoError(t, s.Fit(x))
	assert.True(t, s.Fitted())
	assert.Equal(t, 3, s.Width())

	p := s.Params()
	assert.InDeltaSlice(t, []float64{2, 20, 5}, p.Mean, 1e-12)
	// Constant column stores std 1.
	assert.Equal(t, 1.0, p.Std[2])

	out, err := s.Transform(x)
	require.NoError(t, err)
	assert.InDelta(t, 0, out[1][0], 1e-12)
	assert.InDelta(t, -out[0][1], out[2][1], 1e-12)
	for _, row := range out {
		assert.Equal(t, 0.0, row[2])
	}

	// Input is not modified.
	assert.Equal(t, 1.0, x[0][0])
}

func TestFitOnce(t *testing.T) {
	s := New()
	require.NoError(t, s.Fit([][]float64{{1}, {2}}))
	assert.ErrorIs(t, s.Fit([][]float64{{100}, {200}}), ErrAlreadyFitted)
	assert.InDelta(t, 1.5, s.Params().Mean[0], 1e-12)
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name  string
		run   func() error
		check func(error) bool
	}{
		{
			name:  "empty fit",
			run:   func() error { return New().Fit(nil) },
			check: errs.IsDataInsufficiency,
		},
		{
			name:  "ragged fit",
			run:   func() error { return New().Fit([][]float64{{1, 2}, {3}}) },
			check: errs.IsDimensionMismatch,
		},
		{
			name: "transform width",
			run: func() error {
				s := New()
				if err := s.Fit([][]float64{{1, 2}, {3, 4}}); err != nil {
					return err
				}
				_, err := s.Transform([][]float64{{1, 2, 3}})
				return err
			},
			check: errs.IsDimensionMismatch,
		},
		{
			name: "transform before fit",
			run: func() error {
				_, err := New().Transform([][]float64{{1}})
				return err
			},
			check: func(err error) bool { return err == ErrNotFitted },
		},
		{
			name: "bad params",
			run: func() error {
				_, err := FromParams(Params{Mean: []float64{1, 2}, Std: []float64{1}})
				return err
			},
			check: errs.IsDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestFromParams(t *testing.T) {
	fitted := New()
	x := [][]float64{{1, -4}, {5, 2}, {9, 8}}
	require.NoError(t, fitted.Fit(x))

	p := fitted.Params()
	restored, err := FromParams(p)
	require.NoError(t, err)

	// Mutating the source params does not affect the restored scaler.
	p.Mean[0] = 1000

	want, err := fitted.Transform(x)
	require.NoError(t, err)
	got, err := restored.Transform(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
