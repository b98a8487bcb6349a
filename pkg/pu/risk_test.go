package pu

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/puguard/pkg/errs"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		est     Estimator
		wantErr bool
	}{
		{name: "default", est: Estimator{Prior: 0.1}},
		{name: "with slack", est: Estimator{Prior: 0.3, Beta: 0.05}},
		{name: "zero prior", est: Estimator{Prior: 0}, wantErr: true},
		{name: "prior one", est: Estimator{Prior: 1}, wantErr: true},
		{name: "negative beta", est: Estimator{Prior: 0.1, Beta: -0.1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.est.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateTerms(t *testing.T) {
	est := Estimator{Prior: 0.2}
	probs := []float64{0.9, 0.7, 0.1, 0.3}
	targets := []float64{1, 1, 0, 0}

	r, grad, err := est.Evaluate(probs, targets)
	require.NoError(t, err)

	assert.InDelta(t, 0.2, r.Positive, 1e-12)          // mean(0.1, 0.3)
	assert.InDelta(t, 0.2, r.UnlabeledNegative, 1e-12) // mean(0.1, 0.3)
	assert.InDelta(t, 0.8, r.UnlabeledPositive, 1e-12) // mean(0.9, 0.7)
	assert.InDelta(t, 0.2-0.2*0.8, r.NegativePart, 1e-12)
	assert.False(t, r.Clamped)
	assert.InDelta(t, 0.2*0.2+0.04, r.Loss, 1e-12)
	assert.Equal(t, 2, r.NumPositive)
	assert.Equal(t, 2, r.NumUnlabeled)

	assert.InDelta(t, -0.2/2, grad[0], 1e-12)
	assert.InDelta(t, 1.2/2, grad[2], 1e-12)
}

func TestEvaluateNoPositives(t *testing.T) {
	est := Estimator{Prior: 0.1}
	probs := []float64{0.2, 0.4, 0.6, 0.8, 0.5}
	targets := []float64{0, 0, 0, 0, 0}

	r, grad, err := est.Evaluate(probs, targets)
	require.NoError(t, err)

	assert.Equal(t, 0.0, r.Positive)
	assert.False(t, math.IsNaN(r.Loss))
	assert.False(t, math.IsInf(r.Loss, 0))
	for _, g := range grad {
		assert.False(t, math.IsNaN(g))
	}
}

func TestEvaluateNoUnlabeled(t *testing.T) {
	r, grad, err := Estimator{Prior: 0.1}.Evaluate([]float64{0.4, 0.9}, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.UnlabeledNegative)
	assert.InDelta(t, 0.1*0.35, r.Loss, 1e-12)
	assert.InDelta(t, -0.05, grad[0], 1e-12)
}

func TestClamp(t *testing.T) {
	// Unlabeled rows scored as confidently negative drive the negative part below zero.
	probs := []float64{0.6, 0.01, 0.02, 0.03}
	targets := []float64{1, 0, 0, 0}

	clamped := 0
	for _, beta := range []float64{0, 0.01, 0.5} {
		est := Estimator{Prior: 0.5, Beta: beta}
		r, grad, err := est.Evaluate(probs, targets)
		require.NoError(t, err)

		if r.NegativePart >= -beta {
			assert.False(t, r.Clamped)
			continue
		}
		assert.True(t, r.Clamped)
		clamped++
		assert.GreaterOrEqual(t, r.Loss, est.Prior*r.Positive)
		assert.InDelta(t, est.Prior*r.Positive+beta, r.Loss, 1e-12)

		// Only the positive term carries gradient.
		assert.InDelta(t, -est.Prior, grad[0], 1e-12)
		for _, g := range grad[1:] {
			assert.Equal(t, 0.0, g)
		}
	}
	assert.Equal(t, 2, clamped)
}

func TestValidateErrorCarriesStack(t *testing.T) {
	err := Estimator{Prior: 2}.Validate()
	require.Error(t, err)
	assert.Contains(t, fmt.Sprintf("%+v", err), "pu.Estimator.Validate")
}

func TestClampBoundaryIsContinuous(t *testing.T) {
	est := Estimator{Prior: 0.5}
	targets := []float64{1, 0}

	// With one U row at p, the negative part is p - 0.5(1-p) = 1.5p - 0.5, zero at p = 1/3.
	boundary := 1.0 / 3
	var prev float64
	for i, p := range []float64{boundary - 1e-6, boundary - 1e-9, boundary, boundary + 1e-9, boundary + 1e-6} {
		r, _, err := est.Evaluate([]float64{0.8, p}, targets)
		require.NoError(t, err)
		if i > 0 {
			assert.InDelta(t, prev, r.Loss, 2e-6)
		}
		prev = r.Loss
	}
}

func TestClampBoundaryJumpsWithBeta(t *testing.T) {
	tests := []struct {
		name string
		beta float64
	}{
		{name: "zero slack", beta: 0},
		{name: "small slack", beta: 0.01},
		{name: "wide slack", beta: 0.2},
	}

	targets := []float64{1, 0}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := Estimator{Prior: 0.5, Beta: tt.beta}
			// 1.5p - 0.5 = -beta at the clamp boundary.
			boundary := (0.5 - tt.beta) / 1.5

			below, _, err := est.Evaluate([]float64{0.8, boundary - 1e-9}, targets)
			require.NoError(t, err)
			above, _, err := est.Evaluate([]float64{0.8, boundary + 1e-9}, targets)
			require.NoError(t, err)

			assert.True(t, below.Clamped)
			assert.False(t, above.Clamped)
			assert.InDelta(t, 0.1+tt.beta, below.Loss, 1e-12)
			assert.InDelta(t, 0.1-tt.beta, above.Loss, 1e-8)
			assert.InDelta(t, 2*tt.beta, below.Loss-above.Loss, 1e-8)
		})
	}
}

func TestEvaluateLengthMismatch(t *testing.T) {
	_, _, err := Estimator{Prior: 0.1}.Evaluate([]float64{0.5}, []float64{1, 0})
	require.Error(t, err)
	assert.True(t, errs.IsDimensionMismatch(err))
}

func BenchmarkEvaluate(b *testing.B) {
	probs := make([]float64, 1024)
	targets := make([]float64, 1024)
	for i := range probs {
		probs[i] = float64(i%97) / 97
		if i%20 == 0 {
			targets[i] = 1
		}
	}
	est := Estimator{Prior: 0.1}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		est.Evaluate(probs, targets)
	}
}
