package train

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/features"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "sgd", mutate: func(c *Config) { c.Optimizer = OptimizerSGD }},
		{name: "unknown model", mutate: func(c *Config) { c.ModelType = "gru" }, wantErr: true},
		{name: "zero hidden", mutate: func(c *Config) { c.HiddenSize = 0 }, wantErr: true},
		{name: "prior one", mutate: func(c *Config) { c.ClassPrior = 1 }, wantErr: true},
		{name: "negative beta", mutate: func(c *Config) { c.Beta = -0.1 }, wantErr: true},
		{name: "no channels", mutate: func(c *Config) { c.Channels = nil }, wantErr: true},
		{name: "blank channel", mutate: func(c *Config) { c.Channels = []string{"p", ""} }, wantErr: true},
		{name: "ratios off", mutate: func(c *Config) { c.TestRatio = 0.3 }, wantErr: true},
		{
			name:    "no validation split",
			mutate:  func(c *Config) { c.TrainRatio, c.ValRatio, c.TestRatio = 0.9, 0, 0.1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigDerived(t *testing.T) {
	cfg := DefaultConfig()

	r := cfg.Recipe()
	assert.Equal(t, cfg.WindowSize, r.WindowSize)
	assert.Equal(t, split.Ratios{Train: 0.7, Validation: 0.2, Test: 0.1}, r.Ratios)
	r.Channels[0] = "changed"
	assert.Equal(t, "active_power", cfg.Channels[0])

	arch := cfg.Architecture(29)
	assert.Equal(t, 29, arch.InputSize)
	assert.Equal(t, 64, arch.HiddenSize)
	assert.Equal(t, 2, arch.NumLayers)
	assert.Equal(t, 0.3, arch.Dropout)
}

// meterPools returns n hourly 4-channel samples split into P and U pools.
// Positives show a collapsed phase current.
func meterPools(n int, rate float64, seed int64) (positives, unlabeled []series.Sample) {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		load := 2 + rng.NormFloat64()*0.1
		ia := load / 0.69
		s := series.Sample{Timestamp: start.Add(time.Duration(i) * time.Hour)}
		if rng.Float64() < rate {
			ia *= 0.1
			s.Label = series.Positive
		}
		s.Values = []float64{load, ia, load / 0.69, load / 0.69}
		if s.Label == series.Positive {
			positives = append(positives, s)
		} else {
			unlabeled = append(unlabeled, s)
		}
	}
	return positives, unlabeled
}

func TestRecipePrepare(t *testing.T) {
	positives, unlabeled := meterPools(400, 0.1, 1)
	recipe := DefaultConfig().Recipe()

	prep, err := recipe.Prepare(positives, unlabeled, nil, split.Train, split.Validation)
	require.NoError(t, err)

	for _, name := range split.Names {
		rows, err := prep.Splits.Get(name)
		require.NoError(t, err)
		m := prep.Matrix(name)
		require.NotNil(t, m)
		assert.Equal(t, len(rows)-recipe.WindowSize, m.Len(), "split %s", name)
		assert.Equal(t, recipe.FeatureNames(), m.Names)
	}
	assert.Equal(t, features.Width(4), len(recipe.FeatureNames()))
}

func TestRecipePrepareRequire(t *testing.T) {
	positives, unlabeled := meterPools(60, 0.2, 2)
	recipe := DefaultConfig().Recipe()
	recipe.WindowSize = 20

	// Test split has about 6 rows, fewer than one window.
	_, err := recipe.Prepare(positives, unlabeled, nil, split.Test)
	require.Error(t, err)
	assert.True(t, errs.IsDataInsufficiency(err))
	assert.Contains(t, err.Error(), "features/test")

	_, err = recipe.Prepare(positives, unlabeled, nil)
	assert.NoError(t, err)
}

func TestCheckFeatureNames(t *testing.T) {
	names := features.Names([]string{"p", "ia"})

	assert.NoError(t, CheckFeatureNames(names, append([]string(nil), names...)))

	err := CheckFeatureNames(names, names[:3])
	require.Error(t, err)
	assert.True(t, errs.IsDimensionMismatch(err))

	swapped := append([]string(nil), names...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	err = CheckFeatureNames(names, swapped)
	require.Error(t, err)
	assert.False(t, errs.IsDimensionMismatch(err))
	assert.Contains(t, err.Error(), "feature 0")
}
