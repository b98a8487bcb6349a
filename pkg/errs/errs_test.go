package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsHelpers(t *testing.T) {
	data := &DataInsufficiencyError{Stage: "split/test", Need: 1, Have: 0}
	artifact := &ArtifactIntegrityError{Path: "m.pgm", Missing: []string{"scaler"}}
	dim := &DimensionMismatchError{What: "lstm.weight_hh_l0", Expected: 128, Got: 64}

	tests := []struct {
		name      string
		err       error
		data      bool
		integrity bool
		dimension bool
	}{
		{name: "data", err: data, data: true},
		{name: "wrapped data", err: errors.Wrap(data, "train"), data: true},
		{name: "fmt wrapped artifact", err: fmt.Errorf("load: %w", artifact), integrity: true},
		{name: "stack dimension", err: errors.WithStack(dim), dimension: true},
		{name: "plain", err: errors.New("boom")},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.data, IsDataInsufficiency(tt.err))
			assert.Equal(t, tt.integrity, IsArtifactIntegrity(tt.err))
			assert.Equal(t, tt.dimension, IsDimensionMismatch(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t,
		"insufficient data at split/test: need 1 rows, have 0 (no positives)",
		(&DataInsufficiencyError{Stage: "split/test", Need: 1, Have: 0, Detail: "no positives"}).Error())
	assert.Equal(t,
		"artifact integrity m.pgm: missing keys [scaler, feature_names]",
		(&ArtifactIntegrityError{Path: "m.pgm", Missing: []string{"scaler", "feature_names"}}).Error())
	assert.Equal(t,
		"artifact integrity: bad format",
		(&ArtifactIntegrityError{Reason: "bad format"}).Error())
	assert.Equal(t,
		"dimension mismatch for fc1.weight: expected 64, got 32",
		(&DimensionMismatchError{What: "fc1.weight", Expected: 64, Got: 32}).Error())
	assert.Contains(t, ArchitectureMismatchWarning{Reason: "old keys"}.String(), "old keys")
}

func TestInstabilityAdd(t *testing.T) {
	n := NumericInstability{NonFinite: 2}
	n.Add(NumericInstability{NonFinite: 1, Clamps: 4})
	assert.Equal(t, NumericInstability{NonFinite: 3, Clamps: 4}, n)
}
