// Package errs defines the error taxonomy shared by the training and evaluation pipeline.
//
// Three kinds abort a job: DataInsufficiencyError, ArtifactIntegrityError and
// DimensionMismatchError. ArchitectureMismatchWarning and NumericInstability are
// degraded-but-continuing conditions that are carried in run metadata instead.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DataInsufficiencyError reports a split or class that has too few rows to continue.
type DataInsufficiencyError struct {
	Stage  string
	Need   int
	Have   int
	Detail string
}

func (e *DataInsufficiencyError) Error() string {
	msg := fmt.Sprintf("insufficient data at %s: need %d rows, have %d", e.Stage, e.Need, e.Have)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// ArtifactIntegrityError reports a model artifact that cannot be used at all.
type ArtifactIntegrityError struct {
	Path    string
	Missing []string
	Reason  string
}

func (e *ArtifactIntegrityError) Error() string {
	var b strings.Builder
	b.WriteString("artifact integrity")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing keys [" + strings.Join(e.Missing, ", ") + "]")
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	return b.String()
}

// DimensionMismatchError reports a width disagreement between a model and its input
// or between a model and one of its weight tensors.
type DimensionMismatchError struct {
	What     string
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for %s: expected %d, got %d", e.What, e.Expected, e.Got)
}

// ArchitectureMismatchWarning tags a model rebuilt from a legacy artifact.
// The model it accompanies is untrained and must not be used for scoring.
type ArchitectureMismatchWarning struct {
	ArtifactKeys []string
	Reason       string
}

func (w ArchitectureMismatchWarning) String() string {
	return "legacy artifact, retraining required: " + w.Reason
}

// NumericInstability counts locally handled numeric events.
type NumericInstability struct {
	// NonFinite is the number of NaN/Inf feature values that were substituted.
	NonFinite int `json:"non_finite"`
	// Clamps is the number of batches where the negative risk was clamped.
	Clamps int `json:"clamps"`
}

// Add accumulates o into n.
func (n *NumericInstability) Add(o NumericInstability) {
	n.NonFinite += o.NonFinite
	n.Clamps += o.Clamps
}

// IsDataInsufficiency reports whether err wraps a DataInsufficiencyError.
func IsDataInsufficiency(err error) bool {
	var target *DataInsufficiencyError
	return errors.As(err, &target)
}

// IsArtifactIntegrity reports whether err wraps an ArtifactIntegrityError.
func IsArtifactIntegrity(err error) bool {
	var target *ArtifactIntegrityError
	return errors.As(err, &target)
}

// IsDimensionMismatch reports whether err wraps a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var target *DimensionMismatchError
	return errors.As(err, &target)
}
