// Package detectors defines the contract shared by anomaly scorers.
package detectors

import (
	"context"
	"time"
)

// DefaultThreshold separates positive from unlabeled predictions.
const DefaultThreshold = 0.5

// Detector is the common interface for scorers over window feature vectors.
type Detector interface {
	// Predict returns anomaly probabilities for the given feature rows.
	// Scores are in [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly probability for a single feature row.
	PredictOne(sample []float64) (float64, error)

	// InputSize is the feature width the detector expects.
	InputSize() int
}

// StreamDetector extends Detector with streaming capabilities.
type StreamDetector interface {
	Detector

	// PredictStream scores feature rows from a channel until it closes or ctx ends.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// Score represents one scored feature row.
type Score struct {
	// Value is the anomaly probability in [0, 1].
	Value float64
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool
	// Timestamp of the window anchor, when known.
	Timestamp time.Time
	// Features contains the scaled input features.
	Features []float64
	// Err is set when the row could not be scored.
	Err error
}

// Classify applies threshold to scores; values strictly above it are anomalies.
func Classify(scores []float64, threshold float64) []bool {
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s > threshold
	}
	return out
}
