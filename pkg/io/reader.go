// Package io provides input/output utilities for meter samples and scores.
package io

import (
	"context"
	"time"

	"github.com/hed1ad/puguard/pkg/series"
)

// Reader is the interface for reading meter samples from various sources.
type Reader interface {
	// Read returns the complete dataset in file order.
	Read() ([]series.Sample, error)

	// Stream returns a channel of samples for incremental processing.
	Stream(ctx context.Context) (<-chan series.Sample, error)

	// Channels returns the names of the value columns, in Sample.Values order.
	Channels() []string

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing scored windows.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close flushes and releases resources.
	Close() error
}

// Result is one scored feature window.
type Result struct {
	Timestamp time.Time    `json:"timestamp"`
	Score     float64      `json:"score"`
	IsAnomaly bool         `json:"is_anomaly"`
	Label     series.Label `json:"label"`
}
