package csv

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	pio "github.com/hed1ad/puguard/pkg/io"
)

// Writer writes scored windows as CSV with a header row.
type Writer struct {
	file   *os.File
	writer *csv.Writer
}

var (
	_ pio.Writer = (*Writer)(nil)
	_ pio.Reader = (*Reader)(nil)
)

// NewWriter creates filename and writes the header.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := &Writer{file: file, writer: csv.NewWriter(file)}
	if err := w.writer.Write([]string{"timestamp", "score", "is_anomaly", "label"}); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Write outputs a single result.
func (w *Writer) Write(res pio.Result) error {
	return w.writer.Write([]string{
		res.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(res.Score, 'g', -1, 64),
		strconv.FormatBool(res.IsAnomaly),
		res.Label.String(),
	})
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []pio.Result) error {
	for _, res := range results {
		if err := w.Write(res); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
