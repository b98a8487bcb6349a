// Package csv reads meter exports and writes score tables as CSV.
//
// An export has a timestamp column, one column per channel and an optional label
// column. With a header, columns are located by name; without one the layout is
// timestamp, channels..., [label].
package csv

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/series"
)

const (
	// DefaultTimeColumn is the timestamp header name.
	DefaultTimeColumn = "timestamp"
	// DefaultLabelColumn is the label header name.
	DefaultLabelColumn = "label"
)

// Reader reads samples from CSV files.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	headers   []string

	timeColumn   string
	labelColumn  string
	timeLayout   string
	channels     []string
	defaultLabel series.Label

	timeIdx  int
	labelIdx int
	chanIdx  []int

	skipped int
	err     error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithChannels selects the value columns by header name, in order.
// Without a header only the count is used.
func WithChannels(names ...string) Option {
	return func(r *Reader) {
		r.channels = append([]string(nil), names...)
	}
}

// WithTimeColumn overrides the timestamp header name.
func WithTimeColumn(name string) Option {
	return func(r *Reader) {
		r.timeColumn = name
	}
}

// WithLabelColumn overrides the label header name.
func WithLabelColumn(name string) Option {
	return func(r *Reader) {
		r.labelColumn = name
	}
}

// WithTimeLayout parses timestamps with layout instead of RFC 3339.
// Numeric timestamps are always read as Unix seconds.
func WithTimeLayout(layout string) Option {
	return func(r *Reader) {
		r.timeLayout = layout
	}
}

// WithDefaultLabel labels rows of files without a label column.
func WithDefaultLabel(l series.Label) Option {
	return func(r *Reader) {
		r.defaultLabel = l
	}
}

// NewReader creates a new CSV reader.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:        file,
		reader:      csv.NewReader(file),
		hasHeader:   true,
		timeColumn:  DefaultTimeColumn,
		labelColumn: DefaultLabelColumn,
		timeLayout:  time.RFC3339,
		labelIdx:    -1,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			file.Close()
			return nil, errors.Wrap(err, "read header")
		}
		r.headers = headers
		if err := r.resolveHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		r.resolvePositional()
	}

	return r, nil
}

func (r *Reader) resolveHeader() error {
	index := make(map[string]int, len(r.headers))
	for i, h := range r.headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	ti, ok := index[strings.ToLower(r.timeColumn)]
	if !ok {
		return errors.Errorf("missing %q column", r.timeColumn)
	}
	r.timeIdx = ti
	if li, ok := index[strings.ToLower(r.labelColumn)]; ok {
		r.labelIdx = li
	}

	if len(r.channels) == 0 {
		for i, h := range r.headers {
			if i != r.timeIdx && i != r.labelIdx {
				r.channels = append(r.channels, strings.TrimSpace(h))
				r.chanIdx = append(r.chanIdx, i)
			}
		}
		return nil
	}
	for _, name := range r.channels {
		ci, ok := index[strings.ToLower(name)]
		if !ok {
			return errors.Errorf("missing channel column %q", name)
		}
		r.chanIdx = append(r.chanIdx, ci)
	}
	return nil
}

// resolvePositional fixes column positions lazily on the first row when the
// channel count is unknown.
func (r *Reader) resolvePositional() {
	r.timeIdx = 0
	for i := range r.channels {
		r.chanIdx = append(r.chanIdx, i+1)
	}
	if len(r.channels) > 0 {
		r.labelIdx = len(r.channels) + 1
	}
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Channels returns the value column names.
func (r *Reader) Channels() []string {
	return r.channels
}

// Skipped returns how many malformed rows were dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all rows as samples.
func (r *Reader) Read() ([]series.Sample, error) {
	var data []series.Sample

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		s, err := r.parseRow(record)
		if err != nil {
			r.skipped++
			continue
		}
		data = append(data, s)
	}

	return data, nil
}

// Err returns the read error that ended Stream early, if any.
// Call it after the stream channel is closed.
func (r *Reader) Err() error {
	return r.err
}

// Stream returns a channel of samples for incremental processing.
// Malformed rows are counted and skipped; any other read error closes the
// channel and is reported by Err.
func (r *Reader) Stream(ctx context.Context) (<-chan series.Sample, error) {
	out := make(chan series.Sample, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				record, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					r.skipped++
					var perr *csv.ParseError
					if errors.As(err, &perr) {
						continue
					}
					r.err = errors.Wrap(err, "read csv")
					return
				}

				s, err := r.parseRow(record)
				if err != nil {
					r.skipped++
					continue
				}

				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// parseRow converts one record into a sample.
func (r *Reader) parseRow(record []string) (series.Sample, error) {
	if len(record) == 0 {
		return series.Sample{}, errors.New("empty row")
	}
	if r.chanIdx == nil {
		// Headerless file with unknown channels: everything after the timestamp.
		for i := 1; i < len(record); i++ {
			r.chanIdx = append(r.chanIdx, i)
			r.channels = append(r.channels, "ch"+strconv.Itoa(i-1))
		}
	}
	if r.timeIdx >= len(record) {
		return series.Sample{}, errors.New("short row")
	}

	ts, err := r.parseTime(record[r.timeIdx])
	if err != nil {
		return series.Sample{}, err
	}

	values := make([]float64, len(r.chanIdx))
	for i, ci := range r.chanIdx {
		if ci >= len(record) {
			return series.Sample{}, errors.New("short row")
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(record[ci]), 64)
		if err != nil {
			return series.Sample{}, err
		}
		values[i] = f
	}

	label := r.defaultLabel
	if r.labelIdx >= 0 && r.labelIdx < len(record) {
		label, err = series.ParseLabel(record[r.labelIdx])
		if err != nil {
			return series.Sample{}, err
		}
	}

	return series.Sample{Timestamp: ts, Values: values, Label: label}, nil
}

func (r *Reader) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
	}
	return time.Parse(r.timeLayout, s)
}
