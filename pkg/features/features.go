// Package features turns time-ordered meter samples into fixed-width window statistics.
//
// The same Extractor, with the same window size and channel list, is used by the
// trainer and by the evaluator. Names is the single source of feature order.
package features

import (
	"io"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/series"
)

const (
	// Epsilon is added to every denominator.
	Epsilon = 1e-8
	// InfSentinel replaces +Inf (and its negation replaces -Inf).
	InfSentinel = 1e10
)

// perChannel lists the statistics computed for each channel, in output order.
var perChannel = []string{"mean", "std", "max", "min", "trend", "iqr", "raw_ratio"}

// Names returns the ordered feature names for the given channels.
func Names(channels []string) []string {
	names := make([]string, 0, len(channels)*len(perChannel)+1)
	for _, ch := range channels {
		for _, st := range perChannel {
			names = append(names, ch+"_"+st)
		}
	}
	return append(names, "channel_imbalance")
}

// Width returns the feature vector length for the given channel count.
func Width(channels int) int {
	return channels*len(perChannel) + 1
}

// Matrix is the output of one extraction pass. Rows, Timestamps and Labels are parallel.
type Matrix struct {
	Names      []string
	Rows       [][]float64
	Timestamps []time.Time
	Labels     []series.Label
	// NonFinite counts values replaced by Sanitize.
	NonFinite int
}

// Len returns the number of feature rows.
func (m *Matrix) Len() int { return len(m.Rows) }

// Targets returns Labels as 0/1 floats.
func (m *Matrix) Targets() []float64 {
	out := make([]float64, len(m.Labels))
	for i, l := range m.Labels {
		out[i] = l.Target()
	}
	return out
}

// Require turns an empty extraction into a DataInsufficiencyError.
func (m *Matrix) Require(stage string, windowSize, inputRows int) error {
	if m.Len() > 0 {
		return nil
	}
	return &errs.DataInsufficiencyError{
		Stage:  stage,
		Need:   windowSize + 1,
		Have:   inputRows,
		Detail: "not enough rows for one feature window",
	}
}

// Extractor computes window statistics. The zero value is not usable; use New.
type Extractor struct {
	windowSize int
	channels   []string
	log        logrus.FieldLogger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger used to report non-finite substitutions.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Extractor) {
		e.log = l
	}
}

// New creates an Extractor for windows of windowSize rows over the named channels.
func New(windowSize int, channels []string, opts ...Option) *Extractor {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	e := &Extractor{
		windowSize: windowSize,
		channels:   append([]string(nil), channels...),
		log:        quiet,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WindowSize returns the configured window length.
func (e *Extractor) WindowSize() int { return e.windowSize }

// Names returns the feature names this extractor produces.
func (e *Extractor) Names() []string { return Names(e.channels) }

// Extract computes one feature row per anchor i >= windowSize using rows [i-windowSize, i).
// Fewer than windowSize+1 rows yield an empty Matrix. Every sample must carry exactly
// one value per channel.
func (e *Extractor) Extract(rows []series.Sample) (*Matrix, error) {
	m := &Matrix{Names: e.Names()}
	if e.windowSize < 1 || len(rows) < e.windowSize+1 {
		return m, nil
	}

	nch := len(e.channels)
	for _, r := range rows {
		if len(r.Values) != nch {
			return nil, &errs.DimensionMismatchError{What: "sample channels", Expected: nch, Got: len(r.Values)}
		}
	}

	n := len(rows) - e.windowSize
	m.Rows = make([][]float64, 0, n)
	m.Timestamps = make([]time.Time, 0, n)
	m.Labels = make([]series.Label, 0, n)

	xs := make([]float64, e.windowSize)
	for i := range xs {
		xs[i] = float64(i)
	}
	window := make([]float64, e.windowSize)

	for i := e.windowSize; i < len(rows); i++ {
		vec := make([]float64, 0, len(m.Names))
		means := make([]float64, nch)

		for c := 0; c < nch; c++ {
			for k := 0; k < e.windowSize; k++ {
				window[k] = rows[i-e.windowSize+k].Values[c]
			}
			st := channelStats(window, xs, rows[i].Values[c])
			means[c] = st[0]
			vec = append(vec, st...)
		}
		vec = append(vec, imbalance(means))

		m.NonFinite += Sanitize(vec)
		m.Rows = append(m.Rows, vec)
		m.Timestamps = append(m.Timestamps, rows[i].Timestamp)
		m.Labels = append(m.Labels, rows[i].Label)
	}

	if m.NonFinite > 0 {
		e.log.WithFields(logrus.Fields{
			"count": m.NonFinite,
			"rows":  len(m.Rows),
		}).Warn("substituted non-finite feature values")
	}
	return m, nil
}

// channelStats returns the perChannel statistics for one window, in order.
func channelStats(window, xs []float64, raw float64) []float64 {
	data := stats.Float64Data(window)

	mean, _ := stats.Mean(data)
	std, _ := stats.StandardDeviationPopulation(data)
	hi, _ := stats.Max(data)
	lo, _ := stats.Min(data)
	iqr := 0.0
	if len(window) >= 2 {
		iqr, _ = stats.InterQuartileRange(data)
	}

	trend := 0.0
	if len(window) > 1 {
		_, trend = stat.LinearRegression(xs, window, nil, false)
	}

	return []float64{
		mean,
		std,
		hi,
		lo,
		trend,
		iqr,
		raw / (math.Abs(mean) + Epsilon),
	}
}

// imbalance is the spread of channel means relative to their average magnitude.
func imbalance(means []float64) float64 {
	if len(means) < 2 {
		return 0
	}
	lo, hi := means[0], means[0]
	var sum float64
	for _, m := range means {
		lo = math.Min(lo, m)
		hi = math.Max(hi, m)
		sum += math.Abs(m)
	}
	return (hi - lo) / (sum/float64(len(means)) + Epsilon)
}

// Sanitize replaces NaN with 0 and ±Inf with ±InfSentinel in place and returns the
// number of replaced values.
func Sanitize(vec []float64) int {
	replaced := 0
	for i, v := range vec {
		switch {
		case math.IsNaN(v):
			vec[i] = 0
			replaced++
		case math.IsInf(v, 1):
			vec[i] = InfSentinel
			replaced++
		case math.IsInf(v, -1):
			vec[i] = -InfSentinel
			replaced++
		}
	}
	return replaced
}
