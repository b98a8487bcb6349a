// Package lstm implements the recurrent anomaly scorer: stacked LSTM layers over a
// sequence of feature vectors, batch normalization of the final hidden state, and a
// two-layer feed-forward head ending in a sigmoid.
package lstm

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/hed1ad/puguard/pkg/detectors"
	"github.com/hed1ad/puguard/pkg/errs"
)

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.1
)

// ErrEmptyBatch is returned when a forward pass receives no rows.
var ErrEmptyBatch = errors.New("empty batch")

// Model is the recurrent sequence scorer.
type Model struct {
	mu sync.RWMutex

	arch      Architecture
	threshold float64
	rng       *rand.Rand

	params map[string]*mat.Dense
}

// Option configures a Model.
type Option func(*Model)

// WithSeed sets the random seed for initialization and dropout.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// WithThreshold sets the probability above which a row is an anomaly.
func WithThreshold(t float64) Option {
	return func(m *Model) {
		m.threshold = t
	}
}

// New creates a freshly initialized model.
func New(arch Architecture, opts ...Option) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		arch:      arch,
		threshold: detectors.DefaultThreshold,
		rng:       rand.New(rand.NewSource(42)),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.initialize()
	return m, nil
}

// initialize sets orthogonal recurrent weights, Glorot-uniform input and classifier
// weights, zero biases and a forget-gate bias of one.
func (m *Model) initialize() {
	shapes := m.arch.Shapes()
	m.params = make(map[string]*mat.Dense, len(shapes))
	for name, shape := range shapes {
		t := Tensor{Shape: shape}
		m.params[name] = mat.NewDense(t.Rows(), t.Cols(), nil)
	}

	h := m.arch.HiddenSize
	for l := 0; l < m.arch.NumLayers; l++ {
		glorot(m.params[weightIH(l)], m.rng)
		orthogonal(m.params[weightHH(l)], m.rng)
		bias := m.params[biasIH(l)].RawMatrix().Data
		for j := h; j < 2*h; j++ {
			bias[j] = 1
		}
	}

	fill(m.params[bnWeight], 1)
	fill(m.params[bnVar], 1)
	glorot(m.params[fc1Weight], m.rng)
	glorot(m.params[fc2Weight], m.rng)
}

func fill(d *mat.Dense, v float64) {
	data := d.RawMatrix().Data
	for i := range data {
		data[i] = v
	}
}

func glorot(d *mat.Dense, rng *rand.Rand) {
	rows, cols := d.Dims()
	limit := math.Sqrt(6 / float64(rows+cols))
	data := d.RawMatrix().Data
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
}

// orthogonal fills d with orthonormal columns (rows >= cols) or rows, taken from the
// QR decomposition of a Gaussian matrix with the sign of R's diagonal folded in.
func orthogonal(d *mat.Dense, rng *rand.Rand) {
	rows, cols := d.Dims()
	transpose := rows < cols
	r, c := rows, cols
	if transpose {
		r, c = cols, rows
	}

	a := mat.NewDense(r, c, nil)
	raw := a.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}

	var qr mat.QR
	qr.Factorize(a)
	var q, rr mat.Dense
	qr.QTo(&q)
	qr.RTo(&rr)

	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := q.At(i, j)
			if rr.At(j, j) < 0 {
				v = -v
			}
			if transpose {
				d.Set(j, i, v)
			} else {
				d.Set(i, j, v)
			}
		}
	}
}

// Architecture returns the model configuration.
func (m *Model) Architecture() Architecture {
	return m.arch
}

// InputSize is the feature width the model expects.
func (m *Model) InputSize() int {
	return m.arch.InputSize
}

// Threshold returns the current anomaly threshold.
func (m *Model) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// SetThreshold updates the anomaly threshold.
func (m *Model) SetThreshold(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = t
}

// checkShapes verifies every weight matches the architecture. Weights loaded from an
// artifact are only checked here, so a width disagreement surfaces on first use.
func (m *Model) checkShapes() error {
	shapes := m.arch.Shapes()
	for _, name := range m.arch.Keys() {
		shape := shapes[name]
		d, ok := m.params[name]
		if !ok {
			return &errs.DimensionMismatchError{What: "weight " + name, Expected: 1, Got: 0}
		}
		want := Tensor{Shape: shape}
		rows, cols := d.Dims()
		if rows != want.Rows() {
			return &errs.DimensionMismatchError{What: "weight " + name + " rows", Expected: want.Rows(), Got: rows}
		}
		if cols != want.Cols() {
			return &errs.DimensionMismatchError{What: "weight " + name + " cols", Expected: want.Cols(), Got: cols}
		}
	}
	return nil
}

func (m *Model) checkInput(seqs [][][]float64) error {
	if len(seqs) == 0 {
		return ErrEmptyBatch
	}
	for _, seq := range seqs {
		if len(seq) == 0 {
			return &errs.DimensionMismatchError{What: "sequence length", Expected: 1, Got: 0}
		}
		for _, x := range seq {
			if len(x) != m.arch.InputSize {
				return &errs.DimensionMismatchError{What: "input features", Expected: m.arch.InputSize, Got: len(x)}
			}
		}
	}
	return m.checkShapes()
}

// AsSequences wraps each feature row as a sequence of length one.
func AsSequences(rows [][]float64) [][][]float64 {
	seqs := make([][][]float64, len(rows))
	for i, r := range rows {
		seqs[i] = [][]float64{r}
	}
	return seqs
}

// Predict scores each feature row as a length-one sequence.
func (m *Model) Predict(data [][]float64) ([]float64, error) {
	return m.PredictSequences(AsSequences(data))
}

// PredictOne scores a single feature row. Batch norm is skipped for a batch
// of one, so the score can differ from the same row scored inside Predict.
func (m *Model) PredictOne(sample []float64) (float64, error) {
	scores, err := m.Predict([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// PredictSequences scores a batch of sequences in inference mode: running
// batch-norm statistics and no dropout.
func (m *Model) PredictSequences(seqs [][][]float64) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkInput(seqs); err != nil {
		return nil, err
	}
	p := m.forward(seqs, false)
	return p.Probs, nil
}

// PredictStream scores rows from a channel until it closes or ctx is done.
// Each row is scored alone through PredictOne, without batch norm, so scores
// are not expected to match Predict over the same rows.
func (m *Model) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			out := detectors.Score{Features: sample}
			score, err := m.PredictOne(sample)
			if err != nil {
				out.Err = err
			} else {
				out.Value = score
				out.IsAnomaly = score > m.Threshold()
			}

			select {
			case output <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// State returns a deep copy of all weights and buffers.
func (m *Model) State() StateDict {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shapes := m.arch.Shapes()
	state := make(StateDict, len(m.params))
	for name, d := range m.params {
		rows, cols := d.Dims()
		shape := []int{rows, cols}
		if len(shapes[name]) == 1 {
			shape = []int{rows}
		}
		state[name] = Tensor{
			Shape: shape,
			Data:  append([]float64(nil), d.RawMatrix().Data...),
		}
	}
	return state
}

// LoadState replaces the model weights. The key set must match the architecture
// exactly; tensor shapes are checked on the next scoring call.
func (m *Model) LoadState(state StateDict) error {
	missing, unexpected := m.arch.KeyDiff(state)
	if len(missing) > 0 || len(unexpected) > 0 {
		return &errs.ArtifactIntegrityError{
			Missing: missing,
			Reason:  "state keys do not match architecture",
		}
	}

	params := make(map[string]*mat.Dense, len(state))
	for name, t := range state {
		if err := validateTensor(name, t); err != nil {
			return err
		}
		params[name] = mat.NewDense(t.Rows(), t.Cols(), append([]float64(nil), t.Data...))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = params
	return nil
}
