package lstm

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Architecture is the structural configuration of a Model.
type Architecture struct {
	InputSize  int     `json:"input_size"`
	HiddenSize int     `json:"hidden_size"`
	NumLayers  int     `json:"num_layers"`
	Dropout    float64 `json:"dropout"`
}

// Validate checks that every dimension is usable.
func (a Architecture) Validate() error {
	if a.InputSize < 1 {
		return errors.Errorf("input size must be positive, got %d", a.InputSize)
	}
	if a.HiddenSize < 1 {
		return errors.Errorf("hidden size must be positive, got %d", a.HiddenSize)
	}
	if a.NumLayers < 1 {
		return errors.Errorf("layer count must be positive, got %d", a.NumLayers)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", a.Dropout)
	}
	return nil
}

// HeadSize is the width of the hidden classifier layer.
func (a Architecture) HeadSize() int {
	if h := a.HiddenSize / 2; h > 0 {
		return h
	}
	return 1
}

// Tensor is a named weight in a StateDict. Biases and buffers have a one-element shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Rows returns the leading dimension.
func (t Tensor) Rows() int { return t.Shape[0] }

// Cols returns the trailing dimension, 1 for vectors.
func (t Tensor) Cols() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return t.Shape[1]
}

func (t Tensor) clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// StateDict maps weight names to tensors.
type StateDict map[string]Tensor

// Keys returns the sorted weight names.
func (s StateDict) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (s StateDict) Clone() StateDict {
	out := make(StateDict, len(s))
	for k, t := range s {
		out[k] = t.clone()
	}
	return out
}

const (
	bnWeight  = "batch_norm.weight"
	bnBias    = "batch_norm.bias"
	bnMean    = "batch_norm.running_mean"
	bnVar     = "batch_norm.running_var"
	fc1Weight = "fc1.weight"
	fc1Bias   = "fc1.bias"
	fc2Weight = "fc2.weight"
	fc2Bias   = "fc2.bias"
)

func weightIH(layer int) string { return fmt.Sprintf("lstm.weight_ih_l%d", layer) }
func weightHH(layer int) string { return fmt.Sprintf("lstm.weight_hh_l%d", layer) }
func biasIH(layer int) string   { return fmt.Sprintf("lstm.bias_ih_l%d", layer) }
func biasHH(layer int) string   { return fmt.Sprintf("lstm.bias_hh_l%d", layer) }

// Shapes returns the expected shape of every tensor of the architecture.
func (a Architecture) Shapes() map[string][]int {
	h, g := a.HiddenSize, 4*a.HiddenSize
	shapes := make(map[string][]int, 4*a.NumLayers+8)
	for l := 0; l < a.NumLayers; l++ {
		in := a.InputSize
		if l > 0 {
			in = h
		}
		shapes[weightIH(l)] = []int{g, in}
		shapes[weightHH(l)] = []int{g, h}
		shapes[biasIH(l)] = []int{g}
		shapes[biasHH(l)] = []int{g}
	}
	shapes[bnWeight] = []int{h}
	shapes[bnBias] = []int{h}
	shapes[bnMean] = []int{h}
	shapes[bnVar] = []int{h}
	shapes[fc1Weight] = []int{a.HeadSize(), h}
	shapes[fc1Bias] = []int{a.HeadSize()}
	shapes[fc2Weight] = []int{1, a.HeadSize()}
	shapes[fc2Bias] = []int{1}
	return shapes
}

// Keys returns the sorted tensor names of the architecture.
func (a Architecture) Keys() []string {
	shapes := a.Shapes()
	keys := make([]string, 0, len(shapes))
	for k := range shapes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buffers are tensors carried in the state but not trained.
func isBuffer(name string) bool {
	return name == bnMean || name == bnVar
}

// KeyDiff reports which of the architecture's keys are missing from state and
// which state keys the architecture does not know.
func (a Architecture) KeyDiff(state StateDict) (missing, unexpected []string) {
	shapes := a.Shapes()
	for _, k := range a.Keys() {
		if _, ok := state[k]; !ok {
			missing = append(missing, k)
		}
	}
	for _, k := range state.Keys() {
		if _, ok := shapes[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	return missing, unexpected
}

// validateTensor checks a tensor is internally consistent.
func validateTensor(name string, t Tensor) error {
	if len(t.Shape) == 0 || len(t.Shape) > 2 {
		return errors.Errorf("tensor %s has unsupported rank %d", name, len(t.Shape))
	}
	size := 1
	for _, d := range t.Shape {
		if d < 1 {
			return errors.Errorf("tensor %s has non-positive dimension %v", name, t.Shape)
		}
		size *= d
	}
	if size != len(t.Data) {
		return errors.Errorf("tensor %s shape %v holds %d values, got %d", name, t.Shape, size, len(t.Data))
	}
	return nil
}
