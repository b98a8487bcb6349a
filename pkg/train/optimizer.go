package train

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/detectors/lstm"
)

// Optimizer updates weights in place from their gradients.
type Optimizer interface {
	Step(params map[string][]float64, grads lstm.Grads)
}

// NewOptimizer builds the optimizer named in cfg.
func NewOptimizer(cfg Config) (Optimizer, error) {
	switch cfg.Optimizer {
	case OptimizerAdam:
		return &Adam{LR: cfg.LearningRate, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: cfg.WeightDecay}, nil
	case OptimizerSGD:
		return &SGD{LR: cfg.LearningRate, Momentum: 0.9, WeightDecay: cfg.WeightDecay}, nil
	}
	return nil, errors.Errorf("unknown optimizer %q", cfg.Optimizer)
}

// Adam with L2 weight decay folded into the gradient.
type Adam struct {
	LR, Beta1, Beta2, Eps, WeightDecay float64

	t    int
	m, v map[string][]float64
}

// Step implements Optimizer.
func (a *Adam) Step(params map[string][]float64, grads lstm.Grads) {
	if a.m == nil {
		a.m = make(map[string][]float64, len(params))
		a.v = make(map[string][]float64, len(params))
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for _, name := range sortedNames(grads) {
		w, g := params[name], grads[name]
		m, ok := a.m[name]
		if !ok {
			m = make([]float64, len(w))
			a.m[name] = m
			a.v[name] = make([]float64, len(w))
		}
		v := a.v[name]
		for i := range w {
			gi := g[i] + a.WeightDecay*w[i]
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*gi
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*gi*gi
			w[i] -= a.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
}

// SGD with momentum and L2 weight decay.
type SGD struct {
	LR, Momentum, WeightDecay float64

	velocity map[string][]float64
}

// Step implements Optimizer.
func (s *SGD) Step(params map[string][]float64, grads lstm.Grads) {
	if s.velocity == nil {
		s.velocity = make(map[string][]float64, len(params))
	}
	for _, name := range sortedNames(grads) {
		w, g := params[name], grads[name]
		vel, ok := s.velocity[name]
		if !ok {
			vel = make([]float64, len(w))
			s.velocity[name] = vel
		}
		for i := range w {
			vel[i] = s.Momentum*vel[i] + g[i] + s.WeightDecay*w[i]
			w[i] -= s.LR * vel[i]
		}
	}
}

// ClipNorm rescales grads so their global L2 norm is at most maxNorm and returns
// the norm before clipping. A non-positive maxNorm disables clipping.
func ClipNorm(grads lstm.Grads, maxNorm float64) float64 {
	var sq float64
	for _, g := range grads {
		for _, v := range g {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, g := range grads {
		for i := range g {
			g[i] *= scale
		}
	}
	return norm
}

func sortedNames(grads lstm.Grads) []string {
	names := make([]string, 0, len(grads))
	for n := range grads {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
