package lstm

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInferencePass is returned when Backward receives a pass produced by Predict.
var ErrInferencePass = errors.New("backward requires a training pass")

// step caches one LSTM cell evaluation.
type step struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	c, tc, h        []float64
}

// Pass holds the activations of one forward pass. Probs is the model output.
type Pass struct {
	Probs []float64

	training bool
	steps    [][][]step // [sample][layer][t]
	hidden   [][]float64

	normed bool
	xhat   [][]float64
	invStd []float64

	bnOut [][]float64
	a1    [][]float64
	mask  [][]float64
	head  [][]float64
}

// Grads maps trainable weight names to flattened gradients.
type Grads map[string][]float64

// Forward runs a training-mode pass: batch statistics (updating the running
// estimates) and dropout. Batch normalization is skipped for a batch of one.
func (m *Model) Forward(seqs [][][]float64) (*Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkInput(seqs); err != nil {
		return nil, err
	}
	return m.forward(seqs, true), nil
}

func (m *Model) forward(seqs [][][]float64, training bool) *Pass {
	n := len(seqs)
	p := &Pass{
		training: training,
		steps:    make([][][]step, n),
		hidden:   make([][]float64, n),
	}
	for s, seq := range seqs {
		p.steps[s], p.hidden[s] = m.runSequence(seq)
	}

	p.bnOut = p.hidden
	if n > 1 {
		p.normed = true
		p.bnOut = m.batchNorm(p, training)
	}

	fc1W, fc1B := m.params[fc1Weight], m.params[fc1Bias].RawMatrix().Data
	fc2W, fc2B := m.params[fc2Weight].RawMatrix().Data, m.params[fc2Bias].RawMatrix().Data
	keep := 1 - m.arch.Dropout

	p.a1 = make([][]float64, n)
	p.head = make([][]float64, n)
	p.Probs = make([]float64, n)
	if training && m.arch.Dropout > 0 {
		p.mask = make([][]float64, n)
	}

	for s := 0; s < n; s++ {
		a1 := mulVec(fc1W, p.bnOut[s])
		act := make([]float64, len(a1))
		var mask []float64
		if p.mask != nil {
			mask = make([]float64, len(a1))
			p.mask[s] = mask
		}
		for k := range a1 {
			a1[k] += fc1B[k]
			act[k] = math.Max(a1[k], 0)
			if mask != nil {
				if m.rng.Float64() < keep {
					mask[k] = 1 / keep
				}
				act[k] *= mask[k]
			}
		}

		z := fc2B[0]
		for k, v := range act {
			z += fc2W[k] * v
		}

		p.a1[s] = a1
		p.head[s] = act
		p.Probs[s] = sigmoid(z)
	}
	return p
}

// runSequence feeds one sequence through every layer and returns the caches and
// the top layer's final hidden state.
func (m *Model) runSequence(seq [][]float64) ([][]step, []float64) {
	h := m.arch.HiddenSize
	layers := make([][]step, m.arch.NumLayers)
	inputs := seq

	for l := range layers {
		wih, whh := m.params[weightIH(l)], m.params[weightHH(l)]
		bih, bhh := m.params[biasIH(l)].RawMatrix().Data, m.params[biasHH(l)].RawMatrix().Data

		hPrev := make([]float64, h)
		cPrev := make([]float64, h)
		steps := make([]step, len(inputs))
		outputs := make([][]float64, len(inputs))

		for t, x := range inputs {
			z := mulVec(wih, x)
			rec := mulVec(whh, hPrev)
			st := step{
				x: x, hPrev: hPrev, cPrev: cPrev,
				i: make([]float64, h), f: make([]float64, h),
				g: make([]float64, h), o: make([]float64, h),
				c: make([]float64, h), tc: make([]float64, h), h: make([]float64, h),
			}
			for j := 0; j < h; j++ {
				st.i[j] = sigmoid(z[j] + rec[j] + bih[j] + bhh[j])
				st.f[j] = sigmoid(z[h+j] + rec[h+j] + bih[h+j] + bhh[h+j])
				st.g[j] = math.Tanh(z[2*h+j] + rec[2*h+j] + bih[2*h+j] + bhh[2*h+j])
				st.o[j] = sigmoid(z[3*h+j] + rec[3*h+j] + bih[3*h+j] + bhh[3*h+j])
				st.c[j] = st.f[j]*cPrev[j] + st.i[j]*st.g[j]
				st.tc[j] = math.Tanh(st.c[j])
				st.h[j] = st.o[j] * st.tc[j]
			}
			steps[t] = st
			outputs[t] = st.h
			hPrev, cPrev = st.h, st.c
		}

		layers[l] = steps
		inputs = outputs
	}
	return layers, inputs[len(inputs)-1]
}

// batchNorm normalizes the final hidden states across the batch.
func (m *Model) batchNorm(p *Pass, training bool) [][]float64 {
	n, h := len(p.hidden), m.arch.HiddenSize
	gamma := m.params[bnWeight].RawMatrix().Data
	beta := m.params[bnBias].RawMatrix().Data
	runMean := m.params[bnMean].RawMatrix().Data
	runVar := m.params[bnVar].RawMatrix().Data

	mean := make([]float64, h)
	variance := make([]float64, h)
	if training {
		for _, x := range p.hidden {
			for j, v := range x {
				mean[j] += v
			}
		}
		for j := range mean {
			mean[j] /= float64(n)
		}
		for _, x := range p.hidden {
			for j, v := range x {
				d := v - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			variance[j] /= float64(n)
			unbiased := variance[j] * float64(n) / float64(n-1)
			runMean[j] = (1-bnMomentum)*runMean[j] + bnMomentum*mean[j]
			runVar[j] = (1-bnMomentum)*runVar[j] + bnMomentum*unbiased
		}
	} else {
		copy(mean, runMean)
		copy(variance, runVar)
	}

	p.invStd = make([]float64, h)
	for j := range p.invStd {
		p.invStd[j] = 1 / math.Sqrt(variance[j]+bnEpsilon)
	}

	p.xhat = make([][]float64, n)
	out := make([][]float64, n)
	for s, x := range p.hidden {
		p.xhat[s] = make([]float64, h)
		out[s] = make([]float64, h)
		for j, v := range x {
			p.xhat[s][j] = (v - mean[j]) * p.invStd[j]
			out[s][j] = gamma[j]*p.xhat[s][j] + beta[j]
		}
	}
	return out
}

// Backward returns the gradients of sum_s dprobs[s]*probs[s] with respect to every
// trainable weight.
func (m *Model) Backward(p *Pass, dprobs []float64) (Grads, error) {
	if !p.training {
		return nil, ErrInferencePass
	}
	if len(dprobs) != len(p.Probs) {
		return nil, errors.New("gradient length does not match batch")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	grads := make(map[string]*mat.Dense, len(m.params))
	for name, d := range m.params {
		if isBuffer(name) {
			continue
		}
		r, c := d.Dims()
		grads[name] = mat.NewDense(r, c, nil)
	}

	n := len(p.Probs)
	fc1W := m.params[fc1Weight]
	fc2W := m.params[fc2Weight].RawMatrix().Data
	gFc1W, gFc1B := grads[fc1Weight], grads[fc1Bias].RawMatrix().Data
	gFc2W, gFc2B := grads[fc2Weight].RawMatrix().Data, grads[fc2Bias].RawMatrix().Data

	dBn := make([][]float64, n)
	for s := 0; s < n; s++ {
		prob := p.Probs[s]
		dz := dprobs[s] * prob * (1 - prob)

		gFc2B[0] += dz
		da1 := make([]float64, len(p.a1[s]))
		for k, v := range p.head[s] {
			gFc2W[k] += dz * v
			d := dz * fc2W[k]
			if p.mask != nil {
				d *= p.mask[s][k]
			}
			if p.a1[s][k] > 0 {
				da1[k] = d
			}
		}

		for k, v := range da1 {
			gFc1B[k] += v
		}
		addOuter(gFc1W, da1, p.bnOut[s])
		dBn[s] = mulVecT(fc1W, da1)
	}

	dHidden := dBn
	if p.normed {
		dHidden = m.batchNormBackward(p, dBn, grads)
	}

	for s := 0; s < n; s++ {
		m.sequenceBackward(p.steps[s], dHidden[s], grads)
	}

	out := make(Grads, len(grads))
	for name, d := range grads {
		out[name] = d.RawMatrix().Data
	}
	return out, nil
}

func (m *Model) batchNormBackward(p *Pass, dy [][]float64, grads map[string]*mat.Dense) [][]float64 {
	n, h := len(dy), m.arch.HiddenSize
	gamma := m.params[bnWeight].RawMatrix().Data
	gGamma := grads[bnWeight].RawMatrix().Data
	gBeta := grads[bnBias].RawMatrix().Data

	dx := make([][]float64, n)
	for s := range dx {
		dx[s] = make([]float64, h)
	}

	for j := 0; j < h; j++ {
		var sumD, sumDX float64
		for s := 0; s < n; s++ {
			gBeta[j] += dy[s][j]
			gGamma[j] += dy[s][j] * p.xhat[s][j]
			dxhat := dy[s][j] * gamma[j]
			sumD += dxhat
			sumDX += dxhat * p.xhat[s][j]
		}
		scale := p.invStd[j] / float64(n)
		for s := 0; s < n; s++ {
			dxhat := dy[s][j] * gamma[j]
			dx[s][j] = scale * (float64(n)*dxhat - sumD - p.xhat[s][j]*sumDX)
		}
	}
	return dx
}

// sequenceBackward runs backpropagation through time for one sample. dTop is the
// gradient at the top layer's final hidden state.
func (m *Model) sequenceBackward(layers [][]step, dTop []float64, grads map[string]*mat.Dense) {
	h := m.arch.HiddenSize
	steps := len(layers[0])

	dOut := make([][]float64, steps)
	dOut[steps-1] = dTop

	for l := len(layers) - 1; l >= 0; l-- {
		wih, whh := m.params[weightIH(l)], m.params[weightHH(l)]
		gWih, gWhh := grads[weightIH(l)], grads[weightHH(l)]
		gBih, gBhh := grads[biasIH(l)].RawMatrix().Data, grads[biasHH(l)].RawMatrix().Data

		dhNext := make([]float64, h)
		dcNext := make([]float64, h)
		dIn := make([][]float64, steps)

		for t := steps - 1; t >= 0; t-- {
			st := layers[l][t]
			dGates := make([]float64, 4*h)
			for j := 0; j < h; j++ {
				dh := dhNext[j]
				if dOut[t] != nil {
					dh += dOut[t][j]
				}
				do := dh * st.tc[j]
				dc := dh*st.o[j]*(1-st.tc[j]*st.tc[j]) + dcNext[j]
				di := dc * st.g[j]
				dg := dc * st.i[j]
				df := dc * st.cPrev[j]
				dcNext[j] = dc * st.f[j]

				dGates[j] = di * st.i[j] * (1 - st.i[j])
				dGates[h+j] = df * st.f[j] * (1 - st.f[j])
				dGates[2*h+j] = dg * (1 - st.g[j]*st.g[j])
				dGates[3*h+j] = do * st.o[j] * (1 - st.o[j])
			}

			for k, v := range dGates {
				gBih[k] += v
				gBhh[k] += v
			}
			addOuter(gWih, dGates, st.x)
			addOuter(gWhh, dGates, st.hPrev)
			dIn[t] = mulVecT(wih, dGates)
			dhNext = mulVecT(whh, dGates)
		}
		dOut = dIn
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func mulVec(a *mat.Dense, x []float64) []float64 {
	r, _ := a.Dims()
	out := make([]float64, r)
	mat.NewVecDense(r, out).MulVec(a, mat.NewVecDense(len(x), x))
	return out
}

func mulVecT(a *mat.Dense, x []float64) []float64 {
	_, c := a.Dims()
	out := make([]float64, c)
	mat.NewVecDense(c, out).MulVec(a.T(), mat.NewVecDense(len(x), x))
	return out
}

func addOuter(g *mat.Dense, x, y []float64) {
	g.RankOne(g, 1, mat.NewVecDense(len(x), x), mat.NewVecDense(len(y), y))
}

// Update hands the trainable weights to fn under the model's write lock. The slices
// alias the model's storage.
func (m *Model) Update(fn func(params map[string][]float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	params := make(map[string][]float64, len(m.params))
	for name, d := range m.params {
		if isBuffer(name) {
			continue
		}
		params[name] = d.RawMatrix().Data
	}
	fn(params)
}
