// Package optim implements the optimizer used to train the digit network.
package optim

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Adam is the Adam optimizer with time-based learning rate decay:
//
//	lr_t = lr / (1 + decay*(t-1)) * sqrt(1-beta2^t) / (1-beta1^t)
//	w   -= lr_t * m_t / (sqrt(v_t) + eps)
//
// It implements gorgonia's Solver and updates float32 parameters in place.
// Step must always be called with the same parameters in the same order.
type Adam struct {
	lr    float64
	decay float64
	beta1 float64
	beta2 float64
	eps   float64

	t       int
	moments []moment
}

type moment struct {
	m, v []float64
}

// AdamOpt configures an Adam solver.
type AdamOpt func(*Adam)

// WithBetas sets the exponential decay rates of the moment estimates.
func WithBetas(beta1, beta2 float64) AdamOpt {
	return func(a *Adam) {
		a.beta1, a.beta2 = beta1, beta2
	}
}

// WithEpsilon sets the denominator fuzz factor.
func WithEpsilon(eps float64) AdamOpt {
	return func(a *Adam) { a.eps = eps }
}

// NewAdam creates a solver with beta1=0.9, beta2=0.999 and eps=1e-7
// unless overridden.
func NewAdam(lr, decay float64, opts ...AdamOpt) *Adam {
	a := &Adam{
		lr:    lr,
		decay: decay,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Iterations is the number of completed steps.
func (a *Adam) Iterations() int { return a.t }

// LearningRate is the decayed base rate the next step will use, before
// bias correction.
func (a *Adam) LearningRate() float64 {
	return a.lr / (1 + a.decay*float64(a.t))
}

// Step implements gorgonia.Solver. Gradients are zeroed after use.
func (a *Adam) Step(model []G.ValueGrad) error {
	if a.moments == nil {
		a.moments = make([]moment, len(model))
	} else if len(a.moments) != len(model) {
		return fmt.Errorf("adam: got %d parameters, previously %d", len(model), len(a.moments))
	}

	lr := a.LearningRate()
	a.t++
	t := float64(a.t)
	lrT := lr * math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))

	for i, vg := range model {
		w, err := float32Data(vg.Value())
		if err != nil {
			return fmt.Errorf("adam: parameter %d: %w", i, err)
		}
		gv, err := vg.Grad()
		if err != nil {
			return fmt.Errorf("adam: gradient %d: %w", i, err)
		}
		g, err := float32Data(gv)
		if err != nil {
			return fmt.Errorf("adam: gradient %d: %w", i, err)
		}
		if len(g) != len(w) {
			return fmt.Errorf("adam: parameter %d has %d values but %d gradients", i, len(w), len(g))
		}

		mom := &a.moments[i]
		if mom.m == nil {
			mom.m = make([]float64, len(w))
			mom.v = make([]float64, len(w))
		}
		for j := range w {
			gj := float64(g[j])
			mom.m[j] = a.beta1*mom.m[j] + (1-a.beta1)*gj
			mom.v[j] = a.beta2*mom.v[j] + (1-a.beta2)*gj*gj
			w[j] -= float32(lrT * mom.m[j] / (math.Sqrt(mom.v[j]) + a.eps))
			g[j] = 0
		}
	}
	return nil
}

func float32Data(v G.Value) ([]float32, error) {
	switch x := v.(type) {
	case *tensor.Dense:
		data, ok := x.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("dtype %v, want float32", x.Dtype())
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}
