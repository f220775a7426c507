package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type fakeParam struct {
	value, grad *tensor.Dense
}

func (p fakeParam) Value() G.Value         { return p.value }
func (p fakeParam) Grad() (G.Value, error) { return p.grad, nil }

func newParam(w, g []float32) fakeParam {
	return fakeParam{
		value: tensor.New(tensor.WithShape(len(w)), tensor.WithBacking(w)),
		grad:  tensor.New(tensor.WithShape(len(g)), tensor.WithBacking(g)),
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	const lr = 0.01
	p := newParam([]float32{1, 1, 1}, []float32{0.5, -3, 0})
	a := NewAdam(lr, 0)

	require.NoError(t, a.Step([]G.ValueGrad{p}))

	w := p.value.Data().([]float32)
	assert.InDelta(t, 1-lr, w[0], 1e-5)
	assert.InDelta(t, 1+lr, w[1], 1e-5)
	assert.InDelta(t, 1, w[2], 1e-7)
	assert.Equal(t, []float32{0, 0, 0}, p.grad.Data().([]float32), "gradients are zeroed")
	assert.Equal(t, 1, a.Iterations())
}

func TestAdamOptions(t *testing.T) {
	// beta1=beta2=0 leaves m=g and v=g^2 with no bias correction, so the
	// step is lr*g/(|g|+eps).
	const lr = 0.01
	p := newParam([]float32{1, 1}, []float32{1, -3})
	a := NewAdam(lr, 0, WithBetas(0, 0), WithEpsilon(1))

	require.NoError(t, a.Step([]G.ValueGrad{p}))

	w := p.value.Data().([]float32)
	assert.InDelta(t, 1-lr/2, w[0], 1e-6)
	assert.InDelta(t, 1+lr*3.0/4, w[1], 1e-6)
}

func TestAdamLearningRateDecays(t *testing.T) {
	a := NewAdam(0.1, 0.5)
	assert.InDelta(t, 0.1, a.LearningRate(), 1e-12)

	p := newParam([]float32{0}, []float32{1})
	require.NoError(t, a.Step([]G.ValueGrad{p}))
	assert.InDelta(t, 0.1/1.5, a.LearningRate(), 1e-12)
}

func TestAdamDescendsQuadratic(t *testing.T) {
	// minimise (w-3)^2
	p := newParam([]float32{0}, []float32{0})
	a := NewAdam(0.1, 0)
	for i := 0; i < 500; i++ {
		w := p.value.Data().([]float32)
		p.grad.Data().([]float32)[0] = 2 * (w[0] - 3)
		require.NoError(t, a.Step([]G.ValueGrad{p}))
	}
	assert.InDelta(t, 3, p.value.Data().([]float32)[0], 0.05)
}

func TestAdamRejectsChangingParameterSet(t *testing.T) {
	a := NewAdam(0.1, 0)
	p := newParam([]float32{0}, []float32{1})
	require.NoError(t, a.Step([]G.ValueGrad{p}))
	assert.Error(t, a.Step([]G.ValueGrad{p, p}))
}

func TestAdamRejectsFloat64(t *testing.T) {
	p := fakeParam{
		value: tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1})),
		grad:  tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{1})),
	}
	assert.Error(t, NewAdam(0.1, 0).Step([]G.ValueGrad{p}))
}
