package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var dt = tensor.Float32

// logEpsilon keeps log(p) finite when a softmax output underflows to zero.
const logEpsilon = 1e-7

// Param is a named learned tensor. Kernels are named "<layer>/kernel" and
// biases "<layer>/bias".
type Param struct {
	Name  string
	Value *tensor.Dense
}

// Options configures a Net.
type Options struct {
	BatchSize int
	Seed      int64
	// Solver applies gradient updates. Required for TrainStep.
	Solver G.Solver
}

// Net is a sequential convolutional classifier evaluated with gorgonia.
// The training graph includes dropout; prediction graphs do not. Both
// share the same parameter tensors.
type Net struct {
	input   Shape
	layers  []LayerInfo
	classes int
	batch   int
	solver  G.Solver
	params  []*Param

	train *trainGraph
	infer map[int]*inferGraph
}

type trainGraph struct {
	g       *G.ExprGraph
	x, y    *G.Node
	weights G.Nodes
	cost    *G.Node
	costVal G.Value
	vm      G.VM
}

type inferGraph struct {
	g       *G.ExprGraph
	x       *G.Node
	weights G.Nodes
	outVal  G.Value
	vm      G.VM
	size    int
}

// NewNet resolves the topology over input and initializes every kernel
// with Glorot-uniform values drawn from a seeded source. Biases start at
// zero.
func NewNet(input Shape, layers []LayerSpec, opts Options) (*Net, error) {
	infos, err := Resolve(input, layers)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.New("model: empty topology")
	}
	last := infos[len(infos)-1]
	if last.Spec.Kind != KindDense || last.Spec.Activation != ActivationSoftmax {
		return nil, errors.Errorf("model: last layer %s must be a softmax dense layer", last.Spec.Name)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("model: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	n := &Net{
		input:   input,
		layers:  infos,
		classes: last.Out.C,
		batch:   opts.BatchSize,
		solver:  opts.Solver,
		infer:   make(map[int]*inferGraph),
	}
	for _, info := range infos {
		if info.WeightDims == nil {
			continue
		}
		n.params = append(n.params,
			&Param{Name: info.Spec.Name + "/kernel", Value: glorotUniform(rng, info)},
			&Param{Name: info.Spec.Name + "/bias", Value: tensor.New(tensor.Of(dt), tensor.WithShape(info.BiasDims...))},
		)
	}
	return n, nil
}

func glorotUniform(rng *rand.Rand, info LayerInfo) *tensor.Dense {
	dims := info.WeightDims
	var fanIn, fanOut int
	switch info.Spec.Kind {
	case KindConv2D:
		receptive := dims[2] * dims[3]
		fanIn, fanOut = dims[1]*receptive, dims[0]*receptive
	default:
		fanIn, fanOut = dims[0], dims[1]
	}
	limit := float32(math.Sqrt(6 / float64(fanIn+fanOut)))
	backing := make([]float32, product(dims))
	for i := range backing {
		backing[i] = (rng.Float32()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing))
}

// Layers returns the resolved layers.
func (n *Net) Layers() []LayerInfo { return n.layers }

// Input returns the per-sample input shape.
func (n *Net) Input() Shape { return n.input }

// BatchSize is the fixed training batch size.
func (n *Net) BatchSize() int { return n.batch }

// NumClasses is the width of the softmax output.
func (n *Net) NumClasses() int { return n.classes }

// Params returns the current learned tensors in layer order.
func (n *Net) Params() []*Param {
	n.syncParams()
	return n.params
}

// SetParams replaces the learned tensors by name. Every parameter must be
// present with its expected shape.
func (n *Net) SetParams(values map[string]*tensor.Dense) error {
	for _, p := range n.params {
		v, ok := values[p.Name]
		if !ok {
			return errors.Errorf("model: missing parameter %s", p.Name)
		}
		if !v.Shape().Eq(p.Value.Shape()) {
			return errors.Errorf("model: parameter %s has shape %v, want %v", p.Name, v.Shape(), p.Value.Shape())
		}
	}
	n.Close()
	for _, p := range n.params {
		p.Value = values[p.Name]
	}
	return nil
}

// syncParams picks up the values bound to the training graph's weight
// nodes, which the tape machine may have replaced.
func (n *Net) syncParams() {
	if n.train == nil {
		return
	}
	for i, w := range n.train.weights {
		if v, ok := w.Value().(*tensor.Dense); ok && v != nil {
			n.params[i].Value = v
		}
	}
}

// forward adds the layer stack on top of x. Dropout is only applied when
// training.
func (n *Net) forward(g *G.ExprGraph, x *G.Node, size int, training bool) (*G.Node, G.Nodes, error) {
	var weights G.Nodes
	cur := x
	var err error
	pi := 0
	for _, info := range n.layers {
		spec := info.Spec
		switch spec.Kind {
		case KindConv2D:
			w, b := n.paramNode(g, pi), n.paramNode(g, pi+1)
			pi += 2
			weights = append(weights, w, b)
			if cur, err = G.Conv2d(cur, w, tensor.Shape{spec.Kernel, spec.Kernel}, []int{0, 0}, []int{1, 1}, []int{1, 1}); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s convolution", spec.Name)
			}
			if cur, err = G.BroadcastAdd(cur, b, nil, []byte{0, 2, 3}); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s bias", spec.Name)
			}
		case KindMaxPool:
			if cur, err = G.MaxPool2D(cur, tensor.Shape{spec.Pool, spec.Pool}, []int{0, 0}, []int{spec.Pool, spec.Pool}); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s max pooling", spec.Name)
			}
		case KindDropout:
			if training && spec.Rate > 0 {
				if cur, err = G.Dropout(cur, spec.Rate); err != nil {
					return nil, nil, errors.Wrapf(err, "layer %s dropout", spec.Name)
				}
			}
		case KindFlatten:
			if cur, err = G.Reshape(cur, tensor.Shape{size, info.Out.C}); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s reshape", spec.Name)
			}
		case KindDense:
			w, b := n.paramNode(g, pi), n.paramNode(g, pi+1)
			pi += 2
			weights = append(weights, w, b)
			if cur, err = G.Mul(cur, w); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s matmul", spec.Name)
			}
			if cur, err = G.BroadcastAdd(cur, b, nil, []byte{0}); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s bias", spec.Name)
			}
		}
		switch spec.Activation {
		case ActivationReLU:
			if cur, err = G.Rectify(cur); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s relu", spec.Name)
			}
		case ActivationSoftmax:
			if cur, err = G.SoftMax(cur); err != nil {
				return nil, nil, errors.Wrapf(err, "layer %s softmax", spec.Name)
			}
		}
	}
	return cur, weights, nil
}

func (n *Net) paramNode(g *G.ExprGraph, i int) *G.Node {
	p := n.params[i]
	return G.NewTensor(g, dt, p.Value.Dims(),
		G.WithShape(p.Value.Shape()...),
		G.WithName(p.Name),
		G.WithValue(p.Value))
}

func (n *Net) buildTrain() (*trainGraph, error) {
	if n.solver == nil {
		return nil, errors.New("model: no solver configured")
	}
	g := G.NewGraph()
	x := G.NewTensor(g, dt, 4, G.WithShape(n.batch, n.input.C, n.input.H, n.input.W), G.WithName("x"))
	y := G.NewMatrix(g, dt, G.WithShape(n.batch, n.classes), G.WithName("y"))

	out, weights, err := n.forward(g, x, n.batch, true)
	if err != nil {
		return nil, err
	}

	// Categorical cross-entropy: -sum(y * log(p + eps)) / batch.
	shifted, err := G.Add(out, G.NewConstant(float32(logEpsilon)))
	if err != nil {
		return nil, errors.Wrap(err, "loss epsilon")
	}
	logp, err := G.Log(shifted)
	if err != nil {
		return nil, errors.Wrap(err, "loss log")
	}
	picked, err := G.HadamardProd(logp, y)
	if err != nil {
		return nil, errors.Wrap(err, "loss product")
	}
	total, err := G.Sum(picked)
	if err != nil {
		return nil, errors.Wrap(err, "loss sum")
	}
	mean, err := G.Div(total, G.NewConstant(float32(n.batch)))
	if err != nil {
		return nil, errors.Wrap(err, "loss mean")
	}
	cost, err := G.Neg(mean)
	if err != nil {
		return nil, errors.Wrap(err, "loss negate")
	}

	tg := &trainGraph{g: g, x: x, y: y, weights: weights, cost: cost}
	G.Read(cost, &tg.costVal)
	if _, err := G.Grad(cost, weights...); err != nil {
		return nil, errors.Wrap(err, "symbolic gradient")
	}
	tg.vm = G.NewTapeMachine(g, G.BindDualValues(weights...))
	return tg, nil
}

func (n *Net) buildInfer(size int) (*inferGraph, error) {
	g := G.NewGraph()
	x := G.NewTensor(g, dt, 4, G.WithShape(size, n.input.C, n.input.H, n.input.W), G.WithName("x"))
	out, weights, err := n.forward(g, x, size, false)
	if err != nil {
		return nil, err
	}
	ig := &inferGraph{g: g, x: x, weights: weights, size: size}
	G.Read(out, &ig.outVal)
	ig.vm = G.NewTapeMachine(g)
	return ig, nil
}

// TrainStep implements Model.
func (n *Net) TrainStep(b Batch) (float64, error) {
	if b.Size != n.batch {
		return 0, errors.Errorf("model: batch of %d, graph expects %d", b.Size, n.batch)
	}
	if want := n.batch * n.input.Size(); len(b.Inputs) != want {
		return 0, errors.Errorf("model: batch has %d input values, want %d", len(b.Inputs), want)
	}
	if want := n.batch * n.classes; len(b.Targets) != want {
		return 0, errors.Errorf("model: batch has %d target values, want %d", len(b.Targets), want)
	}
	if n.train == nil {
		tg, err := n.buildTrain()
		if err != nil {
			return 0, err
		}
		n.train = tg
	}
	tg := n.train
	defer tg.vm.Reset()

	xVal := tensor.New(tensor.WithShape(n.batch, n.input.C, n.input.H, n.input.W), tensor.WithBacking(b.Inputs))
	yVal := tensor.New(tensor.WithShape(n.batch, n.classes), tensor.WithBacking(b.Targets))
	if err := G.Let(tg.x, xVal); err != nil {
		return 0, errors.Wrap(err, "bind inputs")
	}
	if err := G.Let(tg.y, yVal); err != nil {
		return 0, errors.Wrap(err, "bind targets")
	}
	if err := tg.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "forward/backward pass")
	}
	if err := n.solver.Step(G.NodesToValueGrads(tg.weights)); err != nil {
		return 0, errors.Wrap(err, "solver step")
	}
	loss, ok := tg.costVal.Data().(float32)
	if !ok {
		return 0, errors.Errorf("model: unexpected cost type %T", tg.costVal.Data())
	}
	return float64(loss), nil
}

// PredictBatch implements Model. Inputs are processed in chunks of the
// batch size; a short final chunk is zero padded and the padding rows are
// discarded.
func (n *Net) PredictBatch(inputs []float32, count int) ([]float32, error) {
	width := n.input.Size()
	if count <= 0 || len(inputs) != count*width {
		return nil, errors.Errorf("model: %d input values for %d samples of width %d", len(inputs), count, width)
	}
	size := n.batch
	if count == 1 {
		size = 1
	}
	ig, err := n.inferGraphFor(size)
	if err != nil {
		return nil, err
	}
	n.syncParams()
	for i, w := range ig.weights {
		if err := G.Let(w, n.params[i].Value); err != nil {
			return nil, errors.Wrapf(err, "bind %s", n.params[i].Name)
		}
	}

	out := make([]float32, 0, count*n.classes)
	buf := make([]float32, size*width)
	for start := 0; start < count; start += size {
		end := start + size
		if end > count {
			end = count
		}
		copy(buf, inputs[start*width:end*width])
		clear(buf[(end-start)*width:])

		if err := G.Let(ig.x, tensor.New(tensor.WithShape(size, n.input.C, n.input.H, n.input.W), tensor.WithBacking(buf))); err != nil {
			return nil, errors.Wrap(err, "bind inputs")
		}
		if err := ig.vm.RunAll(); err != nil {
			ig.vm.Reset()
			return nil, errors.Wrap(err, "forward pass")
		}
		probs, ok := ig.outVal.Data().([]float32)
		if !ok {
			ig.vm.Reset()
			return nil, errors.Errorf("model: unexpected output type %T", ig.outVal.Data())
		}
		out = append(out, probs[:(end-start)*n.classes]...)
		ig.vm.Reset()
	}
	return out, nil
}

// Predict returns the class probabilities of a single sample.
func (n *Net) Predict(pixels []float32) ([]float32, error) {
	return n.PredictBatch(pixels, 1)
}

func (n *Net) inferGraphFor(size int) (*inferGraph, error) {
	if ig, ok := n.infer[size]; ok {
		return ig, nil
	}
	ig, err := n.buildInfer(size)
	if err != nil {
		return nil, err
	}
	n.infer[size] = ig
	return ig, nil
}

// Close releases the graphs' machines. The net stays usable; graphs are
// rebuilt on demand.
func (n *Net) Close() error {
	n.syncParams()
	var firstErr error
	if n.train != nil {
		if err := n.train.vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.train = nil
	}
	for size, ig := range n.infer {
		if err := ig.vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.infer, size)
	}
	return firstErr
}

// ParamCount is the total number of learned values.
func (n *Net) ParamCount() int {
	total := 0
	for _, info := range n.layers {
		total += info.Params()
	}
	return total
}

func (n *Net) String() string {
	return fmt.Sprintf("Net(%d layers, %d params, batch %d)", len(n.layers), n.ParamCount(), n.batch)
}
