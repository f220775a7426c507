package model

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Batch is a fixed-size minibatch in NCHW order with one-hot targets.
type Batch struct {
	Inputs  []float32
	Targets []float32
	Labels  []int
	Size    int
}

// Model defines what the trainer needs from a network.
type Model interface {
	// TrainStep runs forward and backward passes on batch, applies one
	// optimizer update and returns the mean loss of the batch.
	TrainStep(batch Batch) (float64, error)
	// PredictBatch returns n rows of class probabilities for n samples.
	PredictBatch(inputs []float32, n int) ([]float32, error)
	BatchSize() int
	NumClasses() int
}

// LayerKind identifies a layer type of the sequential topology.
type LayerKind string

const (
	KindConv2D  LayerKind = "conv2d"
	KindMaxPool LayerKind = "maxpool2d"
	KindDropout LayerKind = "dropout"
	KindFlatten LayerKind = "flatten"
	KindDense   LayerKind = "dense"
)

// Activation applied at the end of a conv or dense layer.
type Activation string

const (
	ActivationNone    Activation = ""
	ActivationReLU    Activation = "relu"
	ActivationSoftmax Activation = "softmax"
)

// LayerSpec describes one layer. Units is the filter count for
// convolutions and the output width for dense layers.
type LayerSpec struct {
	Name       string
	Kind       LayerKind
	Units      int
	Kernel     int
	Pool       int
	Rate       float64
	Activation Activation
}

// Shape is a per-sample activation shape in CHW order. Flattened layers
// report C = width, H = W = 1.
type Shape struct {
	C, H, W int
}

// Size is the number of values in the shape.
func (s Shape) Size() int { return s.C * s.H * s.W }

func (s Shape) String() string {
	if s.H == 1 && s.W == 1 {
		return fmt.Sprintf("(%d)", s.C)
	}
	return fmt.Sprintf("(%d, %d, %d)", s.H, s.W, s.C)
}

// InputShape is the 28x28 single channel digit image.
var InputShape = Shape{C: 1, H: 28, W: 28}

// DigitTopology returns the fixed digit classifier: two 3x3 convolutions,
// max pooling and dropout, two more 3x3 convolutions each followed by max
// pooling, dropout, flatten, a 1024 wide dense layer, dropout and a
// softmax output over classes.
func DigitTopology(classes int) []LayerSpec {
	return []LayerSpec{
		{Name: "conv2d", Kind: KindConv2D, Units: 32, Kernel: 3, Activation: ActivationReLU},
		{Name: "conv2d_1", Kind: KindConv2D, Units: 64, Kernel: 3, Activation: ActivationReLU},
		{Name: "max_pooling2d", Kind: KindMaxPool, Pool: 2},
		{Name: "dropout", Kind: KindDropout, Rate: 0.25},
		{Name: "conv2d_2", Kind: KindConv2D, Units: 128, Kernel: 3, Activation: ActivationReLU},
		{Name: "max_pooling2d_1", Kind: KindMaxPool, Pool: 2},
		{Name: "conv2d_3", Kind: KindConv2D, Units: 128, Kernel: 3, Activation: ActivationReLU},
		{Name: "max_pooling2d_2", Kind: KindMaxPool, Pool: 2},
		{Name: "dropout_1", Kind: KindDropout, Rate: 0.25},
		{Name: "flatten", Kind: KindFlatten},
		{Name: "dense", Kind: KindDense, Units: 1024, Activation: ActivationReLU},
		{Name: "dropout_2", Kind: KindDropout, Rate: 0.5},
		{Name: "dense_1", Kind: KindDense, Units: classes, Activation: ActivationSoftmax},
	}
}

// LayerInfo is a layer with its resolved input/output shapes and weight
// shapes.
type LayerInfo struct {
	Spec       LayerSpec
	In, Out    Shape
	WeightDims []int
	BiasDims   []int
}

// Params is the number of learned values of the layer.
func (l LayerInfo) Params() int {
	if l.WeightDims == nil {
		return 0
	}
	return product(l.WeightDims) + product(l.BiasDims)
}

// Resolve walks the topology from input and computes every layer's
// shapes. Convolutions use valid padding and stride 1; pooling uses
// stride equal to the window and floors the output size.
func Resolve(input Shape, layers []LayerSpec) ([]LayerInfo, error) {
	infos := make([]LayerInfo, 0, len(layers))
	cur := input
	flat := false
	for _, spec := range layers {
		info := LayerInfo{Spec: spec, In: cur}
		switch spec.Kind {
		case KindConv2D:
			if flat {
				return nil, fmt.Errorf("layer %s: convolution after flatten", spec.Name)
			}
			if spec.Kernel <= 0 || spec.Units <= 0 || cur.H < spec.Kernel || cur.W < spec.Kernel {
				return nil, fmt.Errorf("layer %s: kernel %d does not fit %v", spec.Name, spec.Kernel, cur)
			}
			info.WeightDims = []int{spec.Units, cur.C, spec.Kernel, spec.Kernel}
			info.BiasDims = []int{1, spec.Units, 1, 1}
			cur = Shape{C: spec.Units, H: cur.H - spec.Kernel + 1, W: cur.W - spec.Kernel + 1}
		case KindMaxPool:
			if flat || spec.Pool <= 0 || cur.H < spec.Pool || cur.W < spec.Pool {
				return nil, fmt.Errorf("layer %s: pool %d does not fit %v", spec.Name, spec.Pool, cur)
			}
			cur = Shape{C: cur.C, H: (cur.H-spec.Pool)/spec.Pool + 1, W: (cur.W-spec.Pool)/spec.Pool + 1}
		case KindDropout:
			if spec.Rate < 0 || spec.Rate >= 1 {
				return nil, fmt.Errorf("layer %s: dropout rate %g outside [0,1)", spec.Name, spec.Rate)
			}
		case KindFlatten:
			cur = Shape{C: cur.Size(), H: 1, W: 1}
			flat = true
		case KindDense:
			if !flat {
				return nil, fmt.Errorf("layer %s: dense layer before flatten", spec.Name)
			}
			if spec.Units <= 0 {
				return nil, fmt.Errorf("layer %s: dense layer needs units", spec.Name)
			}
			info.WeightDims = []int{cur.C, spec.Units}
			info.BiasDims = []int{1, spec.Units}
			cur = Shape{C: spec.Units, H: 1, W: 1}
		default:
			return nil, fmt.Errorf("layer %s: unknown kind %q", spec.Name, spec.Kind)
		}
		info.Out = cur
		infos = append(infos, info)
	}
	return infos, nil
}

// WriteSummary prints a layer table with output shapes and parameter
// counts followed by the totals.
func WriteSummary(w io.Writer, infos []LayerInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Layer (type)\tOutput Shape\tParam #")
	total := 0
	for _, info := range infos {
		total += info.Params()
		fmt.Fprintf(tw, "%s (%s)\t(None, %s)\t%d\n", info.Spec.Name, info.Spec.Kind, trimParens(info.Out.String()), info.Params())
	}
	fmt.Fprintf(tw, "Total params: %d\t\t\n", total)
	fmt.Fprintf(tw, "Trainable params: %d\t\t\n", total)
	return tw.Flush()
}

func trimParens(s string) string {
	return s[1 : len(s)-1]
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
