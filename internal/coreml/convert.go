// Package coreml converts native model files into Core ML .mlmodel files
// holding a neural network classifier, and inspects the result.
package coreml

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"digit-forge/internal/checkpoint"
	"digit-forge/internal/errors"
	"digit-forge/internal/model"
)

// SpecificationVersion is the Core ML model specification written. All
// layers used are available since version 1.
const SpecificationVersion = 4

// Field numbers of the Core ML protobuf schema (Model.proto,
// FeatureTypes.proto, NeuralNetwork.proto).
const (
	fModelSpecVersion     protowire.Number = 1
	fModelDescription     protowire.Number = 2
	fModelNNClassifier    protowire.Number = 403
	fDescInput            protowire.Number = 1
	fDescOutput           protowire.Number = 10
	fDescPredictedFeature protowire.Number = 11
	fDescPredictedProbs   protowire.Number = 12
	fDescMetadata         protowire.Number = 100
	fMetaShortDescription protowire.Number = 1
	fMetaVersion          protowire.Number = 2
	fMetaAuthor           protowire.Number = 3
	fMetaLicense          protowire.Number = 4
	fMetaUserDefined      protowire.Number = 100
	fFeatureName          protowire.Number = 1
	fFeatureDescription   protowire.Number = 2
	fFeatureType          protowire.Number = 3
	fTypeString           protowire.Number = 3
	fTypeImage            protowire.Number = 4
	fTypeDictionary       protowire.Number = 6
	fImageWidth           protowire.Number = 1
	fImageHeight          protowire.Number = 2
	fImageColorSpace      protowire.Number = 3
	fDictStringKey        protowire.Number = 2
	fClassifierLayers     protowire.Number = 1
	fClassifierPreprocess protowire.Number = 2
	fClassifierLabels     protowire.Number = 100
	fClassifierProbLayer  protowire.Number = 200
	fStringVector         protowire.Number = 1
	fPreprocessFeature    protowire.Number = 1
	fPreprocessScaler     protowire.Number = 10
	fScalerChannelScale   protowire.Number = 10
	fLayerName            protowire.Number = 1
	fLayerInput           protowire.Number = 2
	fLayerOutput          protowire.Number = 3
	fLayerConvolution     protowire.Number = 100
	fLayerPooling         protowire.Number = 120
	fLayerActivation      protowire.Number = 130
	fLayerInnerProduct    protowire.Number = 140
	fLayerSoftmax         protowire.Number = 175
	fLayerFlatten         protowire.Number = 301
	fConvOutputChannels   protowire.Number = 1
	fConvKernelChannels   protowire.Number = 2
	fConvGroups           protowire.Number = 10
	fConvKernelSize       protowire.Number = 20
	fConvStride           protowire.Number = 30
	fConvDilation         protowire.Number = 40
	fConvValid            protowire.Number = 50
	fConvHasBias          protowire.Number = 70
	fConvWeights          protowire.Number = 90
	fConvBias             protowire.Number = 91
	fPoolType             protowire.Number = 1
	fPoolKernelSize       protowire.Number = 10
	fPoolStride           protowire.Number = 20
	fPoolValid            protowire.Number = 30
	fActivationReLU       protowire.Number = 10
	fInnerInputChannels   protowire.Number = 1
	fInnerOutputChannels  protowire.Number = 2
	fInnerHasBias         protowire.Number = 10
	fInnerWeights         protowire.Number = 20
	fInnerBias            protowire.Number = 21
	fFlattenMode          protowire.Number = 1
	fWeightFloats         protowire.Number = 1
)

const (
	colorSpaceGrayscale = 10
	flattenChannelFirst = 0
)

// DefaultPredictedFeature is the name of the top label output.
const DefaultPredictedFeature = "classLabel"

// Options controls the interface and metadata of the converted model.
type Options struct {
	InputName         string
	OutputName        string
	PredictedFeature  string
	ClassLabels       []string
	Author            string
	ShortDescription  string
	Version           string
	License           string
	InputDescription  string
	OutputDescription string
	UserDefined       map[string]string
}

func (o Options) withDefaults(f *checkpoint.File) Options {
	if o.InputName == "" {
		o.InputName = "image"
	}
	if o.OutputName == "" {
		o.OutputName = "output"
	}
	if o.PredictedFeature == "" {
		o.PredictedFeature = DefaultPredictedFeature
	}
	if len(o.ClassLabels) == 0 {
		o.ClassLabels = f.ClassLabels
	}
	return o
}

// layer is one neural network layer before encoding.
type layer struct {
	name   string
	input  string
	output string
	kind   protowire.Number
	params *message
}

// Convert encodes f as a Core ML neural network classifier taking a
// grayscale image. Dropout layers are left out of the inference graph.
// When f was trained on normalized pixels the image is scaled by 1/255.
func Convert(f *checkpoint.File, opts Options) ([]byte, error) {
	opts = opts.withDefaults(f)
	infos, err := f.Resolve()
	if err != nil {
		return nil, conversionError(err)
	}
	if f.Input.C != 1 {
		return nil, conversionError(fmt.Errorf("input has %d channels, only grayscale images are supported", f.Input.C))
	}
	if len(infos) == 0 {
		return nil, conversionError(fmt.Errorf("empty topology"))
	}
	classes := infos[len(infos)-1].Out.C
	if len(opts.ClassLabels) != classes {
		return nil, conversionError(fmt.Errorf("%d class labels for %d outputs", len(opts.ClassLabels), classes))
	}

	layers, err := buildLayers(f, infos, opts.InputName)
	if err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, conversionError(fmt.Errorf("no convertible layers"))
	}
	layers[len(layers)-1].output = opts.OutputName

	var nn message
	for _, l := range layers {
		var lm message
		lm.str(fLayerName, l.name)
		lm.strs(fLayerInput, []string{l.input})
		lm.strs(fLayerOutput, []string{l.output})
		lm.embed(l.kind, l.params)
		nn.embed(fClassifierLayers, &lm)
	}
	if f.Normalized {
		var scaler, pre message
		scaler.float(fScalerChannelScale, 1.0/255)
		pre.str(fPreprocessFeature, opts.InputName)
		pre.embed(fPreprocessScaler, &scaler)
		nn.embed(fClassifierPreprocess, &pre)
	}
	var labels message
	labels.strs(fStringVector, opts.ClassLabels)
	nn.embed(fClassifierLabels, &labels)
	nn.str(fClassifierProbLayer, opts.OutputName)

	var root message
	root.uint(fModelSpecVersion, SpecificationVersion)
	root.embed(fModelDescription, description(f, opts))
	root.embed(fModelNNClassifier, &nn)
	return root.b, nil
}

// ConvertFile loads the native model at modelPath and writes the Core ML
// model to outPath. A missing model file keeps its not-found category.
func ConvertFile(modelPath, outPath string, opts Options) error {
	f, err := checkpoint.Load(modelPath)
	if err != nil {
		return err
	}
	raw, err := Convert(f, opts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.FileError(err, dir)
		}
	}
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return errors.FileError(err, outPath)
	}
	return nil
}

func description(f *checkpoint.File, opts Options) *message {
	var img message
	img.uint(fImageWidth, uint64(f.Input.W))
	img.uint(fImageHeight, uint64(f.Input.H))
	img.uint(fImageColorSpace, colorSpaceGrayscale)
	var inType message
	inType.embed(fTypeImage, &img)

	var dict, strKey message
	dict.embed(fDictStringKey, &strKey)
	var probsType message
	probsType.embed(fTypeDictionary, &dict)

	var labelType, strType message
	labelType.embed(fTypeString, &strType)

	var desc message
	desc.embed(fDescInput, feature(opts.InputName, opts.InputDescription, &inType))
	desc.embed(fDescOutput, feature(opts.OutputName, opts.OutputDescription, &probsType))
	desc.embed(fDescOutput, feature(opts.PredictedFeature, "", &labelType))
	desc.str(fDescPredictedFeature, opts.PredictedFeature)
	desc.str(fDescPredictedProbs, opts.OutputName)

	var meta message
	meta.str(fMetaShortDescription, opts.ShortDescription)
	meta.str(fMetaVersion, opts.Version)
	meta.str(fMetaAuthor, opts.Author)
	meta.str(fMetaLicense, opts.License)
	userDefined := map[string]string{
		"source_format": f.Format,
	}
	if f.RunID != "" {
		userDefined["run_id"] = f.RunID
	}
	for k, v := range opts.UserDefined {
		userDefined[k] = v
	}
	keys := make([]string, 0, len(userDefined))
	for k := range userDefined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry message
		entry.str(1, k)
		entry.str(2, userDefined[k])
		meta.embed(fMetaUserDefined, &entry)
	}
	desc.embed(fDescMetadata, &meta)
	return &desc
}

func feature(name, shortDescription string, typ *message) *message {
	var fd message
	fd.str(fFeatureName, name)
	fd.str(fFeatureDescription, shortDescription)
	fd.embed(fFeatureType, typ)
	return &fd
}

func buildLayers(f *checkpoint.File, infos []model.LayerInfo, input string) ([]layer, error) {
	var out []layer
	blob := input
	push := func(name string, kind protowire.Number, params *message) {
		out = append(out, layer{name: name, input: blob, output: name + "_output", kind: kind, params: params})
		blob = name + "_output"
	}

	for _, info := range infos {
		spec := info.Spec
		switch spec.Kind {
		case model.KindConv2D:
			kernel, bias, err := weightsFor(f, info)
			if err != nil {
				return nil, err
			}
			k := uint64(spec.Kernel)
			var valid, wp, bp, conv message
			wp.packedFloats(fWeightFloats, kernel)
			bp.packedFloats(fWeightFloats, bias)
			conv.uint(fConvOutputChannels, uint64(spec.Units))
			conv.uint(fConvKernelChannels, uint64(info.In.C))
			conv.uint(fConvGroups, 1)
			conv.packedUints(fConvKernelSize, k, k)
			conv.packedUints(fConvStride, 1, 1)
			conv.packedUints(fConvDilation, 1, 1)
			conv.embed(fConvValid, &valid)
			conv.boolean(fConvHasBias, true)
			conv.embed(fConvWeights, &wp)
			conv.embed(fConvBias, &bp)
			push(spec.Name, fLayerConvolution, &conv)
		case model.KindMaxPool:
			p := uint64(spec.Pool)
			var valid, pool message
			pool.uint(fPoolType, 0) // MAX
			pool.packedUints(fPoolKernelSize, p, p)
			pool.packedUints(fPoolStride, p, p)
			pool.embed(fPoolValid, &valid)
			push(spec.Name, fLayerPooling, &pool)
		case model.KindDropout:
			continue
		case model.KindFlatten:
			var flat message
			flat.uint(fFlattenMode, flattenChannelFirst)
			push(spec.Name, fLayerFlatten, &flat)
		case model.KindDense:
			kernel, bias, err := weightsFor(f, info)
			if err != nil {
				return nil, err
			}
			in, units := info.In.C, spec.Units
			// stored as (in, out); Core ML expects (out, in)
			transposed := make([]float32, len(kernel))
			for i := 0; i < in; i++ {
				for o := 0; o < units; o++ {
					transposed[o*in+i] = kernel[i*units+o]
				}
			}
			var wp, bp, dense message
			wp.packedFloats(fWeightFloats, transposed)
			bp.packedFloats(fWeightFloats, bias)
			dense.uint(fInnerInputChannels, uint64(in))
			dense.uint(fInnerOutputChannels, uint64(units))
			dense.boolean(fInnerHasBias, true)
			dense.embed(fInnerWeights, &wp)
			dense.embed(fInnerBias, &bp)
			push(spec.Name, fLayerInnerProduct, &dense)
		default:
			return nil, conversionError(fmt.Errorf("layer %s: unsupported kind %q", spec.Name, spec.Kind))
		}

		switch spec.Activation {
		case model.ActivationNone:
		case model.ActivationReLU:
			var relu, act message
			act.embed(fActivationReLU, &relu)
			push(spec.Name+"__activation__", fLayerActivation, &act)
		case model.ActivationSoftmax:
			push(spec.Name+"__activation__", fLayerSoftmax, &message{})
		default:
			return nil, conversionError(fmt.Errorf("layer %s: unsupported activation %q", spec.Name, spec.Activation))
		}
	}
	return out, nil
}

func weightsFor(f *checkpoint.File, info model.LayerInfo) (kernel, bias []float32, err error) {
	k, ok := f.Tensor(info.Spec.Name + "/kernel")
	if !ok {
		return nil, nil, conversionError(fmt.Errorf("layer %s: missing kernel", info.Spec.Name))
	}
	b, ok := f.Tensor(info.Spec.Name + "/bias")
	if !ok {
		return nil, nil, conversionError(fmt.Errorf("layer %s: missing bias", info.Spec.Name))
	}
	if !sameDims(k.Shape, info.WeightDims) || !sameDims(b.Shape, info.BiasDims) {
		return nil, nil, conversionError(fmt.Errorf("layer %s: weight shapes %v/%v, want %v/%v",
			info.Spec.Name, k.Shape, b.Shape, info.WeightDims, info.BiasDims))
	}
	return k.Data, b.Data, nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func conversionError(err error) error {
	return errors.New(err).
		Component("coreml").
		Category(errors.CategoryConversion).
		Build()
}
