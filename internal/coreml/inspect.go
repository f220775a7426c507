package coreml

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"digit-forge/internal/errors"
)

// Summary describes a Core ML neural network classifier.
type Summary struct {
	SpecificationVersion int
	ShortDescription     string
	Version              string
	Author               string
	License              string
	UserDefined          map[string]string

	Inputs                 []Feature
	Outputs                []Feature
	PredictedFeature       string
	PredictedProbabilities string

	ClassLabels      []string
	ProbabilityLayer string
	Layers           []Layer
	// ChannelScale is the image scaler factor, 0 when the model has no
	// scaling preprocessor.
	ChannelScale float32
}

// Feature is a model input or output.
type Feature struct {
	Name        string
	Description string
	// Type is "image", "dictionary", "string" or "other".
	Type      string
	Width     int
	Height    int
	Grayscale bool
}

// Layer is one neural network layer.
type Layer struct {
	Name    string
	Kind    string
	Inputs  []string
	Outputs []string
	// Weights counts the learned values, biases included.
	Weights int
}

var layerKinds = map[protowire.Number]string{
	fLayerConvolution:  "convolution",
	fLayerPooling:      "pooling",
	fLayerActivation:   "activation",
	fLayerInnerProduct: "innerProduct",
	fLayerSoftmax:      "softmax",
	fLayerFlatten:      "flatten",
}

// InspectFile reads and decodes the model at path.
func InspectFile(path string) (*Summary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FileError(err, path)
	}
	s, err := Inspect(raw)
	if err != nil {
		return nil, errors.New(err).
			Component("coreml").
			Category(errors.CategoryFileParsing).
			FileContext(path).
			Build()
	}
	return s, nil
}

// Inspect decodes a serialized Core ML model.
func Inspect(raw []byte) (*Summary, error) {
	top, err := fields(raw)
	if err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	s := &Summary{UserDefined: map[string]string{}}
	foundClassifier := false
	for _, f := range top {
		switch f.num {
		case fModelSpecVersion:
			s.SpecificationVersion = int(f.varint)
		case fModelDescription:
			if err := s.decodeDescription(f.bytes); err != nil {
				return nil, err
			}
		case fModelNNClassifier:
			foundClassifier = true
			if err := s.decodeClassifier(f.bytes); err != nil {
				return nil, err
			}
		}
	}
	if !foundClassifier {
		return nil, fmt.Errorf("model is not a neural network classifier")
	}
	return s, nil
}

func (s *Summary) decodeDescription(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	for _, f := range fs {
		switch f.num {
		case fDescInput, fDescOutput:
			feat, err := decodeFeature(f.bytes)
			if err != nil {
				return err
			}
			if f.num == fDescInput {
				s.Inputs = append(s.Inputs, feat)
			} else {
				s.Outputs = append(s.Outputs, feat)
			}
		case fDescPredictedFeature:
			s.PredictedFeature = string(f.bytes)
		case fDescPredictedProbs:
			s.PredictedProbabilities = string(f.bytes)
		case fDescMetadata:
			if err := s.decodeMetadata(f.bytes); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Summary) decodeMetadata(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	for _, f := range fs {
		switch f.num {
		case fMetaShortDescription:
			s.ShortDescription = string(f.bytes)
		case fMetaVersion:
			s.Version = string(f.bytes)
		case fMetaAuthor:
			s.Author = string(f.bytes)
		case fMetaLicense:
			s.License = string(f.bytes)
		case fMetaUserDefined:
			entry, err := fields(f.bytes)
			if err != nil {
				return fmt.Errorf("decode metadata entry: %w", err)
			}
			var key, value string
			for _, e := range entry {
				switch e.num {
				case 1:
					key = string(e.bytes)
				case 2:
					value = string(e.bytes)
				}
			}
			s.UserDefined[key] = value
		}
	}
	return nil
}

func decodeFeature(b []byte) (Feature, error) {
	var feat Feature
	fs, err := fields(b)
	if err != nil {
		return feat, fmt.Errorf("decode feature: %w", err)
	}
	for _, f := range fs {
		switch f.num {
		case fFeatureName:
			feat.Name = string(f.bytes)
		case fFeatureDescription:
			feat.Description = string(f.bytes)
		case fFeatureType:
			types, err := fields(f.bytes)
			if err != nil {
				return feat, fmt.Errorf("decode feature type: %w", err)
			}
			feat.Type = "other"
			for _, t := range types {
				switch t.num {
				case fTypeImage:
					feat.Type = "image"
					img, err := fields(t.bytes)
					if err != nil {
						return feat, fmt.Errorf("decode image type: %w", err)
					}
					for _, p := range img {
						switch p.num {
						case fImageWidth:
							feat.Width = int(p.varint)
						case fImageHeight:
							feat.Height = int(p.varint)
						case fImageColorSpace:
							feat.Grayscale = p.varint == colorSpaceGrayscale
						}
					}
				case fTypeDictionary:
					feat.Type = "dictionary"
				case fTypeString:
					feat.Type = "string"
				}
			}
		}
	}
	return feat, nil
}

func (s *Summary) decodeClassifier(b []byte) error {
	fs, err := fields(b)
	if err != nil {
		return fmt.Errorf("decode classifier: %w", err)
	}
	for _, f := range fs {
		switch f.num {
		case fClassifierLayers:
			l, err := decodeLayer(f.bytes)
			if err != nil {
				return err
			}
			s.Layers = append(s.Layers, l)
		case fClassifierPreprocess:
			pre, err := fields(f.bytes)
			if err != nil {
				return fmt.Errorf("decode preprocessing: %w", err)
			}
			for _, p := range pre {
				if p.num != fPreprocessScaler {
					continue
				}
				scaler, err := fields(p.bytes)
				if err != nil {
					return fmt.Errorf("decode scaler: %w", err)
				}
				for _, sc := range scaler {
					if sc.num == fScalerChannelScale {
						s.ChannelScale = floats(sc)[0]
					}
				}
			}
		case fClassifierLabels:
			labels, err := fields(f.bytes)
			if err != nil {
				return fmt.Errorf("decode class labels: %w", err)
			}
			for _, l := range labels {
				if l.num == fStringVector {
					s.ClassLabels = append(s.ClassLabels, string(l.bytes))
				}
			}
		case fClassifierProbLayer:
			s.ProbabilityLayer = string(f.bytes)
		}
	}
	return nil
}

func decodeLayer(b []byte) (Layer, error) {
	var l Layer
	fs, err := fields(b)
	if err != nil {
		return l, fmt.Errorf("decode layer: %w", err)
	}
	for _, f := range fs {
		switch f.num {
		case fLayerName:
			l.Name = string(f.bytes)
		case fLayerInput:
			l.Inputs = append(l.Inputs, string(f.bytes))
		case fLayerOutput:
			l.Outputs = append(l.Outputs, string(f.bytes))
		default:
			kind, ok := layerKinds[f.num]
			if !ok {
				continue
			}
			l.Kind = kind
			if l.Weights, err = countWeights(f.num, f.bytes); err != nil {
				return l, fmt.Errorf("layer %s: %w", l.Name, err)
			}
		}
	}
	return l, nil
}

// countWeights sums the float values of the weight and bias parameters of
// convolution and inner product layers.
func countWeights(kind protowire.Number, b []byte) (int, error) {
	var weightFields []protowire.Number
	switch kind {
	case fLayerConvolution:
		weightFields = []protowire.Number{fConvWeights, fConvBias}
	case fLayerInnerProduct:
		weightFields = []protowire.Number{fInnerWeights, fInnerBias}
	default:
		return 0, nil
	}
	fs, err := fields(b)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range fs {
		for _, wf := range weightFields {
			if f.num != wf {
				continue
			}
			params, err := fields(f.bytes)
			if err != nil {
				return 0, err
			}
			for _, p := range params {
				if p.num == fWeightFloats {
					total += len(floats(p))
				}
			}
		}
	}
	return total, nil
}

// LayerWeights returns the decoded weight and bias values of the layer
// called name.
func LayerWeights(raw []byte, name string) (weights, bias []float32, err error) {
	top, err := fields(raw)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range top {
		if f.num != fModelNNClassifier {
			continue
		}
		nn, err := fields(f.bytes)
		if err != nil {
			return nil, nil, err
		}
		for _, lf := range nn {
			if lf.num != fClassifierLayers {
				continue
			}
			lfs, err := fields(lf.bytes)
			if err != nil {
				return nil, nil, err
			}
			if !hasName(lfs, name) {
				continue
			}
			for _, p := range lfs {
				var wNum, bNum protowire.Number
				switch p.num {
				case fLayerConvolution:
					wNum, bNum = fConvWeights, fConvBias
				case fLayerInnerProduct:
					wNum, bNum = fInnerWeights, fInnerBias
				default:
					continue
				}
				params, err := fields(p.bytes)
				if err != nil {
					return nil, nil, err
				}
				for _, pf := range params {
					switch pf.num {
					case wNum:
						weights, err = weightValues(pf.bytes)
					case bNum:
						bias, err = weightValues(pf.bytes)
					}
					if err != nil {
						return nil, nil, err
					}
				}
				return weights, bias, nil
			}
			return nil, nil, fmt.Errorf("layer %s has no weights", name)
		}
	}
	return nil, nil, fmt.Errorf("layer %s not found", name)
}

func hasName(fs []field, name string) bool {
	for _, f := range fs {
		if f.num == fLayerName && string(f.bytes) == name {
			return true
		}
	}
	return false
}

func weightValues(b []byte) ([]float32, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	var out []float32
	for _, f := range fs {
		if f.num == fWeightFloats {
			out = append(out, floats(f)...)
		}
	}
	return out, nil
}

// TotalWeights sums the learned values of every layer.
func (s *Summary) TotalWeights() int {
	total := 0
	for _, l := range s.Layers {
		total += l.Weights
	}
	return total
}
