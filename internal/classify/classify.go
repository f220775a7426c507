// Package classify runs single-image digit classification the way the
// on-device client does: scale to 28x28, convert to grayscale, optionally
// invert, and accept the top class only above a confidence threshold.
package classify

import (
	"image"
	"os"
	"sort"

	"digit-forge/internal/dataset"
	"digit-forge/internal/errors"
)

// ErrNoResults is returned when no class clears the threshold.
var ErrNoResults = errors.NewStd("classify: no class above the confidence threshold")

// DefaultThreshold is the minimum confidence of an accepted class.
const DefaultThreshold = 0.8

// Predictor returns class probabilities for one 28x28 grayscale sample.
type Predictor interface {
	Predict(pixels []float32) ([]float32, error)
}

// Options configures a Classifier.
type Options struct {
	Labels    []string
	Threshold float64
	// Invert turns dark strokes on a light canvas into the light-on-dark
	// polarity of MNIST.
	Invert bool
	// Scale multiplies every pixel after inversion. Zero means 1.
	Scale float32
}

// Observation is one class with its confidence. Confidence keeps the
// float32 precision of the network output.
type Observation struct {
	Label      string
	Confidence float32
}

// Classifier wraps a predictor with preprocessing and thresholding.
type Classifier struct {
	p    Predictor
	opts Options
}

// New creates a classifier.
func New(p Predictor, opts Options) (*Classifier, error) {
	if p == nil {
		return nil, errors.ValidationError("classify: nil predictor")
	}
	if len(opts.Labels) == 0 {
		return nil, errors.ValidationError("classify: no class labels")
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	return &Classifier{p: p, opts: opts}, nil
}

// Preprocess converts img to the network input: 28x28 grayscale, inverted
// when requested, multiplied by scale.
func Preprocess(img image.Image, invert bool, scale float32) []float32 {
	pixels := dataset.ImagePixels(img, dataset.ResizeScale)
	for i, v := range pixels {
		if invert {
			v = 255 - v
		}
		pixels[i] = v * scale
	}
	return pixels
}

// Observations returns every class sorted by decreasing confidence.
func (c *Classifier) Observations(img image.Image) ([]Observation, error) {
	probs, err := c.p.Predict(Preprocess(img, c.opts.Invert, c.opts.Scale))
	if err != nil {
		return nil, errors.New(err).
			Component("classify").
			Context("operation", "predict").
			Build()
	}
	if len(probs) != len(c.opts.Labels) {
		return nil, errors.Newf("classify: %d probabilities for %d labels", len(probs), len(c.opts.Labels)).
			Component("classify").
			Category(errors.CategoryValidation).
			Build()
	}
	obs := make([]Observation, len(probs))
	for i, p := range probs {
		obs[i] = Observation{Label: c.opts.Labels[i], Confidence: p}
	}
	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].Confidence > obs[j].Confidence
	})
	return obs, nil
}

// Classify returns the most confident class, or ErrNoResults when its
// confidence does not exceed the threshold. The comparison is done in
// float32, so a confidence of exactly the threshold is rejected.
func (c *Classifier) Classify(img image.Image) (Observation, error) {
	obs, err := c.Observations(img)
	if err != nil {
		return Observation{}, err
	}
	if len(obs) == 0 || obs[0].Confidence <= float32(c.opts.Threshold) {
		return Observation{}, ErrNoResults
	}
	return obs[0], nil
}

// ClassifyFile decodes the image at path and classifies it.
func (c *Classifier) ClassifyFile(path string) (Observation, error) {
	img, err := decodeFile(path)
	if err != nil {
		return Observation{}, err
	}
	return c.Classify(img)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		category := errors.CategoryFileIO
		if os.IsNotExist(err) {
			category = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component("classify").
			Category(category).
			FileContext(path).
			Build()
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.New(err).
			Component("classify").
			Category(errors.CategoryFileParsing).
			FileContext(path).
			Build()
	}
	return img, nil
}
