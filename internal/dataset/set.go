package dataset

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Image geometry shared by MNIST and the augmentation images.
const (
	ImageSize   = 28
	Channels    = 1
	SampleWidth = ImageSize * ImageSize * Channels
)

// Set is a labeled image batch: N samples of 28x28x1 float32 pixel
// intensities stored row-major, plus one class label per sample.
type Set struct {
	Features []float32
	Labels   []int
}

// Len returns the number of samples.
func (s Set) Len() int {
	return len(s.Labels)
}

// Sample returns the pixels of sample i without copying.
func (s Set) Sample(i int) []float32 {
	return s.Features[i*SampleWidth : (i+1)*SampleWidth]
}

// Append adds one sample. pixels must hold exactly SampleWidth values.
func (s Set) Append(pixels []float32, label int) (Set, error) {
	if len(pixels) != SampleWidth {
		return s, fmt.Errorf("dataset: sample has %d values, want %d", len(pixels), SampleWidth)
	}
	s.Features = append(s.Features, pixels...)
	s.Labels = append(s.Labels, label)
	return s, nil
}

// Concat returns s followed by other.
func (s Set) Concat(other Set) Set {
	out := Set{
		Features: make([]float32, 0, len(s.Features)+len(other.Features)),
		Labels:   make([]int, 0, len(s.Labels)+len(other.Labels)),
	}
	out.Features = append(append(out.Features, s.Features...), other.Features...)
	out.Labels = append(append(out.Labels, s.Labels...), other.Labels...)
	return out
}

// Scale multiplies every pixel by factor in place.
func (s Set) Scale(factor float32) {
	for i := range s.Features {
		s.Features[i] *= factor
	}
}

// OneHot encodes labels as a (N, classes) float32 tensor with 1 at the
// label index and 0 elsewhere.
func OneHot(labels []int, classes int) (*tensor.Dense, error) {
	if classes <= 0 {
		return nil, fmt.Errorf("dataset: one-hot needs a positive class count, got %d", classes)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("dataset: one-hot of an empty label batch")
	}
	backing := make([]float32, len(labels)*classes)
	for i, label := range labels {
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("dataset: label %d at index %d outside [0,%d)", label, i, classes)
		}
		backing[i*classes+label] = 1
	}
	return tensor.New(tensor.WithShape(len(labels), classes), tensor.WithBacking(backing)), nil
}
