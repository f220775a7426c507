// Package checkpoint stores a trained network: its topology, weights and
// the metadata needed to convert or reload it.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"gorgonia.org/tensor"

	"digit-forge/internal/errors"
	"digit-forge/internal/model"
)

// FormatTag identifies the file layout.
const FormatTag = "digit-forge/checkpoint/v1"

// Host describes the machine that produced a checkpoint.
type Host struct {
	CPU          string
	LogicalCores int
	AVX2         bool
	AVX512       bool
}

// CurrentHost describes this machine.
func CurrentHost() Host {
	return Host{
		CPU:          cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
		AVX2:         cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:       cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// Tensor is a named float32 array in row-major order.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// File is the native model file.
type File struct {
	Format  string
	RunID   string
	Created time.Time
	Host    Host

	Input       model.Shape
	Layers      []model.LayerSpec
	ClassLabels []string
	// Normalized records whether training pixels were scaled to [0,1].
	Normalized bool

	Weights []Tensor
}

// NewRunID returns a fresh identifier for a training run.
func NewRunID() string {
	return uuid.New().String()
}

// FromNet captures the topology and current weights of net.
func FromNet(net *model.Net, runID string, labels []string, normalized bool) *File {
	layers := make([]model.LayerSpec, 0, len(net.Layers()))
	for _, info := range net.Layers() {
		layers = append(layers, info.Spec)
	}
	f := &File{
		Format:      FormatTag,
		RunID:       runID,
		Created:     time.Now().UTC(),
		Host:        CurrentHost(),
		Input:       net.Input(),
		Layers:      layers,
		ClassLabels: append([]string(nil), labels...),
		Normalized:  normalized,
	}
	for _, p := range net.Params() {
		data := p.Value.Data().([]float32)
		f.Weights = append(f.Weights, Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape()...),
			Data:  append([]float32(nil), data...),
		})
	}
	return f
}

// Tensor returns the weight called name.
func (f *File) Tensor(name string) (Tensor, bool) {
	for _, t := range f.Weights {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// Resolve returns the layer shapes of the stored topology.
func (f *File) Resolve() ([]model.LayerInfo, error) {
	return model.Resolve(f.Input, f.Layers)
}

// Net rebuilds the network with the stored weights.
func (f *File) Net(opts model.Options) (*model.Net, error) {
	net, err := model.NewNet(f.Input, f.Layers, opts)
	if err != nil {
		return nil, errors.New(err).
			Component("checkpoint").
			Category(errors.CategoryModelInit).
			Build()
	}
	values := make(map[string]*tensor.Dense, len(f.Weights))
	for _, t := range f.Weights {
		values[t.Name] = tensor.New(tensor.WithShape(t.Shape...), tensor.WithBacking(append([]float32(nil), t.Data...)))
	}
	if err := net.SetParams(values); err != nil {
		return nil, errors.New(err).
			Component("checkpoint").
			Category(errors.CategoryModelInit).
			Context("run_id", f.RunID).
			Build()
	}
	return net, nil
}

func (f *File) validate() error {
	if f.Format != FormatTag {
		return errors.Newf("checkpoint: unsupported format %q", f.Format).
			Component("checkpoint").
			Category(errors.CategoryModelIO).
			Build()
	}
	infos, err := f.Resolve()
	if err != nil {
		return errors.New(err).
			Component("checkpoint").
			Category(errors.CategoryModelIO).
			Build()
	}
	want := 0
	for _, info := range infos {
		if info.WeightDims != nil {
			want += 2
		}
	}
	if len(f.Weights) != want {
		return errors.Newf("checkpoint: %d weight tensors, topology needs %d", len(f.Weights), want).
			Component("checkpoint").
			Category(errors.CategoryModelIO).
			Build()
	}
	for _, t := range f.Weights {
		size := 1
		for _, d := range t.Shape {
			size *= d
		}
		if size != len(t.Data) {
			return errors.Newf("checkpoint: tensor %s has %d values for shape %v", t.Name, len(t.Data), t.Shape).
				Component("checkpoint").
				Category(errors.CategoryModelIO).
				Build()
		}
	}
	return nil
}

// Save writes f to path. The file is written next to path first and
// renamed into place.
func Save(path string, f *File) error {
	if err := f.validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.FileError(err, dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.FileError(err, path)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(w).Encode(f); err != nil {
		tmp.Close()
		return modelIOError(err, path)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.FileError(err, path)
	}
	if err := tmp.Close(); err != nil {
		return errors.FileError(err, path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.FileError(err, path)
	}
	return nil
}

// Load reads a model file. A missing file is reported with the not-found
// category.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		category := errors.CategoryFileIO
		if errors.Is(err, fs.ErrNotExist) {
			category = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component("checkpoint").
			Category(category).
			FileContext(path).
			Build()
	}
	defer fh.Close()

	var f File
	if err := gob.NewDecoder(bufio.NewReader(fh)).Decode(&f); err != nil {
		return nil, modelIOError(err, path)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func modelIOError(err error, path string) error {
	return errors.New(err).
		Component("checkpoint").
		Category(errors.CategoryModelIO).
		FileContext(path).
		Build()
}
