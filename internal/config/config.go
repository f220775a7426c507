package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"digit-forge/internal/logger"
)

// Resize modes for augmentation images.
const (
	ResizeScale   = "scale"
	ResizeReshape = "reshape"
)

// Config captures the runtime knobs for a training and export run.
type Config struct {
	ModelGeneration  bool `yaml:"model_generation"`
	AdditionalImages bool `yaml:"additional_images"`

	MNISTDir        string   `yaml:"mnist_dir"`
	VerifyChecksums bool     `yaml:"verify_checksums"`
	AugmentRoot     string   `yaml:"augment_root"`
	AugmentShards   []string `yaml:"augment_shards"`
	ResizeMode      string   `yaml:"resize_mode"`
	Normalize       bool     `yaml:"normalize"`

	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	NumClasses   int     `yaml:"num_classes"`
	LearningRate float64 `yaml:"learning_rate"`
	Decay        float64 `yaml:"decay"`
	Beta1        float64 `yaml:"adam_beta1"`
	Beta2        float64 `yaml:"adam_beta2"`
	Epsilon      float64 `yaml:"adam_epsilon"`
	Shuffle      bool    `yaml:"shuffle"`
	Seed         int64   `yaml:"seed"`
	LogEvery     int     `yaml:"log_every"`

	ModelPath       string `yaml:"model_path"`
	DeviceModelPath string `yaml:"device_model_path"`
	MetricsPath     string `yaml:"metrics_path"`

	Export Export        `yaml:"export"`
	Log    logger.Config `yaml:"log"`
}

// Export holds the static metadata attached to the converted model.
type Export struct {
	InputName         string   `yaml:"input_name"`
	OutputName        string   `yaml:"output_name"`
	ClassLabels       []string `yaml:"class_labels"`
	Author            string   `yaml:"author"`
	ShortDescription  string   `yaml:"short_description"`
	InputDescription  string   `yaml:"input_description"`
	OutputDescription string   `yaml:"output_description"`
}

// Overrides captures CLI or environment supplied values. Nil pointers and
// zero values leave the config untouched.
type Overrides struct {
	ModelGeneration  *bool
	AdditionalImages *bool
	Normalize        *bool
	VerifyChecksums  *bool
	Shuffle          *bool
	Decay            *float64
	MNISTDir         string
	AugmentRoot      string
	ResizeMode       string
	ModelPath        string
	DeviceModelPath  string
	MetricsPath      string
	Epochs           int
	BatchSize        int
	LearningRate     float64
	Seed             int64
	LogEvery         int
	LogLevel         string
	LogFile          string
}

// Default returns the stock training and export configuration.
func Default() *Config {
	return &Config{
		ModelGeneration:  true,
		AdditionalImages: true,
		MNISTDir:         "data/mnist",
		VerifyChecksums:  true,
		AugmentRoot:      "output",
		ResizeMode:       ResizeScale,
		BatchSize:        32,
		Epochs:           16,
		NumClasses:       10,
		LearningRate:     0.0001,
		Decay:            1e-6,
		Beta1:            0.9,
		Beta2:            0.999,
		Epsilon:          1e-7,
		Shuffle:          true,
		Seed:             42,
		LogEvery:         200,
		ModelPath:        "MNIST.ckpt",
		DeviceModelPath:  "MNIST.mlmodel",
		Export: Export{
			InputName:        "conv2d_input",
			OutputName:       "output",
			ClassLabels:      []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"},
			Author:           "cr0ss",
			ShortDescription: "Digit Recognition with MNIST",
			InputDescription: "Takes as input an image",
		},
		Log: logger.Config{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults. The result is not validated, so that overrides can still fill
// in missing values; call Validate once they are applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	if err := parseYAML(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any set override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ModelGeneration != nil {
		c.ModelGeneration = *o.ModelGeneration
	}
	if o.AdditionalImages != nil {
		c.AdditionalImages = *o.AdditionalImages
	}
	if o.Normalize != nil {
		c.Normalize = *o.Normalize
	}
	if o.VerifyChecksums != nil {
		c.VerifyChecksums = *o.VerifyChecksums
	}
	if o.Shuffle != nil {
		c.Shuffle = *o.Shuffle
	}
	if o.Decay != nil {
		c.Decay = *o.Decay
	}
	if o.MNISTDir != "" {
		c.MNISTDir = o.MNISTDir
	}
	if o.AugmentRoot != "" {
		c.AugmentRoot = o.AugmentRoot
	}
	if o.ResizeMode != "" {
		c.ResizeMode = o.ResizeMode
	}
	if o.ModelPath != "" {
		c.ModelPath = o.ModelPath
	}
	if o.DeviceModelPath != "" {
		c.DeviceModelPath = o.DeviceModelPath
	}
	if o.MetricsPath != "" {
		c.MetricsPath = o.MetricsPath
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.LogFile != "" {
		c.Log.File = o.LogFile
	}
}

// Validate verifies the config is runnable. It never modifies c.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ModelPath == "" {
		return errors.New("model_path must be set")
	}
	if c.DeviceModelPath == "" {
		return errors.New("device_model_path must be set")
	}
	if c.ModelGeneration {
		if c.MNISTDir == "" {
			return errors.New("mnist_dir must be set when model_generation is enabled")
		}
		if c.AdditionalImages && c.AugmentRoot == "" {
			return errors.New("augment_root must be set when additional_images is enabled")
		}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.NumClasses <= 1 {
		return fmt.Errorf("num_classes must be > 1 (got %d)", c.NumClasses)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Decay < 0 {
		return fmt.Errorf("decay must be >= 0 (got %g)", c.Decay)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("adam_beta1 and adam_beta2 must be in [0,1) (got %g, %g)", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("adam_epsilon must be > 0 (got %g)", c.Epsilon)
	}
	switch c.ResizeMode {
	case ResizeScale, ResizeReshape:
	default:
		return fmt.Errorf("resize_mode must be %q or %q (got %q)", ResizeScale, ResizeReshape, c.ResizeMode)
	}
	if len(c.Export.ClassLabels) != c.NumClasses {
		return fmt.Errorf("export.class_labels has %d entries, want %d", len(c.Export.ClassLabels), c.NumClasses)
	}
	if strings.TrimSpace(c.Export.InputName) == "" || strings.TrimSpace(c.Export.OutputName) == "" {
		return errors.New("export.input_name and export.output_name must be set")
	}
	if c.LogEvery <= 0 {
		return fmt.Errorf("log_every must be > 0 (got %d)", c.LogEvery)
	}
	return nil
}

func parseYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
