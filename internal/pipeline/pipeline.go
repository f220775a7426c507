// Package pipeline runs the train-or-skip then convert sequence.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"digit-forge/internal/checkpoint"
	"digit-forge/internal/config"
	"digit-forge/internal/coreml"
	"digit-forge/internal/dataset"
	"digit-forge/internal/errors"
	"digit-forge/internal/logger"
	"digit-forge/internal/metrics"
	"digit-forge/internal/model"
	"digit-forge/internal/optim"
	"digit-forge/internal/trainer"
)

// Result reports what a run did.
type Result struct {
	RunID   string
	Trained bool
	// Scores and History are only set when the model was trained.
	Scores  trainer.Scores
	History []trainer.EpochResult

	ModelPath       string
	DeviceModelPath string
}

// Runner executes runs for one configuration.
type Runner struct {
	cfg     *config.Config
	log     logger.Logger
	out     io.Writer
	metrics *metrics.TrainingMetrics
}

// New creates a runner. Evaluation results and the layer summary are
// printed to out.
func New(cfg *config.Config, log logger.Logger, out io.Writer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	m, err := metrics.NewTrainingMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, log: log.Module("pipeline"), out: out, metrics: m}, nil
}

// Run trains, evaluates and saves the model when model generation is
// enabled, then always converts the model file to the device format. With
// training skipped the model file must already exist.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:           checkpoint.NewRunID(),
		ModelPath:       r.cfg.ModelPath,
		DeviceModelPath: r.cfg.DeviceModelPath,
	}
	host := checkpoint.CurrentHost()
	r.log.Info("run started",
		logger.String("run_id", res.RunID),
		logger.Bool("model_generation", r.cfg.ModelGeneration),
		logger.Bool("additional_images", r.cfg.AdditionalImages),
		logger.String("cpu", host.CPU),
		logger.Int("logical_cores", host.LogicalCores))

	if r.cfg.ModelGeneration {
		if err := r.train(ctx, res); err != nil {
			return res, err
		}
		res.Trained = true
	} else {
		r.log.Info("model generation disabled, converting existing model",
			logger.String("model_path", r.cfg.ModelPath))
	}

	if err := ctx.Err(); err != nil {
		return res, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryCancellation).
			Build()
	}
	if err := r.convert(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) train(ctx context.Context, res *Result) error {
	cfg := r.cfg
	trainSet, testSet, err := r.loadData()
	if err != nil {
		return err
	}
	if cfg.Normalize {
		trainSet.Scale(1.0 / 255)
		testSet.Scale(1.0 / 255)
	}
	trainData, err := trainer.NewData(trainSet, cfg.NumClasses)
	if err != nil {
		return errors.New(err).Component("pipeline").Category(errors.CategoryValidation).Context("split", "train").Build()
	}
	testData, err := trainer.NewData(testSet, cfg.NumClasses)
	if err != nil {
		return errors.New(err).Component("pipeline").Category(errors.CategoryValidation).Context("split", "test").Build()
	}

	solver := optim.NewAdam(cfg.LearningRate, cfg.Decay,
		optim.WithBetas(cfg.Beta1, cfg.Beta2),
		optim.WithEpsilon(cfg.Epsilon))
	net, err := model.NewNet(model.InputShape, model.DigitTopology(cfg.NumClasses), model.Options{
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
		Solver:    solver,
	})
	if err != nil {
		return errors.New(err).
			Component("pipeline").
			Category(errors.CategoryModelInit).
			Build()
	}
	defer net.Close()

	start := time.Now()
	res.History, err = trainer.Fit(ctx, net, trainData, testData, trainer.RunConfig{
		Epochs:    cfg.Epochs,
		LogEvery:  cfg.LogEvery,
		Seed:      cfg.Seed,
		NoShuffle: !cfg.Shuffle,
	}, r.log, r.metrics)
	if err != nil {
		return err
	}
	r.log.Info("training finished", logger.Duration("elapsed", time.Since(start)))

	res.Scores, err = trainer.Evaluate(ctx, net, testData)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Loss: %.3f\n", res.Scores.Loss)
	fmt.Fprintf(r.out, "Accuracy: %.3f\n", res.Scores.Accuracy)
	if err := model.WriteSummary(r.out, net.Layers()); err != nil {
		return errors.New(err).Component("pipeline").Category(errors.CategoryFileIO).Build()
	}

	file := checkpoint.FromNet(net, res.RunID, cfg.Export.ClassLabels, cfg.Normalize)
	if err := checkpoint.Save(cfg.ModelPath, file); err != nil {
		return err
	}
	r.log.Info("model saved", logger.String("path", cfg.ModelPath))

	if cfg.MetricsPath != "" {
		if err := r.metrics.WriteTextfile(cfg.MetricsPath); err != nil {
			return errors.New(err).
				Component("pipeline").
				Category(errors.CategoryFileIO).
				FileContext(cfg.MetricsPath).
				Build()
		}
	}
	return nil
}

// loadData reads MNIST and merges the augmentation images and shards.
func (r *Runner) loadData() (train, test dataset.Set, err error) {
	cfg := r.cfg
	train, test, err = dataset.LoadMNIST(cfg.MNISTDir, cfg.VerifyChecksums)
	if err != nil {
		return train, test, err
	}
	r.metrics.RecordSamplesLoaded("train", "mnist", train.Len())
	r.metrics.RecordSamplesLoaded("test", "mnist", test.Len())
	r.log.Info("mnist loaded",
		logger.Int("train", train.Len()),
		logger.Int("test", test.Len()))

	mode := dataset.ResizeMode(cfg.ResizeMode)
	if cfg.AdditionalImages {
		if train, err = r.loadImages(train, "train", mode); err != nil {
			return train, test, err
		}
		if test, err = r.loadImages(test, "test", mode); err != nil {
			return train, test, err
		}
	}
	for _, shard := range cfg.AugmentShards {
		extra, err := dataset.LoadShardToData(shard, dataset.Set{}, mode, 0)
		if err != nil {
			return train, test, err
		}
		train = train.Concat(extra)
		r.metrics.RecordSamplesLoaded("train", "shard", extra.Len())
		r.log.Info("shard loaded",
			logger.String("path", shard),
			logger.Int("samples", extra.Len()))
	}
	return train, test, nil
}

func (r *Runner) loadImages(set dataset.Set, split string, mode dataset.ResizeMode) (dataset.Set, error) {
	var err error
	for _, ld := range dataset.AugmentDirs(r.cfg.AugmentRoot, split, r.cfg.NumClasses) {
		before := set.Len()
		if set, err = dataset.LoadImagesToData(ld.Label, ld.Dir, set, mode); err != nil {
			return set, err
		}
		added := set.Len() - before
		r.metrics.RecordSamplesLoaded(split, "images", added)
		r.log.Debug("images loaded",
			logger.String("split", split),
			logger.String("dir", ld.Dir),
			logger.Int("label", ld.Label),
			logger.Int("count", added))
	}
	r.log.Info("augmentation merged",
		logger.String("split", split),
		logger.Int("total", set.Len()))
	return set, nil
}

func (r *Runner) convert() error {
	if err := coreml.ConvertFile(r.cfg.ModelPath, r.cfg.DeviceModelPath, ExportOptions(r.cfg)); err != nil {
		return err
	}
	r.log.Info("device model written",
		logger.String("model_path", r.cfg.ModelPath),
		logger.String("path", r.cfg.DeviceModelPath))
	return nil
}

// ExportOptions maps the export section of cfg onto conversion options.
func ExportOptions(cfg *config.Config) coreml.Options {
	return coreml.Options{
		InputName:         cfg.Export.InputName,
		OutputName:        cfg.Export.OutputName,
		ClassLabels:       cfg.Export.ClassLabels,
		Author:            cfg.Export.Author,
		ShortDescription:  cfg.Export.ShortDescription,
		InputDescription:  cfg.Export.InputDescription,
		OutputDescription: cfg.Export.OutputDescription,
	}
}
