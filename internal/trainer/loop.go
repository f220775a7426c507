package trainer

import (
	"context"
	"math"
	"time"

	"gorgonia.org/tensor"

	"digit-forge/internal/dataset"
	"digit-forge/internal/errors"
	"digit-forge/internal/logger"
	"digit-forge/internal/metrics"
	"digit-forge/internal/model"
)

// lossEpsilon clips probabilities before taking the log, matching the
// fuzz factor of the training loss.
const lossEpsilon = 1e-7

// evalChunk bounds how many samples are predicted between cancellation
// checks.
const evalChunk = 1024

// Data is a sample set with its one-hot targets.
type Data struct {
	Set     dataset.Set
	Targets *tensor.Dense
}

// NewData one-hot encodes the labels of set.
func NewData(set dataset.Set, classes int) (Data, error) {
	targets, err := dataset.OneHot(set.Labels, classes)
	if err != nil {
		return Data{}, err
	}
	return Data{Set: set, Targets: targets}, nil
}

func (d Data) validate(classes int) error {
	if d.Set.Len() == 0 {
		return errors.Newf("trainer: empty data set").
			Component("trainer").
			Category(errors.CategoryValidation).
			Build()
	}
	if d.Targets == nil || !d.Targets.Shape().Eq(tensor.Shape{d.Set.Len(), classes}) {
		var shape tensor.Shape
		if d.Targets != nil {
			shape = d.Targets.Shape()
		}
		return errors.Newf("trainer: targets shape %v does not match %d samples x %d classes", shape, d.Set.Len(), classes).
			Component("trainer").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs   int
	LogEvery int
	Seed     int64
	// NoShuffle keeps the sample order fixed across epochs.
	NoShuffle bool
}

// Recorder receives step and epoch observations.
type Recorder interface {
	ObserveStep(images int, loss float64, d time.Duration)
	ObserveEpoch(epoch int, trainLoss, valLoss, valAccuracy float64)
}

// Scores are the loss and accuracy of a model over a data set.
type Scores struct {
	Loss     float64
	Accuracy float64
}

// EpochResult summarises one epoch.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	Val       Scores
	Duration  time.Duration
}

// Fit trains mdl on train for cfg.Epochs epochs, evaluating on val after
// every epoch. rec may be nil.
func Fit(ctx context.Context, mdl model.Model, train, val Data, cfg RunConfig, log logger.Logger, rec Recorder) ([]EpochResult, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.Newf("trainer: epochs must be > 0").
			Component("trainer").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 200
	}
	classes := mdl.NumClasses()
	if err := train.validate(classes); err != nil {
		return nil, err
	}
	if err := val.validate(classes); err != nil {
		return nil, err
	}
	log = log.Module("trainer")

	sampler, err := dataset.NewSampler(train.Set.Len(), mdl.BatchSize(), cfg.Seed, !cfg.NoShuffle)
	if err != nil {
		return nil, errors.New(err).Component("trainer").Category(errors.CategoryValidation).Build()
	}
	log.Info("training started",
		logger.Int("train_samples", train.Set.Len()),
		logger.Int("validation_samples", val.Set.Len()),
		logger.Int("epochs", cfg.Epochs),
		logger.Int("batch_size", mdl.BatchSize()),
		logger.Int("steps_per_epoch", sampler.BatchesPerEpoch()))

	history := make([]EpochResult, 0, cfg.Epochs)
	var window metrics.Window
	step := 0
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		start := time.Now()
		lossSum := 0.0
		batches := sampler.Epoch()
		for _, idx := range batches {
			if err := ctx.Err(); err != nil {
				return history, cancelled(err)
			}
			startData := time.Now()
			batch := assemble(train, idx, classes)
			dataTime := time.Since(startData)

			startCompute := time.Now()
			loss, err := mdl.TrainStep(batch)
			computeTime := time.Since(startCompute)
			if err != nil {
				return history, errors.New(err).
					Component("trainer").
					Category(errors.CategoryTraining).
					Context("epoch", epoch).
					Context("step", step+1).
					Build()
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return history, errors.Newf("trainer: loss diverged to %v", loss).
					Component("trainer").
					Category(errors.CategoryTraining).
					Context("epoch", epoch).
					Context("step", step+1).
					Build()
			}
			step++
			lossSum += loss
			window.Record(batch.Size, dataTime, computeTime, loss)
			if rec != nil {
				rec.ObserveStep(batch.Size, loss, computeTime)
			}

			if step%cfg.LogEvery == 0 {
				snap := window.Snapshot()
				log.Info("progress",
					logger.Int("epoch", epoch),
					logger.Int("step", step),
					logger.Float64("images_per_sec", snap.ImagesPerSec),
					logger.Float64("data_ms", snap.AvgDataMS),
					logger.Float64("compute_ms", snap.AvgComputeMS),
					logger.Float64("loss", snap.MeanLoss))
			}
		}

		scores, err := Evaluate(ctx, mdl, val)
		if err != nil {
			return history, err
		}
		result := EpochResult{
			Epoch:     epoch,
			TrainLoss: lossSum / float64(len(batches)),
			Val:       scores,
			Duration:  time.Since(start),
		}
		history = append(history, result)
		if rec != nil {
			rec.ObserveEpoch(epoch, result.TrainLoss, scores.Loss, scores.Accuracy)
		}
		log.Info("epoch complete",
			logger.Int("epoch", epoch),
			logger.Float64("loss", result.TrainLoss),
			logger.Float64("val_loss", scores.Loss),
			logger.Float64("val_accuracy", scores.Accuracy),
			logger.Duration("elapsed", result.Duration))
	}
	return history, nil
}

// Evaluate computes the mean categorical cross-entropy and the accuracy of
// mdl over data.
func Evaluate(ctx context.Context, mdl model.Model, data Data) (Scores, error) {
	classes := mdl.NumClasses()
	if err := data.validate(classes); err != nil {
		return Scores{}, err
	}
	targets, ok := data.Targets.Data().([]float32)
	if !ok {
		return Scores{}, errors.Newf("trainer: targets dtype %v, want float32", data.Targets.Dtype()).
			Component("trainer").
			Category(errors.CategoryValidation).
			Build()
	}

	n := data.Set.Len()
	width := len(data.Set.Features) / n
	lossSum := 0.0
	correct := 0
	for start := 0; start < n; start += evalChunk {
		if err := ctx.Err(); err != nil {
			return Scores{}, cancelled(err)
		}
		end := min(start+evalChunk, n)
		probs, err := mdl.PredictBatch(data.Set.Features[start*width:end*width], end-start)
		if err != nil {
			return Scores{}, errors.New(err).
				Component("trainer").
				Category(errors.CategoryTraining).
				Context("operation", "evaluate").
				Build()
		}
		for i := 0; i < end-start; i++ {
			row := probs[i*classes : (i+1)*classes]
			target := targets[(start+i)*classes : (start+i+1)*classes]
			lossSum += crossEntropy(row, target)
			if argmax(row) == argmax(target) {
				correct++
			}
		}
	}
	return Scores{
		Loss:     lossSum / float64(n),
		Accuracy: float64(correct) / float64(n),
	}, nil
}

// assemble copies the indexed samples into a contiguous batch.
func assemble(data Data, idx []int, classes int) model.Batch {
	width := len(data.Set.Features) / data.Set.Len()
	targets := data.Targets.Data().([]float32)
	b := model.Batch{
		Inputs:  make([]float32, 0, len(idx)*width),
		Targets: make([]float32, 0, len(idx)*classes),
		Labels:  make([]int, 0, len(idx)),
		Size:    len(idx),
	}
	for _, i := range idx {
		b.Inputs = append(b.Inputs, data.Set.Features[i*width:(i+1)*width]...)
		b.Targets = append(b.Targets, targets[i*classes:(i+1)*classes]...)
		b.Labels = append(b.Labels, data.Set.Labels[i])
	}
	return b
}

func crossEntropy(probs, target []float32) float64 {
	loss := 0.0
	for i, p := range probs {
		if target[i] == 0 {
			continue
		}
		clipped := math.Min(math.Max(float64(p), lossEpsilon), 1-lossEpsilon)
		loss -= float64(target[i]) * math.Log(clipped)
	}
	return loss
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func cancelled(err error) error {
	return errors.New(err).
		Component("trainer").
		Category(errors.CategoryCancellation).
		Build()
}
