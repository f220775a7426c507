package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics contains the Prometheus metrics of a training run.
type TrainingMetrics struct {
	StepLoss      prometheus.Gauge
	Epoch         prometheus.Gauge
	EpochLoss     *prometheus.GaugeVec
	EpochAccuracy *prometheus.GaugeVec
	ImagesTotal   prometheus.Counter
	StepDuration  prometheus.Histogram
	SamplesLoaded *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewTrainingMetrics creates the metrics and registers them with registry.
func NewTrainingMetrics(registry *prometheus.Registry) (*TrainingMetrics, error) {
	m := &TrainingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register training metrics: %w", err)
	}
	return m, nil
}

func (m *TrainingMetrics) initMetrics() {
	m.StepLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "digitforge_train_step_loss",
			Help: "Loss of the most recent training batch.",
		},
	)
	m.Epoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "digitforge_epoch",
			Help: "Number of completed training epochs.",
		},
	)
	m.EpochLoss = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "digitforge_epoch_loss",
			Help: "Mean loss of the last completed epoch by split.",
		},
		[]string{"split"},
	)
	m.EpochAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "digitforge_epoch_accuracy",
			Help: "Accuracy of the last completed epoch by split.",
		},
		[]string{"split"},
	)
	m.ImagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "digitforge_images_trained_total",
			Help: "Total number of images fed through training steps.",
		},
	)
	m.StepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "digitforge_train_step_duration_seconds",
			Help:    "Time taken by one forward, backward and update pass.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)
	m.SamplesLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digitforge_samples_loaded_total",
			Help: "Samples loaded into the training or test set by source.",
		},
		[]string{"split", "source"},
	)
}

// ObserveStep records one training step.
func (m *TrainingMetrics) ObserveStep(images int, loss float64, d time.Duration) {
	m.StepLoss.Set(loss)
	m.ImagesTotal.Add(float64(images))
	m.StepDuration.Observe(d.Seconds())
}

// ObserveEpoch records the results of a completed epoch.
func (m *TrainingMetrics) ObserveEpoch(epoch int, trainLoss, valLoss, valAccuracy float64) {
	m.Epoch.Set(float64(epoch))
	m.EpochLoss.WithLabelValues("train").Set(trainLoss)
	m.EpochLoss.WithLabelValues("validation").Set(valLoss)
	m.EpochAccuracy.WithLabelValues("validation").Set(valAccuracy)
}

// RecordSamplesLoaded counts samples added to split from source.
func (m *TrainingMetrics) RecordSamplesLoaded(split, source string, n int) {
	m.SamplesLoaded.WithLabelValues(split, source).Add(float64(n))
}

// WriteTextfile writes every metric of the registry in the text exposition
// format, suitable for the node exporter textfile collector.
func (m *TrainingMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Describe implements the prometheus.Collector interface.
func (m *TrainingMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.StepLoss.Desc()
	ch <- m.Epoch.Desc()
	m.EpochLoss.Describe(ch)
	m.EpochAccuracy.Describe(ch)
	ch <- m.ImagesTotal.Desc()
	ch <- m.StepDuration.Desc()
	m.SamplesLoaded.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *TrainingMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.StepLoss
	ch <- m.Epoch
	m.EpochLoss.Collect(ch)
	m.EpochAccuracy.Collect(ch)
	ch <- m.ImagesTotal
	ch <- m.StepDuration
	m.SamplesLoaded.Collect(ch)
}
