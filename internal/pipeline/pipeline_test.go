package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-forge/internal/checkpoint"
	"digit-forge/internal/config"
	"digit-forge/internal/coreml"
	"digit-forge/internal/dataset"
	"digit-forge/internal/errors"
	"digit-forge/internal/logger"
	"digit-forge/internal/model"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.MNISTDir = filepath.Join(dir, "mnist")
	cfg.VerifyChecksums = false
	cfg.AugmentRoot = filepath.Join(dir, "output")
	cfg.ModelPath = filepath.Join(dir, "MNIST.ckpt")
	cfg.DeviceModelPath = filepath.Join(dir, "MNIST.mlmodel")
	cfg.BatchSize = 4
	cfg.Epochs = 1
	cfg.LogEvery = 1
	return cfg
}

func idxImages(n int) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, []uint32{0x00000803, uint32(n), dataset.ImageSize, dataset.ImageSize})
	px := make([]byte, n*dataset.SampleWidth)
	for i := range px {
		px[i] = byte(i % 251)
	}
	buf.Write(px)
	return buf.Bytes()
}

func idxLabels(labels []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, []uint32{0x00000801, uint32(len(labels))})
	buf.Write(labels)
	return buf.Bytes()
}

func writeMNIST(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string][]byte{
		dataset.TrainImagesFile: idxImages(6),
		dataset.TrainLabelsFile: idxLabels([]byte{0, 1, 2, 3, 4, 5}),
		dataset.TestImagesFile:  idxImages(3),
		dataset.TestLabelsFile:  idxLabels([]byte{6, 7, 8}),
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
}

// writeAugment creates empty class directories for both splits and drops
// one 40x40 jpg into train/3.
func writeAugment(t *testing.T, root string) {
	t.Helper()
	for _, split := range []string{"train", "test"} {
		for label := 0; label < 10; label++ {
			require.NoError(t, os.MkdirAll(filepath.Join(root, split, strconv.Itoa(label)), 0o755))
		}
	}
	f, err := os.Create(filepath.Join(root, "train", "3", "three.jpg"))
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, image.NewGray(image.Rect(0, 0, 40, 40)), nil))
	require.NoError(t, f.Close())
}

func TestRunTrainsAndConverts(t *testing.T) {
	if testing.Short() {
		t.Skip("trains the full network")
	}
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.MetricsPath = filepath.Join(dir, "metrics.prom")
	writeMNIST(t, cfg.MNISTDir)
	writeAugment(t, cfg.AugmentRoot)

	var out bytes.Buffer
	r, err := New(cfg, logger.NewDiscard(), &out)
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Trained)
	require.Len(t, res.History, 1)
	assert.Contains(t, out.String(), "Loss: ")
	assert.Contains(t, out.String(), "Accuracy: ")
	assert.Contains(t, out.String(), "Total params: 382602")

	f, err := checkpoint.Load(cfg.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, f.RunID)
	assert.False(t, f.Normalized)

	s, err := coreml.InspectFile(cfg.DeviceModelPath)
	require.NoError(t, err)
	assert.Equal(t, "conv2d_input", s.Inputs[0].Name)
	assert.Equal(t, 382602, s.TotalWeights())
	assert.Equal(t, res.RunID, s.UserDefined["run_id"])

	metrics, err := os.ReadFile(cfg.MetricsPath)
	require.NoError(t, err)
	// six mnist samples plus the augmentation jpg
	assert.Contains(t, string(metrics), `digitforge_samples_loaded_total{source="images",split="train"} 1`)
	assert.Contains(t, string(metrics), `digitforge_samples_loaded_total{source="mnist",split="train"} 6`)
}

func writeShard(t *testing.T, path string, label int) {
	t.Helper()
	var img bytes.Buffer
	require.NoError(t, jpeg.Encode(&img, image.NewGray(image.Rect(0, 0, 28, 28)), nil))
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"000001.jpg": img.Bytes(),
		"000001.cls": []byte(strconv.Itoa(label)),
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestLoadDataAppendsShards(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AdditionalImages = false
	writeMNIST(t, cfg.MNISTDir)
	cfg.AugmentShards = []string{filepath.Join(dir, "a.tar"), filepath.Join(dir, "b.tar")}
	writeShard(t, cfg.AugmentShards[0], 9)
	writeShard(t, cfg.AugmentShards[1], 4)

	r, err := New(cfg, logger.NewDiscard(), &bytes.Buffer{})
	require.NoError(t, err)
	train, test, err := r.loadData()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 9, 4}, train.Labels)
	assert.Len(t, train.Features, 8*dataset.SampleWidth)
	assert.Equal(t, 3, test.Len())
}

func TestRunMissingAugmentDirFails(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeMNIST(t, cfg.MNISTDir)

	r, err := New(cfg, logger.NewDiscard(), &bytes.Buffer{})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, res.Trained)
	_, statErr := os.Stat(cfg.DeviceModelPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunWithoutGenerationNeedsModel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ModelGeneration = false

	r, err := New(cfg, logger.NewDiscard(), &bytes.Buffer{})
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	_, statErr := os.Stat(cfg.DeviceModelPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunWithoutGenerationConvertsExisting(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ModelGeneration = false

	net, err := model.NewNet(model.InputShape, model.DigitTopology(10), model.Options{BatchSize: 1, Seed: 1})
	require.NoError(t, err)
	defer net.Close()
	require.NoError(t, checkpoint.Save(cfg.ModelPath, checkpoint.FromNet(net, "existing", cfg.Export.ClassLabels, true)))

	var out bytes.Buffer
	r, err := New(cfg, logger.NewDiscard(), &out)
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Trained)
	assert.Empty(t, out.String())

	s, err := coreml.InspectFile(cfg.DeviceModelPath)
	require.NoError(t, err)
	assert.Equal(t, "existing", s.UserDefined["run_id"])
	assert.InDelta(t, 1.0/255, s.ChannelScale, 1e-9)
	assert.Equal(t, cfg.Export.ClassLabels, s.ClassLabels)
}

func TestRunHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.AdditionalImages = false
	writeMNIST(t, cfg.MNISTDir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := New(cfg, logger.NewDiscard(), &bytes.Buffer{})
	require.NoError(t, err)
	_, err = r.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
	_, statErr := os.Stat(cfg.ModelPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Epochs = 0
	_, err := New(cfg, logger.NewDiscard(), &bytes.Buffer{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
