package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-forge/internal/errors"
	"digit-forge/internal/model"
)

var testInput = model.Shape{C: 1, H: 6, W: 6}

func testLayers() []model.LayerSpec {
	return []model.LayerSpec{
		{Name: "conv2d", Kind: model.KindConv2D, Units: 2, Kernel: 3, Activation: model.ActivationReLU},
		{Name: "max_pooling2d", Kind: model.KindMaxPool, Pool: 2},
		{Name: "dropout", Kind: model.KindDropout, Rate: 0.25},
		{Name: "flatten", Kind: model.KindFlatten},
		{Name: "dense", Kind: model.KindDense, Units: 3, Activation: model.ActivationSoftmax},
	}
}

func testNet(t *testing.T) *model.Net {
	t.Helper()
	net, err := model.NewNet(testInput, testLayers(), model.Options{BatchSize: 2, Seed: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = net.Close() })
	return net
}

func TestSaveLoadRoundTrip(t *testing.T) {
	net := testNet(t)
	src := FromNet(net, NewRunID(), []string{"a", "b", "c"}, true)
	path := filepath.Join(t.TempDir(), "nested", "model.ckpt")

	require.NoError(t, Save(path, src))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, FormatTag, got.Format)
	assert.Equal(t, src.RunID, got.RunID)
	assert.True(t, src.Created.Equal(got.Created))
	assert.Equal(t, src.Host, got.Host)
	assert.Equal(t, src.Input, got.Input)
	assert.Equal(t, src.Layers, got.Layers)
	assert.Equal(t, src.ClassLabels, got.ClassLabels)
	assert.True(t, got.Normalized)
	assert.Equal(t, src.Weights, got.Weights)

	kernel, ok := got.Tensor("dense/kernel")
	require.True(t, ok)
	assert.Equal(t, []int{8, 3}, kernel.Shape)
	_, ok = got.Tensor("missing")
	assert.False(t, ok)
}

func TestReloadedNetPredictsIdentically(t *testing.T) {
	net := testNet(t)
	f := FromNet(net, "run", []string{"a", "b", "c"}, false)

	clone, err := f.Net(model.Options{BatchSize: 2})
	require.NoError(t, err)
	defer clone.Close()

	inputs := make([]float32, 2*testInput.Size())
	for i := range inputs {
		inputs[i] = float32(i%7) / 7
	}
	want, err := net.PredictBatch(inputs, 2)
	require.NoError(t, err)
	got, err := clone.PredictBatch(inputs, 2)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFromNetCopiesWeights(t *testing.T) {
	net := testNet(t)
	f := FromNet(net, "run", nil, false)
	f.Weights[0].Data[0] = 1234
	assert.NotEqual(t, float32(1234), net.Params()[0].Value.Data().([]float32)[0])
}

func TestLoadMissingFileIsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.ckpt"))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelIO))
}

func TestSaveRejectsInconsistentFile(t *testing.T) {
	net := testNet(t)
	f := FromNet(net, "run", nil, false)
	f.Weights = f.Weights[:1]
	err := Save(filepath.Join(t.TempDir(), "model.ckpt"), f)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelIO))

	f = FromNet(net, "run", nil, false)
	f.Weights[1].Data = f.Weights[1].Data[:1]
	err = Save(filepath.Join(t.TempDir(), "model.ckpt"), f)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelIO))
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(filepath.Join(dir, "model.ckpt"), FromNet(testNet(t), "run", nil, false)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model.ckpt", entries[0].Name())
}
