package dataset

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-forge/internal/errors"
)

func TestReadIDXRoundTrip(t *testing.T) {
	imgs := idxImages(3, func(i, p int) byte { return byte(i*10 + p%7) })
	labels := idxLabels([]byte{4, 0, 9})

	features, err := ReadIDXImages(bytes.NewReader(imgs))
	require.NoError(t, err)
	require.Len(t, features, 3*SampleWidth)
	assert.Equal(t, float32(10+5), features[SampleWidth+5])

	got, err := ReadIDXLabels(bytes.NewReader(labels))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 0, 9}, got)
}

func TestReadIDXRejectsBadHeaders(t *testing.T) {
	labels := idxLabels(make([]byte, 16))
	_, err := ReadIDXImages(bytes.NewReader(labels))
	assert.ErrorContains(t, err, "magic")

	imgs := idxImages(1, func(int, int) byte { return 0 })
	_, err = ReadIDXLabels(bytes.NewReader(imgs))
	assert.ErrorContains(t, err, "magic")

	truncated := idxImages(2, func(int, int) byte { return 0 })
	_, err = ReadIDXImages(bytes.NewReader(truncated[:len(truncated)-10]))
	assert.Error(t, err)
}

func TestLoadMNISTMixedRawAndGzip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TrainImagesFile), idxImages(2, func(int, int) byte { return 1 }))
	writeGzip(t, filepath.Join(dir, TrainLabelsFile+".gz"), idxLabels([]byte{3, 5}))
	writeFile(t, filepath.Join(dir, TestImagesFile), idxImages(1, func(int, int) byte { return 2 }))
	writeFile(t, filepath.Join(dir, TestLabelsFile), idxLabels([]byte{8}))

	train, test, err := LoadMNIST(dir, false)
	require.NoError(t, err)
	assert.Equal(t, 2, train.Len())
	assert.Equal(t, []int{3, 5}, train.Labels)
	assert.Equal(t, 1, test.Len())
	assert.Equal(t, float32(2), test.Sample(0)[0])
}

func TestLoadMNISTVerifiesGzipDigest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TrainImagesFile), idxImages(1, func(int, int) byte { return 1 }))
	writeGzip(t, filepath.Join(dir, TrainLabelsFile+".gz"), idxLabels([]byte{3}))

	_, _, err := LoadMNIST(dir, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestLoadMNISTCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TrainImagesFile), idxImages(2, func(int, int) byte { return 1 }))
	writeFile(t, filepath.Join(dir, TrainLabelsFile), idxLabels([]byte{3}))

	_, _, err := LoadMNIST(dir, false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestLoadMNISTMissingFiles(t *testing.T) {
	_, _, err := LoadMNIST(t.TempDir(), false)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func idxImages(n int, pixel func(i, p int) byte) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, [4]uint32{idxImagesMagic, uint32(n), ImageSize, ImageSize})
	for i := 0; i < n; i++ {
		for p := 0; p < SampleWidth; p++ {
			buf.WriteByte(pixel(i, p))
		}
	}
	return buf.Bytes()
}

func idxLabels(labels []byte) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, [2]uint32{idxLabelsMagic, uint32(len(labels))})
	buf.Write(labels)
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeGzip(t *testing.T, path string, data []byte) {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	writeFile(t, path, buf.Bytes())
}
