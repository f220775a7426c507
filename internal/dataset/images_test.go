package dataset

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-forge/internal/errors"
)

func TestLoadImagesToDataCountsOnlyJPEGs(t *testing.T) {
	dir := t.TempDir()
	const n, m = 4, 3
	for i := 0; i < n; i++ {
		writeJPEG(t, filepath.Join(dir, "img"+string(rune('a'+i))+".jpg"), 28, 28, 200)
	}
	for i := 0; i < m; i++ {
		mustWrite(t, filepath.Join(dir, "other"+string(rune('a'+i))+".txt"))
	}

	base := Set{}
	base, err := base.Append(make([]float32, SampleWidth), 9)
	require.NoError(t, err)

	out, err := LoadImagesToData(3, dir, base, ResizeScale)
	require.NoError(t, err)
	assert.Equal(t, 1+n, out.Len())
	assert.Len(t, out.Features, (1+n)*SampleWidth)
	assert.Equal(t, []int{9, 3, 3, 3, 3}, out.Labels)
}

func TestLoadImagesToDataResizesEverySize(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "small.jpg"), 8, 8, 255)
	writeJPEG(t, filepath.Join(dir, "exact.jpg"), 28, 28, 255)
	writeJPEG(t, filepath.Join(dir, "large.jpg"), 200, 120, 255)

	for _, mode := range []ResizeMode{ResizeScale, ResizeReshape} {
		out, err := LoadImagesToData(7, dir, Set{}, mode)
		require.NoError(t, err)
		require.Equal(t, 3, out.Len())
		for i := 0; i < out.Len(); i++ {
			sample := out.Sample(i)
			assert.Len(t, sample, ImageSize*ImageSize*Channels)
			for _, v := range sample {
				assert.InDelta(t, 255, v, 3, "mode %s sample %d", mode, i)
			}
		}
		assert.Equal(t, []int{7, 7, 7}, out.Labels)
	}
}

func TestLoadImagesToDataEmptyDirLeavesSetUnchanged(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "readme.md"))

	base := Set{}
	base, err := base.Append(make([]float32, SampleWidth), 1)
	require.NoError(t, err)

	out, err := LoadImagesToData(5, dir, base, ResizeScale)
	require.NoError(t, err)
	assert.Equal(t, base.Len(), out.Len())
	assert.Len(t, out.Features, len(base.Features))
}

func TestLoadImagesToDataDecodeFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "a.jpg"), 28, 28, 1)
	mustWrite(t, filepath.Join(dir, "b.jpg"))

	_, err := LoadImagesToData(2, dir, Set{}, ResizeScale)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestLoadImagesToDataMissingDir(t *testing.T) {
	_, err := LoadImagesToData(0, filepath.Join(t.TempDir(), "nope"), Set{}, ResizeScale)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestReshapeCyclesFlatPixels(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 1))
	img.SetGray(0, 0, color.Gray{Y: 1})
	img.SetGray(1, 0, color.Gray{Y: 2})
	img.SetGray(2, 0, color.Gray{Y: 3})

	pixels := ImagePixels(img, ResizeReshape)
	require.Len(t, pixels, SampleWidth)
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, pixels[:6])
	assert.Equal(t, float32((SampleWidth-1)%3+1), pixels[SampleWidth-1])
}

func TestReshapeTruncatesLargeImages(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 30, 30))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	pixels := ImagePixels(img, ResizeReshape)
	require.Len(t, pixels, SampleWidth)
	for i, v := range pixels {
		require.Equal(t, float32(i%251), v)
	}
}

func TestColorImagesBecomeGrayscale(t *testing.T) {
	dir := t.TempDir()
	rgba := image.NewRGBA(image.Rect(0, 0, 28, 28))
	for i := 0; i < len(rgba.Pix); i += 4 {
		rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2], rgba.Pix[i+3] = 255, 0, 0, 255
	}
	path := filepath.Join(dir, "red.png")
	writePNG(t, path, rgba)

	pixels, err := LoadImageFile(path, ResizeScale)
	require.NoError(t, err)
	// ITU-R 601 luma of pure red.
	assert.InDelta(t, 76, pixels[0], 1)
}

func TestLoadImageFileMissing(t *testing.T) {
	_, err := LoadImageFile(filepath.Join(t.TempDir(), "gone.jpg"), ResizeScale)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
