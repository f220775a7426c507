package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"digit-forge/internal/errors"
)

// ResizeMode selects how a decoded image is forced into 28x28x1.
type ResizeMode string

const (
	// ResizeScale scales the image spatially with a Catmull-Rom kernel.
	ResizeScale ResizeMode = "scale"
	// ResizeReshape reads the grayscale pixels row-major and truncates or
	// cycles them to fill 784 values, ignoring the source geometry.
	ResizeReshape ResizeMode = "reshape"
)

// LoadImagesToData appends every image file of dir to data under label and
// returns the extended set. Files are processed one at a time in listing
// order; the first unreadable or undecodable file aborts the load.
func LoadImagesToData(label int, dir string, data Set, mode ResizeMode) (Set, error) {
	paths, err := ListImageFiles(dir)
	if err != nil {
		return data, err
	}
	for _, path := range paths {
		pixels, err := LoadImageFile(path, mode)
		if err != nil {
			return data, err
		}
		if data, err = data.Append(pixels, label); err != nil {
			return data, err
		}
	}
	return data, nil
}

// LoadImageFile decodes path and converts it to 28x28x1 grayscale pixels in
// the [0,255] range.
func LoadImageFile(path string, mode ResizeMode) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("dataset").
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Newf("decode %s: %w", path, err).
			Component("dataset").
			Category(errors.CategoryFileParsing).
			FileContext(path).
			Build()
	}
	return ImagePixels(src, mode), nil
}

// ImagePixels converts src to grayscale and forces it to 28x28x1.
func ImagePixels(src image.Image, mode ResizeMode) []float32 {
	gray := toGray(src)
	if mode == ResizeReshape {
		return reshapePixels(gray)
	}
	return scalePixels(gray)
}

// toGray applies the ITU-R 601 luma transform of image.Gray's color model.
func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)
	return gray
}

func scalePixels(gray *image.Gray) []float32 {
	dst := gray
	if gray.Bounds().Dx() != ImageSize || gray.Bounds().Dy() != ImageSize {
		dst = image.NewGray(image.Rect(0, 0, ImageSize, ImageSize))
		draw.CatmullRom.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)
	}
	out := make([]float32, 0, SampleWidth)
	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out = append(out, float32(dst.GrayAt(x, y).Y))
		}
	}
	return out
}

func reshapePixels(gray *image.Gray) []float32 {
	b := gray.Bounds()
	flat := make([]uint8, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			flat = append(flat, gray.GrayAt(x, y).Y)
		}
	}
	out := make([]float32, SampleWidth)
	if len(flat) == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(flat[i%len(flat)])
	}
	return out
}
