package dataset

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"digit-forge/internal/errors"
)

const (
	idxImagesMagic = 0x00000803
	idxLabelsMagic = 0x00000801
)

// MNIST file names as published, without the .gz suffix.
const (
	TrainImagesFile = "train-images-idx3-ubyte"
	TrainLabelsFile = "train-labels-idx1-ubyte"
	TestImagesFile  = "t10k-images-idx3-ubyte"
	TestLabelsFile  = "t10k-labels-idx1-ubyte"
)

// gzDigests are the SHA-256 sums of the published gzip archives.
var gzDigests = map[string]string{
	TrainImagesFile: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	TrainLabelsFile: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	TestImagesFile:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	TestLabelsFile:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

// ErrChecksum reports a gzip archive whose digest does not match the
// published one.
var ErrChecksum = errors.NewStd("mnist: checksum mismatch")

// LoadMNIST reads the train and test splits from dir. Each file may be
// stored raw or gzip-compressed; when verify is set, gzip archives are
// checked against the published digests.
func LoadMNIST(dir string, verify bool) (train, test Set, err error) {
	if train, err = loadSplit(dir, TrainImagesFile, TrainLabelsFile, verify); err != nil {
		return Set{}, Set{}, err
	}
	if test, err = loadSplit(dir, TestImagesFile, TestLabelsFile, verify); err != nil {
		return Set{}, Set{}, err
	}
	return train, test, nil
}

func loadSplit(dir, imagesName, labelsName string, verify bool) (Set, error) {
	imgRaw, err := readIDXFile(dir, imagesName, verify)
	if err != nil {
		return Set{}, err
	}
	features, err := ReadIDXImages(bytes.NewReader(imgRaw))
	if err != nil {
		return Set{}, parseError(err, filepath.Join(dir, imagesName))
	}
	lblRaw, err := readIDXFile(dir, labelsName, verify)
	if err != nil {
		return Set{}, err
	}
	labels, err := ReadIDXLabels(bytes.NewReader(lblRaw))
	if err != nil {
		return Set{}, parseError(err, filepath.Join(dir, labelsName))
	}
	if len(features)/SampleWidth != len(labels) {
		return Set{}, parseError(
			fmt.Errorf("%d images but %d labels", len(features)/SampleWidth, len(labels)),
			filepath.Join(dir, imagesName))
	}
	return Set{Features: features, Labels: labels}, nil
}

// readIDXFile returns the uncompressed contents of name or name.gz.
func readIDXFile(dir, name string, verify bool) ([]byte, error) {
	rawPath := filepath.Join(dir, name)
	if data, err := os.ReadFile(rawPath); err == nil {
		return data, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.FileError(err, rawPath)
	}

	gzPath := rawPath + ".gz"
	compressed, err := os.ReadFile(gzPath)
	if err != nil {
		category := errors.CategoryFileIO
		if errors.Is(err, fs.ErrNotExist) {
			category = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component("dataset").
			Category(category).
			FileContext(gzPath).
			Build()
	}
	if verify {
		sum := sha256.Sum256(compressed)
		if got := hex.EncodeToString(sum[:]); got != gzDigests[name] {
			return nil, errors.New(ErrChecksum).
				Component("dataset").
				Category(errors.CategoryValidation).
				FileContext(gzPath).
				Context("sha256", got).
				Build()
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, parseError(err, gzPath)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, parseError(err, gzPath)
	}
	return data, nil
}

// ReadIDXImages parses an idx3-ubyte image file of 28x28 images into
// row-major float32 pixels.
func ReadIDXImages(r io.Reader) ([]float32, error) {
	br := bufio.NewReader(r)
	var hdr struct{ Magic, Count, Rows, Cols uint32 }
	if err := binary.Read(br, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if hdr.Magic != idxImagesMagic {
		return nil, fmt.Errorf("bad image magic 0x%08x", hdr.Magic)
	}
	if hdr.Rows != ImageSize || hdr.Cols != ImageSize {
		return nil, fmt.Errorf("images are %dx%d, want %dx%d", hdr.Rows, hdr.Cols, ImageSize, ImageSize)
	}
	raw := make([]byte, int(hdr.Count)*SampleWidth)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("read %d images: %w", hdr.Count, err)
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// ReadIDXLabels parses an idx1-ubyte label file.
func ReadIDXLabels(r io.Reader) ([]int, error) {
	br := bufio.NewReader(r)
	var hdr struct{ Magic, Count uint32 }
	if err := binary.Read(br, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read label header: %w", err)
	}
	if hdr.Magic != idxLabelsMagic {
		return nil, fmt.Errorf("bad label magic 0x%08x", hdr.Magic)
	}
	raw := make([]byte, hdr.Count)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("read %d labels: %w", hdr.Count, err)
	}
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out, nil
}

func parseError(err error, path string) error {
	return errors.New(err).
		Component("dataset").
		Category(errors.CategoryFileParsing).
		FileContext(path).
		Build()
}
