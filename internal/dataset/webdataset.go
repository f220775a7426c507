package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"digit-forge/internal/errors"
)

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.NewStd("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// LoadShardToData appends the labeled images of a WebDataset tar shard to
// data. A shard pairs "<key>.jpg" (or .jpeg/.png) entries with "<key>.cls"
// entries holding the decimal class label. Samples are appended in the
// order their pair completes.
func LoadShardToData(path string, data Set, mode ResizeMode, pendingCap int) (Set, error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	f, err := os.Open(path)
	if err != nil {
		return data, errors.FileError(err, path)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return data, shardError(fmt.Errorf("read tar: %w", err), path)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		part := pending[key]
		switch ext {
		case ".jpg", ".jpeg", ".png":
			raw, err := io.ReadAll(tr)
			if err != nil {
				return data, shardError(fmt.Errorf("read image %s: %w", name, err), path)
			}
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			part.image = raw
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return data, shardError(fmt.Errorf("read label %s: %w", name, err), path)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return data, shardError(fmt.Errorf("parse label %s: %w", name, err), path)
			}
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			part.label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return data, shardError(ErrPendingOverflow, path)
		}
		if !part.ready() {
			continue
		}
		delete(pending, key)

		img, _, err := image.Decode(bytes.NewReader(part.image))
		if err != nil {
			return data, shardError(fmt.Errorf("decode %s: %w", key, err), path)
		}
		if data, err = data.Append(ImagePixels(img, mode), *part.label); err != nil {
			return data, err
		}
	}

	if len(pending) > 0 {
		return data, shardError(fmt.Errorf("%d samples incomplete", len(pending)), path)
	}
	return data, nil
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

func shardError(err error, path string) error {
	return errors.New(err).
		Component("dataset").
		Category(errors.CategoryFileParsing).
		FileContext(path).
		Build()
}
