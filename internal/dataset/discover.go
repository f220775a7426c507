package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"digit-forge/internal/errors"
)

// ImageMarker is the substring a path must contain to be loaded as an image.
const ImageMarker = ".jpg"

// ListImageFiles returns the paths of the immediate, non-directory entries
// of dir whose joined path contains ImageMarker, in directory listing order.
// Subdirectories are not descended into.
func ListImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		category := errors.CategoryFileIO
		if errors.Is(err, fs.ErrNotExist) {
			category = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component("dataset").
			Category(category).
			Context("dir", dir).
			Build()
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if strings.Contains(path, ImageMarker) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// LabeledDir pairs an augmentation directory with the class it holds.
type LabeledDir struct {
	Label int
	Dir   string
}

// AugmentDirs returns root/<split>/<class> for every class in [0, classes).
func AugmentDirs(root, split string, classes int) []LabeledDir {
	dirs := make([]LabeledDir, 0, classes)
	for label := 0; label < classes; label++ {
		dirs = append(dirs, LabeledDir{
			Label: label,
			Dir:   filepath.Join(root, split, strconv.Itoa(label)),
		})
	}
	return dirs
}
