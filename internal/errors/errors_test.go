package errors

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("test error")).Build()
	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.Component)
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
}

func TestBuilderCarriesMetadata(t *testing.T) {
	t.Parallel()

	ee := Newf("decode %s", "a.jpg").
		Component("dataset").
		Category(CategoryFileParsing).
		FileContext("output/train/3/a.JPG").
		Context("label", 3).
		Build()

	assert.Equal(t, "dataset", ee.Component)
	assert.Equal(t, CategoryFileParsing, ee.Category)
	ctx := ee.GetContext()
	assert.Equal(t, "jpg", ctx["file_extension"])
	assert.Equal(t, 3, ctx["label"])
	assert.Equal(t, "[dataset/file-parsing] decode a.jpg file_extension=jpg label=3 path=output/train/3/a.JPG", ee.Detail())
}

func TestCategoryMatching(t *testing.T) {
	t.Parallel()

	base := New(fs.ErrNotExist).Category(CategoryNotFound).Build()
	wrapped := fmt.Errorf("convert: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsCategory(wrapped, CategoryConversion))
	assert.True(t, Is(wrapped, fs.ErrNotExist))
	assert.True(t, Is(wrapped, &EnhancedError{Category: CategoryNotFound}))

	var ee *EnhancedError
	require.True(t, As(wrapped, &ee))
	assert.Same(t, base, ee)
}

func TestBuildWithNilError(t *testing.T) {
	t.Parallel()

	ee := New(nil).Build()
	assert.Equal(t, "unspecified error", ee.Error())
}

func TestCategoryNames(t *testing.T) {
	t.Parallel()

	names := map[ErrorCategory]string{
		CategoryConfiguration: "configuration",
		CategoryValidation:    "validation",
		CategoryFileIO:        "file-io",
		CategoryFileParsing:   "file-parsing",
		CategoryNotFound:      "not-found",
		CategoryModelInit:     "model-init",
		CategoryModelIO:       "model-io",
		CategoryTraining:      "training",
		CategoryConversion:    "conversion",
		CategoryCancellation:  "cancellation",
	}
	for category, want := range names {
		assert.Equal(t, want, string(category))
	}
}
