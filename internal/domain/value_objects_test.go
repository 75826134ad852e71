package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFindingID(t *testing.T) {
	id, err := NewFindingID("  f-1  ")
	require.NoError(t, err)
	assert.Equal(t, "f-1", id.String())

	_, err = NewFindingID("   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyValue))
}

func TestNewSeverity(t *testing.T) {
	sev, err := NewSeverity("HIGH")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = NewSeverity("urgent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEnum))
}

func TestNewCategory(t *testing.T) {
	cat, err := NewCategory("Security")
	require.NoError(t, err)
	assert.Equal(t, CategorySecurity, cat)

	_, err = NewCategory("performance-ish")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEnum))
}

func TestNewConfidence_EmptyAllowed(t *testing.T) {
	conf, err := NewConfidence("")
	require.NoError(t, err)
	assert.Equal(t, Confidence(""), conf)

	conf, err = NewConfidence("Medium")
	require.NoError(t, err)
	assert.Equal(t, ConfidenceMedium, conf)

	_, err = NewConfidence("maybe")
	require.Error(t, err)
}

func TestNewFilePath_Canonicalizes(t *testing.T) {
	cases := map[string]string{
		"./internal/foo.go":  "internal/foo.go",
		"internal//foo.go":   "internal/foo.go",
		"internal\\foo.go":   "internal/foo.go",
		"  ./a//b//c.go  ":   "a/b/c.go",
	}
	for in, want := range cases {
		fp, err := NewFilePath(in)
		require.NoError(t, err)
		assert.Equal(t, want, fp.String())
	}

	_, err := NewFilePath("   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyValue))
}

func TestNewLineNumber(t *testing.T) {
	ln, err := NewLineNumber(1)
	require.NoError(t, err)
	assert.Equal(t, 1, ln.Int())

	_, err = NewLineNumber(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRange))

	_, err = NewLineNumber(-5)
	require.Error(t, err)
}

func TestNewSchemaVersion(t *testing.T) {
	major, minor, err := NewSchemaVersion("1.2")
	require.NoError(t, err)
	assert.Equal(t, 1, major)
	assert.Equal(t, 2, minor)

	_, _, err = NewSchemaVersion("1")
	require.Error(t, err)

	_, _, err = NewSchemaVersion("1.2.3")
	require.Error(t, err)

	_, _, err = NewSchemaVersion("a.b")
	require.Error(t, err)
}

func TestNewPromptVersion(t *testing.T) {
	major, minor, patch, err := NewPromptVersion("1.0")
	require.NoError(t, err)
	assert.Equal(t, 1, major)
	assert.Equal(t, 0, minor)
	assert.Equal(t, 0, patch)

	major, minor, patch, err = NewPromptVersion("1.4.2")
	require.NoError(t, err)
	assert.Equal(t, 1, major)
	assert.Equal(t, 4, minor)
	assert.Equal(t, 2, patch)

	_, _, _, err = NewPromptVersion("1")
	require.Error(t, err)

	_, _, _, err = NewPromptVersion("1.2.3.4")
	require.Error(t, err)
}
