package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsInnerCode(t *testing.T) {
	inner := New(CodeModelLoad, "artifact missing")
	err := Wrap(inner, "predict")
	assert.Equal(t, CodeModelLoad, CodeOf(err))
	assert.Equal(t, "predict: artifact missing", err.Error())
	assert.True(t, errors.Is(err, inner))
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Nil(t, Wrap(nil, "x"))
}

func TestCodeSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("task: %w", New(CodeFeatureMismatch, "order differs"))
	require.True(t, Is(err, CodeFeatureMismatch))
	assert.False(t, Is(err, CodeTimeout))
}

func TestWithCodeOverridesCode(t *testing.T) {
	err := WithCode(CodeTimeout, New(CodeInternal, "slow"))
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.Equal(t, "slow", err.Error())
}

func TestWithCodeOnPlainError(t *testing.T) {
	base := errors.New("deadline")
	err := WithCode(CodeTimeout, base)
	assert.Equal(t, "deadline", err.Error())
	assert.True(t, errors.Is(err, base))
}
