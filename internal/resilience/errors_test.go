package resilience

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_ExplicitWrap(t *testing.T) {
	err := NewTransientError(eris.New("engine restarting"))
	assert.True(t, IsTransient(err))
}

func TestIsTransient_DeadlineExceeded(t *testing.T) {
	// A per-call timeout is treated identically to an engine failure.
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransient_PermanentError(t *testing.T) {
	assert.False(t, IsTransient(eris.New("unsupported format")))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(eris.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(eris.New("tesseract: engine busy")))
	assert.False(t, IsTransient(eris.New("corrupt document at page 3")))
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := eris.New("inner")
	err := NewTransientError(inner)
	assert.Equal(t, inner, err.Unwrap())
	assert.Equal(t, "inner", err.Error())
}
