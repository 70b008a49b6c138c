package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(Validation, "CreateRun", errors.New("missing buffer binding"))
	assert.Equal(t, "CreateRun: validation: missing buffer binding", err.Error())

	bare := New(NotFound, "GetRun", nil)
	assert.Equal(t, "GetRun: not_found", bare.Error())
}

func TestWrap(t *testing.T) {
	err := Wrap(Validation, "parseCodespecRef", "malformed codespec reference %q", "bad-ref")
	assert.Contains(t, err.Error(), "bad-ref")
	assert.Equal(t, Validation, err.Kind)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(BackendTransient, "ListContainers", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsAndKindOf(t *testing.T) {
	err := New(PreconditionFailed, "UpdateBuffer", nil)
	assert.True(t, Is(err, PreconditionFailed))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, PreconditionFailed, KindOf(err))

	assert.Equal(t, Internal, KindOf(errors.New("not an apperr")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(BackendTransient, "op", nil).Retryable())
	assert.False(t, New(BackendFatal, "op", nil).Retryable())
	assert.False(t, New(Validation, "op", nil).Retryable())
}
