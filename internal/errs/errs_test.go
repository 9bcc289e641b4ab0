package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidation_SetsCodeAndMessage(t *testing.T) {
	err := Validation("field %q is required", "title")
	assert.Equal(t, CodeValidation, err.Code())
	assert.Equal(t, `field "title" is required`, err.Message())
}

func TestWrap_PreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage(cause, "write recipe")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodeOf_ReturnsInternalForForeignErrors(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestCodeOf_ReturnsTaggedCodeThroughWrapping(t *testing.T) {
	tagged := NotFound("recipe %s not found", "r1")
	wrapped := fmt.Errorf("lookup failed: %w", tagged)
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
}

func TestMessageOf_FallsBackForForeignErrors(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(errors.New("raw sql leak")))
}

func TestMessageOf_ReturnsSanitizedMessage(t *testing.T) {
	err := PermissionDenied("actor %s lacks %s", "visitor", "write:recipe")
	assert.Equal(t, "actor visitor lacks write:recipe", MessageOf(err))
}
