package harness

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-harness/exitcodes"
)

func TestRuntimeError(t *testing.T) {
	inner := errors.New("bad config")
	err := NewRuntimeError(inner)

	assert.True(t, IsRuntimeError(err))
	assert.True(t, IsRuntimeError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRuntimeError(inner))
	assert.False(t, IsRuntimeError(nil))
	assert.ErrorIs(t, err, inner)
}

func TestTestFailureError_ExitCode(t *testing.T) {
	assert.Equal(t, 1, NewTestFailureError(1).ExitCode())
	assert.Equal(t, 42, NewTestFailureError(42).ExitCode())
	assert.Equal(t, exitcodes.MaxTestFailures, NewTestFailureError(125).ExitCode())
	assert.Equal(t, exitcodes.MaxTestFailures, NewTestFailureError(3000).ExitCode())
}

func TestIsTestFailureError(t *testing.T) {
	err := NewTestFailureError(2)
	assert.True(t, IsTestFailureError(err))
	assert.True(t, IsTestFailureError(fmt.Errorf("run: %w", err)))
	assert.False(t, IsTestFailureError(errors.New("other")))
	assert.False(t, IsTestFailureError(nil))
}
