package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type quotaError struct{}

func (quotaError) Error() string     { return "quota exceeded" }
func (quotaError) ErrorName() string { return "QuotaExceeded" }

func TestToRemoteError(t *testing.T) {
	assert.Nil(t, toRemoteError(nil))

	re := toRemoteError(errors.New("boom"))
	assert.Equal(t, "Error", re.Name)
	assert.Equal(t, "boom", re.Error())

	re = toRemoteError(fmt.Errorf("%w: files", ErrUnknownChannel))
	assert.Equal(t, "UnknownChannel", re.Name)
	assert.ErrorIs(t, re, ErrUnknownChannel)

	re = toRemoteError(fmt.Errorf("wrapped: %w", quotaError{}))
	assert.Equal(t, "QuotaExceeded", re.Name)
	assert.Equal(t, "QuotaExceeded: wrapped: quota exceeded", re.Error())
	assert.Nil(t, re.Unwrap())

	original := &RemoteError{Name: "Panic", Message: "nil map", Stack: "goroutine 1"}
	assert.Same(t, original, toRemoteError(fmt.Errorf("relay: %w", original)))
}

func TestCancelledError(t *testing.T) {
	assert.Equal(t, ErrCancelled, cancelledError(nil))

	err := cancelledError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
