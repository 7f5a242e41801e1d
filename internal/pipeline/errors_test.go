package pipeline

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassRetryable(t *testing.T) {
	assert.True(t, ErrorClassNetwork.Retryable())
	assert.True(t, ErrorClassRateLimit.Retryable())
	assert.True(t, ErrorClassServer.Retryable())

	assert.False(t, ErrorClassAuth.Retryable())
	assert.False(t, ErrorClassClient.Retryable())
	assert.False(t, ErrorClass("nonsense").Retryable())
}

func TestValidationf(t *testing.T) {
	err := Validationf("limit %d out of range", 42)

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "limit 42 out of range", verr.Reason)
}

func TestErrorsSurviveWrapping(t *testing.T) {
	base := &ConflictError{Resource: "stream orders", Detail: "sync already active"}
	wrapped := errors.Wrap(base, "enqueue sync")

	var conflict *ConflictError
	assert.True(t, errors.As(wrapped, &conflict))
	assert.Equal(t, "stream orders", conflict.Resource)

	var notFound *NotFoundError
	assert.False(t, errors.As(wrapped, &notFound))
}

func TestInvalidStateErrorMessage(t *testing.T) {
	err := &InvalidStateError{Entity: "job", ID: "j1", Expected: "running", Actual: "pending"}
	assert.Equal(t, "job j1 is pending, expected running", err.Error())
}
