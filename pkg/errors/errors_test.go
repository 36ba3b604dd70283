package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(ErrorTypeFetch, "page fetch failed")

	assert.Equal(t, "fetch: page fetch failed", err.Error())
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCauseAndStack(t *testing.T) {
	cause := New(ErrorTypeFetch, "connection reset")
	wrapped := Wrap(cause, ErrorTypeFetch, "retry budget exhausted")

	assert.Equal(t, cause, stderrors.Unwrap(wrapped))
	assert.Equal(t, cause.Stack, wrapped.Stack)

	plain := fmt.Errorf("plain failure")
	wrapped = Wrap(plain, ErrorTypeInternal, "something broke")
	assert.True(t, stderrors.Is(wrapped, plain))
	assert.NotEmpty(t, wrapped.Stack)

	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeFetch, "transient")))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "bad config")))
	assert.False(t, IsRetryable(New(ErrorTypeInternal, "bug")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsRecordLevel(t *testing.T) {
	assert.True(t, IsRecordLevel(New(ErrorTypeTransform, "bad record")))
	assert.True(t, IsRecordLevel(New(ErrorTypeTransformTimeout, "too slow")))
	assert.True(t, IsRecordLevel(New(ErrorTypeGroupLimit, "cardinality")))
	assert.False(t, IsRecordLevel(New(ErrorTypeFetch, "transient")))
	assert.False(t, IsRecordLevel(New(ErrorTypeInternal, "panic")))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeMerge, "partition unresponsive")
	assert.True(t, IsType(err, ErrorTypeMerge))
	assert.False(t, IsType(err, ErrorTypeFetch))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeMerge))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeFetch, "page fetch failed").
		WithDetail("offset", 100).
		WithDetail("limit", 50)

	require.NotNil(t, err.Details)
	assert.Equal(t, 100, err.Details["offset"])
	assert.Equal(t, 50, err.Details["limit"])
}
