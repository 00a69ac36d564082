package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrorTypeNetwork))
	assert.True(t, IsRetryable(ErrorTypeRateLimit))
	assert.True(t, IsRetryable(ErrorTypeServerError))

	assert.False(t, IsRetryable(ErrorTypeSession))
	assert.False(t, IsRetryable(ErrorTypeInvalidResponse))
	assert.False(t, IsRetryable(ErrorTypeNotFound))
	assert.False(t, IsRetryable(ErrorTypeUnknown))
}

func TestIsRetryableStatusCode(t *testing.T) {
	assert.True(t, IsRetryableStatusCode(429))
	assert.True(t, IsRetryableStatusCode(500))
	assert.True(t, IsRetryableStatusCode(503))

	assert.False(t, IsRetryableStatusCode(401))
	assert.False(t, IsRetryableStatusCode(404))
	assert.False(t, IsRetryableStatusCode(200))
}

func TestIsSession(t *testing.T) {
	assert.True(t, IsSession(NewSessionError("expired")))
	assert.True(t, IsSession(fmt.Errorf("listing posts: %w", NewSessionError("expired"))))
	assert.False(t, IsSession(NewInvalidResponse("bad", "{}")))
	assert.False(t, IsSession(nil))
}

func TestErrorString(t *testing.T) {
	err := &Error{Type: ErrorTypeServerError, Message: "boom", Code: 502}
	assert.Equal(t, "server_error error (code 502): boom", err.Error())
}
