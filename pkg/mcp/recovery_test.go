package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "network failure" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected RecoveryAction
	}{
		{"nil error", nil, NoRetry},
		{"context canceled", context.Canceled, NoRetry},
		{"deadline exceeded", context.DeadlineExceeded, NoRetry},
		{"wrapped context canceled", fmt.Errorf("call failed: %w", context.Canceled), NoRetry},
		{"auth failure", errors.New("server returned 401 Unauthorized"), NoRetry},
		{"net timeout", &fakeNetError{timeout: true}, NoRetry},
		{"net non-timeout", &fakeNetError{timeout: false}, RetryNewSession},
		{"eof", io.EOF, RetryNewSession},
		{"unexpected eof", io.ErrUnexpectedEOF, RetryNewSession},
		{"connection refused", errors.New("dial tcp: connection refused"), RetryNewSession},
		{"connection reset", errors.New("read: connection reset by peer"), RetryNewSession},
		{"broken pipe", errors.New("write: broken pipe"), RetryNewSession},
		{"rate limited", errors.New("Rate limit exceeded, slow down"), RetrySameSession},
		{"http 429", errors.New("unexpected status 429"), RetrySameSession},
		{"method not found", errors.New("jsonrpc: method not found"), NoRetry},
		{"invalid params", errors.New("jsonrpc: invalid params"), NoRetry},
		{"unknown error", errors.New("something odd happened"), NoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.False(t, IsAuthError(errors.New("connection refused")))

	authErrs := []error{
		errors.New("401 Unauthorized"),
		errors.New("invalid token provided"),
		errors.New("token expired"),
		errors.New("authentication required"),
	}
	for _, err := range authErrs {
		assert.True(t, IsAuthError(err), "expected auth error: %v", err)
	}
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, IsTransportError(nil))
	assert.False(t, IsTransportError(errors.New("invalid params")))
	assert.True(t, IsTransportError(&fakeNetError{}))
	assert.True(t, IsTransportError(io.EOF))
	assert.True(t, IsTransportError(errors.New("no such host")))
}
