package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaydesk/agentd/pkg/mcp"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
)

// ErrorBucket classifies agent loop failures for the API layer.
type ErrorBucket string

const (
	// BucketModelProvider: the LLM provider rejected or failed the request.
	BucketModelProvider ErrorBucket = "MODEL_PROVIDER_ERROR"
	// BucketMCPUnavailable: a tool server could not be reached at all.
	BucketMCPUnavailable ErrorBucket = "MCP_UNAVAILABLE"
	// BucketToolExec: a tool ran and failed.
	BucketToolExec ErrorBucket = "TOOL_EXEC_ERROR"
	// BucketUnexpected: anything else.
	BucketUnexpected ErrorBucket = "APP_UNEXPECTED"
)

// Error is the normalised agent loop error.
type Error struct {
	Bucket ErrorBucket
	Origin string // "anthropic", "mcp", "oauth" or "app"
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Bucket, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err unless it is already normalised.
func newError(bucket ErrorBucket, origin string, err error) *Error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	return &Error{Bucket: bucket, Origin: origin, Err: err}
}

// classifyToolError maps a tool call failure onto the taxonomy.
func classifyToolError(err error) *Error {
	switch {
	case errors.Is(err, mcp.ErrToolFailed) || errors.Is(err, mcp.ErrUnknownTool):
		return newError(BucketToolExec, "mcp", err)
	case errors.Is(err, oauth.ErrNoConnection) || errors.Is(err, oauth.ErrNeedsReauth):
		return newError(BucketToolExec, "oauth", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return newError(BucketUnexpected, "app", err)
	case mcp.IsTransportError(err) || errors.Is(err, mcp.ErrServerUnavailable):
		return newError(BucketMCPUnavailable, "mcp", err)
	default:
		return newError(BucketToolExec, "mcp", err)
	}
}

// classifyModelError maps an Anthropic API failure onto the taxonomy.
func classifyModelError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(BucketUnexpected, "app", err)
	}
	return newError(BucketModelProvider, "anthropic", err)
}

// recoverableToolError reports whether a tool failure should be fed back to
// the model as an error tool result instead of aborting the run. Transport
// failures abort; everything tool-level is surfaced to the model so it can
// adjust.
func recoverableToolError(err *Error) bool {
	return err.Bucket == BucketToolExec
}

// IsBudgetExceeded reports whether the run was refused by the token budget.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, services.ErrBudgetExceeded)
}
