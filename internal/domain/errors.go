package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for tool execution. The dispatcher retries only
// ChannelError; everything else is terminal for the call.

// ValidationError marks a malformed tool call or missing required argument.
// Never retried.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid call to %s: %s", e.Tool, e.Reason)
}

// ChannelError marks a recoverable message-passing failure: the in-page agent
// is not listening yet, or the channel was torn down mid-call.
type ChannelError struct {
	TargetID string
	Cause    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel to %s not available: %v", e.TargetID, e.Cause)
}

func (e *ChannelError) Unwrap() error { return e.Cause }

// DomainError marks a failure inside a request/response surface (database,
// mail, integration). Never retried by the dispatcher; the message must
// already be sanitized by the handler that produced it.
type DomainError struct {
	Surface string
	Reason  string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Surface, e.Reason)
}

// ErrTimeoutExhausted is returned when a readiness wait ran out of attempts
// without ever observing a ready surface.
var ErrTimeoutExhausted = errors.New("readiness attempts exhausted")

// recoverableFragments matches the fixed set of error strings the browser
// runtime emits while a page agent is still initializing or being torn down.
// The boundary is external and cannot be changed, so a translation shim is
// kept here; everything above this point works with typed errors only.
var recoverableFragments = []string{
	"receiving end does not exist",
	"message channel closed",
	"no listener registered",
	"target not attached",
	"cannot access contents of the page",
	"context canceled by navigation",
}

// ClassifyChannelError wraps err in a *ChannelError when its text matches a
// known recoverable channel failure, and returns err unchanged otherwise.
func ClassifyChannelError(targetID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range recoverableFragments {
		if strings.Contains(msg, frag) {
			return &ChannelError{TargetID: targetID, Cause: err}
		}
	}
	return err
}

// IsRecoverable reports whether err represents a retryable channel failure.
func IsRecoverable(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}
