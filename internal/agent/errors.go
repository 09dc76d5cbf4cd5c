package agent

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
)

// ErrTransient marks a failure worth retrying that does not come from an
// AWS API error code, such as a dropped event stream.
var ErrTransient = errors.New("transient agent failure")

// User-safe messages returned in place of raw service errors.
const (
	MessageBusy       = "The service is temporarily busy. Please try again in a few moments."
	MessageUnexpected = "An unexpected error occurred. Please try again later."
)

var retryableCodes = map[string]bool{
	"ThrottlingException":         true,
	"InternalServerException":     true,
	"ServiceUnavailableException": true,
	"DependencyFailedException":   true,
	"BadGatewayException":         true,
}

// IsRetryable reports whether err is a throttling or transient failure.
// Quota, validation, access and not-found errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableCodes[apiErr.ErrorCode()]
	}
	return false
}

// ErrorCode returns the AWS error code of err, or "" if it has none.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// userMessage maps a final failure to the text shown to end users.
func userMessage(err error) string {
	if IsRetryable(err) {
		return MessageBusy
	}
	return MessageUnexpected
}
