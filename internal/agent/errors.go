// internal/agent/errors.go
package agent

import (
	"context"
	"errors"

	"github.com/bwasti/llpkmn/internal/action"
	"github.com/bwasti/llpkmn/internal/llmclient"
	"github.com/bwasti/llpkmn/internal/screenshot"
	"github.com/bwasti/llpkmn/internal/transport"
)

// ErrorCode is a string type used for structured error reporting from the
// decision loop. Using a custom type ensures that only predefined constants
// can be used where an ErrorCode is expected.
type ErrorCode string

const (
	// -- Bridge Errors --
	ErrCodeTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodeConnectionBroken ErrorCode = "CONNECTION_BROKEN"
	ErrCodeTimeoutError     ErrorCode = "TIMEOUT_ERROR"

	// -- Screenshot Errors --
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	// ErrCodeInsufficientState is expected while the first captures land; it
	// only surfaces when the selection wait is exhausted.
	ErrCodeInsufficientState ErrorCode = "INSUFFICIENT_STATE"

	// -- Decision Errors --
	ErrCodeUnparsableAction ErrorCode = "UNPARSABLE_ACTION"
	ErrCodeModelFailure     ErrorCode = "MODEL_FAILURE"

	// -- Internal System Errors --
	ErrCodeHistoryInvariant ErrorCode = "HISTORY_INVARIANT"
	ErrCodeCanceled         ErrorCode = "CANCELED"
	ErrCodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
)

var (
	// ErrModelFailure wraps every error returned by the model capability.
	ErrModelFailure = errors.New("model request failed")
	// ErrHistoryMismatch means a prompt was about to be built with the wrong
	// number of screenshots for its actions.
	ErrHistoryMismatch = errors.New("screenshot count does not match action history")
)

// Classify maps an error from a step onto its reporting code. The most
// specific cause wins: a broken connection is reported as such even though
// it also wraps the original read failure.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	case errors.Is(err, transport.ErrConnectionBroken):
		return ErrCodeConnectionBroken
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	case errors.Is(err, transport.ErrConnectionClosed):
		return ErrCodeConnectionClosed
	case errors.Is(err, screenshot.ErrStorageUnavailable):
		return ErrCodeStorageUnavailable
	case errors.Is(err, screenshot.ErrInsufficientState):
		return ErrCodeInsufficientState
	case errors.Is(err, action.ErrUnparsableAction), errors.Is(err, llmclient.ErrInvalidChoice):
		return ErrCodeUnparsableAction
	case errors.Is(err, ErrHistoryMismatch):
		return ErrCodeHistoryInvariant
	case errors.Is(err, ErrModelFailure):
		return ErrCodeModelFailure
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return ErrCodeTransport
	}
	return ErrCodeExecutionFailure
}
