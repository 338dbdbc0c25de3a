package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/forksync/internal/meta"
)

// ErrStopped is returned by operations on a stopped replication.
var ErrStopped = errors.New("replication stopped")

// ErrNotLeader is returned by Start when another instance drives the
// replication identity.
var ErrNotLeader = errors.New("replication instance is not leader")

// ErrorCode categorizes replication errors.
type ErrorCode string

const (
	// ErrCodePullHandlerFailed indicates the pull handler returned an error.
	ErrCodePullHandlerFailed ErrorCode = "PULL_HANDLER_FAILED"

	// ErrCodePushHandlerFailed indicates the push handler returned an error.
	ErrCodePushHandlerFailed ErrorCode = "PUSH_HANDLER_FAILED"

	// ErrCodeModifierFailed indicates a push or pull modifier returned an
	// error.
	ErrCodeModifierFailed ErrorCode = "MODIFIER_FAILED"

	// ErrCodeStorageFailed indicates a fork or meta store operation failed.
	ErrCodeStorageFailed ErrorCode = "STORAGE_FAILED"

	// ErrCodeContractViolation indicates a handler returned a malformed
	// result. It is retried like a handler failure but logged distinctly.
	ErrCodeContractViolation ErrorCode = "HANDLER_CONTRACT_VIOLATION"

	// ErrCodeInvariantViolation indicates internal state that should be
	// impossible, usually a storage backend breaking its contract. It stops
	// the replication.
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
)

// Error is a replication failure with the context needed to diagnose it.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Direction is the loop that failed.
	Direction meta.Direction

	// Message is a human-readable description.
	Message string

	// Checkpoint is the checkpoint the failed iteration started from.
	Checkpoint json.RawMessage

	// DocumentIDs lists the documents of the failed batch, when known.
	DocumentIDs []string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s): %s", e.Code, e.Direction, e.Message)
	if len(e.DocumentIDs) > 0 {
		fmt.Fprintf(&b, " (documents=%s)", strings.Join(e.DocumentIDs, ","))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsContractViolation reports whether err is a handler contract violation.
// Uses errors.As to handle wrapped errors.
func IsContractViolation(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeContractViolation
	}
	return false
}

// IsInvariantViolation reports whether err is an invariant violation.
// Uses errors.As to handle wrapped errors.
func IsInvariantViolation(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeInvariantViolation
	}
	return false
}

// IsHandlerError reports whether err is a pull or push handler failure.
func IsHandlerError(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodePullHandlerFailed || re.Code == ErrCodePushHandlerFailed
	}
	return false
}

func newHandlerError(dir meta.Direction, checkpoint json.RawMessage, ids []string, cause error) *Error {
	code := ErrCodePullHandlerFailed
	if dir == meta.Push {
		code = ErrCodePushHandlerFailed
	}
	return &Error{
		Code:        code,
		Direction:   dir,
		Message:     string(dir) + " handler failed",
		Checkpoint:  checkpoint,
		DocumentIDs: ids,
		Cause:       cause,
	}
}

func newModifierError(dir meta.Direction, checkpoint json.RawMessage, id string, cause error) *Error {
	return &Error{
		Code:        ErrCodeModifierFailed,
		Direction:   dir,
		Message:     string(dir) + " modifier failed",
		Checkpoint:  checkpoint,
		DocumentIDs: []string{id},
		Cause:       cause,
	}
}

func newContractError(dir meta.Direction, checkpoint json.RawMessage, ids []string, format string, args ...any) *Error {
	return &Error{
		Code:        ErrCodeContractViolation,
		Direction:   dir,
		Message:     fmt.Sprintf(format, args...),
		Checkpoint:  checkpoint,
		DocumentIDs: ids,
	}
}

func newInvariantError(dir meta.Direction, ids []string, format string, args ...any) *Error {
	return &Error{
		Code:        ErrCodeInvariantViolation,
		Direction:   dir,
		Message:     fmt.Sprintf(format, args...),
		DocumentIDs: ids,
	}
}

// asError converts any iteration error into an *Error, wrapping storage
// and meta store failures.
func asError(dir meta.Direction, checkpoint json.RawMessage, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{
		Code:       ErrCodeStorageFailed,
		Direction:  dir,
		Message:    "storage operation failed",
		Checkpoint: checkpoint,
		Cause:      err,
	}
}
