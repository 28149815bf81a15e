// Package errors provides structured error types for the syncbox core.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the recovery policy of the layer above.
type Kind string

const (
	// KindNetwork marks transient transport failures; retry-eligible.
	KindNetwork Kind = "NETWORK"

	// KindAuth marks 401-class failures. Not retried by this layer;
	// triggers credential invalidation upstream.
	KindAuth Kind = "AUTH"

	// KindStorage marks local persistence failures. Surfaced, never
	// swallowed; callers decide whether to degrade to memory-only.
	KindStorage Kind = "STORAGE"

	// KindProtocol marks malformed push envelopes. Logged and dropped.
	KindProtocol Kind = "PROTOCOL"

	// KindValidation marks malformed caller input. Surfaced
	// synchronously, never queued.
	KindValidation Kind = "VALIDATION"
)

// Operation identifies where in the sync lifecycle an error occurred.
type Operation string

const (
	OpSync     Operation = "sync"
	OpFetch    Operation = "fetch"
	OpMerge    Operation = "merge"
	OpQueue    Operation = "queue"
	OpReplay   Operation = "replay"
	OpPut      Operation = "put"
	OpGet      Operation = "get"
	OpDelete   Operation = "delete"
	OpMetadata Operation = "metadata"
	OpConnect  Operation = "connect"
	OpDispatch Operation = "dispatch"
	OpSend     Operation = "send"
	OpClose    Operation = "close"
)

// SyncError is the structured error carried across component
// boundaries in this module.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "gateway")
	Component string

	// Kind for the error classification
	Kind Kind

	// Whether the operation can be retried
	Retryable bool

	// Underlying error
	Err error

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Kind:      KindNetwork,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewAuthError creates a new credential-related SyncError
func NewAuthError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Kind:      KindAuth,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewProtocolError creates a new wire-format SyncError
func NewProtocolError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Kind:      KindProtocol,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsAuth reports whether err is a credential-invalid SyncError.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// KindOf extracts the Kind from an error chain, or "" if none.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}
