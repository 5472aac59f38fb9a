package remote

import (
	"errors"
	"fmt"
)

// Remote store errors.
//
// Listener failures arrive through Listener.OnCancel and wrap one of
// ErrListenerCancelled, ErrPermissionDenied or ErrDisconnected.
var (
	// ErrNotFound is returned when an operation requires a node that does not exist.
	ErrNotFound = errors.New("remote: not found")

	// ErrPermissionDenied is returned when access to a path is refused or revoked.
	ErrPermissionDenied = errors.New("remote: permission denied")

	// ErrListenerCancelled is returned when the store cancels a listener.
	ErrListenerCancelled = errors.New("remote: listener cancelled")

	// ErrDisconnected is returned when the connection to the store is lost or closed.
	ErrDisconnected = errors.New("remote: disconnected")

	// ErrInvalidPath is returned for empty paths or illegal path segments.
	ErrInvalidPath = errors.New("remote: invalid path")

	// ErrInvalidValue is returned for values outside the tree data model.
	ErrInvalidValue = errors.New("remote: invalid value")

	// ErrAbortTransaction may be returned (or wrapped) by a TransactFunc to stop
	// a transaction without writing.
	ErrAbortTransaction = errors.New("remote: transaction aborted")

	// ErrTransactionContention is returned when a transaction keeps losing its
	// compare-and-set race.
	ErrTransactionContention = errors.New("remote: transaction contention")
)

// Wire error codes shared by the tree host and its clients.
const (
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeCancelled        = "cancelled"
	CodeDisconnected     = "disconnected"
	CodeInvalidPath      = "invalid_path"
	CodeInvalidValue     = "invalid_value"
	CodeInternal         = "internal"
)

var codeErrors = map[string]error{
	CodeNotFound:         ErrNotFound,
	CodePermissionDenied: ErrPermissionDenied,
	CodeCancelled:        ErrListenerCancelled,
	CodeDisconnected:     ErrDisconnected,
	CodeInvalidPath:      ErrInvalidPath,
	CodeInvalidValue:     ErrInvalidValue,
}

// ErrorCode maps an error to its wire code. Unknown errors map to CodeInternal.
func ErrorCode(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error received over the wire. The returned error
// wraps the matching sentinel so errors.Is keeps working across the hop.
func ErrorFromCode(code, message string) error {
	sentinel, ok := codeErrors[code]
	if !ok {
		if message == "" {
			message = code
		}
		return fmt.Errorf("remote: %s", message)
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
