package cardsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the cardsync package.
var (
	// ErrKeyNotInitialized is returned when an action is created with no
	// active signing key. Fatal to new-action creation until a key is issued.
	ErrKeyNotInitialized = errors.New("signing key not initialized")

	// ErrIntegrityCheckFailed is returned when a collection hash does not
	// match its recomputed value. The collection is discarded, never repaired.
	ErrIntegrityCheckFailed = errors.New("collection integrity check failed")

	// ErrChainVerificationFailed is returned when an action's signature or
	// chain link does not verify.
	ErrChainVerificationFailed = errors.New("action chain verification failed")

	// ErrSyncInProgress is returned when a sync is requested while one is
	// already in flight for the collection.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSyncCooldownActive is returned when a sync is requested inside the
	// cooldown window. ForceSync bypasses it.
	ErrSyncCooldownActive = errors.New("sync cooldown active")

	// ErrTransportFailure is returned when the exchange with the remote
	// authority fails before a response is parsed. The queue is preserved
	// and the sync remains retryable.
	ErrTransportFailure = errors.New("sync transport failure")

	// ErrUnknownConflictReason marks a server conflict reason with no
	// automatic policy; it is always routed to manual resolution.
	ErrUnknownConflictReason = errors.New("unknown conflict reason")

	// ErrUnknownActionType is returned for action types the ledger cannot sign.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrInvalidActionPayload is returned when required type-specific
	// payload fields are missing.
	ErrInvalidActionPayload = errors.New("invalid action payload")

	// ErrKeyNotFound is returned by key-value stores for absent keys.
	ErrKeyNotFound = errors.New("key not found")
)

// SyncErrorType categorizes sync failures.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeTransport indicates the request never produced a usable response.
	SyncErrorTypeTransport
	// SyncErrorTypeBusy indicates another sync holds the in-flight flag.
	SyncErrorTypeBusy
	// SyncErrorTypeCooldown indicates the attempt fell inside the cooldown window.
	SyncErrorTypeCooldown
	// SyncErrorTypeRejected indicates the authority rejected the whole exchange.
	SyncErrorTypeRejected
)

// SyncError provides detailed information about a failed sync attempt.
type SyncError struct {
	Type          SyncErrorType
	Message       string
	TransactionID string
	Cause         error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeTransport:
		return target == ErrTransportFailure
	case SyncErrorTypeBusy:
		return target == ErrSyncInProgress
	case SyncErrorTypeCooldown:
		return target == ErrSyncCooldownActive
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, txID string, cause error) *SyncError {
	return &SyncError{
		Type:          errType,
		Message:       message,
		TransactionID: txID,
		Cause:         cause,
	}
}
