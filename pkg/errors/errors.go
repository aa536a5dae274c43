package errors

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindSourceUnavailable    Kind = "SourceUnavailable"
	KindAuthExpired          Kind = "AuthExpired"
	KindConfiguration        Kind = "ConfigurationError"
	KindRateLimitExceeded    Kind = "RateLimitExceeded"
	KindConflictingJobExists Kind = "ConflictingJobExists"
	KindNotFound             Kind = "NotFound"
	KindInvalidTransition    Kind = "InvalidTransition"
)

type SyncError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (err *SyncError) Error() string {
	return err.Message
}

var (
	SourceUnavailable    = SyncError{KindSourceUnavailable, http.StatusServiceUnavailable, "source unavailable"}
	AuthExpired          = SyncError{KindAuthExpired, http.StatusUnauthorized, "provider authorization expired"}
	ConfigurationError   = SyncError{KindConfiguration, http.StatusUnprocessableEntity, "invalid configuration"}
	RateLimitExceeded    = SyncError{KindRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded"}
	ConflictingJobExists = SyncError{KindConflictingJobExists, http.StatusConflict, "an active job already exists for this sync"}
	NotFound             = SyncError{KindNotFound, http.StatusNotFound, "not found"}
	InvalidTransition    = SyncError{KindInvalidTransition, http.StatusConflict, "invalid status transition"}
)

// KindOf returns the taxonomy kind carried by err, or "" for foreign errors.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable reports whether the next scheduled tick may simply try again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindSourceUnavailable, KindRateLimitExceeded:
		return true
	}
	return false
}

// IsPersistent reports failures that must park the sync in the error status.
func IsPersistent(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindAuthExpired:
		return true
	}
	return false
}

func StatusCode(err error) int {
	var se *SyncError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return http.StatusInternalServerError
}

func Is(err error, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func AsSyncError(err error, syncErr **SyncError) bool {
	return errors.As(err, syncErr)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
