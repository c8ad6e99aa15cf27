package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownReportType = errors.New("unknown report type")
	ErrTokenNotFound     = errors.New("no active token for account")
	ErrTokenRotated      = errors.New("refresh token was rotated by another writer")
	ErrDecryptFailed     = errors.New("token decryption failed")
	ErrReportNotFound    = errors.New("report not found")
)

// AuthRefreshError is terminal: the account must be re-authorized.
type AuthRefreshError struct {
	RealmID string
	Reason  string
	Err     error
}

func (e *AuthRefreshError) Error() string {
	msg := fmt.Sprintf("auth refresh failed for realm %s: %s", e.RealmID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthRefreshError) Unwrap() error { return e.Err }

// TransientNetworkError covers timeouts, resets and 5xx responses.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient network error during %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// MappingError means the source tree had an unexpected shape.
type MappingError struct {
	ReportType ReportType
	Path       string
	Reason     string
	Err        error
}

func (e *MappingError) Error() string {
	msg := fmt.Sprintf("cannot map %s report", e.ReportType)
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MappingError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed (and rolled back) document write.
type PersistenceError struct {
	ReportType ReportType
	Step       string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s report failed at %s: %v", e.ReportType, e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsAuthRefreshError reports whether err carries an AuthRefreshError.
func IsAuthRefreshError(err error) bool {
	var authErr *AuthRefreshError
	return errors.As(err, &authErr)
}
