package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error category returned to clients.
type Kind string

const (
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindPermissionDenied   Kind = "PERMISSION_DENIED"
	KindNotFound           Kind = "NOT_FOUND"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindConflict           Kind = "CONFLICT"
	KindUploadIncomplete   Kind = "UPLOAD_INCOMPLETE"
	KindChecksumMismatch   Kind = "CHECKSUM_MISMATCH"
	KindExpired            Kind = "EXPIRED"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL"
)

type Error struct {
	Status int
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Kind != "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, kind Kind, err error) *Error {
	return &Error{Status: status, Kind: kind, Err: err}
}

func Unauthenticated(msg string) *Error {
	return New(http.StatusUnauthorized, KindUnauthenticated, errors.New(msg))
}

func PermissionDenied(reason string) *Error {
	return New(http.StatusForbidden, KindPermissionDenied, fmt.Errorf("permission denied: %s", reason))
}

func NotFound(what string) *Error {
	return New(http.StatusNotFound, KindNotFound, fmt.Errorf("%s not found", what))
}

func Validation(field, msg string) *Error {
	return New(http.StatusBadRequest, KindValidation, fmt.Errorf("invalid %s: %s", field, msg))
}

func QuotaExceeded(have, need int64) *Error {
	return New(http.StatusRequestEntityTooLarge, KindQuotaExceeded,
		fmt.Errorf("quota exceeded: %d bytes available, %d requested", have, need))
}

func Conflict(msg string) *Error {
	return New(http.StatusConflict, KindConflict, errors.New(msg))
}

func UploadIncomplete(registered, declared int) *Error {
	return New(http.StatusConflict, KindUploadIncomplete,
		fmt.Errorf("upload incomplete: %d of %d chunks registered", registered, declared))
}

func ChecksumMismatch(declared, actual string) *Error {
	return New(http.StatusUnprocessableEntity, KindChecksumMismatch,
		fmt.Errorf("checksum mismatch: declared %s, storage reported %s", declared, actual))
}

func Expired(msg string) *Error {
	return New(http.StatusGone, KindExpired, errors.New(msg))
}

func StorageUnavailable(err error) *Error {
	return New(http.StatusServiceUnavailable, KindStorageUnavailable, fmt.Errorf("object storage unavailable: %w", err))
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, KindInternal, err)
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// StatusOf extracts the HTTP status from any error, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
