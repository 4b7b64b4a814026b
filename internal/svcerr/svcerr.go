// Package svcerr names the error taxonomy shared by every component of the
// audit subsystem, realized on top of github.com/go-kratos/kratos/v2/errors
// so that callers can branch on a stable Reason string without coupling to
// HTTP status codes.
package svcerr

import (
	"fmt"
	"net/http"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

const (
	ReasonBadRequest   = "BAD_REQUEST"
	ReasonNotSupported = "NOT_SUPPORTED"
	ReasonNotFound     = "NOT_FOUND"
	ReasonUnavailable  = "UNAVAILABLE"
	ReasonCrypto       = "CRYPTO"
	ReasonKeyStore     = "KEY_STORE"
	ReasonIO           = "IO"
	ReasonInternal     = "INTERNAL"
)

func BadRequest(format string, args ...any) error {
	return kerrors.New(http.StatusBadRequest, ReasonBadRequest, sprintf(format, args...))
}

func NotSupported(format string, args ...any) error {
	return kerrors.New(http.StatusNotImplemented, ReasonNotSupported, sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return kerrors.New(http.StatusNotFound, ReasonNotFound, sprintf(format, args...))
}

func Unavailable(format string, args ...any) error {
	return kerrors.New(http.StatusServiceUnavailable, ReasonUnavailable, sprintf(format, args...))
}

func Crypto(format string, args ...any) error {
	return kerrors.New(http.StatusInternalServerError, ReasonCrypto, sprintf(format, args...))
}

func KeyStore(format string, args ...any) error {
	return kerrors.New(http.StatusInternalServerError, ReasonKeyStore, sprintf(format, args...))
}

func IO(format string, args ...any) error {
	return kerrors.New(http.StatusInternalServerError, ReasonIO, sprintf(format, args...))
}

func Internal(format string, args ...any) error {
	return kerrors.New(http.StatusInternalServerError, ReasonInternal, sprintf(format, args...))
}

// Reason extracts the taxonomy reason from err, or "" if err was not
// produced by this package (or is nil).
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if e := kerrors.FromError(err); e != nil {
		return e.Reason
	}
	return ""
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
