package errdefs

import "context"

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Unwrap() error { return e.error }

// NotFound wraps err so that it is classified as not-found.
func NotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	return errNotFound{err}
}

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Unwrap() error { return e.error }

// InvalidParameter wraps err so that it is classified as an invalid
// parameter.
func InvalidParameter(err error) error {
	if err == nil || IsInvalidParameter(err) {
		return err
	}
	return errInvalidParameter{err}
}

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Unwrap() error { return e.error }

// Conflict wraps err so that it is classified as a conflict.
func Conflict(err error) error {
	if err == nil || IsConflict(err) {
		return err
	}
	return errConflict{err}
}

type errUnauthorized struct{ error }

func (errUnauthorized) Unauthorized() {}

func (e errUnauthorized) Unwrap() error { return e.error }

// Unauthorized wraps err so that it is classified as unauthorized.
func Unauthorized(err error) error {
	if err == nil || IsUnauthorized(err) {
		return err
	}
	return errUnauthorized{err}
}

type errUnavailable struct{ error }

func (errUnavailable) Unavailable() {}

func (e errUnavailable) Unwrap() error { return e.error }

// Unavailable wraps err so that it is classified as unavailable.
func Unavailable(err error) error {
	if err == nil || IsUnavailable(err) {
		return err
	}
	return errUnavailable{err}
}

type errSystem struct{ error }

func (errSystem) System() {}

func (e errSystem) Unwrap() error { return e.error }

// System wraps err so that it is classified as an internal failure.
func System(err error) error {
	if err == nil || IsSystem(err) {
		return err
	}
	return errSystem{err}
}

type causer interface {
	Cause() error
}

type wrapErr interface {
	Unwrap() error
}

func getImplementer(err error) error {
	switch err.(type) {
	case ErrNotFound,
		ErrInvalidParameter,
		ErrConflict,
		ErrUnauthorized,
		ErrUnavailable,
		ErrSystem:
		return err
	}
	switch e := err.(type) {
	case causer:
		return getImplementer(e.Cause())
	case wrapErr:
		if wrapped := e.Unwrap(); wrapped != nil {
			return getImplementer(wrapped)
		}
	}
	return err
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	_, ok := getImplementer(err).(ErrNotFound)
	return ok
}

// IsInvalidParameter returns true if the error is classified as an invalid
// parameter.
func IsInvalidParameter(err error) bool {
	_, ok := getImplementer(err).(ErrInvalidParameter)
	return ok
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	_, ok := getImplementer(err).(ErrConflict)
	return ok
}

// IsUnauthorized returns true if the error is classified as unauthorized.
func IsUnauthorized(err error) bool {
	_, ok := getImplementer(err).(ErrUnauthorized)
	return ok
}

// IsUnavailable returns true if the error is classified as unavailable.
func IsUnavailable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	_, ok := getImplementer(err).(ErrUnavailable)
	return ok
}

// IsSystem returns true if the error is classified as an internal failure.
func IsSystem(err error) bool {
	_, ok := getImplementer(err).(ErrSystem)
	return ok
}
