// Package errdefs defines the error classes shared by all minefleet
// components. Errors are classified by behavior, not by concrete type, so
// that any error can opt in by implementing the matching interface. The
// HTTP layers map classes to status codes at the edge and back again in the
// client.
package errdefs

// ErrNotFound signals that the requested object does not exist.
type ErrNotFound interface {
	NotFound()
}

// ErrInvalidParameter signals that the user input is invalid.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrConflict signals that the requested operation collides with existing
// state, such as an overlapping deployment already in flight.
type ErrConflict interface {
	Conflict()
}

// ErrUnauthorized signals that the caller lacks the capability for the
// operation. The operation has no side effects.
type ErrUnauthorized interface {
	Unauthorized()
}

// ErrUnavailable signals that a required collaborator cannot be reached,
// typically an agent host that stopped answering heartbeats.
type ErrUnavailable interface {
	Unavailable()
}

// ErrSystem signals an internal failure such as local I/O going wrong.
type ErrSystem interface {
	System()
}
