package errdefs

import "net/http"

// FromStatusCode creates an error with the classification matching an HTTP
// status code. Used on the client side of the agent and control APIs.
func FromStatusCode(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return NotFound(err)
	case http.StatusBadRequest:
		return InvalidParameter(err)
	case http.StatusConflict:
		return Conflict(err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized(err)
	case http.StatusServiceUnavailable:
		return Unavailable(err)
	default:
		if statusCode >= 400 && statusCode < 500 {
			return InvalidParameter(err)
		}
		return System(err)
	}
}
