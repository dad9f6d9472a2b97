package httputils

import (
	"net/http"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/errdefs"
)

// statusCodeFromError maps an error to an HTTP status using its
// classification. Unclassified errors are treated as internal.
func statusCodeFromError(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsInvalidParameter(err):
		return http.StatusBadRequest
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as the protocol's JSON error body. Internal errors
// are logged with the request path; client errors are the caller's
// problem and stay quiet.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil || w == nil {
		return
	}
	code := statusCodeFromError(err)
	if code >= 500 {
		log.G(r.Context()).WithError(err).WithField("uri", r.RequestURI).Error("handler error")
	}
	_ = WriteJSON(w, code, map[string]string{"message": err.Error()})
}
