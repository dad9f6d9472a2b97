// Package httputils holds the handler plumbing shared by the agent and
// control HTTP APIs.
package httputils

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"

	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// APIFunc is the signature every API endpoint implements. Path variables
// arrive in vars; returning an error writes the classified error response.
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ReadJSON decodes the request body into out. Unknown fields and trailing
// garbage are rejected; both usually indicate a version-skewed caller.
func ReadJSON(r *http.Request, out any) error {
	if err := checkJSONContentType(r); err != nil {
		return err
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errdefs.InvalidParameter(errors.Wrap(err, "invalid JSON"))
	}
	if dec.More() {
		return errdefs.InvalidParameter(errors.New("unexpected content after JSON body"))
	}
	return nil
}

func checkJSONContentType(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" && (r.Body == nil || r.ContentLength == 0) {
		return nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != "application/json" {
		return errdefs.InvalidParameter(errors.Errorf("unsupported Content-Type header (%s): must be 'application/json'", ct))
	}
	return nil
}
