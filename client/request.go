package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// serverResponse is a raw agent response before decoding.
type serverResponse struct {
	body       io.ReadCloser
	header     http.Header
	statusCode int
}

func (cli *Client) get(ctx context.Context, path string) (serverResponse, error) {
	return cli.doRequest(ctx, http.MethodGet, path, nil)
}

func (cli *Client) post(ctx context.Context, path string, obj any) (serverResponse, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return serverResponse{}, errdefs.InvalidParameter(errors.Wrap(err, "encoding request"))
	}
	return cli.doRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
}

func (cli *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (serverResponse, error) {
	u := *cli.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return serverResponse{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cli.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return serverResponse{}, ctx.Err()
		}
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return serverResponse{}, errdefs.Unavailable(errors.Wrapf(err, "cannot connect to agent at %s", cli.base))
	}
	sr := serverResponse{body: resp.Body, header: resp.Header, statusCode: resp.StatusCode}
	if err := cli.checkResponseErr(sr); err != nil {
		ensureReaderClosed(sr)
		return sr, err
	}
	return sr, nil
}

// checkResponseErr turns a non-2xx response into a classified error using
// the {"message": ...} error body of the protocol.
func (cli *Client) checkResponseErr(sr serverResponse) error {
	if sr.statusCode >= 200 && sr.statusCode < 300 {
		return nil
	}
	var msg string
	body, err := io.ReadAll(io.LimitReader(sr.body, 1<<20))
	if err == nil {
		var e struct {
			Message string `json:"message"`
		}
		if jerr := json.Unmarshal(body, &e); jerr == nil && e.Message != "" {
			msg = e.Message
		} else {
			msg = string(bytes.TrimSpace(body))
		}
	}
	if msg == "" {
		msg = "request failed with status " + http.StatusText(sr.statusCode)
	}
	return errdefs.FromStatusCode(errors.New(msg), sr.statusCode)
}

// decode unmarshals the response body into out and closes it.
func decode(sr serverResponse, out any) error {
	defer ensureReaderClosed(sr)
	return json.NewDecoder(sr.body).Decode(out)
}

// ensureReaderClosed drains and closes the body so the connection can be
// reused.
func ensureReaderClosed(sr serverResponse) {
	if sr.body != nil {
		io.Copy(io.Discard, io.LimitReader(sr.body, 512))
		sr.body.Close()
	}
}
