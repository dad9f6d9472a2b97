// Package client is the HTTP client for the agent RPC surface. One method
// per remote call; every call takes a context and propagates its deadline
// to the wire.
package client

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// Client talks to one agent daemon.
type Client struct {
	// base is the agent endpoint, scheme and authority only.
	base   *url.URL
	client *http.Client
}

// Opt adjusts a Client during construction.
type Opt func(*Client) error

// WithHTTPClient swaps the underlying HTTP client. Tests use it to install
// a mock transport.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil HTTP client")
		}
		c.client = hc
		return nil
	}
}

// WithTimeout caps every request made by the client. Per-call contexts may
// impose a shorter deadline.
func WithTimeout(d time.Duration) Opt {
	return func(c *Client) error {
		c.client.Timeout = d
		return nil
	}
}

// New builds a client for the agent at endpoint. Endpoints without a
// scheme default to http.
func New(endpoint string, ops ...Opt) (*Client, error) {
	if endpoint == "" {
		return nil, errdefs.InvalidParameter(errors.New("empty agent endpoint"))
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrapf(err, "agent endpoint %q", endpoint))
	}
	if u.Host == "" {
		return nil, errdefs.InvalidParameter(errors.Errorf("agent endpoint %q has no host", endpoint))
	}
	c := &Client{
		base:   &url.URL{Scheme: u.Scheme, Host: u.Host},
		client: &http.Client{},
	}
	for _, op := range ops {
		if err := op(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Endpoint returns the agent address the client was built for.
func (cli *Client) Endpoint() string {
	return cli.base.String()
}
