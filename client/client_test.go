package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// transportFunc lets tests stand in for the wire.
type transportFunc func(*http.Request) (*http.Response, error)

func (tf transportFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return tf(req)
}

func newMockClient(t *testing.T, doer transportFunc) *Client {
	t.Helper()
	c, err := New("agent-host:7600", WithHTTPClient(&http.Client{Transport: doer}))
	assert.NilError(t, err)
	return c
}

func jsonResponse(statusCode int, obj any) (*http.Response, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: statusCode,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func errorResponse(statusCode int, message string) (*http.Response, error) {
	return jsonResponse(statusCode, map[string]string{"message": message})
}

func TestNewValidatesEndpoint(t *testing.T) {
	_, err := New("")
	assert.Check(t, errdefs.IsInvalidParameter(err))

	c, err := New("10.0.0.5:7600")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.Endpoint(), "http://10.0.0.5:7600"))
}

func TestStatus(t *testing.T) {
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Check(t, is.Equal(req.Method, http.MethodGet))
		assert.Check(t, is.Equal(req.URL.Path, "/status"))
		return jsonResponse(http.StatusOK, types.AgentStatus{
			Host:    "hetzner",
			Version: "1.2.0",
			Instances: []types.AgentInstance{
				{ID: "SMP101", Active: true},
			},
			NeedsRestart: []string{"SMP101"},
		})
	})
	st, err := client.Status(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(st.Host, "hetzner"))
	assert.Assert(t, is.Len(st.Instances, 1))
	assert.Check(t, is.DeepEqual(st.NeedsRestart, []string{"SMP101"}))
}

func TestReadConfigNotFound(t *testing.T) {
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		return errorResponse(http.StatusNotFound, "no such file paper.yml")
	})
	_, err := client.ReadConfig(context.Background(), "SMP101", "paper.yml")
	assert.Check(t, errdefs.IsNotFound(err))
	assert.Check(t, is.ErrorContains(err, "no such file"))
}

func TestWriteConfigSendsPayload(t *testing.T) {
	payload := []byte("language: german\n")
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Check(t, is.Equal(req.URL.Path, "/write"))
		var got types.WriteConfigRequest
		assert.NilError(t, json.NewDecoder(req.Body).Decode(&got))
		assert.Check(t, is.Equal(got.Instance, "SMP101"))
		assert.Check(t, is.Equal(got.File, "plugins/EliteMobs/config.yml"))
		assert.Check(t, is.Equal(got.DeploymentID, "dep-7"))
		assert.Check(t, is.DeepEqual(got.Data, payload))
		return jsonResponse(http.StatusOK, types.WriteConfigResponse{OK: true, Digest: "sha256:abc"})
	})
	out, err := client.WriteConfig(context.Background(), types.WriteConfigRequest{
		Instance:     "SMP101",
		File:         "plugins/EliteMobs/config.yml",
		Data:         payload,
		DeploymentID: "dep-7",
	})
	assert.NilError(t, err)
	assert.Check(t, out.OK)
	assert.Check(t, is.Equal(out.Digest, "sha256:abc"))
}

func TestBytesRideAsBase64(t *testing.T) {
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(req.Body)
		assert.NilError(t, err)
		assert.Check(t, is.Contains(string(raw), `"bytes_b64":"aGVsbG8="`))
		return jsonResponse(http.StatusOK, types.WriteConfigResponse{OK: true})
	})
	_, err := client.WriteConfig(context.Background(), types.WriteConfigRequest{
		Instance: "SMP101", File: "f.yml", Data: []byte("hello"),
	})
	assert.NilError(t, err)
}

func TestRestartAllOmitsInstance(t *testing.T) {
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		raw, err := io.ReadAll(req.Body)
		assert.NilError(t, err)
		assert.Check(t, !strings.Contains(string(raw), "instance"))
		return jsonResponse(http.StatusOK, types.RestartResponse{Restarted: []string{"SMP101", "CREA01"}})
	})
	restarted, err := client.RestartAll(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Len(restarted, 2))
}

func TestConnectionErrorIsUnavailable(t *testing.T) {
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	_, err := client.Status(context.Background())
	assert.Check(t, errdefs.IsUnavailable(err))
	assert.Check(t, is.ErrorContains(err, "cannot connect to agent"))
}

func TestCanceledContextWinsOverTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("transport noise")
	})
	_, err := client.Status(ctx)
	assert.Check(t, is.ErrorIs(err, context.Canceled))
}

func TestServerErrorIsSystem(t *testing.T) {
	client := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		return errorResponse(http.StatusInternalServerError, "disk on fire")
	})
	_, err := client.Rollback(context.Background(), "dep-7")
	assert.Check(t, errdefs.IsSystem(err))
}
