package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// stubBackend embeds the interface so only the methods a test exercises
// need implementations.
type stubBackend struct {
	Backend
	resolved   types.ResolveRequest
	rolledBack string
}

func (s *stubBackend) Resolve(ctx context.Context, req types.ResolveRequest) (types.ResolveResult, error) {
	s.resolved = req
	return types.ResolveResult{Value: "german", ValueType: types.TypeString, RuleID: 7, Scope: types.ScopeGroup}, nil
}

func (s *stubBackend) RollbackDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	s.rolledBack = id
	return &types.Deployment{ID: id, State: types.DeploymentRolledBack}, nil
}

func TestRouteTable(t *testing.T) {
	registered := map[string]bool{}
	for _, rt := range NewRouter(&stubBackend{}).Routes() {
		registered[rt.Method()+" "+rt.Path()] = true
	}
	for _, want := range []string{
		"GET /v1/resolve",
		"GET /v1/drift",
		"POST /v1/scans",
		"POST /v1/deployments",
		"POST /v1/deployments/{id}/execute",
		"POST /v1/deployments/{id}/rollback",
	} {
		assert.Check(t, registered[want], "missing route %s", want)
	}
}

func TestResolveReadsQueryParameters(t *testing.T) {
	b := &stubBackend{}
	r := &controlRouter{backend: b}

	req := httptest.NewRequest(http.MethodGet, "/v1/resolve?instance=SMP101&plugin=EliteMobs&file=config.yml&key=language", nil)
	rec := httptest.NewRecorder()
	assert.NilError(t, r.resolve(req.Context(), rec, req, nil))

	assert.Check(t, is.Equal(b.resolved.Instance, "SMP101"))
	assert.Check(t, is.Equal(b.resolved.Target.ConfigType, types.ConfigPlugin))
	assert.Check(t, is.Equal(b.resolved.Target.Plugin, "EliteMobs"))
	assert.Check(t, is.Equal(b.resolved.Target.File, "config.yml"))
	assert.Check(t, is.Equal(b.resolved.Target.Key, "language"))

	var res types.ResolveResult
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Check(t, is.Equal(res.Value, "german"))
	assert.Check(t, is.Equal(res.RuleID, int64(7)))
}

func TestResolveWithoutPluginIsStandard(t *testing.T) {
	b := &stubBackend{}
	r := &controlRouter{backend: b}

	req := httptest.NewRequest(http.MethodGet, "/v1/resolve?instance=SMP101&file=server.properties&key=max-players", nil)
	assert.NilError(t, r.resolve(req.Context(), httptest.NewRecorder(), req, nil))
	assert.Check(t, is.Equal(b.resolved.Target.ConfigType, types.ConfigStandard))
}

func TestResolveRequiresInstanceAndFile(t *testing.T) {
	r := &controlRouter{backend: &stubBackend{}}

	req := httptest.NewRequest(http.MethodGet, "/v1/resolve?instance=SMP101", nil)
	err := r.resolve(req.Context(), httptest.NewRecorder(), req, nil)
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestRollbackDeploymentDispatch(t *testing.T) {
	b := &stubBackend{}
	r := &controlRouter{backend: b}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/deployments/dep-1/rollback", nil)
	assert.NilError(t, r.rollbackDeployment(req.Context(), rec, req, map[string]string{"id": "dep-1"}))

	assert.Check(t, is.Equal(b.rolledBack, "dep-1"))
	var dep types.Deployment
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &dep))
	assert.Check(t, is.Equal(dep.State, types.DeploymentRolledBack))
}
