// Package controlapi exposes the controller's operator surface over HTTP.
// All routes live under /v1.
package controlapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/minefleet/minefleet/api/server/httputils"
	"github.com/minefleet/minefleet/api/server/router"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

type controlRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter binds the controller backend to the control routes.
func NewRouter(b Backend) router.Router {
	r := &controlRouter{backend: b}
	r.routes = []router.Route{
		router.NewPostRoute("/v1/rules", r.setRule),
		router.NewGetRoute("/v1/rules", r.listRules),
		router.NewDeleteRoute("/v1/rules/{id}", r.deactivateRule),
		router.NewPostRoute("/v1/variables", r.setVariable),
		router.NewGetRoute("/v1/resolve", r.resolve),
		router.NewPostRoute("/v1/scans", r.scanDrift),
		router.NewGetRoute("/v1/drift", r.driftReport),
		router.NewPostRoute("/v1/deployments", r.planDeployment),
		router.NewPostRoute("/v1/deployments/{id}/execute", r.executeDeployment),
		router.NewPostRoute("/v1/deployments/{id}/rollback", r.rollbackDeployment),
		router.NewGetRoute("/v1/deployments/{id}", r.getDeployment),
		router.NewGetRoute("/v1/instances", r.instances),
		router.NewPostRoute("/v1/groups", r.createGroup),
		router.NewPostRoute("/v1/groups/{group}/members/{instance}", r.addGroupMember),
		router.NewDeleteRoute("/v1/groups/{group}/members/{instance}", r.removeGroupMember),
		router.NewPostRoute("/v1/tags", r.createTag),
		router.NewPostRoute("/v1/tags/{tag}/assignments/{instance}", r.assignTag),
		router.NewDeleteRoute("/v1/tags/{tag}/assignments/{instance}", r.unassignTag),
		router.NewGetRoute("/v1/plugins", r.plugins),
		router.NewPostRoute("/v1/plugins", r.registerPlugin),
		router.NewPostRoute("/v1/plugins/{name}/release", r.releasePlugin),
		router.NewPostRoute("/v1/plugins/{name}/quarantine", r.quarantinePlugin),
		router.NewPostRoute("/v1/plugins/updates", r.pluginUpdates),
	}
	return r
}

func (c *controlRouter) Routes() []router.Route { return c.routes }

func (c *controlRouter) setRule(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var rule types.Rule
	if err := httputils.ReadJSON(r, &rule); err != nil {
		return err
	}
	id, err := c.backend.SetRule(ctx, rule)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (c *controlRouter) listRules(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	q := r.URL.Query()
	f := types.RuleFilter{
		Scope:      types.Scope(q.Get("scope")),
		Selector:   q.Get("selector"),
		Plugin:     q.Get("plugin"),
		File:       q.Get("file"),
		ActiveOnly: q.Get("active") == "1" || q.Get("active") == "true",
	}
	rules, err := c.backend.ListRules(ctx, f)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, rules)
}

func (c *controlRouter) deactivateRule(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		return errdefs.InvalidParameter(errors.Errorf("invalid rule id %q", vars["id"]))
	}
	if err := c.backend.DeactivateRule(ctx, id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) setVariable(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var v types.Variable
	if err := httputils.ReadJSON(r, &v); err != nil {
		return err
	}
	if err := c.backend.SetVariable(ctx, v); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) resolve(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	q := r.URL.Query()
	req := types.ResolveRequest{
		Instance: q.Get("instance"),
		Target: types.Target{
			ConfigType: types.ConfigType(q.Get("config_type")),
			Plugin:     q.Get("plugin"),
			File:       q.Get("file"),
			Key:        q.Get("key"),
		},
	}
	if req.Instance == "" || req.Target.File == "" {
		return errdefs.InvalidParameter(errors.New("resolve requires instance and file parameters"))
	}
	if req.Target.ConfigType == "" {
		req.Target.ConfigType = types.ConfigStandard
		if req.Target.Plugin != "" {
			req.Target.ConfigType = types.ConfigPlugin
		}
	}
	res, err := c.backend.Resolve(ctx, req)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, res)
}

func (c *controlRouter) scanDrift(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req types.ScanRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	summary, err := c.backend.ScanDrift(ctx, req)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, summary)
}

func (c *controlRouter) driftReport(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	q := r.URL.Query()
	f := types.DriftFilter{
		Instance: q.Get("instance"),
		Host:     q.Get("host"),
		Severity: types.Severity(q.Get("severity")),
		Class:    types.Classification(q.Get("classification")),
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return errdefs.InvalidParameter(errors.Errorf("invalid since timestamp %q", since))
		}
		f.Since = ts
	}
	items, err := c.backend.DriftReport(ctx, f)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, items)
}

func (c *controlRouter) planDeployment(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var cs types.ChangeSet
	if err := httputils.ReadJSON(r, &cs); err != nil {
		return err
	}
	dep, err := c.backend.PlanDeployment(ctx, cs)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusCreated, dep)
}

func (c *controlRouter) executeDeployment(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	dep, err := c.backend.ExecuteDeployment(ctx, vars["id"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, dep)
}

func (c *controlRouter) rollbackDeployment(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	dep, err := c.backend.RollbackDeployment(ctx, vars["id"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, dep)
}

func (c *controlRouter) getDeployment(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	dep, err := c.backend.GetDeployment(ctx, vars["id"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, dep)
}

func (c *controlRouter) instances(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	out, err := c.backend.Instances(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, out)
}

func (c *controlRouter) createGroup(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var g types.Group
	if err := httputils.ReadJSON(r, &g); err != nil {
		return err
	}
	if err := c.backend.CreateGroup(ctx, g); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (c *controlRouter) addGroupMember(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := c.backend.AddGroupMember(ctx, vars["group"], vars["instance"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) removeGroupMember(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := c.backend.RemoveGroupMember(ctx, vars["group"], vars["instance"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) createTag(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var t types.Tag
	if err := httputils.ReadJSON(r, &t); err != nil {
		return err
	}
	if err := c.backend.CreateTag(ctx, t); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (c *controlRouter) assignTag(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := c.backend.AssignTag(ctx, vars["tag"], vars["instance"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) unassignTag(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := c.backend.UnassignTag(ctx, vars["tag"], vars["instance"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) plugins(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	out, err := c.backend.Plugins(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, out)
}

func (c *controlRouter) registerPlugin(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var p types.Plugin
	if err := httputils.ReadJSON(r, &p); err != nil {
		return err
	}
	if err := c.backend.RegisterPlugin(ctx, p); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (c *controlRouter) releasePlugin(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := c.backend.ReleasePlugin(ctx, vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) quarantinePlugin(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := c.backend.QuarantinePlugin(ctx, vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (c *controlRouter) pluginUpdates(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var installed map[string]string
	if err := httputils.ReadJSON(r, &installed); err != nil {
		return err
	}
	updates, err := c.backend.PluginUpdates(ctx, installed)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, updates)
}
