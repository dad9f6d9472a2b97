// Package agentapi exposes the agent RPC surface over HTTP.
package agentapi

import (
	"context"
	"net/http"

	"github.com/minefleet/minefleet/api/server/httputils"
	"github.com/minefleet/minefleet/api/server/router"
	"github.com/minefleet/minefleet/api/types"
)

// Backend is what the agent daemon implements for the RPC surface.
type Backend interface {
	Status(ctx context.Context) (types.AgentStatus, error)
	ReadConfig(ctx context.Context, instance, file string) ([]byte, error)
	WriteConfig(ctx context.Context, req types.WriteConfigRequest) (types.WriteConfigResponse, error)
	Restart(ctx context.Context, instance string) ([]string, error)
	Rollback(ctx context.Context, deploymentID string) ([]string, error)
}

type agentRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter binds the agent backend to its routes.
func NewRouter(b Backend) router.Router {
	r := &agentRouter{backend: b}
	r.routes = []router.Route{
		router.NewGetRoute("/_ping", r.ping),
		router.NewGetRoute("/status", r.status),
		router.NewPostRoute("/read", r.readConfig),
		router.NewPostRoute("/write", r.writeConfig),
		router.NewPostRoute("/restart", r.restart),
		router.NewPostRoute("/rollback", r.rollback),
	}
	return r
}

func (a *agentRouter) Routes() []router.Route { return a.routes }

func (a *agentRouter) ping(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte("OK"))
	return err
}

func (a *agentRouter) status(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	st, err := a.backend.Status(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, st)
}

func (a *agentRouter) readConfig(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req types.ReadConfigRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	data, err := a.backend.ReadConfig(ctx, req.Instance, req.File)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, types.ReadConfigResponse{Data: data})
}

func (a *agentRouter) writeConfig(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req types.WriteConfigRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	resp, err := a.backend.WriteConfig(ctx, req)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, resp)
}

func (a *agentRouter) restart(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req types.RestartRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	restarted, err := a.backend.Restart(ctx, req.Instance)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, types.RestartResponse{Restarted: restarted})
}

func (a *agentRouter) rollback(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req types.RollbackRequest
	if err := httputils.ReadJSON(r, &req); err != nil {
		return err
	}
	restored, err := a.backend.Rollback(ctx, req.DeploymentID)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, types.RollbackResponse{Restored: restored})
}
