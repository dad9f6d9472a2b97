// Package controller wires the rule store, the plugin registry, the drift
// engine, and the deployment orchestrator together behind the control API,
// and owns the HTTP clients for the per-host agents.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/client"
	"github.com/minefleet/minefleet/daemonconfig"
	"github.com/minefleet/minefleet/deploy"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/pkg/confcodec"
	"github.com/minefleet/minefleet/registry"
	"github.com/minefleet/minefleet/resolver"
	"github.com/minefleet/minefleet/rulestore"
	"github.com/pkg/errors"
)

// AgentAPI is the full agent RPC surface the controller drives.
type AgentAPI interface {
	deploy.AgentClient
	Status(ctx context.Context) (types.AgentStatus, error)
	Ping(ctx context.Context) error
}

// Store is the persistence surface the controller needs. *rulestore.Store
// implements it.
type Store interface {
	deploy.Store

	PutRule(ctx context.Context, r types.Rule) (int64, error)
	DeactivateRule(ctx context.Context, id int64) error
	GetRules(ctx context.Context, f rulestore.RuleFilter) ([]types.Rule, error)
	SetVariable(ctx context.Context, v types.Variable) error

	BeginScan(ctx context.Context, scanID string, startedAt time.Time) error
	AppendDriftItems(ctx context.Context, items []types.DriftItem) error
	FinishScan(ctx context.Context, scanID string, finishedAt time.Time, instances int) error
	DriftReport(ctx context.Context, f types.DriftFilter) ([]types.DriftItem, error)

	Instances(ctx context.Context) ([]types.Instance, error)
	EnsureGroup(ctx context.Context, g types.Group) error
	AddGroupMember(ctx context.Context, group, instance string) error
	RemoveGroupMember(ctx context.Context, group, instance string) error
	EnsureTag(ctx context.Context, t types.Tag) error
	AssignTag(ctx context.Context, tag, instance string) error
	UnassignTag(ctx context.Context, tag, instance string) error
	Plugins(ctx context.Context) ([]types.Plugin, error)

	PurgeBackupManifests(ctx context.Context, cutoff time.Time) (int64, error)
}

// Controller is the control-plane core: one instance per daemon.
type Controller struct {
	cfg    daemonconfig.Settings
	store  Store
	reg    *registry.Registry
	orch   *deploy.Orchestrator
	agents map[string]AgentAPI

	// Heartbeat bookkeeping per host.
	mu     sync.Mutex
	misses map[string]int
	down   map[string]bool
}

// New builds a controller from its settings, dialing one client per
// configured agent endpoint.
func New(cfg daemonconfig.Settings, store *rulestore.Store) (*Controller, error) {
	agents := make(map[string]AgentAPI, len(cfg.Agents))
	for _, a := range cfg.Agents {
		cli, err := client.New(a.Endpoint)
		if err != nil {
			return nil, errors.Wrapf(err, "agent %s", a.Host)
		}
		agents[a.Host] = cli
	}
	reg := registry.New(store, registry.Config{
		UnseenWindow:     cfg.Registry.UnseenWindow.Std(),
		PlatformPrefixes: cfg.Registry.PlatformPrefixes,
	})
	return newController(cfg, store, reg, agents), nil
}

func newController(cfg daemonconfig.Settings, store Store, reg *registry.Registry, agents map[string]AgentAPI) *Controller {
	c := &Controller{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		agents: agents,
		misses: map[string]int{},
		down:   map[string]bool{},
	}
	c.orch = deploy.New(store, c, cfg.Deployment, confcodec.Options{
		AcceptBOM:          cfg.Codec.AcceptBOM,
		PreserveIPAsString: cfg.Codec.PreserveIPAsString,
	})
	return c
}

// Agent implements deploy.AgentPool.
func (c *Controller) Agent(host string) (deploy.AgentClient, error) {
	return c.agent(host)
}

func (c *Controller) agent(host string) (AgentAPI, error) {
	a, ok := c.agents[host]
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("no agent configured for host %q", host))
	}
	return a, nil
}

// SetRule stores a rule after checking its shape.
func (c *Controller) SetRule(ctx context.Context, r types.Rule) (int64, error) {
	if !r.Scope.Valid() {
		return 0, errdefs.InvalidParameter(errors.Errorf("invalid scope %q", r.Scope))
	}
	if r.Scope != types.ScopeGlobal && r.Selector == "" {
		return 0, errdefs.InvalidParameter(errors.Errorf("%s rules need a selector", r.Scope))
	}
	if r.Target.File == "" {
		return 0, errdefs.InvalidParameter(errors.New("rule target needs a file"))
	}
	if r.Target.ConfigType != types.ConfigDatapack && r.Target.Key == "" {
		return 0, errdefs.InvalidParameter(errors.New("rule target needs a key"))
	}
	return c.store.PutRule(ctx, r)
}

func (c *Controller) DeactivateRule(ctx context.Context, id int64) error {
	return c.store.DeactivateRule(ctx, id)
}

func (c *Controller) ListRules(ctx context.Context, f types.RuleFilter) ([]types.Rule, error) {
	return c.store.GetRules(ctx, rulestore.RuleFilter{
		Scope:      f.Scope,
		Selector:   f.Selector,
		Plugin:     f.Plugin,
		File:       f.File,
		ActiveOnly: f.ActiveOnly,
	})
}

func (c *Controller) SetVariable(ctx context.Context, v types.Variable) error {
	return c.store.SetVariable(ctx, v)
}

// Resolve answers what value a target should hold on an instance. An empty
// result means no rule applies and the target is unmanaged there.
func (c *Controller) Resolve(ctx context.Context, req types.ResolveRequest) (types.ResolveResult, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return types.ResolveResult{}, err
	}
	res, err := resolver.Resolve(snap, resolver.Query{Instance: req.Instance, Target: req.Target})
	if err != nil {
		return types.ResolveResult{}, err
	}
	if res == nil {
		return types.ResolveResult{Empty: true}, nil
	}
	return types.ResolveResult{
		Value:     res.Value.String(),
		ValueType: res.Rule.ValueType,
		RuleID:    res.Rule.ID,
		Scope:     res.Rule.Scope,
		Selector:  res.Rule.Selector,
	}, nil
}

func (c *Controller) PlanDeployment(ctx context.Context, cs types.ChangeSet) (*types.Deployment, error) {
	return c.orch.Plan(ctx, cs)
}

func (c *Controller) ExecuteDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	dep, err := c.orch.Execute(ctx, id)
	if err != nil {
		return nil, err
	}
	deploymentsCounter.WithValues(string(dep.State)).Inc()
	return dep, nil
}

// RollbackDeployment reverts an executed deployment across its agents.
func (c *Controller) RollbackDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	dep, err := c.orch.Rollback(ctx, id)
	if err != nil {
		return nil, err
	}
	deploymentsCounter.WithValues(string(dep.State)).Inc()
	return dep, nil
}

func (c *Controller) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	return c.orch.Get(ctx, id)
}

// PruneBackups drops controller-side backup records older than the
// retention window.
func (c *Controller) PruneBackups(ctx context.Context) error {
	days := c.cfg.Deployment.BackupRetentionDays
	if days <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	n, err := c.store.PurgeBackupManifests(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		log.G(ctx).WithFields(log.Fields{"count": n, "cutoff": cutoff}).Info("purged expired backup records")
	}
	return nil
}

func (c *Controller) DriftReport(ctx context.Context, f types.DriftFilter) ([]types.DriftItem, error) {
	return c.store.DriftReport(ctx, f)
}

func (c *Controller) Instances(ctx context.Context) ([]types.Instance, error) {
	return c.store.Instances(ctx)
}

func (c *Controller) CreateGroup(ctx context.Context, g types.Group) error {
	return c.store.EnsureGroup(ctx, g)
}

func (c *Controller) AddGroupMember(ctx context.Context, group, instance string) error {
	return c.store.AddGroupMember(ctx, group, instance)
}

func (c *Controller) RemoveGroupMember(ctx context.Context, group, instance string) error {
	return c.store.RemoveGroupMember(ctx, group, instance)
}

func (c *Controller) CreateTag(ctx context.Context, t types.Tag) error {
	return c.store.EnsureTag(ctx, t)
}

func (c *Controller) AssignTag(ctx context.Context, tag, instance string) error {
	return c.store.AssignTag(ctx, tag, instance)
}

func (c *Controller) UnassignTag(ctx context.Context, tag, instance string) error {
	return c.store.UnassignTag(ctx, tag, instance)
}

func (c *Controller) Plugins(ctx context.Context) ([]types.Plugin, error) {
	return c.store.Plugins(ctx)
}

func (c *Controller) RegisterPlugin(ctx context.Context, p types.Plugin) error {
	return c.reg.RegisterPlugin(ctx, p)
}

func (c *Controller) ReleasePlugin(ctx context.Context, name string) error {
	return c.reg.Release(ctx, name)
}

func (c *Controller) QuarantinePlugin(ctx context.Context, name string) error {
	return c.reg.Quarantine(ctx, name)
}

func (c *Controller) PluginUpdates(ctx context.Context, installed map[string]string) ([]registry.UpdateInfo, error) {
	return c.reg.PluginUpdates(ctx, installed)
}
