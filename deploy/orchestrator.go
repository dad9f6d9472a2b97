// Package deploy plans and executes configuration deployments: resolve the
// expected values, render the post-change files, then drive the write,
// verify, restart sequence per agent with rollback on failure. Deployments
// touching overlapping (instance, file) pairs never run concurrently.
package deploy

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/daemonconfig"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/pkg/confcodec"
	"github.com/minefleet/minefleet/resolver"
	"github.com/minefleet/minefleet/rulestore"
	"github.com/moby/locker"
	"github.com/pkg/errors"
)

// AgentClient is the slice of the agent RPC surface the orchestrator uses.
type AgentClient interface {
	ReadConfig(ctx context.Context, instance, file string) ([]byte, error)
	WriteConfig(ctx context.Context, req types.WriteConfigRequest) (types.WriteConfigResponse, error)
	Restart(ctx context.Context, instance string) ([]string, error)
	Rollback(ctx context.Context, deploymentID string) ([]string, error)
}

// AgentPool resolves the agent serving a host.
type AgentPool interface {
	Agent(host string) (AgentClient, error)
}

// Store is the deployment persistence the orchestrator needs.
type Store interface {
	Snapshot(ctx context.Context) (*rulestore.Snapshot, error)
	CreateDeployment(ctx context.Context, d types.Deployment) error
	SetDeploymentState(ctx context.Context, id string, state types.DeploymentState, outcomes []types.Outcome) error
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)
	RecordBackupDigest(ctx context.Context, deploymentID, instance, file, digest string) error
}

// Orchestrator drives the deployment state machine. Planned write content
// lives in controller memory; after a controller restart a pending
// deployment must be re-planned, which is cheap and idempotent.
type Orchestrator struct {
	store  Store
	agents AgentPool
	cfg    daemonconfig.DeploymentSettings
	codec  confcodec.Options

	// ids serializes Execute per deployment id.
	ids *locker.Locker

	mu       sync.Mutex
	plans    map[string]*types.Deployment
	inflight map[string]string // (instance, file) pair -> owning deployment
}

// New builds an orchestrator.
func New(store Store, agents AgentPool, cfg daemonconfig.DeploymentSettings, codec confcodec.Options) *Orchestrator {
	return &Orchestrator{
		store:    store,
		agents:   agents,
		cfg:      cfg,
		codec:    codec,
		ids:      locker.New(),
		plans:    map[string]*types.Deployment{},
		inflight: map[string]string{},
	}
}

type plannedChange struct {
	key string
	val types.Value
}

// Plan validates a change set against policy and renders the post-change
// file content per (instance, file). A change whose target resolves to a
// different value than requested is rejected; a target already holding the
// resolved value is dropped, so re-planning a converged change set yields
// an empty write list.
func (o *Orchestrator) Plan(ctx context.Context, cs types.ChangeSet) (*types.Deployment, error) {
	if len(cs.Changes) == 0 {
		return nil, errdefs.InvalidParameter(errors.New("empty change set"))
	}
	dep := &types.Deployment{
		ID:        uuid.New().String(),
		State:     types.DeploymentDrafted,
		Changes:   cs.Changes,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateDeployment(ctx, *dep); err != nil {
		return nil, err
	}

	writes, err := o.renderWrites(ctx, cs)
	if err != nil {
		if serr := o.store.SetDeploymentState(ctx, dep.ID, types.DeploymentFailedPlan, nil); serr != nil {
			log.G(ctx).WithError(serr).WithField("deployment", dep.ID).Warn("recording failed plan")
		}
		dep.State = types.DeploymentFailedPlan
		return nil, err
	}
	dep.Writes = writes
	dep.State = types.DeploymentPlanned
	if err := o.store.SetDeploymentState(ctx, dep.ID, types.DeploymentPlanned, nil); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.plans[dep.ID] = dep
	o.mu.Unlock()
	log.G(ctx).WithFields(log.Fields{
		"deployment": dep.ID,
		"changes":    len(cs.Changes),
		"writes":     len(writes),
	}).Info("deployment planned")
	return dep, nil
}

func (o *Orchestrator) renderWrites(ctx context.Context, cs types.ChangeSet) ([]types.PlannedWrite, error) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	type fileKey struct {
		instance string
		file     types.FileRef
	}
	grouped := map[fileKey][]plannedChange{}
	var order []fileKey
	seen := map[string]bool{}
	for _, c := range cs.Changes {
		if _, ok := snap.Instance(c.Instance); !ok {
			return nil, errdefs.NotFound(errors.Errorf("unknown instance %q", c.Instance))
		}
		dupKey := c.Instance + "\x00" + c.Target.FileRef().String() + "\x00" + c.Target.Key
		if seen[dupKey] {
			return nil, errdefs.InvalidParameter(errors.Errorf("duplicate change for %s %s:%s", c.Instance, c.Target.File, c.Target.Key))
		}
		seen[dupKey] = true

		res, err := resolver.Resolve(snap, resolver.Query{Instance: c.Instance, Target: c.Target})
		if err != nil {
			return nil, errdefs.InvalidParameter(errors.Wrapf(err, "change for %s %s:%s", c.Instance, c.Target.File, c.Target.Key))
		}
		if res == nil {
			return nil, errdefs.InvalidParameter(errors.Errorf(
				"no active rule applies to %s %s:%s; set a rule before deploying", c.Instance, c.Target.File, c.Target.Key))
		}
		requested, cerr := types.CoerceValue(c.Value, res.Rule.ValueType)
		if cerr != nil || requested.String() != res.Value.String() {
			return nil, errdefs.InvalidParameter(errors.Errorf(
				"change for %s %s:%s requests %q but policy resolves %q",
				c.Instance, c.Target.File, c.Target.Key, c.Value, res.Value.String()))
		}

		fk := fileKey{instance: c.Instance, file: c.Target.FileRef()}
		if _, ok := grouped[fk]; !ok {
			order = append(order, fk)
		}
		grouped[fk] = append(grouped[fk], plannedChange{key: c.Target.Key, val: res.Value})
	}

	var writes []types.PlannedWrite
	for _, fk := range order {
		inst, _ := snap.Instance(fk.instance)
		agent, err := o.agents.Agent(inst.Host)
		if err != nil {
			return nil, err
		}
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout.Std())
		current, err := agent.ReadConfig(rctx, fk.instance, fk.file.AgentPath())
		cancel()
		switch {
		case err == nil:
		case errdefs.IsNotFound(err):
			current = nil
		default:
			return nil, errors.Wrapf(err, "reading %s on %s", fk.file, fk.instance)
		}

		doc, err := confcodec.Parse(current, confcodec.DetectFormat(fk.file.Path), fk.file.Path, o.codec)
		if err != nil {
			return nil, errdefs.InvalidParameter(errors.Wrapf(err, "current content of %s on %s", fk.file, fk.instance))
		}
		var keys []string
		for _, pc := range grouped[fk] {
			if err := doc.Set(pc.key, pc.val); err != nil {
				return nil, errdefs.InvalidParameter(errors.Wrapf(err, "applying %s to %s on %s", pc.key, fk.file, fk.instance))
			}
			keys = append(keys, pc.key)
		}
		rendered, err := doc.Emit()
		if err != nil {
			return nil, errdefs.System(errors.Wrapf(err, "rendering %s for %s", fk.file, fk.instance))
		}
		if bytes.Equal(rendered, current) {
			// Already converged.
			continue
		}
		writes = append(writes, types.PlannedWrite{
			Instance: fk.instance,
			Host:     inst.Host,
			File:     fk.file,
			Keys:     keys,
			Content:  rendered,
		})
	}
	return writes, nil
}

func pairKey(instance string, f types.FileRef) string {
	return instance + "\x00" + f.String()
}

// claimPairs registers the deployment's (instance, file) pairs, refusing
// when any pair is owned by another in-flight deployment.
func (o *Orchestrator) claimPairs(dep *types.Deployment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range dep.Writes {
		if owner, busy := o.inflight[pairKey(w.Instance, w.File)]; busy && owner != dep.ID {
			return errdefs.Conflict(errors.Errorf(
				"%s on %s is being deployed by %s", w.File, w.Instance, owner))
		}
	}
	for _, w := range dep.Writes {
		o.inflight[pairKey(w.Instance, w.File)] = dep.ID
	}
	return nil
}

func (o *Orchestrator) releasePairs(dep *types.Deployment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range dep.Writes {
		k := pairKey(w.Instance, w.File)
		if o.inflight[k] == dep.ID {
			delete(o.inflight, k)
		}
	}
}

// Get returns a deployment, preferring the in-memory plan with its write
// list over the persisted record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Deployment, error) {
	o.mu.Lock()
	dep, ok := o.plans[id]
	o.mu.Unlock()
	if ok {
		return dep, nil
	}
	return o.store.GetDeployment(ctx, id)
}
