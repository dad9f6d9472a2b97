package deploy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Execute runs a planned deployment through the state machine. Within one
// deployment every instance proceeds backup, write, verify, restart in
// order; instances run in parallel up to the configured cap. Any failure,
// including an RPC deadline whose outcome is unknown, fails the deployment
// and triggers rollback on every involved agent. The per-instance outcomes
// are always recorded; the caller never gets an all-or-nothing aggregate.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*types.Deployment, error) {
	o.ids.Lock(id)
	defer o.ids.Unlock(id)

	o.mu.Lock()
	dep, ok := o.plans[id]
	o.mu.Unlock()
	if !ok {
		stored, err := o.store.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored.State == types.DeploymentPlanned {
			return nil, errdefs.Conflict(errors.Errorf(
				"deployment %s was planned by a previous controller run; re-plan it", id))
		}
		return nil, errdefs.Conflict(errors.Errorf("deployment %s is in state %s, not PLANNED", id, stored.State))
	}
	if dep.State != types.DeploymentPlanned {
		return nil, errdefs.Conflict(errors.Errorf("deployment %s is in state %s, not PLANNED", id, dep.State))
	}
	if len(dep.Writes) == 0 {
		// The change set was already converged at plan time.
		o.setState(ctx, dep, types.DeploymentCompleted, nil)
		return dep, nil
	}
	if err := o.claimPairs(dep); err != nil {
		return nil, err
	}
	defer o.releasePairs(dep)

	if failed := o.backup(ctx, dep); failed != nil {
		o.rollback(ctx, dep, types.DeploymentFailedWrite, failed)
		return dep, nil
	}
	o.setState(ctx, dep, types.DeploymentBackedUp, nil)

	o.setState(ctx, dep, types.DeploymentWriting, nil)
	written, failed := o.write(ctx, dep)
	if failed != nil {
		o.rollback(ctx, dep, types.DeploymentFailedWrite, failed)
		return dep, nil
	}
	if failed := o.verify(ctx, dep, written); failed != nil {
		o.rollback(ctx, dep, types.DeploymentFailedVerify, failed)
		return dep, nil
	}
	o.setState(ctx, dep, types.DeploymentVerified, nil)

	o.setState(ctx, dep, types.DeploymentRestartPending, nil)
	if failed := o.restart(ctx, dep); failed != nil {
		o.rollback(ctx, dep, types.DeploymentFailedRestart, failed)
		return dep, nil
	}
	o.setState(ctx, dep, types.DeploymentRestarted, nil)

	o.setState(ctx, dep, types.DeploymentCompleted, okOutcomes(dep))
	log.G(ctx).WithField("deployment", dep.ID).Info("deployment completed")
	return dep, nil
}

func (o *Orchestrator) setState(ctx context.Context, dep *types.Deployment, state types.DeploymentState, outcomes []types.Outcome) {
	dep.State = state
	dep.UpdatedAt = time.Now().UTC()
	if outcomes != nil {
		dep.Outcomes = outcomes
	}
	if err := o.store.SetDeploymentState(ctx, dep.ID, state, outcomes); err != nil {
		// The in-memory machine is authoritative during execution; a
		// failed persistence write must not derail it.
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"deployment": dep.ID,
			"state":      state,
		}).Error("persisting deployment state")
	}
}

// instanceWrites groups the planned writes by instance, preserving order.
func instanceWrites(dep *types.Deployment) map[string][]types.PlannedWrite {
	out := map[string][]types.PlannedWrite{}
	for _, w := range dep.Writes {
		out[w.Instance] = append(out[w.Instance], w)
	}
	return out
}

// forEachInstance runs fn per instance in parallel up to the write cap and
// collects failures as outcomes. A nil return means every instance
// succeeded.
func (o *Orchestrator) forEachInstance(ctx context.Context, dep *types.Deployment, kind string, fn func(ctx context.Context, instance string, writes []types.PlannedWrite) error) []types.Outcome {
	var (
		mu     sync.Mutex
		failed []types.Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallelWrites)
	for instance, writes := range instanceWrites(dep) {
		g.Go(func() error {
			if err := fn(gctx, instance, writes); err != nil {
				mu.Lock()
				failed = append(failed, types.Outcome{
					Instance: instance,
					Error:    err.Error(),
					Kind:     kind,
				})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// backup captures the pre-deployment digests so the controller knows what
// the agents hold in their manifests.
func (o *Orchestrator) backup(ctx context.Context, dep *types.Deployment) []types.Outcome {
	return o.forEachInstance(ctx, dep, "backup", func(ctx context.Context, instance string, writes []types.PlannedWrite) error {
		agent, err := o.agents.Agent(writes[0].Host)
		if err != nil {
			return err
		}
		for _, w := range writes {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout.Std())
			prior, err := agent.ReadConfig(rctx, w.Instance, w.File.AgentPath())
			cancel()
			if err != nil && !errdefs.IsNotFound(err) {
				return errors.Wrapf(err, "capturing %s", w.File)
			}
			dgst := ""
			if err == nil {
				dgst = digest.FromBytes(prior).String()
			}
			if err := o.store.RecordBackupDigest(ctx, dep.ID, w.Instance, w.File.String(), dgst); err != nil {
				return err
			}
		}
		return nil
	})
}

// write pushes the rendered content and returns the digest the agent
// reported per write.
func (o *Orchestrator) write(ctx context.Context, dep *types.Deployment) (map[string]string, []types.Outcome) {
	var mu sync.Mutex
	written := map[string]string{}
	failed := o.forEachInstance(ctx, dep, "write", func(ctx context.Context, instance string, writes []types.PlannedWrite) error {
		agent, err := o.agents.Agent(writes[0].Host)
		if err != nil {
			return err
		}
		for _, w := range writes {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout.Std())
			resp, err := agent.WriteConfig(rctx, types.WriteConfigRequest{
				Instance:     w.Instance,
				File:         w.File.AgentPath(),
				Data:         w.Content,
				DeploymentID: dep.ID,
			})
			cancel()
			if err != nil {
				// A deadline here is an unknown outcome; the agent may or
				// may not have replaced the file. Rollback resolves it.
				return errors.Wrapf(err, "writing %s", w.File)
			}
			if !resp.OK {
				return errors.Errorf("agent refused write of %s", w.File)
			}
			mu.Lock()
			written[pairKey(w.Instance, w.File)] = resp.Digest
			mu.Unlock()
		}
		return nil
	})
	if failed != nil {
		return nil, failed
	}
	return written, nil
}

// verify re-reads every written file and compares digests, catching
// concurrent local edits and torn transports.
func (o *Orchestrator) verify(ctx context.Context, dep *types.Deployment, written map[string]string) []types.Outcome {
	return o.forEachInstance(ctx, dep, "verify", func(ctx context.Context, instance string, writes []types.PlannedWrite) error {
		agent, err := o.agents.Agent(writes[0].Host)
		if err != nil {
			return err
		}
		for _, w := range writes {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout.Std())
			got, err := agent.ReadConfig(rctx, w.Instance, w.File.AgentPath())
			cancel()
			if err != nil {
				return errors.Wrapf(err, "verifying %s", w.File)
			}
			want := written[pairKey(w.Instance, w.File)]
			if have := digest.FromBytes(got).String(); have != want {
				return errors.Errorf("%s digest mismatch after write: wrote %s, read %s", w.File, want, have)
			}
		}
		return nil
	})
}

func (o *Orchestrator) restart(ctx context.Context, dep *types.Deployment) []types.Outcome {
	return o.forEachInstance(ctx, dep, "restart", func(ctx context.Context, instance string, writes []types.PlannedWrite) error {
		agent, err := o.agents.Agent(writes[0].Host)
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RestartTimeout.Std())
		defer cancel()
		if _, err := agent.Restart(rctx, instance); err != nil {
			return errors.Wrapf(err, "restarting %s", instance)
		}
		return nil
	})
}

// rollback asks every involved agent to restore the deployment's manifest
// and settles the deployment in ROLLED_BACK. A host whose rollback RPC
// fails leaves the deployment parked in ROLLING_BACK for the operator.
func (o *Orchestrator) rollback(ctx context.Context, dep *types.Deployment, failState types.DeploymentState, failed []types.Outcome) {
	o.setState(ctx, dep, failState, mergeOutcomes(dep, failed))
	o.setState(ctx, dep, types.DeploymentRollingBack, nil)

	hosts := map[string]bool{}
	for _, w := range dep.Writes {
		hosts[w.Host] = true
	}
	for host := range hosts {
		agent, err := o.agents.Agent(host)
		if err == nil {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout.Std())
			_, err = agent.Rollback(rctx, dep.ID)
			cancel()
		}
		if err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"deployment": dep.ID,
				"host":       host,
			}).Error("rollback failed; deployment needs manual recovery")
			return
		}
	}
	o.setState(ctx, dep, types.DeploymentRolledBack, dep.Outcomes)
	log.G(ctx).WithField("deployment", dep.ID).Warn("deployment rolled back")
}

// Rollback undoes an executed deployment on operator request: every
// involved agent restores its manifest for the deployment and the record
// moves to ROLLED_BACK. Only a COMPLETED deployment, or one parked in
// ROLLING_BACK by an earlier failed attempt, is eligible. A host whose
// rollback RPC fails leaves the deployment in ROLLING_BACK for a retry.
func (o *Orchestrator) Rollback(ctx context.Context, id string) (*types.Deployment, error) {
	o.ids.Lock(id)
	defer o.ids.Unlock(id)

	dep, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch dep.State {
	case types.DeploymentCompleted, types.DeploymentRollingBack:
	default:
		return nil, errdefs.Conflict(errors.Errorf(
			"deployment %s is in state %s and cannot be rolled back", id, dep.State))
	}

	hosts, err := o.involvedHosts(ctx, dep)
	if err != nil {
		return nil, err
	}
	o.setState(ctx, dep, types.DeploymentRollingBack, nil)
	for _, host := range hosts {
		agent, err := o.agents.Agent(host)
		if err == nil {
			rctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout.Std())
			_, err = agent.Rollback(rctx, dep.ID)
			cancel()
		}
		if err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"deployment": dep.ID,
				"host":       host,
			}).Error("rollback failed; deployment needs manual recovery")
			return dep, nil
		}
	}
	o.setState(ctx, dep, types.DeploymentRolledBack, dep.Outcomes)
	log.G(ctx).WithField("deployment", dep.ID).Warn("deployment rolled back")
	return dep, nil
}

// involvedHosts lists the hosts a deployment touched. The in-memory plan
// carries them on its writes; a record loaded after a controller restart
// falls back to mapping the change set's instances through the registry.
func (o *Orchestrator) involvedHosts(ctx context.Context, dep *types.Deployment) ([]string, error) {
	set := map[string]bool{}
	for _, w := range dep.Writes {
		set[w.Host] = true
	}
	if len(set) == 0 {
		snap, err := o.store.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range dep.Changes {
			inst, ok := snap.Instance(c.Instance)
			if !ok {
				return nil, errdefs.NotFound(errors.Errorf("unknown instance %q", c.Instance))
			}
			set[inst.Host] = true
		}
	}
	hosts := make([]string, 0, len(set))
	for h := range set {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// mergeOutcomes fills in OK outcomes for the instances that did not fail.
func mergeOutcomes(dep *types.Deployment, failed []types.Outcome) []types.Outcome {
	failedBy := map[string]bool{}
	for _, f := range failed {
		failedBy[f.Instance] = true
	}
	out := append([]types.Outcome{}, failed...)
	for instance := range instanceWrites(dep) {
		if !failedBy[instance] {
			out = append(out, types.Outcome{Instance: instance, OK: true})
		}
	}
	return out
}

func okOutcomes(dep *types.Deployment) []types.Outcome {
	var out []types.Outcome
	for instance := range instanceWrites(dep) {
		out = append(out, types.Outcome{Instance: instance, OK: true})
	}
	return out
}
