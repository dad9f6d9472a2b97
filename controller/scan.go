package controller

import (
	"context"
	"time"

	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"
	"github.com/google/uuid"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/drift"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/pkg/confcodec"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ScanDrift runs a drift scan over the selected instances and persists the
// findings. The whole scan is judged against one snapshot, so a rule change
// mid-scan cannot make two instances disagree about policy. A single
// unreadable or unparsable file never aborts the scan; it becomes a drift
// item or a logged skip.
func (c *Controller) ScanDrift(ctx context.Context, req types.ScanRequest) (types.ScanSummary, error) {
	defer metrics.StartTimer(scanTimer)()

	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return types.ScanSummary{}, err
	}
	targets, err := c.scanTargets(ctx, req)
	if err != nil {
		return types.ScanSummary{}, err
	}

	scanID := uuid.New().String()
	started := time.Now().UTC()
	if err := c.store.BeginScan(ctx, scanID, started); err != nil {
		return types.ScanSummary{}, err
	}
	eng := drift.New(snap)

	var (
		g, gctx = errgroup.WithContext(ctx)
		results = make([][]types.DriftItem, len(targets))
		scanned = make([]bool, len(targets))
	)
	g.SetLimit(c.cfg.Deployment.MaxParallelWrites)
	for i, inst := range targets {
		g.Go(func() error {
			agent, err := c.agent(inst.Host)
			if err != nil {
				log.G(gctx).WithError(err).WithField("instance", inst.ID).Warn("skipping instance in drift scan")
				return nil
			}
			obs := c.observe(gctx, agent, eng, snap.Rules(), inst)
			results[i] = eng.ScanInstance(scanID, inst.ID, obs)
			scanned[i] = true
			return nil
		})
	}
	g.Wait()

	summary := types.ScanSummary{
		ScanID:    scanID,
		StartedAt: started,
		Counts:    map[types.Classification]int{},
	}
	var all []types.DriftItem
	for i, items := range results {
		if !scanned[i] {
			continue
		}
		summary.Instances++
		for _, it := range items {
			summary.Counts[it.Classification]++
			driftItemsCounter.WithValues(string(it.Classification)).Inc()
		}
		all = append(all, items...)
	}
	if err := c.store.AppendDriftItems(ctx, all); err != nil {
		return types.ScanSummary{}, err
	}
	summary.FinishedAt = time.Now().UTC()
	if err := c.store.FinishScan(ctx, scanID, summary.FinishedAt, summary.Instances); err != nil {
		return types.ScanSummary{}, err
	}
	scansCounter.Inc()
	log.G(ctx).WithFields(log.Fields{
		"scan":      scanID,
		"instances": summary.Instances,
		"items":     len(all),
	}).Info("drift scan finished")
	return summary, nil
}

// scanTargets selects the instances a scan covers. Explicit ids win over
// the host filter; with neither, every active instance is scanned.
func (c *Controller) scanTargets(ctx context.Context, req types.ScanRequest) ([]types.Instance, error) {
	instances, err := c.store.Instances(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Instances) > 0 {
		byID := make(map[string]types.Instance, len(instances))
		for _, inst := range instances {
			byID[inst.ID] = inst
		}
		out := make([]types.Instance, 0, len(req.Instances))
		for _, id := range req.Instances {
			inst, ok := byID[id]
			if !ok {
				return nil, errdefs.NotFound(errors.Errorf("unknown instance %q", id))
			}
			out = append(out, inst)
		}
		return out, nil
	}
	var out []types.Instance
	for _, inst := range instances {
		if !inst.Active {
			continue
		}
		if req.Host != "" && inst.Host != req.Host {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// observe gathers the instance's expected files from its agent, plus a
// presence probe per datapack requirement. Read and parse failures land in
// Failures so the engine can classify them.
func (c *Controller) observe(ctx context.Context, agent AgentAPI, eng *drift.Engine, rules []*types.Rule, inst types.Instance) drift.Observed {
	obs := drift.Observed{
		Files:    map[types.FileRef]*confcodec.Document{},
		Failures: map[types.FileRef]error{},
	}
	codec := confcodec.Options{
		AcceptBOM:          c.cfg.Codec.AcceptBOM,
		PreserveIPAsString: c.cfg.Codec.PreserveIPAsString,
	}
	for _, f := range eng.ExpectedFiles(&inst) {
		data, err := c.readFile(ctx, agent, inst.ID, f)
		switch {
		case errdefs.IsNotFound(err):
			// Absent; the engine reports the file missing.
		case err != nil:
			obs.Failures[f] = err
		default:
			doc, perr := confcodec.Parse(data, confcodec.DetectFormat(f.Path), f.Path, codec)
			if perr != nil {
				obs.Failures[f] = perr
			} else {
				obs.Files[f] = doc
			}
		}
	}
	// Datapacks are presence checks: any read outcome except a clean
	// not-found means the path exists.
	for _, r := range rules {
		if r.Target.ConfigType != types.ConfigDatapack {
			continue
		}
		f := r.Target.FileRef()
		if _, probed := obs.Files[f]; probed {
			continue
		}
		if _, err := c.readFile(ctx, agent, inst.ID, f); !errdefs.IsNotFound(err) {
			obs.Files[f] = nil
		}
	}
	return obs
}

func (c *Controller) readFile(ctx context.Context, agent AgentAPI, instance string, f types.FileRef) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.Deployment.RPCTimeout.Std())
	defer cancel()
	return agent.ReadConfig(rctx, instance, f.AgentPath())
}
