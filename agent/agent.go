// Package agent is the per-host daemon: it owns the instance root on the
// local filesystem, performs atomic config writes with rollback manifests,
// and invokes the process controller for restarts. All durable agent state
// (the needs-restart set and the backup manifests) lives in a bolt
// database under the state dir, so it survives agent restarts.
package agent

import (
	"context"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/daemonconfig"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/version"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Agent serves one host.
type Agent struct {
	cfg daemonconfig.AgentConfig
	db  *bolt.DB
}

// New opens the agent state database and prepares the daemon. The instance
// root must already exist; the state dir is created if missing.
func New(cfg daemonconfig.AgentConfig) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errdefs.InvalidParameter(err)
	}
	if _, err := os.Stat(cfg.InstanceRoot); err != nil {
		return nil, errors.Wrapf(err, "instance root %s", cfg.InstanceRoot)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating state dir")
	}
	db, err := bolt.Open(filepath.Join(cfg.StateDir, "agent.db"), 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening agent state")
	}
	a := &Agent{cfg: cfg, db: db}
	if err := a.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the state database.
func (a *Agent) Close() error { return a.db.Close() }

// Status enumerates the instances under the instance root. A subdirectory
// is an instance; the active marker file decides whether it is running
// material or parked.
func (a *Agent) Status(ctx context.Context) (types.AgentStatus, error) {
	st := types.AgentStatus{
		Host:    a.cfg.Host,
		Version: version.Version,
	}
	entries, err := os.ReadDir(a.cfg.InstanceRoot)
	if err != nil {
		return st, errdefs.System(errors.Wrap(err, "listing instance root"))
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		marker := filepath.Join(a.cfg.InstanceRoot, e.Name(), a.cfg.ActiveMarker)
		_, merr := os.Stat(marker)
		st.Instances = append(st.Instances, types.AgentInstance{
			ID:     e.Name(),
			Active: merr == nil,
		})
	}
	pending, err := a.needsRestart()
	if err != nil {
		return st, err
	}
	st.NeedsRestart = pending
	log.G(ctx).WithField("instances", len(st.Instances)).Debug("status enumerated")
	return st, nil
}
