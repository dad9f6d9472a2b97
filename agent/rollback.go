package agent

import (
	"context"
	"os"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
)

// Rollback restores every file the given deployment touched on this host
// from its manifest. Files the deployment created are removed. Entries of
// other deployments stay untouched. The restart-pending flag of an
// affected instance is cleared unless another deployment still has an
// unrestarted write on it.
func (a *Agent) Rollback(ctx context.Context, deploymentID string) ([]string, error) {
	if deploymentID == "" {
		return nil, errdefs.InvalidParameter(errors.New("rollback requires a deployment id"))
	}
	entries, err := a.manifestEntries(deploymentID)
	if err != nil {
		return nil, err
	}

	var restored []string
	touched := map[string]bool{}
	for _, e := range entries {
		path, err := a.resolvePath(e.Instance, e.File)
		if err != nil {
			return restored, err
		}
		if e.Existed {
			if err := atomicwriter.WriteFile(path, e.Prior, 0o644); err != nil {
				return restored, errdefs.System(errors.Wrapf(err, "restoring %s", e.File))
			}
		} else {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return restored, errdefs.System(errors.Wrapf(err, "removing %s", e.File))
			}
		}
		restored = append(restored, e.File)
		touched[e.Instance] = true
	}
	for instance := range touched {
		if err := a.unmarkNeedsRestart(instance, deploymentID); err != nil {
			return restored, err
		}
	}
	if err := a.deleteManifest(deploymentID); err != nil {
		return restored, errdefs.System(err)
	}
	log.G(ctx).WithFields(log.Fields{
		"deployment": deploymentID,
		"files":      len(restored),
	}).Info("deployment rolled back")
	return restored, nil
}
