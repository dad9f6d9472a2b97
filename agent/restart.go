package agent

import (
	"context"
	"os/exec"
	"strings"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// Restart invokes the process controller for one instance, or for every
// instance on the host when the id is empty. The needs-restart flag is
// cleared only for instances whose restart succeeded.
func (a *Agent) Restart(ctx context.Context, instance string) ([]string, error) {
	if instance != "" {
		if err := a.restartOne(ctx, instance); err != nil {
			return nil, err
		}
		return []string{instance}, nil
	}

	st, err := a.Status(ctx)
	if err != nil {
		return nil, err
	}
	var restarted []string
	for _, inst := range st.Instances {
		if !inst.Active {
			continue
		}
		if err := a.restartOne(ctx, inst.ID); err != nil {
			return restarted, errors.Wrapf(err, "after restarting %d instances", len(restarted))
		}
		restarted = append(restarted, inst.ID)
	}
	return restarted, nil
}

func (a *Agent) restartOne(ctx context.Context, instance string) error {
	if _, err := a.resolvePath(instance, "x"); err != nil {
		return err
	}
	cmdline := make([]string, len(a.cfg.RestartCommand))
	for i, arg := range a.cfg.RestartCommand {
		cmdline[i] = strings.ReplaceAll(arg, "{instance}", instance)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RestartTimeout.Std())
	defer cancel()
	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return errdefs.Unavailable(errors.Wrapf(ctx.Err(), "restarting %s", instance))
		}
		return errdefs.System(errors.Wrapf(err, "restarting %s: %s", instance, strings.TrimSpace(string(out))))
	}
	if err := a.clearNeedsRestart(instance); err != nil {
		return err
	}
	log.G(ctx).WithField("instance", instance).Info("instance restarted")
	return nil
}
