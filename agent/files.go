package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// resolvePath maps (instance, file) onto the filesystem, rejecting any
// path that would escape the instance directory.
func (a *Agent) resolvePath(instance, file string) (string, error) {
	if instance == "" || strings.ContainsAny(instance, `/\`) || instance == "." || instance == ".." {
		return "", errdefs.InvalidParameter(errors.Errorf("invalid instance id %q", instance))
	}
	if file == "" || filepath.IsAbs(file) {
		return "", errdefs.InvalidParameter(errors.Errorf("invalid file path %q", file))
	}
	clean := filepath.Clean(filepath.FromSlash(file))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errdefs.InvalidParameter(errors.Errorf("file path %q escapes the instance directory", file))
	}
	return filepath.Join(a.cfg.InstanceRoot, instance, clean), nil
}

// ReadConfig returns the raw bytes of one config file. The agent never
// interprets content; parsing is the controller's business.
func (a *Agent) ReadConfig(ctx context.Context, instance, file string) ([]byte, error) {
	path, err := a.resolvePath(instance, file)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(errors.Errorf("%s: no such config file", file))
		}
		return nil, errdefs.System(errors.Wrapf(err, "reading %s", file))
	}
	return data, nil
}

// WriteConfig atomically replaces one config file: the new content lands
// in a sibling temp file which is fsynced and renamed over the target, so
// a partial write is never observable. The prior content goes into the
// deployment's rollback manifest before the replace, and the instance is
// marked restart-pending.
func (a *Agent) WriteConfig(ctx context.Context, req types.WriteConfigRequest) (types.WriteConfigResponse, error) {
	var resp types.WriteConfigResponse
	if req.DeploymentID == "" {
		return resp, errdefs.InvalidParameter(errors.New("write requires a deployment id"))
	}
	path, err := a.resolvePath(req.Instance, req.File)
	if err != nil {
		return resp, err
	}

	entry := manifestEntry{Instance: req.Instance, File: req.File}
	prior, err := os.ReadFile(path)
	switch {
	case err == nil:
		entry.Existed = true
		entry.Prior = prior
		entry.Digest = digest.FromBytes(prior).String()
	case os.IsNotExist(err):
	default:
		return resp, errdefs.System(errors.Wrapf(err, "reading prior content of %s", req.File))
	}
	if err := a.recordBackup(req.DeploymentID, entry); err != nil {
		return resp, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return resp, errdefs.System(errors.Wrapf(err, "creating parent of %s", req.File))
	}
	if err := atomicwriter.WriteFile(path, req.Data, 0o644); err != nil {
		return resp, errdefs.System(errors.Wrapf(err, "writing %s", req.File))
	}
	if err := a.setNeedsRestart(req.Instance, req.DeploymentID); err != nil {
		return resp, err
	}

	resp.OK = true
	resp.Digest = digest.FromBytes(req.Data).String()
	log.G(ctx).WithFields(log.Fields{
		"instance":   req.Instance,
		"file":       req.File,
		"deployment": req.DeploymentID,
		"digest":     resp.Digest,
	}).Info("config written")
	return resp, nil
}
