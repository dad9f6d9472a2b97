// Package registry maintains the instance registry and the plugin catalog:
// platform classification of discovered instances, merge of agent status
// reports, quarantine of unknown plugins, and version comparison for update
// reporting.
package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/rulestore"
	"github.com/pkg/errors"
)

// DefaultUnseenWindow is how long an instance may go unobserved before it
// is deactivated.
const DefaultUnseenWindow = 7 * 24 * time.Hour

// Config tunes the registry.
type Config struct {
	// UnseenWindow is the deactivation window for instances that stopped
	// appearing in discovery. Zero means DefaultUnseenWindow.
	UnseenWindow time.Duration
	// PlatformPrefixes maps instance-id prefixes to platforms for newly
	// discovered instances. The longest matching prefix wins; unmatched
	// ids default to paper. Matching is case-insensitive.
	PlatformPrefixes map[string]types.Platform
}

// Registry wraps the rule store with discovery and catalog semantics.
type Registry struct {
	store *rulestore.Store
	cfg   Config
	now   func() time.Time
}

// New builds a registry over the store.
func New(store *rulestore.Store, cfg Config) *Registry {
	if cfg.UnseenWindow <= 0 {
		cfg.UnseenWindow = DefaultUnseenWindow
	}
	return &Registry{store: store, cfg: cfg, now: time.Now}
}

// ClassifyPlatform guesses the platform of a newly discovered instance
// from its id. Classification only seeds new rows; a manual correction in
// the registry is never overwritten by discovery.
func (r *Registry) ClassifyPlatform(id string) types.Platform {
	lower := strings.ToLower(id)
	best := ""
	platform := types.PlatformPaper
	for prefix, p := range r.cfg.PlatformPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) && len(prefix) > len(best) {
			best = prefix
			platform = p
		}
	}
	return platform
}

// MergeAgentStatus folds one agent status report into the registry. The
// host row and every reported instance are touched; instances missing from
// the report simply age toward the deactivation window.
func (r *Registry) MergeAgentStatus(ctx context.Context, host string, st *types.AgentStatus) error {
	if st == nil {
		return errdefs.InvalidParameter(errors.New("nil agent status"))
	}
	seen := r.now()
	for _, ai := range st.Instances {
		platform := r.ClassifyPlatform(ai.ID)
		if err := r.store.MarkInstanceSeen(ctx, ai.ID, host, platform, ai.Active, seen); err != nil {
			return errors.Wrapf(err, "merging instance %s from %s", ai.ID, host)
		}
	}
	log.G(ctx).WithFields(log.Fields{
		"host":      host,
		"instances": len(st.Instances),
		"version":   st.Version,
	}).Debug("merged agent status")
	return nil
}

// DeactivateStale deactivates instances unseen for longer than the
// configured window and returns how many were affected. Instances are
// never deleted; their drift history stays queryable.
func (r *Registry) DeactivateStale(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.UnseenWindow)
	n, err := r.store.DeactivateUnseenInstances(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.G(ctx).WithFields(log.Fields{"count": n, "cutoff": cutoff}).Info("deactivated unseen instances")
	}
	return n, nil
}

// RegisterPlugin adds or updates a catalog entry. Versions, when present,
// must parse as semantic versions; addon entries must not name themselves
// as parent.
func (r *Registry) RegisterPlugin(ctx context.Context, p types.Plugin) error {
	if p.Name == "" {
		return errdefs.InvalidParameter(errors.New("plugin needs a name"))
	}
	if p.Parent == p.Name && p.Parent != "" {
		return errdefs.InvalidParameter(errors.Errorf("plugin %q cannot be its own parent", p.Name))
	}
	if p.Version != "" {
		if _, err := semver.NewVersion(p.Version); err != nil {
			return errdefs.InvalidParameter(errors.Wrapf(err, "plugin %q version %q", p.Name, p.Version))
		}
	}
	return r.store.UpsertPlugin(ctx, p)
}

// RecordDiscoveredPlugin registers an unknown plugin in quarantine. A
// quarantined plugin's rules are inert until an operator classifies it.
// Known plugins are left untouched.
func (r *Registry) RecordDiscoveredPlugin(ctx context.Context, name string, platform types.Platform) error {
	inserted, err := r.store.InsertPluginIfAbsent(ctx, types.Plugin{
		Name:        name,
		Platform:    platform,
		Quarantined: true,
	})
	if err != nil {
		return err
	}
	if inserted {
		log.G(ctx).WithFields(log.Fields{"plugin": name, "platform": platform}).
			Warn("unknown plugin discovered, quarantined until classified")
	}
	return nil
}

// Release lifts the quarantine on a classified plugin.
func (r *Registry) Release(ctx context.Context, name string) error {
	return r.store.SetPluginQuarantine(ctx, name, false)
}

// Quarantine re-quarantines a plugin, making its rules inert again.
func (r *Registry) Quarantine(ctx context.Context, name string) error {
	return r.store.SetPluginQuarantine(ctx, name, true)
}

// UpdateInfo reports a catalog entry whose installed version lags the
// catalog version.
type UpdateInfo struct {
	Plugin    string `json:"plugin"`
	Installed string `json:"installed"`
	Available string `json:"available"`
}

// PluginUpdates compares installed versions against the catalog and
// returns the entries with a newer catalog version. Entries whose versions
// do not parse are skipped rather than failing the report.
func (r *Registry) PluginUpdates(ctx context.Context, installed map[string]string) ([]UpdateInfo, error) {
	catalog, err := r.store.Plugins(ctx)
	if err != nil {
		return nil, err
	}
	var out []UpdateInfo
	for _, p := range catalog {
		have, ok := installed[p.Name]
		if !ok || p.Version == "" {
			continue
		}
		newer, err := UpdateAvailable(have, p.Version)
		if err != nil {
			log.G(ctx).WithFields(log.Fields{"plugin": p.Name, "error": err}).
				Debug("skipping unparsable plugin version")
			continue
		}
		if newer {
			out = append(out, UpdateInfo{Plugin: p.Name, Installed: have, Available: p.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out, nil
}

// UpdateAvailable reports whether latest is a strictly newer semantic
// version than installed.
func UpdateAvailable(installed, latest string) (bool, error) {
	have, err := semver.NewVersion(installed)
	if err != nil {
		return false, errors.Wrapf(err, "installed version %q", installed)
	}
	want, err := semver.NewVersion(latest)
	if err != nil {
		return false, errors.Wrapf(err, "latest version %q", latest)
	}
	return want.GreaterThan(have), nil
}
