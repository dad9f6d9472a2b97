// Package scheduler drives the controller's periodic work: instance
// discovery, fleet drift scans, agent heartbeats, and the backup retention
// sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/daemonconfig"
	"resenje.org/singleflight"
)

// Tasks is the periodic work surface of the controller.
type Tasks interface {
	DiscoverOnce(ctx context.Context) error
	ScanDrift(ctx context.Context, req types.ScanRequest) (types.ScanSummary, error)
	HeartbeatOnce(ctx context.Context)
	PruneBackups(ctx context.Context) error
}

// retentionInterval is how often the backup retention sweep runs. The
// retention window itself is deployment configuration.
const retentionInterval = 24 * time.Hour

// Scheduler owns the tickers. Fleet scans are coalesced: a tick that fires
// while a scan is still running joins it instead of stacking a second scan
// on the agents.
type Scheduler struct {
	tasks Tasks
	cfg   daemonconfig.SchedulerSettings
	scans singleflight.Group[string, types.ScanSummary]
}

// New builds a scheduler over the controller's task surface.
func New(tasks Tasks, cfg daemonconfig.SchedulerSettings) *Scheduler {
	return &Scheduler{tasks: tasks, cfg: cfg}
}

// Run blocks until ctx is canceled. Discovery runs once immediately so a
// freshly started controller has an inventory before the first tick.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.tasks.DiscoverOnce(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("initial discovery failed")
	}

	discovery := time.NewTicker(s.cfg.DiscoveryInterval.Std())
	defer discovery.Stop()
	drift := time.NewTicker(s.cfg.DriftScanInterval.Std())
	defer drift.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval.Std())
	defer heartbeat.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.tasks.HeartbeatOnce(ctx)
		case <-discovery.C:
			if err := s.tasks.DiscoverOnce(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("discovery failed")
			}
		case <-drift.C:
			// The scan can outlive its interval; run it off the tick loop
			// and let singleflight fold overlapping ticks together.
			go s.scanFleet(ctx)
		case <-retention.C:
			if err := s.tasks.PruneBackups(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("backup retention sweep failed")
			}
		}
	}
}

// ScanFleet runs (or joins) a whole-fleet drift scan.
func (s *Scheduler) ScanFleet(ctx context.Context) (types.ScanSummary, error) {
	summary, shared, err := s.scans.Do(ctx, "fleet", func(ctx context.Context) (types.ScanSummary, error) {
		return s.tasks.ScanDrift(ctx, types.ScanRequest{})
	})
	if shared {
		log.G(ctx).WithField("scan", summary.ScanID).Debug("joined running fleet scan")
	}
	return summary, err
}

func (s *Scheduler) scanFleet(ctx context.Context) {
	if _, err := s.ScanFleet(ctx); err != nil && ctx.Err() == nil {
		log.G(ctx).WithError(err).Warn("periodic drift scan failed")
	}
}
