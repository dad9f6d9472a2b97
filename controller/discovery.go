package controller

import (
	"context"

	"github.com/containerd/log"
)

// Two missed heartbeats in a row mark a host unreachable; a scan or
// deployment against it will fail fast with a connection error anyway, the
// flag exists for operators and metrics.
const heartbeatMissThreshold = 2

// DiscoverOnce polls every agent for its instance inventory and merges it
// into the registry, then ages out instances unseen for the configured
// window. A host that does not answer is skipped; discovery is periodic and
// the next round will pick it up.
func (c *Controller) DiscoverOnce(ctx context.Context) error {
	for host, agent := range c.agents {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.Deployment.RPCTimeout.Std())
		st, err := agent.Status(rctx)
		cancel()
		if err != nil {
			log.G(ctx).WithError(err).WithField("host", host).Warn("discovery: agent did not answer")
			continue
		}
		if err := c.reg.MergeAgentStatus(ctx, host, &st); err != nil {
			return err
		}
	}
	_, err := c.reg.DeactivateStale(ctx)
	return err
}

// HeartbeatOnce pings every agent and updates the per-host reachability
// state.
func (c *Controller) HeartbeatOnce(ctx context.Context) {
	for host, agent := range c.agents {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.Deployment.RPCTimeout.Std())
		err := agent.Ping(rctx)
		cancel()

		c.mu.Lock()
		if err != nil {
			c.misses[host]++
			if c.misses[host] >= heartbeatMissThreshold && !c.down[host] {
				c.down[host] = true
				agentUp.WithValues(host).Set(0)
				log.G(ctx).WithError(err).WithFields(log.Fields{
					"host":   host,
					"misses": c.misses[host],
				}).Error("host unreachable")
			}
		} else {
			if c.down[host] {
				log.G(ctx).WithField("host", host).Info("host reachable again")
			}
			c.misses[host] = 0
			c.down[host] = false
			agentUp.WithValues(host).Set(1)
		}
		c.mu.Unlock()
	}
}

// Unreachable lists the hosts currently failing heartbeats.
func (c *Controller) Unreachable() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for host, down := range c.down {
		if down {
			out = append(out, host)
		}
	}
	return out
}
