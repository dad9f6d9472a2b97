package controller

import metrics "github.com/docker/go-metrics"

var (
	scansCounter       metrics.Counter
	scanTimer          metrics.Timer
	driftItemsCounter  metrics.LabeledCounter
	deploymentsCounter metrics.LabeledCounter
	agentUp            metrics.LabeledGauge
)

func init() {
	ns := metrics.NewNamespace("minefleet", "controller", nil)
	scansCounter = ns.NewCounter("drift_scans", "The number of drift scans run")
	scanTimer = ns.NewTimer("drift_scan", "The time taken to run a drift scan")
	driftItemsCounter = ns.NewLabeledCounter("drift_items", "The number of drift items recorded", "classification")
	deploymentsCounter = ns.NewLabeledCounter("deployments", "The number of executed deployments by final state", "state")
	agentUp = ns.NewLabeledGauge("agent", "Whether the agent on a host answers heartbeats", metrics.Unit("up"), "host")
	metrics.Register(ns)
}
