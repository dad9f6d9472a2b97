// minefleet-agent runs on each game-server host: it serves config reads
// and writes for the local instances and drives the process controller for
// restarts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/minefleet/minefleet/agent"
	"github.com/minefleet/minefleet/api/server"
	"github.com/minefleet/minefleet/api/server/router/agentapi"
	"github.com/minefleet/minefleet/daemonconfig"
	"github.com/minefleet/minefleet/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type agentOptions struct {
	configFile string
	debug      bool
}

func main() {
	opts := &agentOptions{}
	cmd := &cobra.Command{
		Use:           "minefleet-agent",
		Short:         "Host agent for the minefleet control plane",
		Version:       fmt.Sprintf("%s, commit %s", version.Version, version.GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "/etc/minefleet/agent.json", "agent configuration file")
	flags.BoolVarP(&opts.debug, "debug", "D", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runAgent(opts *agentOptions) error {
	cfg, err := daemonconfig.LoadAgentConfig(opts.configFile)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.Debug = true
	}
	initLogging(cfg.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log.G(ctx).WithFields(log.Fields{
		"host":    cfg.Host,
		"root":    cfg.InstanceRoot,
		"version": version.Version,
	}).Info("agent starting")

	srv := server.New()
	srv.InitRouter(agentapi.NewRouter(a))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.ListenAddr)
	})
	g.Go(func() error {
		pruneManifests(ctx, a, cfg.BackupRetention.Std())
		return nil
	})
	return g.Wait()
}

// pruneManifests drops rollback manifests past the retention window once a
// day. A deployment that old can no longer be rolled back from the agent
// side, which is the point of the window.
func pruneManifests(ctx context.Context, a *agent.Agent, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.PruneManifests(time.Now().Add(-retention))
			if err != nil {
				log.G(ctx).WithError(err).Warn("pruning rollback manifests")
			} else if n > 0 {
				log.G(ctx).WithField("count", n).Info("pruned rollback manifests")
			}
		}
	}
}

func initLogging(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	level := "info"
	if debug {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		logrus.WithError(err).Warn("setting log level")
	}
}
