// minefleetd is the control-plane daemon: it owns the rule store, talks to
// the per-host agents, and serves the control API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/containerd/log"
	"github.com/minefleet/minefleet/api/server"
	"github.com/minefleet/minefleet/api/server/router/controlapi"
	"github.com/minefleet/minefleet/controller"
	"github.com/minefleet/minefleet/daemonconfig"
	"github.com/minefleet/minefleet/rulestore"
	"github.com/minefleet/minefleet/scheduler"
	"github.com/minefleet/minefleet/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type daemonOptions struct {
	configFile string
	debug      bool
}

func main() {
	opts := &daemonOptions{}
	cmd := &cobra.Command{
		Use:           "minefleetd",
		Short:         "Configuration control plane for a game-server fleet",
		Version:       fmt.Sprintf("%s, commit %s", version.Version, version.GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts)
		},
	}
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		// Accept underscore spellings for flags, matching the config keys.
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "/etc/minefleet/minefleetd.json", "daemon configuration file")
	flags.BoolVarP(&opts.debug, "debug", "D", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runDaemon(opts *daemonOptions) error {
	cfg, err := daemonconfig.LoadSettings(opts.configFile)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.Debug = true
	}
	initLogging(cfg.Debug)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The database may come up after us; retry instead of crash-looping.
	store, err := backoff.Retry(ctx, func() (*rulestore.Store, error) {
		s, err := rulestore.Open(ctx, cfg.RuleStoreDSN)
		if err != nil {
			log.G(ctx).WithError(err).Warn("rule store not ready, retrying")
		}
		return s, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(2*time.Minute))
	if err != nil {
		return err
	}
	defer store.Close()

	ctrl, err := controller.New(cfg, store)
	if err != nil {
		return err
	}

	srv := server.New()
	srv.InitRouter(controlapi.NewRouter(ctrl))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.ListenAddr)
	})
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr)
	})
	g.Go(func() error {
		scheduler.New(ctrl, cfg.Scheduler).Run(ctx)
		return nil
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()
	log.G(ctx).WithField("addr", addr).Info("metrics listening")

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
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
