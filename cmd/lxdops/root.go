package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/lxdops/pkg/lxdops"
	"github.com/canonical/lxdops/pkg/lxdops/config"
	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// connectGrace bounds how long a command waits for the event stream before
// submitting work. Operations started earlier are still caught by polling.
const connectGrace = 2 * time.Second

type globalFlags struct {
	configPath string
	logLevel   string
	project    string
	output     string
}

var globals globalFlags

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lxdops",
	Short: "Drive and track long-running LXD operations",
	Long: `lxdops issues asynchronous requests against an LXD server and follows the
operations they start, either through the server's event stream or by polling.
It runs bulk instance and snapshot actions and reports per-item outcomes.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globals.configPath, "config", "", "config file (default searches ./lxdops.yaml, $HOME/.config/lxdops, /etc/lxdops)")
	flags.StringVar(&globals.logLevel, "log-level", "", "log level, overrides the config file")
	flags.StringVar(&globals.project, "project", "", "LXD project, overrides the config file")
	flags.StringVarP(&globals.output, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newInstancesCommand())
	rootCmd.AddCommand(newSnapshotsCommand())
	rootCmd.AddCommand(newOperationsCommand())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Print the version number of lxdops`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "lxdops version %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// loadConfig reads the config file and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globals.configPath)
	if err != nil {
		return nil, err
	}
	if globals.project != "" {
		cfg.Server.Project = globals.project
	}
	if globals.logLevel != "" {
		cfg.Logging.Level = globals.logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := lxdops.LogLevelFromString(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "json" {
		return lxdops.NewJSONLogger(w, level), nil
	}
	return lxdops.NewLogger(w, level), nil
}

// newClient builds a client from the config file and global flags
func newClient() (*lxdops.Client, error) {
	if err := checkOutputFormat(globals.output); err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	return lxdops.New(cfg, lxdops.WithLogger(logger))
}

// withListener runs fn while the event stream feeds the client's queue. When
// events are disabled fn runs alone and every wait polls.
func withListener(ctx context.Context, client *lxdops.Client, fn func(context.Context) error) error {
	listener := client.Listener()
	if listener == nil {
		return fn(ctx)
	}

	connected, stop := client.Bus.Next(core.EventStreamConnected)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()

		grace := time.NewTimer(connectGrace)
		defer grace.Stop()
		select {
		case <-connected:
		case <-grace.C:
			client.Logger().Warn().Dur("waited", connectGrace).Msg("event stream not connected yet, waits may fall back to polling")
		case <-gctx.Done():
			return gctx.Err()
		}
		return fn(gctx)
	})
	return g.Wait()
}
