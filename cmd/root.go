// Package cmd defines and implements the CLI commands for the mwoffliner
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/config"
	"github.com/openzim/mwoffliner/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

type appKeyType string

const appKey appKeyType = "app"

// App bundles the services commands need: the validated configuration and
// the logger. Commands pull it from the command context.
type App struct {
	Config config.Config
	Logger *zap.Logger
}

// newApp is the application factory, replaceable in tests.
var newApp = func(_ context.Context) (*App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(verbose || cfg.Run.Verbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := cfg.CheckBinaries(); err != nil {
		return nil, err
	}
	return &App{Config: cfg, Logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mwoffliner",
		Short: "Produce an offline archive of a MediaWiki-family wiki.",
		Long: `mwoffliner mirrors a MediaWiki wiki for offline reading: it enumerates
articles, rewrites their HTML, downloads and optimizes every referenced
media file and packs the result into a ZIM archive via zimwriterfs.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*App); ok && app != nil {
				_ = app.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	cmd.AddCommand(newDumpCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute is the main entry point. Startup and run failures exit 1.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
