package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openzim/mwoffliner/internal/dump"
)

// dumpRunner is the slice of dump.Runner the command drives; a variable
// factory lets tests substitute a fake.
type dumpRunner interface {
	Run(ctx context.Context) error
}

var newRunner = func(ctx context.Context, app *App) (dumpRunner, error) {
	return dump.New(ctx, app.Config, app.Logger)
}

// newDumpCmd creates the 'dump' subcommand, which runs one full mirror pass
// over the configured wiki.
func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Mirror the wiki and build the configured archive variants",
		Long: `Enumerates every article of the configured wiki (or the titles file),
rewrites and stores their HTML, downloads the referenced media and invokes
zimwriterfs for each requested dump variant.`,

		RunE: runDumpCommand,
	}
}

func runDumpCommand(cmd *cobra.Command, _ []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(ctx, app)
	if err != nil {
		return fmt.Errorf("init dump: %w", err)
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run dump: %w", err)
	}

	app.Logger.Info("dump finished")
	return nil
}
