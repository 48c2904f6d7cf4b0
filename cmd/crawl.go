package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl loop without the HTTP interface",
		Long: `Pages through the card listing, stages every card and reconciles the
committed catalog. With --once a single cycle runs and the command exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCrawl(ctx, cmd, opts, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single crawl cycle and exit")
	return cmd
}

func runCrawl(ctx context.Context, cmd *cobra.Command, opts *rootOptions, once bool) error {
	a, cleanup, err := bootstrap(ctx, opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer cleanup()

	if !once {
		a.Loop.Run(ctx)
		return nil
	}

	report, err := a.Loop.RunCycle(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.Logger.Info("crawl interrupted", zap.Int("pages", report.Pages))
			return nil
		}
		return fmt.Errorf("run crawl cycle: %w", err)
	}
	if report.Err != nil {
		return fmt.Errorf("reconcile: %w", report.Err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %s after %d pages (main %d, staged %d)\n",
		report.CycleID, report.Result.Outcome, report.Pages,
		report.Result.MainSize, report.Result.StagingSize)
	return nil
}
