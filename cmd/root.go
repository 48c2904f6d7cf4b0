// Package cmd implements the cardcrawler command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/app"
	"github.com/mtAerohand/draw/internal/config"
	"github.com/mtAerohand/draw/internal/logging"
	"github.com/mtAerohand/draw/internal/metrics"
)

// newApp is the application factory; tests replace it.
var newApp = app.New

type rootOptions struct {
	cfgFile string
	in      io.Reader
}

// newRootCmd wires the command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{in: os.Stdin}
	cmd := &cobra.Command{
		Use:   "cardcrawler",
		Short: "Crawls the card database and serves random card lookups.",
		Long: `cardcrawler pages through the official card database listing, stages every
card it finds and replaces the committed catalog once a cycle completes. Size
changes between cycles need an operator answer before the swap happens.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newDrawCmd(opts))
	return cmd
}

// bootstrap loads config, builds the logger and wires the application.
func bootstrap(ctx context.Context, opts *rootOptions, out io.Writer) (*app.App, func(), error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	metrics.Init()

	a, err := newApp(ctx, cfg, logger, app.Options{Stdin: opts.in, Stdout: out})
	if err != nil {
		undo()
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("initialize application services: %w", err)
	}
	cleanup := func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close application services", zap.Error(cerr))
		}
		_ = logger.Sync()
		undo()
	}
	return a, cleanup, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
