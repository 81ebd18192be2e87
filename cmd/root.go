package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/l0p7/scorecache/internal/config"
	"github.com/l0p7/scorecache/internal/runtime"
	"github.com/l0p7/scorecache/internal/runtime/cache"
	"github.com/l0p7/scorecache/internal/runtime/scoring"
	"github.com/l0p7/scorecache/internal/runtime/warmer"
	"github.com/l0p7/scorecache/internal/server"
)

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "scorecache",
		Short:         "Resolve and cache consensus scores for anime and manga ids",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a yaml, json or toml configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", config.DefaultEnvPrefix, "prefix for environment overrides")
	root.PersistentFlags().StringVar(&opts.kind, "kind", "", "entity kind to resolve (anime or manga); overrides configuration")

	root.AddCommand(
		newLookupCmd(opts),
		newWarmCmd(opts),
		newListCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func newLookupCmd(opts *globalOptions) *cobra.Command {
	var skipWarm bool
	cmd := &cobra.Command{
		Use:   "lookup ID... | lookup -",
		Short: "Resolve scores for ids, reading them from stdin when given -",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ids, err := collectIDs(args, c.InOrStdin())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return errors.New("no ids provided")
			}
			return runLookup(c.Context(), opts, ids, !skipWarm, c.OutOrStdout(), c.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&skipWarm, "no-warm", false, "skip refreshing stale cache entries before resolving")
	return cmd
}

func newWarmCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Refresh every stale cache entry and write the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runWarm(c.Context(), opts, c.OutOrStdout(), c.ErrOrStderr())
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print cached entries without contacting any source",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runList(c.Context(), opts, c.OutOrStdout(), c.ErrOrStderr())
		},
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var skipWarm bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve score lookups over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runServe(c.Context(), opts, !skipWarm, c.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&skipWarm, "no-warm", false, "skip refreshing stale cache entries before serving")
	return cmd
}

// collectIDs expands a lone "-" into whitespace separated ids read from in.
func collectIDs(args []string, in io.Reader) ([]string, error) {
	if len(args) == 1 && args[0] == "-" {
		var ids []string
		scanner := bufio.NewScanner(in)
		scanner.Split(bufio.ScanWords)
		for scanner.Scan() {
			ids = append(ids, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ids: %w", err)
		}
		return ids, nil
	}
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		if id := strings.TrimSpace(arg); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func runLookup(ctx context.Context, opts *globalOptions, ids []string, warm bool, stdout, stderr io.Writer) (err error) {
	a, err := loadApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	engine, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.shutdownEngine(engine)) }()

	if warm {
		logWarmReport(a.logger, engine.Warm(ctx))
	}

	rows := make([][]string, 0, len(ids))
	var failed []string
	for _, id := range ids {
		lookup, lookupErr := engine.ResolveAndCache(ctx, id)
		if lookupErr != nil {
			failed = append(failed, id)
			fmt.Fprintf(stderr, "%s: %v\n", id, lookupErr)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if scoring.IsUnknown(lookup.Score) {
			failed = append(failed, id)
			fmt.Fprintf(stderr, "%s: score unknown (%s)\n", id, lookup.Source)
			continue
		}
		rows = append(rows, []string{
			lookup.ID,
			cache.FormatScore(lookup.Score),
			lookup.Source,
			strconv.FormatBool(lookup.FromCache),
		})
	}
	renderTable(stdout, []string{"ID", "Score", "Source", "Cached"}, rows, []bool{true, true, false, false})

	if len(failed) > 0 {
		fmt.Fprintf(stderr, "unresolved: %s\n", strings.Join(failed, ", "))
	}
	if len(rows) == 0 {
		return fmt.Errorf("no scores resolved for %d id(s)", len(ids))
	}
	return nil
}

func runWarm(ctx context.Context, opts *globalOptions, stdout, stderr io.Writer) (err error) {
	a, err := loadApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	engine, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.shutdownEngine(engine)) }()

	report := engine.Warm(ctx)
	logWarmReport(a.logger, report)
	renderTable(stdout,
		[]string{"Refreshed", "Failed", "Skipped", "Entries"},
		[][]string{{
			strconv.Itoa(report.Refreshed),
			strconv.Itoa(report.Failed),
			strconv.Itoa(report.Skipped),
			strconv.Itoa(engine.Cache().Len()),
		}},
		[]bool{true, true, true, true},
	)
	if report.Interrupted {
		return ctx.Err()
	}
	return nil
}

func runList(ctx context.Context, opts *globalOptions, stdout, stderr io.Writer) error {
	a, err := loadApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	c, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close(context.WithoutCancel(ctx))

	entries := c.Entries()
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		stored := "-"
		if !entry.StoredAt.IsZero() {
			stored = entry.StoredAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{entry.ID, entry.Score, stored, strconv.FormatBool(entry.Valid)})
	}
	renderTable(stdout, []string{"ID", "Score", "Stored", "Valid"}, rows, []bool{true, true, false, false})
	fmt.Fprintf(stdout, "%d entries in %s (ttl %s)\n", len(entries), c.Location(), c.TTL())
	return nil
}

// runServe hands the engine's final flush to the server, which runs it once
// in-flight lookups have drained.
func runServe(ctx context.Context, opts *globalOptions, warm bool, stderr io.Writer) error {
	a, err := loadApp(ctx, opts, stderr)
	if err != nil {
		return err
	}
	engine, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}

	if len(a.loader.Files()) > 0 {
		watcher, watchErr := a.loader.Watch(ctx,
			func(cfg config.Config) {
				engine.Cache().SetTTL(cfg.Cache.TTL())
			},
			func(err error) {
				a.logger.Warn("configuration reload rejected", slog.Any("error", err))
			},
		)
		if watchErr != nil {
			a.logger.Warn("configuration watch disabled", slog.Any("error", watchErr))
		} else {
			defer watcher.Stop()
		}
	}

	if warm {
		logWarmReport(a.logger, engine.Warm(ctx))
	}

	handler := server.NewHandler(engine, server.HandlerOptions{
		Metrics:           a.metrics.Handler(),
		CorrelationHeader: a.cfg.Logging.CorrelationHeader,
		Logger:            a.logger,
	})
	srv, err := server.New(a.cfg.Server, a.logger, server.Options{
		Handler:   handler,
		OnDrained: engine.Shutdown,
	})
	if err != nil {
		return errors.Join(err, a.shutdownEngine(engine))
	}
	return srv.Run(ctx)
}

// shutdownEngine flushes and closes the cache after the command context is
// gone, bounded by server.shutdownTimeout.
func (a *app) shutdownEngine(engine *runtime.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		a.logger.Error("cache shutdown failed", slog.Any("error", err))
		return err
	}
	return nil
}

func logWarmReport(logger *slog.Logger, report warmer.Report) {
	logger.Info("cache warm complete",
		slog.Int("refreshed", report.Refreshed),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Bool("interrupted", report.Interrupted),
	)
}
