package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/intelsync/eventbus"
	"github.com/hazyhaar/intelsync/intelsync"
	"github.com/hazyhaar/intelsync/wallet"
)

func newSyncCmd(g *globals) *cobra.Command {
	var onConflict string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Submit every pending report to the ledger",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&onConflict, "on-conflict", "", "strategy for conflicts when settings say ask (merge, replace, keep_both)")

	cmd.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
		var opts []intelsync.SyncOption
		if onConflict != "" {
			strategy := intelsync.Strategy(onConflict)
			if !strategy.Valid() {
				return fmt.Errorf("unknown strategy %q", onConflict)
			}
			opts = append(opts, intelsync.OnConflict(func(*intelsync.Report, *intelsync.ConflictData) intelsync.Strategy {
				return strategy
			}))
		}
		off := eng.Bus().On(intelsync.EventSyncProgress, func(ev eventbus.Event) {
			p := ev.(intelsync.SyncProgress)
			fmt.Fprintf(os.Stderr, "[%d/%d] %s %s\n", p.Completed, p.Total, p.OfflineID, p.Status)
		})
		defer off()

		stats, err := eng.SyncAll(ctx, opts...)
		if errors.Is(err, intelsync.ErrNoSigner) {
			return fmt.Errorf("%w: set wallet.keystore (see keygen)", err)
		}
		if err != nil {
			return err
		}
		return printJSON(stats)
	})
	return cmd
}

func newResolveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <offline-id> <ask|merge|replace|keep_both>",
		Short: "Settle a conflict; the report goes back to pending",
		Args:  cobra.ExactArgs(2),
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
			r, out, err := eng.Orchestrator().Resolve(ctx, args[0], intelsync.Strategy(args[1]))
			var ce *intelsync.ConflictError
			if errors.As(err, &ce) {
				// ask: show what needs deciding.
				return printJSON(map[string]any{"outcome": out, "conflictData": ce.Data})
			}
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"report": r, "outcome": out})
		}),
	}
}

func newRevertCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <offline-id>",
		Short: "Undo an unconfirmed conflict resolution",
		Args:  cobra.ExactArgs(1),
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
			r, err := eng.Orchestrator().Revert(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(r)
		}),
	}
}

func newRetryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <offline-id>",
		Short: "Make one more attempt for a report in error",
		Args:  cobra.ExactArgs(1),
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
			r, err := eng.Retry(ctx, args[0])
			if r != nil {
				if perr := printJSON(r); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show report counts",
		Args:  cobra.NoArgs,
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
			stats, err := eng.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		}),
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show report counts and whether a serve daemon is running on this database",
		Args:  cobra.NoArgs,
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
			stats, err := eng.Stats(ctx)
			if err != nil {
				return err
			}
			beat, err := eng.Daemon(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"stats":  stats,
				"daemon": beat,
				"signer": wallet.Available(eng.Signer()),
			})
		}),
	}
}

func newSettingsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the sync policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the sync policy",
		Args:  cobra.NoArgs,
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
			st, err := eng.Settings().Get(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	})

	var (
		autoSync   bool
		strategy   string
		maxRetries int
		batchSize  int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change some settings; omitted flags are kept",
		Args:  cobra.NoArgs,
	}
	set.Flags().BoolVar(&autoSync, "auto-sync", false, "sync automatically when reports are queued")
	set.Flags().StringVar(&strategy, "conflict-resolution", "", "ask, merge, replace or keep_both")
	set.Flags().IntVar(&maxRetries, "max-retries", 0, "transient failures tolerated per report")
	set.Flags().IntVar(&batchSize, "batch-size", 0, "reports per batch")
	set.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
		var p intelsync.SettingsPatch
		fl := set.Flags()
		if fl.Changed("auto-sync") {
			p.AutoSync = &autoSync
		}
		if fl.Changed("conflict-resolution") {
			s := intelsync.Strategy(strategy)
			p.ConflictResolution = &s
		}
		if fl.Changed("max-retries") {
			p.MaxRetries = &maxRetries
		}
		if fl.Changed("batch-size") {
			p.BatchSize = &batchSize
		}
		st, err := eng.Settings().Update(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(st)
	})
	cmd.AddCommand(set)
	return cmd
}

func newClearCmd(g *globals) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all local reports",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	cmd.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
		if !yes {
			return errors.New("refusing to clear without --yes")
		}
		n, err := eng.Reports().ClearAll(ctx)
		if err != nil {
			return err
		}
		fmt.Println("deleted", n, "reports")
		return nil
	})
	return cmd
}
