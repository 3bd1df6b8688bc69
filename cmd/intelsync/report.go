package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/intelsync/intelsync"
)

func newReportCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Create, edit and inspect local reports",
	}
	cmd.AddCommand(
		newReportCreateCmd(g),
		newReportListCmd(g),
		newReportShowCmd(g),
		newReportEditCmd(g),
		newReportDeleteCmd(g),
		newReportEnqueueCmd(g),
		newReportHistoryCmd(g),
	)
	return cmd
}

func newReportCreateCmd(g *globals) *cobra.Command {
	var in intelsync.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a new report (a draft unless --submit)",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "report title")
	cmd.Flags().StringVar(&in.Content, "content", "", "report body, plain text or HTML")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().Float64Var(&in.Latitude, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&in.Longitude, "lon", 0, "longitude")
	cmd.Flags().Int64Var(&in.Timestamp, "timestamp", 0, "authoring time, unix ms (default now)")
	cmd.Flags().StringVar(&in.Author, "author", "", "author public key (default: the signer)")
	cmd.Flags().BoolVar(&in.Submit, "submit", false, "queue for sync immediately")
	_ = cmd.MarkFlagRequired("title")

	cmd.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
		r, err := eng.Reports().Create(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(r)
	})
	return cmd
}

func newReportListCmd(g *globals) *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports, most recently modified last",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (draft, pending, syncing, synced, conflict, error)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max reports")

	cmd.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
		f := intelsync.ListFilter{Limit: limit}
		for _, s := range statuses {
			f.Statuses = append(f.Statuses, intelsync.Status(s))
		}
		list, err := eng.Reports().List(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(list)
	})
	return cmd
}

func newReportShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <offline-id>",
		Short: "Show one report",
		Args:  cobra.ExactArgs(1),
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
			r, err := eng.Reports().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return &intelsync.NotFoundError{OfflineID: args[0]}
			}
			return printJSON(struct {
				*intelsync.Report
				Attention intelsync.Attention `json:"attention"`
			}{r, intelsync.AttentionOf(r)})
		}),
	}
}

func newReportEditCmd(g *globals) *cobra.Command {
	var (
		title, content string
		tags           []string
		lat, lon       float64
		ts             int64
	)
	cmd := &cobra.Command{
		Use:   "edit <offline-id>",
		Short: "Change authored fields of a report that is not syncing or synced",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new body")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable; --tag= clears)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "new latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "new longitude")
	cmd.Flags().Int64Var(&ts, "timestamp", 0, "new authoring time, unix ms")

	cmd.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
		var p intelsync.Patch
		fl := cmd.Flags()
		if fl.Changed("title") {
			p.Title = &title
		}
		if fl.Changed("content") {
			p.Content = &content
		}
		if fl.Changed("tag") {
			p.Tags = tags
			if p.Tags == nil {
				p.Tags = []string{}
			}
		}
		if fl.Changed("lat") {
			p.Latitude = &lat
		}
		if fl.Changed("lon") {
			p.Longitude = &lon
		}
		if fl.Changed("timestamp") {
			p.Timestamp = &ts
		}
		r, err := eng.Reports().Update(ctx, args[0], p)
		if err != nil {
			return err
		}
		return printJSON(r)
	})
	return cmd
}

func newReportDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <offline-id>",
		Short: "Delete a report",
		Args:  cobra.ExactArgs(1),
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
			if err := eng.Reports().Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		}),
	}
}

func newReportEnqueueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <offline-id>",
		Short: "Queue a draft for sync",
		Args:  cobra.ExactArgs(1),
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
			r, err := eng.Orchestrator().Enqueue(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(r)
		}),
	}
}

func newReportHistoryCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <offline-id>",
		Short: "Show the event journal of a report",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "max entries")
	cmd.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
		entries, err := eng.History(ctx, args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(entries)
	})
	return cmd
}
