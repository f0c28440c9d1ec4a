package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-approval-workflows/internal/spool"
)

func newSpoolCommand(ctx *commandContext) *cobra.Command {
	spoolCmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect and replay undelivered notifications",
	}

	spoolCmd.AddCommand(newSpoolListCommand(ctx))
	spoolCmd.AddCommand(newSpoolReplayCommand(ctx))
	spoolCmd.AddCommand(newSpoolPurgeCommand(ctx))

	return spoolCmd
}

func (c *commandContext) withSpool(fn func(store *spool.Store) error) error {
	cfg, _, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := spool.Open(cfg.Notifications.SpoolPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

var spoolColumns = []column{
	{header: "ID"},
	{header: "SINK"},
	{header: "RECIPIENT"},
	{header: "KIND"},
	{header: "ATTEMPTS", right: true},
	{header: "CREATED"},
	{header: "LAST ERROR", maxWidth: 60},
}

func newSpoolListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spooled notifications, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSpool(func(store *spool.Store) error {
				entries, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Spool is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ID, e.Sink, e.Message.Recipient, string(e.Message.Kind),
						strconv.Itoa(e.Attempts), e.CreatedAt.Format(time.RFC3339), e.LastError,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(spoolColumns, rows))
				total, err := store.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Showing %d of %d\n", len(entries), total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of entries to show")
	return cmd
}

func newSpoolReplayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-deliver spooled notifications through the configured sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sink, closeSink, err := openTransport(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeSink()
			if sink == nil {
				return fmt.Errorf("spool replay needs a network sink; notifications.sink is %q", cfg.Notifications.Sink)
			}
			return ctx.withSpool(func(store *spool.Store) error {
				delivered, failed, err := store.Replay(cmd.Context(), sink)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d, still failing %d\n", delivered, failed)
				return nil
			})
		},
	}
}

func newSpoolPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every spooled notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSpool(func(store *spool.Store) error {
				n, err := store.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d notification(s)\n", n)
				return nil
			})
		},
	}
}
