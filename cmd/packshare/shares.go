package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/reconcile"
	"github.com/BadgerOps/packshare/internal/server"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	sharesFollow  bool
	sharesHistory bool
)

func newSharesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shares",
		Short: "List active seed sessions",
		Long: `List the backend's active seed sessions with their public URLs and
download counters.

With --follow the list is re-synced every sync.interval until interrupted.
A failed sync keeps the last list on screen and prints a warning. Use
--history to list recent transfers instead.`,
		Example: `  packshare shares
  packshare shares --follow
  packshare shares --history`,
		RunE: sharesRun,
	}

	cmd.Flags().BoolVar(&sharesFollow, "follow", false, "keep syncing and reprinting the list")
	cmd.Flags().BoolVar(&sharesHistory, "history", false, "show recent transfers")

	return cmd
}

func sharesRun(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if sharesHistory {
		transfers, err := api.Transfers(ctx, 20)
		if err != nil {
			return fmt.Errorf("listing transfers: %w", err)
		}
		printTransfers(transfers)
		return nil
	}

	cache := reconcile.NewCache(api, logger)
	if err := cache.SyncWithBackend(ctx); err != nil {
		return fmt.Errorf("listing shares: %w", err)
	}
	printShares(cache.Shares())
	if !sharesFollow {
		return nil
	}

	ticker := time.NewTicker(globalCfg.Sync.Interval)
	defer ticker.Stop()
	var lastWarning time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = cache.SyncWithBackend(ctx)
			for _, w := range cache.Warnings() {
				if w.At.After(lastWarning) {
					printf("warning (%s): %s\n", w.At.Format(time.TimeOnly), w.Message)
					lastWarning = w.At
				}
			}
			printf("\n")
			printShares(cache.Shares())
		}
	}
}

func printShares(shares []server.ShareInfo) {
	if len(shares) == 0 {
		printf("No active shares\n")
		return
	}
	printf("%-14s %-20s %-7s %-10s %9s %10s %16s  %s\n", "Share", "Instance", "Via", "State", "Downloads", "Uploaded", "Started", "URL")
	printf("%s\n", strings.Repeat("-", 110))
	for _, sh := range shares {
		url := "-"
		if sh.PublicURL != nil {
			url = *sh.PublicURL
		}
		printf("%-14s %-20s %-7s %-10s %9d %10s %16s  %s\n",
			sh.ShareID,
			truncate(sh.InstanceName, 20),
			sh.Provider,
			sh.State,
			sh.DownloadCount,
			humanize.IBytes(uint64(sh.UploadedBytes)),
			shortTime(sh.StartedAt),
			url,
		)
	}
}

func printTransfers(transfers []server.TransferInfo) {
	if len(transfers) == 0 {
		printf("No transfers recorded\n")
		return
	}
	printf("%-9s %-10s %-14s %10s %16s  %s\n", "Direction", "Status", "Export", "Size", "Started", "Path")
	printf("%s\n", strings.Repeat("-", 90))
	for _, t := range transfers {
		printf("%-9s %-10s %-14s %10s %16s  %s\n",
			t.Direction,
			t.Status,
			t.ExportID,
			humanize.IBytes(uint64(t.TotalSize)),
			shortTime(t.StartTime),
			t.Path,
		)
		if t.ErrorMessage != "" {
			printf("          error: %s\n", t.ErrorMessage)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
