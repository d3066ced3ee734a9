package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/spf13/cobra"
)

var (
	watchOperation string
	watchJSON      bool
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream progress events from the backend",
		Long: `Stream progress events for exports, seeds and imports as they happen.
The latest event of every known operation is printed first.`,
		Example: `  packshare watch
  packshare watch --operation seed-4f1c9a2e
  packshare watch --json`,
		RunE: watchRun,
	}

	cmd.Flags().StringVar(&watchOperation, "operation", "", "only show events whose operation id starts with this prefix")
	cmd.Flags().BoolVar(&watchJSON, "json", false, "print events as JSON lines")

	return cmd
}

func watchRun(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	return api.WatchProgress(cmd.Context(), func(ev progress.Event) {
		if watchOperation != "" && !strings.HasPrefix(ev.OperationID, watchOperation) {
			return
		}
		if watchJSON {
			_ = enc.Encode(ev)
			return
		}
		fmt.Println(formatEvent(ev))
	})
}

// formatEvent renders one event as a log-style line.
func formatEvent(ev progress.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-24s %-12s %3.0f%%", ev.At.Local().Format(time.TimeOnly), ev.OperationID, ev.Stage, ev.Progress)
	if ev.Message != "" {
		b.WriteString("  ")
		b.WriteString(ev.Message)
	}
	if ev.Warning {
		b.WriteString("  [warning]")
	}
	return b.String()
}
