package main

import (
	"fmt"
	"log/slog"

	"github.com/BadgerOps/packshare/internal/server"
	"github.com/BadgerOps/packshare/internal/shareerr"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	seedExportID string
	seedProvider string
)

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish a prepared export through a tunnel",
		Long: `Start seeding a prepared export. The backend serves the package on an
ephemeral local port and publishes it through the chosen tunnel provider.
Share the printed URL with peers; they fetch it with "packshare pull".

Tunnel failures are not retried automatically. Rate limits and transient
tunnel errors print a suggested wait before trying again.`,
		Example: `  packshare seed --export-id 4f1c9a2e
  packshare seed --export-id 4f1c9a2e --provider relay`,
		RunE: seedRun,
	}

	cmd.Flags().StringVar(&seedExportID, "export-id", "", "export to seed (required)")
	cmd.Flags().StringVar(&seedProvider, "provider", "", "tunnel provider: relay or edge (default seed.default_provider)")

	if err := cmd.MarkFlagRequired("export-id"); err != nil {
		panic(err)
	}

	return cmd
}

func seedRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	api, err := newAPIClient()
	if err != nil {
		return err
	}
	log.Info("seed requested", "export_id", seedExportID, "provider", seedProvider)

	share, err := api.StartSeed(cmd.Context(), seedExportID, seedProvider)
	if err != nil {
		if kind := shareerr.KindOf(err); shareerr.Retriable(kind) {
			return fmt.Errorf("seed failed: %w (retry in %s)", err, shareerr.BackoffDelay(1))
		}
		return fmt.Errorf("seed failed: %w", err)
	}
	printShare(share)
	return nil
}

func newUnseedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unseed",
		Short: "Stop seeding an export",
		Long: `Stop seeding an export: the tunnel is closed, in-flight peers see a
clean connection close and the local port is released. Stopping an export
that is not being seeded succeeds.`,
		Example: `  packshare unseed --export-id 4f1c9a2e`,
		RunE:    unseedRun,
	}

	cmd.Flags().StringVar(&seedExportID, "export-id", "", "export to stop seeding (required)")

	if err := cmd.MarkFlagRequired("export-id"); err != nil {
		panic(err)
	}

	return cmd
}

func unseedRun(cmd *cobra.Command, args []string) error {
	api, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := api.StopSeed(cmd.Context(), seedExportID); err != nil {
		return fmt.Errorf("unseed failed: %w", err)
	}
	printf("Stopped seeding %s\n", seedExportID)
	return nil
}

// printShare prints one share as a short block.
func printShare(sh server.ShareInfo) {
	url := "(not published)"
	if sh.PublicURL != nil {
		url = *sh.PublicURL
	}
	printf("Seeding %s (%s):\n", sh.ShareID, sh.InstanceName)
	printf("  URL: %s\n", url)
	printf("  Provider: %s  Local port: %d  Size: %s\n", sh.Provider, sh.LocalPort, humanize.IBytes(uint64(sh.FileSize)))
}
