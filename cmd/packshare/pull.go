package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BadgerOps/packshare/internal/download"
	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/instance"
	"github.com/BadgerOps/packshare/internal/resolve"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	pullInstance  string
	pullReResolve bool
	pullKeep      bool
)

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull URL",
		Short: "Download a shared package and import it into an instance",
		Long: `Download a package from a seeding peer's public URL and import it into
a local instance. The package header is validated before the body is
accepted, and the archive checksum is verified before anything is moved out
of staging. A dropped connection, stall or checksum failure leaves nothing
behind.

--re-resolve matches imported mods against the mod catalog before they are
applied.`,
		Example: `  packshare pull https://quiet-fog.trycloudflare.com --instance sky-block
  packshare pull https://t-42.relay.example --instance sky-block --re-resolve`,
		Args: cobra.ExactArgs(1),
		RunE: pullRun,
	}

	cmd.Flags().StringVar(&pullInstance, "instance", "", "instance to import into (required)")
	cmd.Flags().BoolVar(&pullReResolve, "re-resolve", false, "re-resolve mods against the catalog")
	cmd.Flags().BoolVar(&pullKeep, "keep", true, "keep the downloaded package after importing")

	if err := cmd.MarkFlagRequired("instance"); err != nil {
		panic(err)
	}

	return cmd
}

func pullRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()
	ctx := cmd.Context()
	cfg := globalCfg

	st, err := openStore()
	if err != nil {
		return err
	}

	downloads := download.NewManager(download.Options{
		StagingDir:   cfg.DataPath(cfg.Download.StagingDir),
		OutputDir:    cfg.DataPath(cfg.Download.OutputDir),
		ChunkSize:    cfg.ChunkSizeBytes(),
		StallTimeout: cfg.Download.StallTimeout,
		StallAbort:   cfg.Download.StallAbort,
	}, st, nil, logger)

	sess, err := downloads.StartDownload(ctx, args[0], download.StartOptions{})
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	log.Info("download started", "id", sess.ID(), "url", args[0])

	res, err := waitWithProgress(sess)
	if err != nil {
		if errors.Is(err, download.ErrCancelled) || ctx.Err() != nil {
			printf("\nDownload cancelled\n")
			return nil
		}
		return fmt.Errorf("pull failed: %w", err)
	}
	printf("\nDownloaded %s (%s) in %s\n", res.Path, humanize.IBytes(uint64(res.Size)), res.Duration.Round(time.Second))

	var resolver resolve.Resolver
	if pullReResolve {
		rc, err := resolve.NewCatalogClient(cfg.Resolver.BaseURL, cfg.Resolver.UserAgent, cfg.Resolver.Timeout, logger)
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		resolver = rc
	}
	instances := instance.NewFSProvider(cfg.DataPath(cfg.Instances.Root), logger)
	importer := engine.NewImporter(instances, resolver, st, nil, cfg.DataPath(cfg.Download.StagingDir), logger)

	printf("Importing into %s...\n", pullInstance)
	report, err := importer.Import(ctx, res.Path, pullInstance, engine.ImportOptions{ReResolve: pullReResolve})
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	printf("Import complete:\n")
	printf("  Instance: %s\n", report.InstanceID)
	printf("  Files: %d (%s)\n", report.FilesExtracted, humanize.IBytes(uint64(report.TotalSize)))
	if pullReResolve {
		printf("  Re-resolved mods: %d\n", report.Resolved)
	}
	for _, w := range report.Warnings {
		printf("  warning: %s\n", w)
	}
	printf("  Duration: %s\n", report.Duration.Round(time.Second))

	if !pullKeep {
		if err := os.Remove(res.Path); err != nil {
			log.Warn("removing downloaded package", "path", res.Path, "error", err)
		}
	}
	return nil
}

// waitWithProgress redraws one progress line until sess ends. The session
// runs under the command context, so an interrupt discards its staging data.
func waitWithProgress(sess *download.Session) (*download.Result, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			printProgressLine(sess.Snapshot())
			return sess.Wait(context.Background())
		case <-ticker.C:
			printProgressLine(sess.Snapshot())
		}
	}
}

func printProgressLine(s download.DownloadSession) {
	if s.TotalBytes == 0 {
		printf("\r  %-12s connecting...", s.State)
		return
	}
	line := fmt.Sprintf("\r  %-12s %5.1f%%  %s / %s  %s/s",
		s.State,
		s.Progress,
		humanize.IBytes(uint64(s.DownloadedBytes)),
		humanize.IBytes(uint64(s.TotalBytes)),
		humanize.IBytes(uint64(s.Speed)),
	)
	if s.Stalled {
		line += "  (stalled)"
	}
	printf("%-78s", line)
}
