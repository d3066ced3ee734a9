package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	exportInstance      string
	exportMods          bool
	exportConfig        bool
	exportResourcePacks bool
	exportShaderPacks   bool
	exportSaves         bool
	exportWorlds        []string
	exportSeed          string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build a shareable package from an instance",
		Long: `Build a package from an instance on the backend. Only the selected
categories are included; excluded categories are recorded as empty in the
manifest.

--world may be repeated. Naming a world implies --saves; requested worlds
that do not exist are reported as warnings, not errors. Use --seed to start
seeding the finished package right away.`,
		Example: `  packshare export --instance sky-block --mods --include-config
  packshare export --instance sky-block --mods --world Spawn --world "Nether Hub"
  packshare export --instance sky-block --mods --seed edge`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportInstance, "instance", "", "instance to export (required)")
	cmd.Flags().BoolVar(&exportMods, "mods", false, "include mods")
	cmd.Flags().BoolVar(&exportConfig, "include-config", false, "include the config folder")
	cmd.Flags().BoolVar(&exportResourcePacks, "resourcepacks", false, "include resource packs")
	cmd.Flags().BoolVar(&exportShaderPacks, "shaderpacks", false, "include shader packs")
	cmd.Flags().BoolVar(&exportSaves, "saves", false, "include the worlds named with --world")
	cmd.Flags().StringArrayVar(&exportWorlds, "world", nil, "world to include (repeatable)")
	cmd.Flags().StringVar(&exportSeed, "seed", "", "start seeding the package with this provider (relay or edge)")

	if err := cmd.MarkFlagRequired("instance"); err != nil {
		panic(err)
	}

	return cmd
}

// exportOptionsFromFlags builds ExportOptions from the export flags.
func exportOptionsFromFlags() engine.ExportOptions {
	opts := engine.ExportOptions{
		Mods:          exportMods,
		Config:        exportConfig,
		ResourcePacks: exportResourcePacks,
		ShaderPacks:   exportShaderPacks,
		Saves:         exportSaves || len(exportWorlds) > 0,
		OperationID:   "export-" + uuid.NewString(),
	}
	for _, w := range exportWorlds {
		if w = strings.TrimSpace(w); w != "" {
			opts.Worlds = append(opts.Worlds, w)
		}
	}
	return opts
}

func exportRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	api, err := newAPIClient()
	if err != nil {
		return err
	}
	opts := exportOptionsFromFlags()
	log.Info("export requested", "instance_id", exportInstance, "operation_id", opts.OperationID)

	// Show the backend's warnings and stage changes while it builds.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		_ = api.WatchProgress(ctx, func(ev progress.Event) {
			if ev.OperationID != opts.OperationID {
				return
			}
			if ev.Warning {
				printf("  warning: %s\n", ev.Message)
				return
			}
			printf("  [%3.0f%%] %-10s %s\n", ev.Progress, ev.Stage, ev.Message)
		})
	}()

	printf("Exporting %s...\n", exportInstance)
	prepared, err := api.PrepareExport(cmd.Context(), exportInstance, opts)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	cancel()

	m := prepared.Manifest
	printf("Export complete:\n")
	printf("  Export ID: %s\n", prepared.ExportID)
	printf("  Package: %s (%s)\n", prepared.PackagePath, humanize.IBytes(uint64(prepared.FileSize)))
	if m != nil {
		printf("  Instance: %s (%s %s %s)\n", m.Instance.Name, m.Instance.GameVersion, m.Instance.LoaderKind, m.Instance.LoaderVersion)
		printf("  Mods: %d  Config files: %d  Resource packs: %d  Shader packs: %d\n",
			m.Mods.Count, m.Config.Count, m.ResourcePacks.Count, m.ShaderPacks.Count)
		if m.Saves.Included {
			printf("  Worlds: %s\n", strings.Join(m.Saves.Worlds, ", "))
		}
	}

	if exportSeed == "" {
		return nil
	}
	share, err := api.StartSeed(cmd.Context(), prepared.ExportID, exportSeed)
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	printShare(share)
	return nil
}
