// Command stackmemoryctl is a thin operational shell around Engine: stats,
// forced maintenance cycles, and a watch mode for the database file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathanpeterwu/stackmemory/internal/config"
	"github.com/jonathanpeterwu/stackmemory/internal/engine"
	"github.com/jonathanpeterwu/stackmemory/internal/telemetry"
)

var configPath string

func main() {
	shutdown, err := telemetry.Init("stackmemoryctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer shutdown(context.Background())

	root := &cobra.Command{
		Use:   "stackmemoryctl",
		Short: "Operate a project's stackmemory database",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a stackmemory config file")
	root.AddCommand(statsCmd(), gcCmd(), migrateCmd(), watchCmd(), initConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	eng, err := engine.Open(ctx, cfg.DatabasePath, cfg, engine.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	return eng, cfg, nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cumulative GC counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, _, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(ctx)

			stats := eng.GetStorageStats(ctx)
			fmt.Printf("cycles_run=%d frames_deleted=%d frames_skipped=%d archive_failures=%d\n",
				stats.GC.CyclesRun, stats.GC.FramesDeleted, stats.GC.FramesSkipped, stats.GC.ArchiveFailures)
			return nil
		},
	}
}

func initConfigCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a default stackmemory.yaml config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ".stackmemory/stackmemory.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path, overwrite); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config file")
	return cmd
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Force one GCWorker collection cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, _, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(ctx)
			return eng.ForceGCCycle(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Force one TierStore migration batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, _, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(ctx)
			n, err := eng.ForceMigrationCycle(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("migrated %d items\n", n)
			return nil
		},
	}
}
