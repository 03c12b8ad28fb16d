package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// watchCmd re-prints storage stats whenever the database file (or its WAL
// sidecar) changes, debouncing rapid writes from an active engine.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-print storage stats whenever memory.db changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, cfg, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Shutdown(ctx)

			dir := filepath.Dir(cfg.DatabasePath)
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}

			print := func() {
				stats := eng.GetStorageStats(ctx)
				fmt.Printf("[%s] cycles_run=%d frames_deleted=%d\n",
					time.Now().Format(time.RFC3339), stats.GC.CyclesRun, stats.GC.FramesDeleted)
			}
			print()

			var debounce *time.Timer
			base := filepath.Base(cfg.DatabasePath)
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !event.Has(fsnotify.Write) {
						continue
					}
					if !strings.HasPrefix(filepath.Base(event.Name), base) {
						continue
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(200*time.Millisecond, print)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintln(cmd.ErrOrStderr(), "watch error:", err)
				}
			}
		},
	}
}
