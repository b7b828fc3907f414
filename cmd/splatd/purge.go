package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"splatstream/internal/app"
	"splatstream/internal/cache"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every cache generation except the configured one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Cache.Disabled {
			return fmt.Errorf("the runtime cache is disabled")
		}
		if cfg.Cache.Dir == "" {
			return fmt.Errorf("purge needs a persistent cache.dir")
		}

		storage, err := cache.NewOSStorage(log.Logr().WithName("cache"), cfg.Cache.Dir, cfg.Cache.Compress)
		if err != nil {
			return fmt.Errorf("failed to open cache storage: %w", err)
		}
		before, err := storage.Keys()
		if err != nil {
			storage.Close()
			return fmt.Errorf("failed to list cache generations: %w", err)
		}

		// Activation inside app.New deletes the stale generations.
		p, err := app.New(cmd.Context(), cfg, log, app.Options{Storage: storage})
		if err != nil {
			storage.Close()
			return err
		}
		defer p.Close()

		after, err := storage.Keys()
		if err != nil {
			return fmt.Errorf("failed to list cache generations: %w", err)
		}
		remaining := make(map[string]bool, len(after))
		for _, k := range after {
			remaining[k] = true
		}

		out := cmd.OutOrStdout()
		stale := 0
		for _, k := range before {
			switch {
			case k == p.Cache.Generation():
			case remaining[k]:
				stale++
				color.New(color.FgRed).Fprintf(out, "could not delete %s\n", k)
			default:
				color.New(color.FgYellow).Fprintf(out, "deleted %s\n", k)
			}
		}
		color.New(color.FgGreen).Fprintf(out, "kept %s (%s)\n", p.Cache.Generation(), p.Cache.State())
		if stale > 0 {
			return fmt.Errorf("%d stale generations remain", stale)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
