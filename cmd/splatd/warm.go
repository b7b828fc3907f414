package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"splatstream/internal/app"
)

var (
	warmParallel int
	warmRetries  int
	warmDelay    time.Duration
)

var warmCmd = &cobra.Command{
	Use:   "warm <url>...",
	Short: "Prefetch splats into the runtime cache",
	Long: `Download every URL through the runtime cache so later loads are served
locally. Only URLs ending in the cache extension are stored. Use a persistent
cache.dir in the config for the result to outlive this process.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Cache.Dir == "" {
			log.Warnf("No cache.dir configured; warmed entries are lost when warm exits")
		}
		p, err := app.New(cmd.Context(), cfg, log, app.Options{})
		if err != nil {
			return err
		}
		defer p.Close()

		warmer := p.Warmer().WithRetries(warmRetries, warmDelay)
		results := warmer.WarmAll(cmd.Context(), args, warmParallel)

		out := cmd.OutOrStdout()
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				color.New(color.FgRed).Fprintf(out, "FAIL %s: %v\n", res.URL, res.Err)
				continue
			}
			color.New(color.FgGreen).Fprintf(out, "OK   %s (%d bytes, %d attempts)\n", res.URL, res.Bytes, res.Attempts)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d URLs failed to warm", failed, len(results))
		}
		return nil
	},
}

func init() {
	warmCmd.Flags().IntVarP(&warmParallel, "parallel", "p", 4, "Maximum concurrent downloads")
	warmCmd.Flags().IntVar(&warmRetries, "retries", 3, "Attempts per URL")
	warmCmd.Flags().DurationVar(&warmDelay, "retry-delay", 100*time.Millisecond, "Delay between attempts")
	rootCmd.AddCommand(warmCmd)
}
