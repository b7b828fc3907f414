package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"splatstream/internal/app"
	"splatstream/internal/asset"
	"splatstream/internal/ply"
)

const progressBarWidth = 30

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download and parse one splat, showing progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := app.New(cmd.Context(), cfg, log, app.Options{})
		if err != nil {
			return err
		}
		defer p.Close()

		rec := asset.NewRecord(cfg.AssetType, args[0])
		out := cmd.OutOrStdout()
		rec.OnProgress(func(received, total int64) {
			fmt.Fprintf(out, "\r%s", progressLine(received, total))
		})

		p.Registry.Add(rec)
		defer p.Registry.Remove(rec)
		res, err := p.Registry.LoadSync(cmd.Context(), rec)
		fmt.Fprintln(out)
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "Failed to load splat asset: %v\n", err)
			return err
		}

		splat, ok := res.(*ply.Splat)
		if !ok {
			return fmt.Errorf("asset %s produced %T, not a splat", rec.ID, res)
		}
		printSummary(cmd, rec, splat)
		return nil
	},
}

// progressLine renders one progress update. The fetcher only reports progress
// when the total is known, so total is always positive here.
func progressLine(received, total int64) string {
	cyan := color.New(color.FgCyan).SprintFunc()
	pct := int(float64(received) / float64(total) * 100)
	if pct > 100 {
		pct = 100
	}
	filled := pct * progressBarWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled)
	return fmt.Sprintf("%s [%s] %3d%% (%d/%d bytes)", cyan("downloading"), bar, pct, received, total)
}

func printSummary(cmd *cobra.Command, rec *asset.Record, s *ply.Splat) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(out, "Loaded %s\n", rec.ID)
	fmt.Fprintf(out, "  source:   %s\n", rec.SourceURL)
	fmt.Fprintf(out, "  format:   %s %s\n", s.Format, s.Version)
	fmt.Fprintf(out, "  vertices: %d\n", s.VertexCount)
	fmt.Fprintf(out, "  size:     %d bytes\n", s.Size)
	if s.Compressed {
		fmt.Fprintf(out, "  layout:   compressed (chunked)\n")
	}
	for _, e := range s.Elements {
		names := make([]string, 0, len(e.Properties))
		for _, prop := range e.Properties {
			names = append(names, prop.Name)
		}
		fmt.Fprintf(out, "  element %s x%d: %s\n", e.Name, e.Count, strings.Join(names, " "))
	}
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
