package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/terrain"
)

var bakeRadius int32

var bakeCmd = &cobra.Command{
	Use:   "bake [output.db]",
	Short: "Bake terrain samples into a SQLite database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output := args[0]
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.Kind == "sqlite" && cfg.Storage.Path == output {
			return fmt.Errorf("bake: source and output are both %s", output)
		}
		radius := cfg.Storage.Radius
		if cmd.Flags().Changed("radius") {
			radius = bakeRadius
		}

		src, closeSrc, err := terrain.OpenStorage(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeSrc() }()

		w, err := storage.NewWriter(output, cfg.CellSize, cfg.CellLOD)
		if err != nil {
			return err
		}
		start := time.Now()
		n, err := storage.Bake(cmd.Context(), src, w, radius)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("bake %s: %w", output, err)
		}

		size := "?"
		if fi, err := os.Stat(output); err == nil {
			size = humanize.IBytes(uint64(fi.Size()))
		}
		fmt.Printf("Baked %s cells into %s (%s) in %v\n",
			humanize.Comma(int64(n)), output, size, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	bakeCmd.Flags().Int32Var(&bakeRadius, "radius", 0, "Bake cells in [-radius, radius) (default: storage.radius)")
	rootCmd.AddCommand(bakeCmd)
}
