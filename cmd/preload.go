package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var showPreloaded bool

var preloadCmd = &cobra.Command{
	Use:   "preload [x] [y]",
	Short: "Build the chunks a viewer at (x, y) needs and report what was cached",
	Long:  "Negative coordinates go after --, e.g. strata preload -- -120 40",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eye, err := parsePoint(args[0], args[1])
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		p := s.provider
		v := p.CreateView()
		keys := p.Keys(eye)

		start := time.Now()
		if err := p.Preload(cmd.Context(), v, eye); err != nil {
			return err
		}
		elapsed := time.Since(start)
		if showPreloaded {
			if err := p.Show(v); err != nil {
				return err
			}
		}

		st := p.Stats()
		fmt.Printf("Preloaded %d/%d chunks (%s paging) in %v\n", v.Len(), len(keys), s.cfg.Paging, elapsed.Round(time.Millisecond))
		fmt.Printf("  chunk cache: %d entries, %s\n", st.Chunks.Entries, humanize.IBytes(uint64(st.Chunks.Cost)))
		fmt.Printf("  textures:    %d entries, %s\n", st.Textures.Entries, humanize.IBytes(uint64(st.Textures.Cost)))
		if showPreloaded {
			fmt.Printf("  shown:       %d chunks, %s drawables\n", st.ShownChunks, humanize.Comma(int64(s.scene.Drawables())))
		}
		return p.RemoveView(v)
	},
}

func init() {
	preloadCmd.Flags().BoolVar(&showPreloaded, "show", false, "Attach the preloaded chunks to the scene")
	rootCmd.AddCommand(preloadCmd)
}
