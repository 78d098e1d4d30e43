package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/terrain"
	"github.com/agentic-research/strata/internal/texture"
)

var (
	runFrames    uint64
	runSpeed     float32
	runInterval  time.Duration
	runReport    uint64
	runFiltering string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fly a viewer across the terrain, paging chunks in and out each frame",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if runFiltering != "" {
			f, err := texture.ParseFilter(runFiltering)
			if err != nil {
				return err
			}
			n := s.provider.UpdateTextureFiltering(f)
			slog.Info("texture filtering", "filter", f.String(), "textures", n)
		}

		reloads := make(chan struct{}, 1)
		if s.swap != nil {
			go func() {
				err := storage.Watch(ctx, s.cfg.Storage.Path, 250*time.Millisecond, func() {
					select {
					case reloads <- struct{}{}:
					default:
					}
				})
				if err != nil {
					slog.Warn("storage watch stopped", "err", err)
				}
			}()
		}
		return fly(ctx, s, reloads)
	},
}

func init() {
	runCmd.Flags().Uint64Var(&runFrames, "frames", 600, "Frames to simulate (0 runs until interrupted)")
	runCmd.Flags().Float32Var(&runSpeed, "speed", 0.05, "Viewer speed in cells per frame")
	runCmd.Flags().DurationVar(&runInterval, "interval", 16*time.Millisecond, "Wall time per frame")
	runCmd.Flags().Uint64Var(&runReport, "report", 60, "Log stats every N frames")
	runCmd.Flags().StringVar(&runFiltering, "filtering", "", "Override texture filtering (nearest, bilinear, anisotropic-N)")
	rootCmd.AddCommand(runCmd)
}

type preloaded struct {
	view int
	err  error
}

// fly double-buffers two views: one is preloaded in the background while the
// other is shown, then they trade places.
func fly(ctx context.Context, s *session, reloads <-chan struct{}) error {
	p := s.provider
	views := [2]*terrain.View{p.CreateView(), p.CreateView()}
	eyeAt := func(frame uint64) mgl32.Vec3 {
		d := float32(frame) * runSpeed * s.cfg.CellSize
		return mgl32.Vec3{d, d / 2, 0}
	}

	preloadCtx, cancel := context.WithCancel(ctx)
	done := make(chan preloaded, 1)
	inFlight := false
	start := func(i int, eye mgl32.Vec3) {
		inFlight = true
		go func() { done <- preloaded{view: i, err: p.Preload(preloadCtx, views[i], eye)} }()
	}
	defer func() {
		cancel()
		if inFlight {
			<-done
		}
	}()

	var ticker *time.Ticker
	if runInterval > 0 {
		ticker = time.NewTicker(runInterval)
		defer ticker.Stop()
	}

	start(0, eyeAt(0))
	for frame := uint64(1); runFrames == 0 || frame <= runFrames; frame++ {
		select {
		case r := <-done:
			inFlight = false
			if r.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return r.err
			}
			if err := p.Show(views[r.view]); err != nil {
				return err
			}
			// Show holds its own references; drop the view's so the cache can evict behind the viewer.
			if err := views[r.view].Reset(frame); err != nil {
				return err
			}
			start(1-r.view, eyeAt(frame))
		case <-reloads:
			if err := s.reload(); err != nil {
				slog.Warn("storage reload failed", "err", err)
			} else {
				slog.Info("storage reloaded", "path", s.cfg.Storage.Path)
			}
		default:
		}

		evicted := p.Update(frame)
		if runReport > 0 && frame%runReport == 0 {
			report(s, frame, evicted)
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
	report(s, runFrames, 0)
	return nil
}

func report(s *session, frame uint64, evicted int) {
	st := s.provider.Stats()
	eye := float32(frame) * runSpeed
	h, err := s.provider.GetHeightAt(context.Background(), mgl32.Vec3{eye * s.cfg.CellSize, eye * s.cfg.CellSize / 2, 0})
	if errors.Is(err, storage.ErrDataUnavailable) {
		h = s.cfg.FallbackHeight
	}
	slog.Info("frame",
		"frame", frame,
		"height", h,
		"shown", st.ShownChunks,
		"chunks", st.Chunks.Entries,
		"chunk_bytes", humanize.IBytes(uint64(st.Chunks.Cost)),
		"textures", st.Textures.Entries,
		"hits", humanize.Comma(int64(st.Chunks.Hits)),
		"misses", humanize.Comma(int64(st.Chunks.Misses)),
		"evicted", evicted,
		"composite_pending", st.CompositePending,
		"generation", st.Generation,
	)
}
