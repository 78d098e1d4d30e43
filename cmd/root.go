package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/resource"
	"github.com/agentic-research/strata/internal/scene"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/terrain"
)

var (
	configPath   string
	storagePath  string
	seed         int64
	paging       string
	resourcesDir string
	verbose      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML terrain config")
	rootCmd.PersistentFlags().StringVarP(&storagePath, "storage", "s", "", "Baked SQLite terrain database (default: procedural)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "Procedural terrain seed")
	rootCmd.PersistentFlags().StringVar(&paging, "paging", "", "Paging mode: cell or quadtree")
	rootCmd.PersistentFlags().StringVar(&resourcesDir, "resources", "", "Directory of layer textures (default: solid palette)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

var rootCmd = &cobra.Command{
	Use:           "strata",
	Short:         "Strata: paged terrain streaming and caching",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads --config over the defaults and applies flag overrides.
func loadConfig(cmd *cobra.Command) (api.Config, error) {
	cfg := api.Default()
	if configPath != "" {
		var err error
		if cfg, err = api.LoadConfig(configPath); err != nil {
			return cfg, err
		}
		slog.Debug("loaded config", "path", configPath)
	}
	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.Storage.Kind = "sqlite"
		cfg.Storage.Path = storagePath
	}
	if flags.Changed("seed") {
		cfg.Storage.Seed = seed
	}
	if flags.Changed("paging") {
		cfg.Paging = paging
	}
	return cfg, cfg.Validate()
}

func openResources(cfg api.Config) (resource.System, error) {
	if resourcesDir == "" {
		return resource.NewPalette(cfg.Textures.Size), nil
	}
	return resource.NewDir(resourcesDir, cfg.Textures.MaxEntries)
}

// session is a provider wired to an in-memory scene, ready for a command.
type session struct {
	cfg      api.Config
	provider terrain.TerrainProvider
	scene    *scene.MemoryGraph
	closers  []func() error

	// swap is set when a watched SQLite store can be replaced while running.
	swap *storage.HotSwap
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, closeStorage, err := terrain.OpenStorage(cfg)
	if err != nil {
		return nil, err
	}
	res, err := openResources(cfg)
	if err != nil {
		_ = closeStorage()
		return nil, err
	}
	s := &session{cfg: cfg, scene: scene.NewMemoryGraph(), closers: []func() error{closeStorage}}
	if cfg.Storage.Watch && cfg.Storage.Kind == "sqlite" {
		s.swap = storage.NewHotSwap(st)
		st = s.swap
	}
	s.provider, err = terrain.New(cfg, terrain.Deps{
		Storage:   st,
		Scene:     s.scene,
		Resources: res,
		Logger:    slog.Default(),
	})
	if err != nil {
		_ = closeStorage()
		return nil, err
	}
	return s, nil
}

// reload reopens the SQLite store and drops everything built from the old one.
// The old store stays open until Close; in-flight builds may still read it.
func (s *session) reload() error {
	if s.swap == nil {
		return nil
	}
	next, closeNext, err := terrain.OpenStorage(s.cfg)
	if err != nil {
		return fmt.Errorf("reload %s: %w", s.cfg.Storage.Path, err)
	}
	s.swap.Swap(next)
	s.closers = append(s.closers, closeNext)
	s.provider.InvalidateAll()
	return nil
}

// Close shuts the provider down before the storage it reads from.
func (s *session) Close() error {
	err := s.provider.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i](); err == nil {
			err = cerr
		}
	}
	return err
}
