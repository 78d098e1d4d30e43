package api

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the root configuration of the terrain engine.
type Config struct {
	// LODBias scales the distance at which detail tiers step down. Positive
	// values keep finer tiers further out.
	LODBias float32 `yaml:"lod_bias"`
	// TextureFiltering is nearest, bilinear or anisotropic-N.
	TextureFiltering string `yaml:"texture_filtering"`
	// NodeMask is the visibility mask given to attached terrain nodes.
	NodeMask uint32 `yaml:"node_mask"`
	// PrecompileMask marks nodes staged for background compilation. Zero disables staging.
	PrecompileMask uint32 `yaml:"precompile_mask"`

	CellSize    float32 `yaml:"cell_size"`
	MaxLOD      uint8   `yaml:"max_lod"`
	CellLOD     uint8   `yaml:"cell_lod"`
	LODDistance float32 `yaml:"lod_distance"` // in cells
	// Paging is "cell" or "quadtree".
	Paging   string `yaml:"paging"`
	MaxMerge uint8  `yaml:"max_merge"`

	FlatFallback   bool    `yaml:"flat_fallback"`
	FallbackHeight float32 `yaml:"fallback_height"`
	SkirtDepth     float32 `yaml:"skirt_depth"`

	Cache     CacheConfig     `yaml:"cache"`
	Textures  TextureConfig   `yaml:"textures"`
	Composite CompositeConfig `yaml:"composite"`
	Preload   PreloadConfig   `yaml:"preload"`
	Heights   HeightConfig    `yaml:"heights"`
	Storage   StorageConfig   `yaml:"storage"`
}

type CacheConfig struct {
	MaxChunks int   `yaml:"max_chunks"`
	MaxBytes  int64 `yaml:"max_bytes"`
}

type TextureConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	Size       int   `yaml:"size"`
	MaxLOD     uint8 `yaml:"max_lod"`
}

type CompositeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	FrameBudget time.Duration `yaml:"frame_budget"`
}

type PreloadConfig struct {
	Radius  int32 `yaml:"radius"` // in cells
	Workers int   `yaml:"workers"`
}

// HeightConfig sizes the tile cache behind height queries.
type HeightConfig struct {
	Tiles int `yaml:"tiles"`
}

// StorageConfig selects the sample source.
type StorageConfig struct {
	// Kind is "procedural" or "sqlite".
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path"`
	Seed   int64  `yaml:"seed"`
	Radius int32  `yaml:"radius"` // procedural world radius in cells
	// Watch reopens a sqlite store when the file changes.
	Watch bool `yaml:"watch"`
}

// Default returns a configuration suitable for a small procedural world.
func Default() Config {
	return Config{
		LODBias:          0,
		TextureFiltering: "bilinear",
		NodeMask:         0xffffffff,
		PrecompileMask:   0,
		CellSize:         64,
		MaxLOD:           5,
		CellLOD:          4,
		LODDistance:      2,
		Paging:           "cell",
		MaxMerge:         3,
		SkirtDepth:       2,
		Cache:            CacheConfig{MaxChunks: 256, MaxBytes: 64 << 20},
		Textures:         TextureConfig{MaxEntries: 256, Size: 64, MaxLOD: 4},
		Composite:        CompositeConfig{Enabled: true, FrameBudget: 4 * time.Millisecond},
		Preload:          PreloadConfig{Radius: 4, Workers: 4},
		Heights:          HeightConfig{Tiles: 64},
		Storage:          StorageConfig{Kind: "procedural", Seed: 1, Radius: 64},
	}
}

var filterPattern = regexp.MustCompile(`^(nearest|bilinear|anisotropic-([1-9]|1[0-6]))$`)

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.CellSize <= 0 {
		errs = append(errs, fmt.Errorf("cell_size must be positive, got %v", c.CellSize))
	}
	if c.MaxLOD > 10 {
		errs = append(errs, fmt.Errorf("max_lod must be at most 10, got %d", c.MaxLOD))
	}
	if c.CellLOD > c.MaxLOD {
		errs = append(errs, fmt.Errorf("cell_lod %d exceeds max_lod %d", c.CellLOD, c.MaxLOD))
	}
	if c.Textures.MaxLOD > c.MaxLOD {
		errs = append(errs, fmt.Errorf("textures.max_lod %d exceeds max_lod %d", c.Textures.MaxLOD, c.MaxLOD))
	}
	if c.LODDistance <= 0 {
		errs = append(errs, fmt.Errorf("lod_distance must be positive, got %v", c.LODDistance))
	}
	if c.LODBias <= -1 {
		errs = append(errs, fmt.Errorf("lod_bias must be greater than -1, got %v", c.LODBias))
	}
	if !filterPattern.MatchString(c.TextureFiltering) {
		errs = append(errs, fmt.Errorf("unknown texture_filtering %q", c.TextureFiltering))
	}
	if c.NodeMask == 0 {
		errs = append(errs, errors.New("node_mask must be non-zero"))
	}
	switch c.Paging {
	case "cell", "quadtree":
	default:
		errs = append(errs, fmt.Errorf("unknown paging %q", c.Paging))
	}
	if c.MaxMerge > 8 {
		errs = append(errs, fmt.Errorf("max_merge must be at most 8, got %d", c.MaxMerge))
	}
	if c.Cache.MaxChunks < 0 || c.Cache.MaxBytes < 0 || c.Textures.MaxEntries < 0 {
		errs = append(errs, errors.New("cache budgets must not be negative"))
	}
	if c.Textures.Size <= 0 {
		errs = append(errs, fmt.Errorf("textures.size must be positive, got %d", c.Textures.Size))
	}
	if c.Preload.Radius < 0 || c.Preload.Workers < 1 {
		errs = append(errs, errors.New("preload needs a non-negative radius and at least one worker"))
	}
	if c.Heights.Tiles < 1 {
		errs = append(errs, errors.New("heights.tiles must be at least 1"))
	}
	switch c.Storage.Kind {
	case "procedural":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.kind %q", c.Storage.Kind))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads a YAML file over Default and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
