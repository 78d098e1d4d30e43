package texture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/transform"
)

var ErrUnknownFilter = errors.New("unknown texture filter")

// Mode is a texture sampling mode.
type Mode uint8

const (
	Nearest Mode = iota
	Bilinear
	Anisotropic
)

// Filter is a complete filtering setting. Anisotropy only applies to Anisotropic.
type Filter struct {
	Mode       Mode
	Anisotropy uint8
}

// ParseFilter parses "nearest", "bilinear" or "anisotropic-N".
func ParseFilter(s string) (Filter, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); {
	case s == "nearest":
		return Filter{Mode: Nearest}, nil
	case s == "bilinear":
		return Filter{Mode: Bilinear}, nil
	case strings.HasPrefix(s, "anisotropic-"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "anisotropic-"))
		if err != nil || n < 1 || n > 16 {
			return Filter{}, fmt.Errorf("%q: %w", s, ErrUnknownFilter)
		}
		return Filter{Mode: Anisotropic, Anisotropy: uint8(n)}, nil
	}
	return Filter{}, fmt.Errorf("%q: %w", s, ErrUnknownFilter)
}

func (f Filter) String() string {
	switch f.Mode {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Anisotropic:
		return "anisotropic-" + strconv.Itoa(int(f.Anisotropy))
	}
	return fmt.Sprintf("filter(%d)", f.Mode)
}

// Resampler returns the resampling kernel matching the filter.
func (f Filter) Resampler() transform.ResampleFilter {
	switch f.Mode {
	case Nearest:
		return transform.NearestNeighbor
	case Anisotropic:
		return transform.Lanczos
	default:
		return transform.Linear
	}
}

// pack encodes f in one word so a filter change is a single atomic store.
func (f Filter) pack() uint32 {
	return uint32(f.Mode)<<8 | uint32(f.Anisotropy)
}

func unpack(v uint32) Filter {
	return Filter{Mode: Mode(v >> 8), Anisotropy: uint8(v)}
}
