package cmd

import (
	"fmt"
	"strconv"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/spf13/cobra"
)

var heightCmd = &cobra.Command{
	Use:   "height [x] [y]",
	Short: "Print the terrain height at a world position",
	Long:  "Negative coordinates go after --, e.g. strata height -- -120 40",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := parsePoint(args[0], args[1])
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		h, err := s.provider.GetHeightAt(cmd.Context(), pos)
		if err != nil {
			return err
		}
		fmt.Printf("%.3f\n", h)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(heightCmd)
}

func parsePoint(xs, ys string) (mgl32.Vec3, error) {
	x, err := strconv.ParseFloat(xs, 32)
	if err != nil {
		return mgl32.Vec3{}, fmt.Errorf("parse x: %w", err)
	}
	y, err := strconv.ParseFloat(ys, 32)
	if err != nil {
		return mgl32.Vec3{}, fmt.Errorf("parse y: %w", err)
	}
	return mgl32.Vec3{float32(x), float32(y), 0}, nil
}
