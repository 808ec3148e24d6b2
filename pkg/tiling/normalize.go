package tiling

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Normalization rescales one patch using only that patch's statistics
type Normalization int

const (
	// MinMax maps the patch range onto [0, 1]
	MinMax Normalization = iota
	// ZScore subtracts the patch mean and divides by its population standard deviation
	ZScore
	// None leaves intensities untouched
	None
)

// ParseNormalization converts a configuration name into a Normalization
func ParseNormalization(name string) (Normalization, error) {
	switch name {
	case "minmax", "":
		return MinMax, nil
	case "zscore":
		return ZScore, nil
	case "none":
		return None, nil
	}
	return MinMax, fmt.Errorf("unknown normalization %q", name)
}

func (n Normalization) String() string {
	switch n {
	case MinMax:
		return "minmax"
	case ZScore:
		return "zscore"
	case None:
		return "none"
	}
	return fmt.Sprintf("Normalization(%d)", int(n))
}

// Apply normalizes the patch in place. A constant patch has no spread to scale
// by and becomes all zeros under MinMax and ZScore.
func (n Normalization) Apply(patch []float64) {
	if len(patch) == 0 {
		return
	}
	switch n {
	case MinMax:
		lo, hi := floats.Min(patch), floats.Max(patch)
		if hi == lo {
			zero(patch)
			return
		}
		span := hi - lo
		for i, v := range patch {
			patch[i] = (v - lo) / span
		}
	case ZScore:
		mean, std := stat.PopMeanStdDev(patch, nil)
		if std == 0 {
			zero(patch)
			return
		}
		for i, v := range patch {
			patch[i] = (v - mean) / std
		}
	}
}

func zero(patch []float64) {
	for i := range patch {
		patch[i] = 0
	}
}
