// Package tiling splits slices into fixed-size patches and reassembles
// per-patch predictions into slices again.
//
// Every slice axis of length n is covered by max(1, ceil(n/p)) windows of the patch
// length p. Windows are laid edge to edge from index 0; the last one is shifted back
// so that it ends exactly at the slice border. The number of leading indices of that
// last window which repeat the previous window (or pad a slice smaller than the
// patch) is the axis delta. Together the windows cover every index of the slice, so
// a reconstruction always receives at least one contribution per cell.
package tiling

import (
	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// DefaultPatchSize is the (height, width) of the patches the segmentation network expects
var DefaultPatchSize = [2]int{96, 96}

// Plan computes the patch grid for a rows×cols slice
func Plan(rows, cols int, patchSize [2]int) (models.PatchGrid, error) {
	if rows < 1 || cols < 1 {
		return models.PatchGrid{}, &errs.EmptyInputError{What: "slice has no pixels"}
	}
	if patchSize[0] < 1 || patchSize[1] < 1 {
		return models.PatchGrid{}, errs.ShapeMismatch("patch size %v must be positive", patchSize)
	}

	rowWindows, rowDelta := planAxis(rows, patchSize[0])
	colWindows, colDelta := planAxis(cols, patchSize[1])

	return models.PatchGrid{
		Rows:      rowWindows,
		Cols:      colWindows,
		Delta:     [2]int{rowDelta, colDelta},
		PatchSize: patchSize,
	}, nil
}

// planAxis lays out the windows along one axis of length n for patch length p
func planAxis(n, p int) ([]models.Interval, int) {
	k := (n + p - 1) / p
	if k < 1 {
		k = 1
	}

	windows := make([]models.Interval, k)
	for i := 0; i < k-1; i++ {
		windows[i] = models.Interval{Start: i * p, End: (i + 1) * p}
	}
	windows[k-1] = models.Interval{Start: n - p, End: n}

	return windows, k*p - n
}

// Validate checks that the grid is self-consistent and that it tiles a rows×cols slice
func Validate(g models.PatchGrid, rows, cols int) error {
	if len(g.Rows) == 0 || len(g.Cols) == 0 {
		return &errs.EmptyInputError{What: "patch grid has no windows"}
	}
	if err := validateAxis("row", g.Rows, g.Delta[0], g.PatchSize[0], rows); err != nil {
		return err
	}
	return validateAxis("column", g.Cols, g.Delta[1], g.PatchSize[1], cols)
}

func validateAxis(name string, windows []models.Interval, delta, p, n int) error {
	for i, w := range windows {
		if w.Len() != p {
			return errs.ShapeMismatch("%s window %d %v has length %d, patch length is %d", name, i, w, w.Len(), p)
		}
		if w.End > n {
			return errs.ShapeMismatch("%s window %d %v ends past the slice length %d", name, i, w, n)
		}
	}
	if last := windows[len(windows)-1]; last.End != n {
		return errs.ShapeMismatch("last %s window %v does not end at the slice length %d", name, last, n)
	}
	if delta < 0 || delta >= p {
		return errs.ShapeMismatch("%s delta %d outside [0, %d)", name, delta, p)
	}
	return nil
}

// writeRange returns the part of window i that is written back during
// reconstruction, as an offset inside the patch and a slice interval.
// With trim set, the duplicated leading part of the last window is skipped;
// padding before the slice start is always skipped.
func writeRange(windows []models.Interval, i, delta int, trim bool) (int, models.Interval) {
	w := windows[i]
	skip := 0
	if trim && i == len(windows)-1 {
		skip = delta
	}
	if w.Start+skip < 0 {
		skip = -w.Start
	}
	return skip, models.Interval{Start: w.Start + skip, End: w.End}
}
