package tiling

import (
	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// Extract cuts a row-major rows×cols slice into the patches of the grid.
// Patches are returned row-major over the grid: all patches of the first row
// window from left to right, then the next row window. Each patch is itself a
// row-major PatchSize[0]×PatchSize[1] buffer. Window positions before the slice
// start replicate the first row/column.
func Extract(slice []float64, rows, cols int, g models.PatchGrid) ([][]float64, error) {
	if len(slice) != rows*cols {
		return nil, errs.ShapeMismatch("slice buffer holds %d pixels, %dx%d needs %d", len(slice), rows, cols, rows*cols)
	}
	if err := Validate(g, rows, cols); err != nil {
		return nil, err
	}

	ph, pw := g.PatchSize[0], g.PatchSize[1]
	patches := make([][]float64, 0, g.NumPatches())

	for _, rw := range g.Rows {
		for _, cw := range g.Cols {
			patch := make([]float64, ph*pw)
			for y := 0; y < ph; y++ {
				r := clamp(rw.Start+y, rows)
				src := slice[r*cols : (r+1)*cols]
				dst := patch[y*pw : (y+1)*pw]
				for x := 0; x < pw; x++ {
					dst[x] = src[clamp(cw.Start+x, cols)]
				}
			}
			patches = append(patches, patch)
		}
	}

	return patches, nil
}

// ExtractSlice plans the grid for the slice and extracts its patches
func ExtractSlice(slice []float64, rows, cols int, patchSize [2]int) ([][]float64, models.PatchGrid, error) {
	g, err := Plan(rows, cols, patchSize)
	if err != nil {
		return nil, g, err
	}
	patches, err := Extract(slice, rows, cols, g)
	return patches, g, err
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
