package tiling

import (
	"fmt"
	"math"

	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// PatchSource gives access to a flat sequence of equally sized patches, such as
// an ensembled prediction tensor
type PatchSource interface {
	// NumRows returns the number of patches
	NumRows() int

	// PatchShape returns the (height, width) of every patch
	PatchShape() [2]int

	// Row returns patch i as a row-major buffer
	Row(i int) []float32
}

// ReconstructOptions controls how overlapping and uncovered cells are resolved
type ReconstructOptions struct {
	// Average writes the whole of every boundary patch and averages the cells two
	// patches share. When false the duplicated leading part of the last window on
	// each axis is skipped.
	Average bool

	// FillUncovered sets cells that received no contribution to 0 instead of
	// reporting a ShapeMismatchError
	FillUncovered bool
}

// accumulator sums contributions per cell and counts them
type accumulator struct {
	sum   []float64
	count []uint16
}

func newAccumulator(n int) *accumulator {
	return &accumulator{
		sum:   make([]float64, n),
		count: make([]uint16, n),
	}
}

func (a *accumulator) add(i int, value float64) {
	a.sum[i] += value
	a.count[i]++
}

// Reconstruct reassembles the prediction of one volume from the patch source.
//
// The rows [meta.Offset, meta.Offset+meta.Slices*meta.Patches) are walked slice by
// slice and, within a slice, row-major over the grid, which is the order Extract
// produced them in. The result has the resampled slice shape, one slice per
// extracted slice. Cells written by several patches hold the mean of their
// contributions.
func Reconstruct(src PatchSource, meta *models.VolumeMetadata, opts ReconstructOptions) (*models.SliceStack, error) {
	if meta.Skip || meta.Slices == 0 {
		return nil, &errs.EmptyInputError{What: "volume " + meta.OutputPath + " contributed no slices"}
	}

	g := meta.Grid()
	rows, cols := meta.ImageDim[0], meta.ImageDim[1]
	if err := Validate(g, rows, cols); err != nil {
		return nil, err
	}
	if g.NumPatches() != meta.Patches {
		return nil, errs.ShapeMismatch("grid has %d windows but metadata records %d patches per slice",
			g.NumPatches(), meta.Patches)
	}
	if shape := src.PatchShape(); shape != g.PatchSize {
		return nil, errs.ShapeMismatch("prediction patches are %v, grid patches are %v", shape, g.PatchSize)
	}
	if end := meta.Offset + meta.Rows(); meta.Offset < 0 || end > src.NumRows() {
		return nil, errs.ShapeMismatch("volume needs prediction rows [%d, %d), tensor has %d",
			meta.Offset, end, src.NumRows())
	}

	pw := g.PatchSize[1]
	stack := models.NewSliceStack(meta.Slices, rows, cols)
	acc := newAccumulator(len(stack.Data))

	row := meta.Offset
	for s := 0; s < meta.Slices; s++ {
		for i := range g.Rows {
			dy, ry := writeRange(g.Rows, i, g.Delta[0], !opts.Average)
			for j := range g.Cols {
				dx, rx := writeRange(g.Cols, j, g.Delta[1], !opts.Average)
				patch := src.Row(row)
				row++

				for y := 0; y < ry.Len(); y++ {
					line := patch[(dy+y)*pw+dx:]
					base := stack.Index(s, ry.Start+y, rx.Start)
					for x := 0; x < rx.Len(); x++ {
						v := float64(line[x])
						if math.IsNaN(v) || math.IsInf(v, 0) {
							return nil, &errs.NonFiniteError{
								What:  fmt.Sprintf("prediction row %d for %s", row-1, meta.OutputPath),
								Value: v,
							}
						}
						acc.add(base+x, v)
					}
				}
			}
		}
	}

	for i := range stack.Data {
		if acc.count[i] == 0 {
			if opts.FillUncovered {
				continue
			}
			r := (i / cols) % rows
			return nil, errs.ShapeMismatch("cell (slice %d, row %d, col %d) of %s received no patch contribution",
				i/(rows*cols), r, i%cols, meta.OutputPath)
		}
		stack.Data[i] = acc.sum[i] / float64(acc.count[i])
	}

	return stack, nil
}
