// Package resample rescales volumes to a target voxel spacing.
//
// Interpolation is zero-order (nearest voxel) with edge replication and no
// anti-aliasing, so a resampled volume only ever contains intensities present
// in its source. Inference inputs rely on this to stay deterministic.
package resample

import (
	"fmt"
	"math"

	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// shapeTolerance absorbs binary floating-point error in shape/factor before flooring
const shapeTolerance = 1e-9

// Factor is the per-axis ratio target spacing / source spacing
type Factor [3]float64

// Plan computes the resampling factor and the resampled shape for a volume of the
// given shape and spacing without touching any voxel data.
func Plan(shape models.Shape3, spacing, target models.Spacing) (Factor, models.Shape3, error) {
	var factor Factor
	var newShape models.Shape3

	for i := 0; i < 3; i++ {
		if spacing[i] <= 0 || math.IsNaN(spacing[i]) {
			return factor, newShape, &errs.InvalidSpacingError{Source: "volume", Axis: i, Value: spacing[i]}
		}
		if target[i] <= 0 || math.IsNaN(target[i]) {
			return factor, newShape, &errs.InvalidSpacingError{Source: "target", Axis: i, Value: target[i]}
		}
	}

	for i := 0; i < 3; i++ {
		factor[i] = target[i] / spacing[i]
		newShape[i] = int(math.Floor(float64(shape[i])/factor[i] + shapeTolerance))
		if newShape[i] < 1 {
			return factor, newShape, &errs.EmptyInputError{
				What: fmt.Sprintf("axis %d of shape %v collapses to zero voxels at factor %g", i, shape, factor[i]),
			}
		}
	}

	return factor, newShape, nil
}

// Resample rescales the volume to the target spacing.
//
// It returns the resampled volume, the per-axis resampling factor and the new
// shape. The returned volume carries the target spacing and a header derived from
// the source header so it keeps the source's world alignment.
func Resample(v *models.Volume, target models.Spacing) (*models.Volume, Factor, models.Shape3, error) {
	factor, newShape, err := Plan(v.Shape, v.Spacing, target)
	if err != nil {
		return nil, factor, newShape, err
	}
	if len(v.Data) != v.Shape.Len() {
		return nil, factor, newShape, errs.ShapeMismatch("volume %s holds %d voxels, shape %v needs %d",
			v.Path, len(v.Data), v.Shape, v.Shape.Len())
	}

	out := &models.Volume{
		Data:    Resize(v.Data, v.Shape, newShape),
		Shape:   newShape,
		Spacing: target,
		Path:    v.Path,
	}
	if v.Header != nil {
		out.Header = v.Header.WithGeometry(newShape, target)
	}

	return out, factor, newShape, nil
}

// Resize maps data of shape from onto shape to with nearest-voxel interpolation
// and edge replication. Both buffers use the volume layout (first axis fastest).
// When the shapes are equal a copy of data is returned.
func Resize(data []float64, from, to models.Shape3) []float64 {
	out := make([]float64, to.Len())
	if from == to {
		copy(out, data)
		return out
	}

	// Source index along every axis, computed once per output coordinate
	var lookup [3][]int
	for axis := 0; axis < 3; axis++ {
		lookup[axis] = nearestIndices(from[axis], to[axis])
	}

	i := 0
	for s := 0; s < to[2]; s++ {
		srcS := lookup[2][s] * from[0] * from[1]
		for c := 0; c < to[1]; c++ {
			srcC := srcS + lookup[1][c]*from[0]
			for r := 0; r < to[0]; r++ {
				out[i] = data[srcC+lookup[0][r]]
				i++
			}
		}
	}

	return out
}

// nearestIndices returns, for every output index along an axis of length out, the
// source index whose voxel centre is nearest when in voxels are stretched onto out.
// Coordinates outside the source replicate the edge voxel.
func nearestIndices(in, out int) []int {
	indices := make([]int, out)
	scale := float64(in) / float64(out)
	for o := range indices {
		src := int(math.Floor((float64(o) + 0.5) * scale))
		if src < 0 {
			src = 0
		}
		if src > in-1 {
			src = in - 1
		}
		indices[o] = src
	}
	return indices
}
