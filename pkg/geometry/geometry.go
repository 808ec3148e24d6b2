// Package geometry maps reconstructed predictions back onto the geometry of the
// volume they were computed from.
package geometry

import (
	"lungseg/internal/errs"
	"lungseg/internal/models"
	"lungseg/pkg/resample"
)

// ToNative maps a slice-major (slice, row, column) stack onto the native volume
// layout (row, column, slice). Cell (s, r, c) of the stack becomes voxel (r, c, s).
func ToNative(st *models.SliceStack, spacing models.Spacing) *models.Volume {
	v := models.NewVolume(models.Shape3{st.Rows, st.Cols, st.Slices}, spacing)
	for s := 0; s < st.Slices; s++ {
		for r := 0; r < st.Rows; r++ {
			src := st.Data[st.Index(s, r, 0):st.Index(s, r, 0)+st.Cols]
			for c, x := range src {
				v.Set(r, c, s, x)
			}
		}
	}
	return v
}

// ToSliceMajor is the inverse of ToNative: voxel (r, c, s) becomes cell (s, r, c)
func ToSliceMajor(v *models.Volume) *models.SliceStack {
	st := models.NewSliceStack(v.Shape[2], v.Shape[0], v.Shape[1])
	for s := 0; s < st.Slices; s++ {
		for r := 0; r < st.Rows; r++ {
			dst := st.Data[st.Index(s, r, 0) : st.Index(s, r, 0)+st.Cols]
			for c := range dst {
				dst[c] = v.At(r, c, s)
			}
		}
	}
	return st
}

// Restore turns a reconstructed stack into a volume of the original, pre-resampling
// shape. The stack is mapped to the native axis order and, only when its shape
// differs from meta.OrigSize, resized with nearest-voxel interpolation and edge
// replication. The result carries origSpacing.
func Restore(st *models.SliceStack, meta *models.VolumeMetadata, origSpacing models.Spacing) (*models.Volume, error) {
	if st.Slices != meta.Slices || st.Rows != meta.ImageDim[0] || st.Cols != meta.ImageDim[1] {
		return nil, errs.ShapeMismatch("reconstruction is %dx%dx%d (slices, rows, cols), metadata expects %dx%dx%d",
			st.Slices, st.Rows, st.Cols, meta.Slices, meta.ImageDim[0], meta.ImageDim[1])
	}
	if meta.OrigSize.Len() == 0 {
		return nil, &errs.EmptyInputError{What: "original size " + meta.OrigSize.String() + " has no voxels"}
	}

	v := ToNative(st, meta.Spacing)
	if v.Shape == meta.OrigSize {
		v.Spacing = origSpacing
		return v, nil
	}

	return &models.Volume{
		Data:    resample.Resize(v.Data, v.Shape, meta.OrigSize),
		Shape:   meta.OrigSize,
		Spacing: origSpacing,
	}, nil
}
