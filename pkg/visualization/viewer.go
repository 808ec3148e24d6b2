// Package visualization renders quality-control snapshots of volumes and masks.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"lungseg/internal/fsutil"
	"lungseg/internal/models"
)

// Axis names a plane orientation by the native axis held fixed
type Axis string

const (
	// AxisRow fixes the row index (column × slice plane)
	AxisRow Axis = "row"
	// AxisCol fixes the column index (row × slice plane)
	AxisCol Axis = "col"
	// AxisSlice fixes the slice index (row × column plane)
	AxisSlice Axis = "slice"
)

// Viewer extracts 2D planes from a volume as grayscale images.
// Intensities are windowed linearly from [min, max] of the whole volume to the
// full gray range, so probability maps and binary masks render alike.
type Viewer struct {
	volume *models.Volume
	lo, hi float64
}

// NewViewer creates a viewer over v
func NewViewer(v *models.Volume) (*Viewer, error) {
	if len(v.Data) == 0 || len(v.Data) != v.Shape.Len() {
		return nil, fmt.Errorf("volume %v holds %d voxels", v.Shape, len(v.Data))
	}
	return &Viewer{
		volume: v,
		lo:     floats.Min(v.Data),
		hi:     floats.Max(v.Data),
	}, nil
}

func (v *Viewer) axisLen(axis Axis) (int, error) {
	switch axis {
	case AxisRow:
		return v.volume.Shape[0], nil
	case AxisCol:
		return v.volume.Shape[1], nil
	case AxisSlice:
		return v.volume.Shape[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be row, col or slice)", axis)
}

func (v *Viewer) gray(x float64) color.Gray16 {
	if v.hi == v.lo {
		if x > 0 {
			return color.Gray16{Y: math.MaxUint16}
		}
		return color.Gray16{}
	}
	scaled := (x - v.lo) / (v.hi - v.lo) * math.MaxUint16
	return color.Gray16{Y: uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(scaled))))}
}

// ExtractSlice returns the plane at position along axis. The image x axis runs
// along the first remaining native axis and y along the second, so a slice-axis
// plane shows columns across and rows down.
func (v *Viewer) ExtractSlice(axis Axis, position int) (image.Image, error) {
	n, err := v.axisLen(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	rows, cols, slices := v.volume.Shape[0], v.volume.Shape[1], v.volume.Shape[2]
	var img *image.Gray16

	switch axis {
	case AxisRow:
		img = image.NewGray16(image.Rect(0, 0, cols, slices))
		for s := 0; s < slices; s++ {
			for c := 0; c < cols; c++ {
				img.SetGray16(c, s, v.gray(v.volume.At(position, c, s)))
			}
		}
	case AxisCol:
		img = image.NewGray16(image.Rect(0, 0, rows, slices))
		for s := 0; s < slices; s++ {
			for r := 0; r < rows; r++ {
				img.SetGray16(r, s, v.gray(v.volume.At(r, position, s)))
			}
		}
	case AxisSlice:
		img = image.NewGray16(image.Rect(0, 0, cols, rows))
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				img.SetGray16(c, r, v.gray(v.volume.At(r, c, position)))
			}
		}
	}

	return img, nil
}

// SaveSlice writes an image as a JPEG file
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return fsutil.WriteAtomic(filename, func(w io.Writer) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	})
}

// SaveSnapshots writes the middle plane along every axis to
// <dir>/<name>_<axis>.jpg and returns the written paths.
func (v *Viewer) SaveSnapshots(dir, name string) ([]string, error) {
	var paths []string
	for _, axis := range []Axis{AxisRow, AxisCol, AxisSlice} {
		n, _ := v.axisLen(axis)
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", name, axis))
		if err := v.SaveSlice(img, path); err != nil {
			return paths, fmt.Errorf("failed to save %s snapshot: %w", axis, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SaveSliceSequence writes every plane along axis to outputDir as
// slice_<axis>_<position>.jpg
func (v *Viewer) SaveSliceSequence(axis Axis, outputDir string) error {
	n, err := v.axisLen(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
