package models

import "fmt"

// Shape3 is the size of a volume along its native (row, column, slice) axes
type Shape3 [3]int

// Len returns the number of voxels described by the shape
func (s Shape3) Len() int {
	return s[0] * s[1] * s[2]
}

func (s Shape3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", s[0], s[1], s[2])
}

// Spacing is the physical distance between voxel centres along each native axis, in mm
type Spacing [3]float64

// Header carries the format-specific metadata needed to write a volume back to disk
// with the same world alignment as the file it was read from. It is produced and
// consumed by the volumeio package; the core only passes it along.
type Header interface {
	// Format returns the file extension the header belongs to (".nii", ".nii.gz", ".nrrd")
	Format() string

	// Geometry returns the shape and spacing the header describes
	Geometry() (Shape3, Spacing)

	// WithGeometry returns a copy of the header describing a volume of the given
	// shape and spacing, keeping the orientation and origin of the original.
	WithGeometry(shape Shape3, spacing Spacing) Header
}

// Volume is a 3D intensity array with its voxel spacing and header.
//
// Data is stored with the row index fastest, then column, then slice, which is the
// on-disk order of both supported formats:
//
//	Data[r + c*Rows + s*Rows*Cols]
//
// A Volume is owned by the stage currently processing it and is treated as
// immutable once handed downstream.
type Volume struct {
	// Data holds the voxel intensities
	Data []float64

	// Shape is the size along (row, column, slice)
	Shape Shape3

	// Spacing is the voxel spacing along (row, column, slice)
	Spacing Spacing

	// Header is the format header the volume was read with (nil for synthetic volumes)
	Header Header

	// Path is the file the volume was read from
	Path string
}

// NewVolume allocates a zero-filled volume of the given shape and spacing
func NewVolume(shape Shape3, spacing Spacing) *Volume {
	return &Volume{
		Data:    make([]float64, shape.Len()),
		Shape:   shape,
		Spacing: spacing,
	}
}

// Index returns the position of voxel (r, c, s) in Data
func (v *Volume) Index(r, c, s int) int {
	return r + c*v.Shape[0] + s*v.Shape[0]*v.Shape[1]
}

// At returns the intensity of voxel (r, c, s)
func (v *Volume) At(r, c, s int) float64 {
	return v.Data[v.Index(r, c, s)]
}

// Set assigns the intensity of voxel (r, c, s)
func (v *Volume) Set(r, c, s int, value float64) {
	v.Data[v.Index(r, c, s)] = value
}

// Slice copies slice s into a row-major rows×cols buffer (dst[r*cols+c]).
// dst is reused when it is large enough.
func (v *Volume) Slice(s int, dst []float64) []float64 {
	rows, cols := v.Shape[0], v.Shape[1]
	if cap(dst) < rows*cols {
		dst = make([]float64, rows*cols)
	}
	dst = dst[:rows*cols]
	base := s * rows * cols
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			dst[r*cols+c] = v.Data[base+r+c*rows]
		}
	}
	return dst
}

// SliceStack is a slice-major 3D array: Data[(s*Rows + r)*Cols + c].
// It is the layout the patch reconstructor fills; geometry.ToNative maps it
// back to a Volume.
type SliceStack struct {
	Data   []float64
	Slices int
	Rows   int
	Cols   int
}

// NewSliceStack allocates a zero-filled stack
func NewSliceStack(slices, rows, cols int) *SliceStack {
	return &SliceStack{
		Data:   make([]float64, slices*rows*cols),
		Slices: slices,
		Rows:   rows,
		Cols:   cols,
	}
}

// Index returns the position of cell (s, r, c) in Data
func (st *SliceStack) Index(s, r, c int) int {
	return (s*st.Rows+r)*st.Cols + c
}

// At returns the value of cell (s, r, c)
func (st *SliceStack) At(s, r, c int) float64 {
	return st.Data[st.Index(s, r, c)]
}
