package models

import (
	"encoding/json"
	"fmt"
)

// Interval is a half-open index range [Start, End) along one slice axis.
// Start can be negative when a slice is smaller than the patch, in which case
// the leading part of the patch is edge padding.
type Interval struct {
	Start int
	End   int
}

// Len returns the number of indices covered by the interval
func (iv Interval) Len() int {
	return iv.End - iv.Start
}

// MarshalJSON encodes the interval as a [start, end] pair
func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{iv.Start, iv.End})
}

// UnmarshalJSON decodes a [start, end] pair
func (iv *Interval) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("interval must be a [start, end] pair: %w", err)
	}
	iv.Start, iv.End = pair[0], pair[1]
	return nil
}

// PatchGrid describes how every slice of a volume was tiled into patches.
//
// Rows and Cols hold the patch windows along each slice axis. All windows have the
// patch length; when the axis length is not a multiple of the patch length the last
// window is shifted back to end at the slice border, and Delta records how many of
// its leading rows (Delta[0]) or columns (Delta[1]) repeat content already covered by
// the previous window, or are padding when the slice is smaller than the patch.
type PatchGrid struct {
	Rows      []Interval
	Cols      []Interval
	Delta     [2]int
	PatchSize [2]int
}

// NumPatches returns the number of patches extracted per slice
func (g PatchGrid) NumPatches() int {
	return len(g.Rows) * len(g.Cols)
}

// VolumeMetadata is the record produced for each source volume during
// preprocessing and consumed during reconstruction. The JSON keys are the
// interchange format shared by the preprocess and reconstruct commands.
type VolumeMetadata struct {
	// OrigSize is the shape of the source volume before resampling
	OrigSize Shape3 `json:"orig_size"`

	// OrigImage is the source file, whose header is reused on write
	OrigImage string `json:"orig_image"`

	// Patches is the number of patches per slice
	Patches int `json:"patches"`

	// Slices is the number of slices contributed to the tensor
	Slices int `json:"slices"`

	// ImageDim is the resampled 2D slice shape (rows, cols)
	ImageDim [2]int `json:"image_dim"`

	// Indexes holds the row and column patch windows of the grid
	Indexes [2][]Interval `json:"indexes"`

	// Deltas is the boundary offset of the last row/column window
	Deltas [2]int `json:"deltas"`

	// PatchSize is the (height, width) of every patch
	PatchSize [2]int `json:"patch_size"`

	// Offset is the first tensor row belonging to this volume
	Offset int `json:"offset"`

	// Spacing is the voxel spacing of the resampled volume
	Spacing Spacing `json:"spacing"`

	// Skip marks a volume that contributed no rows and must not be reconstructed
	Skip bool `json:"skip,omitempty"`

	// OutputPath is where the reconstructed volume is written; it is the key of the
	// manifest mapping and so is not repeated inside the record
	OutputPath string `json:"-"`
}

// Grid returns the PatchGrid stored in the record
func (m *VolumeMetadata) Grid() PatchGrid {
	return PatchGrid{
		Rows:      m.Indexes[0],
		Cols:      m.Indexes[1],
		Delta:     m.Deltas,
		PatchSize: m.PatchSize,
	}
}

// SetGrid stores a PatchGrid in the record and updates the patch count
func (m *VolumeMetadata) SetGrid(g PatchGrid) {
	m.Indexes = [2][]Interval{g.Rows, g.Cols}
	m.Deltas = g.Delta
	m.PatchSize = g.PatchSize
	m.Patches = g.NumPatches()
}

// Rows returns the number of tensor rows contributed by the volume
func (m *VolumeMetadata) Rows() int {
	if m.Skip {
		return 0
	}
	return m.Slices * m.Patches
}
