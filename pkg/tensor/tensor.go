// Package tensor builds the flat patch tensor fed to the segmentation network and
// the manifest that maps its rows back to the volumes they came from.
package tensor

import (
	"fmt"

	"lungseg/internal/errs"
)

// Tensor is an ordered sequence of equally sized 2D patches stored as float32.
// Row i occupies Data[i*PatchHeight*PatchWidth : (i+1)*PatchHeight*PatchWidth] in
// row-major order.
type Tensor struct {
	PatchHeight int
	PatchWidth  int
	Data        []float32
}

// New allocates a zero-filled tensor with the given number of rows
func New(rows int, patchSize [2]int) *Tensor {
	return &Tensor{
		PatchHeight: patchSize[0],
		PatchWidth:  patchSize[1],
		Data:        make([]float32, rows*patchSize[0]*patchSize[1]),
	}
}

// PatchLen returns the number of values in one patch
func (t *Tensor) PatchLen() int {
	return t.PatchHeight * t.PatchWidth
}

// NumRows returns the number of patches in the tensor
func (t *Tensor) NumRows() int {
	if t.PatchLen() == 0 {
		return 0
	}
	return len(t.Data) / t.PatchLen()
}

// PatchShape returns the (height, width) of every patch
func (t *Tensor) PatchShape() [2]int {
	return [2]int{t.PatchHeight, t.PatchWidth}
}

// Row returns patch i. The returned slice aliases the tensor.
func (t *Tensor) Row(i int) []float32 {
	n := t.PatchLen()
	return t.Data[i*n : (i+1)*n]
}

// Check verifies that the data length is a whole number of patches
func (t *Tensor) Check() error {
	if t.PatchHeight < 1 || t.PatchWidth < 1 {
		return errs.ShapeMismatch("tensor patch shape %dx%d must be positive", t.PatchHeight, t.PatchWidth)
	}
	if len(t.Data)%t.PatchLen() != 0 {
		return errs.ShapeMismatch("tensor holds %d values, not a multiple of patch size %d", len(t.Data), t.PatchLen())
	}
	return nil
}

// SameLayout reports whether other has the same rows and patch shape as t
func (t *Tensor) SameLayout(other *Tensor) error {
	if other.PatchShape() != t.PatchShape() {
		return errs.ShapeMismatch("patch shape %v does not match %v", other.PatchShape(), t.PatchShape())
	}
	if len(other.Data) != len(t.Data) {
		return errs.ShapeMismatch("tensor has %d rows, expected %d", other.NumRows(), t.NumRows())
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%d x %dx%d)", t.NumRows(), t.PatchHeight, t.PatchWidth)
}
