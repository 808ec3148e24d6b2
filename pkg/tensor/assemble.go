package tensor

import (
	"fmt"

	"lungseg/internal/errs"
	"lungseg/internal/models"
	"lungseg/pkg/tiling"
)

// Item is one resampled volume to be tiled into the tensor
type Item struct {
	// OutputPath is where the reconstructed volume will be written; it keys the manifest
	OutputPath string

	// Source is the original file whose header is reused when writing
	Source string

	// OrigSize is the shape of the source volume before resampling
	OrigSize models.Shape3

	// Volume is the resampled volume
	Volume *models.Volume
}

// Options controls the tiling of every item
type Options struct {
	PatchSize     [2]int
	Normalization tiling.Normalization
}

// Prepared holds the normalized patches of one volume and its metadata, ready to be
// concatenated into a tensor
type Prepared struct {
	Meta    *models.VolumeMetadata
	Patches []float32
}

// Prepare tiles every slice of a resampled volume and normalizes each patch with
// its own statistics. The grid is planned once and shared by all slices.
// A volume without slices yields a Prepared marked Skip and no patches.
func Prepare(item Item, opts Options) (*Prepared, error) {
	v := item.Volume
	if v == nil {
		return nil, &errs.EmptyInputError{What: "no volume for " + item.OutputPath}
	}
	if len(v.Data) != v.Shape.Len() {
		return nil, errs.ShapeMismatch("volume %s holds %d voxels, shape %v needs %d",
			item.Source, len(v.Data), v.Shape, v.Shape.Len())
	}

	rows, cols, slices := v.Shape[0], v.Shape[1], v.Shape[2]
	meta := &models.VolumeMetadata{
		OrigSize:   item.OrigSize,
		OrigImage:  item.Source,
		Slices:     slices,
		ImageDim:   [2]int{rows, cols},
		PatchSize:  opts.PatchSize,
		Spacing:    v.Spacing,
		OutputPath: item.OutputPath,
	}
	if slices == 0 || rows == 0 || cols == 0 {
		meta.Slices = 0
		meta.Skip = true
		return &Prepared{Meta: meta}, nil
	}

	grid, err := tiling.Plan(rows, cols, opts.PatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to plan patch grid for %s: %w", item.Source, err)
	}
	meta.SetGrid(grid)

	patchLen := opts.PatchSize[0] * opts.PatchSize[1]
	out := make([]float32, 0, slices*meta.Patches*patchLen)
	var buf []float64

	for s := 0; s < slices; s++ {
		buf = v.Slice(s, buf)
		patches, err := tiling.Extract(buf, rows, cols, grid)
		if err != nil {
			return nil, fmt.Errorf("failed to extract patches from slice %d of %s: %w", s, item.Source, err)
		}
		for _, p := range patches {
			opts.Normalization.Apply(p)
			for _, x := range p {
				out = append(out, float32(x))
			}
		}
	}

	return &Prepared{Meta: meta, Patches: out}, nil
}

// Concat joins prepared volumes, in order, into one tensor and records the first
// row of every volume in its metadata. Skipped volumes are kept in the manifest
// but contribute no rows.
func Concat(prepared []*Prepared, patchSize [2]int) (*Tensor, *Manifest, error) {
	total := 0
	for _, p := range prepared {
		total += len(p.Patches)
	}
	patchLen := patchSize[0] * patchSize[1]
	if total == 0 || patchLen == 0 {
		return nil, nil, &errs.EmptyInputError{What: "no patches to assemble"}
	}

	t := &Tensor{
		PatchHeight: patchSize[0],
		PatchWidth:  patchSize[1],
		Data:        make([]float32, 0, total),
	}
	m := &Manifest{}

	for _, p := range prepared {
		if p.Meta.PatchSize != patchSize && !p.Meta.Skip {
			return nil, nil, errs.ShapeMismatch("volume %s was tiled with %v patches, tensor uses %v",
				p.Meta.OutputPath, p.Meta.PatchSize, patchSize)
		}
		if len(p.Patches) != p.Meta.Rows()*patchLen {
			return nil, nil, errs.ShapeMismatch("volume %s holds %d values, metadata needs %d rows",
				p.Meta.OutputPath, len(p.Patches), p.Meta.Rows())
		}
		p.Meta.Offset = t.NumRows()
		t.Data = append(t.Data, p.Patches...)
		m.Volumes = append(m.Volumes, p.Meta)
	}

	return t, m, nil
}

// Assemble prepares every item and concatenates the result. It fails on the
// first item that cannot be tiled; the pipeline uses Prepare and Concat directly
// to keep going past failing volumes.
func Assemble(items []Item, opts Options) (*Tensor, *Manifest, error) {
	prepared := make([]*Prepared, 0, len(items))
	for _, item := range items {
		p, err := Prepare(item, opts)
		if err != nil {
			return nil, nil, err
		}
		prepared = append(prepared, p)
	}
	return Concat(prepared, opts.PatchSize)
}
