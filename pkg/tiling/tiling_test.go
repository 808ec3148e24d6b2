package tiling

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// patchRows is an in-memory PatchSource
type patchRows struct {
	shape [2]int
	rows  [][]float32
}

func (p *patchRows) NumRows() int        { return len(p.rows) }
func (p *patchRows) PatchShape() [2]int  { return p.shape }
func (p *patchRows) Row(i int) []float32 { return p.rows[i] }

func (p *patchRows) add(patch []float64) {
	row := make([]float32, len(patch))
	for i, v := range patch {
		row[i] = float32(v)
	}
	p.rows = append(p.rows, row)
}

// createTestSlice builds a row-major slice whose pixels are all distinct
func createTestSlice(rows, cols int) []float64 {
	slice := make([]float64, rows*cols)
	for i := range slice {
		slice[i] = float64(i)
	}
	return slice
}

// metadataFor builds the record Reconstruct needs for a stack of slices tiled with g
func metadataFor(g models.PatchGrid, slices, rows, cols int) *models.VolumeMetadata {
	meta := &models.VolumeMetadata{
		Slices:     slices,
		ImageDim:   [2]int{rows, cols},
		OutputPath: "test.nii.gz",
	}
	meta.SetGrid(g)
	return meta
}

func TestPlanExactFit(t *testing.T) {
	g, err := Plan(96, 96, DefaultPatchSize)
	require.NoError(t, err)
	assert.Equal(t, 1, g.NumPatches())
	assert.Equal(t, [2]int{0, 0}, g.Delta)
	assert.Equal(t, []models.Interval{{Start: 0, End: 96}}, g.Rows)
	assert.Equal(t, []models.Interval{{Start: 0, End: 96}}, g.Cols)
}

func TestPlanBoundaryWindowAlignsWithBottomRight(t *testing.T) {
	g, err := Plan(100, 100, DefaultPatchSize)
	require.NoError(t, err)

	assert.Equal(t, []models.Interval{{Start: 0, End: 96}, {Start: 4, End: 100}}, g.Rows)
	assert.Equal(t, []models.Interval{{Start: 0, End: 96}, {Start: 4, End: 100}}, g.Cols)
	// Two windows per axis rather than one window shifted by 4: a single 96-wide
	// window cannot cover all 100 rows. The bottom-right window still starts at 4
	// and repeats 92 rows/cols of the first one.
	assert.Equal(t, 4, g.NumPatches())
	assert.Equal(t, [2]int{92, 92}, g.Delta)
}

func TestPlanSmallerThanPatch(t *testing.T) {
	g, err := Plan(50, 30, DefaultPatchSize)
	require.NoError(t, err)
	assert.Equal(t, 1, g.NumPatches())
	assert.Equal(t, []models.Interval{{Start: -46, End: 50}}, g.Rows)
	assert.Equal(t, []models.Interval{{Start: -66, End: 30}}, g.Cols)
	assert.Equal(t, [2]int{46, 66}, g.Delta)
}

func TestPlanRejectsEmptySlice(t *testing.T) {
	_, err := Plan(0, 10, DefaultPatchSize)
	var emptyErr *errs.EmptyInputError
	assert.True(t, errors.As(err, &emptyErr), "got %v", err)
}

func TestExtractRowMajorOrder(t *testing.T) {
	rows, cols := 6, 4
	slice := createTestSlice(rows, cols)

	patches, g, err := ExtractSlice(slice, rows, cols, [2]int{3, 2})
	require.NoError(t, err)
	require.Len(t, patches, 4)
	assert.Equal(t, 2, len(g.Rows))
	assert.Equal(t, 2, len(g.Cols))

	// First pixel of every patch identifies its window: columns vary fastest
	assert.Equal(t, slice[0*cols+0], patches[0][0])
	assert.Equal(t, slice[0*cols+2], patches[1][0])
	assert.Equal(t, slice[3*cols+0], patches[2][0])
	assert.Equal(t, slice[3*cols+2], patches[3][0])
}

func TestExtractPadsWithEdgeValues(t *testing.T) {
	slice := []float64{
		1, 2,
		3, 4,
	}
	patches, g, err := ExtractSlice(slice, 2, 2, [2]int{3, 3})
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, [2]int{1, 1}, g.Delta)
	assert.Equal(t, []float64{
		1, 1, 2,
		1, 1, 2,
		3, 3, 4,
	}, patches[0])
}

func TestExtractRejectsMismatchedSlice(t *testing.T) {
	g, err := Plan(10, 10, [2]int{4, 4})
	require.NoError(t, err)

	_, err = Extract(createTestSlice(10, 10), 12, 10, g)
	var shapeErr *errs.ShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr), "got %v", err)

	_, err = Extract(createTestSlice(12, 10), 12, 10, g)
	assert.True(t, errors.As(err, &shapeErr), "got %v", err)
}

// TestTilingInvariant extracts and reassembles slices of many shapes and checks
// the reconstruction equals the input exactly
func TestTilingInvariant(t *testing.T) {
	patchSizes := [][2]int{{96, 96}, {16, 8}, {5, 7}}
	shapes := [][2]int{{96, 96}, {100, 100}, {1, 1}, {17, 33}, {200, 97}, {50, 30}, {192, 288}}

	for _, ps := range patchSizes {
		for _, shape := range shapes {
			for _, average := range []bool{false, true} {
				name := fmt.Sprintf("%dx%d/patch%dx%d/average=%v", shape[0], shape[1], ps[0], ps[1], average)
				t.Run(name, func(t *testing.T) {
					rows, cols := shape[0], shape[1]
					slice := createTestSlice(rows, cols)

					patches, g, err := ExtractSlice(slice, rows, cols, ps)
					require.NoError(t, err)

					src := &patchRows{shape: ps}
					for _, p := range patches {
						src.add(p)
					}

					stack, err := Reconstruct(src, metadataFor(g, 1, rows, cols), ReconstructOptions{Average: average})
					require.NoError(t, err)
					assert.Equal(t, slice, stack.Data)
				})
			}
		}
	}
}

func TestReconstructBoundaryScenario(t *testing.T) {
	rows, cols := 100, 100
	slice := createTestSlice(rows, cols)

	patches, g, err := ExtractSlice(slice, rows, cols, DefaultPatchSize)
	require.NoError(t, err)

	src := &patchRows{shape: DefaultPatchSize}
	for _, p := range patches {
		src.add(p)
	}

	stack, err := Reconstruct(src, metadataFor(g, 1, rows, cols), ReconstructOptions{})
	require.NoError(t, err)

	// The bottom-right 96x96 window matches the source exactly
	for r := 4; r < rows; r++ {
		for c := 4; c < cols; c++ {
			require.Equal(t, slice[r*cols+c], stack.At(0, r, c), "pixel (%d,%d)", r, c)
		}
	}
}

func TestReconstructAveragesOverlap(t *testing.T) {
	rows, cols := 4, 6
	g, err := Plan(rows, cols, [2]int{4, 4})
	require.NoError(t, err)
	require.Equal(t, []models.Interval{{Start: 0, End: 4}, {Start: 2, End: 6}}, g.Cols)

	src := &patchRows{shape: [2]int{4, 4}}
	src.add(constant(16, 1))
	src.add(constant(16, 3))

	meta := metadataFor(g, 1, rows, cols)

	averaged, err := Reconstruct(src, meta, ReconstructOptions{Average: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 2, 2, 3, 3}, averaged.Data[:cols])

	trimmed, err := Reconstruct(src, meta, ReconstructOptions{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1, 1, 3, 3}, trimmed.Data[:cols])
}

func TestReconstructUncoveredCell(t *testing.T) {
	// Windows [0,4) and [6,10) leave rows 4 and 5 without any contribution
	g := models.PatchGrid{
		Rows:      []models.Interval{{Start: 0, End: 4}, {Start: 6, End: 10}},
		Cols:      []models.Interval{{Start: 0, End: 4}},
		PatchSize: [2]int{4, 4},
	}
	src := &patchRows{shape: [2]int{4, 4}}
	src.add(constant(16, 1))
	src.add(constant(16, 1))
	meta := metadataFor(g, 1, 10, 4)

	_, err := Reconstruct(src, meta, ReconstructOptions{})
	var shapeErr *errs.ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr), "got %v", err)
	assert.Contains(t, shapeErr.Detail, "row 4")

	stack, err := Reconstruct(src, meta, ReconstructOptions{FillUncovered: true})
	require.NoError(t, err)
	assert.Equal(t, 0.0, stack.At(0, 4, 0))
	assert.Equal(t, 0.0, stack.At(0, 5, 3))
	assert.Equal(t, 1.0, stack.At(0, 6, 0))
}

func TestReconstructRejectsNonFinitePredictions(t *testing.T) {
	g := models.PatchGrid{
		Rows:      []models.Interval{{Start: 0, End: 4}},
		Cols:      []models.Interval{{Start: 0, End: 4}},
		PatchSize: [2]int{4, 4},
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		patch := constant(16, 0.5)
		patch[5] = bad
		src := &patchRows{shape: [2]int{4, 4}}
		src.add(patch)

		_, err := Reconstruct(src, metadataFor(g, 1, 4, 4), ReconstructOptions{})
		var nonFinite *errs.NonFiniteError
		require.True(t, errors.As(err, &nonFinite), "got %v", err)
		assert.Contains(t, nonFinite.What, "prediction row 0")
	}
}

func TestReconstructPermutedPatchesChangeOutput(t *testing.T) {
	rows, cols := 8, 8
	slice := createTestSlice(rows, cols)
	patches, g, err := ExtractSlice(slice, rows, cols, [2]int{4, 4})
	require.NoError(t, err)
	require.Len(t, patches, 4)

	src := &patchRows{shape: [2]int{4, 4}}
	for _, i := range []int{1, 0, 2, 3} {
		src.add(patches[i])
	}

	stack, err := Reconstruct(src, metadataFor(g, 1, rows, cols), ReconstructOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, slice, stack.Data)
}

func TestReconstructValidatesTensor(t *testing.T) {
	g, err := Plan(8, 8, [2]int{4, 4})
	require.NoError(t, err)
	meta := metadataFor(g, 2, 8, 8)

	// Two slices need eight rows
	src := &patchRows{shape: [2]int{4, 4}}
	for i := 0; i < 7; i++ {
		src.add(constant(16, 0))
	}
	_, err = Reconstruct(src, meta, ReconstructOptions{})
	var shapeErr *errs.ShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr), "got %v", err)

	// Wrong patch shape
	src = &patchRows{shape: [2]int{2, 8}}
	for i := 0; i < 8; i++ {
		src.add(constant(16, 0))
	}
	_, err = Reconstruct(src, meta, ReconstructOptions{})
	assert.True(t, errors.As(err, &shapeErr), "got %v", err)

	// Skipped volumes are never reconstructed
	meta.Skip = true
	_, err = Reconstruct(src, meta, ReconstructOptions{})
	var emptyErr *errs.EmptyInputError
	assert.True(t, errors.As(err, &emptyErr), "got %v", err)
}

func TestReconstructMultipleSlicesAtOffset(t *testing.T) {
	rows, cols := 5, 7
	ps := [2]int{3, 3}
	src := &patchRows{shape: ps}

	// Three unrelated leading rows belong to a previous volume
	for i := 0; i < 3; i++ {
		src.add(constant(9, -1))
	}

	var want []float64
	var g models.PatchGrid
	for s := 0; s < 3; s++ {
		slice := createTestSlice(rows, cols)
		for i := range slice {
			slice[i] += float64(s * 100)
		}
		want = append(want, slice...)

		var patches [][]float64
		var err error
		patches, g, err = ExtractSlice(slice, rows, cols, ps)
		require.NoError(t, err)
		for _, p := range patches {
			src.add(p)
		}
	}

	meta := metadataFor(g, 3, rows, cols)
	meta.Offset = 3
	stack, err := Reconstruct(src, meta, ReconstructOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, stack.Data)
}

func TestNormalization(t *testing.T) {
	patch := []float64{2, 4, 6, 10}
	MinMax.Apply(patch)
	assert.Equal(t, []float64{0, 0.25, 0.5, 1}, patch)

	patch = []float64{1, 3, 1, 3}
	ZScore.Apply(patch)
	assert.Equal(t, []float64{-1, 1, -1, 1}, patch)

	patch = []float64{5, 5, 5}
	MinMax.Apply(patch)
	assert.Equal(t, []float64{0, 0, 0}, patch)

	patch = []float64{5, 5, 5}
	ZScore.Apply(patch)
	assert.Equal(t, []float64{0, 0, 0}, patch)

	patch = []float64{-3, 7}
	None.Apply(patch)
	assert.Equal(t, []float64{-3, 7}, patch)
}

func TestNormalizationUsesPatchStatisticsOnly(t *testing.T) {
	slice := []float64{
		0, 1, 100, 300,
		2, 3, 200, 400,
	}
	patches, _, err := ExtractSlice(slice, 2, 4, [2]int{2, 2})
	require.NoError(t, err)
	require.Len(t, patches, 2)

	for _, p := range patches {
		MinMax.Apply(p)
		assert.Equal(t, 0.0, floatsMin(p))
		assert.Equal(t, 1.0, floatsMax(p))
	}
}

func TestParseNormalization(t *testing.T) {
	for _, n := range []Normalization{MinMax, ZScore, None} {
		got, err := ParseNormalization(n.String())
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
	_, err := ParseNormalization("histogram")
	assert.Error(t, err)
}

func constant(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func floatsMin(x []float64) float64 {
	m := math.Inf(1)
	for _, v := range x {
		m = math.Min(m, v)
	}
	return m
}

func floatsMax(x []float64) float64 {
	m := math.Inf(-1)
	for _, v := range x {
		m = math.Max(m, v)
	}
	return m
}
