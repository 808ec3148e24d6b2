package visualization

import (
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungseg/internal/models"
)

// createTestVolume builds a volume whose voxel (r, c, s) holds s
func createTestVolume(rows, cols, slices int) *models.Volume {
	v := models.NewVolume(models.Shape3{rows, cols, slices}, models.Spacing{1, 1, 2})
	for s := 0; s < slices; s++ {
		for c := 0; c < cols; c++ {
			for r := 0; r < rows; r++ {
				v.Set(r, c, s, float64(s))
			}
		}
	}
	return v
}

func TestNewViewerRejectsInconsistentVolume(t *testing.T) {
	_, err := NewViewer(&models.Volume{Data: make([]float64, 3), Shape: models.Shape3{2, 2, 1}})
	assert.Error(t, err)

	_, err = NewViewer(&models.Volume{})
	assert.Error(t, err)
}

func TestExtractSlice(t *testing.T) {
	v := createTestVolume(6, 8, 5)
	viewer, err := NewViewer(v)
	require.NoError(t, err)

	for s := 0; s < 5; s++ {
		img, err := viewer.ExtractSlice(AxisSlice, s)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())

		want := uint16(math.Round(float64(s) / 4 * math.MaxUint16))
		gray := img.(*image.Gray16)
		assert.Equal(t, want, gray.Gray16At(3, 2).Y)
		assert.Equal(t, want, gray.Gray16At(7, 5).Y)
	}

	img, err := viewer.ExtractSlice(AxisRow, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 5), img.Bounds())
	assert.Equal(t, uint16(math.MaxUint16), img.(*image.Gray16).Gray16At(0, 4).Y)

	img, err = viewer.ExtractSlice(AxisCol, 7)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 5), img.Bounds())
	assert.Equal(t, uint16(0), img.(*image.Gray16).Gray16At(5, 0).Y)
}

func TestExtractSliceOrientation(t *testing.T) {
	v := models.NewVolume(models.Shape3{3, 4, 1}, models.Spacing{1, 1, 1})
	v.Set(2, 1, 0, 1)

	viewer, err := NewViewer(v)
	require.NoError(t, err)

	img, err := viewer.ExtractSlice(AxisSlice, 0)
	require.NoError(t, err)
	gray := img.(*image.Gray16)
	assert.Equal(t, uint16(math.MaxUint16), gray.Gray16At(1, 2).Y)
	assert.Equal(t, uint16(0), gray.Gray16At(2, 1).Y)
}

func TestExtractSliceConstantMask(t *testing.T) {
	v := models.NewVolume(models.Shape3{2, 2, 1}, models.Spacing{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = 1
	}
	viewer, err := NewViewer(v)
	require.NoError(t, err)

	img, err := viewer.ExtractSlice(AxisSlice, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(math.MaxUint16), img.(*image.Gray16).Gray16At(0, 0).Y)
}

func TestExtractSliceErrors(t *testing.T) {
	viewer, err := NewViewer(createTestVolume(4, 4, 2))
	require.NoError(t, err)

	_, err = viewer.ExtractSlice(AxisSlice, 2)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice(AxisRow, -1)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice(Axis("z"), 0)
	assert.Error(t, err)
}

func TestSaveSnapshots(t *testing.T) {
	dir := t.TempDir()
	viewer, err := NewViewer(createTestVolume(10, 12, 6))
	require.NoError(t, err)

	paths, err := viewer.SaveSnapshots(filepath.Join(dir, "qc"), "case01")
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "qc", "case01_slice.jpg"), paths[2])

	want := []image.Rectangle{
		image.Rect(0, 0, 12, 6),
		image.Rect(0, 0, 10, 6),
		image.Rect(0, 0, 12, 10),
	}
	for i, p := range paths {
		f, err := os.Open(p)
		require.NoError(t, err)
		img, err := jpeg.Decode(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, want[i], img.Bounds(), p)
	}
}

func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	viewer, err := NewViewer(createTestVolume(5, 5, 4))
	require.NoError(t, err)

	require.NoError(t, viewer.SaveSliceSequence(AxisSlice, dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"slice_slice_000.jpg",
		"slice_slice_001.jpg",
		"slice_slice_002.jpg",
		"slice_slice_003.jpg",
	}, names)

	assert.Error(t, viewer.SaveSliceSequence(Axis("x"), dir))
}
