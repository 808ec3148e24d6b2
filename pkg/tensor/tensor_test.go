package tensor

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lungseg/internal/errs"
	"lungseg/internal/models"
	"lungseg/pkg/tiling"
)

// createTestItem builds a volume whose voxels encode (volume, slice, position)
func createTestItem(id int, shape models.Shape3) Item {
	v := models.NewVolume(shape, models.Spacing{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = float64(id*1_000_000 + i)
	}
	return Item{
		OutputPath: filepath.Join("out", string(rune('a'+id))+".nii.gz"),
		Source:     filepath.Join("in", string(rune('a'+id))+".nii.gz"),
		OrigSize:   shape,
		Volume:     v,
	}
}

func TestAssembleOrderInvariant(t *testing.T) {
	opts := Options{PatchSize: [2]int{4, 4}, Normalization: tiling.None}
	items := []Item{
		createTestItem(0, models.Shape3{8, 8, 3}),
		createTestItem(1, models.Shape3{8, 8, 1}),
		createTestItem(2, models.Shape3{8, 8, 5}),
	}

	tensor, manifest, err := Assemble(items, opts)
	require.NoError(t, err)

	// Every 8x8 slice is tiled by 4 patches
	assert.Equal(t, (3+1+5)*4, tensor.NumRows())
	require.Len(t, manifest.Volumes, 3)
	require.NoError(t, manifest.Validate(tensor.NumRows()))

	offset := 0
	for i, meta := range manifest.Volumes {
		assert.Equal(t, items[i].OutputPath, meta.OutputPath)
		assert.Equal(t, offset, meta.Offset)
		assert.Equal(t, 4, meta.Patches)

		// Every row of the block comes from volume i
		for r := meta.Offset; r < meta.Offset+meta.Rows(); r++ {
			id := int(tensor.Row(r)[0]) / 1_000_000
			require.Equal(t, i, id, "row %d", r)
		}
		offset += meta.Rows()
	}
}

func TestAssembleThenReconstruct(t *testing.T) {
	opts := Options{PatchSize: [2]int{5, 3}, Normalization: tiling.None}
	items := []Item{
		createTestItem(0, models.Shape3{7, 4, 2}),
		createTestItem(1, models.Shape3{11, 9, 3}),
	}

	tensor, manifest, err := Assemble(items, opts)
	require.NoError(t, err)

	for i, meta := range manifest.Volumes {
		stack, err := tiling.Reconstruct(tensor, meta, tiling.ReconstructOptions{})
		require.NoError(t, err)

		v := items[i].Volume
		for s := 0; s < v.Shape[2]; s++ {
			for r := 0; r < v.Shape[0]; r++ {
				for c := 0; c < v.Shape[1]; c++ {
					require.Equal(t, float64(float32(v.At(r, c, s))), stack.At(s, r, c))
				}
			}
		}
	}
}

func TestAssembleSkipsEmptyVolume(t *testing.T) {
	opts := Options{PatchSize: [2]int{4, 4}, Normalization: tiling.MinMax}
	items := []Item{
		createTestItem(0, models.Shape3{4, 4, 2}),
		createTestItem(1, models.Shape3{4, 4, 0}),
		createTestItem(2, models.Shape3{4, 4, 1}),
	}

	tensor, manifest, err := Assemble(items, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, tensor.NumRows())

	require.Len(t, manifest.Volumes, 3)
	assert.True(t, manifest.Volumes[1].Skip)
	assert.Equal(t, 0, manifest.Volumes[1].Rows())
	assert.Equal(t, 2, manifest.Volumes[2].Offset)
	assert.NoError(t, manifest.Validate(tensor.NumRows()))

	_, err = tiling.Reconstruct(tensor, manifest.Volumes[1], tiling.ReconstructOptions{})
	var emptyErr *errs.EmptyInputError
	assert.True(t, errors.As(err, &emptyErr), "got %v", err)
}

func TestAssembleNothing(t *testing.T) {
	_, _, err := Assemble([]Item{createTestItem(0, models.Shape3{4, 4, 0})}, Options{PatchSize: [2]int{4, 4}})
	var emptyErr *errs.EmptyInputError
	assert.True(t, errors.As(err, &emptyErr), "got %v", err)
}

func TestAssembleNormalizesPerPatch(t *testing.T) {
	opts := Options{PatchSize: [2]int{2, 2}, Normalization: tiling.MinMax}
	tensor, _, err := Assemble([]Item{createTestItem(3, models.Shape3{4, 2, 1})}, opts)
	require.NoError(t, err)
	require.Equal(t, 2, tensor.NumRows())

	for i := 0; i < tensor.NumRows(); i++ {
		row := tensor.Row(i)
		lo, hi := row[0], row[0]
		for _, x := range row {
			if x < lo {
				lo = x
			}
			if x > hi {
				hi = x
			}
		}
		assert.Equal(t, float32(0), lo)
		assert.Equal(t, float32(1), hi)
	}
}

func TestManifestJSONInterchange(t *testing.T) {
	opts := Options{PatchSize: [2]int{96, 96}, Normalization: tiling.MinMax}
	items := []Item{
		createTestItem(2, models.Shape3{100, 100, 2}),
		createTestItem(0, models.Shape3{96, 96, 1}),
	}
	items[0].OrigSize = models.Shape3{35, 35, 1}

	tensor, manifest, err := Assemble(items, opts)
	require.NoError(t, err)

	data, err := json.Marshal(manifest)
	require.NoError(t, err)

	var raw map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	record := raw[items[0].OutputPath]
	for _, key := range []string{"orig_size", "orig_image", "patches", "slices", "image_dim", "indexes", "deltas"} {
		assert.Contains(t, record, key)
	}
	assert.JSONEq(t, `[[[0,96],[4,100]],[[0,96],[4,100]]]`, string(record["indexes"]))
	assert.JSONEq(t, `[92,92]`, string(record["deltas"]))
	assert.JSONEq(t, `[35,35,1]`, string(record["orig_size"]))

	// Tensor order survives the map encoding even though the keys sort differently
	decoded := &Manifest{}
	require.NoError(t, json.Unmarshal(data, decoded))
	require.Len(t, decoded.Volumes, 2)
	assert.Equal(t, items[0].OutputPath, decoded.Volumes[0].OutputPath)
	assert.Equal(t, items[1].OutputPath, decoded.Volumes[1].OutputPath)
	assert.Equal(t, manifest.Volumes[0].Grid(), decoded.Volumes[0].Grid())
	assert.NoError(t, decoded.Validate(tensor.NumRows()))
}

func TestManifestSaveLoad(t *testing.T) {
	_, manifest, err := Assemble([]Item{createTestItem(0, models.Shape3{6, 6, 2})}, Options{PatchSize: [2]int{4, 4}})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, SaveManifest(path, manifest))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, loaded.Volumes, 1)
	assert.Equal(t, *manifest.Volumes[0], *loaded.Volumes[0])
}

func TestManifestValidateDetectsGaps(t *testing.T) {
	m := &Manifest{Volumes: []*models.VolumeMetadata{
		{OutputPath: "a", Slices: 1, Patches: 1, Indexes: [2][]models.Interval{{{Start: 0, End: 4}}, {{Start: 0, End: 4}}}},
		{OutputPath: "b", Slices: 1, Patches: 1, Offset: 2, Indexes: [2][]models.Interval{{{Start: 0, End: 4}}, {{Start: 0, End: 4}}}},
	}}
	var shapeErr *errs.ShapeMismatchError
	assert.True(t, errors.As(m.Validate(3), &shapeErr))

	m.Volumes[1].Offset = 1
	assert.NoError(t, m.Validate(2))
	assert.Error(t, m.Validate(3))
}

func TestCodecRoundTrip(t *testing.T) {
	tensor := New(3, [2]int{2, 3})
	for i := range tensor.Data {
		tensor.Data[i] = float32(i) * 0.25
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tensor))

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, tensor, decoded)
}

func TestCodecFiles(t *testing.T) {
	tensor := New(2, [2]int{4, 4})
	tensor.Data[5] = 1.5

	path := filepath.Join(t.TempDir(), "tensor.bin")
	require.NoError(t, Save(path, tensor))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, tensor, loaded)

	_, err = Decode(bytes.NewReader([]byte("not a tensor")))
	assert.Error(t, err)
}

// encodeHeader writes a tensor stream header followed by payload
func encodeHeader(t *testing.T, rows, ph, pw uint32, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	sw := snappy.NewBufferedWriter(&buf)
	header := make([]byte, 20)
	copy(header, "LSTN")
	binary.LittleEndian.PutUint32(header[4:], 1)
	binary.LittleEndian.PutUint32(header[8:], rows)
	binary.LittleEndian.PutUint32(header[12:], ph)
	binary.LittleEndian.PutUint32(header[16:], pw)
	_, err := sw.Write(append(header, payload...))
	require.NoError(t, err)
	require.NoError(t, sw.Close())
	return buf.Bytes()
}

func TestDecodeRejectsCorruptHeaders(t *testing.T) {
	tests := []struct {
		name         string
		rows, ph, pw uint32
		payload      []byte
		wantShapeErr bool
	}{
		{name: "huge dimensions", rows: 0xFFFFFFFF, ph: 0xFFFFFFFF, pw: 0xFFFFFFFF, wantShapeErr: true},
		{name: "zero patch", rows: 1, ph: 0, pw: 4, wantShapeErr: true},
		{name: "rows beyond stream", rows: 0xFFFFFFFF, ph: 96, pw: 96, payload: make([]byte, 4*96*96)},
		{name: "truncated row", rows: 2, ph: 2, pw: 2, payload: make([]byte, 4*4+6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(encodeHeader(t, tt.rows, tt.ph, tt.pw, tt.payload)))
			require.Error(t, err)

			var shapeErr *errs.ShapeMismatchError
			assert.Equal(t, tt.wantShapeErr, errors.As(err, &shapeErr), "got %v", err)
		})
	}
}
