package tensor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"lungseg/internal/errs"
	"lungseg/internal/fsutil"
	"lungseg/internal/models"
)

// Manifest lists the metadata of every volume in the order its rows appear in the
// tensor. On disk it is a JSON object keyed by output path.
type Manifest struct {
	Volumes []*models.VolumeMetadata
}

// Validate checks that the volumes occupy consecutive, non-overlapping row blocks
// that exactly cover a tensor of the given number of rows
func (m *Manifest) Validate(rows int) error {
	next := 0
	for _, v := range m.Volumes {
		if v.Skip {
			continue
		}
		if v.Offset != next {
			return errs.ShapeMismatch("volume %s starts at row %d, expected %d", v.OutputPath, v.Offset, next)
		}
		if v.Patches != len(v.Indexes[0])*len(v.Indexes[1]) {
			return errs.ShapeMismatch("volume %s records %d patches but its grid has %d windows",
				v.OutputPath, v.Patches, len(v.Indexes[0])*len(v.Indexes[1]))
		}
		next += v.Rows()
	}
	if next != rows {
		return errs.ShapeMismatch("manifest accounts for %d rows, tensor has %d", next, rows)
	}
	return nil
}

// MarshalJSON encodes the manifest as an object keyed by output path
func (m *Manifest) MarshalJSON() ([]byte, error) {
	byPath := make(map[string]*models.VolumeMetadata, len(m.Volumes))
	for _, v := range m.Volumes {
		if _, dup := byPath[v.OutputPath]; dup {
			return nil, fmt.Errorf("duplicate output path %s in manifest", v.OutputPath)
		}
		byPath[v.OutputPath] = v
	}
	return json.Marshal(byPath)
}

// UnmarshalJSON decodes an object keyed by output path and restores tensor order
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var byPath map[string]*models.VolumeMetadata
	if err := json.Unmarshal(data, &byPath); err != nil {
		return err
	}

	m.Volumes = m.Volumes[:0]
	for path, v := range byPath {
		v.OutputPath = path
		m.Volumes = append(m.Volumes, v)
	}
	sort.Slice(m.Volumes, func(i, j int) bool {
		a, b := m.Volumes[i], m.Volumes[j]
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.Skip != b.Skip {
			return a.Skip
		}
		return a.OutputPath < b.OutputPath
	})
	return nil
}

// SaveManifest writes the manifest as indented JSON
func SaveManifest(path string, m *Manifest) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}
		return nil
	})
}

// LoadManifest reads a manifest written by SaveManifest
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}
