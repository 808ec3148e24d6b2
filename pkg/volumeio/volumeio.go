// Package volumeio reads and writes 3D volumes in the NIfTI-1 (.nii, .nii.gz)
// and NRRD (.nrrd) formats.
//
// Only what the segmentation engine needs is interpreted: the voxel array, the
// per-axis spacing and the orientation fields required to write an output that
// shares the input's world alignment. Every other header field is carried through
// untouched.
package volumeio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"lungseg/internal/errs"
	"lungseg/internal/fsutil"
	"lungseg/internal/models"
)

// Supported formats, identified by file extension
const (
	FormatNifti   = ".nii"
	FormatNiftiGz = ".nii.gz"
	FormatNrrd    = ".nrrd"
)

// Format returns the format of a path from its extension
func Format(path string) (string, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, FormatNiftiGz):
		return FormatNiftiGz, nil
	case strings.HasSuffix(lower, FormatNifti):
		return FormatNifti, nil
	case strings.HasSuffix(lower, FormatNrrd):
		return FormatNrrd, nil
	}
	return "", &errs.UnsupportedFormatError{Path: path}
}

// SplitName returns the directory, the base name without extension and the
// format extension of a volume path
func SplitName(path string) (dir, name, ext string, err error) {
	ext, err = Format(path)
	if err != nil {
		return "", "", "", err
	}
	base := filepath.Base(path)
	return filepath.Dir(path), base[:len(base)-len(ext)], ext, nil
}

// Read loads a volume and its header
func Read(path string) (*models.Volume, error) {
	format, err := Format(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	var v *models.Volume
	switch format {
	case FormatNifti:
		v, err = readNifti(f, format)
	case FormatNiftiGz:
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(f); err != nil {
			return nil, fmt.Errorf("failed to open gzip stream of %s: %w", path, err)
		}
		defer zr.Close()
		v, err = readNifti(zr, format)
	case FormatNrrd:
		v, err = readNrrd(f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	v.Path = path
	return v, nil
}

// ReadHeader loads only the header of a volume
func ReadHeader(path string) (models.Header, error) {
	format, err := Format(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if format == FormatNiftiGz {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream of %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	var h models.Header
	switch format {
	case FormatNifti, FormatNiftiGz:
		h, err = readNiftiHeader(r, format)
	case FormatNrrd:
		h, _, err = readNrrdHeader(r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return h, nil
}

// Write stores the volume at path. The volume's header is reused when it belongs
// to the path's format; its dimensions and spacing are updated to match the
// volume. The file only appears once it has been written completely.
func Write(path string, v *models.Volume) error {
	format, err := Format(path)
	if err != nil {
		return err
	}
	if len(v.Data) != v.Shape.Len() {
		return errs.ShapeMismatch("volume holds %d voxels, shape %v needs %d", len(v.Data), v.Shape, v.Shape.Len())
	}
	if format != FormatNrrd {
		for i, n := range v.Shape {
			if n > math.MaxInt16 {
				return errs.ShapeMismatch("axis %d of shape %v exceeds the NIfTI-1 limit of %d voxels", i, v.Shape, math.MaxInt16)
			}
		}
	}

	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		switch format {
		case FormatNifti:
			return writeNifti(w, v, niftiHeaderFor(v, format))
		case FormatNiftiGz:
			zw := gzip.NewWriter(w)
			if err := writeNifti(zw, v, niftiHeaderFor(v, format)); err != nil {
				return err
			}
			return zw.Close()
		default:
			return writeNrrd(w, v, nrrdHeaderFor(v))
		}
	})
}
