package volumeio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// NIfTI-1 header layout
const (
	niftiHeaderSize = 348
	niftiDataOffset = 352

	offDim       = 40
	offDatatype  = 70
	offBitpix    = 72
	offPixdim    = 76
	offVoxOffset = 108
	offSclSlope  = 112
	offSclInter  = 116
	offSrowX     = 280
	offMagic     = 344

	niftiFloat32 = 16
)

// niftiKinds maps NIfTI datatype codes to sample kinds
var niftiKinds = map[int16]sampleKind{
	2:    kindUint8,
	4:    kindInt16,
	8:    kindInt32,
	16:   kindFloat32,
	64:   kindFloat64,
	256:  kindInt8,
	512:  kindUint16,
	768:  kindUint32,
	1024: kindInt64,
	1280: kindUint64,
}

// NiftiHeader is a NIfTI-1 single-file header. The raw bytes are kept so fields
// the engine does not interpret (qform, descriptions, intent) survive a rewrite.
type NiftiHeader struct {
	raw    [niftiHeaderSize]byte
	order  binary.ByteOrder
	format string
}

// Format returns ".nii" or ".nii.gz"
func (h *NiftiHeader) Format() string {
	return h.format
}

// Geometry returns dim[1..3] and pixdim[1..3]
func (h *NiftiHeader) Geometry() (models.Shape3, models.Spacing) {
	var shape models.Shape3
	var spacing models.Spacing
	ndim := int(h.dim(0))
	for i := 0; i < 3; i++ {
		shape[i] = 1
		if i < ndim {
			shape[i] = int(h.dim(i + 1))
		}
		spacing[i] = math.Abs(float64(h.pixdim(i + 1)))
	}
	return shape, spacing
}

// WithGeometry returns a copy describing a 3D volume of the given shape and
// spacing. The sform matrix columns are rescaled by the spacing ratio so the
// orientation and origin are kept.
func (h *NiftiHeader) WithGeometry(shape models.Shape3, spacing models.Spacing) models.Header {
	out := *h
	_, old := h.Geometry()

	out.setDim(0, 3)
	for i := 1; i < 8; i++ {
		out.setDim(i, 1)
	}
	for i := 0; i < 3; i++ {
		out.setDim(i+1, int16(shape[i]))
		out.setPixdim(i+1, float32(spacing[i]))
	}

	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			if old[col] == 0 {
				continue
			}
			off := offSrowX + 16*row + 4*col
			v := float64(out.float32At(off)) * spacing[col] / old[col]
			out.order.PutUint32(out.raw[off:], math.Float32bits(float32(v)))
		}
	}
	return &out
}

func (h *NiftiHeader) int16At(off int) int16 {
	return int16(h.order.Uint16(h.raw[off:]))
}

func (h *NiftiHeader) float32At(off int) float32 {
	return math.Float32frombits(h.order.Uint32(h.raw[off:]))
}

func (h *NiftiHeader) dim(i int) int16 { return h.int16At(offDim + 2*i) }

func (h *NiftiHeader) pixdim(i int) float32 { return h.float32At(offPixdim + 4*i) }

func (h *NiftiHeader) setDim(i int, v int16) {
	h.order.PutUint16(h.raw[offDim+2*i:], uint16(v))
}

func (h *NiftiHeader) setPixdim(i int, v float32) {
	h.setFloat32(offPixdim+4*i, v)
}

func (h *NiftiHeader) setFloat32(off int, v float32) {
	h.order.PutUint32(h.raw[off:], math.Float32bits(v))
}

// newNiftiHeader builds a header from scratch with an axis-aligned sform
func newNiftiHeader(shape models.Shape3, spacing models.Spacing, format string) *NiftiHeader {
	h := &NiftiHeader{order: binary.LittleEndian, format: format}
	h.order.PutUint32(h.raw[0:], niftiHeaderSize)
	copy(h.raw[offMagic:], "n+1\x00")
	h.setPixdim(0, 1)
	h.order.PutUint16(h.raw[254:], 1) // sform_code: scanner anatomical
	for i := 0; i < 3; i++ {
		h.setFloat32(offSrowX+16*i+4*i, float32(spacing[i]))
	}
	return h.WithGeometry(shape, spacing).(*NiftiHeader)
}

func readNiftiHeader(r io.Reader, format string) (*NiftiHeader, error) {
	h := &NiftiHeader{format: format}
	if _, err := io.ReadFull(r, h.raw[:]); err != nil {
		return nil, fmt.Errorf("failed to read NIfTI header: %w", err)
	}

	switch {
	case binary.LittleEndian.Uint32(h.raw[0:]) == niftiHeaderSize:
		h.order = binary.LittleEndian
	case binary.BigEndian.Uint32(h.raw[0:]) == niftiHeaderSize:
		h.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr is not %d)", niftiHeaderSize)
	}

	if magic := string(h.raw[offMagic : offMagic+3]); magic != "n+1" {
		return nil, fmt.Errorf("unsupported NIfTI magic %q (only single-file n+1 is supported)", magic)
	}

	ndim := int(h.dim(0))
	if ndim < 2 || ndim > 7 {
		return nil, errs.ShapeMismatch("NIfTI dim[0] = %d, expected 2 to 7", ndim)
	}
	for i := 4; i <= ndim; i++ {
		if h.dim(i) > 1 {
			return nil, errs.ShapeMismatch("NIfTI volume has %d dimensions, only 3D volumes are supported", ndim)
		}
	}
	for i := 1; i <= ndim && i <= 3; i++ {
		if h.dim(i) < 0 {
			return nil, errs.ShapeMismatch("NIfTI dim[%d] = %d is negative", i, h.dim(i))
		}
	}
	return h, nil
}

func readNifti(r io.Reader, format string) (*models.Volume, error) {
	h, err := readNiftiHeader(r, format)
	if err != nil {
		return nil, err
	}

	kind, ok := niftiKinds[h.int16At(offDatatype)]
	if !ok {
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", h.int16At(offDatatype))
	}

	voxOffset := int(h.float32At(offVoxOffset))
	if voxOffset < niftiHeaderSize {
		voxOffset = niftiDataOffset
	}
	if _, err := io.CopyN(io.Discard, r, int64(voxOffset-niftiHeaderSize)); err != nil {
		return nil, fmt.Errorf("failed to skip NIfTI extensions: %w", err)
	}

	shape, spacing := h.Geometry()
	data, err := readSamples(r, shape.Len(), kind, h.order)
	if err != nil {
		return nil, err
	}

	if slope := h.float32At(offSclSlope); slope != 0 && !(slope == 1 && h.float32At(offSclInter) == 0) {
		inter := float64(h.float32At(offSclInter))
		for i := range data {
			data[i] = data[i]*float64(slope) + inter
		}
	}

	return &models.Volume{
		Data:    data,
		Shape:   shape,
		Spacing: spacing,
		Header:  h,
	}, nil
}

// niftiHeaderFor returns the header to write v with: its own NIfTI header when it
// has one, otherwise a new axis-aligned header
func niftiHeaderFor(v *models.Volume, format string) *NiftiHeader {
	if h, ok := v.Header.(*NiftiHeader); ok {
		out := h.WithGeometry(v.Shape, v.Spacing).(*NiftiHeader)
		out.format = format
		return out
	}
	return newNiftiHeader(v.Shape, v.Spacing, format)
}

func writeNifti(w io.Writer, v *models.Volume, h *NiftiHeader) error {
	out := *h
	out.order.PutUint16(out.raw[offDatatype:], niftiFloat32)
	out.order.PutUint16(out.raw[offBitpix:], 32)
	out.setFloat32(offVoxOffset, niftiDataOffset)
	out.setFloat32(offSclSlope, 1)
	out.setFloat32(offSclInter, 0)

	if _, err := w.Write(out.raw[:]); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	// Empty extension block
	if _, err := w.Write(make([]byte, niftiDataOffset-niftiHeaderSize)); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	return writeFloat32(w, v.Data, out.order)
}
