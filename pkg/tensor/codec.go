package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/snappy"

	"lungseg/internal/errs"
	"lungseg/internal/fsutil"
)

// tensorMagic opens every encoded tensor
var tensorMagic = [4]byte{'L', 'S', 'T', 'N'}

const tensorVersion = 1

const (
	// maxPatchSide bounds the patch height and width a tensor header may declare
	maxPatchSide = 1 << 14

	// decodeChunkRows is the number of rows preallocated before any row is read
	decodeChunkRows = 256
)

// Encode writes the tensor as a snappy-framed stream: magic, version, rows,
// patch height and width as little-endian uint32, then the float32 values.
func Encode(w io.Writer, t *Tensor) error {
	if err := t.Check(); err != nil {
		return err
	}

	sw := snappy.NewBufferedWriter(w)
	header := make([]byte, 20)
	copy(header, tensorMagic[:])
	binary.LittleEndian.PutUint32(header[4:], tensorVersion)
	binary.LittleEndian.PutUint32(header[8:], uint32(t.NumRows()))
	binary.LittleEndian.PutUint32(header[12:], uint32(t.PatchHeight))
	binary.LittleEndian.PutUint32(header[16:], uint32(t.PatchWidth))
	if _, err := sw.Write(header); err != nil {
		return fmt.Errorf("failed to write tensor header: %w", err)
	}

	buf := make([]byte, 4*t.PatchLen())
	for i := 0; i < t.NumRows(); i++ {
		for j, x := range t.Row(i) {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(x))
		}
		if _, err := sw.Write(buf); err != nil {
			return fmt.Errorf("failed to write tensor row %d: %w", i, err)
		}
	}

	return sw.Close()
}

// Decode reads a tensor written by Encode
func Decode(r io.Reader) (*Tensor, error) {
	sr := snappy.NewReader(r)

	header := make([]byte, 20)
	if _, err := io.ReadFull(sr, header); err != nil {
		return nil, fmt.Errorf("failed to read tensor header: %w", err)
	}
	var magic [4]byte
	copy(magic[:], header)
	if magic != tensorMagic {
		return nil, fmt.Errorf("not a tensor file (magic %q)", magic[:])
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != tensorVersion {
		return nil, fmt.Errorf("unsupported tensor version %d", v)
	}
	rows := int(binary.LittleEndian.Uint32(header[8:]))
	ph := int(binary.LittleEndian.Uint32(header[12:]))
	pw := int(binary.LittleEndian.Uint32(header[16:]))
	if ph < 1 || ph > maxPatchSide || pw < 1 || pw > maxPatchSide {
		return nil, errs.ShapeMismatch("tensor header patch size %dx%d outside [1, %d]", ph, pw, maxPatchSide)
	}
	patchLen := ph * pw
	if rows > math.MaxInt/patchLen {
		return nil, errs.ShapeMismatch("tensor header declares %d rows of %d values", rows, patchLen)
	}

	// Rows are appended as they arrive, so a header promising more than the
	// stream holds fails on the short read instead of allocating up front.
	t := &Tensor{
		PatchHeight: ph,
		PatchWidth:  pw,
		Data:        make([]float32, 0, min(rows, decodeChunkRows)*patchLen),
	}

	buf := make([]byte, 4*patchLen)
	for i := 0; i < rows; i++ {
		if _, err := io.ReadFull(sr, buf); err != nil {
			return nil, fmt.Errorf("failed to read tensor row %d of %d: %w", i, rows, err)
		}
		for j := 0; j < patchLen; j++ {
			t.Data = append(t.Data, math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:])))
		}
	}
	if err := t.Check(); err != nil {
		return nil, err
	}

	return t, nil
}

// Save writes the tensor to a file atomically
func Save(path string, t *Tensor) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, t)
	})
}

// Load reads a tensor file
func Load(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tensor: %w", err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tensor %s: %w", path, err)
	}
	return t, nil
}
