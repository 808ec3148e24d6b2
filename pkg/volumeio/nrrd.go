package volumeio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// nrrdKinds maps the NRRD type names to sample kinds
var nrrdKinds = map[string]sampleKind{
	"signed char": kindInt8, "int8": kindInt8, "int8_t": kindInt8,
	"uchar": kindUint8, "unsigned char": kindUint8, "uint8": kindUint8, "uint8_t": kindUint8,
	"short": kindInt16, "short int": kindInt16, "signed short": kindInt16, "signed short int": kindInt16,
	"int16": kindInt16, "int16_t": kindInt16,
	"ushort": kindUint16, "unsigned short": kindUint16, "unsigned short int": kindUint16,
	"uint16": kindUint16, "uint16_t": kindUint16,
	"int": kindInt32, "signed int": kindInt32, "int32": kindInt32, "int32_t": kindInt32,
	"uint": kindUint32, "unsigned int": kindUint32, "uint32": kindUint32, "uint32_t": kindUint32,
	"longlong": kindInt64, "long long": kindInt64, "long long int": kindInt64, "signed long long": kindInt64,
	"signed long long int": kindInt64, "int64": kindInt64, "int64_t": kindInt64,
	"ulonglong": kindUint64, "unsigned long long": kindUint64, "unsigned long long int": kindUint64,
	"uint64": kindUint64, "uint64_t": kindUint64,
	"float": kindFloat32,
	"double": kindFloat64,
}

// nrrdField is one "key: value" line, kept in file order
type nrrdField struct {
	key   string
	value string
}

// NrrdHeader is an attached-data NRRD header. Fields are kept in file order and
// key/value pairs ("key:=value") are carried through on write.
type NrrdHeader struct {
	fields    []nrrdField
	keyValues []nrrdField

	sizes      []int
	directions [][3]float64
	spacing    models.Spacing
}

// Format returns ".nrrd"
func (h *NrrdHeader) Format() string {
	return FormatNrrd
}

// Geometry returns the sizes and the length of every space direction
func (h *NrrdHeader) Geometry() (models.Shape3, models.Spacing) {
	var shape models.Shape3
	for i := 0; i < 3; i++ {
		shape[i] = 1
		if i < len(h.sizes) {
			shape[i] = h.sizes[i]
		}
	}
	return shape, h.spacing
}

// WithGeometry returns a copy describing a 3D volume of the given shape and
// spacing; space directions keep their orientation and are rescaled to the new
// spacing.
func (h *NrrdHeader) WithGeometry(shape models.Shape3, spacing models.Spacing) models.Header {
	out := &NrrdHeader{
		fields:    append([]nrrdField(nil), h.fields...),
		keyValues: append([]nrrdField(nil), h.keyValues...),
		sizes:     []int{shape[0], shape[1], shape[2]},
		spacing:   spacing,
	}
	if h.directions != nil {
		out.directions = make([][3]float64, 3)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if h.spacing[i] != 0 {
					out.directions[i][j] = h.directions[i][j] * spacing[i] / h.spacing[i]
				}
			}
		}
	}
	return out
}

func (h *NrrdHeader) get(key string) (string, bool) {
	for _, f := range h.fields {
		if f.key == key {
			return f.value, true
		}
	}
	return "", false
}

// newNrrdHeader builds a header from scratch with axis-aligned space directions
func newNrrdHeader(shape models.Shape3, spacing models.Spacing) *NrrdHeader {
	h := &NrrdHeader{
		fields: []nrrdField{
			{"space", "left-posterior-superior"},
		},
		sizes:      []int{shape[0], shape[1], shape[2]},
		directions: make([][3]float64, 3),
		spacing:    spacing,
	}
	for i := 0; i < 3; i++ {
		h.directions[i][i] = spacing[i]
	}
	return h
}

// readNrrdHeader parses the header and returns a reader positioned at the data
func readNrrdHeader(r io.Reader) (*NrrdHeader, *bufio.Reader, error) {
	br := bufio.NewReader(r)

	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read NRRD magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, nil, fmt.Errorf("not a NRRD file")
	}

	h := &NrrdHeader{}
	for {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return nil, nil, fmt.Errorf("NRRD header is not terminated by a blank line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, ":="); i >= 0 {
			h.keyValues = append(h.keyValues, nrrdField{line[:i], line[i+2:]})
			continue
		}
		i := strings.Index(line, ": ")
		if i < 0 {
			return nil, nil, fmt.Errorf("malformed NRRD header line %q", line)
		}
		h.fields = append(h.fields, nrrdField{strings.ToLower(line[:i]), strings.TrimSpace(line[i+2:])})
	}

	if err := h.parseGeometry(); err != nil {
		return nil, nil, err
	}
	return h, br, nil
}

func (h *NrrdHeader) parseGeometry() error {
	dimension, ok := h.get("dimension")
	if !ok {
		return fmt.Errorf("NRRD header has no dimension field")
	}
	ndim, err := strconv.Atoi(dimension)
	if err != nil || ndim < 2 || ndim > 3 {
		return errs.ShapeMismatch("NRRD dimension %q, only 2D and 3D volumes are supported", dimension)
	}

	sizes, ok := h.get("sizes")
	if !ok {
		return fmt.Errorf("NRRD header has no sizes field")
	}
	for _, s := range strings.Fields(sizes) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid NRRD size %q", s)
		}
		h.sizes = append(h.sizes, n)
	}
	if len(h.sizes) != ndim {
		return errs.ShapeMismatch("NRRD sizes %q do not match dimension %d", sizes, ndim)
	}

	h.spacing = models.Spacing{1, 1, 1}
	if dirs, ok := h.get("space directions"); ok {
		vectors, err := parseDirections(dirs)
		if err != nil {
			return err
		}
		if len(vectors) != ndim {
			return errs.ShapeMismatch("NRRD has %d space directions for %d axes", len(vectors), ndim)
		}
		h.directions = make([][3]float64, 3)
		for i, d := range vectors {
			h.directions[i] = d
			h.spacing[i] = math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		}
		if ndim == 2 {
			h.directions[2] = [3]float64{0, 0, 1}
		}
	} else if spacings, ok := h.get("spacings"); ok {
		for i, s := range strings.Fields(spacings) {
			if i >= 3 {
				break
			}
			if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) {
				h.spacing[i] = math.Abs(v)
			}
		}
	}
	return nil
}

// parseDirections parses "(a,b,c) (d,e,f) (g,h,i)"; "none" entries are rejected
func parseDirections(s string) ([][3]float64, error) {
	var out [][3]float64
	for _, tok := range strings.Fields(s) {
		if tok == "none" {
			return nil, fmt.Errorf("NRRD space direction \"none\" on a spatial axis is not supported")
		}
		tok = strings.TrimSuffix(strings.TrimPrefix(tok, "("), ")")
		parts := strings.Split(tok, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid NRRD space direction %q", tok)
		}
		var v [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid NRRD space direction %q: %w", tok, err)
			}
			v[i] = f
		}
		out = append(out, v)
	}
	return out, nil
}

func readNrrd(r io.Reader) (*models.Volume, error) {
	h, br, err := readNrrdHeader(r)
	if err != nil {
		return nil, err
	}
	if _, detached := h.get("data file"); detached {
		return nil, fmt.Errorf("detached NRRD data files are not supported")
	}

	typeName, _ := h.get("type")
	kind, ok := nrrdKinds[typeName]
	if !ok {
		return nil, fmt.Errorf("unsupported NRRD type %q", typeName)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if endian, _ := h.get("endian"); endian == "big" {
		order = binary.BigEndian
	}

	shape, spacing := h.Geometry()
	encoding, _ := h.get("encoding")

	var data []float64
	switch encoding {
	case "raw":
		data, err = readSamples(br, shape.Len(), kind, order)
	case "gzip", "gz":
		zr, zerr := gzip.NewReader(br)
		if zerr != nil {
			return nil, fmt.Errorf("failed to open NRRD gzip data: %w", zerr)
		}
		defer zr.Close()
		data, err = readSamples(zr, shape.Len(), kind, order)
	case "ascii", "text", "txt":
		data, err = readASCII(br, shape.Len())
	default:
		return nil, fmt.Errorf("unsupported NRRD encoding %q", encoding)
	}
	if err != nil {
		return nil, err
	}

	return &models.Volume{
		Data:    data,
		Shape:   shape,
		Spacing: spacing,
		Header:  h,
	}, nil
}

func readASCII(r io.Reader, n int) ([]float64, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	out := make([]float64, 0, n)
	for len(out) < n && sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid NRRD ascii sample %q: %w", sc.Text(), err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) != n {
		return nil, fmt.Errorf("voxel data truncated after %d of %d samples", len(out), n)
	}
	return out, nil
}

// nrrdHeaderFor returns the header to write v with
func nrrdHeaderFor(v *models.Volume) *NrrdHeader {
	if h, ok := v.Header.(*NrrdHeader); ok {
		return h.WithGeometry(v.Shape, v.Spacing).(*NrrdHeader)
	}
	return newNrrdHeader(v.Shape, v.Spacing)
}

// nrrdManagedFields are written from the volume rather than copied from the source header
var nrrdManagedFields = map[string]bool{
	"type": true, "dimension": true, "sizes": true, "encoding": true, "endian": true,
	"space directions": true, "spacings": true, "data file": true, "line skip": true,
	"byte skip": true, "lineskip": true, "byteskip": true, "datafile": true,
	"kinds": true,
}

func writeNrrd(w io.Writer, v *models.Volume, h *NrrdHeader) error {
	var b strings.Builder
	b.WriteString("NRRD0004\n")
	b.WriteString("type: float\n")
	b.WriteString("dimension: 3\n")
	for _, f := range h.fields {
		if !nrrdManagedFields[f.key] {
			fmt.Fprintf(&b, "%s: %s\n", f.key, f.value)
		}
	}
	fmt.Fprintf(&b, "sizes: %d %d %d\n", v.Shape[0], v.Shape[1], v.Shape[2])
	b.WriteString("kinds: domain domain domain\n")
	if h.directions != nil {
		b.WriteString("space directions:")
		for _, d := range h.directions {
			fmt.Fprintf(&b, " (%s,%s,%s)", formatFloat(d[0]), formatFloat(d[1]), formatFloat(d[2]))
		}
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "spacings: %s %s %s\n",
			formatFloat(v.Spacing[0]), formatFloat(v.Spacing[1]), formatFloat(v.Spacing[2]))
	}
	b.WriteString("endian: little\n")
	b.WriteString("encoding: gzip\n")
	for _, kv := range h.keyValues {
		fmt.Fprintf(&b, "%s:=%s\n", kv.key, kv.value)
	}
	b.WriteString("\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write NRRD header: %w", err)
	}

	zw := gzip.NewWriter(w)
	if err := writeFloat32(zw, v.Data, binary.LittleEndian); err != nil {
		return err
	}
	return zw.Close()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
